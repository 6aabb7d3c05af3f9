package models

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPurchaseOrderLocked is returned when another conversion holds the purchase order.
var ErrPurchaseOrderLocked = errors.New("purchase order is locked by another conversion")

// ErrDuplicateStock is returned when a stock record for (quality check, line item) already exists.
var ErrDuplicateStock = errors.New("inventory stock already recorded for this quality check line")

// TemplateSource is the remote template catalog.
type TemplateSource interface {
	ListTemplates(ctx context.Context) ([]QualityCheckTemplate, error)
	SaveTemplate(ctx context.Context, t *QualityCheckTemplate) error
}

// PurchaseOrderSource reads purchase order lines; it is never written to here.
type PurchaseOrderSource interface {
	ListPurchaseOrderLineItems(ctx context.Context, purchaseOrderId string) ([]PurchaseOrderLineItem, error)
}

type QualityCheckRepository interface {
	CreateQualityCheck(ctx context.Context, qc *QualityCheck, items []QualityCheckItem) error
	SaveQualityCheck(ctx context.Context, qc *QualityCheck) error
	// GetQualityCheck returns utils.ErrorRecordNotFound when missing.
	GetQualityCheck(ctx context.Context, id string) (*QualityCheck, error)
	// GetLatestQualityCheck returns the most recently created check for a purchase order.
	GetLatestQualityCheck(ctx context.Context, purchaseOrderId string) (*QualityCheck, error)
	ListQualityChecks(ctx context.Context, purchaseOrderId string) ([]QualityCheck, error)
	SaveQualityCheckItem(ctx context.Context, item *QualityCheckItem) error
	ListQualityCheckItems(ctx context.Context, qualityCheckId string) ([]QualityCheckItem, error)
	AddHistory(ctx context.Context, h *QualityCheckHistory) error
	ListHistory(ctx context.Context, qualityCheckId string) ([]QualityCheckHistory, error)
}

type InventoryRepository interface {
	CreateInventoryStocks(ctx context.Context, stocks []InventoryStock) error
	// ListInventoryStocks returns every stock record when qualityCheckId is empty.
	ListInventoryStocks(ctx context.Context, qualityCheckId string) ([]InventoryStock, error)
	// SumConvertedQuantities totals stock already created per purchase order line item.
	SumConvertedQuantities(ctx context.Context, purchaseOrderId string) (map[string]decimal.Decimal, error)
	// GetInventoryConversion returns (nil, nil) when no marker exists.
	GetInventoryConversion(ctx context.Context, qualityCheckId string) (*InventoryConversion, error)
	// SaveInventoryConversion upserts by quality_check_id.
	SaveInventoryConversion(ctx context.Context, m *InventoryConversion) error
	ListInventoryConversions(ctx context.Context, status ConversionStatus) ([]InventoryConversion, error)
}

type OutboxRepository interface {
	CreateOutboxEvent(ctx context.Context, e *QualityCheckEventRecord) error
	// ClaimOutboxEvents marks up to BatchSize eligible rows PROCESSING (or DEAD past MaxAttempts)
	// and returns them.
	ClaimOutboxEvents(ctx context.Context, claim OutboxClaim) ([]QualityCheckEventRecord, error)
	MarkOutboxSent(ctx context.Context, id int, pubSubMessageId string) error
	// MarkOutboxFailed schedules a retry at nextAttemptAt, or marks the row DEAD when dead is set.
	MarkOutboxFailed(ctx context.Context, id int, dead bool, lastError string, nextAttemptAt *time.Time) error
	LatestOutboxEvent(ctx context.Context, qualityCheckId string) (*QualityCheckEventRecord, error)
	// RequeueOutboxEvents resets unsent rows of a quality check to PENDING.
	RequeueOutboxEvents(ctx context.Context, qualityCheckId string) (int64, error)
}

// UnitOfWork groups writes atomically.
type UnitOfWork interface {
	// Transaction runs fn with a Store bound to one transaction; any error rolls back every write.
	Transaction(ctx context.Context, fn func(tx Store) error) error
	// LockPurchaseOrder serializes conversions of one purchase order until the enclosing
	// transaction ends. Calling it outside Transaction is an error.
	LockPurchaseOrder(ctx context.Context, purchaseOrderId string) error
}

type Store interface {
	TemplateSource
	PurchaseOrderSource
	QualityCheckRepository
	InventoryRepository
	OutboxRepository
	UnitOfWork
}
