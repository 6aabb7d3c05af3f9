package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryConversion is the durable "already converted" marker for a quality check.
// Unique constraint: quality_check_id. A SUCCEEDED row makes conversion a no-op.
type InventoryConversion struct {
	ID                     int              `gorm:"primary_key" db:"id" json:"id"`
	QualityCheckId         string           `gorm:"size:36;not null;uniqueIndex" db:"quality_check_id" json:"quality_check_id"`
	PurchaseOrderId        string           `gorm:"size:36;not null;index" db:"purchase_order_id" json:"purchase_order_id"`
	Status                 ConversionStatus `gorm:"size:20;not null;index" db:"status" json:"status"`
	ActorId                string           `gorm:"size:64;not null" db:"actor_id" json:"actor_id"`
	ProfitMarginPercentage decimal.Decimal  `gorm:"type:decimal(10,4);not null" db:"profit_margin_percentage" json:"profit_margin_percentage"`
	DefaultLocation        *string          `gorm:"size:100" db:"default_location" json:"default_location"`
	CreatedCount           int              `gorm:"not null;default:0" db:"created_count" json:"created_count"`
	SkippedCount           int              `gorm:"not null;default:0" db:"skipped_count" json:"skipped_count"`
	Attempts               int              `gorm:"not null;default:0" db:"attempts" json:"attempts"`
	LastError              *string          `gorm:"type:text" db:"last_error" json:"last_error"`
	ConvertedAt            *time.Time       `db:"converted_at" json:"converted_at"`
	CreatedAt              time.Time        `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
	UpdatedAt              time.Time        `gorm:"autoUpdateTime" db:"updated_at" json:"updated_at"`
}

func (c *InventoryConversion) Succeeded() bool {
	return c != nil && c.Status == ConversionStatusSucceeded
}
