package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the MySQL-backed Store.
type GormStore struct {
	db *gorm.DB

	// set on the Store handed to a Transaction callback
	conn      *gorm.DB
	heldLocks []string
}

var _ Store = (*GormStore)(nil)

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) q(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrorRecordNotFound
	}
	return err
}

func (s *GormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	if s.conn != nil {
		return fn(s)
	}
	// Pin one connection so advisory locks taken inside the transaction can be released on it.
	return s.q(ctx).Connection(func(conn *gorm.DB) error {
		txStore := &GormStore{conn: conn}
		err := conn.Transaction(func(tx *gorm.DB) error {
			txStore.db = tx
			return fn(txStore)
		})
		for _, poId := range txStore.heldLocks {
			releaseIntakeLock(conn, poId)
		}
		return err
	})
}

func (s *GormStore) LockPurchaseOrder(ctx context.Context, purchaseOrderId string) error {
	if s.conn == nil {
		return errors.New("LockPurchaseOrder requires a transaction")
	}
	for _, held := range s.heldLocks {
		if held == purchaseOrderId {
			return nil
		}
	}
	if err := acquireIntakeLock(s.q(ctx), purchaseOrderId); err != nil {
		return err
	}
	s.heldLocks = append(s.heldLocks, purchaseOrderId)
	return nil
}

func (s *GormStore) ListTemplates(ctx context.Context) ([]QualityCheckTemplate, error) {
	var templates []QualityCheckTemplate
	err := s.q(ctx).
		Preload("Criteria", func(db *gorm.DB) *gorm.DB { return db.Order("sort_order ASC") }).
		Where("is_active = ?", true).
		Order("category ASC, name ASC").
		Find(&templates).Error
	return templates, err
}

func (s *GormStore) SaveTemplate(ctx context.Context, t *QualityCheckTemplate) error {
	t.Normalize()
	return s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*GormStore).q(ctx)
		if err := tx.Omit("Criteria").Save(t).Error; err != nil {
			return err
		}
		if err := tx.Where("template_id = ?", t.ID).Delete(&QualityCheckCriterion{}).Error; err != nil {
			return err
		}
		if len(t.Criteria) == 0 {
			return nil
		}
		return tx.Create(&t.Criteria).Error
	})
}

func (s *GormStore) ListPurchaseOrderLineItems(ctx context.Context, purchaseOrderId string) ([]PurchaseOrderLineItem, error) {
	var lines []PurchaseOrderLineItem
	err := s.q(ctx).
		Where("purchase_order_id = ?", purchaseOrderId).
		Order("sort_order ASC, id ASC").
		Find(&lines).Error
	return lines, err
}

func (s *GormStore) CreateQualityCheck(ctx context.Context, qc *QualityCheck, items []QualityCheckItem) error {
	return s.Transaction(ctx, func(txs Store) error {
		tx := txs.(*GormStore).q(ctx)
		if err := tx.Create(qc).Error; err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		return tx.CreateInBatches(&items, 100).Error
	})
}

func (s *GormStore) SaveQualityCheck(ctx context.Context, qc *QualityCheck) error {
	return s.q(ctx).Save(qc).Error
}

// GetQualityCheck locks the row FOR UPDATE inside a transaction so concurrent writers of
// one session serialize on it.
func (s *GormStore) GetQualityCheck(ctx context.Context, id string) (*QualityCheck, error) {
	var qc QualityCheck
	q := s.q(ctx)
	if s.conn != nil {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := q.Where("id = ?", id).First(&qc).Error; err != nil {
		return nil, notFound(err)
	}
	return &qc, nil
}

func (s *GormStore) GetLatestQualityCheck(ctx context.Context, purchaseOrderId string) (*QualityCheck, error) {
	var qc QualityCheck
	if err := s.q(ctx).
		Where("purchase_order_id = ?", purchaseOrderId).
		Order("created_at DESC, id DESC").
		First(&qc).Error; err != nil {
		return nil, notFound(err)
	}
	return &qc, nil
}

func (s *GormStore) ListQualityChecks(ctx context.Context, purchaseOrderId string) ([]QualityCheck, error) {
	var checks []QualityCheck
	err := s.q(ctx).
		Where("purchase_order_id = ?", purchaseOrderId).
		Order("created_at DESC, id DESC").
		Find(&checks).Error
	return checks, err
}

func (s *GormStore) SaveQualityCheckItem(ctx context.Context, item *QualityCheckItem) error {
	return s.q(ctx).Save(item).Error
}

func (s *GormStore) ListQualityCheckItems(ctx context.Context, qualityCheckId string) ([]QualityCheckItem, error) {
	var items []QualityCheckItem
	err := s.q(ctx).
		Where("quality_check_id = ?", qualityCheckId).
		Order("sort_order ASC").
		Find(&items).Error
	return items, err
}

func (s *GormStore) AddHistory(ctx context.Context, h *QualityCheckHistory) error {
	return s.q(ctx).Create(h).Error
}

func (s *GormStore) ListHistory(ctx context.Context, qualityCheckId string) ([]QualityCheckHistory, error) {
	var rows []QualityCheckHistory
	err := s.q(ctx).Where("quality_check_id = ?", qualityCheckId).Order("id ASC").Find(&rows).Error
	return rows, err
}

func (s *GormStore) CreateInventoryStocks(ctx context.Context, stocks []InventoryStock) error {
	if len(stocks) == 0 {
		return nil
	}
	if err := s.q(ctx).Create(&stocks).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return ErrDuplicateStock
		}
		return err
	}
	return nil
}

func (s *GormStore) ListInventoryStocks(ctx context.Context, qualityCheckId string) ([]InventoryStock, error) {
	var stocks []InventoryStock
	q := s.q(ctx).Order("created_at ASC, id ASC")
	if qualityCheckId != "" {
		q = q.Where("quality_check_id = ?", qualityCheckId)
	}
	err := q.Find(&stocks).Error
	return stocks, err
}

func (s *GormStore) SumConvertedQuantities(ctx context.Context, purchaseOrderId string) (map[string]decimal.Decimal, error) {
	var rows []struct {
		PurchaseOrderLineItemId string
		Total                   decimal.Decimal
	}
	err := s.q(ctx).Model(&InventoryStock{}).
		Select("purchase_order_line_item_id, SUM(quantity) AS total").
		Where("purchase_order_id = ?", purchaseOrderId).
		Group("purchase_order_line_item_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.PurchaseOrderLineItemId] = r.Total
	}
	return out, nil
}

func (s *GormStore) GetInventoryConversion(ctx context.Context, qualityCheckId string) (*InventoryConversion, error) {
	var m InventoryConversion
	if err := s.q(ctx).Where("quality_check_id = ?", qualityCheckId).First(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *GormStore) SaveInventoryConversion(ctx context.Context, m *InventoryConversion) error {
	return s.q(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "quality_check_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "actor_id", "profit_margin_percentage", "default_location",
			"created_count", "skipped_count", "attempts", "last_error", "converted_at", "updated_at",
		}),
	}).Create(m).Error
}

func (s *GormStore) ListInventoryConversions(ctx context.Context, status ConversionStatus) ([]InventoryConversion, error) {
	var rows []InventoryConversion
	q := s.q(ctx).Order("id ASC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (s *GormStore) CreateOutboxEvent(ctx context.Context, e *QualityCheckEventRecord) error {
	return s.q(ctx).Create(e).Error
}

func (s *GormStore) ClaimOutboxEvents(ctx context.Context, c OutboxClaim) ([]QualityCheckEventRecord, error) {
	var claimed []QualityCheckEventRecord
	err := s.q(ctx).Transaction(func(tx *gorm.DB) error {
		// Eligible:
		// - PENDING / FAILED and ready to retry
		// - PROCESSING but lock is stale (dispatcher crashed mid-batch)
		q := tx.
			Where(`
				(
					publish_status IN ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
				)
				OR
				(
					publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?
				)
			`, []string{OutboxPublishStatusPending, OutboxPublishStatusFailed}, c.Now, OutboxPublishStatusProcessing, c.StaleBefore).
			Order("id ASC").
			Limit(c.BatchSize).
			Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		if err := q.Find(&claimed).Error; err != nil {
			return err
		}
		for i := range claimed {
			if c.MaxAttempts > 0 && claimed[i].PublishAttempts >= c.MaxAttempts {
				msg := "max publish attempts exceeded"
				claimed[i].PublishStatus = OutboxPublishStatusDead
				if err := tx.Model(&QualityCheckEventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
					"publish_status":     OutboxPublishStatusDead,
					"last_publish_error": &msg,
					"next_attempt_at":    nil,
					"locked_at":          nil,
					"locked_by":          nil,
				}).Error; err != nil {
					return err
				}
				continue
			}
			now := c.Now
			by := c.DispatcherId
			claimed[i].PublishStatus = OutboxPublishStatusProcessing
			claimed[i].LockedAt = &now
			claimed[i].LockedBy = &by
			claimed[i].PublishAttempts++
			if err := tx.Model(&QualityCheckEventRecord{}).Where("id = ?", claimed[i].ID).Updates(map[string]interface{}{
				"publish_status":     OutboxPublishStatusProcessing,
				"locked_at":          &now,
				"locked_by":          &by,
				"publish_attempts":   gorm.Expr("publish_attempts + 1"),
				"last_publish_error": nil,
				"next_attempt_at":    nil,
			}).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (s *GormStore) MarkOutboxSent(ctx context.Context, id int, pubSubMessageId string) error {
	now := time.Now().UTC()
	return s.q(ctx).Model(&QualityCheckEventRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusSent,
			"published_at":       &now,
			"pub_sub_message_id": &pubSubMessageId,
			"locked_at":          nil,
			"locked_by":          nil,
			"next_attempt_at":    nil,
		}).Error
}

func (s *GormStore) MarkOutboxFailed(ctx context.Context, id int, dead bool, lastError string, nextAttemptAt *time.Time) error {
	status := OutboxPublishStatusFailed
	if dead {
		status = OutboxPublishStatusDead
		nextAttemptAt = nil
	}
	return s.q(ctx).Model(&QualityCheckEventRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"publish_status":     status,
			"last_publish_error": &lastError,
			"next_attempt_at":    nextAttemptAt,
			"locked_at":          nil,
			"locked_by":          nil,
		}).Error
}

func (s *GormStore) LatestOutboxEvent(ctx context.Context, qualityCheckId string) (*QualityCheckEventRecord, error) {
	var rec QualityCheckEventRecord
	if err := s.q(ctx).Where("quality_check_id = ?", qualityCheckId).Order("id DESC").First(&rec).Error; err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (s *GormStore) RequeueOutboxEvents(ctx context.Context, qualityCheckId string) (int64, error) {
	res := s.q(ctx).Model(&QualityCheckEventRecord{}).
		Where("quality_check_id = ? AND publish_status IN ?", qualityCheckId, []string{OutboxPublishStatusFailed, OutboxPublishStatusDead}).
		Updates(map[string]interface{}{
			"publish_status":   OutboxPublishStatusPending,
			"publish_attempts": 0,
			"next_attempt_at":  nil,
			"locked_at":        nil,
			"locked_by":        nil,
		})
	return res.RowsAffected, res.Error
}
