// Package sqlitestore is a single-file models.Store on modernc's pure-Go SQLite driver,
// used for local runs (STORE_DRIVER=sqlite) and transactional tests.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type queryer interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	NamedExecContext(ctx context.Context, query string, arg interface{}) (sql.Result, error)
}

type Store struct {
	db  *sqlx.DB
	q   queryer
	tx  *sqlx.Tx
	now func() time.Time
}

var _ models.Store = (*Store)(nil)

// Open connects and ensures the schema. SQLite allows one writer, so the pool is one connection.
func Open(dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Store{db: db, q: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for seeding purchase orders in tests and demos.
func (s *Store) DB() *sqlx.DB { return s.db }

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	return errors.As(err, &se) && (se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY)
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return utils.ErrorRecordNotFound
	}
	return err
}

func (s *Store) Transaction(ctx context.Context, fn func(tx models.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	txStore := &Store{db: s.db, q: tx, tx: tx, now: s.now}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LockPurchaseOrder: the single connection already serializes transactions.
func (s *Store) LockPurchaseOrder(ctx context.Context, purchaseOrderId string) error {
	if s.tx == nil {
		return errors.New("LockPurchaseOrder requires a transaction")
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.QualityCheckTemplate, error) {
	var templates []models.QualityCheckTemplate
	if err := s.q.SelectContext(ctx, &templates, `
		SELECT id, name, category, description, is_active, created_at, updated_at
		FROM quality_check_templates
		WHERE is_active = 1
		ORDER BY category, name`); err != nil {
		return nil, err
	}
	var criteria []models.QualityCheckCriterion
	if err := s.q.SelectContext(ctx, &criteria, `
		SELECT c.id, c.template_id, c.name, c.description, c.sort_order
		FROM quality_check_criteria c
		JOIN quality_check_templates t ON t.id = c.template_id
		WHERE t.is_active = 1
		ORDER BY c.template_id, c.sort_order`); err != nil {
		return nil, err
	}
	byTemplate := map[string][]models.QualityCheckCriterion{}
	for _, c := range criteria {
		byTemplate[c.TemplateId] = append(byTemplate[c.TemplateId], c)
	}
	for i := range templates {
		templates[i].Criteria = byTemplate[templates[i].ID]
	}
	return templates, nil
}

func (s *Store) SaveTemplate(ctx context.Context, t *models.QualityCheckTemplate) error {
	t.Normalize()
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	if t.IsActive == nil {
		t.IsActive = utils.NewTrue()
	}
	return s.Transaction(ctx, func(txs models.Store) error {
		tx := txs.(*Store)
		if _, err := tx.q.NamedExecContext(ctx, `
			INSERT INTO quality_check_templates(id, name, category, description, is_active, created_at, updated_at)
			VALUES(:id, :name, :category, :description, :is_active, :created_at, :updated_at)
			ON CONFLICT(id) DO UPDATE SET
			  name = excluded.name, category = excluded.category, description = excluded.description,
			  is_active = excluded.is_active, updated_at = excluded.updated_at`, t); err != nil {
			return err
		}
		if _, err := tx.q.ExecContext(ctx, `DELETE FROM quality_check_criteria WHERE template_id = ?`, t.ID); err != nil {
			return err
		}
		for i := range t.Criteria {
			if _, err := tx.q.NamedExecContext(ctx, `
				INSERT INTO quality_check_criteria(id, template_id, name, description, sort_order)
				VALUES(:id, :template_id, :name, :description, :sort_order)`, &t.Criteria[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

// SavePurchaseOrder writes a purchase order read model; purchasing owns the real one.
func (s *Store) SavePurchaseOrder(ctx context.Context, po models.PurchaseOrder) error {
	now := s.now()
	return s.Transaction(ctx, func(txs models.Store) error {
		tx := txs.(*Store)
		if _, err := tx.q.ExecContext(ctx, `
			INSERT INTO purchase_orders(id, order_number, supplier_id, status, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET order_number = excluded.order_number, supplier_id = excluded.supplier_id,
			  status = excluded.status, updated_at = excluded.updated_at`,
			po.ID, po.OrderNumber, po.SupplierId, po.Status, now, now); err != nil {
			return err
		}
		for i, line := range po.Details {
			line.PurchaseOrderId = po.ID
			if line.SortOrder == 0 {
				line.SortOrder = i + 1
			}
			if _, err := tx.q.NamedExecContext(ctx, `
				INSERT INTO purchase_order_details(id, purchase_order_id, product_id, variant_id, name, ordered_qty, cost_price, location, sort_order)
				VALUES(:id, :purchase_order_id, :product_id, :variant_id, :name, :ordered_qty, :cost_price, :location, :sort_order)
				ON CONFLICT(id) DO UPDATE SET ordered_qty = excluded.ordered_qty, cost_price = excluded.cost_price,
				  location = excluded.location, name = excluded.name`, &line); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) ListPurchaseOrderLineItems(ctx context.Context, purchaseOrderId string) ([]models.PurchaseOrderLineItem, error) {
	var lines []models.PurchaseOrderLineItem
	err := s.q.SelectContext(ctx, &lines, `
		SELECT id, purchase_order_id, product_id, variant_id, name, ordered_qty, cost_price, location, sort_order
		FROM purchase_order_details
		WHERE purchase_order_id = ?
		ORDER BY sort_order, id`, purchaseOrderId)
	return lines, err
}

const qualityCheckColumns = `id, purchase_order_id, template_id, template_name, template_category, checked_by,
	status, overall_result, step, notes, needs_manual_resolution, accepted_partial, close_reason,
	checked_at, completed_at, inventory_converted_at, created_at, updated_at`

const itemColumns = `id, quality_check_id, purchase_order_line_item_id, product_id, variant_id, product_name,
	ordered_qty, criterion_id, criterion_name, sort_order, result, quantity_checked, quantity_passed,
	quantity_failed, defect_type, defect_description, action_taken, notes, image_references,
	inspected_at, skipped_at, created_at, updated_at`

func (s *Store) CreateQualityCheck(ctx context.Context, qc *models.QualityCheck, items []models.QualityCheckItem) error {
	now := s.now()
	qc.CreatedAt, qc.UpdatedAt = now, now
	return s.Transaction(ctx, func(txs models.Store) error {
		tx := txs.(*Store)
		if _, err := tx.q.NamedExecContext(ctx, `INSERT INTO quality_checks(`+qualityCheckColumns+`)
			VALUES(:id, :purchase_order_id, :template_id, :template_name, :template_category, :checked_by,
			  :status, :overall_result, :step, :notes, :needs_manual_resolution, :accepted_partial, :close_reason,
			  :checked_at, :completed_at, :inventory_converted_at, :created_at, :updated_at)`, qc); err != nil {
			return err
		}
		for i := range items {
			items[i].CreatedAt, items[i].UpdatedAt = now, now
			if _, err := tx.q.NamedExecContext(ctx, `INSERT INTO quality_check_items(`+itemColumns+`)
				VALUES(:id, :quality_check_id, :purchase_order_line_item_id, :product_id, :variant_id, :product_name,
				  :ordered_qty, :criterion_id, :criterion_name, :sort_order, :result, :quantity_checked, :quantity_passed,
				  :quantity_failed, :defect_type, :defect_description, :action_taken, :notes, :image_references,
				  :inspected_at, :skipped_at, :created_at, :updated_at)`, &items[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) SaveQualityCheck(ctx context.Context, qc *models.QualityCheck) error {
	qc.UpdatedAt = s.now()
	res, err := s.q.NamedExecContext(ctx, `
		UPDATE quality_checks SET
		  status = :status, overall_result = :overall_result, step = :step, notes = :notes,
		  needs_manual_resolution = :needs_manual_resolution, accepted_partial = :accepted_partial,
		  close_reason = :close_reason, completed_at = :completed_at,
		  inventory_converted_at = :inventory_converted_at, updated_at = :updated_at
		WHERE id = :id`, qc)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func (s *Store) GetQualityCheck(ctx context.Context, id string) (*models.QualityCheck, error) {
	var qc models.QualityCheck
	if err := s.q.GetContext(ctx, &qc, `SELECT `+qualityCheckColumns+` FROM quality_checks WHERE id = ?`, id); err != nil {
		return nil, notFound(err)
	}
	return &qc, nil
}

func (s *Store) GetLatestQualityCheck(ctx context.Context, purchaseOrderId string) (*models.QualityCheck, error) {
	var qc models.QualityCheck
	if err := s.q.GetContext(ctx, &qc, `SELECT `+qualityCheckColumns+` FROM quality_checks
		WHERE purchase_order_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, purchaseOrderId); err != nil {
		return nil, notFound(err)
	}
	return &qc, nil
}

func (s *Store) ListQualityChecks(ctx context.Context, purchaseOrderId string) ([]models.QualityCheck, error) {
	var checks []models.QualityCheck
	err := s.q.SelectContext(ctx, &checks, `SELECT `+qualityCheckColumns+` FROM quality_checks
		WHERE purchase_order_id = ? ORDER BY created_at DESC, rowid DESC`, purchaseOrderId)
	return checks, err
}

func (s *Store) SaveQualityCheckItem(ctx context.Context, item *models.QualityCheckItem) error {
	item.UpdatedAt = s.now()
	res, err := s.q.NamedExecContext(ctx, `
		UPDATE quality_check_items SET
		  result = :result, quantity_checked = :quantity_checked, quantity_passed = :quantity_passed,
		  quantity_failed = :quantity_failed, defect_type = :defect_type, defect_description = :defect_description,
		  action_taken = :action_taken, notes = :notes, image_references = :image_references,
		  inspected_at = :inspected_at, skipped_at = :skipped_at, updated_at = :updated_at
		WHERE id = :id`, item)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return utils.ErrorRecordNotFound
	}
	return nil
}

func (s *Store) ListQualityCheckItems(ctx context.Context, qualityCheckId string) ([]models.QualityCheckItem, error) {
	var items []models.QualityCheckItem
	err := s.q.SelectContext(ctx, &items, `SELECT `+itemColumns+` FROM quality_check_items
		WHERE quality_check_id = ? ORDER BY sort_order`, qualityCheckId)
	return items, err
}

func (s *Store) AddHistory(ctx context.Context, h *models.QualityCheckHistory) error {
	h.CreatedAt = s.now()
	res, err := s.q.NamedExecContext(ctx, `
		INSERT INTO quality_check_histories(quality_check_id, action_type, from_step, to_step, reference_id,
		  before_value, after_value, description, user_id, user_name, created_at)
		VALUES(:quality_check_id, :action_type, :from_step, :to_step, :reference_id,
		  :before_value, :after_value, :description, :user_id, :user_name, :created_at)`, h)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	h.ID = int(id)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, qualityCheckId string) ([]models.QualityCheckHistory, error) {
	var rows []models.QualityCheckHistory
	err := s.q.SelectContext(ctx, &rows, `
		SELECT id, quality_check_id, action_type, from_step, to_step, reference_id, before_value, after_value,
		  description, user_id, user_name, created_at
		FROM quality_check_histories WHERE quality_check_id = ? ORDER BY id`, qualityCheckId)
	return rows, err
}

func (s *Store) CreateInventoryStocks(ctx context.Context, stocks []models.InventoryStock) error {
	now := s.now()
	for i := range stocks {
		stocks[i].CreatedAt = now
		if _, err := s.q.NamedExecContext(ctx, `
			INSERT INTO inventory_stocks(id, quality_check_id, purchase_order_line_item_id, purchase_order_id,
			  product_id, variant_id, quantity, cost_price, selling_price, profit_margin_percentage, location,
			  received_by, received_at, created_at)
			VALUES(:id, :quality_check_id, :purchase_order_line_item_id, :purchase_order_id,
			  :product_id, :variant_id, :quantity, :cost_price, :selling_price, :profit_margin_percentage, :location,
			  :received_by, :received_at, :created_at)`, &stocks[i]); err != nil {
			if isUniqueViolation(err) {
				return models.ErrDuplicateStock
			}
			return err
		}
	}
	return nil
}

const stockColumns = `id, quality_check_id, purchase_order_line_item_id, purchase_order_id, product_id, variant_id,
	quantity, cost_price, selling_price, profit_margin_percentage, location, received_by, received_at, created_at`

func (s *Store) ListInventoryStocks(ctx context.Context, qualityCheckId string) ([]models.InventoryStock, error) {
	var stocks []models.InventoryStock
	var err error
	if qualityCheckId == "" {
		err = s.q.SelectContext(ctx, &stocks, `SELECT `+stockColumns+` FROM inventory_stocks ORDER BY rowid`)
	} else {
		err = s.q.SelectContext(ctx, &stocks, `SELECT `+stockColumns+` FROM inventory_stocks WHERE quality_check_id = ? ORDER BY rowid`, qualityCheckId)
	}
	return stocks, err
}

// SumConvertedQuantities adds in Go: quantities are decimal text and SQL SUM would go through floats.
func (s *Store) SumConvertedQuantities(ctx context.Context, purchaseOrderId string) (map[string]decimal.Decimal, error) {
	var rows []struct {
		LineItemId string          `db:"purchase_order_line_item_id"`
		Quantity   decimal.Decimal `db:"quantity"`
	}
	if err := s.q.SelectContext(ctx, &rows, `
		SELECT purchase_order_line_item_id, quantity FROM inventory_stocks WHERE purchase_order_id = ?`, purchaseOrderId); err != nil {
		return nil, err
	}
	out := make(map[string]decimal.Decimal, len(rows))
	for _, r := range rows {
		out[r.LineItemId] = out[r.LineItemId].Add(r.Quantity)
	}
	return out, nil
}

const conversionColumns = `id, quality_check_id, purchase_order_id, status, actor_id, profit_margin_percentage,
	default_location, created_count, skipped_count, attempts, last_error, converted_at, created_at, updated_at`

func (s *Store) GetInventoryConversion(ctx context.Context, qualityCheckId string) (*models.InventoryConversion, error) {
	var m models.InventoryConversion
	if err := s.q.GetContext(ctx, &m, `SELECT `+conversionColumns+` FROM inventory_conversions WHERE quality_check_id = ?`, qualityCheckId); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

func (s *Store) SaveInventoryConversion(ctx context.Context, m *models.InventoryConversion) error {
	now := s.now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	_, err := s.q.NamedExecContext(ctx, `
		INSERT INTO inventory_conversions(quality_check_id, purchase_order_id, status, actor_id, profit_margin_percentage,
		  default_location, created_count, skipped_count, attempts, last_error, converted_at, created_at, updated_at)
		VALUES(:quality_check_id, :purchase_order_id, :status, :actor_id, :profit_margin_percentage,
		  :default_location, :created_count, :skipped_count, :attempts, :last_error, :converted_at, :created_at, :updated_at)
		ON CONFLICT(quality_check_id) DO UPDATE SET
		  status = excluded.status, actor_id = excluded.actor_id,
		  profit_margin_percentage = excluded.profit_margin_percentage, default_location = excluded.default_location,
		  created_count = excluded.created_count, skipped_count = excluded.skipped_count,
		  attempts = excluded.attempts, last_error = excluded.last_error,
		  converted_at = excluded.converted_at, updated_at = excluded.updated_at`, m)
	return err
}

func (s *Store) ListInventoryConversions(ctx context.Context, status models.ConversionStatus) ([]models.InventoryConversion, error) {
	var rows []models.InventoryConversion
	var err error
	if status == "" {
		err = s.q.SelectContext(ctx, &rows, `SELECT `+conversionColumns+` FROM inventory_conversions ORDER BY id`)
	} else {
		err = s.q.SelectContext(ctx, &rows, `SELECT `+conversionColumns+` FROM inventory_conversions WHERE status = ? ORDER BY id`, status)
	}
	return rows, err
}

const outboxColumns = `id, event_type, quality_check_id, purchase_order_id, occurred_at, payload, publish_status,
	published_at, pub_sub_message_id, publish_attempts, next_attempt_at, locked_at, locked_by,
	last_publish_error, correlation_id, created_at, updated_at`

func (s *Store) CreateOutboxEvent(ctx context.Context, e *models.QualityCheckEventRecord) error {
	now := s.now()
	e.CreatedAt, e.UpdatedAt = now, now
	if e.PublishStatus == "" {
		e.PublishStatus = models.OutboxPublishStatusPending
	}
	res, err := s.q.NamedExecContext(ctx, `
		INSERT INTO quality_check_event_records(event_type, quality_check_id, purchase_order_id, occurred_at, payload,
		  publish_status, publish_attempts, correlation_id, created_at, updated_at)
		VALUES(:event_type, :quality_check_id, :purchase_order_id, :occurred_at, :payload,
		  :publish_status, :publish_attempts, :correlation_id, :created_at, :updated_at)`, e)
	if err != nil {
		return err
	}
	id, _ := res.LastInsertId()
	e.ID = int(id)
	return nil
}

func (s *Store) ClaimOutboxEvents(ctx context.Context, c models.OutboxClaim) ([]models.QualityCheckEventRecord, error) {
	var claimed []models.QualityCheckEventRecord
	err := s.Transaction(ctx, func(txs models.Store) error {
		tx := txs.(*Store)
		limit := c.BatchSize
		if limit <= 0 {
			limit = -1
		}
		if err := tx.q.SelectContext(ctx, &claimed, `SELECT `+outboxColumns+` FROM quality_check_event_records
			WHERE (publish_status IN (?, ?) AND (next_attempt_at IS NULL OR next_attempt_at <= ?))
			   OR (publish_status = ? AND locked_at IS NOT NULL AND locked_at <= ?)
			ORDER BY id LIMIT ?`,
			models.OutboxPublishStatusPending, models.OutboxPublishStatusFailed, c.Now,
			models.OutboxPublishStatusProcessing, c.StaleBefore, limit); err != nil {
			return err
		}
		for i := range claimed {
			rec := &claimed[i]
			if c.MaxAttempts > 0 && rec.PublishAttempts >= c.MaxAttempts {
				msg := "max publish attempts exceeded"
				rec.PublishStatus = models.OutboxPublishStatusDead
				if _, err := tx.q.ExecContext(ctx, `UPDATE quality_check_event_records
					SET publish_status = ?, last_publish_error = ?, next_attempt_at = NULL, locked_at = NULL, locked_by = NULL, updated_at = ?
					WHERE id = ?`, models.OutboxPublishStatusDead, msg, c.Now, rec.ID); err != nil {
					return err
				}
				continue
			}
			now, by := c.Now, c.DispatcherId
			rec.PublishStatus = models.OutboxPublishStatusProcessing
			rec.LockedAt, rec.LockedBy = &now, &by
			rec.PublishAttempts++
			if _, err := tx.q.ExecContext(ctx, `UPDATE quality_check_event_records
				SET publish_status = ?, locked_at = ?, locked_by = ?, publish_attempts = publish_attempts + 1,
				  last_publish_error = NULL, next_attempt_at = NULL, updated_at = ?
				WHERE id = ?`, models.OutboxPublishStatusProcessing, now, by, now, rec.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return claimed, err
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int, pubSubMessageId string) error {
	now := s.now()
	_, err := s.q.ExecContext(ctx, `UPDATE quality_check_event_records
		SET publish_status = ?, published_at = ?, pub_sub_message_id = ?, locked_at = NULL, locked_by = NULL,
		  next_attempt_at = NULL, updated_at = ?
		WHERE id = ?`, models.OutboxPublishStatusSent, now, pubSubMessageId, now, id)
	return err
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id int, dead bool, lastError string, nextAttemptAt *time.Time) error {
	status := models.OutboxPublishStatusFailed
	if dead {
		status = models.OutboxPublishStatusDead
		nextAttemptAt = nil
	}
	_, err := s.q.ExecContext(ctx, `UPDATE quality_check_event_records
		SET publish_status = ?, last_publish_error = ?, next_attempt_at = ?, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE id = ?`, status, lastError, nextAttemptAt, s.now(), id)
	return err
}

func (s *Store) LatestOutboxEvent(ctx context.Context, qualityCheckId string) (*models.QualityCheckEventRecord, error) {
	var rec models.QualityCheckEventRecord
	if err := s.q.GetContext(ctx, &rec, `SELECT `+outboxColumns+` FROM quality_check_event_records
		WHERE quality_check_id = ? ORDER BY id DESC LIMIT 1`, qualityCheckId); err != nil {
		return nil, notFound(err)
	}
	return &rec, nil
}

func (s *Store) RequeueOutboxEvents(ctx context.Context, qualityCheckId string) (int64, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE quality_check_event_records
		SET publish_status = ?, publish_attempts = 0, next_attempt_at = NULL, locked_at = NULL, locked_by = NULL, updated_at = ?
		WHERE quality_check_id = ? AND publish_status IN (?, ?)`,
		models.OutboxPublishStatusPending, s.now(), qualityCheckId, models.OutboxPublishStatusFailed, models.OutboxPublishStatusDead)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
