// Package memstore is an in-memory models.Store used by tests and local demos.
// Transactions snapshot the whole state and restore it on error.
package memstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/shopspring/decimal"
)

type state struct {
	templates   []models.QualityCheckTemplate
	lineItems   map[string][]models.PurchaseOrderLineItem
	checks      map[string]models.QualityCheck
	checkOrder  []string
	items       map[string][]models.QualityCheckItem
	history     []models.QualityCheckHistory
	stocks      []models.InventoryStock
	conversions map[string]models.InventoryConversion
	outbox      []models.QualityCheckEventRecord
	nextId      int
}

type shared struct {
	mu   sync.Mutex
	txMu sync.Mutex
	st   *state

	faults map[string][]error
	calls  map[string]int
	clock  func() time.Time
}

type Store struct {
	*shared
	inTx bool
}

var _ models.Store = (*Store)(nil)

func New() *Store {
	return &Store{shared: &shared{
		st: &state{
			lineItems:   map[string][]models.PurchaseOrderLineItem{},
			checks:      map[string]models.QualityCheck{},
			items:       map[string][]models.QualityCheckItem{},
			conversions: map[string]models.InventoryConversion{},
		},
		faults: map[string][]error{},
		calls:  map[string]int{},
		clock:  time.Now,
	}}
}

// FailNext makes the next call of op return err. Calls queue in order.
func (s *Store) FailNext(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = append(s.faults[op], err)
}

// Calls reports how many times op was invoked.
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// TotalCalls counts every store call; validation tests assert it stays zero.
func (s *Store) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		n += c
	}
	return n
}

// enter records the call and pops an injected fault. Caller must hold mu.
func (s *Store) enter(op string) error {
	s.calls[op]++
	if queued := s.faults[op]; len(queued) > 0 {
		err := queued[0]
		s.faults[op] = queued[1:]
		return err
	}
	return nil
}

// SeedTemplates replaces the catalog.
func (s *Store) SeedTemplates(templates ...models.QualityCheckTemplate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.templates = append([]models.QualityCheckTemplate(nil), templates...)
}

// SeedPurchaseOrder stores the line items of one purchase order.
func (s *Store) SeedPurchaseOrder(purchaseOrderId string, lines ...models.PurchaseOrderLineItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range lines {
		lines[i].PurchaseOrderId = purchaseOrderId
	}
	s.st.lineItems[purchaseOrderId] = append([]models.PurchaseOrderLineItem(nil), lines...)
}

func (st *state) clone() *state {
	c := &state{
		templates:   append([]models.QualityCheckTemplate(nil), st.templates...),
		lineItems:   make(map[string][]models.PurchaseOrderLineItem, len(st.lineItems)),
		checks:      make(map[string]models.QualityCheck, len(st.checks)),
		checkOrder:  append([]string(nil), st.checkOrder...),
		items:       make(map[string][]models.QualityCheckItem, len(st.items)),
		history:     append([]models.QualityCheckHistory(nil), st.history...),
		stocks:      append([]models.InventoryStock(nil), st.stocks...),
		conversions: make(map[string]models.InventoryConversion, len(st.conversions)),
		outbox:      append([]models.QualityCheckEventRecord(nil), st.outbox...),
		nextId:      st.nextId,
	}
	for k, v := range st.lineItems {
		c.lineItems[k] = append([]models.PurchaseOrderLineItem(nil), v...)
	}
	for k, v := range st.checks {
		c.checks[k] = v
	}
	for k, v := range st.items {
		c.items[k] = append([]models.QualityCheckItem(nil), v...)
	}
	for k, v := range st.conversions {
		c.conversions[k] = v
	}
	return c
}

func (s *Store) Transaction(ctx context.Context, fn func(tx models.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	if err := s.enter("Transaction"); err != nil {
		s.mu.Unlock()
		return err
	}
	snapshot := s.st.clone()
	s.mu.Unlock()

	err := fn(&Store{shared: s.shared, inTx: true})
	if err != nil {
		s.mu.Lock()
		s.st = snapshot
		s.mu.Unlock()
	}
	return err
}

// LockPurchaseOrder is satisfied by the transaction mutex; it only checks the call site.
func (s *Store) LockPurchaseOrder(ctx context.Context, purchaseOrderId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("LockPurchaseOrder"); err != nil {
		return err
	}
	if !s.inTx {
		return errors.New("LockPurchaseOrder requires a transaction")
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context) ([]models.QualityCheckTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListTemplates"); err != nil {
		return nil, err
	}
	out := make([]models.QualityCheckTemplate, 0, len(s.st.templates))
	for _, t := range s.st.templates {
		if t.Active() {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *Store) SaveTemplate(ctx context.Context, t *models.QualityCheckTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveTemplate"); err != nil {
		return err
	}
	t.Normalize()
	for i := range s.st.templates {
		if s.st.templates[i].ID == t.ID {
			s.st.templates[i] = *t
			return nil
		}
	}
	s.st.templates = append(s.st.templates, *t)
	return nil
}

func (s *Store) ListPurchaseOrderLineItems(ctx context.Context, purchaseOrderId string) ([]models.PurchaseOrderLineItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListPurchaseOrderLineItems"); err != nil {
		return nil, err
	}
	return append([]models.PurchaseOrderLineItem(nil), s.st.lineItems[purchaseOrderId]...), nil
}

func (s *Store) CreateQualityCheck(ctx context.Context, qc *models.QualityCheck, items []models.QualityCheckItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateQualityCheck"); err != nil {
		return err
	}
	if _, exists := s.st.checks[qc.ID]; exists {
		return errors.New("duplicate quality check id")
	}
	now := s.clock()
	qc.CreatedAt, qc.UpdatedAt = now, now
	s.st.checks[qc.ID] = *qc
	s.st.checkOrder = append(s.st.checkOrder, qc.ID)
	s.st.items[qc.ID] = append([]models.QualityCheckItem(nil), items...)
	return nil
}

func (s *Store) SaveQualityCheck(ctx context.Context, qc *models.QualityCheck) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveQualityCheck"); err != nil {
		return err
	}
	if _, ok := s.st.checks[qc.ID]; !ok {
		return utils.ErrorRecordNotFound
	}
	qc.UpdatedAt = s.clock()
	s.st.checks[qc.ID] = *qc
	return nil
}

func (s *Store) GetQualityCheck(ctx context.Context, id string) (*models.QualityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetQualityCheck"); err != nil {
		return nil, err
	}
	qc, ok := s.st.checks[id]
	if !ok {
		return nil, utils.ErrorRecordNotFound
	}
	return &qc, nil
}

func (s *Store) GetLatestQualityCheck(ctx context.Context, purchaseOrderId string) (*models.QualityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetLatestQualityCheck"); err != nil {
		return nil, err
	}
	for i := len(s.st.checkOrder) - 1; i >= 0; i-- {
		qc := s.st.checks[s.st.checkOrder[i]]
		if qc.PurchaseOrderId == purchaseOrderId {
			return &qc, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) ListQualityChecks(ctx context.Context, purchaseOrderId string) ([]models.QualityCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListQualityChecks"); err != nil {
		return nil, err
	}
	var out []models.QualityCheck
	for i := len(s.st.checkOrder) - 1; i >= 0; i-- {
		qc := s.st.checks[s.st.checkOrder[i]]
		if qc.PurchaseOrderId == purchaseOrderId {
			out = append(out, qc)
		}
	}
	return out, nil
}

func (s *Store) SaveQualityCheckItem(ctx context.Context, item *models.QualityCheckItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveQualityCheckItem"); err != nil {
		return err
	}
	items := s.st.items[item.QualityCheckId]
	for i := range items {
		if items[i].ID == item.ID {
			item.UpdatedAt = s.clock()
			items[i] = *item
			return nil
		}
	}
	return utils.ErrorRecordNotFound
}

func (s *Store) ListQualityCheckItems(ctx context.Context, qualityCheckId string) ([]models.QualityCheckItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListQualityCheckItems"); err != nil {
		return nil, err
	}
	items := append([]models.QualityCheckItem(nil), s.st.items[qualityCheckId]...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].SortOrder < items[j].SortOrder })
	return items, nil
}

func (s *Store) AddHistory(ctx context.Context, h *models.QualityCheckHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("AddHistory"); err != nil {
		return err
	}
	s.st.nextId++
	h.ID = s.st.nextId
	h.CreatedAt = s.clock()
	s.st.history = append(s.st.history, *h)
	return nil
}

func (s *Store) ListHistory(ctx context.Context, qualityCheckId string) ([]models.QualityCheckHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListHistory"); err != nil {
		return nil, err
	}
	var out []models.QualityCheckHistory
	for _, h := range s.st.history {
		if h.QualityCheckId == qualityCheckId {
			out = append(out, h)
		}
	}
	return out, nil
}

func (s *Store) CreateInventoryStocks(ctx context.Context, stocks []models.InventoryStock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateInventoryStocks"); err != nil {
		return err
	}
	for _, n := range stocks {
		for _, existing := range s.st.stocks {
			if existing.QualityCheckId == n.QualityCheckId && existing.PurchaseOrderLineItemId == n.PurchaseOrderLineItemId {
				return models.ErrDuplicateStock
			}
		}
	}
	now := s.clock()
	for _, n := range stocks {
		n.CreatedAt = now
		s.st.stocks = append(s.st.stocks, n)
	}
	return nil
}

func (s *Store) ListInventoryStocks(ctx context.Context, qualityCheckId string) ([]models.InventoryStock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListInventoryStocks"); err != nil {
		return nil, err
	}
	var out []models.InventoryStock
	for _, st := range s.st.stocks {
		if qualityCheckId == "" || st.QualityCheckId == qualityCheckId {
			out = append(out, st)
		}
	}
	return out, nil
}

func (s *Store) SumConvertedQuantities(ctx context.Context, purchaseOrderId string) (map[string]decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SumConvertedQuantities"); err != nil {
		return nil, err
	}
	out := map[string]decimal.Decimal{}
	for _, st := range s.st.stocks {
		if st.PurchaseOrderId == purchaseOrderId {
			out[st.PurchaseOrderLineItemId] = out[st.PurchaseOrderLineItemId].Add(st.Quantity)
		}
	}
	return out, nil
}

func (s *Store) GetInventoryConversion(ctx context.Context, qualityCheckId string) (*models.InventoryConversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("GetInventoryConversion"); err != nil {
		return nil, err
	}
	m, ok := s.st.conversions[qualityCheckId]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Store) SaveInventoryConversion(ctx context.Context, m *models.InventoryConversion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("SaveInventoryConversion"); err != nil {
		return err
	}
	now := s.clock()
	if existing, ok := s.st.conversions[m.QualityCheckId]; ok {
		m.ID = existing.ID
		m.CreatedAt = existing.CreatedAt
	} else {
		s.st.nextId++
		m.ID = s.st.nextId
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	s.st.conversions[m.QualityCheckId] = *m
	return nil
}

func (s *Store) ListInventoryConversions(ctx context.Context, status models.ConversionStatus) ([]models.InventoryConversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ListInventoryConversions"); err != nil {
		return nil, err
	}
	var out []models.InventoryConversion
	for _, m := range s.st.conversions {
		if status == "" || m.Status == status {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) CreateOutboxEvent(ctx context.Context, e *models.QualityCheckEventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("CreateOutboxEvent"); err != nil {
		return err
	}
	s.st.nextId++
	e.ID = s.st.nextId
	e.CreatedAt = s.clock()
	if e.PublishStatus == "" {
		e.PublishStatus = models.OutboxPublishStatusPending
	}
	s.st.outbox = append(s.st.outbox, *e)
	return nil
}

func (s *Store) ClaimOutboxEvents(ctx context.Context, c models.OutboxClaim) ([]models.QualityCheckEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("ClaimOutboxEvents"); err != nil {
		return nil, err
	}
	var claimed []models.QualityCheckEventRecord
	for i := range s.st.outbox {
		if c.BatchSize > 0 && len(claimed) >= c.BatchSize {
			break
		}
		rec := &s.st.outbox[i]
		ready := (rec.PublishStatus == models.OutboxPublishStatusPending || rec.PublishStatus == models.OutboxPublishStatusFailed) &&
			(rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(c.Now))
		stale := rec.PublishStatus == models.OutboxPublishStatusProcessing && rec.LockedAt != nil && !rec.LockedAt.After(c.StaleBefore)
		if !ready && !stale {
			continue
		}
		if c.MaxAttempts > 0 && rec.PublishAttempts >= c.MaxAttempts {
			msg := "max publish attempts exceeded"
			rec.PublishStatus = models.OutboxPublishStatusDead
			rec.LastPublishError = &msg
			rec.NextAttemptAt, rec.LockedAt, rec.LockedBy = nil, nil, nil
			claimed = append(claimed, *rec)
			continue
		}
		now, by := c.Now, c.DispatcherId
		rec.PublishStatus = models.OutboxPublishStatusProcessing
		rec.LockedAt, rec.LockedBy = &now, &by
		rec.PublishAttempts++
		rec.LastPublishError, rec.NextAttemptAt = nil, nil
		claimed = append(claimed, *rec)
	}
	return claimed, nil
}

func (s *Store) outboxRecord(id int) *models.QualityCheckEventRecord {
	for i := range s.st.outbox {
		if s.st.outbox[i].ID == id {
			return &s.st.outbox[i]
		}
	}
	return nil
}

func (s *Store) MarkOutboxSent(ctx context.Context, id int, pubSubMessageId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MarkOutboxSent"); err != nil {
		return err
	}
	rec := s.outboxRecord(id)
	if rec == nil {
		return utils.ErrorRecordNotFound
	}
	now := s.clock()
	rec.PublishStatus = models.OutboxPublishStatusSent
	rec.PublishedAt = &now
	rec.PubSubMessageId = &pubSubMessageId
	rec.LockedAt, rec.LockedBy, rec.NextAttemptAt = nil, nil, nil
	return nil
}

func (s *Store) MarkOutboxFailed(ctx context.Context, id int, dead bool, lastError string, nextAttemptAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("MarkOutboxFailed"); err != nil {
		return err
	}
	rec := s.outboxRecord(id)
	if rec == nil {
		return utils.ErrorRecordNotFound
	}
	rec.PublishStatus = models.OutboxPublishStatusFailed
	rec.NextAttemptAt = nextAttemptAt
	if dead {
		rec.PublishStatus = models.OutboxPublishStatusDead
		rec.NextAttemptAt = nil
	}
	rec.LastPublishError = &lastError
	rec.LockedAt, rec.LockedBy = nil, nil
	return nil
}

func (s *Store) LatestOutboxEvent(ctx context.Context, qualityCheckId string) (*models.QualityCheckEventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("LatestOutboxEvent"); err != nil {
		return nil, err
	}
	for i := len(s.st.outbox) - 1; i >= 0; i-- {
		if s.st.outbox[i].QualityCheckId == qualityCheckId {
			rec := s.st.outbox[i]
			return &rec, nil
		}
	}
	return nil, utils.ErrorRecordNotFound
}

func (s *Store) RequeueOutboxEvents(ctx context.Context, qualityCheckId string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter("RequeueOutboxEvents"); err != nil {
		return 0, err
	}
	var n int64
	for i := range s.st.outbox {
		rec := &s.st.outbox[i]
		if rec.QualityCheckId != qualityCheckId {
			continue
		}
		if rec.PublishStatus != models.OutboxPublishStatusFailed && rec.PublishStatus != models.OutboxPublishStatusDead {
			continue
		}
		rec.PublishStatus = models.OutboxPublishStatusPending
		rec.PublishAttempts = 0
		rec.NextAttemptAt, rec.LockedAt, rec.LockedBy = nil, nil, nil
		n++
	}
	return n, nil
}

// OutboxEvents returns every outbox row, for assertions.
func (s *Store) OutboxEvents() []models.QualityCheckEventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.QualityCheckEventRecord(nil), s.st.outbox...)
}
