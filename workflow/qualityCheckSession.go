package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("receiving_backend/workflow")

type EngineOption func(*Engine)

func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

func WithIdGenerator(newId func() string) EngineOption {
	return func(e *Engine) { e.newId = newId }
}

// Engine owns the template catalog, the converter and the per-session in-flight guard.
type Engine struct {
	store     models.Store
	catalog   *TemplateCatalog
	converter *InventoryConverter
	logger    *logrus.Logger
	guard     *inFlightGuard
	now       func() time.Time
	newId     func() string
}

func NewEngine(store models.Store, logger *logrus.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		store:   store,
		catalog: NewTemplateCatalog(store, logger),
		logger:  logger,
		guard:   newInFlightGuard(),
		now:     func() time.Time { return time.Now().UTC() },
		newId:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.converter = NewInventoryConverter(store, logger)
	e.converter.now = e.now
	e.converter.newId = e.newId
	return e
}

func (e *Engine) Catalog() *TemplateCatalog { return e.catalog }

func (e *Engine) Converter() *InventoryConverter { return e.converter }

type StartRequest struct {
	PurchaseOrderId string `json:"purchase_order_id"`
	TemplateId      string `json:"template_id"`
	InspectorId     string `json:"inspector_id"`
}

// Start opens an inspecting session with every line item defaulted to pass.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*Session, error) {
	if err := utils.ValidateId("purchase_order_id", req.PurchaseOrderId); err != nil {
		return nil, err
	}
	if err := utils.ValidateId("template_id", req.TemplateId); err != nil {
		return nil, err
	}
	if err := utils.ValidateRequired("inspector_id", req.InspectorId); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "qualityCheck.Start")
	defer span.End()
	span.SetAttributes(attribute.String("purchase_order_id", req.PurchaseOrderId))

	var (
		tpl   models.QualityCheckTemplate
		lines []models.PurchaseOrderLineItem
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tpl, err = e.catalog.Resolve(gctx, req.TemplateId)
		return err
	})
	g.Go(func() error {
		var err error
		lines, err = e.store.ListPurchaseOrderLineItems(gctx, req.PurchaseOrderId)
		return err
	})
	if err := g.Wait(); err != nil {
		config.LogError(e.logger, "QualityCheck", "Start", "loading template and purchase order", req, err)
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrNoLineItems
	}

	now := e.now()
	qc := models.QualityCheck{
		ID:               e.newId(),
		PurchaseOrderId:  req.PurchaseOrderId,
		TemplateId:       tpl.ID,
		TemplateName:     tpl.Name,
		TemplateCategory: tpl.Category,
		CheckedBy:        req.InspectorId,
		Status:           models.QualityCheckStatusInProgress,
		OverallResult:    models.OverallResultUnset,
		Step:             models.SessionStepInspecting,
		CheckedAt:        now,
	}
	items := models.NewQualityCheckItems(qc.ID, lines, tpl, e.newId)

	err := e.store.Transaction(ctx, func(tx models.Store) error {
		if err := tx.CreateQualityCheck(ctx, &qc, items); err != nil {
			return err
		}
		desc := fmt.Sprintf("Started %s with %d item(s)", tpl.Name, len(items))
		return addHistory(ctx, tx, models.HistoryActionStart, qc, models.SessionStepTemplateSelection, tpl.ID, nil, nil, desc)
	})
	if err != nil {
		config.LogError(e.logger, "QualityCheck", "Start", "creating session", req, err)
		return nil, &PersistError{Op: "start quality check", Err: err}
	}
	return newSession(e, qc, items), nil
}

// Resume reloads a persisted session.
func (e *Engine) Resume(ctx context.Context, qualityCheckId string) (*Session, error) {
	if err := utils.ValidateId("quality_check_id", qualityCheckId); err != nil {
		return nil, err
	}
	qc, err := e.store.GetQualityCheck(ctx, qualityCheckId)
	if err != nil {
		return nil, err
	}
	items, err := e.store.ListQualityCheckItems(ctx, qualityCheckId)
	if err != nil {
		return nil, err
	}
	return newSession(e, *qc, items), nil
}

// ResumeLatest reloads the most recent session of a purchase order.
func (e *Engine) ResumeLatest(ctx context.Context, purchaseOrderId string) (*Session, error) {
	if err := utils.ValidateId("purchase_order_id", purchaseOrderId); err != nil {
		return nil, err
	}
	qc, err := e.store.GetLatestQualityCheck(ctx, purchaseOrderId)
	if err != nil {
		return nil, err
	}
	items, err := e.store.ListQualityCheckItems(ctx, qc.ID)
	if err != nil {
		return nil, err
	}
	return newSession(e, *qc, items), nil
}

// GetSummary reports the latest check of a purchase order. It never writes.
func (e *Engine) GetSummary(ctx context.Context, purchaseOrderId string) (*models.QualityCheckSummary, error) {
	s, err := e.ResumeLatest(ctx, purchaseOrderId)
	if err != nil {
		return nil, err
	}
	summary := s.Summary()
	return &summary, nil
}

// Session is the in-memory working copy of one quality check.
// Methods are safe for concurrent use; a duplicate submission of a pending
// action fails fast with ErrActionInFlight instead of queueing.
type Session struct {
	engine *Engine

	mu      sync.Mutex
	qc      models.QualityCheck
	items   []models.QualityCheckItem
	unsaved map[string]models.QualityCheckItem
}

func newSession(e *Engine, qc models.QualityCheck, items []models.QualityCheckItem) *Session {
	sort.SliceStable(items, func(i, j int) bool { return items[i].SortOrder < items[j].SortOrder })
	return &Session{engine: e, qc: qc, items: items, unsaved: map[string]models.QualityCheckItem{}}
}

func (s *Session) ID() string { return s.qc.ID }

func (s *Session) QualityCheck() models.QualityCheck {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qc
}

func (s *Session) Step() models.SessionStep {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qc.Step
}

// Items returns the items as the inspector sees them, unsaved verdicts included.
func (s *Session) Items() []models.QualityCheckItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.QualityCheckItem, len(s.items))
	for i, item := range s.items {
		if pending, ok := s.unsaved[item.ID]; ok {
			item = pending
		}
		out[i] = item
	}
	return out
}

// UnsavedItemIds lists verdicts kept in memory after a failed save.
func (s *Session) UnsavedItemIds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.unsaved))
	for _, item := range s.items {
		if _, ok := s.unsaved[item.ID]; ok {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

// Pending reports whether action is currently being processed for this session.
func (s *Session) Pending(action Action) bool {
	return s.engine.guard.isPending(s.qc.ID, action)
}

func (s *Session) Summary() models.QualityCheckSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.BuildSummary(s.qc, s.items)
}

func (s *Session) begin(action Action, target string) (func(), error) {
	return s.engine.guard.begin(s.qc.ID, action, target)
}

func (s *Session) itemIndex(itemId string) (int, error) {
	for i := range s.items {
		if s.items[i].ID == itemId {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrItemNotFound, itemId)
}

func (s *Session) allVisited() bool {
	for _, item := range s.items {
		if !item.Visited() {
			return false
		}
	}
	return true
}

// RecordItem stores a verdict. When it is the last unvisited item the review
// completes automatically; if only that step fails, the saved item is returned
// together with an error wrapping ErrCompletionPending.
func (s *Session) RecordItem(ctx context.Context, itemId string, verdict models.ItemVerdict) (*models.QualityCheckItem, error) {
	if err := utils.ValidateId("item_id", itemId); err != nil {
		return nil, err
	}
	if err := verdict.Validate(); err != nil {
		return nil, err
	}
	release, err := s.begin(ActionRecordItem, itemId)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qc.Step != models.SessionStepInspecting {
		return nil, illegal("record item", s.qc.Step)
	}
	idx, err := s.itemIndex(itemId)
	if err != nil {
		return nil, err
	}

	before := s.items[idx]
	updated := before
	updated.ApplyVerdict(verdict, s.engine.now())
	if missing := verdict.MissingRecommended(); len(missing) > 0 && s.engine.logger != nil {
		s.engine.logger.WithFields(logrus.Fields{
			"quality_check_id": s.qc.ID,
			"item_id":          itemId,
			"missing":          missing,
		}).Warn("failed item recorded without recommended fields")
	}

	desc := fmt.Sprintf("Recorded %s for %s", verdict.Result, describeItem(updated))
	if err := s.saveItem(ctx, models.HistoryActionRecord, before, updated, desc); err != nil {
		return nil, err
	}
	return s.afterVisit(ctx, updated)
}

// SkipItem marks an item visited and keeps its default verdict.
func (s *Session) SkipItem(ctx context.Context, itemId string) (*models.QualityCheckItem, error) {
	if err := utils.ValidateId("item_id", itemId); err != nil {
		return nil, err
	}
	release, err := s.begin(ActionSkipItem, itemId)
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qc.Step != models.SessionStepInspecting {
		return nil, illegal("skip item", s.qc.Step)
	}
	idx, err := s.itemIndex(itemId)
	if err != nil {
		return nil, err
	}
	before := s.items[idx]
	updated := before
	updated.Skip(s.engine.now())
	if err := s.saveItem(ctx, models.HistoryActionSkip, before, updated, "Skipped "+describeItem(updated)); err != nil {
		return nil, err
	}
	return s.afterVisit(ctx, updated)
}

// RetryUnsaved re-persists verdicts whose save failed earlier.
func (s *Session) RetryUnsaved(ctx context.Context) error {
	release, err := s.begin(ActionRecordItem, "*")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qc.Step != models.SessionStepInspecting {
		return illegal("retry unsaved items", s.qc.Step)
	}
	for _, item := range s.items {
		pending, ok := s.unsaved[item.ID]
		if !ok {
			continue
		}
		if err := s.saveItem(ctx, models.HistoryActionRecord, item, pending, "Recorded "+describeItem(pending)); err != nil {
			return err
		}
	}
	if s.allVisited() {
		if _, err := s.completeLocked(ctx, s.qc.Notes); err != nil {
			return fmt.Errorf("%w: %v", ErrCompletionPending, err)
		}
	}
	return nil
}

// saveItem persists updated with its history row. Caller holds mu.
func (s *Session) saveItem(ctx context.Context, action string, before, updated models.QualityCheckItem, desc string) error {
	stale := false
	err := s.engine.store.Transaction(ctx, func(tx models.Store) error {
		if err := s.checkStoredStep(ctx, tx, "save item verdict"); err != nil {
			stale = IsTransitionError(err)
			return err
		}
		if err := tx.SaveQualityCheckItem(ctx, &updated); err != nil {
			return err
		}
		return addHistory(ctx, tx, action, s.qc, s.qc.Step, updated.ID, before, updated, desc)
	})
	if stale {
		s.refresh(ctx)
		return err
	}
	if err != nil {
		s.unsaved[updated.ID] = updated
		config.LogError(s.engine.logger, "QualityCheck", "saveItem", "persisting item verdict", updated.ID, err)
		return &PersistError{Op: "save quality check item", Err: err}
	}
	delete(s.unsaved, updated.ID)
	idx, _ := s.itemIndex(updated.ID)
	s.items[idx] = updated
	return nil
}

// checkStoredStep re-reads the session inside tx and refuses when another process has
// already moved it to a different step.
func (s *Session) checkStoredStep(ctx context.Context, tx models.Store, action string) error {
	stored, err := tx.GetQualityCheck(ctx, s.qc.ID)
	if err != nil {
		return err
	}
	if stored.Step != s.qc.Step {
		return illegal(action, stored.Step)
	}
	return nil
}

// refresh reloads the session and its items after the store was found ahead of memory.
// Unsaved verdicts of items that are no longer inspectable are dropped. Caller holds mu.
func (s *Session) refresh(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)
	qc, err := s.engine.store.GetQualityCheck(ctx, s.qc.ID)
	if err != nil {
		config.LogError(s.engine.logger, "QualityCheck", "refresh", "reloading session", s.qc.ID, err)
		return
	}
	items, err := s.engine.store.ListQualityCheckItems(ctx, s.qc.ID)
	if err != nil {
		config.LogError(s.engine.logger, "QualityCheck", "refresh", "reloading items", s.qc.ID, err)
		return
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].SortOrder < items[j].SortOrder })
	s.qc, s.items = *qc, items
	if s.qc.Step != models.SessionStepInspecting {
		s.unsaved = map[string]models.QualityCheckItem{}
	}
}

func (s *Session) afterVisit(ctx context.Context, updated models.QualityCheckItem) (*models.QualityCheckItem, error) {
	if len(s.unsaved) == 0 && s.allVisited() {
		if _, err := s.completeLocked(ctx, s.qc.Notes); err != nil {
			return &updated, fmt.Errorf("%w: %v", ErrCompletionPending, err)
		}
	}
	return &updated, nil
}

// Complete finalizes the review once every item is visited.
// pass moves to inventory intake, fail closes the session, conditional waits in review_complete.
func (s *Session) Complete(ctx context.Context, notes string) (models.AggregateOutcome, error) {
	release, err := s.begin(ActionComplete, "")
	if err != nil {
		return models.AggregateOutcome{}, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qc.Step != models.SessionStepInspecting {
		return models.AggregateOutcome{}, illegal("complete", s.qc.Step)
	}
	if len(s.unsaved) > 0 {
		return models.AggregateOutcome{}, ErrUnsavedVerdicts
	}
	if !s.allVisited() {
		// another process may have recorded the rest
		s.refresh(ctx)
		if s.qc.Step != models.SessionStepInspecting {
			return models.AggregateOutcome{}, illegal("complete", s.qc.Step)
		}
		if !s.allVisited() {
			return models.AggregateOutcome{}, ErrItemsPending
		}
	}
	return s.completeLocked(ctx, notes)
}

func (s *Session) completeLocked(ctx context.Context, notes string) (models.AggregateOutcome, error) {
	ctx, span := tracer.Start(ctx, "qualityCheck.Complete")
	defer span.End()

	now := s.engine.now()
	from := s.qc.Step
	var (
		outcome models.AggregateOutcome
		next    models.QualityCheck
		stored  []models.QualityCheckItem
		stale   bool
	)
	// The disposition is derived from the persisted items so verdicts saved by another
	// process are counted too.
	err := s.engine.store.Transaction(ctx, func(tx models.Store) error {
		if err := s.checkStoredStep(ctx, tx, "complete"); err != nil {
			stale = IsTransitionError(err)
			return err
		}
		items, err := tx.ListQualityCheckItems(ctx, s.qc.ID)
		if err != nil {
			return err
		}
		for _, item := range items {
			if !item.Visited() {
				return ErrItemsPending
			}
		}
		stored = items
		outcome = models.AggregateResults(items)
		next = s.reviewed(outcome, notes, now)
		if err := tx.SaveQualityCheck(ctx, &next); err != nil {
			return err
		}
		desc := fmt.Sprintf("Review completed: %s (%d passed, %d failed, %d n/a)", outcome.Result, outcome.PassedItems, outcome.FailedItems, outcome.NaItems)
		if err := addHistory(ctx, tx, models.HistoryActionComplete, next, from, "", nil, outcome, desc); err != nil {
			return err
		}
		return tx.CreateOutboxEvent(ctx, models.NewQualityCheckEvent(models.EventTypeQualityCheckCompleted, next, outcome, correlationId(ctx), now))
	})
	if stale || errors.Is(err, ErrItemsPending) {
		s.refresh(ctx)
		return outcome, err
	}
	if err != nil {
		config.LogError(s.engine.logger, "QualityCheck", "Complete", "persisting completion", s.qc.ID, err)
		return outcome, &PersistError{Op: "complete quality check", Err: err}
	}
	span.SetAttributes(attribute.String("overall_result", string(outcome.Result)))
	if outcome.AllNotApplicable && s.engine.logger != nil {
		s.engine.logger.WithFields(logrus.Fields{
			"quality_check_id":  s.qc.ID,
			"purchase_order_id": s.qc.PurchaseOrderId,
			"items":             outcome.TotalItems,
		}).Warn("every item is not applicable; result left conditional for manual resolution")
	}
	sort.SliceStable(stored, func(i, j int) bool { return stored[i].SortOrder < stored[j].SortOrder })
	s.qc, s.items = next, stored
	return outcome, nil
}

// reviewed applies an aggregate outcome: pass moves to inventory intake, fail closes,
// conditional waits in review_complete.
func (s *Session) reviewed(outcome models.AggregateOutcome, notes string, now time.Time) models.QualityCheck {
	next := s.qc
	next.OverallResult = outcome.Result
	next.Status = outcome.Status
	next.NeedsManualResolution = outcome.AllNotApplicable
	next.CompletedAt = &now
	if notes != "" {
		next.Notes = notes
	}
	switch outcome.Result {
	case models.OverallResultPass:
		next.Step = models.SessionStepInventoryIntake
	case models.OverallResultFail:
		next.Step = models.SessionStepClosed
		reason := "inspection failed"
		next.CloseReason = &reason
	default:
		next.Step = models.SessionStepReviewComplete
	}
	return next
}

// ProceedToIntake moves a completed review to inventory intake.
// A conditional result needs acceptPartial; a failed one never proceeds.
func (s *Session) ProceedToIntake(ctx context.Context, acceptPartial bool) error {
	release, err := s.begin(ActionProceedToIntake, "")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qc.Step == models.SessionStepInventoryIntake {
		return nil
	}
	if s.qc.Step != models.SessionStepReviewComplete || s.qc.OverallResult == models.OverallResultFail {
		return illegal("proceed to inventory intake", s.qc.Step)
	}
	if s.qc.OverallResult == models.OverallResultConditional && !acceptPartial {
		return ErrPartialIntakeNotAccepted
	}

	next := s.qc
	next.Step = models.SessionStepInventoryIntake
	next.AcceptedPartial = s.qc.OverallResult == models.OverallResultConditional
	desc := "Proceeding to inventory intake"
	if next.AcceptedPartial {
		desc = "Partial result accepted; proceeding to inventory intake"
	}
	return s.transition(ctx, models.HistoryActionIntake, next, desc)
}

// Close ends the session without (further) conversion, e.g. when partial intake is declined.
func (s *Session) Close(ctx context.Context, reason string) error {
	release, err := s.begin(ActionClose, "")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !models.CanTransition(s.qc.Step, models.SessionStepClosed) || s.qc.Step == models.SessionStepInspecting {
		return illegal("close", s.qc.Step)
	}
	next := s.qc
	next.Step = models.SessionStepClosed
	if reason != "" {
		next.CloseReason = &reason
	}
	return s.transition(ctx, models.HistoryActionClose, next, "Closed without inventory conversion")
}

// Abandon discards an unfinished session. Recorded verdicts stay for audit.
func (s *Session) Abandon(ctx context.Context, reason string) error {
	release, err := s.begin(ActionAbandon, "")
	if err != nil {
		return err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qc.Step.IsTerminal() {
		return illegal("abandon", s.qc.Step)
	}
	next := s.qc
	next.Step = models.SessionStepAbandoned
	if reason != "" {
		next.CloseReason = &reason
	}
	return s.transition(ctx, models.HistoryActionAbandon, next, "Abandoned")
}

func (s *Session) transition(ctx context.Context, action string, next models.QualityCheck, desc string) error {
	from := s.qc.Step
	stale := false
	err := s.engine.store.Transaction(ctx, func(tx models.Store) error {
		if err := s.checkStoredStep(ctx, tx, strings.ToLower(action)); err != nil {
			stale = IsTransitionError(err)
			return err
		}
		if err := tx.SaveQualityCheck(ctx, &next); err != nil {
			return err
		}
		return addHistory(ctx, tx, action, next, from, "", nil, nil, desc)
	})
	if stale {
		s.refresh(ctx)
		return err
	}
	if err != nil {
		config.LogError(s.engine.logger, "QualityCheck", "transition", desc, s.qc.ID, err)
		return &PersistError{Op: action, Err: err}
	}
	s.qc = next
	return nil
}

// Convert turns passed goods into inventory. Calling it again after success creates nothing.
func (s *Session) Convert(ctx context.Context, req ConversionRequest) (*ConversionResult, error) {
	release, err := s.begin(ActionConvert, "")
	if err != nil {
		return nil, err
	}
	defer release()

	s.mu.Lock()
	defer s.mu.Unlock()
	converted := s.qc.Step == models.SessionStepClosed && s.qc.InventoryConvertedAt != nil
	if s.qc.Step != models.SessionStepInventoryIntake && !converted {
		return nil, illegal("convert to inventory", s.qc.Step)
	}
	req.QualityCheckId = s.qc.ID
	if req.PurchaseOrderId == "" {
		req.PurchaseOrderId = s.qc.PurchaseOrderId
	}

	result, err := s.engine.converter.ConvertWithRetry(ctx, req)
	if fresh, getErr := s.engine.store.GetQualityCheck(context.WithoutCancel(ctx), s.qc.ID); getErr == nil {
		s.qc = *fresh
	}
	return result, err
}

func describeItem(item models.QualityCheckItem) string {
	name := item.ProductName
	if name == "" {
		name = item.ProductId
	}
	if item.CriterionName != "" {
		return name + " / " + item.CriterionName
	}
	return name
}

func correlationId(ctx context.Context) string {
	id, _ := utils.GetCorrelationIdFromContext(ctx)
	return id
}

func addHistory(ctx context.Context, tx models.Store, action string, qc models.QualityCheck, from models.SessionStep, referenceId string, before, after any, desc string) error {
	h, err := models.NewHistory(ctx, action, qc, from, referenceId, before, after, desc)
	if err != nil {
		return err
	}
	return tx.AddHistory(ctx, h)
}

// IsNotFound reports errors that map to a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, utils.ErrorRecordNotFound) || errors.Is(err, ErrItemNotFound)
}
