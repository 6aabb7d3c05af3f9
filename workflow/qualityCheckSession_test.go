package workflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/memstore"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// These tests run against memstore; no database is needed.

var errStoreDown = errors.New("connection reset by peer")

type fixture struct {
	store  *memstore.Store
	engine *Engine
	poId   string
	lines  []models.PurchaseOrderLineItem
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

func newFixture(t *testing.T, lines ...models.PurchaseOrderLineItem) *fixture {
	t.Helper()
	store := memstore.New()
	poId := uuid.NewString()
	for i := range lines {
		if lines[i].ID == "" {
			lines[i].ID = uuid.NewString()
		}
		if lines[i].ProductId == "" {
			lines[i].ProductId = uuid.NewString()
		}
		lines[i].SortOrder = i + 1
	}
	store.SeedPurchaseOrder(poId, lines...)
	engine := NewEngine(store, quietLogger())
	engine.converter.backoffBase = time.Millisecond
	engine.converter.backoffMax = 5 * time.Millisecond
	return &fixture{store: store, engine: engine, poId: poId, lines: lines}
}

func line(name string, qty, cost int64) models.PurchaseOrderLineItem {
	return models.PurchaseOrderLineItem{Name: name, OrderedQty: decimal.NewFromInt(qty), CostPrice: decimal.NewFromInt(cost)}
}

func (f *fixture) start(t *testing.T) *Session {
	t.Helper()
	s, err := f.engine.Start(context.Background(), StartRequest{
		PurchaseOrderId: f.poId,
		TemplateId:      models.FallbackTemplateId,
		InspectorId:     "inspector-1",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return s
}

func pass(item models.QualityCheckItem) models.ItemVerdict {
	return models.ItemVerdict{
		Result:          models.ItemResultPass,
		QuantityChecked: item.OrderedQty,
		QuantityPassed:  item.OrderedQty,
	}
}

func fail(item models.QualityCheckItem) models.ItemVerdict {
	defect := models.DefectTypePhysicalDamage
	action := models.ActionTakenReturn
	return models.ItemVerdict{
		Result:          models.ItemResultFail,
		QuantityChecked: item.OrderedQty,
		QuantityFailed:  item.OrderedQty,
		DefectType:      &defect,
		ActionTaken:     &action,
	}
}

func convertRequest(margin int64) ConversionRequest {
	return ConversionRequest{ActorId: "clerk-1", ProfitMarginPercentage: decimal.NewFromInt(margin)}
}

func stockCount(t *testing.T, store *memstore.Store) int {
	t.Helper()
	stocks, err := store.ListInventoryStocks(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	return len(stocks)
}

func TestStartDefaultsEveryItemToPass(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)

	if s.Step() != models.SessionStepInspecting {
		t.Fatalf("expected inspecting, got %s", s.Step())
	}
	items := s.Items()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	for _, item := range items {
		if item.Result != models.ItemResultPass || !item.QuantityPassed.Equal(item.OrderedQty) {
			t.Fatalf("unexpected default %+v", item)
		}
		if item.CriterionName != models.FallbackTemplate().Criteria[0].Name {
			t.Fatalf("item must carry its criterion name, got %q", item.CriterionName)
		}
	}
	history, _ := f.store.ListHistory(context.Background(), s.ID())
	if len(history) != 1 || history[0].ActionType != models.HistoryActionStart {
		t.Fatalf("expected one start history row, got %+v", history)
	}
}

func TestStartWithEmptyPurchaseOrderIdMakesNoCalls(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	_, err := f.engine.Start(context.Background(), StartRequest{TemplateId: models.FallbackTemplateId, InspectorId: "i"})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if n := f.store.TotalCalls(); n != 0 {
		t.Fatalf("expected no store calls, got %d", n)
	}
}

func TestStartRejectsPurchaseOrderWithoutLines(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Start(context.Background(), StartRequest{PurchaseOrderId: f.poId, TemplateId: models.FallbackTemplateId, InspectorId: "i"})
	if !errors.Is(err, ErrNoLineItems) {
		t.Fatalf("expected ErrNoLineItems, got %v", err)
	}
	if f.store.Calls("CreateQualityCheck") != 0 {
		t.Fatal("no session may be created")
	}
}

func electronicsTemplate() models.QualityCheckTemplate {
	tpl := models.QualityCheckTemplate{
		Name:     "Electronics",
		Category: "electronics",
		Criteria: []models.QualityCheckCriterion{{Name: "Powers on"}, {Name: "Screen intact"}, {Name: "Accessories"}},
	}
	tpl.Normalize()
	return tpl
}

func TestStartUsesFallbackWhenCatalogFails(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	tpl := electronicsTemplate()
	f.store.SeedTemplates(tpl)
	f.store.FailNext("ListTemplates", errStoreDown)

	s, err := f.engine.Start(context.Background(), StartRequest{PurchaseOrderId: f.poId, TemplateId: tpl.ID, InspectorId: "i"})
	if err != nil {
		t.Fatalf("start must survive an unreachable catalog, got %v", err)
	}
	qc := s.QualityCheck()
	if qc.TemplateId != models.FallbackTemplateId || qc.TemplateCategory != models.FallbackTemplateCategory {
		t.Fatalf("expected the general fallback template, got %s/%s", qc.TemplateName, qc.TemplateCategory)
	}
	items := s.Items()
	if len(items) != 1 || items[0].CriterionName != models.FallbackTemplate().Criteria[0].Name {
		t.Fatalf("expected one item on the fallback criterion, got %+v", items)
	}
}

func TestCatalogListFallsBackOnError(t *testing.T) {
	f := newFixture(t)
	f.store.SeedTemplates(electronicsTemplate())
	f.store.FailNext("ListTemplates", errStoreDown)

	listing := f.engine.Catalog().List(context.Background())
	if !listing.UsedFallback || len(listing.Templates) != 1 {
		t.Fatalf("expected fallback listing, got %+v", listing)
	}
	if got := listing.ByCategory[models.FallbackTemplateCategory]; len(got) != 1 {
		t.Fatalf("fallback not grouped under its category: %+v", listing.ByCategory)
	}
}

func TestStartUsesFallbackWhenCatalogEmpty(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s, err := f.engine.Start(context.Background(), StartRequest{PurchaseOrderId: f.poId, TemplateId: uuid.NewString(), InspectorId: "i"})
	if err != nil {
		t.Fatalf("start must survive an empty catalog, got %v", err)
	}
	if s.QualityCheck().TemplateCategory != models.FallbackTemplateCategory {
		t.Fatalf("expected general category, got %s", s.QualityCheck().TemplateCategory)
	}
}

func TestStartRejectsUnknownTemplate(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	f.store.SeedTemplates(electronicsTemplate())
	_, err := f.engine.Start(context.Background(), StartRequest{PurchaseOrderId: f.poId, TemplateId: uuid.NewString(), InspectorId: "i"})
	if !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStartCreatesItemPerLineAndCriterion(t *testing.T) {
	f := newFixture(t, line("Phone", 3, 200000), line("Tablet", 2, 350000))
	tpl := electronicsTemplate()
	f.store.SeedTemplates(tpl)

	s, err := f.engine.Start(context.Background(), StartRequest{PurchaseOrderId: f.poId, TemplateId: tpl.ID, InspectorId: "i"})
	if err != nil {
		t.Fatal(err)
	}
	items := s.Items()
	if len(items) != 6 {
		t.Fatalf("expected 2 lines x 3 criteria = 6 items, got %d", len(items))
	}
	for i, item := range items {
		line := f.lines[i/3]
		criterion := tpl.Criteria[i%3]
		if item.PurchaseOrderLineItemId != line.ID || item.CriterionId != criterion.ID || item.CriterionName != criterion.Name {
			t.Fatalf("item %d: got line=%s criterion=%q", i, item.PurchaseOrderLineItemId, item.CriterionName)
		}
		if item.Result != models.ItemResultPass || !item.QuantityPassed.Equal(line.OrderedQty) {
			t.Fatalf("item %d not defaulted to full pass: %+v", i, item)
		}
	}
}

func TestAllPassAdvancesToIntakeAndConverts(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()

	for _, item := range s.Items() {
		if _, err := s.RecordItem(ctx, item.ID, pass(item)); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if f.store.Calls("SaveQualityCheckItem") != 2 {
		t.Fatalf("expected 2 item saves, got %d", f.store.Calls("SaveQualityCheckItem"))
	}
	qc := s.QualityCheck()
	if qc.Step != models.SessionStepInventoryIntake || qc.OverallResult != models.OverallResultPass || qc.Status != models.QualityCheckStatusPassed {
		t.Fatalf("unexpected state %s/%s/%s", qc.Step, qc.OverallResult, qc.Status)
	}

	result, err := s.Convert(ctx, convertRequest(30))
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if result.CreatedCount != 2 || result.SkippedCount != 0 {
		t.Fatalf("expected 2 created, got %+v", result)
	}
	for _, stock := range result.Stocks {
		want := models.SellingPrice(stock.CostPrice, decimal.NewFromInt(30), 2)
		if !stock.SellingPrice.Equal(want) {
			t.Fatalf("selling price %s, want %s", stock.SellingPrice, want)
		}
		if stock.Location != "Main Store" {
			t.Fatalf("expected default location, got %q", stock.Location)
		}
	}
	if result.Stocks[0].CostPrice.Equal(decimal.NewFromInt(10000)) && !result.Stocks[0].SellingPrice.Equal(decimal.NewFromInt(13000)) {
		t.Fatalf("expected 13000, got %s", result.Stocks[0].SellingPrice)
	}

	qc = s.QualityCheck()
	if qc.Step != models.SessionStepClosed || qc.InventoryConvertedAt == nil {
		t.Fatalf("expected closed and converted, got %s", qc.Step)
	}
	marker, _ := f.store.GetInventoryConversion(ctx, s.ID())
	if !marker.Succeeded() || marker.CreatedCount != 2 {
		t.Fatalf("unexpected marker %+v", marker)
	}

	var events []string
	for _, e := range f.store.OutboxEvents() {
		events = append(events, e.EventType)
	}
	if len(events) != 2 || events[0] != models.EventTypeQualityCheckCompleted || events[1] != models.EventTypeInventoryConverted {
		t.Fatalf("unexpected events %v", events)
	}
}

func TestConvertTwiceCreatesNothingTheSecondTime(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	if _, err := s.RecordItem(ctx, item.ID, pass(item)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Convert(ctx, convertRequest(10)); err != nil {
		t.Fatal(err)
	}

	again, err := s.Convert(ctx, convertRequest(10))
	if err != nil {
		t.Fatalf("repeat convert: %v", err)
	}
	if !again.AlreadyConverted || again.CreatedCount != 0 {
		t.Fatalf("expected no-op, got %+v", again)
	}

	// A second process resuming the same session must not convert again either.
	other, err := f.engine.Resume(ctx, s.ID())
	if err != nil {
		t.Fatal(err)
	}
	if res, err := other.Convert(ctx, convertRequest(10)); err != nil || !res.AlreadyConverted {
		t.Fatalf("resumed convert: %+v %v", res, err)
	}
	if n := stockCount(t, f.store); n != 1 {
		t.Fatalf("expected 1 stock record, got %d", n)
	}
}

func TestRepeatConvertChecksPurchaseOrder(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	if _, err := s.RecordItem(ctx, item.ID, pass(item)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Convert(ctx, convertRequest(10)); err != nil {
		t.Fatal(err)
	}

	req := convertRequest(10)
	req.QualityCheckId = s.ID()
	req.PurchaseOrderId = uuid.NewString()
	if _, err := f.engine.Converter().Convert(ctx, req); !utils.IsValidationError(err) {
		t.Fatalf("expected purchase order mismatch, got %v", err)
	}

	req.PurchaseOrderId = f.poId
	again, err := f.engine.Converter().Convert(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if !again.AlreadyConverted || again.Errors == nil || len(again.Errors) != 0 {
		t.Fatalf("expected no-op with empty errors, got %+v", again)
	}
}

func TestConcurrentConvertsCreateStockOnce(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	for _, item := range s.Items() {
		if _, err := s.RecordItem(ctx, item.ID, pass(item)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resumed, err := f.engine.Resume(ctx, s.ID())
			if err != nil {
				t.Error(err)
				return
			}
			if _, err := resumed.Convert(ctx, convertRequest(20)); err != nil && !errors.Is(err, ErrActionInFlight) {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if n := stockCount(t, f.store); n != 2 {
		t.Fatalf("expected 2 stock records, got %d", n)
	}
}

func TestConditionalResultWaitsForAcceptance(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500), line("Blender", 3, 8000))
	s := f.start(t)
	ctx := context.Background()
	items := s.Items()

	if _, err := s.RecordItem(ctx, items[0].ID, pass(items[0])); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordItem(ctx, items[1].ID, fail(items[1])); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecordItem(ctx, items[2].ID, pass(items[2])); err != nil {
		t.Fatal(err)
	}
	if s.Step() != models.SessionStepReviewComplete || s.QualityCheck().OverallResult != models.OverallResultConditional {
		t.Fatalf("expected conditional review_complete, got %s", s.Step())
	}

	if _, err := s.Convert(ctx, convertRequest(10)); !IsTransitionError(err) {
		t.Fatalf("convert before intake must be illegal, got %v", err)
	}
	if err := s.ProceedToIntake(ctx, false); !errors.Is(err, ErrPartialIntakeNotAccepted) {
		t.Fatalf("expected ErrPartialIntakeNotAccepted, got %v", err)
	}
	if err := s.ProceedToIntake(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !s.QualityCheck().AcceptedPartial {
		t.Fatal("acceptance not recorded")
	}

	result, err := s.Convert(ctx, convertRequest(10))
	if err != nil {
		t.Fatal(err)
	}
	if result.CreatedCount != 2 || result.SkippedCount != 1 {
		t.Fatalf("expected 2 created / 1 skipped, got %d / %d", result.CreatedCount, result.SkippedCount)
	}
	if result.Skipped[0].PurchaseOrderLineItemId != f.lines[1].ID {
		t.Fatalf("wrong line skipped: %+v", result.Skipped)
	}
}

func TestConditionalCanBeClosedInstead(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	items := s.Items()
	s.RecordItem(ctx, items[0].ID, pass(items[0]))
	s.RecordItem(ctx, items[1].ID, fail(items[1]))

	if err := s.Close(ctx, "supplier will resend"); err != nil {
		t.Fatal(err)
	}
	qc := s.QualityCheck()
	if qc.Step != models.SessionStepClosed || qc.CloseReason == nil || *qc.CloseReason != "supplier will resend" {
		t.Fatalf("unexpected close %+v", qc)
	}
	if _, err := s.Convert(ctx, convertRequest(10)); !IsTransitionError(err) {
		t.Fatalf("closed session must not convert, got %v", err)
	}
}

func TestAllFailClosesWithoutStock(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	for _, item := range s.Items() {
		if _, err := s.RecordItem(ctx, item.ID, fail(item)); err != nil {
			t.Fatal(err)
		}
	}
	qc := s.QualityCheck()
	if qc.Step != models.SessionStepClosed || qc.OverallResult != models.OverallResultFail {
		t.Fatalf("expected closed/fail, got %s/%s", qc.Step, qc.OverallResult)
	}
	if err := s.ProceedToIntake(ctx, true); !IsTransitionError(err) {
		t.Fatalf("failed review must not proceed, got %v", err)
	}
	if _, err := s.Convert(ctx, convertRequest(10)); !IsTransitionError(err) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if n := stockCount(t, f.store); n != 0 {
		t.Fatalf("expected no stock, got %d", n)
	}
}

func TestAllNotApplicableNeedsManualResolution(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	for _, item := range s.Items() {
		if _, err := s.RecordItem(ctx, item.ID, models.ItemVerdict{Result: models.ItemResultNA}); err != nil {
			t.Fatal(err)
		}
	}
	qc := s.QualityCheck()
	if qc.Step != models.SessionStepReviewComplete || qc.OverallResult != models.OverallResultConditional || !qc.NeedsManualResolution {
		t.Fatalf("unexpected state %+v", qc)
	}

	if err := s.ProceedToIntake(ctx, true); err != nil {
		t.Fatal(err)
	}
	result, err := s.Convert(ctx, convertRequest(10))
	if err != nil {
		t.Fatal(err)
	}
	if result.CreatedCount != 0 || result.SkippedCount != 2 {
		t.Fatalf("expected everything skipped, got %+v", result)
	}
}

func TestSkippedItemsKeepDefaultPass(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	for _, item := range s.Items() {
		skipped, err := s.SkipItem(ctx, item.ID)
		if err != nil {
			t.Fatal(err)
		}
		if skipped.Result != models.ItemResultPass || !skipped.QuantityPassed.Equal(item.OrderedQty) || skipped.SkippedAt == nil {
			t.Fatalf("skip must keep the default verdict, got %+v", skipped)
		}
	}
	if step := s.Step(); step != models.SessionStepInventoryIntake {
		t.Fatalf("expected inventory_intake, got %s", step)
	}
	result, err := s.Convert(ctx, convertRequest(30))
	if err != nil {
		t.Fatal(err)
	}
	if result.CreatedCount != 2 {
		t.Fatalf("expected 2 stock records, got %+v", result)
	}
}

func TestCompleteRefusesWhileItemsPending(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	s.RecordItem(ctx, item.ID, pass(item))

	if _, err := s.Complete(ctx, ""); !errors.Is(err, ErrItemsPending) {
		t.Fatalf("expected ErrItemsPending, got %v", err)
	}
	if s.Summary().PendingItems != 1 {
		t.Fatalf("expected one pending item, got %+v", s.Summary())
	}
}

func TestRecordAfterCompletionIsIllegal(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	s.RecordItem(ctx, item.ID, pass(item))

	if _, err := s.RecordItem(ctx, item.ID, fail(item)); !IsTransitionError(err) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := s.SkipItem(ctx, item.ID); !IsTransitionError(err) {
		t.Fatalf("expected transition error, got %v", err)
	}
}

func TestRecordUnknownItem(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	_, err := s.RecordItem(context.Background(), uuid.NewString(), pass(s.Items()[0]))
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUnsavedVerdictIsKeptAndRetried(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	items := s.Items()

	if _, err := s.RecordItem(ctx, items[0].ID, pass(items[0])); err != nil {
		t.Fatal(err)
	}
	f.store.FailNext("SaveQualityCheckItem", errStoreDown)
	_, err := s.RecordItem(ctx, items[1].ID, fail(items[1]))
	var pe *PersistError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PersistError, got %v", err)
	}

	if ids := s.UnsavedItemIds(); len(ids) != 1 || ids[0] != items[1].ID {
		t.Fatalf("expected unsaved %s, got %v", items[1].ID, ids)
	}
	if got := s.Items()[1]; got.Result != models.ItemResultFail {
		t.Fatalf("inspector must still see the verdict, got %s", got.Result)
	}
	if s.Step() != models.SessionStepInspecting {
		t.Fatal("must not complete with an unsaved verdict")
	}
	if _, err := s.Complete(ctx, ""); !errors.Is(err, ErrUnsavedVerdicts) {
		t.Fatalf("expected ErrUnsavedVerdicts, got %v", err)
	}

	if err := s.RetryUnsaved(ctx); err != nil {
		t.Fatal(err)
	}
	if len(s.UnsavedItemIds()) != 0 {
		t.Fatal("unsaved verdict not cleared")
	}
	stored, _ := f.store.ListQualityCheckItems(ctx, s.ID())
	if stored[1].Result != models.ItemResultFail {
		t.Fatal("retried verdict not persisted")
	}
	if s.Step() != models.SessionStepReviewComplete {
		t.Fatalf("expected completion after retry, got %s", s.Step())
	}
}

func TestCompletionFailureKeepsSavedItem(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]

	f.store.FailNext("SaveQualityCheck", errStoreDown)
	saved, err := s.RecordItem(ctx, item.ID, pass(item))
	if !errors.Is(err, ErrCompletionPending) || saved == nil {
		t.Fatalf("expected saved item with ErrCompletionPending, got %v %v", saved, err)
	}
	if s.Step() != models.SessionStepInspecting {
		t.Fatalf("step must not advance, got %s", s.Step())
	}
	if _, err := s.Complete(ctx, "retry"); err != nil {
		t.Fatal(err)
	}
	if s.Step() != models.SessionStepInventoryIntake {
		t.Fatalf("expected inventory_intake, got %s", s.Step())
	}
}

func TestStaleSessionCannotOverwriteCompletedReview(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	stale := f.start(t)
	ctx := context.Background()

	other := NewEngine(f.store, quietLogger())
	fresh, err := other.Resume(ctx, stale.ID())
	if err != nil {
		t.Fatal(err)
	}
	for _, item := range fresh.Items() {
		if _, err := fresh.RecordItem(ctx, item.ID, pass(item)); err != nil {
			t.Fatal(err)
		}
	}
	if fresh.Step() != models.SessionStepInventoryIntake {
		t.Fatalf("expected inventory_intake, got %s", fresh.Step())
	}

	item := stale.Items()[0]
	if _, err := stale.RecordItem(ctx, item.ID, fail(item)); !IsTransitionError(err) {
		t.Fatalf("expected transition error from the outdated session, got %v", err)
	}
	stored, _ := f.store.ListQualityCheckItems(ctx, stale.ID())
	if stored[0].Result != models.ItemResultPass {
		t.Fatalf("completed review was overwritten: %s", stored[0].Result)
	}
	if stale.Step() != models.SessionStepInventoryIntake || len(stale.UnsavedItemIds()) != 0 {
		t.Fatalf("outdated session not refreshed: step=%s unsaved=%v", stale.Step(), stale.UnsavedItemIds())
	}
	if stale.QualityCheck().OverallResult != models.OverallResultPass {
		t.Fatalf("expected refreshed pass result, got %s", stale.QualityCheck().OverallResult)
	}
}

func TestCompletionCountsVerdictsSavedElsewhere(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	a := f.start(t)
	ctx := context.Background()
	b, err := NewEngine(f.store, quietLogger()).Resume(ctx, a.ID())
	if err != nil {
		t.Fatal(err)
	}

	items := a.Items()
	if _, err := a.RecordItem(ctx, items[0].ID, pass(items[0])); err != nil {
		t.Fatal(err)
	}
	if _, err := b.RecordItem(ctx, items[1].ID, fail(items[1])); err != nil {
		t.Fatal(err)
	}

	outcome, err := a.Complete(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if outcome.Result != models.OverallResultConditional || outcome.FailedItems != 1 {
		t.Fatalf("expected conditional with the other verdict counted, got %+v", outcome)
	}
	if _, err := b.RecordItem(ctx, items[1].ID, pass(items[1])); !IsTransitionError(err) {
		t.Fatalf("expected transition error after completion, got %v", err)
	}
}

func TestDuplicateSubmissionIsRejectedWhilePending(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	s.RecordItem(ctx, item.ID, pass(item))

	release, err := s.begin(ActionConvert, "")
	if err != nil {
		t.Fatal(err)
	}
	if !s.Pending(ActionConvert) {
		t.Fatal("convert should be pending")
	}
	before := f.store.TotalCalls()
	if _, err := s.Convert(ctx, convertRequest(10)); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
	if f.store.TotalCalls() != before {
		t.Fatal("rejected submission touched the store")
	}
	release()

	if s.Pending(ActionConvert) {
		t.Fatal("release must clear pending")
	}
	if _, err := s.Convert(ctx, convertRequest(10)); err != nil {
		t.Fatal(err)
	}
}

func TestInFlightGuardIsPerTarget(t *testing.T) {
	g := newInFlightGuard()
	releaseA, err := g.begin("qc", ActionRecordItem, "a")
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()
	if _, err := g.begin("qc", ActionRecordItem, "a"); !errors.Is(err, ErrActionInFlight) {
		t.Fatalf("expected ErrActionInFlight, got %v", err)
	}
	releaseB, err := g.begin("qc", ActionRecordItem, "b")
	if err != nil {
		t.Fatalf("other item must not be blocked: %v", err)
	}
	releaseB()
	if _, err := g.begin("other-qc", ActionRecordItem, "a"); err != nil {
		t.Fatalf("other session must not be blocked: %v", err)
	}
}

func TestFailedConversionRollsBackEverything(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	for _, item := range s.Items() {
		s.RecordItem(ctx, item.ID, pass(item))
	}

	f.store.FailNext("SaveInventoryConversion", errStoreDown)
	req := convertRequest(10)
	req.QualityCheckId, req.PurchaseOrderId = s.ID(), f.poId
	_, err := f.engine.Converter().Convert(ctx, req)
	var ce *ConversionError
	if !errors.As(err, &ce) || len(ce.Items) != 0 {
		t.Fatalf("expected item-less ConversionError, got %v", err)
	}
	if !isRetryable(err) {
		t.Fatal("storage failure should be retryable")
	}

	if n := stockCount(t, f.store); n != 0 {
		t.Fatalf("stock must be rolled back, got %d", n)
	}
	qc, _ := f.store.GetQualityCheck(ctx, s.ID())
	if qc.Step != models.SessionStepInventoryIntake || qc.InventoryConvertedAt != nil {
		t.Fatalf("session must stay in intake, got %s", qc.Step)
	}
	marker, _ := f.store.GetInventoryConversion(ctx, s.ID())
	if marker == nil || marker.Status != models.ConversionStatusFailed || marker.LastError == nil {
		t.Fatalf("expected FAILED marker, got %+v", marker)
	}
	last := f.store.OutboxEvents()
	if last[len(last)-1].EventType != models.EventTypeInventoryConvertFailure {
		t.Fatalf("expected failure event, got %s", last[len(last)-1].EventType)
	}

	result, err := s.Convert(ctx, req)
	if err != nil || result.CreatedCount != 2 {
		t.Fatalf("retry should succeed: %+v %v", result, err)
	}
	marker, _ = f.store.GetInventoryConversion(ctx, s.ID())
	if !marker.Succeeded() || marker.Attempts != 2 {
		t.Fatalf("expected SUCCEEDED after 2 attempts, got %+v", marker)
	}
}

func TestConvertWithRetryRecoversFromTransientFailure(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	s.RecordItem(ctx, item.ID, pass(item))

	f.store.FailNext("CreateInventoryStocks", errStoreDown)
	result, err := s.Convert(ctx, convertRequest(10))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if result.CreatedCount != 1 || f.store.Calls("CreateInventoryStocks") != 2 {
		t.Fatalf("expected 1 created after 2 attempts, got %+v (%d calls)", result, f.store.Calls("CreateInventoryStocks"))
	}
}

func TestOverReceiptIsRejectedPerLine(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	ctx := context.Background()

	first := f.start(t)
	item := first.Items()[0]
	first.RecordItem(ctx, item.ID, pass(item))
	if _, err := first.Convert(ctx, convertRequest(10)); err != nil {
		t.Fatal(err)
	}

	second := f.start(t)
	item = second.Items()[0]
	second.RecordItem(ctx, item.ID, pass(item))
	result, err := second.Convert(ctx, convertRequest(10))
	var ce *ConversionError
	if !errors.As(err, &ce) || len(ce.Items) != 1 {
		t.Fatalf("expected per-line ConversionError, got %v", err)
	}
	if ce.Items[0].PurchaseOrderLineItemId != f.lines[0].ID {
		t.Fatalf("wrong line reported: %+v", ce.Items)
	}
	if result == nil || len(result.Errors) != 1 {
		t.Fatalf("errors not surfaced on the result: %+v", result)
	}
	if f.store.Calls("CreateInventoryStocks") != 1 {
		t.Fatal("a non-retryable failure must not be retried")
	}
	if n := stockCount(t, f.store); n != 1 {
		t.Fatalf("expected only the first conversion's stock, got %d", n)
	}
}

func TestConvertUsesMinimumPassedAcrossCriteria(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	tpl := models.QualityCheckTemplate{
		Name:     "Appliance",
		Category: "electronics",
		Criteria: []models.QualityCheckCriterion{{Name: "Powers on"}, {Name: "Packaging"}},
	}
	tpl.Normalize()
	f.store.SeedTemplates(tpl)

	ctx := context.Background()
	s, err := f.engine.Start(ctx, StartRequest{PurchaseOrderId: f.poId, TemplateId: tpl.ID, InspectorId: "i"})
	if err != nil {
		t.Fatal(err)
	}
	items := s.Items()
	if len(items) != 2 {
		t.Fatalf("expected one item per criterion, got %d", len(items))
	}
	s.RecordItem(ctx, items[0].ID, pass(items[0]))
	s.RecordItem(ctx, items[1].ID, models.ItemVerdict{
		Result:          models.ItemResultPass,
		QuantityChecked: decimal.NewFromInt(10),
		QuantityPassed:  decimal.NewFromInt(8),
		QuantityFailed:  decimal.NewFromInt(2),
	})

	req := convertRequest(10)
	req.DefaultLocation = "Dock 2"
	result, err := s.Convert(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if result.CreatedCount != 1 || !result.Stocks[0].Quantity.Equal(decimal.NewFromInt(8)) {
		t.Fatalf("expected 8 units in one record, got %+v", result.Stocks)
	}
	if result.Stocks[0].Location != "Dock 2" {
		t.Fatalf("request location must win, got %q", result.Stocks[0].Location)
	}
}

func TestConvertRejectsNegativeMarginBeforeIO(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000))
	s := f.start(t)
	before := f.store.TotalCalls()
	_, err := f.engine.Converter().Convert(context.Background(), ConversionRequest{
		QualityCheckId:         s.ID(),
		PurchaseOrderId:        f.poId,
		ActorId:                "clerk",
		ProfitMarginPercentage: decimal.NewFromInt(-5),
	})
	if !utils.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if f.store.TotalCalls() != before {
		t.Fatal("validation failure touched the store")
	}
}

func TestAbandonKeepsVerdicts(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	s := f.start(t)
	ctx := context.Background()
	item := s.Items()[0]
	s.RecordItem(ctx, item.ID, fail(item))

	if err := s.Abandon(ctx, "wrong purchase order"); err != nil {
		t.Fatal(err)
	}
	if err := s.Abandon(ctx, ""); !IsTransitionError(err) {
		t.Fatalf("abandoned is terminal, got %v", err)
	}
	stored, _ := f.store.ListQualityCheckItems(ctx, s.ID())
	if stored[0].Result != models.ItemResultFail {
		t.Fatal("recorded verdict lost on abandon")
	}
}

func TestGetSummaryReportsLatestSession(t *testing.T) {
	f := newFixture(t, line("Kettle", 10, 10000), line("Toaster", 5, 2500))
	ctx := context.Background()
	old := f.start(t)
	old.Abandon(ctx, "")
	latest := f.start(t)
	item := latest.Items()[0]
	latest.RecordItem(ctx, item.ID, pass(item))

	summary, err := f.engine.GetSummary(ctx, f.poId)
	if err != nil {
		t.Fatal(err)
	}
	if summary.QualityCheckId != latest.ID() || summary.PassedItems != 1 || summary.PendingItems != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := f.engine.GetSummary(ctx, uuid.NewString()); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestEngineOptionsControlClockAndIds(t *testing.T) {
	store := memstore.New()
	poId := uuid.NewString()
	l := line("Kettle", 3, 100)
	l.ID, l.ProductId = uuid.NewString(), uuid.NewString()
	store.SeedPurchaseOrder(poId, l)

	fixed := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	seq := func(n int) string { return uuid.NewSHA1(uuid.NameSpaceOID, []byte{byte(n)}).String() }
	n := 0
	engine := NewEngine(store, quietLogger(),
		WithClock(func() time.Time { return fixed }),
		WithIdGenerator(func() string { n++; return seq(n) }),
	)

	s, err := engine.Start(context.Background(), StartRequest{PurchaseOrderId: poId, TemplateId: models.FallbackTemplateId, InspectorId: "inspector-1"})
	if err != nil {
		t.Fatal(err)
	}
	if s.ID() != seq(1) || !s.QualityCheck().CheckedAt.Equal(fixed) {
		t.Fatalf("unexpected session %+v", s.QualityCheck())
	}
	item := s.Items()[0]
	if item.ID != seq(2) {
		t.Fatalf("expected second generated id, got %s", item.ID)
	}
	updated, err := s.RecordItem(context.Background(), item.ID, pass(item))
	if err != nil {
		t.Fatal(err)
	}
	if updated.InspectedAt == nil || !updated.InspectedAt.Equal(fixed) {
		t.Fatalf("expected inspected at %s, got %v", fixed, updated.InspectedAt)
	}
}
