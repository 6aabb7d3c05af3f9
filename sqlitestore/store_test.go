package sqlitestore_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/sqlitestore"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"bitbucket.org/mmdatafocus/receiving_backend/workflow"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func openStore(t *testing.T) *sqlitestore.Store {
	t.Helper()
	s, err := sqlitestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPurchaseOrder(t *testing.T, s *sqlitestore.Store, lines ...models.PurchaseOrderLineItem) string {
	t.Helper()
	po := models.PurchaseOrder{ID: uuid.NewString(), OrderNumber: "PO-0001", Status: "Confirmed", Details: lines}
	if err := s.SavePurchaseOrder(context.Background(), po); err != nil {
		t.Fatalf("seed purchase order: %v", err)
	}
	return po.ID
}

func lineItem(name, qty, cost string) models.PurchaseOrderLineItem {
	return models.PurchaseOrderLineItem{
		ID:         uuid.NewString(),
		ProductId:  uuid.NewString(),
		Name:       name,
		OrderedQty: decimal.RequireFromString(qty),
		CostPrice:  decimal.RequireFromString(cost),
	}
}

func TestTemplatesUpsertWithCriteria(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	tpl := models.QualityCheckTemplate{
		Name:     "Electronics Inspection",
		Category: "Electronics",
		Criteria: []models.QualityCheckCriterion{{Name: "Powers on"}, {Name: "Accessories included"}},
	}
	if err := s.SaveTemplate(ctx, &tpl); err != nil {
		t.Fatal(err)
	}
	tpl.Description = "updated"
	tpl.Criteria = tpl.Criteria[:1]
	if err := s.SaveTemplate(ctx, &tpl); err != nil {
		t.Fatal(err)
	}
	inactive := false
	retired := models.QualityCheckTemplate{Name: "Retired", Category: "general", IsActive: &inactive}
	if err := s.SaveTemplate(ctx, &retired); err != nil {
		t.Fatal(err)
	}

	templates, err := s.ListTemplates(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(templates) != 1 {
		t.Fatalf("expected only the active template, got %d", len(templates))
	}
	got := templates[0]
	if got.ID != models.TemplateIdFor("electronics", "Electronics Inspection") || got.Description != "updated" {
		t.Fatalf("unexpected template %+v", got)
	}
	if len(got.Criteria) != 1 || got.Criteria[0].Name != "Powers on" {
		t.Fatalf("criteria not replaced: %+v", got.Criteria)
	}
}

func TestConversionFlowOnSQLite(t *testing.T) {
	s := openStore(t)
	ctx := utils.SetUserIdInContext(context.Background(), "inspector-1")
	poId := seedPurchaseOrder(t, s, lineItem("Kettle", "10", "10000"), lineItem("Scale", "2.5", "19.99"))

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	engine := workflow.NewEngine(s, logger)

	session, err := engine.Start(ctx, workflow.StartRequest{PurchaseOrderId: poId, TemplateId: models.FallbackTemplateId, InspectorId: "inspector-1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, item := range session.Items() {
		verdict := models.ItemVerdict{Result: models.ItemResultPass, QuantityChecked: item.OrderedQty, QuantityPassed: item.OrderedQty}
		if _, err := session.RecordItem(ctx, item.ID, verdict); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	resumed, err := engine.Resume(ctx, session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if resumed.Step() != models.SessionStepInventoryIntake {
		t.Fatalf("expected inventory_intake after reload, got %s", resumed.Step())
	}

	req := workflow.ConversionRequest{ActorId: "clerk-1", ProfitMarginPercentage: decimal.NewFromInt(15)}
	result, err := resumed.Convert(ctx, req)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if result.CreatedCount != 2 {
		t.Fatalf("expected 2 created, got %d", result.CreatedCount)
	}

	stocks, err := s.ListInventoryStocks(ctx, session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if len(stocks) != 2 {
		t.Fatalf("expected 2 persisted stocks, got %d", len(stocks))
	}
	for _, st := range stocks {
		if st.ProductId == "" || st.Location == "" {
			t.Fatalf("incomplete stock row %+v", st)
		}
		if st.CostPrice.Equal(decimal.RequireFromString("19.99")) {
			if !st.Quantity.Equal(decimal.RequireFromString("2.5")) || !st.SellingPrice.Equal(decimal.RequireFromString("22.99")) {
				t.Fatalf("decimal values not preserved: %+v", st)
			}
		}
	}

	again, err := resumed.Convert(ctx, req)
	if err != nil || !again.AlreadyConverted {
		t.Fatalf("repeat convert: %+v %v", again, err)
	}

	summary, err := engine.GetSummary(ctx, poId)
	if err != nil {
		t.Fatal(err)
	}
	if !summary.InventoryConverted || summary.PassedItems != 2 || summary.Step != models.SessionStepClosed {
		t.Fatalf("unexpected summary %+v", summary)
	}

	history, err := s.ListHistory(ctx, session.ID())
	if err != nil {
		t.Fatal(err)
	}
	if last := history[len(history)-1]; last.ActionType != models.HistoryActionConvert || last.UserId != "inspector-1" {
		t.Fatalf("unexpected last history row %+v", last)
	}
	markers, err := s.ListInventoryConversions(ctx, models.ConversionStatusSucceeded)
	if err != nil || len(markers) != 1 || markers[0].CreatedCount != 2 {
		t.Fatalf("unexpected markers %+v %v", markers, err)
	}
}

func TestTransactionRollsBackOnError(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.Transaction(ctx, func(tx models.Store) error {
		if err := tx.CreateInventoryStocks(ctx, []models.InventoryStock{{
			ID: uuid.NewString(), QualityCheckId: "qc", PurchaseOrderLineItemId: "line", PurchaseOrderId: "po",
			ProductId: "p", Quantity: decimal.NewFromInt(1), Location: "Main Store", ReceivedBy: "u", ReceivedAt: time.Now(),
		}}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	stocks, _ := s.ListInventoryStocks(ctx, "")
	if len(stocks) != 0 {
		t.Fatalf("expected rollback, got %d rows", len(stocks))
	}
}

func TestDuplicateStockIsReported(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	stock := func() models.InventoryStock {
		return models.InventoryStock{
			ID: uuid.NewString(), QualityCheckId: "qc", PurchaseOrderLineItemId: "line", PurchaseOrderId: "po",
			ProductId: "p", Quantity: decimal.NewFromInt(1), Location: "Main Store", ReceivedBy: "u", ReceivedAt: time.Now(),
		}
	}
	if err := s.CreateInventoryStocks(ctx, []models.InventoryStock{stock()}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateInventoryStocks(ctx, []models.InventoryStock{stock()}); !errors.Is(err, models.ErrDuplicateStock) {
		t.Fatalf("expected ErrDuplicateStock, got %v", err)
	}
}

func TestMissingRowsAreNotFound(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	if _, err := s.GetQualityCheck(ctx, uuid.NewString()); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SaveQualityCheckItem(ctx, &models.QualityCheckItem{ID: uuid.NewString(), QualityCheckId: "qc"}); !errors.Is(err, utils.ErrorRecordNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	marker, err := s.GetInventoryConversion(ctx, uuid.NewString())
	if err != nil || marker != nil {
		t.Fatalf("absent marker must be nil without error, got %+v %v", marker, err)
	}
	if err := s.LockPurchaseOrder(ctx, "po"); err == nil {
		t.Fatal("lock outside a transaction must fail")
	}
}

func TestOutboxClaimAndMark(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	qc := models.QualityCheck{ID: "qc-1", PurchaseOrderId: "po-1"}
	if err := s.CreateOutboxEvent(ctx, models.NewQualityCheckEvent(models.EventTypeQualityCheckCompleted, qc, nil, "cid", time.Now())); err != nil {
		t.Fatal(err)
	}

	now := time.Now().UTC()
	claim := models.OutboxClaim{DispatcherId: "d1", BatchSize: 10, MaxAttempts: 3, Now: now, StaleBefore: now.Add(-time.Minute)}
	claimed, err := s.ClaimOutboxEvents(ctx, claim)
	if err != nil {
		t.Fatal(err)
	}
	if len(claimed) != 1 || claimed[0].PublishStatus != models.OutboxPublishStatusProcessing || claimed[0].PublishAttempts != 1 {
		t.Fatalf("unexpected claim %+v", claimed)
	}
	if again, _ := s.ClaimOutboxEvents(ctx, claim); len(again) != 0 {
		t.Fatalf("processing row claimed twice: %+v", again)
	}

	if err := s.MarkOutboxSent(ctx, claimed[0].ID, "pubsub-1"); err != nil {
		t.Fatal(err)
	}
	latest, err := s.LatestOutboxEvent(ctx, "qc-1")
	if err != nil {
		t.Fatal(err)
	}
	if latest.PublishStatus != models.OutboxPublishStatusSent || latest.PubSubMessageId == nil || *latest.PubSubMessageId != "pubsub-1" {
		t.Fatalf("unexpected latest %+v", latest)
	}
}
