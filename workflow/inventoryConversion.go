package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

type ConversionRequest struct {
	QualityCheckId         string          `json:"quality_check_id"`
	PurchaseOrderId        string          `json:"purchase_order_id"`
	ActorId                string          `json:"actor_id"`
	ProfitMarginPercentage decimal.Decimal `json:"profit_margin_percentage"`
	DefaultLocation        string          `json:"default_location"`
}

func (r ConversionRequest) validate() error {
	if err := utils.ValidateId("quality_check_id", r.QualityCheckId); err != nil {
		return err
	}
	if err := utils.ValidateId("purchase_order_id", r.PurchaseOrderId); err != nil {
		return err
	}
	if err := utils.ValidateRequired("actor_id", r.ActorId); err != nil {
		return err
	}
	if r.ProfitMarginPercentage.IsNegative() {
		return utils.NewValidationError("profit_margin_percentage", "must not be negative")
	}
	return nil
}

type ConversionResult struct {
	QualityCheckId   string                  `json:"quality_check_id"`
	CreatedCount     int                     `json:"created_count"`
	SkippedCount     int                     `json:"skipped_count"`
	Errors           []ItemError             `json:"errors"`
	Skipped          []ItemError             `json:"skipped"`
	AlreadyConverted bool                    `json:"already_converted"`
	Stocks           []models.InventoryStock `json:"stocks"`
}

// InventoryConverter creates priced stock from a session in inventory intake.
// All writes of one conversion share a transaction that holds the purchase order lock.
type InventoryConverter struct {
	store            models.Store
	logger           *logrus.Logger
	now              func() time.Time
	newId            func() string
	places           int32
	fallbackLocation string
	maxAttempts      int
	backoffBase      time.Duration
	backoffMax       time.Duration
}

func NewInventoryConverter(store models.Store, logger *logrus.Logger) *InventoryConverter {
	return &InventoryConverter{
		store:            store,
		logger:           logger,
		now:              func() time.Time { return time.Now().UTC() },
		newId:            uuid.NewString,
		places:           config.CurrencyDecimalPlaces(),
		fallbackLocation: config.DefaultStockLocation(),
		maxAttempts:      config.ConvertMaxAttempts(),
		backoffBase:      200 * time.Millisecond,
		backoffMax:       5 * time.Second,
	}
}

// Convert runs one attempt. A repeat call after success returns AlreadyConverted with nothing created.
func (c *InventoryConverter) Convert(ctx context.Context, req ConversionRequest) (*ConversionResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	ctx, span := tracer.Start(ctx, "qualityCheck.Convert")
	defer span.End()
	span.SetAttributes(
		attribute.String("quality_check_id", req.QualityCheckId),
		attribute.String("purchase_order_id", req.PurchaseOrderId),
	)

	var result *ConversionResult
	err := c.store.Transaction(ctx, func(tx models.Store) error {
		if err := tx.LockPurchaseOrder(ctx, req.PurchaseOrderId); err != nil {
			return err
		}
		marker, err := tx.GetInventoryConversion(ctx, req.QualityCheckId)
		if err != nil {
			return err
		}
		if marker.Succeeded() {
			if marker.PurchaseOrderId != req.PurchaseOrderId {
				return utils.NewValidationError("purchase_order_id", "does not match the quality check")
			}
			result = &ConversionResult{QualityCheckId: req.QualityCheckId, AlreadyConverted: true, Errors: []ItemError{}}
			return nil
		}

		qc, err := tx.GetQualityCheck(ctx, req.QualityCheckId)
		if err != nil {
			return err
		}
		if qc.PurchaseOrderId != req.PurchaseOrderId {
			return utils.NewValidationError("purchase_order_id", "does not match the quality check")
		}
		if qc.Step != models.SessionStepInventoryIntake {
			return illegal("convert to inventory", qc.Step)
		}

		items, err := tx.ListQualityCheckItems(ctx, qc.ID)
		if err != nil {
			return err
		}
		lines, err := tx.ListPurchaseOrderLineItems(ctx, qc.PurchaseOrderId)
		if err != nil {
			return err
		}
		already, err := tx.SumConvertedQuantities(ctx, qc.PurchaseOrderId)
		if err != nil {
			return err
		}

		now := c.now()
		plan := c.plan(*qc, items, lines, already, req, now)
		if len(plan.errors) > 0 {
			return &ConversionError{QualityCheckId: qc.ID, Items: plan.errors}
		}
		if err := tx.CreateInventoryStocks(ctx, plan.stocks); err != nil {
			return err
		}

		attempts := 1
		if marker != nil {
			attempts = marker.Attempts + 1
		}
		if err := tx.SaveInventoryConversion(ctx, &models.InventoryConversion{
			QualityCheckId:         qc.ID,
			PurchaseOrderId:        qc.PurchaseOrderId,
			Status:                 models.ConversionStatusSucceeded,
			ActorId:                req.ActorId,
			ProfitMarginPercentage: req.ProfitMarginPercentage,
			DefaultLocation:        utils.StringPtr(strings.TrimSpace(req.DefaultLocation)),
			CreatedCount:           len(plan.stocks),
			SkippedCount:           len(plan.skipped),
			Attempts:               attempts,
			ConvertedAt:            &now,
		}); err != nil {
			return err
		}

		from := qc.Step
		qc.Step = models.SessionStepClosed
		qc.InventoryConvertedAt = &now
		if err := tx.SaveQualityCheck(ctx, qc); err != nil {
			return err
		}

		result = &ConversionResult{
			QualityCheckId: qc.ID,
			CreatedCount:   len(plan.stocks),
			SkippedCount:   len(plan.skipped),
			Errors:         []ItemError{},
			Skipped:        plan.skipped,
			Stocks:         plan.stocks,
		}
		desc := fmt.Sprintf("Converted %d line(s) to inventory at %s%% margin, %d skipped", result.CreatedCount, req.ProfitMarginPercentage.String(), result.SkippedCount)
		if err := addHistory(ctx, tx, models.HistoryActionConvert, *qc, from, "", nil, result, desc); err != nil {
			return err
		}
		return tx.CreateOutboxEvent(ctx, models.NewQualityCheckEvent(models.EventTypeInventoryConverted, *qc, result, correlationId(ctx), now))
	})
	if err != nil {
		return c.failed(ctx, req, err)
	}
	return result, nil
}

// failed records the FAILED marker outside the rolled-back transaction and shapes the error.
func (c *InventoryConverter) failed(ctx context.Context, req ConversionRequest, err error) (*ConversionResult, error) {
	if utils.IsValidationError(err) || IsTransitionError(err) || errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, err
	}
	var ce *ConversionError
	if !errors.As(err, &ce) {
		ce = &ConversionError{QualityCheckId: req.QualityCheckId, Err: err}
	}
	config.LogError(c.logger, "InventoryConverter", "Convert", "converting quality check", req, ce)
	c.recordFailure(context.WithoutCancel(ctx), req, ce)
	return &ConversionResult{QualityCheckId: req.QualityCheckId, Errors: ce.Items}, ce
}

func (c *InventoryConverter) recordFailure(ctx context.Context, req ConversionRequest, cause error) {
	msg := cause.Error()
	err := c.store.Transaction(ctx, func(tx models.Store) error {
		marker, err := tx.GetInventoryConversion(ctx, req.QualityCheckId)
		if err != nil {
			return err
		}
		if marker.Succeeded() {
			return nil
		}
		attempts := 1
		if marker != nil {
			attempts = marker.Attempts + 1
		}
		if err := tx.SaveInventoryConversion(ctx, &models.InventoryConversion{
			QualityCheckId:         req.QualityCheckId,
			PurchaseOrderId:        req.PurchaseOrderId,
			Status:                 models.ConversionStatusFailed,
			ActorId:                req.ActorId,
			ProfitMarginPercentage: req.ProfitMarginPercentage,
			DefaultLocation:        utils.StringPtr(strings.TrimSpace(req.DefaultLocation)),
			Attempts:               attempts,
			LastError:              &msg,
		}); err != nil {
			return err
		}
		qc := models.QualityCheck{ID: req.QualityCheckId, PurchaseOrderId: req.PurchaseOrderId}
		return tx.CreateOutboxEvent(ctx, models.NewQualityCheckEvent(models.EventTypeInventoryConvertFailure, qc, map[string]string{"error": msg}, correlationId(ctx), c.now()))
	})
	if err != nil {
		config.LogError(c.logger, "InventoryConverter", "recordFailure", "saving failed marker", req.QualityCheckId, err)
	}
}

// ConvertWithRetry retries transient failures with backoff. Attempts run detached from
// ctx cancellation so a client timeout never aborts a commit halfway; retrying is safe
// because a committed conversion turns the next attempt into a no-op.
func (c *InventoryConverter) ConvertWithRetry(ctx context.Context, req ConversionRequest) (*ConversionResult, error) {
	detached := context.WithoutCancel(ctx)
	var (
		result *ConversionResult
		err    error
	)
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		result, err = c.Convert(detached, req)
		if err == nil || !isRetryable(err) {
			return result, err
		}
		if attempt == c.maxAttempts {
			break
		}
		wait := config.BackoffDelay(attempt, c.backoffBase, c.backoffMax)
		if c.logger != nil {
			c.logger.WithFields(logrus.Fields{
				"quality_check_id": req.QualityCheckId,
				"attempt":          attempt,
				"retry_in":         wait.String(),
			}).Warn("inventory conversion failed, retrying: " + err.Error())
		}
		select {
		case <-ctx.Done():
			return result, err
		case <-time.After(wait):
		}
	}
	return result, err
}

type conversionPlan struct {
	stocks  []models.InventoryStock
	skipped []ItemError
	errors  []ItemError
}

// plan selects what to convert. Items are grouped by line item: a line converts only when
// none of its applicable items failed, at the smallest passed quantity among them.
func (c *InventoryConverter) plan(qc models.QualityCheck, items []models.QualityCheckItem, lines []models.PurchaseOrderLineItem, already map[string]decimal.Decimal, req ConversionRequest, now time.Time) conversionPlan {
	var (
		p       conversionPlan
		order   []string
		grouped = map[string][]models.QualityCheckItem{}
	)
	for _, item := range items {
		if _, seen := grouped[item.PurchaseOrderLineItemId]; !seen {
			order = append(order, item.PurchaseOrderLineItemId)
		}
		grouped[item.PurchaseOrderLineItemId] = append(grouped[item.PurchaseOrderLineItemId], item)
	}
	lineById := models.IndexLineItems(lines)

	for _, lineId := range order {
		group := grouped[lineId]
		qty, reason := passedQuantity(group)
		if reason != "" {
			p.skipped = append(p.skipped, ItemError{QualityCheckItemId: group[0].ID, PurchaseOrderLineItemId: lineId, Reason: reason})
			continue
		}
		line, ok := lineById[lineId]
		if !ok {
			p.errors = append(p.errors, ItemError{QualityCheckItemId: group[0].ID, PurchaseOrderLineItemId: lineId, Reason: "line item is no longer on the purchase order"})
			continue
		}
		if line.CostPrice.IsNegative() {
			p.errors = append(p.errors, ItemError{QualityCheckItemId: group[0].ID, PurchaseOrderLineItemId: lineId, Reason: "line item has a negative cost price"})
			continue
		}
		if line.OrderedQty.IsPositive() && already[lineId].Add(qty).GreaterThan(line.OrderedQty) {
			p.errors = append(p.errors, ItemError{
				QualityCheckItemId:      group[0].ID,
				PurchaseOrderLineItemId: lineId,
				Reason: fmt.Sprintf("receiving %s would exceed ordered quantity %s (%s already in stock)",
					qty.String(), line.OrderedQty.String(), already[lineId].String()),
			})
			continue
		}
		p.stocks = append(p.stocks, models.InventoryStock{
			ID:                      c.newId(),
			QualityCheckId:          qc.ID,
			PurchaseOrderLineItemId: lineId,
			PurchaseOrderId:         qc.PurchaseOrderId,
			ProductId:               line.ProductId,
			VariantId:               line.VariantId,
			Quantity:                qty,
			CostPrice:               line.CostPrice,
			SellingPrice:            models.SellingPrice(line.CostPrice, req.ProfitMarginPercentage, c.places),
			ProfitMarginPercentage:  req.ProfitMarginPercentage,
			Location:                c.location(req, line),
			ReceivedBy:              req.ActorId,
			ReceivedAt:              now,
		})
	}
	return p
}

// passedQuantity returns the quantity to convert for one line, or why it is skipped.
func passedQuantity(group []models.QualityCheckItem) (decimal.Decimal, string) {
	var (
		qty        decimal.Decimal
		applicable int
	)
	for _, item := range group {
		switch item.Result {
		case models.ItemResultFail:
			return decimal.Zero, "failed inspection"
		case models.ItemResultPass:
			if applicable == 0 || item.QuantityPassed.LessThan(qty) {
				qty = item.QuantityPassed
			}
			applicable++
		}
	}
	if applicable == 0 {
		return decimal.Zero, "not applicable"
	}
	if !qty.IsPositive() {
		return decimal.Zero, "no quantity passed"
	}
	return qty, ""
}

func (c *InventoryConverter) location(req ConversionRequest, line models.PurchaseOrderLineItem) string {
	if loc := strings.TrimSpace(req.DefaultLocation); loc != "" {
		return loc
	}
	if loc := strings.TrimSpace(line.Location); loc != "" {
		return loc
	}
	return c.fallbackLocation
}
