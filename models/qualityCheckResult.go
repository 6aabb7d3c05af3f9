package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// AggregateOutcome is the pure reduction of item verdicts to a session disposition.
type AggregateOutcome struct {
	Result         OverallResult      `json:"overall_result"`
	Status         QualityCheckStatus `json:"status"`
	TotalItems     int                `json:"total_items"`
	PassedItems    int                `json:"passed_items"`
	FailedItems    int                `json:"failed_items"`
	NaItems        int                `json:"na_items"`
	PassRate       decimal.Decimal    `json:"pass_rate"`
	CompletionRate decimal.Decimal    `json:"completion_rate"`
	// AllNotApplicable is set when every item is na: there is no pass/fail signal at all.
	AllNotApplicable bool `json:"all_not_applicable"`
}

// AggregateResults reduces items to pass, fail or conditional.
// na items are ignored. No applicable items at all yields conditional so a human decides.
func AggregateResults(items []QualityCheckItem) AggregateOutcome {
	out := AggregateOutcome{TotalItems: len(items)}
	for _, item := range items {
		switch item.Result {
		case ItemResultPass:
			out.PassedItems++
		case ItemResultFail:
			out.FailedItems++
		default:
			out.NaItems++
		}
	}

	applicable := out.PassedItems + out.FailedItems
	switch {
	case applicable == 0:
		out.Result = OverallResultConditional
		out.AllNotApplicable = true
	case out.FailedItems == 0:
		out.Result = OverallResultPass
	case out.PassedItems == 0:
		out.Result = OverallResultFail
	default:
		out.Result = OverallResultConditional
	}
	out.Status = out.Result.StatusFor()

	out.PassRate = decimal.Zero
	if applicable > 0 {
		out.PassRate = decimal.NewFromInt(int64(out.PassedItems)).Div(decimal.NewFromInt(int64(applicable))).Round(4)
	}
	out.CompletionRate = decimal.Zero
	if out.TotalItems > 0 {
		out.CompletionRate = decimal.NewFromInt(int64(applicable)).Div(decimal.NewFromInt(int64(out.TotalItems))).Round(4)
	}
	return out
}

// QualityCheckSummary is the read-only view of a purchase order's latest check.
type QualityCheckSummary struct {
	QualityCheckId     string             `json:"quality_check_id"`
	PurchaseOrderId    string             `json:"purchase_order_id"`
	TemplateName       string             `json:"template_name"`
	Step               SessionStep        `json:"step"`
	Status             QualityCheckStatus `json:"status"`
	OverallResult      OverallResult      `json:"overall_result"`
	TotalItems         int                `json:"total_items"`
	PassedItems        int                `json:"passed_items"`
	FailedItems        int                `json:"failed_items"`
	NaItems            int                `json:"na_items"`
	PendingItems       int                `json:"pending_items"`
	PassRate           decimal.Decimal    `json:"pass_rate"`
	CompletionRate     decimal.Decimal    `json:"completion_rate"`
	CheckedAt          *time.Time         `json:"checked_at"`
	InventoryConverted bool               `json:"inventory_converted"`
}

// BuildSummary counts only visited items by result; unvisited items are pending.
func BuildSummary(qc QualityCheck, items []QualityCheckItem) QualityCheckSummary {
	visited := make([]QualityCheckItem, 0, len(items))
	for _, item := range items {
		if item.Visited() {
			visited = append(visited, item)
		}
	}
	agg := AggregateResults(visited)
	s := QualityCheckSummary{
		QualityCheckId:     qc.ID,
		PurchaseOrderId:    qc.PurchaseOrderId,
		TemplateName:       qc.TemplateName,
		Step:               qc.Step,
		Status:             qc.Status,
		OverallResult:      qc.OverallResult,
		TotalItems:         len(items),
		PassedItems:        agg.PassedItems,
		FailedItems:        agg.FailedItems,
		NaItems:            agg.NaItems,
		PendingItems:       len(items) - len(visited),
		PassRate:           agg.PassRate,
		CheckedAt:          qc.CompletedAt,
		InventoryConverted: qc.InventoryConvertedAt != nil,
	}
	s.CompletionRate = decimal.Zero
	if len(items) > 0 {
		s.CompletionRate = decimal.NewFromInt(int64(agg.PassedItems + agg.FailedItems)).Div(decimal.NewFromInt(int64(len(items)))).Round(4)
	}
	return s
}
