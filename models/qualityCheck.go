package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/shopspring/decimal"
)

// QualityCheck is one inspection session for a purchase order.
type QualityCheck struct {
	ID                    string             `gorm:"primaryKey;size:36" db:"id" json:"id"`
	PurchaseOrderId       string             `gorm:"size:36;not null;index:idx_qc_po_created,priority:1" db:"purchase_order_id" json:"purchase_order_id"`
	TemplateId            string             `gorm:"size:36;not null;index" db:"template_id" json:"template_id"`
	TemplateName          string             `gorm:"size:255" db:"template_name" json:"template_name"`
	TemplateCategory      string             `gorm:"size:50" db:"template_category" json:"template_category"`
	CheckedBy             string             `gorm:"size:64;not null" db:"checked_by" json:"checked_by"`
	Status                QualityCheckStatus `gorm:"size:20;not null;index" db:"status" json:"status"`
	OverallResult         OverallResult      `gorm:"size:20;not null" db:"overall_result" json:"overall_result"`
	Step                  SessionStep        `gorm:"size:30;not null;index" db:"step" json:"step"`
	Notes                 string             `gorm:"type:text" db:"notes" json:"notes"`
	NeedsManualResolution bool               `gorm:"not null;default:false" db:"needs_manual_resolution" json:"needs_manual_resolution"`
	AcceptedPartial       bool               `gorm:"not null;default:false" db:"accepted_partial" json:"accepted_partial"`
	CloseReason           *string            `gorm:"type:text" db:"close_reason" json:"close_reason"`
	CheckedAt             time.Time          `gorm:"not null" db:"checked_at" json:"checked_at"`
	CompletedAt           *time.Time         `db:"completed_at" json:"completed_at"`
	InventoryConvertedAt  *time.Time         `gorm:"index" db:"inventory_converted_at" json:"inventory_converted_at"`
	CreatedAt             time.Time          `gorm:"autoCreateTime;index:idx_qc_po_created,priority:2" db:"created_at" json:"created_at"`
	UpdatedAt             time.Time          `gorm:"autoUpdateTime" db:"updated_at" json:"updated_at"`
}

// QualityCheckItem is one inspectable unit: a line item, or a line item x criterion.
type QualityCheckItem struct {
	ID                      string          `gorm:"primaryKey;size:36" db:"id" json:"id"`
	QualityCheckId          string          `gorm:"size:36;not null;index" db:"quality_check_id" json:"quality_check_id"`
	PurchaseOrderLineItemId string          `gorm:"size:36;not null;index" db:"purchase_order_line_item_id" json:"purchase_order_line_item_id"`
	ProductId               string          `gorm:"size:36;not null" db:"product_id" json:"product_id"`
	VariantId               string          `gorm:"size:36" db:"variant_id" json:"variant_id"`
	ProductName             string          `gorm:"size:255" db:"product_name" json:"product_name"`
	OrderedQty              decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" db:"ordered_qty" json:"ordered_qty"`
	CriterionId             string          `gorm:"size:36" db:"criterion_id" json:"criterion_id"`
	CriterionName           string          `gorm:"size:255" db:"criterion_name" json:"criterion_name"`
	SortOrder               int             `gorm:"not null;default:0" db:"sort_order" json:"sort_order"`
	Result                  ItemResult      `gorm:"size:10;not null" db:"result" json:"result"`
	QuantityChecked         decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" db:"quantity_checked" json:"quantity_checked"`
	QuantityPassed          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" db:"quantity_passed" json:"quantity_passed"`
	QuantityFailed          decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" db:"quantity_failed" json:"quantity_failed"`
	DefectType              *DefectType     `gorm:"size:30" db:"defect_type" json:"defect_type"`
	DefectDescription       *string         `gorm:"type:text" db:"defect_description" json:"defect_description"`
	ActionTaken             *ActionTaken    `gorm:"size:20" db:"action_taken" json:"action_taken"`
	Notes                   *string         `gorm:"type:text" db:"notes" json:"notes"`
	ImageReferences         StringList      `gorm:"type:text" db:"image_references" json:"image_references"`
	InspectedAt             *time.Time      `db:"inspected_at" json:"inspected_at"`
	SkippedAt               *time.Time      `db:"skipped_at" json:"skipped_at"`
	CreatedAt               time.Time       `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
	UpdatedAt               time.Time       `gorm:"autoUpdateTime" db:"updated_at" json:"updated_at"`
}

// Visited reports whether the inspector recorded or skipped the item.
func (i QualityCheckItem) Visited() bool {
	return i.InspectedAt != nil || i.SkippedAt != nil
}

// StringList is stored as a JSON array in a text column.
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (l *StringList) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*l = nil
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("StringList: unsupported scan type %T", src)
	}
	if len(raw) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(raw, (*[]string)(l))
}

// ItemVerdict is what an inspector submits for one item.
type ItemVerdict struct {
	Result            ItemResult      `json:"result" validate:"required"`
	QuantityChecked   decimal.Decimal `json:"quantity_checked"`
	QuantityPassed    decimal.Decimal `json:"quantity_passed"`
	QuantityFailed    decimal.Decimal `json:"quantity_failed"`
	DefectType        *DefectType     `json:"defect_type"`
	DefectDescription *string         `json:"defect_description"`
	ActionTaken       *ActionTaken    `json:"action_taken"`
	Notes             *string         `json:"notes"`
	ImageReferences   []string        `json:"image_references"`
}

var ErrQuantityMismatch = errors.New("quantity_passed + quantity_failed must equal quantity_checked")

// Validate enforces the item invariants. It never touches storage.
// Quantities of an na verdict are informational and are not reconciled.
func (v ItemVerdict) Validate() error {
	if !v.Result.IsValid() {
		return utils.NewValidationError("result", "must be one of pass, fail, na")
	}
	for field, q := range map[string]decimal.Decimal{
		"quantity_checked": v.QuantityChecked,
		"quantity_passed":  v.QuantityPassed,
		"quantity_failed":  v.QuantityFailed,
	} {
		if q.IsNegative() {
			return utils.NewValidationError(field, "must not be negative")
		}
	}
	if v.Result != ItemResultNA && !v.QuantityPassed.Add(v.QuantityFailed).Equal(v.QuantityChecked) {
		return &utils.ValidationError{Field: "quantity_checked", Message: ErrQuantityMismatch.Error()}
	}
	if v.DefectType != nil && !v.DefectType.IsValid() {
		return utils.NewValidationError("defect_type", "unknown defect type %q", *v.DefectType)
	}
	if v.ActionTaken != nil && !v.ActionTaken.IsValid() {
		return utils.NewValidationError("action_taken", "unknown action %q", *v.ActionTaken)
	}
	for _, ref := range v.ImageReferences {
		if strings.TrimSpace(ref) == "" {
			return utils.NewValidationError("image_references", "must not contain blank references")
		}
	}
	return nil
}

// MissingRecommended lists fields a failed verdict should carry but does not.
func (v ItemVerdict) MissingRecommended() []string {
	if v.Result != ItemResultFail {
		return nil
	}
	var missing []string
	if v.DefectType == nil {
		missing = append(missing, "defect_type")
	}
	if v.ActionTaken == nil {
		missing = append(missing, "action_taken")
	}
	return missing
}

// ApplyVerdict copies a validated verdict onto the item and marks it inspected.
func (i *QualityCheckItem) ApplyVerdict(v ItemVerdict, now time.Time) {
	i.Result = v.Result
	i.QuantityChecked = v.QuantityChecked
	i.QuantityPassed = v.QuantityPassed
	i.QuantityFailed = v.QuantityFailed
	i.DefectType = v.DefectType
	i.DefectDescription = v.DefectDescription
	i.ActionTaken = v.ActionTaken
	i.Notes = v.Notes
	i.ImageReferences = StringList(v.ImageReferences)
	i.InspectedAt = &now
	i.SkippedAt = nil
}

// Skip marks the item visited without touching its current verdict.
func (i *QualityCheckItem) Skip(now time.Time) {
	if i.InspectedAt == nil {
		i.SkippedAt = &now
	}
}

// NewQualityCheckItems builds one item per line item x template criterion, in line then
// criterion order. A template without criteria yields one item per line. Defaults are pass
// with the full ordered quantity.
func NewQualityCheckItems(qualityCheckId string, lines []PurchaseOrderLineItem, tpl QualityCheckTemplate, newId func() string) []QualityCheckItem {
	items := make([]QualityCheckItem, 0, len(lines)*max(len(tpl.Criteria), 1))
	order := 0
	build := func(line PurchaseOrderLineItem, criterion *QualityCheckCriterion) QualityCheckItem {
		order++
		item := QualityCheckItem{
			ID:                      newId(),
			QualityCheckId:          qualityCheckId,
			PurchaseOrderLineItemId: line.ID,
			ProductId:               line.ProductId,
			VariantId:               line.VariantId,
			ProductName:             line.Name,
			OrderedQty:              line.OrderedQty,
			SortOrder:               order,
			Result:                  ItemResultPass,
			QuantityChecked:         line.OrderedQty,
			QuantityPassed:          line.OrderedQty,
			QuantityFailed:          decimal.Zero,
		}
		if criterion != nil {
			item.CriterionId = criterion.ID
			item.CriterionName = criterion.Name
		}
		return item
	}
	for _, line := range lines {
		if len(tpl.Criteria) == 0 {
			items = append(items, build(line, nil))
			continue
		}
		for c := range tpl.Criteria {
			items = append(items, build(line, &tpl.Criteria[c]))
		}
	}
	return items
}
