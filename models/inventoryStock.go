package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InventoryStock is a sellable stock record created from inspected goods.
// (quality_check_id, purchase_order_line_item_id) is unique: one record per line per check.
type InventoryStock struct {
	ID                      string          `gorm:"primaryKey;size:36" db:"id" json:"id"`
	QualityCheckId          string          `gorm:"size:36;not null;index:uniq_stock_qc_line,unique" db:"quality_check_id" json:"quality_check_id"`
	PurchaseOrderLineItemId string          `gorm:"size:36;not null;index:uniq_stock_qc_line,unique;index" db:"purchase_order_line_item_id" json:"purchase_order_line_item_id"`
	PurchaseOrderId         string          `gorm:"size:36;not null;index" db:"purchase_order_id" json:"purchase_order_id"`
	ProductId               string          `gorm:"size:36;not null;index" db:"product_id" json:"product_id"`
	VariantId               string          `gorm:"size:36" db:"variant_id" json:"variant_id"`
	Quantity                decimal.Decimal `gorm:"type:decimal(20,4);not null" db:"quantity" json:"quantity"`
	CostPrice               decimal.Decimal `gorm:"type:decimal(20,4);not null" db:"cost_price" json:"cost_price"`
	SellingPrice            decimal.Decimal `gorm:"type:decimal(20,4);not null" db:"selling_price" json:"selling_price"`
	ProfitMarginPercentage  decimal.Decimal `gorm:"type:decimal(10,4);not null" db:"profit_margin_percentage" json:"profit_margin_percentage"`
	Location                string          `gorm:"size:100;not null" db:"location" json:"location"`
	ReceivedBy              string          `gorm:"size:64;not null" db:"received_by" json:"received_by"`
	ReceivedAt              time.Time       `gorm:"not null" db:"received_at" json:"received_at"`
	CreatedAt               time.Time       `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
}

var hundred = decimal.NewFromInt(100)

// SellingPrice is cost x (1 + margin/100), rounded half away from zero to places.
func SellingPrice(cost decimal.Decimal, marginPercentage decimal.Decimal, places int32) decimal.Decimal {
	factor := decimal.NewFromInt(1).Add(marginPercentage.Div(hundred))
	return cost.Mul(factor).Round(places)
}
