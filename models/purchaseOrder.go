package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// PurchaseOrder is owned by purchasing; this service only reads it.
type PurchaseOrder struct {
	ID          string                  `gorm:"primaryKey;size:36" db:"id" json:"id"`
	OrderNumber string                  `gorm:"size:255" db:"order_number" json:"order_number"`
	SupplierId  string                  `gorm:"size:36;index" db:"supplier_id" json:"supplier_id"`
	Status      string                  `gorm:"size:30" db:"status" json:"status"`
	Details     []PurchaseOrderLineItem `gorm:"foreignKey:PurchaseOrderId" db:"-" json:"details"`
	CreatedAt   time.Time               `gorm:"autoCreateTime" db:"created_at" json:"created_at"`
	UpdatedAt   time.Time               `gorm:"autoUpdateTime" db:"updated_at" json:"updated_at"`
}

type PurchaseOrderLineItem struct {
	ID              string          `gorm:"primaryKey;size:36" db:"id" json:"id"`
	PurchaseOrderId string          `gorm:"size:36;not null;index" db:"purchase_order_id" json:"purchase_order_id"`
	ProductId       string          `gorm:"size:36;not null;index" db:"product_id" json:"product_id"`
	VariantId       string          `gorm:"size:36" db:"variant_id" json:"variant_id"`
	Name            string          `gorm:"size:255" db:"name" json:"name"`
	OrderedQty      decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" db:"ordered_qty" json:"ordered_qty"`
	CostPrice       decimal.Decimal `gorm:"type:decimal(20,4);not null;default:0" db:"cost_price" json:"cost_price"`
	Location        string          `gorm:"size:100" db:"location" json:"location"`
	SortOrder       int             `gorm:"not null;default:0" db:"sort_order" json:"sort_order"`
}

func (PurchaseOrderLineItem) TableName() string {
	return "purchase_order_details"
}

// IndexLineItems maps line items by id.
func IndexLineItems(lines []PurchaseOrderLineItem) map[string]PurchaseOrderLineItem {
	out := make(map[string]PurchaseOrderLineItem, len(lines))
	for _, l := range lines {
		out[l.ID] = l
	}
	return out
}
