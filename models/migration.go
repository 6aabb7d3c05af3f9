package models

import "gorm.io/gorm"

// AllModels lists every table this service owns or reads.
func AllModels() []any {
	return []any{
		&QualityCheckTemplate{}, &QualityCheckCriterion{},
		&PurchaseOrder{}, &PurchaseOrderLineItem{},
		&QualityCheck{}, &QualityCheckItem{}, &QualityCheckHistory{},
		&InventoryStock{}, &InventoryConversion{},
		&QualityCheckEventRecord{},
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(AllModels()...)
}
