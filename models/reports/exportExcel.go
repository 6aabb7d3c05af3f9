package reports

import (
	"fmt"
	"io"
	"strings"

	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/utils"
	"github.com/xuri/excelize/v2"
)

const (
	itemsSheet   = "Items"
	summarySheet = "Summary"
	stocksSheet  = "Inventory"
)

type ExcelExporter interface {
	GetCellValues() []interface{}
}

type itemRow models.QualityCheckItem

func (r itemRow) GetCellValues() []interface{} {
	defect, action := "", ""
	if r.DefectType != nil {
		defect = string(*r.DefectType)
	}
	if r.ActionTaken != nil {
		action = string(*r.ActionTaken)
	}
	state := "pending"
	if r.SkippedAt != nil {
		state = "skipped"
	} else if r.InspectedAt != nil {
		state = "inspected"
	}
	return []interface{}{
		r.ProductName,
		r.CriterionName,
		string(r.Result),
		state,
		r.OrderedQty.InexactFloat64(),
		r.QuantityChecked.InexactFloat64(),
		r.QuantityPassed.InexactFloat64(),
		r.QuantityFailed.InexactFloat64(),
		defect,
		utils.DerefString(r.DefectDescription),
		action,
		utils.DerefString(r.Notes),
		strings.Join(r.ImageReferences, "\n"),
	}
}

type stockRow models.InventoryStock

func (r stockRow) GetCellValues() []interface{} {
	return []interface{}{
		r.ProductId,
		r.VariantId,
		r.Quantity.InexactFloat64(),
		r.CostPrice.InexactFloat64(),
		r.SellingPrice.InexactFloat64(),
		r.ProfitMarginPercentage.InexactFloat64(),
		r.Location,
		r.ReceivedAt.Format("2006-01-02 15:04"),
	}
}

var itemHeadings = []string{
	"Product", "Criterion", "Result", "State", "Ordered", "Checked", "Passed", "Failed",
	"Defect Type", "Defect Description", "Action Taken", "Notes", "Photos",
}

var stockHeadings = []string{
	"Product", "Variant", "Quantity", "Cost Price", "Selling Price", "Margin %", "Location", "Received At",
}

// ExportQualityCheck writes a workbook with the summary, the items and any stock created from them.
func ExportQualityCheck(w io.Writer, summary models.QualityCheckSummary, items []models.QualityCheckItem, stocks []models.InventoryStock) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	checkedAt := ""
	if summary.CheckedAt != nil {
		checkedAt = summary.CheckedAt.Format("2006-01-02 15:04")
	}
	summaryRows := [][]interface{}{
		{"Quality Check", summary.QualityCheckId},
		{"Purchase Order", summary.PurchaseOrderId},
		{"Template", summary.TemplateName},
		{"Step", string(summary.Step)},
		{"Status", string(summary.Status)},
		{"Overall Result", string(summary.OverallResult)},
		{"Total Items", summary.TotalItems},
		{"Passed", summary.PassedItems},
		{"Failed", summary.FailedItems},
		{"Not Applicable", summary.NaItems},
		{"Pending", summary.PendingItems},
		{"Pass Rate", summary.PassRate.InexactFloat64()},
		{"Completion Rate", summary.CompletionRate.InexactFloat64()},
		{"Checked At", checkedAt},
		{"Inventory Converted", summary.InventoryConverted},
	}
	for i, row := range summaryRows {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}

	rows := make([]ExcelExporter, len(items))
	for i, item := range items {
		rows[i] = itemRow(item)
	}
	if err := writeSheet(f, itemsSheet, rows, itemHeadings...); err != nil {
		return err
	}

	if len(stocks) > 0 {
		rows = make([]ExcelExporter, len(stocks))
		for i, s := range stocks {
			rows[i] = stockRow(s)
		}
		if err := writeSheet(f, stocksSheet, rows, stockHeadings...); err != nil {
			return err
		}
	}
	return f.Write(w)
}

func writeSheet(f *excelize.File, sheetName string, data []ExcelExporter, headings ...string) error {
	if _, err := f.NewSheet(sheetName); err != nil {
		return err
	}
	header := make([]interface{}, len(headings))
	for i, h := range headings {
		header[i] = h
	}
	if err := f.SetSheetRow(sheetName, "A1", &header); err != nil {
		return err
	}
	for i, d := range data {
		values := d.GetCellValues()
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheetName, cell, &values); err != nil {
			return err
		}
	}
	return nil
}
