package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"bitbucket.org/mmdatafocus/receiving_backend/config"
	"bitbucket.org/mmdatafocus/receiving_backend/models"
	"bitbucket.org/mmdatafocus/receiving_backend/sqlitestore"
)

// qc-conversion-audit compares inventory conversion markers with the stock rows they claim.
// It reports:
//   - SUCCEEDED markers whose created_count differs from the stock rows present
//   - FAILED markers that nevertheless have stock rows
//   - stock rows without any marker
//   - line items converted beyond their ordered quantity
//
// Exits 2 when anything is found. Read-only.
//
// Example:
//
//	go run ./cmd/qc-conversion-audit/ -status=SUCCEEDED
//	STORE_DRIVER=sqlite SQLITE_DSN=receiving.db go run ./cmd/qc-conversion-audit/ -verbose
func main() {
	status := flag.String("status", "", "Only audit markers with this status (SUCCEEDED|FAILED)")
	verbose := flag.Bool("verbose", false, "Print every marker, not only findings")
	flag.Parse()

	st := models.ConversionStatus(strings.ToUpper(strings.TrimSpace(*status)))
	if st != "" && st != models.ConversionStatusSucceeded && st != models.ConversionStatusFailed {
		fmt.Fprintln(os.Stderr, "--status must be SUCCEEDED or FAILED")
		os.Exit(1)
	}

	ctx := context.Background()
	store, closeStore, err := openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer closeStore()

	markers, err := store.ListInventoryConversions(ctx, st)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list markers: %v\n", err)
		os.Exit(1)
	}
	stocks, err := store.ListInventoryStocks(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "list stocks: %v\n", err)
		os.Exit(1)
	}

	findings := audit(ctx, store, markers, stocks, st == "")

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if *verbose {
		fmt.Fprintln(w, "QUALITY_CHECK\tPURCHASE_ORDER\tSTATUS\tCREATED\tSKIPPED\tATTEMPTS\tLAST_ERROR")
		for _, m := range markers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n", m.QualityCheckId, m.PurchaseOrderId, m.Status, m.CreatedCount, m.SkippedCount, m.Attempts, derefOrDash(m.LastError))
		}
		fmt.Fprintln(w)
	}
	for _, f := range findings {
		fmt.Fprintf(w, "FINDING\t%s\t%s\n", f.qualityCheckId, f.message)
	}
	_ = w.Flush()

	fmt.Printf("markers=%d stocks=%d findings=%d\n", len(markers), len(stocks), len(findings))
	if len(findings) > 0 {
		os.Exit(2)
	}
}

type finding struct {
	qualityCheckId string
	message        string
}

func audit(ctx context.Context, store models.Store, markers []models.InventoryConversion, stocks []models.InventoryStock, checkOrphans bool) []finding {
	byCheck := map[string][]models.InventoryStock{}
	for _, s := range stocks {
		byCheck[s.QualityCheckId] = append(byCheck[s.QualityCheckId], s)
	}

	var out []finding
	marked := map[string]bool{}
	purchaseOrders := map[string]bool{}
	for _, m := range markers {
		marked[m.QualityCheckId] = true
		purchaseOrders[m.PurchaseOrderId] = true
		n := len(byCheck[m.QualityCheckId])
		switch m.Status {
		case models.ConversionStatusSucceeded:
			if n != m.CreatedCount {
				out = append(out, finding{m.QualityCheckId, fmt.Sprintf("marker says %d created, found %d stock row(s)", m.CreatedCount, n)})
			}
		case models.ConversionStatusFailed:
			if n > 0 {
				out = append(out, finding{m.QualityCheckId, fmt.Sprintf("FAILED marker but %d stock row(s) exist", n)})
			}
		}
	}
	if checkOrphans {
		for qcId, rows := range byCheck {
			if !marked[qcId] {
				out = append(out, finding{qcId, fmt.Sprintf("%d stock row(s) without a conversion marker", len(rows))})
			}
		}
	}

	for poId := range purchaseOrders {
		lines, err := store.ListPurchaseOrderLineItems(ctx, poId)
		if err != nil {
			out = append(out, finding{"-", fmt.Sprintf("purchase order %s: %v", poId, err)})
			continue
		}
		converted, err := store.SumConvertedQuantities(ctx, poId)
		if err != nil {
			out = append(out, finding{"-", fmt.Sprintf("purchase order %s: %v", poId, err)})
			continue
		}
		for _, line := range lines {
			if qty, ok := converted[line.ID]; ok && qty.GreaterThan(line.OrderedQty) {
				out = append(out, finding{"-", fmt.Sprintf("purchase order %s line %s: converted %s of %s ordered", poId, line.ID, qty.String(), line.OrderedQty.String())})
			}
		}
	}
	return out
}

func derefOrDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func openStore() (models.Store, func(), error) {
	if config.StoreDriver() == config.StoreDriverSQLite {
		s, err := sqlitestore.Open(config.SQLiteDSN())
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		return nil, nil, fmt.Errorf("database not initialized")
	}
	return models.NewGormStore(db), func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}, nil
}
