package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// batch-rebuild recomputes every batch's on-hand quantity from the executed
// movement ledger and reports drift against the stored batch quantity. With
// --apply it rewrites drifted batch quantities from the ledger.
func main() {
	businessID := flag.String("business-id", "", "Required: business id")
	batchID := flag.Int("batch-id", 0, "Optional: restrict to one batch")
	apply := flag.Bool("apply", false, "Rewrite drifted batch quantities from the ledger")
	continueOnError := flag.Bool("continue-on-error", false, "Skip failing batches and continue")
	flag.Parse()

	if strings.TrimSpace(*businessID) == "" {
		fmt.Fprintln(os.Stderr, "--business-id is required")
		os.Exit(1)
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}

	type row struct {
		BatchId      int
		BatchNumber  string
		MaterialName string
		Status       models.BatchStatus
		StoredQty    decimal.Decimal
		LedgerQty    decimal.Decimal
	}
	var rows []row
	query := `
		SELECT b.id AS batch_id,
			b.batch_number,
			b.material_name,
			b.status,
			b.quantity AS stored_qty,
			COALESCE(SUM(CASE
				WHEN m.movement_type = 'CONSUMPTION' THEN -m.quantity
				ELSE m.quantity
			END), 0) AS ledger_qty
		FROM batches b
		LEFT JOIN inventory_movements m
			ON m.batch_id = b.id AND m.business_id = b.business_id AND m.status = 'EXECUTED'
		WHERE b.business_id = ?`
	args := []interface{}{*businessID}
	if *batchID > 0 {
		query += " AND b.id = ?"
		args = append(args, *batchID)
	}
	query += " GROUP BY b.id, b.batch_number, b.material_name, b.status, b.quantity ORDER BY b.id"

	if err := db.Raw(query, args...).Scan(&rows).Error; err != nil {
		fmt.Fprintf(os.Stderr, "scan batches: %v\n", err)
		os.Exit(1)
	}

	drifted := 0
	for _, r := range rows {
		if r.StoredQty.Equal(r.LedgerQty) {
			continue
		}
		drifted++
		fmt.Printf("batch=%d number=%s material=%q status=%s stored=%s ledger=%s drift=%s\n",
			r.BatchId, r.BatchNumber, r.MaterialName, r.Status,
			r.StoredQty, r.LedgerQty, r.StoredQty.Sub(r.LedgerQty))

		if !*apply {
			continue
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			var batch models.Batch
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("business_id = ?", *businessID).
				First(&batch, r.BatchId).Error; err != nil {
				return err
			}
			// Re-sum under the row lock so a concurrent execution cannot
			// be overwritten by a stale snapshot.
			var ledger decimal.Decimal
			if err := tx.Raw(`
				SELECT COALESCE(SUM(CASE
					WHEN movement_type = 'CONSUMPTION' THEN -quantity
					ELSE quantity
				END), 0)
				FROM inventory_movements
				WHERE business_id = ? AND batch_id = ? AND status = 'EXECUTED'
			`, *businessID, r.BatchId).Scan(&ledger).Error; err != nil {
				return err
			}
			updates := map[string]interface{}{"Quantity": ledger}
			if batch.Status == models.BatchStatusConsumed && ledger.IsPositive() {
				updates["Status"] = models.BatchStatusAvailable
			}
			if batch.Status == models.BatchStatusAvailable && ledger.IsZero() {
				updates["Status"] = models.BatchStatusConsumed
			}
			return tx.Model(&batch).Updates(updates).Error
		}); err != nil {
			if *continueOnError {
				fmt.Fprintf(os.Stderr, "rebuild batch %d failed (skipping): %v\n", r.BatchId, err)
				continue
			}
			fmt.Fprintf(os.Stderr, "rebuild batch %d failed: %v\n", r.BatchId, err)
			os.Exit(1)
		}
	}

	if drifted == 0 {
		fmt.Printf("checked %d batches, no drift\n", len(rows))
		return
	}
	if *apply {
		fmt.Printf("checked %d batches, rewrote %d drifted quantities\n", len(rows), drifted)
	} else {
		fmt.Printf("checked %d batches, %d drifted (re-run with --apply to fix)\n", len(rows), drifted)
	}
}
