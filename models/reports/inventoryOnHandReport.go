package reports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

type InventoryOnHandResponse struct {
	MaterialId    int             `json:"materialId"`
	MaterialName  string          `json:"materialName,omitempty"`
	BatchCount    int             `json:"batchCount"`
	BatchOnHand   decimal.Decimal `json:"batchOnHand"`
	LedgerOnHand  decimal.Decimal `json:"ledgerOnHand"`
	OnHandDrift   decimal.Decimal `json:"onHandDrift"`
	BlockedQty    decimal.Decimal `json:"blockedQty"`
	AvailableQty  decimal.Decimal `json:"availableQty"`
	AllocatedQty  decimal.Decimal `json:"allocatedQty"`
	FreeToPromise decimal.Decimal `json:"freeToPromise"`
}

// GetInventoryOnHandReport reconciles batch carrying quantities against the
// movement ledger per material. A non-zero drift means a batch quantity was
// mutated outside the ledger.
func GetInventoryOnHandReport(ctx context.Context, materialId *int) ([]*InventoryOnHandResponse, error) {

	sqlT := `
WITH BatchStock AS (
    SELECT
        b.material_id,
        MAX(b.material_name) AS material_name,
        COUNT(*) AS batch_count,
        SUM(CASE WHEN b.status IN ('AVAILABLE', 'BLOCKED') THEN b.quantity ELSE 0 END) AS batch_on_hand,
        SUM(CASE WHEN b.status = 'BLOCKED' THEN b.quantity ELSE 0 END) AS blocked_qty,
        SUM(CASE WHEN b.status = 'AVAILABLE' THEN b.quantity ELSE 0 END) AS available_qty
    FROM batches b
    WHERE b.business_id = @businessId
      {{- if .materialId }} AND b.material_id = @materialId {{- end }}
    GROUP BY b.material_id
),
Ledger AS (
    SELECT
        m.material_id,
        SUM(CASE WHEN m.movement_type = 'CONSUMPTION' THEN -m.quantity ELSE m.quantity END) AS ledger_on_hand
    FROM inventory_movements m
    WHERE m.business_id = @businessId
      AND m.status = 'EXECUTED'
      {{- if .materialId }} AND m.material_id = @materialId {{- end }}
    GROUP BY m.material_id
),
Allocated AS (
    SELECT
        b.material_id,
        SUM(a.allocated_qty) AS allocated_qty
    FROM batch_order_allocations a
    JOIN batches b ON b.id = a.batch_id AND b.business_id = a.business_id
    WHERE a.business_id = @businessId
      AND a.status = 'ACTIVE'
      {{- if .materialId }} AND b.material_id = @materialId {{- end }}
    GROUP BY b.material_id
)
SELECT
    bs.material_id,
    bs.material_name,
    bs.batch_count,
    COALESCE(bs.batch_on_hand, 0) AS batch_on_hand,
    COALESCE(l.ledger_on_hand, 0) AS ledger_on_hand,
    COALESCE(bs.batch_on_hand, 0) - COALESCE(l.ledger_on_hand, 0) AS on_hand_drift,
    COALESCE(bs.blocked_qty, 0) AS blocked_qty,
    COALESCE(bs.available_qty, 0) AS available_qty,
    COALESCE(al.allocated_qty, 0) AS allocated_qty,
    COALESCE(bs.available_qty, 0) - COALESCE(al.allocated_qty, 0) AS free_to_promise
FROM BatchStock bs
LEFT JOIN Ledger l ON l.material_id = bs.material_id
LEFT JOIN Allocated al ON al.material_id = bs.material_id
ORDER BY bs.material_name, bs.material_id;
`
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	started := time.Now()
	cacheKey := fmt.Sprintf("report:onhand:%s:%d", businessId, utils.DereferencePtr(materialId))
	if reportCacheEnabled() {
		var cached []*InventoryOnHandResponse
		if ok, err := cacheGet(cacheKey, &cached); err == nil && ok {
			return cached, nil
		}
	}

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"materialId": utils.DereferencePtr(materialId),
	})
	if err != nil {
		return nil, err
	}

	args := map[string]interface{}{
		"businessId": businessId,
	}
	if materialId != nil && *materialId != 0 {
		args["materialId"] = materialId
	}

	var results []*InventoryOnHandResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, args).Scan(&results).Error; err != nil {
		return nil, err
	}

	if reportCacheEnabled() {
		_ = cacheSet(cacheKey, results, reportCacheTTL())
	}
	logSlowReport(ctx, "inventory_on_hand", started, map[string]any{"material_id": utils.DereferencePtr(materialId)})

	return results, nil
}
