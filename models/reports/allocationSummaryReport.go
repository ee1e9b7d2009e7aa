package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

type AllocationSummaryResponse struct {
	BatchId          int             `json:"batchId"`
	BatchNumber      string          `json:"batchNumber,omitempty"`
	MaterialId       int             `json:"materialId"`
	MaterialName     string          `json:"materialName,omitempty"`
	BatchStatus      string          `json:"batchStatus,omitempty"`
	Quantity         decimal.Decimal `json:"quantity"`
	AllocatedQty     decimal.Decimal `json:"allocatedQty"`
	AvailableQty     decimal.Decimal `json:"availableQty"`
	ActiveCount      int             `json:"activeCount"`
	IsFullyAllocated bool            `json:"isFullyAllocated"`
}

// GetAllocationSummaryReport lists batches with their active reservation
// totals and remaining free quantity.
func GetAllocationSummaryReport(ctx context.Context, materialId *int, onlyOpen bool) ([]*AllocationSummaryResponse, error) {

	sqlT := `
SELECT
    b.id AS batch_id,
    b.batch_number,
    b.material_id,
    b.material_name,
    b.status AS batch_status,
    b.quantity,
    COALESCE(SUM(a.allocated_qty), 0) AS allocated_qty,
    b.quantity - COALESCE(SUM(a.allocated_qty), 0) AS available_qty,
    COUNT(a.id) AS active_count,
    (b.quantity - COALESCE(SUM(a.allocated_qty), 0)) <= 0 AS is_fully_allocated
FROM batches b
LEFT JOIN batch_order_allocations a
    ON a.batch_id = b.id
   AND a.business_id = b.business_id
   AND a.status = 'ACTIVE'
WHERE b.business_id = @businessId
  AND b.status = 'AVAILABLE'
  {{- if .materialId }} AND b.material_id = @materialId {{- end }}
GROUP BY b.id, b.batch_number, b.material_id, b.material_name, b.status, b.quantity
{{- if .onlyOpen }}
HAVING b.quantity - COALESCE(SUM(a.allocated_qty), 0) > 0
{{- end }}
ORDER BY b.material_name, b.id;
`
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	started := time.Now()

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"materialId": utils.DereferencePtr(materialId),
		"onlyOpen":   onlyOpen,
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

	var results []*AllocationSummaryResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, args).Scan(&results).Error; err != nil {
		return nil, err
	}

	logSlowReport(ctx, "allocation_summary", started, map[string]any{"material_id": utils.DereferencePtr(materialId)})

	return results, nil
}
