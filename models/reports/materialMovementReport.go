package reports

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/models"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
)

type MaterialMovementResponse struct {
	MaterialId   int             `json:"materialId"`
	MaterialName string          `json:"materialName,omitempty"`
	OpeningStock decimal.Decimal `json:"openingStock"`
	QtyIn        decimal.Decimal `json:"qtyIn"`
	QtyOut       decimal.Decimal `json:"qtyOut"`
	ClosingStock decimal.Decimal `json:"closingStock"`
}

// GetMaterialMovementReport summarizes executed ledger movements per material
// over a window: opening balance before the window, quantity in and out inside
// it, and the implied closing balance.
func GetMaterialMovementReport(ctx context.Context, fromDate models.MyDateString, toDate models.MyDateString, materialId *int) ([]*MaterialMovementResponse, error) {

	sqlT := `
WITH Ledger AS (
    SELECT
        m.material_id,
        SUM(CASE WHEN m.executed_at < @fromDate
                 THEN CASE WHEN m.movement_type = 'CONSUMPTION' THEN -m.quantity ELSE m.quantity END
                 ELSE 0 END) AS opening_stock,
        SUM(CASE WHEN m.executed_at BETWEEN @fromDate AND @toDate
                  AND (m.movement_type = 'PRODUCTION' OR (m.movement_type = 'ADJUSTMENT' AND m.quantity > 0))
                 THEN m.quantity ELSE 0 END) AS qty_in,
        SUM(CASE WHEN m.executed_at BETWEEN @fromDate AND @toDate
                  AND (m.movement_type = 'CONSUMPTION' OR (m.movement_type = 'ADJUSTMENT' AND m.quantity < 0))
                 THEN ABS(m.quantity) ELSE 0 END) AS qty_out
    FROM inventory_movements m
    WHERE m.business_id = @businessId
      AND m.status = 'EXECUTED'
      {{- if .materialId }} AND m.material_id = @materialId {{- end }}
    GROUP BY m.material_id
),
Materials AS (
    SELECT DISTINCT b.material_id, b.material_name
    FROM batches b
    WHERE b.business_id = @businessId
      {{- if .materialId }} AND b.material_id = @materialId {{- end }}
)
SELECT
    mat.material_id,
    mat.material_name,
    COALESCE(l.opening_stock, 0) AS opening_stock,
    COALESCE(l.qty_in, 0) AS qty_in,
    COALESCE(l.qty_out, 0) AS qty_out,
    COALESCE(l.opening_stock, 0) + COALESCE(l.qty_in, 0) - COALESCE(l.qty_out, 0) AS closing_stock
FROM Materials mat
LEFT JOIN Ledger l ON l.material_id = mat.material_id
ORDER BY mat.material_name, mat.material_id;
`
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}
	business, err := models.GetBusiness(ctx)
	if err != nil {
		return nil, errors.New("business id is required")
	}
	if err := fromDate.StartOfDayUTCTime(business.Timezone); err != nil {
		return nil, err
	}
	if err := toDate.EndOfDayUTCTime(business.Timezone); err != nil {
		return nil, err
	}

	started := time.Now()

	sql, err := utils.ExecTemplate(sqlT, map[string]interface{}{
		"materialId": utils.DereferencePtr(materialId),
	})
	if err != nil {
		return nil, err
	}

	args := map[string]interface{}{
		"fromDate":   fromDate,
		"toDate":     toDate,
		"businessId": businessId,
	}
	if materialId != nil && *materialId != 0 {
		args["materialId"] = materialId
	}

	var results []*MaterialMovementResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sql, args).Scan(&results).Error; err != nil {
		return nil, err
	}

	logSlowReport(ctx, "material_movement", started, map[string]any{"material_id": utils.DereferencePtr(materialId)})

	return results, nil
}
