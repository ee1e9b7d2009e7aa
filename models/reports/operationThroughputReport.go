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

type OperationThroughputResponse struct {
	OperationId     int             `json:"operationId"`
	OperationCode   string          `json:"operationCode,omitempty"`
	OperationName   string          `json:"operationName,omitempty"`
	OperationType   string          `json:"operationType,omitempty"`
	OperationStatus string          `json:"operationStatus,omitempty"`
	ConsumedQty     decimal.Decimal `json:"consumedQty"`
	ProducedQty     decimal.Decimal `json:"producedQty"`
	MovementCount   int             `json:"movementCount"`
}

// GetOperationThroughputReport aggregates executed consumption and production
// quantities per operation over a window.
func GetOperationThroughputReport(ctx context.Context, fromDate models.MyDateString, toDate models.MyDateString) ([]*OperationThroughputResponse, error) {

	sqlT := `
SELECT
    o.id AS operation_id,
    o.code AS operation_code,
    o.name AS operation_name,
    o.operation_type,
    o.status AS operation_status,
    COALESCE(SUM(CASE WHEN m.movement_type = 'CONSUMPTION' THEN m.quantity ELSE 0 END), 0) AS consumed_qty,
    COALESCE(SUM(CASE WHEN m.movement_type = 'PRODUCTION' THEN m.quantity ELSE 0 END), 0) AS produced_qty,
    COUNT(m.id) AS movement_count
FROM operations o
LEFT JOIN inventory_movements m
    ON m.operation_id = o.id
   AND m.business_id = o.business_id
   AND m.status = 'EXECUTED'
   AND m.executed_at BETWEEN @fromDate AND @toDate
WHERE o.business_id = @businessId
GROUP BY o.id, o.code, o.name, o.operation_type, o.status
ORDER BY o.code, o.id;
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

	var results []*OperationThroughputResponse
	db := config.GetDB()
	if err := db.WithContext(ctx).Raw(sqlT, map[string]interface{}{
		"fromDate":   fromDate,
		"toDate":     toDate,
		"businessId": businessId,
	}).Scan(&results).Error; err != nil {
		return nil, err
	}

	logSlowReport(ctx, "operation_throughput", started, nil)

	return results, nil
}
