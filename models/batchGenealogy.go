package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/mes_backend/config"
	"bitbucket.org/mmdatafocus/mes_backend/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// BatchGenealogy is a directed edge from a consumed parent batch to the
// output batch it went into. Written exactly once per consumption event
// inside a confirmation, never mutated afterwards.
type BatchGenealogy struct {
	ID               int                   `gorm:"primary_key" json:"id"`
	BusinessId       string                `gorm:"size:64;index;not null" json:"business_id"`
	ParentBatchId    int                   `gorm:"not null;index:idx_genealogy_edge,unique,priority:1" json:"parent_batch_id"`
	ChildBatchId     int                   `gorm:"not null;index:idx_genealogy_edge,unique,priority:2;index" json:"child_batch_id"`
	RelationType     GenealogyRelationType `gorm:"type:enum('TRANSFORM');default:TRANSFORM" json:"relation_type"`
	QuantityConsumed decimal.Decimal       `gorm:"type:decimal(20,4);not null" json:"quantity_consumed"`
	CreatedAt        time.Time             `gorm:"autoCreateTime" json:"created_at"`
}

func (g BatchGenealogy) GetBusinessId() string {
	return g.BusinessId
}

// genealogy edges are immutable
func (g *BatchGenealogy) BeforeUpdate(tx *gorm.DB) error {
	return errors.New("immutable ledger: batch_genealogies cannot be updated")
}

func (g *BatchGenealogy) BeforeDelete(tx *gorm.DB) error {
	return errors.New("immutable ledger: batch_genealogies cannot be deleted")
}

// CreateGenealogyEdgeTx records one parent -> child consumption edge inside
// an existing transaction. The unique index on (parent, child) rejects a
// duplicate edge for the same pair.
func CreateGenealogyEdgeTx(ctx context.Context, tx *gorm.DB, businessId string, parentBatchId int, childBatchId int, quantityConsumed decimal.Decimal) (*BatchGenealogy, error) {

	if !quantityConsumed.IsPositive() {
		return nil, ErrInvalidQuantity
	}

	edge := BatchGenealogy{
		BusinessId:       businessId,
		ParentBatchId:    parentBatchId,
		ChildBatchId:     childBatchId,
		RelationType:     GenealogyRelationTransform,
		QuantityConsumed: quantityConsumed,
	}
	if err := tx.WithContext(ctx).Create(&edge).Error; err != nil {
		return nil, err
	}
	return &edge, nil
}

// GetBatchChildren returns the edges where the batch was consumed (forward
// traceability: what did this lot go into).
func GetBatchChildren(ctx context.Context, batchId int) ([]*BatchGenealogy, error) {
	return listGenealogy(ctx, "parent_batch_id = ?", batchId)
}

// GetBatchParents returns the edges that produced the batch (backward
// traceability: what went into this lot).
func GetBatchParents(ctx context.Context, batchId int) ([]*BatchGenealogy, error) {
	return listGenealogy(ctx, "child_batch_id = ?", batchId)
}

// TraceBatchOrigins walks the genealogy graph backwards from a batch and
// returns every ancestor edge. A visited set keeps malformed data (cycles)
// from looping.
func TraceBatchOrigins(ctx context.Context, batchId int) ([]*BatchGenealogy, error) {
	return traceGenealogy(ctx, batchId, false)
}

// TraceBatchDescendants walks forwards and returns every descendant edge.
func TraceBatchDescendants(ctx context.Context, batchId int) ([]*BatchGenealogy, error) {
	return traceGenealogy(ctx, batchId, true)
}

func traceGenealogy(ctx context.Context, batchId int, forward bool) ([]*BatchGenealogy, error) {

	var trace []*BatchGenealogy
	visited := map[int]bool{batchId: true}
	frontier := []int{batchId}

	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]

		var edges []*BatchGenealogy
		var err error
		if forward {
			edges, err = GetBatchChildren(ctx, current)
		} else {
			edges, err = GetBatchParents(ctx, current)
		}
		if err != nil {
			return nil, err
		}

		for _, edge := range edges {
			next := edge.ParentBatchId
			if forward {
				next = edge.ChildBatchId
			}
			trace = append(trace, edge)
			if !visited[next] {
				visited[next] = true
				frontier = append(frontier, next)
			}
		}
	}
	return trace, nil
}

func listGenealogy(ctx context.Context, condition string, values ...interface{}) ([]*BatchGenealogy, error) {
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		return nil, errors.New("business id is required")
	}

	db := config.GetDB()
	var results []*BatchGenealogy
	err := db.WithContext(ctx).
		Where("business_id = ?", businessId).
		Where(condition, values...).
		Order("id").
		Find(&results).Error
	if err != nil {
		return nil, err
	}
	return results, nil
}
