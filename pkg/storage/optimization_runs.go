package storage

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// OptimizationRunRepository upserts optimizer run history keyed by run_id.
type OptimizationRunRepository interface {
	Upsert(r *OptimizationRun) error
	GetByRunID(runID string) (*OptimizationRun, error)
	ListRecent(strategyID string, limit int) ([]OptimizationRun, error)
	// Prune deletes all but the newest keep runs for a strategy and returns
	// the number removed.
	Prune(strategyID string, keep int) (int64, error)
	Delete(runID string) error
}

type optimizationRunRepo struct {
	db *gorm.DB
}

func (r *optimizationRunRepo) Upsert(run *OptimizationRun) error {
	return r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "run_id"}},
		UpdateAll: true,
	}).Create(run).Error
}

func (r *optimizationRunRepo) GetByRunID(runID string) (*OptimizationRun, error) {
	var run OptimizationRun
	err := r.db.Where("run_id = ?", runID).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *optimizationRunRepo) ListRecent(strategyID string, limit int) ([]OptimizationRun, error) {
	var out []OptimizationRun
	err := r.db.Where("strategy_id = ?", strategyID).
		Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}

func (r *optimizationRunRepo) Prune(strategyID string, keep int) (int64, error) {
	var keepIDs []string
	err := r.db.Model(&OptimizationRun{}).
		Where("strategy_id = ?", strategyID).
		Order("created_at desc").Limit(keep).
		Pluck("run_id", &keepIDs).Error
	if err != nil {
		return 0, err
	}

	query := r.db.Where("strategy_id = ?", strategyID)
	if len(keepIDs) > 0 {
		query = query.Where("run_id NOT IN ?", keepIDs)
	}
	res := query.Delete(&OptimizationRun{})
	return res.RowsAffected, res.Error
}

func (r *optimizationRunRepo) Delete(runID string) error {
	return r.db.Where("run_id = ?", runID).Delete(&OptimizationRun{}).Error
}
