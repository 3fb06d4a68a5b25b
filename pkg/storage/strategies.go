package storage

import (
	"errors"

	"gorm.io/gorm"
)

// StrategyRepository stores strategy registrations.
type StrategyRepository interface {
	Create(s *StrategyRecord) error
	Update(s *StrategyRecord) error
	GetByID(id string) (*StrategyRecord, error)
	GetByName(name string) (*StrategyRecord, error)
	ListActive() ([]StrategyRecord, error)
	List() ([]StrategyRecord, error)
}

type strategyRepo struct {
	db *gorm.DB
}

func (r *strategyRepo) Create(s *StrategyRecord) error {
	return r.db.Create(s).Error
}

func (r *strategyRepo) Update(s *StrategyRecord) error {
	return r.db.Save(s).Error
}

func (r *strategyRepo) GetByID(id string) (*StrategyRecord, error) {
	var s StrategyRecord
	err := r.db.Where("id = ?", id).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *strategyRepo) GetByName(name string) (*StrategyRecord, error) {
	var s StrategyRecord
	err := r.db.Where("name = ?", name).First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *strategyRepo) ListActive() ([]StrategyRecord, error) {
	var out []StrategyRecord
	err := r.db.Where("is_enabled = ? AND is_active = ?", true, true).Order("name asc").Find(&out).Error
	return out, err
}

func (r *strategyRepo) List() ([]StrategyRecord, error) {
	var out []StrategyRecord
	err := r.db.Order("name asc").Find(&out).Error
	return out, err
}
