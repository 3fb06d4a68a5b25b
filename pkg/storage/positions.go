package storage

import (
	"errors"

	"gorm.io/gorm"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// PositionRepository stores aggregated positions. Get methods return
// (nil, nil) when no row matches.
type PositionRepository interface {
	Create(p *Position) error
	Update(p *Position) error
	GetByID(id uint) (*Position, error)
	GetOpenBySymbolSide(symbol string, side types.PositionSide) (*Position, error)
	ListOpen() ([]Position, error)
	CountOpen() (int64, error)
}

type positionRepo struct {
	db *gorm.DB
}

func (r *positionRepo) Create(p *Position) error {
	return r.db.Create(p).Error
}

func (r *positionRepo) Update(p *Position) error {
	return r.db.Save(p).Error
}

func (r *positionRepo) GetByID(id uint) (*Position, error) {
	var p Position
	err := r.db.First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *positionRepo) GetOpenBySymbolSide(symbol string, side types.PositionSide) (*Position, error) {
	var p Position
	err := r.db.Where("symbol = ? AND side = ? AND is_open = ?", symbol, side, true).First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *positionRepo) ListOpen() ([]Position, error) {
	var out []Position
	err := r.db.Where("is_open = ?", true).Order("symbol asc").Find(&out).Error
	return out, err
}

func (r *positionRepo) CountOpen() (int64, error) {
	var n int64
	err := r.db.Model(&Position{}).Where("is_open = ?", true).Count(&n).Error
	return n, err
}
