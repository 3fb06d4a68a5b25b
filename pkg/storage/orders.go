package storage

import (
	"errors"

	"gorm.io/gorm"

	"github.com/quantfoundry/tradeengine/pkg/types"
)

// OrderRepository stores order rows. The working set (pending, open,
// partially_filled) is exactly the reconciliation set.
type OrderRepository interface {
	Create(o *Order) error
	Update(o *Order) error
	GetByID(id string) (*Order, error)
	GetByExternalID(externalID string) (*Order, error)
	ListWorking() ([]Order, error)
	ListByStatus(status types.OrderStatus) ([]Order, error)
	ListRecent(limit int) ([]Order, error)
}

type orderRepo struct {
	db *gorm.DB
}

func (r *orderRepo) Create(o *Order) error {
	return r.db.Create(o).Error
}

func (r *orderRepo) Update(o *Order) error {
	return r.db.Save(o).Error
}

func (r *orderRepo) GetByID(id string) (*Order, error) {
	var o Order
	err := r.db.Where("id = ?", id).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepo) GetByExternalID(externalID string) (*Order, error) {
	var o Order
	err := r.db.Where("external_id = ?", externalID).First(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (r *orderRepo) ListWorking() ([]Order, error) {
	var out []Order
	statuses := []types.OrderStatus{
		types.OrderStatusPending,
		types.OrderStatusOpen,
		types.OrderStatusPartiallyFilled,
	}
	err := r.db.Where("status IN ?", statuses).Order("created_at asc").Find(&out).Error
	return out, err
}

func (r *orderRepo) ListByStatus(status types.OrderStatus) ([]Order, error) {
	var out []Order
	err := r.db.Where("status = ?", status).Order("created_at asc").Find(&out).Error
	return out, err
}

func (r *orderRepo) ListRecent(limit int) ([]Order, error) {
	var out []Order
	err := r.db.Order("created_at desc").Limit(limit).Find(&out).Error
	return out, err
}
