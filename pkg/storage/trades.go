package storage

import "gorm.io/gorm"

// TradeRepository appends execution records. Trades are never updated or
// deleted.
type TradeRepository interface {
	Append(t *Trade) error
	ListByOrder(orderID string) ([]Trade, error)
	SumQuantityByOrder(orderID string) (float64, error)
	// SumRealizedPnL totals realized P&L across all trades.
	SumRealizedPnL() (float64, error)
	ListRecent(limit int) ([]Trade, error)
}

type tradeRepo struct {
	db *gorm.DB
}

func (r *tradeRepo) Append(t *Trade) error {
	return r.db.Create(t).Error
}

func (r *tradeRepo) ListByOrder(orderID string) ([]Trade, error) {
	var out []Trade
	err := r.db.Where("order_id = ?", orderID).Order("executed_at asc").Find(&out).Error
	return out, err
}

func (r *tradeRepo) SumQuantityByOrder(orderID string) (float64, error) {
	var total float64
	err := r.db.Model(&Trade{}).
		Where("order_id = ?", orderID).
		Select("COALESCE(SUM(quantity), 0)").
		Scan(&total).Error
	return total, err
}

func (r *tradeRepo) SumRealizedPnL() (float64, error) {
	var total float64
	err := r.db.Model(&Trade{}).
		Select("COALESCE(SUM(realized_pn_l), 0)").
		Scan(&total).Error
	return total, err
}

func (r *tradeRepo) ListRecent(limit int) ([]Trade, error) {
	var out []Trade
	err := r.db.Order("executed_at desc").Limit(limit).Find(&out).Error
	return out, err
}
