package storage

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// SnapshotRepository appends portfolio snapshots, one per successful tick.
type SnapshotRepository interface {
	Append(s *PortfolioSnapshot) error
	// Recent returns snapshots at or after since, ascending.
	Recent(since time.Time) ([]PortfolioSnapshot, error)
	Latest() (*PortfolioSnapshot, error)
}

type snapshotRepo struct {
	db *gorm.DB
}

func (r *snapshotRepo) Append(s *PortfolioSnapshot) error {
	if s.Timestamp.IsZero() {
		s.Timestamp = time.Now().UTC()
	}
	return r.db.Create(s).Error
}

func (r *snapshotRepo) Recent(since time.Time) ([]PortfolioSnapshot, error) {
	var out []PortfolioSnapshot
	err := r.db.Where("timestamp >= ?", since).Order("timestamp asc").Find(&out).Error
	return out, err
}

func (r *snapshotRepo) Latest() (*PortfolioSnapshot, error) {
	var s PortfolioSnapshot
	err := r.db.Order("timestamp desc").First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}
