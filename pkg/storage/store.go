package storage

import (
	"fmt"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Store bundles the repositories over one database handle.
type Store struct {
	db  *gorm.DB
	log *zap.Logger

	Positions        PositionRepository
	Orders           OrderRepository
	Trades           TradeRepository
	Strategies       StrategyRepository
	Configs          ConfigRepository
	Audits           AuditRepository
	Snapshots        SnapshotRepository
	OptimizationRuns OptimizationRunRepository
}

// Open connects to the configured database and migrates the schema.
// Supported drivers: postgres, sqlite.
func Open(driver, dsn string, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	s := newStore(db, log)
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func newStore(db *gorm.DB, log *zap.Logger) *Store {
	return &Store{
		db:               db,
		log:              log,
		Positions:        &positionRepo{db: db},
		Orders:           &orderRepo{db: db},
		Trades:           &tradeRepo{db: db},
		Strategies:       &strategyRepo{db: db},
		Configs:          &configRepo{db: db},
		Audits:           &auditRepo{db: db},
		Snapshots:        &snapshotRepo{db: db},
		OptimizationRuns: &optimizationRunRepo{db: db},
	}
}

// Migrate creates or updates the schema for every aggregate.
func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&Position{},
		&Order{},
		&Trade{},
		&StrategyRecord{},
		&ConfigEntry{},
		&AuditLog{},
		&PortfolioSnapshot{},
		&OptimizationRun{},
	)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

// NewSession returns a Store view over a fresh gorm session. The runner owns
// one for its loop lifetime; request-time callers take their own.
func (s *Store) NewSession() *Store {
	return newStore(s.db.Session(&gorm.Session{NewDB: true}), s.log)
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
