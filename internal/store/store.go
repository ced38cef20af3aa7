// Package store persists orders, trades, applications and verification
// records through GORM. The matching path never blocks on it; rows arrive
// via the event bus and direct saves, both idempotent on primary keys.
package store

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lumenex/exchange-core/pkg/models"
)

// Store wraps the database handle.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// Open connects to the database behind dsn (postgres:// URLs use the
// Postgres driver, anything else SQLite) and migrates the schema.
func Open(dsn string, logger *zap.Logger) (*Store, error) {
	var dialector gorm.Dialector
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
	}
	db, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(
		&models.Instrument{},
		&models.Order{},
		&models.Trade{},
		&models.IPOOffering{},
		&models.IPOApplication{},
		&models.PaymentVerificationRecord{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// upsert saves a row, replacing all columns when the primary key exists.
func (s *Store) upsert(ctx context.Context, value interface{}) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(value).Error
}

// SaveInstrument persists an instrument definition.
func (s *Store) SaveInstrument(ctx context.Context, inst *models.Instrument) error {
	return s.upsert(ctx, inst)
}

// SaveOrder persists the current state of an order.
func (s *Store) SaveOrder(ctx context.Context, o *models.Order) error {
	return s.upsert(ctx, o)
}

// SaveTrade persists a trade record.
func (s *Store) SaveTrade(ctx context.Context, t *models.Trade) error {
	return s.upsert(ctx, t)
}

// SaveOffering persists an offering's current state.
func (s *Store) SaveOffering(ctx context.Context, o *models.IPOOffering) error {
	return s.upsert(ctx, o)
}

// SaveApplication persists an application's current state.
func (s *Store) SaveApplication(ctx context.Context, a *models.IPOApplication) error {
	return s.upsert(ctx, a)
}

// SaveVerification persists a payment verification record. Records are
// write-once; the primary key conflict path only re-applies identical data
// on event redelivery.
func (s *Store) SaveVerification(ctx context.Context, r *models.PaymentVerificationRecord) error {
	return s.upsert(ctx, r)
}

// Order loads one order by id.
func (s *Store) Order(ctx context.Context, id string) (*models.Order, error) {
	var o models.Order
	if err := s.db.WithContext(ctx).First(&o, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &o, nil
}

// TradesFor loads all trades for an instrument, oldest first.
func (s *Store) TradesFor(ctx context.Context, instrument string) ([]models.Trade, error) {
	var trades []models.Trade
	err := s.db.WithContext(ctx).
		Where("instrument = ?", instrument).
		Order("executed_at asc").
		Find(&trades).Error
	return trades, err
}

// ApplicationsFor loads all applications for an offering in arrival order.
func (s *Store) ApplicationsFor(ctx context.Context, offeringID string) ([]models.IPOApplication, error) {
	var apps []models.IPOApplication
	err := s.db.WithContext(ctx).
		Where("offering_id = ?", offeringID).
		Order("sequence asc").
		Find(&apps).Error
	return apps, err
}

// Verification loads one verification record by signature.
func (s *Store) Verification(ctx context.Context, signature string) (*models.PaymentVerificationRecord, error) {
	var r models.PaymentVerificationRecord
	if err := s.db.WithContext(ctx).First(&r, "tx_signature = ?", signature).Error; err != nil {
		return nil, err
	}
	return &r, nil
}
