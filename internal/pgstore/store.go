// Package pgstore is the PostgreSQL interval store. Overlap is enforced by an
// exclusion constraint over daterange(check_in, check_out).
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"homestay/internal/config"
	"homestay/internal/domain"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

type Store struct {
	db     *gorm.DB
	logger *zerolog.Logger
}

var _ domain.Store = (*Store)(nil)

// Open connects, migrates the schema and installs the overlap constraint.
func Open(ctx context.Context, cfg config.PostgresConfig, logger *zerolog.Logger) (*Store, error) {
	return OpenDSN(ctx, cfg.DSN(), cfg.MaxConnections, logger)
}

func OpenDSN(ctx context.Context, dsn string, maxConns int, logger *zerolog.Logger) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql handle: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns)
	}
	sqlDB.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	l := logger.With().Str("component", "postgres").Logger()
	s.logger = &l

	if err := s.migrate(ctx); err != nil {
		sqlDB.Close()
		return nil, err
	}
	s.logger.Info().Msg("database ready")
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	db := s.db.WithContext(ctx)
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS btree_gist`).Error; err != nil {
		return fmt.Errorf("failed to enable btree_gist: %w", err)
	}
	if err := db.AutoMigrate(&listingRecord{}, &bookingRecord{}, &taskRecord{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	constraints := []string{
		`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'bookings_range_check') THEN
				ALTER TABLE bookings ADD CONSTRAINT bookings_range_check CHECK (check_in < check_out);
			END IF;
		END $$`,
		`DO $$ BEGIN
			IF NOT EXISTS (SELECT 1 FROM pg_constraint WHERE conname = 'bookings_no_overlap') THEN
				ALTER TABLE bookings ADD CONSTRAINT bookings_no_overlap EXCLUDE USING gist (
					listing_id WITH =,
					daterange(check_in, check_out, '[)') WITH &&
				) WHERE (status IN ('PENDING', 'CONFIRMED'));
			END IF;
		END $$`,
	}
	for _, q := range constraints {
		if err := db.Exec(q).Error; err != nil {
			return fmt.Errorf("failed to install constraint: %w", err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// mapWriteError turns constraint violations into domain errors.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgExclusionViolation:
			return domain.ErrDatesUnavailable
		case pgUniqueViolation:
			return domain.ErrDuplicateSession
		}
	}
	return err
}
