// Package datastore persists the facility event journal through gorm on
// SQLite or MySQL. Rows are only ever inserted.
package datastore

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/tphakala/parkctl/internal/conf"
	"github.com/tphakala/parkctl/internal/errors"
	"github.com/tphakala/parkctl/internal/logger"
)

// Driver names accepted in JournalSettings.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// slowQuery is the statement duration logged as slow.
const slowQuery = 200 * time.Millisecond

// Journal is the append-only event store.
type Journal struct {
	db     *gorm.DB
	driver string
	log    logger.Logger
}

// Open connects the configured driver and migrates the journal table.
func Open(settings conf.JournalSettings, log logger.Logger) (*Journal, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	cfg := &gorm.Config{Logger: logger.NewGormLoggerAdapter(log, slowQuery)}

	var (
		db  *gorm.DB
		err error
	)
	switch settings.Driver {
	case DriverSQLite, "":
		db, err = openSQLite(settings.Path, cfg)
	case DriverMySQL:
		db, err = openMySQL(settings.DSN, cfg, log)
	default:
		err = fmt.Errorf("unknown journal driver %q", settings.Driver)
	}
	if err != nil {
		return nil, errors.New(err).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("driver", settings.Driver).
			Build()
	}

	j := &Journal{db: db, driver: settings.Driver, log: log}
	if err := j.migrate(); err != nil {
		_ = j.Close()
		return nil, err
	}
	log.Info("journal opened", logger.String("driver", j.Driver()))
	return j, nil
}

// NewWithDB wraps an open gorm handle; used by tests and embedders.
func NewWithDB(db *gorm.DB, log logger.Logger) (*Journal, error) {
	if log == nil {
		log = logger.Global().Module("datastore")
	}
	j := &Journal{db: db, driver: db.Dialector.Name(), log: log}
	return j, j.migrate()
}

func (j *Journal) migrate() error {
	start := time.Now()
	if err := j.db.AutoMigrate(&JournalEntry{}); err != nil {
		return errors.New(fmt.Errorf("journal migration: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Build()
	}
	j.log.Debug("journal migration completed", logger.Duration("duration", time.Since(start)))
	return nil
}

// Driver is the dialect in use.
func (j *Journal) Driver() string {
	if j.driver == "" {
		return DriverSQLite
	}
	return j.driver
}

// Append inserts e, stamping a missing time.
func (j *Journal) Append(ctx context.Context, e *JournalEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if err := j.db.WithContext(ctx).Create(e).Error; err != nil {
		return errors.New(fmt.Errorf("append journal entry: %w", err)).
			Component("datastore").
			Category(errors.CategoryDatabase).
			Context("kind", e.Kind).
			Build()
	}
	return nil
}

// Recent returns the newest n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]JournalEntry, error) {
	var out []JournalEntry
	err := j.db.WithContext(ctx).Order("id DESC").Limit(n).Find(&out).Error
	if err != nil {
		return nil, j.queryError(err, "recent")
	}
	return out, nil
}

// ByKind returns up to limit entries of kind, newest first. A limit of zero
// or less returns them all.
func (j *Journal) ByKind(ctx context.Context, kind string, limit int) ([]JournalEntry, error) {
	q := j.db.WithContext(ctx).Where("kind = ?", kind).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []JournalEntry
	if err := q.Find(&out).Error; err != nil {
		return nil, j.queryError(err, "by kind")
	}
	return out, nil
}

// Revenue sums the fees journalled for exits in [from, to).
func (j *Journal) Revenue(ctx context.Context, from, to time.Time) (int64, error) {
	var cents int64
	err := j.db.WithContext(ctx).Model(&JournalEntry{}).
		Where("kind = ? AND time >= ? AND time < ?", "exit", from, to).
		Select("COALESCE(SUM(fee_cents), 0)").
		Scan(&cents).Error
	if err != nil {
		return 0, j.queryError(err, "revenue")
	}
	return cents, nil
}

// Count is the number of journalled entries.
func (j *Journal) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := j.db.WithContext(ctx).Model(&JournalEntry{}).Count(&n).Error; err != nil {
		return 0, j.queryError(err, "count")
	}
	return n, nil
}

// Close releases the connection pool.
func (j *Journal) Close() error {
	sqlDB, err := j.db.DB()
	if err != nil {
		return fmt.Errorf("journal: retrieve sql handle: %w", err)
	}
	return sqlDB.Close()
}

func (j *Journal) queryError(err error, op string) error {
	return errors.New(fmt.Errorf("journal %s: %w", op, err)).
		Component("datastore").
		Category(errors.CategoryDatabase).
		Context("operation", op).
		Build()
}
