package service

import (
	"context"
	"time"

	"bitwise74/threadbond-api/internal/model"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CleanupConfig decides what counts as stale.
type CleanupConfig struct {
	Interval       time.Duration
	ResendInterval time.Duration
	RetiredWindow  time.Duration
	// Timeout bounds a single sweep, 0 disables it.
	Timeout time.Duration
}

// CleanupResult counts what a single sweep deleted.
type CleanupResult struct {
	Codes   int64
	Windows int64
	Names   int64
}

// Cleanup periodically removes verification codes that can never be used
// again, resend windows that no longer throttle anything and retired names
// whose quarantine ended.
type Cleanup struct {
	db  *gorm.DB
	cfg CleanupConfig

	// NowFunc is exposed for testing purposes.
	NowFunc func() time.Time
}

func NewCleanup(db *gorm.DB, cfg CleanupConfig) *Cleanup {
	return &Cleanup{
		db:      db,
		cfg:     cfg,
		NowFunc: time.Now,
	}
}

// Sweep runs one cleanup pass.
func (c *Cleanup) Sweep(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	now := c.NowFunc().UTC()
	db := c.db.WithContext(ctx)

	q := db.
		Where("expires_at <= ? OR consumed = ?", now, true).
		Delete(&model.VerificationCode{})
	if q.Error != nil {
		return res, storeErr(ctx, q.Error)
	}
	res.Codes = q.RowsAffected

	q = db.
		Where("last_issued_at <= ?", now.Add(-c.cfg.ResendInterval)).
		Delete(&model.ResendWindow{})
	if q.Error != nil {
		return res, storeErr(ctx, q.Error)
	}
	res.Windows = q.RowsAffected

	q = db.
		Where("retired_at <= ?", now.Add(-c.cfg.RetiredWindow)).
		Delete(&model.RetiredName{})
	if q.Error != nil {
		return res, storeErr(ctx, q.Error)
	}
	res.Names = q.RowsAffected

	return res, nil
}

// Run sweeps every Interval until ctx is cancelled.
func (c *Cleanup) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	zap.L().Debug("Cleanup attached", zap.Duration("tick_every", c.cfg.Interval))

	for {
		select {
		case <-ctx.Done():
			zap.L().Debug("Cleanup stopped")
			return
		case <-ticker.C:
			res, err := c.Sweep(ctx)
			if err != nil {
				zap.L().Error("Failed to cleanup database", zap.Error(err))
				continue
			}

			if res.Codes+res.Windows+res.Names > 0 {
				zap.L().Debug("Cleanup finished",
					zap.Int64("codes", res.Codes),
					zap.Int64("windows", res.Windows),
					zap.Int64("names", res.Names))
			}
		}
	}
}
