package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"bitwise74/threadbond-api/internal/metrics"
	"bitwise74/threadbond-api/internal/model"
	"bitwise74/threadbond-api/pkg/security"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbCounter atomic.Int64

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:service_test_%d?mode=memory&cache=shared", dbCounter.Add(1))

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Discard,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(
		&model.User{},
		&model.AnonymousIdentity{},
		&model.RetiredName{},
		&model.VerificationCode{},
		&model.ResendWindow{},
	)
	require.NoError(t, err)

	return db
}

// clock is a manually advanced time source.
type clock struct {
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func cheapHasher() *security.ArgonHash {
	return &security.ArgonHash{
		Memory:      1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	}
}

// countingHasher records how often a comparison ran.
type countingHasher struct {
	security.PasswordHasher
	verifies atomic.Int64
}

func (h *countingHasher) VerifyPasswd(p, encoded string) (bool, error) {
	h.verifies.Add(1)
	return h.PasswordHasher.VerifyPasswd(p, encoded)
}

// stubMailer collects delivered codes.
type stubMailer struct {
	sent chan string
	err  error
}

func newStubMailer() *stubMailer {
	return &stubMailer{sent: make(chan string, 64)}
}

func (m *stubMailer) SendVerificationCode(_ context.Context, to, code string, _ time.Time) error {
	if m.err != nil {
		return m.err
	}

	m.sent <- to + ":" + code
	return nil
}

var codeCfg = CodeStoreConfig{
	TTL:            10 * time.Minute,
	ResendInterval: time.Minute,
	Timeout:        5 * time.Second,
}

func newTestMetrics() *metrics.Metrics {
	return metrics.New()
}

// stallTable makes queries against table wait for d or until their context
// is done, whichever comes first.
func stallTable(t *testing.T, db *gorm.DB, table string, d time.Duration) {
	t.Helper()

	stall := func(tx *gorm.DB) {
		if tx.Statement.Table != table {
			return
		}

		select {
		case <-tx.Statement.Context.Done():
			tx.AddError(tx.Statement.Context.Err())
		case <-time.After(d):
		}
	}

	name := "test:stall_" + table
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register(name, stall))
	require.NoError(t, db.Callback().Delete().Before("gorm:delete").Register(name, stall))
}
