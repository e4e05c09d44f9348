package service

import (
	"context"
	"testing"
	"time"

	"bitwise74/threadbond-api/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanup_Sweep(t *testing.T) {
	db := newTestDB(t)
	c := newClock()
	now := c.Now()
	consumedAt := now.Add(-time.Minute)

	require.NoError(t, db.Create([]model.VerificationCode{
		{Email: "live@example.com", Code: "111111", CreatedAt: now, ExpiresAt: now.Add(time.Minute)},
		{Email: "expired@example.com", Code: "222222", CreatedAt: now, ExpiresAt: now.Add(-time.Second)},
		{Email: "used@example.com", Code: "333333", CreatedAt: now, ExpiresAt: now.Add(time.Minute), Consumed: true, ConsumedAt: &consumedAt},
	}).Error)

	require.NoError(t, db.Create([]model.ResendWindow{
		{Email: "fresh@example.com", LastIssuedAt: now.Add(-10 * time.Second)},
		{Email: "stale@example.com", LastIssuedAt: now.Add(-2 * time.Minute)},
	}).Error)

	require.NoError(t, db.Create([]model.RetiredName{
		{DisplayName: "Recent0001", RetiredAt: now.Add(-time.Hour)},
		{DisplayName: "Ancient0002", RetiredAt: now.Add(-48 * time.Hour)},
	}).Error)

	cleanup := NewCleanup(db, CleanupConfig{
		Interval:       time.Hour,
		ResendInterval: time.Minute,
		RetiredWindow:  24 * time.Hour,
	})
	cleanup.NowFunc = c.Now

	res, err := cleanup.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{Codes: 2, Windows: 1, Names: 1}, res)

	var codes []model.VerificationCode
	require.NoError(t, db.Find(&codes).Error)
	require.Len(t, codes, 1)
	assert.Equal(t, "live@example.com", codes[0].Email)

	var windows []model.ResendWindow
	require.NoError(t, db.Find(&windows).Error)
	require.Len(t, windows, 1)
	assert.Equal(t, "fresh@example.com", windows[0].Email)

	var retired []model.RetiredName
	require.NoError(t, db.Find(&retired).Error)
	require.Len(t, retired, 1)
	assert.Equal(t, "Recent0001", retired[0].DisplayName)
}

func TestCleanup_RunStops(t *testing.T) {
	cleanup := NewCleanup(newTestDB(t), CleanupConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		cleanup.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cleanup did not stop")
	}
}

func TestCleanup_SweepTimeout(t *testing.T) {
	db := newTestDB(t)

	cleanup := NewCleanup(db, CleanupConfig{
		Interval:       time.Hour,
		ResendInterval: time.Minute,
		RetiredWindow:  time.Hour,
		Timeout:        50 * time.Millisecond,
	})

	stallTable(t, db, "verification_codes", 2*time.Second)

	_, err := cleanup.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrStoreTimeout)
}
