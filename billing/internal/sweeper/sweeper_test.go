package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mcpluginbuilder/mcplugin/billing/internal/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRunOncePurgesExpiredRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	claimed, err := s.ClaimMutationLock(ctx, &store.MutationLock{
		Scope: "checkout", UserID: "u1", ClientKey: "old", Owner: "o1", State: store.LockInFlight,
		ExpiresAt: t0.Add(-time.Minute), CreatedAt: t0.Add(-6 * time.Minute),
	}, t0.Add(-6*time.Minute))
	require.NoError(t, err)
	require.True(t, claimed)
	claimed, err = s.ClaimMutationLock(ctx, &store.MutationLock{
		Scope: "checkout", UserID: "u1", ClientKey: "live", Owner: "o2", State: store.LockInFlight,
		ExpiresAt: t0.Add(time.Minute), CreatedAt: t0,
	}, t0)
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.InsertHandoffCode(ctx, &store.HandoffCode{
		CodeHash: "expired", UserID: "u1", Ciphertext: []byte{1}, Nonce: []byte{2},
		ExpiresAt: t0.Add(-time.Second), CreatedAt: t0.Add(-2 * time.Minute),
	}))
	require.NoError(t, s.InsertHandoffCode(ctx, &store.HandoffCode{
		CodeHash: "fresh", UserID: "u1", Ciphertext: []byte{1}, Nonce: []byte{2},
		ExpiresAt: t0.Add(time.Minute), CreatedAt: t0,
	}))

	old := t0.Add(-31 * 24 * time.Hour)
	for _, ev := range []struct {
		id string
		at time.Time
		to store.EventStatus
	}{
		{"evt_old", old, store.EventProcessed},
		{"evt_new", t0.Add(-time.Hour), store.EventProcessed},
		{"evt_failed", old, store.EventFailed},
	} {
		_, err := s.InsertWebhookEvent(ctx, &store.WebhookEvent{
			EventID: ev.id, EventType: "invoice.paid", Status: store.EventPending,
			Version: 1, Attempts: 1, CreatedAt: ev.at, UpdatedAt: ev.at,
		})
		require.NoError(t, err)
		ok, err := s.TransitionWebhookEvent(ctx, store.EventTransition{
			EventID: ev.id, From: store.EventPending, To: ev.to, Version: 1, At: ev.at,
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	sw := New(s, WithClock(func() time.Time { return t0 }), WithRetention(30*24*time.Hour))
	res, err := sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Locks: 1, Handoffs: 1, Events: 1}, res)

	live, err := s.GetMutationLock(ctx, "checkout", "u1", "live")
	require.NoError(t, err)
	assert.NotNil(t, live)

	for id, kept := range map[string]bool{"evt_old": false, "evt_new": true, "evt_failed": true} {
		ev, err := s.GetWebhookEvent(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, kept, ev != nil, id)
	}

	res, err = sw.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

// countingStore counts passes and can fail one table.
type countingStore struct {
	passes  atomic.Int64
	lockErr error
}

func (c *countingStore) DeleteExpiredMutationLocks(context.Context, time.Time) (int64, error) {
	c.passes.Add(1)
	return 0, c.lockErr
}

func (c *countingStore) DeleteExpiredHandoffCodes(context.Context, time.Time) (int64, error) {
	return 2, nil
}

func (c *countingStore) DeleteProcessedWebhookEvents(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func TestRunOnceContinuesAfterError(t *testing.T) {
	boom := errors.New("boom")
	sw := New(&countingStore{lockErr: boom})

	res, err := sw.RunOnce(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(2), res.Handoffs, "later tables still swept")
}

func TestStartStopLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	st := &countingStore{}
	sw := New(st, WithInterval(5*time.Millisecond))
	sw.Start(context.Background())
	sw.Start(context.Background()) // no second loop

	require.Eventually(t, func() bool { return st.passes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	sw.Stop()
	sw.Stop()

	after := st.passes.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, st.passes.Load(), "no passes after Stop")
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- New(&countingStore{}, WithInterval(time.Millisecond)).Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
