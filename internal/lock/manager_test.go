package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/jvb/internal/lock"
	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/model"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newManager(t *testing.T) (*lock.Manager, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := lock.NewManager(afero.NewMemMapFs(), model.LockPolicy{LeaseTTL: time.Minute})
	m.SetClock(c.now)
	return m, c
}

func TestManager_Acquire(t *testing.T) {
	m, c := newManager(t)

	rec, err := m.Acquire("backup")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.Equal(t, "backup", rec.Purpose)
	assert.Equal(t, c.t.Add(time.Minute), rec.ExpiresAt)

	state, held, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, lock.StateHeld, state)
	assert.Equal(t, rec.HolderNonce, held.HolderNonce)
}

func TestManager_Acquire_Conflict(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Acquire("first")
	require.NoError(t, err)

	_, err = m.Acquire("second")
	assert.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestManager_Renew(t *testing.T) {
	m, c := newManager(t)
	rec, err := m.Acquire("gc")
	require.NoError(t, err)

	c.advance(30 * time.Second)
	renewed, err := m.Renew(rec.HolderNonce)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(rec.ExpiresAt))
}

func TestManager_Renew_Expired(t *testing.T) {
	m, c := newManager(t)
	rec, err := m.Acquire("gc")
	require.NoError(t, err)

	c.advance(2 * time.Minute)
	_, err = m.Renew(rec.HolderNonce)
	assert.ErrorIs(t, err, errclass.ErrLockExpired)
}

func TestManager_Renew_WrongNonce(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Acquire("gc")
	require.NoError(t, err)

	_, err = m.Renew("not-mine")
	assert.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Steal(t *testing.T) {
	m, c := newManager(t)
	old, err := m.Acquire("backup")
	require.NoError(t, err)

	_, err = m.Steal("gc")
	assert.ErrorIs(t, err, errclass.ErrLockConflict, "live lease cannot be stolen")

	c.advance(2 * time.Minute)
	state, _, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, lock.StateExpired, state)

	rec, err := m.Steal("gc")
	require.NoError(t, err)
	assert.NotEqual(t, old.HolderNonce, rec.HolderNonce)

	assert.ErrorIs(t, m.Release(old.HolderNonce), errclass.ErrLockNotHeld)
	require.NoError(t, m.Release(rec.HolderNonce))
}

func TestManager_ReleaseThenAcquire(t *testing.T) {
	m, _ := newManager(t)
	rec, err := m.Acquire("sync")
	require.NoError(t, err)
	require.NoError(t, m.Release(rec.HolderNonce))
	require.NoError(t, m.Release(rec.HolderNonce), "second release is a no-op")

	state, _, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, lock.StateFree, state)

	_, err = m.Acquire("sync")
	assert.NoError(t, err)
}

func TestManager_HoldStealsExpired(t *testing.T) {
	m, c := newManager(t)
	_, err := m.Acquire("crashed")
	require.NoError(t, err)
	c.advance(5 * time.Minute)

	lease, err := m.Hold(context.Background(), "backup")
	require.NoError(t, err)
	assert.Equal(t, "backup", lease.Record.Purpose)
	assert.NoError(t, lease.Err())
	require.NoError(t, lease.Release())

	state, _, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, lock.StateFree, state)
}

func TestManager_HoldConflict(t *testing.T) {
	m, _ := newManager(t)
	_, err := m.Acquire("backup")
	require.NoError(t, err)

	_, err = m.Hold(context.Background(), "gc")
	assert.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestLease_CheckAfterSteal(t *testing.T) {
	m, c := newManager(t)
	lease, err := m.Hold(context.Background(), "backup")
	require.NoError(t, err)
	require.NoError(t, lease.Check())

	c.advance(5 * time.Minute)
	thief, err := m.Steal("gc")
	require.NoError(t, err)

	err = lease.Check()
	assert.ErrorIs(t, err, errclass.ErrLockNotHeld)
	assert.ErrorIs(t, lease.Err(), errclass.ErrLockNotHeld)

	ctx := lease.Context()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("lease context still live after the lease was lost")
	}
	assert.ErrorIs(t, context.Cause(ctx), errclass.ErrLockNotHeld)

	require.NoError(t, lease.Release())
	state, rec, err := m.Status()
	require.NoError(t, err)
	assert.Equal(t, lock.StateHeld, state)
	assert.Equal(t, thief.HolderNonce, rec.HolderNonce, "a lost lease must not release the new holder")
}

func TestLease_ReleaseCancelsContext(t *testing.T) {
	m, _ := newManager(t)
	lease, err := m.Hold(context.Background(), "verify")
	require.NoError(t, err)
	require.NoError(t, lease.Release())
	assert.ErrorIs(t, lease.Context().Err(), context.Canceled)
}
