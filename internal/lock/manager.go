// Package lock implements the repository lease lock. Every mutating
// operation holds it, so backups, GC and sync never overlap.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/jvs-project/jvb/pkg/errclass"
	"github.com/jvs-project/jvb/pkg/fsutil"
	"github.com/jvs-project/jvb/pkg/logging"
	"github.com/jvs-project/jvb/pkg/model"
)

// Path is the lock file location relative to the repository.
var Path = filepath.Join("locks", "repo.lock")

// State describes the lock file as seen by Status.
type State string

const (
	StateFree    State = "free"
	StateHeld    State = "held"
	StateExpired State = "expired"
)

// Manager handles lease lock operations.
type Manager struct {
	fs     afero.Fs
	policy model.LockPolicy
	mu     sync.Mutex
	now    func() time.Time
}

// NewManager creates a lock manager over a repository filesystem.
func NewManager(fs afero.Fs, policy model.LockPolicy) *Manager {
	if policy.LeaseTTL <= 0 {
		policy = model.DefaultLockPolicy()
	}
	return &Manager{fs: fs, policy: policy, now: time.Now}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acquire takes the lock if nobody holds it. An expired lock is reported
// as a conflict; use Steal to take it over.
func (m *Manager) Acquire(purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquireLocked(purpose)
}

func (m *Manager) acquireLocked(purpose string) (*model.LockRecord, error) {
	if err := m.fs.MkdirAll(filepath.Dir(Path), 0o755); err != nil {
		return nil, errclass.ErrStorageIO.Wrap(err, "create lock dir")
	}

	file, err := m.fs.OpenFile(Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !errors.Is(err, os.ErrExist) {
			return nil, errclass.ErrStorageIO.Wrap(err, "create lock")
		}
		rec, readErr := m.read()
		if readErr != nil {
			return nil, fmt.Errorf("read existing lock: %w", readErr)
		}
		if rec.IsExpired(m.now()) {
			return nil, errclass.ErrLockConflict.WithMessagef("lock held by pid %d expired at %s, use steal",
				rec.PID, rec.ExpiresAt.Format(time.RFC3339))
		}
		return nil, errclass.ErrLockConflict.WithMessagef("repository locked by %s (pid %d, %s) until %s",
			rec.Hostname, rec.PID, rec.Purpose, rec.ExpiresAt.Format(time.RFC3339))
	}
	defer file.Close()

	rec := m.newRecord(purpose)
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		m.fs.Remove(Path)
		return nil, fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		m.fs.Remove(Path)
		return nil, errclass.ErrStorageIO.Wrap(err, "write lock")
	}
	if err := file.Sync(); err != nil {
		m.fs.Remove(Path)
		return nil, errclass.ErrStorageIO.Wrap(err, "sync lock")
	}
	return rec, nil
}

func (m *Manager) newRecord(purpose string) *model.LockRecord {
	now := m.now().UTC()
	host, _ := os.Hostname()
	return &model.LockRecord{
		HolderNonce: uuid.NewString(),
		Hostname:    host,
		PID:         os.Getpid(),
		AcquiredAt:  now,
		ExpiresAt:   now.Add(m.policy.LeaseTTL),
		Purpose:     purpose,
	}
}

// Renew extends the lease held under holderNonce.
func (m *Manager) Renew(holderNonce string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}
	if rec.IsExpired(m.now()) {
		return nil, errclass.ErrLockExpired.WithMessage("lease expired before renewal")
	}

	rec.ExpiresAt = m.now().UTC().Add(m.policy.LeaseTTL)
	if err := m.write(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Steal takes over a lock whose lease has expired. With no lock present it
// behaves like Acquire.
func (m *Manager) Steal(purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return m.acquireLocked(purpose)
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if !old.IsExpired(m.now()) {
		return nil, errclass.ErrLockConflict.WithMessage("lock not expired yet")
	}

	rec := m.newRecord(purpose)
	if err := m.write(rec); err != nil {
		return nil, err
	}
	logging.Warn("stole expired repository lock", map[string]any{
		"previous_holder": old.Hostname,
		"previous_pid":    old.PID,
		"expired_at":      old.ExpiresAt.Format(time.RFC3339),
	})
	return rec, nil
}

// Release frees the lock. Releasing an absent lock is a no-op.
func (m *Manager) Release(holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	if err := m.fs.Remove(Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errclass.ErrStorageIO.Wrap(err, "remove lock")
	}
	return nil
}

// Status returns the current lock state and record.
func (m *Manager) Status() (State, *model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StateFree, nil, nil
		}
		return StateFree, nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.IsExpired(m.now()) {
		return StateExpired, rec, nil
	}
	return StateHeld, rec, nil
}

func (m *Manager) read() (*model.LockRecord, error) {
	data, err := afero.ReadFile(m.fs, Path)
	if err != nil {
		return nil, err
	}
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func (m *Manager) write(rec *model.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if err := fsutil.AtomicWrite(m.fs, Path, data, 0o644); err != nil {
		return errclass.ErrStorageIO.Wrap(err, "update lock")
	}
	return nil
}

// Lease is a held lock kept alive by a background renewer.
type Lease struct {
	Record *model.LockRecord

	m      *Manager
	ctx    context.Context
	cancel context.CancelCauseFunc
	stop   context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	err    error
}

// Hold acquires the lock, stealing it if the previous lease expired, and
// renews it every third of the lease TTL until Release. Work done under the
// lease must use Context, which is cancelled with the renewal error once
// the lease is lost.
func (m *Manager) Hold(ctx context.Context, purpose string) (*Lease, error) {
	rec, err := m.Acquire(purpose)
	if errors.Is(err, errclass.ErrLockConflict) {
		if state, _, serr := m.Status(); serr == nil && state == StateExpired {
			rec, err = m.Steal(purpose)
		}
	}
	if err != nil {
		return nil, err
	}

	leaseCtx, cancel := context.WithCancelCause(ctx)
	renewCtx, stop := context.WithCancel(leaseCtx)
	l := &Lease{Record: rec, m: m, ctx: leaseCtx, cancel: cancel, stop: stop, done: make(chan struct{})}
	go l.renew(renewCtx, m.policy.LeaseTTL/3)
	return l, nil
}

func (l *Lease) renew(ctx context.Context, every time.Duration) {
	defer close(l.done)
	if every <= 0 {
		every = time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.m.Renew(l.Record.HolderNonce); err != nil {
				l.fail(err)
				logging.ErrorErr("lock renewal failed", err)
				return
			}
		}
	}
}

func (l *Lease) fail(err error) {
	l.mu.Lock()
	if l.err == nil {
		l.err = err
	}
	l.mu.Unlock()
	l.cancel(err)
}

// Context is done once the lease is lost or released. Its cause is the
// renewal error.
func (l *Lease) Context() context.Context {
	return l.ctx
}

// Check renews the lease once and reports whether it is still held. Call
// it right before a step that must not run after the lease was lost.
func (l *Lease) Check() error {
	if err := l.Err(); err != nil {
		return err
	}
	if _, err := l.m.Renew(l.Record.HolderNonce); err != nil {
		l.fail(err)
		return err
	}
	return nil
}

// Err returns the renewal failure, if any. A lease that failed to renew may
// have been stolen.
func (l *Lease) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Release stops renewal and frees the lock. A lost lease is not released,
// since another process may hold the lock now.
func (l *Lease) Release() error {
	l.stop()
	<-l.done
	l.cancel(nil)
	if l.Err() != nil {
		return nil
	}
	return l.m.Release(l.Record.HolderNonce)
}
