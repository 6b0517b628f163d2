package lock

import (
	"context"
	"errors"
	"strings"
)

// Disabled is the lock path that turns the single-instance guard off.
const Disabled = "none"

var (
	// ErrNotAcquired indicates that the lock is currently held by someone else.
	ErrNotAcquired = errors.New("lock: not acquired")
	// ErrUnsupported indicates that file locking is not available on this platform.
	ErrUnsupported = errors.New("lock: unsupported platform")
)

// Manager guards a resource that only one holder may own at a time.
type Manager interface {
	Acquire(ctx context.Context) (Lease, error)
}

// Lease represents a held lock that can be released.
type Lease interface {
	Release(ctx context.Context) error
}

// NewManager returns a FileManager for path, or a NoopManager when path is Disabled.
func NewManager(path string) (Manager, error) {
	if strings.EqualFold(strings.TrimSpace(path), Disabled) {
		return NewNoopManager(), nil
	}
	return NewFileManager(path)
}

// AcquireOrFallback acquires m. When the platform cannot lock files it hands out a
// NoopManager lease instead and reports guarded=false, so callers release the lease
// the same way everywhere.
func AcquireOrFallback(ctx context.Context, m Manager) (lease Lease, guarded bool, err error) {
	if m == nil {
		return nil, false, errors.New("lock manager must not be nil")
	}
	if _, noop := m.(*NoopManager); noop {
		lease, err = m.Acquire(ctx)
		return lease, false, err
	}
	lease, err = m.Acquire(ctx)
	if errors.Is(err, ErrUnsupported) {
		lease, err = NewNoopManager().Acquire(ctx)
		return lease, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// NoopManager hands out leases without coordinating with anyone. It stands in for the
// file lock when the guard is disabled or unsupported.
type NoopManager struct{}

// NewNoopManager constructs a manager that always succeeds in acquiring the lock.
func NewNoopManager() *NoopManager {
	return &NoopManager{}
}

// Acquire implements Manager for NoopManager.
func (m *NoopManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	return noopLease{}, nil
}

type noopLease struct{}

func (noopLease) Release(ctx context.Context) error { return nil }

var _ Manager = (*NoopManager)(nil)
var _ Lease = (*noopLease)(nil)
