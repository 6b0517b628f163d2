package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
)

// FileManager holds an exclusive advisory lock on a file so that only one daemon per host
// manages the keep-awake process. The lock is released by the OS if the holder dies.
type FileManager struct {
	path string
}

// NewFileManager constructs a manager locking the file at path.
func NewFileManager(path string) (*FileManager, error) {
	cleaned := strings.TrimSpace(path)
	if cleaned == "" {
		return nil, errors.New("lock file path must not be empty")
	}
	return &FileManager{path: filepath.Clean(cleaned)}, nil
}

// Path returns the lock file location.
func (m *FileManager) Path() string {
	return m.path
}

// Acquire takes the lock without blocking. ErrNotAcquired is returned when another
// process holds it.
func (m *FileManager) Acquire(ctx context.Context) (Lease, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	f, err := os.OpenFile(m.path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f); err != nil {
		f.Close()
		if errors.Is(err, ErrNotAcquired) {
			return nil, fmt.Errorf("%w: %s held by %s", ErrNotAcquired, m.path, readHolder(m.path))
		}
		return nil, err
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &fileLease{file: f}, nil
}

func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown process"
	}
	pid := strings.TrimSpace(string(data))
	if pid == "" {
		return "unknown process"
	}
	return "pid " + pid
}

type fileLease struct {
	mu   sync.Mutex
	file *os.File
}

// Release unlocks and closes the file. Releasing twice is a no-op.
func (l *fileLease) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	_ = f.Truncate(0)
	unlockErr := unlock(f)
	closeErr := f.Close()
	return errors.Join(unlockErr, closeErr)
}

var _ Manager = (*FileManager)(nil)
var _ Lease = (*fileLease)(nil)
