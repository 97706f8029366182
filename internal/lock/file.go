package lock

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// FileLocker holds an advisory flock on a file inside the shared volume.
type FileLocker struct {
	path       string
	retryDelay time.Duration
}

func NewFile(path string, retryDelay time.Duration) *FileLocker {
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	return &FileLocker{path: path, retryDelay: retryDelay}
}

func (l *FileLocker) Acquire(ctx context.Context) (Lease, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	fl := flock.New(l.path)
	locked, err := fl.TryLockContext(ctx, l.retryDelay)
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", l.path, err)
	}
	if !locked {
		return nil, fmt.Errorf("lock %s: %w", l.path, context.DeadlineExceeded)
	}
	return &fileLease{fl: fl}, nil
}

type fileLease struct {
	once sync.Once
	fl   *flock.Flock
	err  error
}

// Lost is nil: the flock lives as long as the process holds the descriptor.
func (l *fileLease) Lost() <-chan struct{} { return nil }

// Release unlocks but leaves the file in place; removing it would let a
// waiter lock an unlinked inode.
func (l *fileLease) Release(context.Context) error {
	l.once.Do(func() {
		l.err = l.fl.Unlock()
	})
	return l.err
}
