// Package lock provides named advisory file locks with a bounded wait.
//
// Each acquisition opens its own descriptor, so locks exclude both other
// processes and other goroutines of the same process.
package lock

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/hpungsan/taskmem/internal/errors"
)

const retryDelay = 10 * time.Millisecond

// Locker hands out locks backed by files under dir.
type Locker struct {
	dir     string
	timeout time.Duration
}

// New returns a Locker. A non-positive timeout means a single attempt.
func New(dir string, timeout time.Duration) *Locker {
	return &Locker{dir: dir, timeout: timeout}
}

// Path returns the lock file used for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.dir, name+".lock")
}

// Lock acquires the named lock, waiting at most the configured timeout.
// It returns BUSY when the wait expires. The returned func releases the lock.
func (l *Locker) Lock(ctx context.Context, name string) (func(), error) {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return nil, errors.NewIOFailure("create lock dir", err)
	}

	fl := flock.New(l.Path(name))

	var (
		ok  bool
		err error
	)
	if l.timeout <= 0 {
		ok, err = fl.TryLock()
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, l.timeout)
		ok, err = fl.TryLockContext(waitCtx, retryDelay)
		cancel()
	}

	if err != nil && !stderrors.Is(err, context.DeadlineExceeded) {
		if ctx.Err() != nil {
			return nil, errors.NewInternal(fmt.Errorf("lock %s: %w", name, ctx.Err()))
		}
		return nil, errors.NewIOFailure("lock "+name, err)
	}
	if !ok {
		if ctx.Err() != nil {
			return nil, errors.NewInternal(fmt.Errorf("lock %s: %w", name, ctx.Err()))
		}
		return nil, errors.NewBusy(name)
	}

	return func() { _ = fl.Unlock() }, nil
}
