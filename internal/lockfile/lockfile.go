// Package lockfile keeps a second audio-router process from opening the
// same devices and overwriting the settings of the first.
package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// ErrHeld is returned by Acquire when another process holds the lock.
var ErrHeld = errors.New("lock held by another instance")

// Lock is an acquired instance lock. It is released on Close or when the
// process exits.
type Lock struct {
	f *lockedfile.File
}

// Close releases the lock.
func (l *Lock) Close() error {
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}

// Path returns the lock file location next to the settings file.
func Path(settingsPath string) string {
	return filepath.Join(filepath.Dir(settingsPath), "audio-router.lock")
}

// Acquire takes the lock at path, waiting until ctx is done.
func Acquire(ctx context.Context, path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	cf := make(chan *lockedfile.File)
	cerr := make(chan error)
	go func() {
		f, err := lockedfile.Create(path)
		if err != nil {
			cerr <- err
		} else {
			cf <- f
		}
	}()

	select {
	case f := <-cf:
		// Identify the holder for whoever finds the file.
		fmt.Fprintf(f, "PID=%d\n", os.Getpid())
		return &Lock{f: f}, nil

	case err := <-cerr:
		return nil, err

	case <-ctx.Done():
		// The lock may still be granted later; release it if so.
		go func() {
			select {
			case <-cerr:
			case f := <-cf:
				f.Close()
			}
		}()
		return nil, fmt.Errorf("%w: %w", ErrHeld, ctx.Err())
	}
}
