// Package diag defines how readers and builders report recoverable
// problems in their input.
//
// Format readers never decide on their own whether malformed data is fatal.
// They hand each problem to an ErrorListener: a nil result means "substitute
// a fallback and continue", a non-nil result aborts the operation with that
// error.
package diag

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/skdltmxn/pe-go/internal/config"
)

// ErrorListener receives recoverable errors.
type ErrorListener interface {
	Report(err error) error
}

// ListenerFunc adapts a function to an ErrorListener.
type ListenerFunc func(err error) error

// Report implements ErrorListener.
func (f ListenerFunc) Report(err error) error { return f(err) }

// StrictListener aborts on the first reported error.
type StrictListener struct{}

// Report implements ErrorListener.
func (StrictListener) Report(err error) error { return err }

// Strict is the shared strict listener.
var Strict ErrorListener = StrictListener{}

// Bag collects every reported error and lets the caller continue.
// It is safe for concurrent use.
type Bag struct {
	mu   sync.Mutex
	errs []error
}

// Report implements ErrorListener.
func (b *Bag) Report(err error) error {
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
	return nil
}

// Errors returns a copy of the collected errors.
func (b *Bag) Errors() []error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]error(nil), b.errs...)
}

// Len returns the number of collected errors.
func (b *Bag) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.errs)
}

// Err joins the collected errors, or returns nil if there are none.
func (b *Bag) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return errors.Join(b.errs...)
}

// LogListener logs each error and forwards it to Next. A nil Next behaves
// like a Bag that keeps nothing.
type LogListener struct {
	Logger *slog.Logger
	Level  slog.Level
	Next   ErrorListener
}

// NewLogListener logs to logger at warning level before delegating to next.
func NewLogListener(logger *slog.Logger, next ErrorListener) *LogListener {
	return &LogListener{Logger: logger, Level: slog.LevelWarn, Next: next}
}

// Report implements ErrorListener.
func (l *LogListener) Report(err error) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Log(context.Background(), l.Level, "malformed input", "err", err)
	if l.Next == nil {
		return nil
	}
	return l.Next.Report(err)
}

// Report sends err to l, treating a nil listener as strict.
func Report(l ErrorListener, err error) error {
	if l == nil {
		return err
	}
	return l.Report(err)
}

// Default returns the listener selected by the process configuration:
// strict when PEGO_STRICT is set, otherwise a logging listener in front of
// a fresh Bag.
func Default() ErrorListener {
	cfg := config.Load()
	if cfg.Strict {
		return Strict
	}
	return NewLogListener(cfg.Logger(), &Bag{})
}
