// Package cancel provides the cooperative cancellation token threaded through
// a loop run, the LLM client call, and every tool execution. A Token is written
// once (the first Trigger wins) and may be observed by any number of goroutines.
package cancel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Reason explains why a token was triggered.
type Reason string

const (
	// ReasonUserRequested indicates the user asked to stop the run.
	ReasonUserRequested Reason = "user_requested"
	// ReasonTimeout indicates a deadline owned by the caller expired.
	ReasonTimeout Reason = "timeout"
	// ReasonParentCancelled indicates the parent token was triggered.
	ReasonParentCancelled Reason = "parent_cancelled"
	// ReasonShutdown indicates the host process is shutting down.
	ReasonShutdown Reason = "shutdown"
)

// ErrCancelled is the context cause installed by Token.Context when the token
// fires.
var ErrCancelled = errors.New("cancel: token triggered")

// Token is a single-writer, multi-reader cancellation signal.
//
// The zero value is not usable; construct tokens with New or WithParent.
type Token struct {
	triggered atomic.Bool
	once      sync.Once
	done      chan struct{}

	// reason and at are written inside once before done is closed and are
	// therefore safe to read after observing triggered or done.
	reason Reason
	at     time.Time
}

// New returns an untriggered token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// WithParent returns a token that is triggered with ReasonParentCancelled when
// parent fires. The child can also be triggered independently; doing so does
// not affect the parent.
func WithParent(parent *Token) *Token {
	child := New()
	if parent == nil {
		return child
	}
	go func() {
		select {
		case <-parent.Done():
			child.Trigger(ReasonParentCancelled)
		case <-child.Done():
		}
	}()
	return child
}

// Trigger fires the token. Only the first call has an effect; it reports
// whether this call was the one that fired the token.
func (t *Token) Trigger(reason Reason) bool {
	fired := false
	t.once.Do(func() {
		t.reason = reason
		t.at = time.Now()
		t.triggered.Store(true)
		close(t.done)
		fired = true
	})
	return fired
}

// IsTriggered reports whether the token fired. It never blocks.
func (t *Token) IsTriggered() bool {
	return t.triggered.Load()
}

// Reason returns the reason recorded by the first Trigger call.
func (t *Token) Reason() (Reason, bool) {
	if !t.triggered.Load() {
		return "", false
	}
	return t.reason, true
}

// TriggeredAt returns the time the token fired.
func (t *Token) TriggeredAt() (time.Time, bool) {
	if !t.triggered.Load() {
		return time.Time{}, false
	}
	return t.at, true
}

// Done returns a channel closed when the token fires.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token fires or ctx is done. It returns nil when the
// token fired and ctx.Err() otherwise.
func (t *Token) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Context derives a context from parent that is cancelled with ErrCancelled
// as its cause when the token fires. Callers must invoke the returned cancel
// function to release the watcher goroutine.
func (t *Token) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if t.IsTriggered() {
		cancel(ErrCancelled)
		return ctx, func() { cancel(context.Canceled) }
	}
	go func() {
		select {
		case <-t.done:
			cancel(ErrCancelled)
		case <-ctx.Done():
		}
	}()
	return ctx, func() { cancel(context.Canceled) }
}
