package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerFirstWins(t *testing.T) {
	tok := New()
	require.False(t, tok.IsTriggered())
	_, ok := tok.Reason()
	require.False(t, ok)

	require.True(t, tok.Trigger(ReasonUserRequested))
	require.False(t, tok.Trigger(ReasonShutdown))

	reason, ok := tok.Reason()
	require.True(t, ok)
	require.Equal(t, ReasonUserRequested, reason)
	at, ok := tok.TriggeredAt()
	require.True(t, ok)
	require.False(t, at.IsZero())
}

func TestConcurrentTriggerSingleReason(t *testing.T) {
	tok := New()
	reasons := []Reason{ReasonUserRequested, ReasonTimeout, ReasonShutdown, ReasonParentCancelled}
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fired int
	)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(r Reason) {
			defer wg.Done()
			if tok.Trigger(r) {
				mu.Lock()
				fired++
				mu.Unlock()
			}
		}(reasons[i%len(reasons)])
	}
	wg.Wait()
	require.Equal(t, 1, fired)
	first, _ := tok.Reason()
	for i := 0; i < 10; i++ {
		again, _ := tok.Reason()
		require.Equal(t, first, again)
	}
}

func TestWait(t *testing.T) {
	t.Run("returns when triggered", func(t *testing.T) {
		tok := New()
		go func() {
			time.Sleep(10 * time.Millisecond)
			tok.Trigger(ReasonTimeout)
		}()
		require.NoError(t, tok.Wait(context.Background()))
	})

	t.Run("returns context error", func(t *testing.T) {
		tok := New()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		err := tok.Wait(ctx)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.False(t, tok.IsTriggered())
	})
}

func TestWithParent(t *testing.T) {
	parent := New()
	child := WithParent(parent)
	parent.Trigger(ReasonShutdown)

	select {
	case <-child.Done():
	case <-time.After(time.Second):
		t.Fatal("child not triggered by parent")
	}
	reason, _ := child.Reason()
	require.Equal(t, ReasonParentCancelled, reason)
}

func TestChildDoesNotTriggerParent(t *testing.T) {
	parent := New()
	child := WithParent(parent)
	child.Trigger(ReasonUserRequested)
	require.False(t, parent.IsTriggered())
}

func TestContextCancelledWithCause(t *testing.T) {
	tok := New()
	ctx, cancel := tok.Context(context.Background())
	defer cancel()

	tok.Trigger(ReasonUserRequested)
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled")
	}
	require.True(t, errors.Is(context.Cause(ctx), ErrCancelled))
}

func TestContextAlreadyTriggered(t *testing.T) {
	tok := New()
	tok.Trigger(ReasonShutdown)
	ctx, cancel := tok.Context(context.Background())
	defer cancel()
	require.Error(t, ctx.Err())
	require.ErrorIs(t, context.Cause(ctx), ErrCancelled)
}
