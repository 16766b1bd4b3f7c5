package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskTableReplacesSameName(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tt := newTaskTable(ctx)

	var firstCancelled atomic.Bool
	tt.start("job", func(ctx context.Context) {
		<-ctx.Done()
		firstCancelled.Store(true)
	})
	tt.start("job", func(ctx context.Context) { <-ctx.Done() })

	assert.Eventually(t, firstCancelled.Load, time.Second, 5*time.Millisecond)
	assert.True(t, tt.running("job"), "replacement must stay registered")
	assert.Equal(t, []string{"job"}, tt.names())

	cancel()
	tt.wait()
}

func TestTaskTableFinishedTaskIsDropped(t *testing.T) {
	tt := newTaskTable(context.Background())

	done := make(chan struct{})
	tt.start("once", func(ctx context.Context) { close(done) })
	<-done

	assert.Eventually(t, func() bool { return !tt.running("once") }, time.Second, 5*time.Millisecond)
	tt.wait()
}

func TestTaskTableCancel(t *testing.T) {
	tt := newTaskTable(context.Background())
	tt.start("loop", func(ctx context.Context) { <-ctx.Done() })

	tt.cancel("loop")
	tt.cancel("loop")
	assert.False(t, tt.running("loop"))
	tt.wait()
}

func TestTaskTableClosedContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tt := newTaskTable(ctx)

	tt.start("late", func(ctx context.Context) { t.Error("task must not run") })
	assert.False(t, tt.running("late"))
	tt.wait()
}

func TestSignalReset(t *testing.T) {
	s := newSignal()
	ch := s.done()

	s.fire()
	s.fire()
	select {
	case <-ch:
	default:
		t.Fatal("fired signal must be closed")
	}

	s.reset()
	select {
	case <-s.done():
		t.Fatal("reset signal must be open")
	default:
	}

	s.reset()
	require.NotNil(t, s.done())
}
