package connectproxy

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestEventLoop_RunsTasksInOrder(t *testing.T) {
	l := newEventLoop(0, zap.NewNop())
	defer l.stop()

	var got []int
	done := make(chan struct{})
	for i := 0; i < 100; i++ {
		i := i
		require.True(t, l.Execute(func() { got = append(got, i) }))
	}
	l.Execute(func() { close(done) })
	<-done

	require.Len(t, got, 100)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestEventLoop_ExecuteFromLoop(t *testing.T) {
	l := newEventLoop(0, zap.NewNop())
	defer l.stop()

	done := make(chan string, 1)
	l.Execute(func() {
		// queued behind the running task instead of deadlocking
		l.Execute(func() { done <- "nested" })
	})

	select {
	case v := <-done:
		assert.Equal(t, "nested", v)
	case <-time.After(time.Second):
		t.Fatal("nested task did not run")
	}
}

func TestEventLoop_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	l := newEventLoop(3, zap.New(core))
	defer l.stop()

	done := make(chan struct{})
	l.Execute(func() { panic("boom") })
	l.Execute(func() { close(done) })
	<-done

	entries := logs.FilterMessage("task panicked").All()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 3, entries[0].ContextMap()["loop"])
}

func TestEventLoop_StopDrainsQueue(t *testing.T) {
	l := newEventLoop(0, zap.NewNop())

	var mu sync.Mutex
	ran := 0
	block := make(chan struct{})
	l.Execute(func() { <-block })
	for i := 0; i < 10; i++ {
		l.Execute(func() {
			mu.Lock()
			ran++
			mu.Unlock()
		})
	}

	stopped := make(chan struct{})
	go func() {
		l.stop()
		close(stopped)
	}()
	close(block)
	<-stopped

	assert.Equal(t, 10, ran)
	assert.False(t, l.Execute(func() {}))
}

func TestEventLoopGroup(t *testing.T) {
	g := NewEventLoopGroup(3, nil)
	defer g.Shutdown()

	assert.Equal(t, 3, g.Len())
	var ids []int
	for i := 0; i < 6; i++ {
		ids = append(ids, g.Next().ID())
	}
	assert.Equal(t, []int{0, 1, 2, 0, 1, 2}, ids)
}

func TestEventLoopGroup_DefaultSize(t *testing.T) {
	g := NewEventLoopGroup(0, zap.NewNop())
	defer g.Shutdown()
	assert.Positive(t, g.Len())
	assert.Zero(t, g.Len()%2)
}
