package connectproxy

import (
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// EventLoop runs submitted tasks one at a time, in submission order, on a
// single goroutine. Every Conn is bound to one EventLoop for its whole life
// and all of its pipeline callbacks execute there, so per-connection state
// needs no locking.
type EventLoop struct {
	id     int
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

func newEventLoop(id int, logger *zap.Logger) *EventLoop {
	l := &EventLoop{
		id:     id,
		logger: logger.With(zap.Int("loop", id)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go l.run()
	return l
}

// ID returns the index of the loop inside its group.
func (l *EventLoop) ID() int {
	return l.id
}

// Execute queues task for execution on the loop. It never blocks, so it is
// safe to call from another loop. It reports false when the loop has been
// stopped and the task was dropped.
func (l *EventLoop) Execute(task func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *EventLoop) run() {
	defer close(l.done)

	var batch []func()
	for {
		l.mu.Lock()
		batch, l.tasks = l.tasks, batch[:0]
		stopped := l.stopped
		l.mu.Unlock()

		for i, task := range batch {
			l.runTask(task)
			batch[i] = nil
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}

func (l *EventLoop) runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	task()
}

// stop refuses new tasks, lets the queued ones finish and returns once the
// loop goroutine has exited.
func (l *EventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

// EventLoopGroup is a fixed-size pool of event loops handed out round-robin.
type EventLoopGroup struct {
	loops []*EventLoop
	next  atomic.Uint32
}

// NewEventLoopGroup starts n loops. A non-positive n selects twice the
// number of usable CPUs.
func NewEventLoopGroup(n int, logger *zap.Logger) *EventLoopGroup {
	if n <= 0 {
		n = 2 * runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &EventLoopGroup{loops: make([]*EventLoop, n)}
	for i := range g.loops {
		g.loops[i] = newEventLoop(i, logger)
	}
	return g
}

// Next returns the loop that should own the next connection.
func (g *EventLoopGroup) Next() *EventLoop {
	i := g.next.Add(1) - 1
	return g.loops[int(i)%len(g.loops)]
}

// Len returns the number of loops in the group.
func (g *EventLoopGroup) Len() int {
	return len(g.loops)
}

// Shutdown stops every loop after draining its queue.
func (g *EventLoopGroup) Shutdown() {
	var wg sync.WaitGroup
	for _, l := range g.loops {
		wg.Add(1)
		go func(l *EventLoop) {
			defer wg.Done()
			l.stop()
		}(l)
	}
	wg.Wait()
}
