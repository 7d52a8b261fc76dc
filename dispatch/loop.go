// Package dispatch delivers callbacks on the goroutine that owns a Loop.
//
// Network I/O completes on arbitrary goroutines. Handles created on a Loop post
// their notifications to it, and the owner of the Loop runs them by calling
// Run, or Process whenever ProcessSignal fires. Application state touched by
// callbacks is therefore only accessed from that one goroutine.
//
// Run is equivalent to a loop of Process and ProcessSignal.
package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Loop is a FIFO task queue drained by a single goroutine at a time.
type Loop struct {
	name   string
	logger *zap.Logger

	mu      sync.Mutex
	tasks   []func()
	signal  chan struct{} // capacity 1, holds a pending wakeup
	quit    bool
	running bool
}

type Option func(*Loop)

// WithLogger sets the logger used to report panicking tasks.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Loop) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLoop returns an idle loop. Nothing runs until the owner calls Run or Process.
func NewLoop(name string, opts ...Option) *Loop {
	l := &Loop{
		name:   name,
		logger: zap.NewNop(),
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Loop) Name() string {
	return l.name
}

// Post queues fn. It never blocks and never runs fn inline, even when called
// from the loop's own goroutine.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.wake()
}

func (l *Loop) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// ProcessSignal fires when tasks may be pending. Receivers must call Process.
func (l *Loop) ProcessSignal() <-chan struct{} {
	return l.signal
}

// Process runs the tasks queued so far and returns how many ran. Tasks posted
// while processing run in the next call.
func (l *Loop) Process() int {
	l.mu.Lock()
	tasks := l.tasks
	l.tasks = nil
	l.mu.Unlock()

	for _, fn := range tasks {
		l.runTask(fn)
	}
	return len(tasks)
}

func (l *Loop) runTask(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("dispatch: task panicked", zap.String("loop", l.name), zap.Any("panic", r))
		}
	}()
	fn()
}

// Run processes tasks on the calling goroutine until Quit is called or ctx is
// done. Tasks already queued when Quit is observed are still run.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	l.quit = false
	l.running = true
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		l.Process()

		l.mu.Lock()
		quit := l.quit && len(l.tasks) == 0
		l.mu.Unlock()
		if quit {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.signal:
		}
	}
}

// Quit makes Run return once the queue is empty.
func (l *Loop) Quit() {
	l.mu.Lock()
	l.quit = true
	l.mu.Unlock()
	l.wake()
}

// Running reports whether some goroutine is inside Run.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start runs the loop on a new goroutine until Quit.
func (l *Loop) Start() {
	go func() {
		_ = l.Run(context.Background())
	}()
}

var (
	defaultOnce sync.Once
	defaultLoop *Loop
)

// Default returns the process-wide loop, started on its own goroutine on first use.
func Default() *Loop {
	defaultOnce.Do(func() {
		defaultLoop = NewLoop("default")
		defaultLoop.Start()
	})
	return defaultLoop
}

type loopKey struct{}

// WithLoop returns a context that makes handles created under it deliver on l.
func WithLoop(ctx context.Context, l *Loop) context.Context {
	return context.WithValue(ctx, loopKey{}, l)
}

// FromContext returns the loop stored by WithLoop, or nil.
func FromContext(ctx context.Context) *Loop {
	if ctx == nil {
		return nil
	}
	l, _ := ctx.Value(loopKey{}).(*Loop)
	return l
}
