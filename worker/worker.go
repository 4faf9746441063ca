package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Worker is a long-running background loop owned by a Dispatcher.
type Worker interface {
	Start(ctx context.Context)
	Stop()
	Name() string
}

// Func is one unit of periodic work.
type Func func(ctx context.Context) error

// Ticker runs a Func every interval until its context ends or Stop is called.
// A run in flight when Stop is called is allowed to finish.
type Ticker struct {
	name      string
	interval  time.Duration
	immediate bool
	logger    *zap.Logger
	run       Func

	wg       sync.WaitGroup
	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	started  bool
}

func NewTicker(name string, interval time.Duration, run Func) *Ticker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Ticker{
		name:     name,
		interval: interval,
		logger:   zap.NewNop(),
		run:      run,
		stopCh:   make(chan struct{}),
	}
}

func (t *Ticker) WithLogger(logger *zap.Logger) *Ticker {
	if logger != nil {
		t.logger = logger
	}
	return t
}

// RunImmediately makes the first run happen at start instead of after one interval.
func (t *Ticker) RunImmediately() *Ticker {
	t.immediate = true
	return t
}

func (t *Ticker) Name() string { return t.name }

// Start blocks until ctx is done or Stop is called.
func (t *Ticker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		t.logger.Warn("worker already started", zap.String("worker", t.name))
		return
	}
	t.started = true
	t.mu.Unlock()

	t.logger.Info("worker starting", zap.String("worker", t.name), zap.Duration("interval", t.interval))
	defer t.logger.Info("worker finished", zap.String("worker", t.name))

	if t.immediate {
		t.tick(ctx)
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case <-ticker.C:
			// Stop may have raced with the tick.
			select {
			case <-t.stopCh:
				return
			default:
			}
			t.tick(ctx)
		}
	}
}

func (t *Ticker) tick(ctx context.Context) {
	t.wg.Add(1)
	defer t.wg.Done()

	if ctx.Err() != nil {
		return
	}
	if err := t.run(ctx); err != nil {
		t.logger.Error("worker run failed", zap.String("worker", t.name), zap.Error(err))
	}
}

// Stop signals the loop to exit and waits for the current run. Safe to call
// more than once, and before Start.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() {
		t.mu.Lock()
		started := t.started
		t.mu.Unlock()
		close(t.stopCh)
		if started {
			t.wg.Wait()
		}
	})
}
