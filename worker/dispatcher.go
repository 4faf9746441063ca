package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Dispatcher starts a set of workers and shuts them down together.
type Dispatcher struct {
	logger  *zap.Logger
	workers []Worker

	wg       sync.WaitGroup
	mu       sync.Mutex
	stopOnce sync.Once
	stopCh   chan struct{}
	started  bool
}

func NewDispatcher(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		logger:  logger,
		workers: workers,
		stopCh:  make(chan struct{}),
	}
}

// Run starts every worker and blocks until ctx is done or Stop is called,
// then waits for all of them to return. It always returns nil so it can be
// used directly as an errgroup function.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		d.logger.Warn("dispatcher already started")
		return nil
	}
	d.started = true
	d.mu.Unlock()

	d.logger.Info("dispatcher starting", zap.Int("workers", len(d.workers)))
	for _, w := range d.workers {
		d.wg.Add(1)
		go func(w Worker) {
			defer d.wg.Done()
			w.Start(ctx)
		}(w)
	}

	select {
	case <-ctx.Done():
		d.Stop()
	case <-d.stopCh:
	}

	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
	return nil
}

// Stop stops every worker. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		for _, w := range d.workers {
			w.Stop()
		}
	})
}
