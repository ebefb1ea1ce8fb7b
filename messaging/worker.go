package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// worker runs one kind of pass on a ticker and on demand. At most one pass is active,
// including passes run synchronously through runNow; triggers arriving during a pass
// collapse into exactly one more pass.
type worker struct {
	name     string
	interval time.Duration
	pass     func(ctx context.Context) error
	trigger  chan struct{}

	// running serialises passes of this kind
	running sync.Mutex
}

func newWorker(name string, interval time.Duration, pass func(ctx context.Context) error) *worker {
	return &worker{
		name:     name,
		interval: interval,
		pass:     pass,
		trigger:  make(chan struct{}, 1),
	}
}

// Trigger requests a pass as soon as possible.
func (w *worker) Trigger() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *worker) run(ctx context.Context, clk clock.Clock) {
	ticker := clk.Ticker(w.interval)
	defer ticker.Stop()

	w.runPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.runPass(ctx)
		case <-w.trigger:
			w.runPass(ctx)
		}
	}
}

// runNow runs one pass in the calling goroutine, after any pass already in progress.
func (w *worker) runNow(ctx context.Context) error {
	w.running.Lock()
	defer w.running.Unlock()
	return w.pass(ctx)
}

func (w *worker) runPass(ctx context.Context) {
	if err := w.runNow(ctx); err != nil && ctx.Err() == nil {
		logrus.WithFields(logrus.Fields{
			"function": "worker.runPass",
			"worker":   w.name,
			"error":    err.Error(),
		}).Warn("Worker pass failed")
	}
}
