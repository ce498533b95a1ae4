package webhooks

import (
	"context"
	"time"
)

// Worker is the scheduled trigger that periodically drains due retries. The
// engine itself never schedules wakeups; this ticker is the only driver of
// the retry path.
type Worker struct {
	Engine   *Engine
	Interval time.Duration
	Stop     chan struct{}
}

func NewWorker(e *Engine, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Second
	}
	return &Worker{Engine: e, Interval: interval, Stop: make(chan struct{})}
}

func (w *Worker) Start() {
	go func() {
		ticker := time.NewTicker(w.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.Stop:
				return
			case <-ticker.C:
				w.processOnce()
			}
		}
	}()
}

func (w *Worker) processOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	w.Engine.ProcessRetries(ctx)
}
