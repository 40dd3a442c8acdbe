package health

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// Worker periodically probes one sub-agent and publishes the results. It
// runs on its own goroutine and stops promptly on cancellation: at most one
// in-flight probe completes after Cancel.
type Worker struct {
	checker      Checker
	interval     time.Duration
	initialDelay time.Duration
	timeout      time.Duration
	startTime    time.Time

	publisher *event.Publisher[Health]
	cancel    *event.CancellationConsumer
	log       *logrus.Entry
}

func NewWorker(
	checker Checker,
	interval, initialDelay, timeout time.Duration,
	startTime time.Time,
	publisher *event.Publisher[Health],
	cancel *event.CancellationConsumer,
	log *logrus.Entry,
) *Worker {
	return &Worker{
		checker:      checker,
		interval:     interval,
		initialDelay: initialDelay,
		timeout:      timeout,
		startTime:    startTime,
		publisher:    publisher,
		cancel:       cancel,
		log:          log,
	}
}

// Run blocks until cancelled. Callers spawn it on a dedicated goroutine.
func (w *Worker) Run() {
	if w.cancel.WaitOrCancelled(w.initialDelay) {
		return
	}
	for {
		w.probe()
		if w.cancel.WaitOrCancelled(w.interval) {
			return
		}
	}
}

func (w *Worker) probe() {
	ctx, stop := context.WithTimeout(context.Background(), w.timeout)
	defer stop()

	report := NewHealthy(w.startTime)
	if err := w.checker.Check(ctx); err != nil {
		report = NewUnhealthy("unhealthy", err.Error(), w.startTime)
	}
	if err := w.publisher.Publish(report); err != nil {
		w.log.WithError(err).Debug("Dropping health report, channel closed")
	}
}
