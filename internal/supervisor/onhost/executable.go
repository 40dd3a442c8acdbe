package onhost

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// executableWorker keeps one declared executable running, restarting it per
// its policy until cancelled or the retry budget is exhausted.
type executableWorker struct {
	spec            agenttype.Executable
	logDir          string
	retry           *retryState
	shutdownTimeout time.Duration

	publisher *event.Publisher[health.Health]
	cancel    *event.CancellationConsumer
	log       *logrus.Entry

	mu      sync.Mutex
	process *os.Process
	exited  chan struct{}
}

func newExecutableWorker(
	spec agenttype.Executable,
	logDir string,
	shutdownTimeout time.Duration,
	publisher *event.Publisher[health.Health],
	cancel *event.CancellationConsumer,
	log *logrus.Entry,
) *executableWorker {
	return &executableWorker{
		spec:            spec,
		logDir:          logDir,
		retry:           newRetryState(spec.RestartPolicy),
		shutdownTimeout: shutdownTimeout,
		publisher:       publisher,
		cancel:          cancel,
		log:             log.WithField("executable", spec.ID),
	}
}

// run blocks until cancellation or retry exhaustion. Every worker thread
// logs its exit cause.
func (w *executableWorker) run() {
	for {
		started, err := w.runOnce()
		if w.cancel.IsCancelled() {
			w.log.Debug("Executable worker stopped")
			return
		}
		lastError := "process exited"
		if err != nil {
			lastError = err.Error()
			w.log.WithError(err).Warn("Executable exited with error")
		} else {
			w.log.Warn("Executable exited")
		}

		delay, ok := w.retry.next(started)
		if !ok {
			w.log.Error("Restart retries exhausted, giving up on executable")
			if err := w.publisher.Publish(health.NewUnhealthy("restart retries exhausted", lastError, started)); err != nil {
				w.log.WithError(err).Debug("Dropping health report, channel closed")
			}
			return
		}
		if w.cancel.WaitOrCancelled(delay) {
			w.log.Debug("Executable worker stopped during restart backoff")
			return
		}
	}
}

// runOnce spawns the process, streams its output and waits for exit. It
// returns the spawn time so the retry counter can observe uptime.
func (w *executableWorker) runOnce() (time.Time, error) {
	cmd := exec.Command(w.spec.Path, w.spec.Args...)
	cmd.Env = os.Environ()
	for k, v := range w.spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return time.Now(), errors.Wrap(err, "opening stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return time.Now(), errors.Wrap(err, "opening stderr pipe")
	}

	var outSink, errSink lineSink
	if w.spec.LogFile {
		sink := newFileSink(w.logDir, w.spec.ID)
		outSink, errSink = sink, sink
		defer sink.close()
	} else {
		outSink = newLogrusSink(w.log, "stdout")
		errSink = newLogrusSink(w.log, "stderr")
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		return started, errors.Wrapf(err, "spawning %q", w.spec.Path)
	}
	exited := make(chan struct{})
	w.setProcess(cmd.Process, exited)

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		streamLines(stdout, outSink)
	}()
	go func() {
		defer streams.Done()
		streamLines(stderr, errSink)
	}()

	streams.Wait()
	waitErr := cmd.Wait()
	close(exited)
	w.setProcess(nil, nil)
	return started, waitErr
}

func (w *executableWorker) setProcess(p *os.Process, exited chan struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.process = p
	w.exited = exited
}

// stop terminates the current process, if any. The run loop observes the
// cancellation consumer and does not restart it.
func (w *executableWorker) stop() {
	w.mu.Lock()
	process, exited := w.process, w.exited
	w.mu.Unlock()
	if process != nil {
		terminate(process, exited, w.shutdownTimeout)
	}
}

// isRunning reports whether a process is currently alive.
func (w *executableWorker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.process != nil
}

func (w *executableWorker) checkError() error {
	if !w.isRunning() {
		return fmt.Errorf("executable %q is not running", w.spec.ID)
	}
	return nil
}
