package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

func TestHTTPChecker(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	checker := NewHTTPChecker(u.Hostname(), "/health", port, []int{200, 204}, time.Second)
	assert.NoError(t, checker.Check(context.Background()))

	status.Store(http.StatusServiceUnavailable)
	err = checker.Check(context.Background())
	assert.ErrorContains(t, err, "status 503")
}

func TestFileChecker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "status")

	checker := NewFileChecker(path)
	assert.Error(t, checker.Check(context.Background()))

	require.NoError(t, os.WriteFile(path, []byte("ok"), 0o600))
	assert.NoError(t, checker.Check(context.Background()))

	assert.Error(t, NewFileChecker(dir).Check(context.Background()))
}

func TestWorkerPublishesAndCancels(t *testing.T) {
	publisher, consumer := event.NewChannel[Health](10)
	handle, cancelConsumer := event.NewCancellation()

	var calls atomic.Int32
	checker := CheckerFunc(func(context.Context) error {
		if calls.Add(1) > 1 {
			return errors.New("backend gone")
		}
		return nil
	})

	start := time.Now()
	worker := NewWorker(
		checker,
		time.Millisecond, 0, time.Second,
		start,
		publisher, cancelConsumer,
		logrus.NewEntry(logrus.New()),
	)
	done := make(chan struct{})
	go func() {
		worker.Run()
		close(done)
	}()

	first, ok := consumer.Recv()
	require.True(t, ok)
	assert.True(t, first.Healthy)
	assert.Equal(t, start, first.StartTime)

	second, ok := consumer.Recv()
	require.True(t, ok)
	assert.False(t, second.Healthy)
	assert.Equal(t, "backend gone", second.LastError)

	handle.Cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancellation")
	}
}

func TestWorkerCancelDuringInitialDelay(t *testing.T) {
	publisher, consumer := event.NewChannel[Health](1)
	handle, cancelConsumer := event.NewCancellation()

	worker := NewWorker(
		CheckerFunc(func(context.Context) error { return nil }),
		time.Second, time.Hour, time.Second,
		time.Now(),
		publisher, cancelConsumer,
		logrus.NewEntry(logrus.New()),
	)
	done := make(chan struct{})
	go func() {
		worker.Run()
		close(done)
	}()

	handle.Cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop during initial delay")
	}
	select {
	case <-consumer.Channel():
		t.Fatal("no probe should run before the initial delay elapses")
	default:
	}
}
