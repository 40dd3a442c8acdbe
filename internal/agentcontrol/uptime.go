package agentcontrol

import (
	"context"
	"time"

	"github.com/reugn/go-quartz/quartz"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var _ quartz.Job = &uptimeJob{}

// uptimeJob periodically logs how long Agent Control has been up, as a
// cheap liveness heartbeat in the logs.
type uptimeJob struct {
	sem   *semaphore.Weighted
	start time.Time
	log   *logrus.Entry
}

func newUptimeJob(start time.Time, log *logrus.Entry) *uptimeJob {
	return &uptimeJob{
		sem:   semaphore.NewWeighted(1),
		start: start,
		log:   log,
	}
}

func (j *uptimeJob) Execute(context.Context) error {
	if !j.sem.TryAcquire(1) {
		return nil
	}
	defer j.sem.Release(1)
	j.log.WithField("uptime", time.Since(j.start).Round(time.Second).String()).Info("Agent Control up")
	return nil
}

func (j *uptimeJob) Description() string {
	return "uptime-report"
}
