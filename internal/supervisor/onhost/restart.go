package onhost

import (
	"time"

	"github.com/jpillora/backoff"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

// retryState tracks restart attempts for one executable. The counter resets
// when the process stayed up longer than the policy's last-retry interval.
type retryState struct {
	policy  agenttype.RestartPolicy
	backoff *backoff.Backoff
	retries int
	now     func() time.Time
}

func newRetryState(policy agenttype.RestartPolicy) *retryState {
	return &retryState{
		policy: policy,
		backoff: &backoff.Backoff{
			Min:    policy.BackoffDelay,
			Max:    10 * time.Minute,
			Factor: 2,
		},
		now: time.Now,
	}
}

// next returns the delay before the next restart attempt, or false when the
// retry budget is exhausted. startedAt is when the exited process was
// spawned.
func (r *retryState) next(startedAt time.Time) (time.Duration, bool) {
	if r.now().Sub(startedAt) > r.policy.LastRetryInterval {
		r.retries = 0
		r.backoff.Reset()
	}
	r.retries++
	if r.policy.MaxRetries > 0 && r.retries > r.policy.MaxRetries {
		return 0, false
	}
	if r.policy.Type == agenttype.BackoffExponential {
		return r.backoff.Duration(), true
	}
	return r.policy.BackoffDelay, true
}
