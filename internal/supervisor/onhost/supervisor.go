// Package onhost supervises the executables of one sub-agent as OS
// processes: filesystem entries, spawn, log streaming, restart with backoff
// and graceful shutdown.
package onhost

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// DefaultShutdownTimeout bounds the graceful-exit wait before SIGKILL.
const DefaultShutdownTimeout = 10 * time.Second

// Config assembles a supervisor for one sub-agent.
type Config struct {
	AgentID agenttype.AgentID
	Runtime *agenttype.OnHostRuntime
	// FilesystemDir is the agent's generated-configs directory.
	FilesystemDir string
	// LogDir hosts per-executable log files for executables with file
	// logging enabled.
	LogDir          string
	ShutdownTimeout time.Duration
	HealthPublisher *event.Publisher[health.Health]
	Logger          *logrus.Logger
}

// Supervisor runs the declared executables of one sub-agent, each on its own
// worker goroutine, plus the agent's health worker.
type Supervisor struct {
	cfg       Config
	log       *logrus.Entry
	startTime time.Time

	cancelHandle   *event.CancellationHandle
	cancelConsumer *event.CancellationConsumer
	workers        []*executableWorker
	wg             sync.WaitGroup
}

func NewSupervisor(cfg Config) *Supervisor {
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	handle, consumer := event.NewCancellation()
	return &Supervisor{
		cfg:            cfg,
		log:            cfg.Logger.WithField("agent_id", cfg.AgentID.String()),
		cancelHandle:   handle,
		cancelConsumer: consumer,
	}
}

// Start materializes the declared files and spawns one worker per
// executable plus the health worker.
func (s *Supervisor) Start() error {
	if err := materializeFiles(s.cfg.FilesystemDir, s.cfg.Runtime.Files); err != nil {
		return err
	}
	s.startTime = time.Now()

	if detected := detectVersion(s.cfg.Runtime.Version); detected != "" {
		s.log.WithField("agent_version", detected).Info("Detected sub-agent version")
	}

	for _, spec := range s.cfg.Runtime.Executables {
		worker := newExecutableWorker(
			spec,
			filepath.Join(s.cfg.LogDir, s.cfg.AgentID.String()),
			s.cfg.ShutdownTimeout,
			s.cfg.HealthPublisher,
			s.cancelConsumer,
			s.log,
		)
		s.workers = append(s.workers, worker)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			worker.run()
		}()
	}

	spec := s.cfg.Runtime.Health
	if spec == nil {
		spec = agenttype.DefaultHealthSpec()
	}
	healthWorker := health.NewWorker(
		s.checker(spec),
		spec.Interval, spec.InitialDelay, spec.Timeout,
		s.startTime,
		s.cfg.HealthPublisher,
		s.cancelConsumer,
		s.log,
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		healthWorker.Run()
	}()
	return nil
}

// checker selects the health source declared by the runtime spec, falling
// back to the exec check (every process is up).
func (s *Supervisor) checker(spec *agenttype.HealthSpec) health.Checker {
	switch {
	case spec.HTTP != nil:
		return health.NewHTTPChecker(spec.HTTP.Host, spec.HTTP.Path, spec.HTTP.Port, spec.HTTP.HealthyStatusCodes, spec.Timeout)
	case spec.File != nil:
		return health.NewFileChecker(spec.File.Path)
	default:
		return health.CheckerFunc(s.execCheck)
	}
}

func (s *Supervisor) execCheck(context.Context) error {
	for _, worker := range s.workers {
		if err := worker.checkError(); err != nil {
			return err
		}
	}
	return nil
}

// StartTime is the incarnation start of the supervised processes.
func (s *Supervisor) StartTime() time.Time {
	return s.startTime
}

// Stop cancels all workers, terminates the processes and waits for the
// workers to join.
func (s *Supervisor) Stop() {
	s.cancelHandle.Cancel()
	for _, worker := range s.workers {
		worker.stop()
	}
	s.wg.Wait()
	s.log.Debug("On-host supervisor stopped")
}
