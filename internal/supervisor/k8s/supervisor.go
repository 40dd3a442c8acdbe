package k8s

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// Config assembles a supervisor for one Kubernetes sub-agent.
type Config struct {
	AgentID   agenttype.AgentID
	TypeID    agenttype.ID
	Runtime   *agenttype.K8sRuntime
	Applier   *Applier
	Reader    client.Reader
	Namespace string

	HealthPublisher *event.Publisher[health.Health]
	Logger          *logrus.Logger
}

// Supervisor reconciles the rendered objects of one sub-agent and observes
// their readiness through the reflector caches.
type Supervisor struct {
	cfg       Config
	log       *logrus.Entry
	startTime time.Time

	cancelHandle   *event.CancellationHandle
	cancelConsumer *event.CancellationConsumer
	wg             sync.WaitGroup
}

func NewSupervisor(cfg Config) *Supervisor {
	handle, consumer := event.NewCancellation()
	return &Supervisor{
		cfg:            cfg,
		log:            cfg.Logger.WithField("agent_id", cfg.AgentID.String()),
		cancelHandle:   handle,
		cancelConsumer: consumer,
	}
}

// Start applies the objects and spawns the health worker.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.cfg.Applier.Apply(ctx, s.cfg.AgentID, s.cfg.TypeID, s.cfg.Runtime.Objects); err != nil {
		return err
	}
	s.startTime = time.Now()

	spec := s.cfg.Runtime.Health
	if spec == nil {
		spec = agenttype.DefaultHealthSpec()
	}
	worker := health.NewWorker(
		health.CheckerFunc(s.checkObjects),
		spec.Interval, spec.InitialDelay, spec.Timeout,
		s.startTime,
		s.cfg.HealthPublisher,
		s.cancelConsumer,
		s.log,
	)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		worker.Run()
	}()
	return nil
}

// checkObjects reads every applied object from the reflector cache and
// folds the per-kind readiness verdicts.
func (s *Supervisor) checkObjects(ctx context.Context) error {
	for _, spec := range s.cfg.Runtime.Objects {
		declared := &unstructured.Unstructured{Object: spec.Object}
		observed := &unstructured.Unstructured{}
		observed.SetGroupVersionKind(declared.GroupVersionKind())

		namespace := declared.GetNamespace()
		if namespace == "" {
			namespace = s.cfg.Namespace
		}
		key := types.NamespacedName{Namespace: namespace, Name: declared.GetName()}
		if err := s.cfg.Reader.Get(ctx, key, observed); err != nil {
			if apierrors.IsNotFound(err) {
				return fmt.Errorf("%s %s not found", declared.GetKind(), key.Name)
			}
			return err
		}
		if err := Ready(observed); err != nil {
			return err
		}
	}
	return nil
}

// StartTime is the incarnation start of the applied resources.
func (s *Supervisor) StartTime() time.Time {
	return s.startTime
}

// Stop cancels the health worker. Applied objects stay in the cluster until
// the agent is removed from the dynamic config and garbage collection runs.
func (s *Supervisor) Stop() {
	s.cancelHandle.Cancel()
	s.wg.Wait()
	s.log.Debug("Kubernetes supervisor stopped")
}

// Clean deletes the applied objects, as part of sub-agent destruction.
func (s *Supervisor) Clean(ctx context.Context) error {
	return s.cfg.Applier.Delete(ctx, s.cfg.Runtime.Objects)
}

// GVKs extracts the GroupVersionKinds of a rendered runtime spec, used to
// extend the reflector caches and the GC search space.
func GVKs(runtime *agenttype.K8sRuntime) []schema.GroupVersionKind {
	seen := map[schema.GroupVersionKind]struct{}{}
	var kinds []schema.GroupVersionKind
	for _, spec := range runtime.Objects {
		obj := &unstructured.Unstructured{Object: spec.Object}
		gvk := obj.GroupVersionKind()
		if gvk.Kind == "" || strings.TrimSpace(gvk.Version) == "" {
			continue
		}
		if _, ok := seen[gvk]; ok {
			continue
		}
		seen[gvk] = struct{}{}
		kinds = append(kinds, gvk)
	}
	return kinds
}
