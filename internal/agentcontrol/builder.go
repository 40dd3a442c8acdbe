package agentcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/subagent"
	k8ssup "github.com/newrelic/newrelic-agent-control/internal/supervisor/k8s"
	"github.com/newrelic/newrelic-agent-control/internal/supervisor/onhost"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// OnHostBuilder renders and starts on-host sub-agents.
type OnHostBuilder struct {
	Registry        *agenttype.Registry
	Renderer        *agenttype.Renderer
	AgentDir        func(agenttype.AgentID) string
	LogDir          string
	ShutdownTimeout time.Duration
	Logger          *logrus.Logger
}

func (b *OnHostBuilder) Build(ctx context.Context, desired subagent.Desired, healthPublisher *event.Publisher[health.Health]) (*subagent.SubAgent, error) {
	def, err := b.Registry.Get(desired.TypeID)
	if err != nil {
		return nil, err
	}
	attrs, err := agenttype.NewAgentAttributes(desired.ID, b.AgentDir(desired.ID))
	if err != nil {
		return nil, err
	}
	runtime, err := b.Renderer.Render(def, attrs, desired.Values)
	if err != nil {
		return nil, err
	}
	if runtime.OnHost == nil {
		return nil, fmt.Errorf("agent type %s has no on_host deployment", desired.TypeID)
	}

	sup := onhost.NewSupervisor(onhost.Config{
		AgentID:         desired.ID,
		Runtime:         runtime.OnHost,
		FilesystemDir:   attrs.FilesystemDir,
		LogDir:          b.LogDir,
		ShutdownTimeout: b.ShutdownTimeout,
		HealthPublisher: healthPublisher,
		Logger:          b.Logger,
	})
	if err := sup.Start(); err != nil {
		return nil, err
	}
	return &subagent.SubAgent{ID: desired.ID, TypeID: desired.TypeID, OnHost: sup}, nil
}

// K8sBuilder renders and starts Kubernetes sub-agents.
type K8sBuilder struct {
	Registry   *agenttype.Registry
	Renderer   *agenttype.Renderer
	AgentDir   func(agenttype.AgentID) string
	Applier    *k8ssup.Applier
	Reflectors *k8ssup.Reflectors
	Namespace  string
	Logger     *logrus.Logger
}

func (b *K8sBuilder) Build(ctx context.Context, desired subagent.Desired, healthPublisher *event.Publisher[health.Health]) (*subagent.SubAgent, error) {
	def, err := b.Registry.Get(desired.TypeID)
	if err != nil {
		return nil, err
	}
	attrs, err := agenttype.NewAgentAttributes(desired.ID, b.AgentDir(desired.ID))
	if err != nil {
		return nil, err
	}
	runtime, err := b.Renderer.Render(def, attrs, desired.Values)
	if err != nil {
		return nil, err
	}
	if runtime.K8s == nil {
		return nil, fmt.Errorf("agent type %s has no k8s deployment", desired.TypeID)
	}

	for _, gvk := range k8ssup.GVKs(runtime.K8s) {
		if err := b.Reflectors.Watch(ctx, gvk); err != nil {
			return nil, err
		}
	}

	sup := k8ssup.NewSupervisor(k8ssup.Config{
		AgentID:         desired.ID,
		TypeID:          desired.TypeID,
		Runtime:         runtime.K8s,
		Applier:         b.Applier,
		Reader:          b.Reflectors.Reader(),
		Namespace:       b.Namespace,
		HealthPublisher: healthPublisher,
		Logger:          b.Logger,
	})
	if err := sup.Start(ctx); err != nil {
		return nil, err
	}
	return &subagent.SubAgent{ID: desired.ID, TypeID: desired.TypeID, K8s: sup}, nil
}
