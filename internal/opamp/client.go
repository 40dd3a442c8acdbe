package opamp

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/open-telemetry/opamp-go/client"
	"github.com/open-telemetry/opamp-go/client/types"
	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// signatureMessageType is the custom message carrying a detached config
// signature.
const signatureMessageType = "com.newrelic.agent-control/signature"

// Config assembles the bridge for one agent's connection.
type Config struct {
	AgentID    agenttype.AgentID
	Endpoint   string
	Headers    http.Header
	InstanceID instanceid.ID
}

// Client owns the opamp-go connection. All callbacks run on the client's
// goroutines; besides publishing events they touch only the client's own
// mutex-guarded fields.
type Client struct {
	cfg    Config
	opamp  client.OpAMPClient
	events *event.Publisher[Event]
	log    *logrus.Entry

	mu        sync.Mutex
	effective []byte
	// lastSignature pairs the signature custom message with the remote
	// config of the same server turn.
	lastSignature []byte
}

func NewClient(cfg Config, events *event.Publisher[Event], log *logrus.Entry) *Client {
	c := &Client{cfg: cfg, events: events, log: log}
	c.opamp = client.NewHTTP(&logAdapter{log: log})
	return c
}

// Start connects to the control plane and begins the message exchange.
func (c *Client) Start(ctx context.Context, description *protobufs.AgentDescription) error {
	settings := types.StartSettings{
		OpAMPServerURL: c.cfg.Endpoint,
		Header:         c.cfg.Headers,
		InstanceUid:    c.cfg.InstanceID.String(),
		Capabilities: protobufs.AgentCapabilities_AgentCapabilities_AcceptsRemoteConfig |
			protobufs.AgentCapabilities_AgentCapabilities_ReportsRemoteConfig |
			protobufs.AgentCapabilities_AgentCapabilities_ReportsEffectiveConfig |
			protobufs.AgentCapabilities_AgentCapabilities_ReportsHealth,
		Callbacks: types.CallbacksStruct{
			OnConnectFunc: func(ctx context.Context) {
				c.publish(Event{Kind: EventConnected})
			},
			OnConnectFailedFunc: func(ctx context.Context, err error) {
				c.publish(Event{Kind: EventConnectFailed, Err: err})
			},
			OnMessageFunc: func(ctx context.Context, msg *types.MessageData) {
				c.onMessage(msg)
			},
			GetEffectiveConfigFunc: func(ctx context.Context) (*protobufs.EffectiveConfig, error) {
				return c.effectiveConfig(), nil
			},
		},
	}
	if err := c.opamp.SetAgentDescription(description); err != nil {
		return fmt.Errorf("setting agent description: %w", err)
	}
	if err := c.opamp.Start(ctx, settings); err != nil {
		return fmt.Errorf("starting opamp client: %w", err)
	}
	return nil
}

func (c *Client) onMessage(msg *types.MessageData) {
	for _, custom := range customMessages(msg) {
		if custom.GetType() == signatureMessageType {
			c.mu.Lock()
			c.lastSignature = custom.GetData()
			c.mu.Unlock()
		}
	}
	if msg.RemoteConfig != nil {
		c.mu.Lock()
		signature := c.lastSignature
		c.lastSignature = nil
		c.mu.Unlock()
		c.publish(Event{Kind: EventRemoteConfig, RemoteConfig: msg.RemoteConfig, Signature: signature})
	}
}

func customMessages(msg *types.MessageData) []*protobufs.CustomMessage {
	if msg.CustomMessage == nil {
		return nil
	}
	return []*protobufs.CustomMessage{msg.CustomMessage}
}

func (c *Client) publish(ev Event) {
	ev.AgentID = c.cfg.AgentID
	if err := c.events.Publish(ev); err != nil {
		c.log.WithError(err).Debug("Dropping opamp event, channel closed")
	}
}

// Stop disconnects from the control plane.
func (c *Client) Stop(ctx context.Context) error {
	return c.opamp.Stop(ctx)
}

// SetHealth reports the aggregate Agent Control health with one component
// entry per sub-agent.
func (c *Client) SetHealth(own health.Health, subAgents map[string]health.Health) error {
	components := make(map[string]*protobufs.ComponentHealth, len(subAgents))
	for id, h := range subAgents {
		components[id] = componentHealth(h)
	}
	msg := componentHealth(own)
	msg.ComponentHealthMap = components
	return c.opamp.SetHealth(msg)
}

func componentHealth(h health.Health) *protobufs.ComponentHealth {
	return &protobufs.ComponentHealth{
		Healthy:           h.Healthy,
		Status:            h.Status,
		LastError:         h.LastError,
		StartTimeUnixNano: uint64(h.StartTime.UnixNano()),
	}
}

// SetRemoteConfigStatus reports the terminal state of a processed revision.
func (c *Client) SetRemoteConfigStatus(entry remoteconfig.Entry) error {
	status := protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLYING
	switch entry.State {
	case remoteconfig.StateApplied:
		status = protobufs.RemoteConfigStatuses_RemoteConfigStatuses_APPLIED
	case remoteconfig.StateFailed:
		status = protobufs.RemoteConfigStatuses_RemoteConfigStatuses_FAILED
	}
	return c.opamp.SetRemoteConfigStatus(&protobufs.RemoteConfigStatus{
		LastRemoteConfigHash: []byte(entry.Hash),
		Status:               status,
		ErrorMessage:         entry.ErrorMessage,
	})
}

// ReportEffectiveConfig records the configuration in force and pushes it
// upstream.
func (c *Client) ReportEffectiveConfig(ctx context.Context, raw []byte) error {
	c.mu.Lock()
	c.effective = raw
	c.mu.Unlock()
	return c.opamp.UpdateEffectiveConfig(ctx)
}

func (c *Client) effectiveConfig() *protobufs.EffectiveConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &protobufs.EffectiveConfig{
		ConfigMap: &protobufs.AgentConfigMap{
			ConfigMap: map[string]*protobufs.AgentConfigFile{
				"": {Body: c.effective, ContentType: "text/yaml"},
			},
		},
	}
}

// logAdapter routes opamp-go internals into logrus.
type logAdapter struct {
	log *logrus.Entry
}

func (a *logAdapter) Debugf(_ context.Context, format string, v ...any) {
	a.log.Debugf(format, v...)
}

func (a *logAdapter) Errorf(_ context.Context, format string, v ...any) {
	a.log.Errorf(format, v...)
}
