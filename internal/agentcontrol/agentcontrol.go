package agentcontrol

import (
	"context"
	"fmt"
	"time"

	"github.com/open-telemetry/opamp-go/protobufs"
	"github.com/reugn/go-quartz/quartz"
	"github.com/sirupsen/logrus"
	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/internal/httpserver"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/opamp"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/subagent"
	"github.com/newrelic/newrelic-agent-control/internal/values"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
	"github.com/newrelic/newrelic-agent-control/pkg/version"
)

// OpAMPClient is the per-agent control-plane connection consumed by the
// event loop. The wire protocol behind it is out of scope.
type OpAMPClient interface {
	Start(ctx context.Context, description *protobufs.AgentDescription) error
	Stop(ctx context.Context) error
	SetHealth(own health.Health, subAgents map[string]health.Health) error
	SetRemoteConfigStatus(entry remoteconfig.Entry) error
	ReportEffectiveConfig(ctx context.Context, raw []byte) error
}

// OpAMPFactory builds the connection for one agent identity.
type OpAMPFactory func(id agenttype.AgentID, instance instanceid.ID, events *event.Publisher[opamp.Event]) OpAMPClient

// VersionUpdater applies a requested Agent Control chart version; nil on
// host deployments.
type VersionUpdater interface {
	Update(ctx context.Context, chartVersion string) error
}

// Deps are the environment-specific collaborators assembled by the command
// layer.
type Deps struct {
	Builder     subagent.Builder
	Cleaner     subagent.ResourceCleaner
	Store       values.Store
	Hashes      remoteconfig.HashStore
	InstanceIDs *instanceid.Getter
	Identity    agenttype.IdentityAttributes
	AgentDir    func(agenttype.AgentID) string

	// optional
	VersionUpdater VersionUpdater
	OpAMPFactory   OpAMPFactory
	Signer         *remoteconfig.SignatureValidator
}

// AgentControl is the supervisory kernel: it owns the dynamic config and
// drives reconciliation from a single-threaded event loop.
type AgentControl struct {
	cfg      *Config
	registry *agenttype.Registry
	renderer *agenttype.Renderer
	deps     Deps
	log      *logrus.Entry

	loader     *values.Loader
	processor  *remoteconfig.Processor
	manager    *subagent.Manager
	aggregator *HealthAggregator

	dynamic   DynamicConfig
	startTime time.Time

	opampEvents   *event.Consumer[opamp.Event]
	opampPub      *event.Publisher[opamp.Event]
	appEvents     *event.Consumer[AppEvent]
	appPub        *event.Publisher[AppEvent]
	subagentEvents *event.Consumer[subagent.Event]

	opampClients map[agenttype.AgentID]OpAMPClient
	statusServer *httpserver.Server
	scheduler    quartz.Scheduler
	watcher      *configWatcher
}

// New assembles the kernel. The registry and renderer are initialized once
// and read-only afterwards.
func New(cfg *Config, registry *agenttype.Registry, renderer *agenttype.Renderer, deps Deps, logger *logrus.Logger) *AgentControl {
	opampPub, opampEvents := event.NewChannel[opamp.Event](64)
	appPub, appEvents := event.NewChannel[AppEvent](8)
	subagentPub, subagentEvents := event.NewChannel[subagent.Event](256)

	log := logger.WithField("component", "agent-control")
	a := &AgentControl{
		cfg:            cfg,
		registry:       registry,
		renderer:       renderer,
		deps:           deps,
		log:            log,
		loader:         values.NewLoader(deps.Store, cfg.FleetControl.Enabled),
		aggregator:     NewHealthAggregator(cfg.Health.GracePeriod.Duration(), time.Now()),
		dynamic:        cfg.Dynamic(),
		startTime:      time.Now(),
		opampEvents:    opampEvents,
		opampPub:       opampPub,
		appEvents:      appEvents,
		appPub:         appPub,
		subagentEvents: subagentEvents,
		opampClients:   map[agenttype.AgentID]OpAMPClient{},
	}
	a.processor = remoteconfig.NewProcessor(deps.Store, deps.Hashes, deps.Signer, a.validatorFor, log)
	a.manager = subagent.NewManager(deps.Builder, deps.Cleaner, deps.Store, deps.Hashes, deps.InstanceIDs, subagentPub, log)
	return a
}

// AppEventPublisher hands the publisher to signal handlers and the command
// layer.
func (a *AgentControl) AppEventPublisher() *event.Publisher[AppEvent] {
	return a.appPub
}

func (a *AgentControl) agentDir(id agenttype.AgentID) string {
	return a.deps.AgentDir(id)
}

// Run starts everything and dispatches events until a stop is requested.
func (a *AgentControl) Run(ctx context.Context) error {
	if err := a.startup(ctx); err != nil {
		return err
	}
	a.loop(ctx)
	a.shutdown()
	return nil
}

func (a *AgentControl) startup(ctx context.Context) error {
	acID := agenttype.AgentID(agenttype.AgentControlID)

	// discard orphaned value/hash halves left by a crash
	ids := []agenttype.AgentID{acID}
	desired, err := a.dynamic.Desired()
	if err != nil {
		return err
	}
	for id := range desired {
		ids = append(ids, id)
	}
	for _, id := range ids {
		if err := a.processor.ReconcileStartup(id); err != nil {
			return fmt.Errorf("startup reconciliation for %s: %w", id, err)
		}
	}

	// a stored remote dynamic config overrides the local seed
	if doc, source, err := a.loader.Effective(acID, true); err != nil {
		return err
	} else if source == values.SourceRemote {
		dynamic, err := ParseDynamicConfig(doc)
		if err != nil {
			a.log.WithError(err).Error("Stored remote dynamic config is invalid, keeping local config")
		} else {
			a.dynamic = dynamic
		}
	}

	if a.cfg.Server.Enabled {
		a.statusServer = httpserver.New(a.cfg.Server.Address, a.aggregator.Status, a.log)
		if err := a.statusServer.Start(a.cfg.StartupTimeout.Duration()); err != nil {
			return err
		}
	}

	a.scheduler = quartz.NewStdScheduler()
	a.scheduler.Start(ctx)
	err = a.scheduler.ScheduleJob(
		quartz.NewJobDetail(newUptimeJob(a.startTime, a.log), quartz.NewJobKey("uptime-report")),
		quartz.NewSimpleTrigger(a.cfg.UptimeInterval.Duration()),
	)
	if err != nil {
		return fmt.Errorf("scheduling uptime report: %w", err)
	}

	watcher, err := newConfigWatcher(a.cfg.LocalConfigPath(), a.appPub, a.log)
	if err != nil {
		a.log.WithError(err).Warn("Local config watch unavailable")
	} else {
		a.watcher = watcher
	}

	if err := a.ensureOpAMP(ctx, acID); err != nil {
		a.log.WithError(err).Error("Starting the fleet connection failed")
	}
	a.reconcile(ctx)

	// sweep resources orphaned while Agent Control was down
	current := map[agenttype.AgentID]struct{}{}
	for _, id := range a.manager.Running() {
		current[id] = struct{}{}
	}
	if err := a.deps.Cleaner.Clean(ctx, current); err != nil {
		a.log.WithError(err).Error("Startup garbage collection failed")
	}
	return nil
}

// loop is the single-threaded dispatcher. Handlers never block on each
// other; all blocking work happens on worker goroutines.
func (a *AgentControl) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-a.appEvents.Channel():
			switch ev.Kind {
			case AppStopRequested:
				a.log.Info("Stop requested")
				return
			case AppLocalConfigChanged:
				a.handleLocalConfigChanged(ctx)
			}
		case ev := <-a.opampEvents.Channel():
			a.handleOpAMPEvent(ctx, ev)
		case ev := <-a.subagentEvents.Channel():
			a.handleSubAgentEvent(ev)
		}
	}
}

func (a *AgentControl) shutdown() {
	if a.watcher != nil {
		a.watcher.stop()
	}
	a.scheduler.Stop()
	a.manager.StopAll()

	stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout.Duration())
	defer cancel()
	for id, client := range a.opampClients {
		if err := client.Stop(stopCtx); err != nil {
			a.log.WithError(err).WithField("agent_id", id.String()).Warn("Stopping fleet connection failed")
		}
	}
	if a.statusServer != nil {
		if err := a.statusServer.Stop(stopCtx); err != nil {
			a.log.WithError(err).Warn("Stopping status endpoint failed")
		}
	}
	a.log.Info("Agent Control stopped")
}

func (a *AgentControl) handleLocalConfigChanged(ctx context.Context) {
	cfg, err := LoadConfig(a.cfg.LocalConfigPath())
	if err != nil {
		a.log.WithError(err).Error("Reloaded local config is invalid, keeping previous config")
		return
	}
	a.cfg.Agents = cfg.Agents
	a.cfg.ChartVersion = cfg.ChartVersion

	// the remote layer still wins while present
	acID := agenttype.AgentID(agenttype.AgentControlID)
	if doc, source, err := a.loader.Effective(acID, true); err == nil && source == values.SourceRemote {
		if dynamic, err := ParseDynamicConfig(doc); err == nil {
			a.dynamic = dynamic
			a.reconcile(ctx)
			return
		}
	}
	a.dynamic = cfg.Dynamic()
	a.reconcile(ctx)
}

func (a *AgentControl) handleOpAMPEvent(ctx context.Context, ev opamp.Event) {
	switch ev.Kind {
	case opamp.EventConnected:
		a.log.WithField("agent_id", ev.AgentID.String()).Info("Fleet connection established")
	case opamp.EventConnectFailed:
		a.log.WithError(ev.Err).WithField("agent_id", ev.AgentID.String()).Warn("Fleet connection failed")
	case opamp.EventRemoteConfig:
		a.handleRemoteConfig(ctx, ev)
	}
}

func (a *AgentControl) handleRemoteConfig(ctx context.Context, ev opamp.Event) {
	result := a.processor.Process(ev.AgentID, ev.RemoteConfig, ev.Signature)
	if client, ok := a.opampClients[ev.AgentID]; ok {
		if err := client.SetRemoteConfigStatus(result.Entry); err != nil {
			a.log.WithError(err).Warn("Reporting remote config status failed")
		}
	}
	if result.Decision == remoteconfig.DecisionReject {
		a.log.WithField("agent_id", ev.AgentID.String()).
			WithField("error", result.Entry.ErrorMessage).
			Warn("Remote config rejected")
		return
	}

	if ev.AgentID.IsAgentControl() {
		switch result.Decision {
		case remoteconfig.DecisionApply:
			dynamic, err := ParseDynamicConfig(result.Values)
			if err != nil {
				// the validator accepted it, this is a logic error
				a.log.WithError(err).Error("Applying validated dynamic config failed")
				return
			}
			a.dynamic = dynamic
		case remoteconfig.DecisionClear:
			a.dynamic = a.cfg.Dynamic()
		}
	}
	a.reconcile(ctx)
	a.reportEffectiveConfig(ctx, ev.AgentID)
}

func (a *AgentControl) handleSubAgentEvent(ev subagent.Event) {
	a.aggregator.Observe(ev.AgentID, ev.Health)
	a.publishHealth()
}

func (a *AgentControl) publishHealth() {
	acID := agenttype.AgentID(agenttype.AgentControlID)
	client, ok := a.opampClients[acID]
	if !ok {
		return
	}
	if err := client.SetHealth(a.aggregator.AgentControlHealth(), a.aggregator.SubAgentHealth()); err != nil {
		a.log.WithError(err).Debug("Reporting health failed")
	}
}

// reconcile translates the current dynamic config into the desired set and
// lets the lifecycle manager apply the diff.
func (a *AgentControl) reconcile(ctx context.Context) {
	desiredTypes, err := a.dynamic.Desired()
	if err != nil {
		a.log.WithError(err).Error("Dynamic config is invalid, skipping reconciliation")
		return
	}

	desired := make(map[agenttype.AgentID]subagent.Desired, len(desiredTypes))
	for id, typeID := range desiredTypes {
		doc, _, err := a.loader.Effective(id, true)
		if err != nil {
			a.log.WithError(err).WithField("agent_id", id.String()).Error("Loading values failed")
			continue
		}
		desired[id] = subagent.Desired{ID: id, TypeID: typeID, Values: doc}
	}

	for id, err := range a.manager.Reconcile(ctx, desired) {
		a.log.WithError(err).WithField("agent_id", id.String()).Error("Reconciling sub-agent failed")
	}

	// forget removed agents and sync their fleet connections
	running := map[agenttype.AgentID]struct{}{}
	for _, id := range a.manager.Running() {
		running[id] = struct{}{}
	}
	for _, id := range a.aggregator.knownIDs() {
		if _, ok := running[id]; !ok {
			a.aggregator.Forget(id)
		}
	}
	a.syncOpAMPClients(ctx, running)

	if a.deps.VersionUpdater != nil && a.dynamic.ChartVersion != "" {
		if err := a.deps.VersionUpdater.Update(ctx, a.dynamic.ChartVersion); err != nil {
			a.log.WithError(err).Error("Updating chart version failed")
		}
	}
	a.publishHealth()
}

func (a *AgentControl) syncOpAMPClients(ctx context.Context, running map[agenttype.AgentID]struct{}) {
	if a.deps.OpAMPFactory == nil {
		return
	}
	for id := range running {
		if _, ok := a.opampClients[id]; !ok {
			if err := a.ensureOpAMP(ctx, id); err != nil {
				a.log.WithError(err).WithField("agent_id", id.String()).Warn("Starting fleet connection failed")
			}
		}
	}
	for id, client := range a.opampClients {
		if id.IsAgentControl() {
			continue
		}
		if _, ok := running[id]; !ok {
			if err := client.Stop(ctx); err != nil {
				a.log.WithError(err).WithField("agent_id", id.String()).Warn("Stopping fleet connection failed")
			}
			delete(a.opampClients, id)
		}
	}
}

func (a *AgentControl) ensureOpAMP(ctx context.Context, id agenttype.AgentID) error {
	if a.deps.OpAMPFactory == nil {
		return nil
	}
	if _, ok := a.opampClients[id]; ok {
		return nil
	}
	instance, err := a.deps.InstanceIDs.Get(id)
	if err != nil {
		return err
	}
	client := a.deps.OpAMPFactory(id, instance, a.opampPub)
	if err := client.Start(ctx, a.description(id)); err != nil {
		return err
	}
	a.opampClients[id] = client
	return nil
}

// description builds the AgentDescription reported on connect.
func (a *AgentControl) description(id agenttype.AgentID) *protobufs.AgentDescription {
	identity := a.deps.Identity
	serviceName := "newrelic-agent-control"
	if !id.IsAgentControl() {
		if desired, err := a.dynamic.Desired(); err == nil {
			if typeID, ok := desired[id]; ok {
				serviceName = typeID.String()
			}
		}
	}
	identifying := []*protobufs.KeyValue{
		stringAttr("service.name", serviceName),
		stringAttr("service.version", version.Version),
	}
	nonIdentifying := []*protobufs.KeyValue{
		stringAttr("agent.version", identity.Version),
	}
	if identity.HostID != "" {
		nonIdentifying = append(nonIdentifying, stringAttr("host.id", identity.HostID))
	}
	if identity.ClusterName != "" {
		nonIdentifying = append(nonIdentifying, stringAttr("cluster.name", identity.ClusterName))
	}
	if identity.FleetID != "" {
		nonIdentifying = append(nonIdentifying, stringAttr("fleet.id", identity.FleetID))
	}
	return &protobufs.AgentDescription{
		IdentifyingAttributes:    identifying,
		NonIdentifyingAttributes: nonIdentifying,
	}
}

func stringAttr(key, value string) *protobufs.KeyValue {
	return &protobufs.KeyValue{
		Key:   key,
		Value: &protobufs.AnyValue{Value: &protobufs.AnyValue_StringValue{StringValue: value}},
	}
}

// reportEffectiveConfig pushes the configuration in force for one agent.
func (a *AgentControl) reportEffectiveConfig(ctx context.Context, id agenttype.AgentID) {
	client, ok := a.opampClients[id]
	if !ok {
		return
	}
	var doc any
	if id.IsAgentControl() {
		doc = a.dynamic
	} else {
		effective, _, err := a.loader.Effective(id, true)
		if err != nil {
			a.log.WithError(err).Warn("Loading effective values failed")
			return
		}
		doc = effective
	}
	raw, err := yaml.Marshal(doc)
	if err != nil {
		a.log.WithError(err).Warn("Serializing effective config failed")
		return
	}
	if err := client.ReportEffectiveConfig(ctx, raw); err != nil {
		a.log.WithError(err).Debug("Reporting effective config failed")
	}
}
