package agentcontrol

import (
	"github.com/sirupsen/logrus"

	control "github.com/newrelic/newrelic-agent-control/internal/agentcontrol"
	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/subagent"
	"github.com/newrelic/newrelic-agent-control/internal/values"
)

// buildOnHostDeps wires the host environment: file-backed stores and the
// process supervisor.
func buildOnHostDeps(
	cfg *control.Config,
	registry *agenttype.Registry,
	renderer *agenttype.Renderer,
	fileStore *values.FileStore,
	identity agenttype.IdentityAttributes,
	logger *logrus.Logger,
) control.Deps {
	return control.Deps{
		Builder: &control.OnHostBuilder{
			Registry:        registry,
			Renderer:        renderer,
			AgentDir:        fileStore.AgentDir,
			LogDir:          cfg.LogDir,
			ShutdownTimeout: cfg.ShutdownTimeout.Duration(),
			Logger:          logger,
		},
		Cleaner:     subagent.NoopCleaner{},
		Store:       fileStore,
		Hashes:      remoteconfig.NewFileHashStore(fileStore.AgentDir),
		InstanceIDs: instanceid.NewGetter(instanceid.NewFileStorer(fileStore.AgentDir), identifiers(cfg, identity)),
		Identity:    identity,
		AgentDir:    fileStore.AgentDir,
	}
}
