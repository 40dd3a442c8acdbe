package agentcontrol

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"

	control "github.com/newrelic/newrelic-agent-control/internal/agentcontrol"
	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/opamp"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	"github.com/newrelic/newrelic-agent-control/internal/values"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
	"github.com/newrelic/newrelic-agent-control/pkg/version"
)

func start(ctx context.Context, opts *options) error {
	configPath := opts.configPath
	if configPath == "" {
		configPath = filepath.Join(control.DefaultLocalDir, control.LocalConfigFileName)
	}
	cfg, err := control.LoadConfig(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitErr(ExitMissingFile, err)
		}
		return exitErr(ExitInvalidInput, err)
	}
	if opts.configPath != "" {
		cfg.LocalDir = filepath.Dir(configPath)
	}

	logger, err := setupLogging(cfg, opts.printDebug)
	if err != nil {
		return exitErr(ExitLoggingInit, err)
	}
	logger.WithField("version", version.FriendlyVersion()).Info("Starting Agent Control")

	registry, err := agenttype.NewRegistry()
	if err != nil {
		return exitErr(ExitRuntimeError, err)
	}
	if cfg.AgentTypeDir != "" {
		if err := registry.LoadDir(cfg.AgentTypeDir); err != nil {
			return exitErr(ExitInvalidInput, err)
		}
	}

	identity := buildIdentity(cfg)
	renderer := agenttype.NewRenderer(identity, cfg.Raw, os.Environ)
	fileStore := values.NewFileStore(cfg.LocalDir, cfg.RemoteDir)

	var deps control.Deps
	if cfg.K8s != nil {
		deps, err = buildK8sDeps(ctx, cfg, registry, renderer, fileStore, identity, logger)
		if err != nil {
			return exitErr(ExitPrecondition, err)
		}
	} else {
		deps = buildOnHostDeps(cfg, registry, renderer, fileStore, identity, logger)
	}

	if cfg.FleetControl.Enabled {
		deps.OpAMPFactory = opampFactory(cfg, logger)
	}
	if cfg.FleetControl.SignatureValidation.Enabled {
		fetcher := remoteconfig.NewCertificateFetcher(
			cfg.FleetControl.SignatureValidation.CertificateURL,
			cfg.FleetControl.SignatureValidation.CertificateTTL.Duration(),
		)
		deps.Signer = remoteconfig.NewSignatureValidator(fetcher)
	}

	ac := control.New(cfg, registry, renderer, deps, logger)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		sig, ok := <-signals
		if !ok {
			return
		}
		logger.WithField("signal", sig.String()).Info("Shutdown signal received")
		_ = ac.AppEventPublisher().Publish(control.AppEvent{Kind: control.AppStopRequested})
	}()

	if err := ac.Run(ctx); err != nil {
		return exitErr(ExitRuntimeError, err)
	}
	return nil
}

func buildIdentity(cfg *control.Config) agenttype.IdentityAttributes {
	identity := agenttype.IdentityAttributes{
		Version: version.Version,
		FleetID: cfg.FleetControl.FleetID,
	}
	if cfg.K8s != nil {
		identity.ClusterName = cfg.K8s.ClusterName
		return identity
	}
	identity.HostID = cfg.HostID
	if identity.HostID == "" {
		identity.HostID = detectHostID()
	}
	return identity
}

// detectHostID prefers the machine id, falling back to the hostname.
func detectHostID() string {
	if raw, err := os.ReadFile("/etc/machine-id"); err == nil {
		if id := strings.TrimSpace(string(raw)); id != "" {
			return id
		}
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}

func identifiers(cfg *control.Config, identity agenttype.IdentityAttributes) instanceid.Identifiers {
	return instanceid.Identifiers{
		HostID:      identity.HostID,
		ClusterName: identity.ClusterName,
		FleetID:     cfg.FleetControl.FleetID,
	}
}

func opampFactory(cfg *control.Config, logger *logrus.Logger) control.OpAMPFactory {
	return func(id agenttype.AgentID, instance instanceid.ID, events *event.Publisher[opamp.Event]) control.OpAMPClient {
		headers := http.Header{}
		for key, value := range cfg.FleetControl.Headers {
			headers.Set(key, value)
		}
		return opamp.NewClient(opamp.Config{
			AgentID:    id,
			Endpoint:   cfg.FleetControl.Endpoint,
			Headers:    headers,
			InstanceID: instance,
		}, events, logger.WithField("component", "opamp").WithField("agent_id", id.String()))
	}
}
