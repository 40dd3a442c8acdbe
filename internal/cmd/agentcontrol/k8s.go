package agentcontrol

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"

	control "github.com/newrelic/newrelic-agent-control/internal/agentcontrol"
	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/instanceid"
	"github.com/newrelic/newrelic-agent-control/internal/remoteconfig"
	k8ssup "github.com/newrelic/newrelic-agent-control/internal/supervisor/k8s"
	"github.com/newrelic/newrelic-agent-control/internal/values"
)

const defaultReleaseName = "agent-control"

// gcCleaner adapts the garbage collector to the lifecycle manager's
// resource-cleaner contract.
type gcCleaner struct {
	gc *k8ssup.GarbageCollector
}

func (c gcCleaner) Clean(ctx context.Context, current map[agenttype.AgentID]struct{}) error {
	return c.gc.Collect(ctx, current)
}

// buildK8sDeps wires the Kubernetes environment: configmap-backed stores,
// the applier, reflectors, garbage collection and the self version updater.
// Missing cluster credentials are a startup precondition failure.
func buildK8sDeps(
	ctx context.Context,
	cfg *control.Config,
	registry *agenttype.Registry,
	renderer *agenttype.Renderer,
	fileStore *values.FileStore,
	identity agenttype.IdentityAttributes,
	logger *logrus.Logger,
) (control.Deps, error) {
	restConfig, err := ctrl.GetConfig()
	if err != nil {
		return control.Deps{}, fmt.Errorf("missing cluster credentials: %w", err)
	}
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return control.Deps{}, err
	}
	cl, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return control.Deps{}, fmt.Errorf("building cluster client: %w", err)
	}

	namespace := cfg.K8s.Namespace
	if namespace == "" {
		return control.Deps{}, fmt.Errorf("k8s.namespace is required")
	}

	reflectors, err := k8ssup.NewReflectors(restConfig, scheme, namespace)
	if err != nil {
		return control.Deps{}, err
	}
	if err := reflectors.Start(ctx, cfg.StartupTimeout.Duration()); err != nil {
		return control.Deps{}, err
	}

	releaseName := cfg.K8s.ReleaseName
	if releaseName == "" {
		releaseName = defaultReleaseName
	}

	return control.Deps{
		Builder: &control.K8sBuilder{
			Registry:   registry,
			Renderer:   renderer,
			AgentDir:   fileStore.AgentDir,
			Applier:    k8ssup.NewApplier(cl, namespace),
			Reflectors: reflectors,
			Namespace:  namespace,
			Logger:     logger,
		},
		Cleaner:        gcCleaner{gc: k8ssup.NewGarbageCollector(cl, namespace, registryGVKs(registry))},
		Store:          values.NewConfigMapStore(cl, namespace, fileStore),
		Hashes:         remoteconfig.NewConfigMapHashStore(cl, namespace),
		InstanceIDs:    instanceid.NewGetter(instanceid.NewConfigMapStorer(cl, namespace), identifiers(cfg, identity)),
		Identity:       identity,
		AgentDir:       fileStore.AgentDir,
		VersionUpdater: k8ssup.NewVersionUpdater(cl, namespace, releaseName),
	}, nil
}

// registryGVKs collects every literal apiVersion/kind pair declared by any
// registered agent type, the search space for garbage collection.
func registryGVKs(registry *agenttype.Registry) []schema.GroupVersionKind {
	seen := map[schema.GroupVersionKind]struct{}{}
	var kinds []schema.GroupVersionKind
	for _, id := range registry.IDs() {
		def, err := registry.Get(id)
		if err != nil || def.Deployment.K8s == nil {
			continue
		}
		for _, obj := range def.Deployment.K8s.Objects {
			apiVersion, _ := obj["apiVersion"].(string)
			kind, _ := obj["kind"].(string)
			if apiVersion == "" || kind == "" ||
				strings.Contains(apiVersion, "${") || strings.Contains(kind, "${") {
				continue
			}
			gv, err := schema.ParseGroupVersion(apiVersion)
			if err != nil {
				continue
			}
			gvk := gv.WithKind(kind)
			if _, ok := seen[gvk]; ok {
				continue
			}
			seen[gvk] = struct{}{}
			kinds = append(kinds, gvk)
		}
	}
	return kinds
}
