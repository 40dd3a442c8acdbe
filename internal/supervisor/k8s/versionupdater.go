package k8s

import (
	"context"
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// HelmReleaseGVK identifies the Flux HelmRelease kind owning Agent Control
// itself.
var HelmReleaseGVK = schema.GroupVersionKind{
	Group:   "helm.toolkit.fluxcd.io",
	Version: "v2beta2",
	Kind:    "HelmRelease",
}

// VersionUpdater patches the chart version of the HelmRelease owning Agent
// Control, delegating the actual upgrade to the external Helm controller.
type VersionUpdater struct {
	client      client.Client
	namespace   string
	releaseName string
}

func NewVersionUpdater(c client.Client, namespace, releaseName string) *VersionUpdater {
	return &VersionUpdater{client: c, namespace: namespace, releaseName: releaseName}
}

// Update sets spec.chart.spec.version when it differs from chartVersion.
func (u *VersionUpdater) Update(ctx context.Context, chartVersion string) error {
	if chartVersion == "" {
		return nil
	}
	logger := log.FromContext(ctx).WithName("version-updater")
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		release := &unstructured.Unstructured{}
		release.SetGroupVersionKind(HelmReleaseGVK)
		key := types.NamespacedName{Namespace: u.namespace, Name: u.releaseName}
		if err := u.client.Get(ctx, key, release); err != nil {
			return fmt.Errorf("getting helm release %s: %w", key.Name, err)
		}
		current, _, err := unstructured.NestedString(release.Object, "spec", "chart", "spec", "version")
		if err != nil {
			return err
		}
		if current == chartVersion {
			return nil
		}
		if err := unstructured.SetNestedField(release.Object, chartVersion, "spec", "chart", "spec", "version"); err != nil {
			return err
		}
		logger.Info("Patching chart version", "from", current, "to", chartVersion)
		return u.client.Update(ctx, release)
	})
}
