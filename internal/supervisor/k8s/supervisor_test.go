package k8s

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"
	"sigs.k8s.io/controller-runtime/pkg/client/interceptor"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/health"
	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// ssaClient emulates server-side apply on the fake client, which does not
// support apply patches.
func ssaClient(t *testing.T, scheme *runtime.Scheme, objs ...client.Object) client.WithWatch {
	t.Helper()
	return fake.NewClientBuilder().WithScheme(scheme).WithObjects(objs...).
		WithInterceptorFuncs(interceptor.Funcs{
			Patch: func(ctx context.Context, c client.WithWatch, obj client.Object, patch client.Patch, opts ...client.PatchOption) error {
				if patch != client.Apply {
					return c.Patch(ctx, obj, patch, opts...)
				}
				existing := obj.DeepCopyObject().(client.Object)
				err := c.Get(ctx, client.ObjectKeyFromObject(obj), existing)
				if apierrors.IsNotFound(err) {
					return c.Create(ctx, obj)
				}
				if err != nil {
					return err
				}
				obj.SetResourceVersion(existing.GetResourceVersion())
				return c.Update(ctx, obj)
			},
		}).Build()
}

func helmReleaseSpec(name string) agenttype.K8sObject {
	return agenttype.K8sObject{
		Name: "helm_release",
		Object: map[string]any{
			"apiVersion": "helm.toolkit.fluxcd.io/v2beta2",
			"kind":       "HelmRelease",
			"metadata":   map[string]any{"name": name},
			"spec": map[string]any{
				"chart": map[string]any{
					"spec": map[string]any{"chart": "nr-otel-collector", "version": "1.2.3"},
				},
			},
		},
	}
}

func TestApplierAppliesWithOwnershipLabels(t *testing.T) {
	scheme := testScheme(t)
	c := ssaClient(t, scheme)
	applier := NewApplier(c, "newrelic")

	typeID, err := agenttype.ParseID("newrelic/io.opentelemetry.collector:0.1.0")
	require.NoError(t, err)
	id, err := agenttype.NewSubAgentID("otel")
	require.NoError(t, err)

	require.NoError(t, applier.Apply(context.Background(), id, typeID, []agenttype.K8sObject{helmReleaseSpec("otel")}))

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(HelmReleaseGVK)
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "newrelic", Name: "otel"}, got))
	assert.Equal(t, ManagedByValue, got.GetLabels()[ManagedByLabel])
	assert.Equal(t, "otel", got.GetLabels()[AgentIDLabel])
	assert.Equal(t, typeID.String(), got.GetAnnotations()[AgentTypeIDAnnotation])

	// delete is idempotent
	require.NoError(t, applier.Delete(context.Background(), []agenttype.K8sObject{helmReleaseSpec("otel")}))
	require.NoError(t, applier.Delete(context.Background(), []agenttype.K8sObject{helmReleaseSpec("otel")}))
}

func TestSupervisorHealthReflectsReadiness(t *testing.T) {
	scheme := testScheme(t)
	c := ssaClient(t, scheme)

	typeID, err := agenttype.ParseID("newrelic/io.opentelemetry.collector:0.1.0")
	require.NoError(t, err)
	id, err := agenttype.NewSubAgentID("otel")
	require.NoError(t, err)

	publisher, consumer := event.NewChannel[health.Health](10)
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	sup := NewSupervisor(Config{
		AgentID: id,
		TypeID:  typeID,
		Runtime: &agenttype.K8sRuntime{
			Objects: []agenttype.K8sObject{helmReleaseSpec("otel")},
			Health:  &agenttype.HealthSpec{Interval: 20 * time.Millisecond, InitialDelay: 0, Timeout: time.Second},
		},
		Applier:         NewApplier(c, "newrelic"),
		Reader:          c,
		Namespace:       "newrelic",
		HealthPublisher: publisher,
		Logger:          log,
	})
	require.NoError(t, sup.Start(context.Background()))
	defer sup.Stop()

	// the release has no Ready condition yet
	select {
	case report := <-consumer.Channel():
		assert.False(t, report.Healthy)
		assert.Contains(t, report.LastError, "no conditions")
	case <-time.After(5 * time.Second):
		t.Fatal("no health report received")
	}

	// flip the condition to Ready
	release := &unstructured.Unstructured{}
	release.SetGroupVersionKind(HelmReleaseGVK)
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "newrelic", Name: "otel"}, release))
	require.NoError(t, unstructured.SetNestedSlice(release.Object,
		[]any{map[string]any{"type": "Ready", "status": "True"}}, "status", "conditions"))
	require.NoError(t, c.Update(context.Background(), release))

	require.Eventually(t, func() bool {
		select {
		case report := <-consumer.Channel():
			return report.Healthy
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond, "health never converged")
}

func TestVersionUpdater(t *testing.T) {
	scheme := testScheme(t)
	release := managedRelease("agent-control", "agent-control")
	require.NoError(t, unstructured.SetNestedField(release.Object, "1.0.0", "spec", "chart", "spec", "version"))
	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(release).Build()

	updater := NewVersionUpdater(c, "newrelic", "agent-control")
	require.NoError(t, updater.Update(context.Background(), "1.1.0"))

	got := &unstructured.Unstructured{}
	got.SetGroupVersionKind(HelmReleaseGVK)
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: "newrelic", Name: "agent-control"}, got))
	version, _, err := unstructured.NestedString(got.Object, "spec", "chart", "spec", "version")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", version)

	// no-op when already at the requested version
	require.NoError(t, updater.Update(context.Background(), "1.1.0"))
	// empty version is ignored
	require.NoError(t, updater.Update(context.Background(), ""))
}
