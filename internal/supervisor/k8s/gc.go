package k8s

import (
	"context"
	"errors"
	"fmt"

	"github.com/avast/retry-go/v4"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	apimeta "k8s.io/apimachinery/pkg/api/meta"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

// GarbageCollector deletes managed objects whose agent-id label references
// an id absent from the current dynamic config. Selection is purely by
// label, which makes GC safe under add/remove races.
type GarbageCollector struct {
	client    client.Client
	namespace string
	// kinds is the set of GVKs ever applied by any agent type, the search
	// space for orphaned objects.
	kinds []schema.GroupVersionKind
}

func NewGarbageCollector(c client.Client, namespace string, kinds []schema.GroupVersionKind) *GarbageCollector {
	return &GarbageCollector{client: c, namespace: namespace, kinds: kinds}
}

// Collect removes every managed object not owned by a current agent id.
// Per-object failures are logged and do not abort the sweep.
func (g *GarbageCollector) Collect(ctx context.Context, current map[agenttype.AgentID]struct{}) error {
	logger := log.FromContext(ctx).WithName("gc")
	var firstErr error
	for _, gvk := range g.kinds {
		list := &unstructured.UnstructuredList{}
		list.SetGroupVersionKind(gvk.GroupVersion().WithKind(gvk.Kind + "List"))
		err := g.client.List(ctx, list,
			client.InNamespace(g.namespace),
			client.MatchingLabels{ManagedByLabel: ManagedByValue},
		)
		if err != nil {
			if apierrors.IsNotFound(err) || isNoKindMatch(err) {
				continue
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("listing %s: %w", gvk, err)
			}
			continue
		}
		for i := range list.Items {
			obj := &list.Items[i]
			owner, ok := obj.GetLabels()[AgentIDLabel]
			if !ok {
				continue
			}
			if _, alive := current[agenttype.AgentID(owner)]; alive {
				continue
			}
			logger.Info("Deleting orphaned object",
				"kind", obj.GetKind(), "name", obj.GetName(), "agentID", owner)
			err := retry.Do(
				func() error {
					err := g.client.Delete(ctx, obj)
					if apierrors.IsNotFound(err) {
						return nil
					}
					return err
				},
				retry.Attempts(3),
				retry.Context(ctx),
				retry.LastErrorOnly(true),
			)
			if err != nil {
				logger.Error(err, "Deleting orphaned object failed",
					"kind", obj.GetKind(), "name", obj.GetName())
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

func isNoKindMatch(err error) bool {
	var noMatch *apimeta.NoKindMatchError
	return errors.As(err, &noMatch)
}
