package k8s

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

// Applier pushes rendered objects to the cluster with server-side apply
// under the stable field manager, stamping the ownership labels.
type Applier struct {
	client    client.Client
	namespace string
}

func NewApplier(c client.Client, namespace string) *Applier {
	return &Applier{client: c, namespace: namespace}
}

// Apply applies every object of the runtime spec. Transient API errors are
// retried; a conflict with another field manager is reported per-object.
func (a *Applier) Apply(ctx context.Context, agentID agenttype.AgentID, typeID agenttype.ID, objects []agenttype.K8sObject) error {
	for _, spec := range objects {
		obj := &unstructured.Unstructured{Object: spec.Object}
		obj = obj.DeepCopy()
		if obj.GetNamespace() == "" {
			obj.SetNamespace(a.namespace)
		}
		tagObject(obj, agentID, typeID)

		err := retry.Do(
			func() error {
				return a.client.Patch(ctx, obj, client.Apply, client.FieldOwner(FieldManager))
			},
			retry.Attempts(3),
			retry.Context(ctx),
			retry.RetryIf(func(err error) bool {
				return errors.IsServerTimeout(err) || errors.IsTooManyRequests(err) || errors.IsServiceUnavailable(err)
			}),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			return fmt.Errorf("applying %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
		}
	}
	return nil
}

// Delete removes every object of the runtime spec. Absent objects are not
// an error.
func (a *Applier) Delete(ctx context.Context, objects []agenttype.K8sObject) error {
	for _, spec := range objects {
		obj := &unstructured.Unstructured{Object: spec.Object}
		obj = obj.DeepCopy()
		if obj.GetNamespace() == "" {
			obj.SetNamespace(a.namespace)
		}
		if err := a.client.Delete(ctx, obj); err != nil && !errors.IsNotFound(err) {
			return fmt.Errorf("deleting %s %s/%s: %w", obj.GetKind(), obj.GetNamespace(), obj.GetName(), err)
		}
	}
	return nil
}
