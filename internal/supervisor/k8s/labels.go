// Package k8s supervises the cluster resources of sub-agents: server-side
// apply, readiness observation through reflector caches and label-driven
// garbage collection.
package k8s

import (
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

const (
	// FieldManager is the stable server-side apply field manager.
	FieldManager = "newrelic-agent-control"

	// ManagedByLabel marks every object owned by Agent Control.
	ManagedByLabel = "app.kubernetes.io/managed-by"
	// ManagedByValue is the value of ManagedByLabel.
	ManagedByValue = "newrelic-agent-control"
	// AgentIDLabel carries the owning sub-agent id.
	AgentIDLabel = "newrelic.io/agent-id"
	// AgentTypeIDAnnotation carries the fully qualified agent type id.
	AgentTypeIDAnnotation = "newrelic.io/agent-type-id"
)

// tagObject stamps the ownership labels and annotation onto an object
// before apply.
func tagObject(obj *unstructured.Unstructured, agentID agenttype.AgentID, typeID agenttype.ID) {
	labels := obj.GetLabels()
	if labels == nil {
		labels = map[string]string{}
	}
	labels[ManagedByLabel] = ManagedByValue
	labels[AgentIDLabel] = agentID.String()
	obj.SetLabels(labels)

	annotations := obj.GetAnnotations()
	if annotations == nil {
		annotations = map[string]string{}
	}
	annotations[AgentTypeIDAnnotation] = typeID.String()
	obj.SetAnnotations(annotations)
}
