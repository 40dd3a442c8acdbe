package k8s

import (
	"fmt"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
)

// Ready maps an observed object to a deterministic readiness verdict per
// kind. A nil return means ready.
func Ready(obj *unstructured.Unstructured) error {
	switch obj.GetKind() {
	case "Deployment":
		return deploymentReady(obj)
	case "DaemonSet":
		return daemonSetReady(obj)
	case "StatefulSet":
		return statefulSetReady(obj)
	case "HelmRelease":
		return conditionReady(obj, "Ready")
	case "Instrumentation":
		return instrumentationReady(obj)
	default:
		// existence is the only signal for unknown kinds
		return nil
	}
}

func deploymentReady(obj *unstructured.Unstructured) error {
	generation := obj.GetGeneration()
	observed, _, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if observed != generation {
		return fmt.Errorf("deployment %s: observed generation %d behind %d", obj.GetName(), observed, generation)
	}
	replicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if !found {
		replicas = 1
	}
	updated, _, _ := unstructured.NestedInt64(obj.Object, "status", "updatedReplicas")
	available, _, _ := unstructured.NestedInt64(obj.Object, "status", "availableReplicas")
	if updated != replicas {
		return fmt.Errorf("deployment %s: %d/%d replicas updated", obj.GetName(), updated, replicas)
	}
	if available < replicas {
		return fmt.Errorf("deployment %s: %d/%d replicas available", obj.GetName(), available, replicas)
	}
	return nil
}

func daemonSetReady(obj *unstructured.Unstructured) error {
	generation := obj.GetGeneration()
	observed, _, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if observed != generation {
		return fmt.Errorf("daemonset %s: observed generation %d behind %d", obj.GetName(), observed, generation)
	}
	desired, _, _ := unstructured.NestedInt64(obj.Object, "status", "desiredNumberScheduled")
	ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "numberReady")
	if ready != desired {
		return fmt.Errorf("daemonset %s: %d/%d pods ready", obj.GetName(), ready, desired)
	}
	return nil
}

func statefulSetReady(obj *unstructured.Unstructured) error {
	generation := obj.GetGeneration()
	observed, _, _ := unstructured.NestedInt64(obj.Object, "status", "observedGeneration")
	if observed != generation {
		return fmt.Errorf("statefulset %s: observed generation %d behind %d", obj.GetName(), observed, generation)
	}
	replicas, found, _ := unstructured.NestedInt64(obj.Object, "spec", "replicas")
	if !found {
		replicas = 1
	}
	updated, _, _ := unstructured.NestedInt64(obj.Object, "status", "updatedReplicas")
	ready, _, _ := unstructured.NestedInt64(obj.Object, "status", "readyReplicas")
	if updated != replicas {
		return fmt.Errorf("statefulset %s: %d/%d replicas updated", obj.GetName(), updated, replicas)
	}
	if ready < replicas {
		return fmt.Errorf("statefulset %s: %d/%d replicas ready", obj.GetName(), ready, replicas)
	}
	return nil
}

// conditionReady inspects a standard conditions list for the given type.
func conditionReady(obj *unstructured.Unstructured, conditionType string) error {
	conditions, found, _ := unstructured.NestedSlice(obj.Object, "status", "conditions")
	if !found {
		return fmt.Errorf("%s %s: no conditions reported", obj.GetKind(), obj.GetName())
	}
	for _, raw := range conditions {
		condition, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if condition["type"] != conditionType {
			continue
		}
		if condition["status"] == "True" {
			return nil
		}
		message, _ := condition["message"].(string)
		return fmt.Errorf("%s %s: condition %s is %v: %s", obj.GetKind(), obj.GetName(), conditionType, condition["status"], message)
	}
	return fmt.Errorf("%s %s: condition %s not found", obj.GetKind(), obj.GetName(), conditionType)
}

func instrumentationReady(obj *unstructured.Unstructured) error {
	matching, foundMatching, _ := unstructured.NestedInt64(obj.Object, "status", "podsMatching")
	injected, foundInjected, _ := unstructured.NestedInt64(obj.Object, "status", "podsInjected")
	if foundMatching && foundInjected {
		if injected < matching {
			return fmt.Errorf("instrumentation %s: %d/%d pods injected", obj.GetName(), injected, matching)
		}
		return nil
	}
	return conditionReady(obj, "Ready")
}
