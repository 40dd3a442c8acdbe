package values

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
)

const (
	// RemoteConfigSuffix names the configmap holding an agent's remote
	// values: "<agent-id>-remote-config".
	RemoteConfigSuffix = "remote-config"
	configMapValuesKey = "values"
)

// ConfigMapStore keeps the remote layer in per-agent ConfigMaps; the local
// layer still comes from the mounted chart config on disk.
type ConfigMapStore struct {
	client    client.Client
	namespace string
	local     LocalStore
}

func NewConfigMapStore(c client.Client, namespace string, local LocalStore) *ConfigMapStore {
	return &ConfigMapStore{client: c, namespace: namespace, local: local}
}

func remoteConfigName(id agenttype.AgentID) string {
	return id.String() + "-" + RemoteConfigSuffix
}

func (s *ConfigMapStore) LoadLocal(id agenttype.AgentID) (Doc, error) {
	return s.local.LoadLocal(id)
}

func (s *ConfigMapStore) LoadRemote(id agenttype.AgentID) (Doc, error) {
	cm := &corev1.ConfigMap{}
	key := types.NamespacedName{Namespace: s.namespace, Name: remoteConfigName(id)}
	if err := s.client.Get(context.Background(), key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting configmap %s: %w", key.Name, err)
	}
	raw, ok := cm.Data[configMapValuesKey]
	if !ok {
		return nil, nil
	}
	doc := Doc{}
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("parsing configmap %s: %w", key.Name, err)
	}
	return doc, nil
}

func (s *ConfigMapStore) StoreRemote(id agenttype.AgentID, doc Doc) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing values for %s: %w", id, err)
	}
	ctx := context.Background()
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      remoteConfigName(id),
			Namespace: s.namespace,
		},
		Data: map[string]string{configMapValuesKey: string(raw)},
	}
	err = s.client.Create(ctx, cm)
	if apierrors.IsAlreadyExists(err) {
		existing := &corev1.ConfigMap{}
		key := types.NamespacedName{Namespace: s.namespace, Name: cm.Name}
		if err := s.client.Get(ctx, key, existing); err != nil {
			return err
		}
		existing.Data = cm.Data
		return s.client.Update(ctx, existing)
	}
	return err
}

func (s *ConfigMapStore) DeleteRemote(id agenttype.AgentID) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      remoteConfigName(id),
			Namespace: s.namespace,
		},
	}
	if err := s.client.Delete(context.Background(), cm); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting configmap %s: %w", cm.Name, err)
	}
	return nil
}
