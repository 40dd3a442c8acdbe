package remoteconfig

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/fsutil"
)

const (
	hashFileName = "remote-config-hash.yaml"
	// HashSuffix names the configmap holding an agent's hash entry:
	// "<agent-id>-remote-config-hash".
	HashSuffix       = "remote-config-hash"
	configMapHashKey = "hash"
)

// HashStore persists the current hash entry per agent id.
type HashStore interface {
	Load(id agenttype.AgentID) (*Entry, error)
	Store(id agenttype.AgentID, entry Entry) error
	Delete(id agenttype.AgentID) error
}

// FileHashStore keeps hash entries beside the agent's remote values.
type FileHashStore struct {
	dirFor func(agenttype.AgentID) string
}

func NewFileHashStore(dirFor func(agenttype.AgentID) string) *FileHashStore {
	return &FileHashStore{dirFor: dirFor}
}

func (s *FileHashStore) path(id agenttype.AgentID) string {
	return filepath.Join(s.dirFor(id), hashFileName)
}

func (s *FileHashStore) Load(id agenttype.AgentID) (*Entry, error) {
	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry := &Entry{}
	if err := yaml.Unmarshal(raw, entry); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", s.path(id), err)
	}
	return entry, nil
}

func (s *FileHashStore) Store(id agenttype.AgentID, entry Entry) error {
	raw, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	path := s.path(id)
	return fsutil.WithLock(path, func() error {
		return fsutil.WriteFileAtomic(path, raw)
	})
}

func (s *FileHashStore) Delete(id agenttype.AgentID) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ConfigMapHashStore keeps hash entries in per-agent ConfigMaps.
type ConfigMapHashStore struct {
	client    client.Client
	namespace string
}

func NewConfigMapHashStore(c client.Client, namespace string) *ConfigMapHashStore {
	return &ConfigMapHashStore{client: c, namespace: namespace}
}

func hashConfigMapName(id agenttype.AgentID) string {
	return id.String() + "-" + HashSuffix
}

func (s *ConfigMapHashStore) Load(id agenttype.AgentID) (*Entry, error) {
	cm := &corev1.ConfigMap{}
	key := types.NamespacedName{Namespace: s.namespace, Name: hashConfigMapName(id)}
	if err := s.client.Get(context.Background(), key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	raw, ok := cm.Data[configMapHashKey]
	if !ok {
		return nil, nil
	}
	entry := &Entry{}
	if err := yaml.Unmarshal([]byte(raw), entry); err != nil {
		return nil, fmt.Errorf("parsing configmap %s: %w", key.Name, err)
	}
	return entry, nil
}

func (s *ConfigMapHashStore) Store(id agenttype.AgentID, entry Entry) error {
	raw, err := yaml.Marshal(entry)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      hashConfigMapName(id),
			Namespace: s.namespace,
		},
		Data: map[string]string{configMapHashKey: string(raw)},
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

func (s *ConfigMapHashStore) Delete(id agenttype.AgentID) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      hashConfigMapName(id),
			Namespace: s.namespace,
		},
	}
	if err := s.client.Delete(context.Background(), cm); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}
