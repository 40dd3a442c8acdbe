package instanceid

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
	instanceIDFileName = "instance-id.yaml"
	// InstanceIDSuffix names the configmap holding an agent's instance id:
	// "<agent-id>-instance-id".
	InstanceIDSuffix = "instance-id"
	configMapKey     = "instance-id"
)

// FileStorer keeps instance id records beside the agent's remote values.
type FileStorer struct {
	dirFor func(agenttype.AgentID) string
}

// NewFileStorer builds a storer; dirFor maps an agent id to its remote-state
// directory.
func NewFileStorer(dirFor func(agenttype.AgentID) string) *FileStorer {
	return &FileStorer{dirFor: dirFor}
}

func (s *FileStorer) path(id agenttype.AgentID) string {
	return filepath.Join(s.dirFor(id), instanceIDFileName)
}

func (s *FileStorer) Load(id agenttype.AgentID) (*Record, error) {
	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	record := &Record{}
	if err := yaml.Unmarshal(raw, record); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", s.path(id), err)
	}
	return record, nil
}

func (s *FileStorer) Store(id agenttype.AgentID, record Record) error {
	raw, err := yaml.Marshal(record)
	if err != nil {
		return err
	}
	path := s.path(id)
	return fsutil.WithLock(path, func() error {
		return fsutil.WriteFileAtomic(path, raw)
	})
}

func (s *FileStorer) Delete(id agenttype.AgentID) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ConfigMapStorer keeps instance id records in per-agent ConfigMaps with a
// fixed key.
type ConfigMapStorer struct {
	client    client.Client
	namespace string
}

func NewConfigMapStorer(c client.Client, namespace string) *ConfigMapStorer {
	return &ConfigMapStorer{client: c, namespace: namespace}
}

func configMapName(id agenttype.AgentID) string {
	return id.String() + "-" + InstanceIDSuffix
}

func (s *ConfigMapStorer) Load(id agenttype.AgentID) (*Record, error) {
	cm := &corev1.ConfigMap{}
	key := types.NamespacedName{Namespace: s.namespace, Name: configMapName(id)}
	if err := s.client.Get(context.Background(), key, cm); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	raw, ok := cm.Data[configMapKey]
	if !ok {
		return nil, nil
	}
	record := &Record{}
	if err := yaml.Unmarshal([]byte(raw), record); err != nil {
		return nil, fmt.Errorf("parsing configmap %s: %w", key.Name, err)
	}
	return record, nil
}

func (s *ConfigMapStorer) Store(id agenttype.AgentID, record Record) error {
	raw, err := yaml.Marshal(record)
	if err != nil {
		return err
	}
	ctx := context.Background()
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(id),
			Namespace: s.namespace,
		},
		Data: map[string]string{configMapKey: string(raw)},
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

func (s *ConfigMapStorer) Delete(id agenttype.AgentID) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      configMapName(id),
			Namespace: s.namespace,
		},
	}
	if err := s.client.Delete(context.Background(), cm); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	return nil
}
