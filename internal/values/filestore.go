package values

import (
	"fmt"
	"os"
	"path/filepath"

	"sigs.k8s.io/yaml"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/fsutil"
)

const (
	// LocalAgentsSubdir holds per-agent local values under the local dir.
	LocalAgentsSubdir = "fleet/agents.d"
	// RemoteAgentDataSubdir holds per-agent remote state under the remote
	// dir.
	RemoteAgentDataSubdir = "fleet/agent-data"
	valuesFileName        = "values.yaml"
)

// FileStore implements both layers on the on-host directory layout:
//
//	<local_dir>/fleet/agents.d/<id>/values.yaml
//	<remote_dir>/fleet/agent-data/<id>/values.yaml
type FileStore struct {
	localDir  string
	remoteDir string
}

func NewFileStore(localDir, remoteDir string) *FileStore {
	return &FileStore{localDir: localDir, remoteDir: remoteDir}
}

// AgentDir returns the remote-state directory of an agent, which also hosts
// its hash, instance id and generated files.
func (s *FileStore) AgentDir(id agenttype.AgentID) string {
	return filepath.Join(s.remoteDir, RemoteAgentDataSubdir, id.String())
}

func (s *FileStore) localValuesPath(id agenttype.AgentID) string {
	return filepath.Join(s.localDir, LocalAgentsSubdir, id.String(), valuesFileName)
}

func (s *FileStore) remoteValuesPath(id agenttype.AgentID) string {
	return filepath.Join(s.AgentDir(id), valuesFileName)
}

func (s *FileStore) LoadLocal(id agenttype.AgentID) (Doc, error) {
	return readDoc(s.localValuesPath(id))
}

func (s *FileStore) LoadRemote(id agenttype.AgentID) (Doc, error) {
	return readDoc(s.remoteValuesPath(id))
}

func (s *FileStore) StoreRemote(id agenttype.AgentID, doc Doc) error {
	raw, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing values for %s: %w", id, err)
	}
	path := s.remoteValuesPath(id)
	return fsutil.WithLock(path, func() error {
		return fsutil.WriteFileAtomic(path, raw)
	})
}

func (s *FileStore) DeleteRemote(id agenttype.AgentID) error {
	path := s.remoteValuesPath(id)
	return fsutil.WithLock(path, func() error {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("deleting values for %s: %w", id, err)
		}
		return nil
	})
}

func readDoc(path string) (Doc, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %q: %w", path, err)
	}
	doc := Doc{}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parsing %q: %w", path, err)
	}
	return doc, nil
}
