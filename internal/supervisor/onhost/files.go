package onhost

import (
	"fmt"
	"path/filepath"

	"github.com/newrelic/newrelic-agent-control/internal/agenttype"
	"github.com/newrelic/newrelic-agent-control/internal/fsutil"
)

// materializeFiles writes every declared filesystem entry under the agent's
// generated-configs directory before any executable is spawned. Existing
// files are overwritten.
func materializeFiles(dir string, entries []agenttype.FileEntry) error {
	for _, entry := range entries {
		if err := fsutil.ValidateRelPath(entry.Path); err != nil {
			return fmt.Errorf("filesystem entry: %w", err)
		}
		path := filepath.Join(dir, filepath.FromSlash(entry.Path))
		if err := fsutil.WriteFileAtomic(path, []byte(entry.Content)); err != nil {
			return fmt.Errorf("writing filesystem entry %q: %w", entry.Path, err)
		}
	}
	return nil
}
