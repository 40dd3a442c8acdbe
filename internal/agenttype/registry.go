package agenttype

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

//go:embed embedded/*.yaml
var embeddedTypes embed.FS

// Registry resolves fully qualified agent type ids to their parsed
// definitions. It is seeded from the embedded documents and may be extended
// once at startup from a directory on disk. After initialization it is
// read-only.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Definition
}

// NewRegistry loads the embedded agent type documents.
func NewRegistry() (*Registry, error) {
	r := &Registry{types: map[string]*Definition{}}
	err := fs.WalkDir(embeddedTypes, "embedded", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		doc, err := embeddedTypes.ReadFile(path)
		if err != nil {
			return err
		}
		return r.add(doc, path)
	})
	if err != nil {
		return nil, fmt.Errorf("loading embedded agent types: %w", err)
	}
	return r, nil
}

// LoadDir extends the registry with every *.yaml document under dir. A
// missing directory is not an error. Duplicated ids override embedded
// definitions, matching the install layout where a packaged type can be
// patched on disk.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading agent type dir %q: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".yaml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading agent type %q: %w", path, err)
		}
		def, err := ParseDefinition(doc)
		if err != nil {
			return fmt.Errorf("agent type %q: %w", path, err)
		}
		r.mu.Lock()
		r.types[def.ID().String()] = def
		r.mu.Unlock()
	}
	return nil
}

func (r *Registry) add(doc []byte, origin string) error {
	def, err := ParseDefinition(doc)
	if err != nil {
		return fmt.Errorf("agent type %q: %w", origin, err)
	}
	key := def.ID().String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[key]; exists {
		return fmt.Errorf("duplicated agent type %s from %q", key, origin)
	}
	r.types[key] = def
	return nil
}

// Get returns the definition for a fully qualified id.
func (r *Registry) Get(id ID) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.types[id.String()]
	if !ok {
		return nil, fmt.Errorf("unknown agent type %s", id)
	}
	return def, nil
}

// IDs returns the ids of every registered type.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]ID, 0, len(r.types))
	for _, def := range r.types {
		ids = append(ids, def.ID())
	}
	return ids
}
