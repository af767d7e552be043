// Package workflow loads, validates and registers sequence workflow
// definitions.
//
// Definitions arrive as JSON documents, either from files on disk or
// through the API. Every definition is validated before registration and
// is immutable afterwards. Changing a live workflow means registering a
// new version.
package workflow

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/Lucas123-creator/NeonMarketing.01/internal/models"
	"github.com/Lucas123-creator/NeonMarketing.01/internal/store"
)

// Registry holds validated workflow definitions keyed by ID and version.
// Registered definitions are never mutated in place.
type Registry struct {
	mu    sync.RWMutex
	defs  map[string]models.WorkflowDefinition // key: id@version
	store store.Store
}

// NewRegistry creates a registry that persists registered definitions to
// the given store. The store may be nil for a purely in-memory registry.
func NewRegistry(st store.Store) *Registry {
	return &Registry{
		defs:  make(map[string]models.WorkflowDefinition),
		store: st,
	}
}

// Register validates and adds a definition. Re-registering an existing
// (id, version) pair is rejected so published versions stay immutable.
func (r *Registry) Register(def models.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		slog.Error("Registry Register validation failed", "error", err, "workflowID", def.WorkflowID)
		return fmt.Errorf("invalid workflow %s: %w", def.WorkflowID, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	key := def.Key()
	if _, exists := r.defs[key]; exists {
		return fmt.Errorf("workflow %s already registered; publish a new version instead", key)
	}
	if r.store != nil {
		if err := r.store.SaveWorkflow(def); err != nil {
			return fmt.Errorf("failed to persist workflow %s: %w", key, err)
		}
	}
	r.defs[key] = def
	slog.Info("Registry registered workflow", "workflowID", def.WorkflowID, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// Get returns the definition for an exact (id, version) pair, or nil when
// it is not registered.
func (r *Registry) Get(workflowID, version string) *models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[workflowID+"@"+version]
	if !ok {
		return nil
	}
	return &def
}

// Latest returns the highest-sorting version of a workflow ID, or nil
// when none is registered. Versions compare lexically, so zero-padded or
// date-based version strings sort as expected.
func (r *Registry) Latest(workflowID string) *models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var best *models.WorkflowDefinition
	for key, def := range r.defs {
		id, _, ok := strings.Cut(key, "@")
		if !ok || id != workflowID {
			continue
		}
		if best == nil || def.Version > best.Version {
			d := def
			best = &d
		}
	}
	return best
}

// List returns all registered definitions sorted by ID then version.
func (r *Registry) List() []models.WorkflowDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Hydrate loads previously persisted definitions from the store into the
// registry. Definitions that fail validation are skipped with a warning
// rather than blocking startup.
func (r *Registry) Hydrate() error {
	if r.store == nil {
		return nil
	}
	defs, err := r.store.ListWorkflows()
	if err != nil {
		return fmt.Errorf("failed to load workflows from store: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, def := range defs {
		if err := def.Validate(); err != nil {
			slog.Warn("Registry Hydrate skipping invalid stored workflow", "error", err, "workflowID", def.WorkflowID, "version", def.Version)
			continue
		}
		r.defs[def.Key()] = def
	}
	slog.Info("Registry hydrated from store", "count", len(r.defs))
	return nil
}

// Parse decodes a single workflow definition from JSON. Unknown fields
// are rejected so typos in hand-written definitions surface early.
func Parse(rd io.Reader) (*models.WorkflowDefinition, error) {
	dec := json.NewDecoder(rd)
	dec.DisallowUnknownFields()
	var def models.WorkflowDefinition
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile parses and registers a workflow definition from a JSON file.
func (r *Registry) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open workflow file %s: %w", path, err)
	}
	defer f.Close()

	def, err := Parse(f)
	if err != nil {
		return fmt.Errorf("workflow file %s: %w", path, err)
	}
	return r.Register(*def)
}

// LoadDir registers every *.json file in a directory. Files are loaded
// in name order so a deterministic set wins when versions collide.
func (r *Registry) LoadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read workflow directory %s: %w", dir, err)
	}

	var loaded int
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := r.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
		loaded++
	}
	slog.Info("Registry loaded workflow directory", "dir", dir, "loaded", loaded)
	return nil
}
