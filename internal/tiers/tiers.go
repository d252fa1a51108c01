// Package tiers resolves subscription tier names to concrete plan limits.
// Limits live in a YAML file so deployments can change plans without a
// rebuild; the file is watched and hot-reloaded on change.
package tiers

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/swarmq/swarmq/pkg/models"
)

// defaultLimits is used when no tier file is configured or the named
// tier is absent from the table.
var defaultLimits = map[string]models.TierLimits{
	models.FreeTier: {AgentsLimit: 2, WorkflowsLimit: 1},
	"pro":           {AgentsLimit: 10, WorkflowsLimit: 5},
	"team":          {AgentsLimit: 50, WorkflowsLimit: 20},
	"enterprise":    {AgentsLimit: models.UnlimitedAgents, WorkflowsLimit: models.UnlimitedAgents},
}

// Resolver maps tier names to limits, backed by an optional YAML file.
type Resolver struct {
	mu      sync.RWMutex
	table   map[string]models.TierLimits
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewResolver creates a resolver seeded with built-in limits.
func NewResolver() *Resolver {
	return &Resolver{table: cloneTable(defaultLimits)}
}

// LoadFile replaces the tier table with the contents of a YAML file of
// the form:
//
//	free:
//	  agents_limit: 2
//	  workflows_limit: 1
//
// Tiers missing from the file fall back to the built-in defaults.
func (r *Resolver) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tier file: %w", err)
	}

	var parsed map[string]models.TierLimits
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse tier file %s: %w", path, err)
	}

	table := cloneTable(defaultLimits)
	for name, limits := range parsed {
		table[name] = limits
	}

	r.mu.Lock()
	r.table = table
	r.path = path
	r.mu.Unlock()
	return nil
}

// Watch starts reloading the tier file whenever it changes on disk.
// LoadFile must have been called first. A reload that fails to parse
// keeps the previous table.
func (r *Resolver) Watch() error {
	r.mu.RLock()
	path := r.path
	r.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("no tier file loaded")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files on save, which drops
	// a watch on the file itself.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return err
	}

	r.watcher = watcher
	r.done = make(chan struct{})
	go r.watchLoop(path)
	return nil
}

func (r *Resolver) watchLoop(path string) {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&fsnotify.Write != 0 || event.Op&fsnotify.Create != 0 {
				// Best effort: a bad write keeps the old table.
				_ = r.LoadFile(path)
			}
		case <-r.watcher.Errors:
			// Ignore errors, keep watching
		}
	}
}

// Limits returns the limits for a tier name. Unknown tiers fall back to
// the free tier.
func (r *Resolver) Limits(tier string) models.TierLimits {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limits, ok := r.table[tier]; ok {
		return limits
	}
	return r.table[models.FreeTier]
}

// Close stops the file watcher if one is running.
func (r *Resolver) Close() {
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
	if r.watcher != nil {
		r.watcher.Close()
		r.watcher = nil
	}
}

func cloneTable(src map[string]models.TierLimits) map[string]models.TierLimits {
	dst := make(map[string]models.TierLimits, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
