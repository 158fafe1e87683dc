package playbook

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Registry holds the loaded playbook snapshot and serves the two-tier
// lookup: a tenant-specific document wins, otherwise the system default.
// Reload swaps the whole snapshot atomically; callers that already hold a
// playbook pointer keep their copy for the remainder of their run.
type Registry struct {
	dir string

	mu        sync.RWMutex
	byTenant  map[string]*Playbook
	defaultPB *Playbook
}

// NewRegistry loads every document in dir. An empty dir serves only the
// built-in default. Documents that fail to parse or validate are skipped
// with a warning so one bad edit cannot take the registry down.
func NewRegistry(dir string) (*Registry, error) {
	r := &Registry{dir: dir}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the playbook for a tenant, falling back to the system
// default. Tenant "" asks for the default directly.
func (r *Registry) Lookup(tenant string) *Playbook {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if tenant != "" {
		if p, ok := r.byTenant[tenant]; ok {
			return p
		}
	}
	return r.defaultPB
}

// Reload re-reads the document directory and swaps the snapshot.
func (r *Registry) Reload() error {
	byTenant := map[string]*Playbook{}
	defaultPB := Default()

	if r.dir != "" {
		entries, err := os.ReadDir(r.dir)
		if err != nil {
			return fmt.Errorf("failed to read playbook directory: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := strings.ToLower(filepath.Ext(entry.Name()))
			if ext != ".json" && ext != ".yaml" && ext != ".yml" {
				continue
			}
			p, err := LoadFromFile(filepath.Join(r.dir, entry.Name()))
			if err != nil {
				log.Printf("[Playbook] Skipping %s: %v", entry.Name(), err)
				continue
			}
			if p.Tenant == "" {
				defaultPB = p
			} else {
				byTenant[p.Tenant] = p
			}
		}
	}

	r.mu.Lock()
	r.byTenant = byTenant
	r.defaultPB = defaultPB
	r.mu.Unlock()

	log.Printf("[Playbook] Loaded %d tenant playbooks (default: %s)", len(byTenant), defaultPB.ID)
	return nil
}

// Watch reloads the registry whenever the document directory changes.
// Blocks until the context is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	if r.dir == "" {
		<-ctx.Done()
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create playbook watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return fmt.Errorf("failed to watch playbook directory: %w", err)
	}
	log.Printf("[Playbook] Watching %s for edits", r.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			log.Printf("[Playbook] Change detected (%s), reloading", event.Name)
			if err := r.Reload(); err != nil {
				log.Printf("[Playbook] Warning: reload failed: %v", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[Playbook] Warning: watcher error: %v", err)
		}
	}
}
