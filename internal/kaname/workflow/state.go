// Package workflow provides the locked key-value store shared by capability
// nodes. Every operation reloads the snapshot from disk before acting, so
// multiple processes pointed at the same data root converge on the same view.
package workflow

import (
	"fmt"
	"sync"

	"github.com/bdobrica/Kaname/internal/kaname/persist"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

const stateName = "workflow_state"

// State serializes every operation through one exclusive lock, held across
// the whole reload-mutate-save cycle. The persist store's own lock only
// covers single reads and writes, which is not enough for read-modify-write.
// Callers only ever see deep copies.
type State struct {
	mu    sync.Mutex
	store *persist.Store
}

// New wraps a persist store. The snapshot is created lazily on first write.
func New(store *persist.Store) *State {
	return &State{store: store}
}

func defaultShape() map[string]any {
	return map[string]any{
		"active_folder": "",
		"interviews":    map[string]any{},
		"settings":      map[string]any{},
	}
}

// load reloads from disk and backfills the minimum shape.
func (s *State) load() map[string]any {
	value := s.store.LoadState(stateName, defaultShape())
	for k, v := range defaultShape() {
		if _, ok := value[k]; !ok {
			value[k] = v
		}
	}
	return value
}

// Get returns a deep copy of the whole state.
func (s *State) Get() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return protocol.DeepCopyMap(s.load())
}

// Read returns a deep copy of one field, or def when absent.
func (s *State) Read(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.load()
	v, ok := value[key]
	if !ok {
		return def
	}
	if m, ok := v.(map[string]any); ok {
		return protocol.DeepCopyMap(m)
	}
	return v
}

// Update merges patch into the reloaded state, saves, and returns a copy.
func (s *State) Update(patch map[string]any) (map[string]any, error) {
	return s.Mutate(func(value map[string]any) {
		for k, v := range patch {
			value[k] = v
		}
	})
}

// Mutate reloads, hands fn a mutable copy, saves the result, and returns a
// fresh copy so later mutations by the caller cannot leak back in.
func (s *State) Mutate(fn func(value map[string]any)) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value := s.load()
	fn(value)
	if err := s.store.SaveState(stateName, value); err != nil {
		return nil, fmt.Errorf("workflow: save state: %w", err)
	}
	return protocol.DeepCopyMap(value), nil
}
