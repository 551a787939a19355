// Package persist owns the on-disk layout shared by every component: an
// append-only JSONL event log under logs/ and JSON state snapshots under
// state/. Every value passes through redact.Scrub before it is written, so
// raw secrets never reach disk.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bdobrica/Kaname/common/redact"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
)

// Store serializes all disk access behind one lock. One writer per process;
// concurrent processes sharing a root converge through reload-on-read in the
// layers above.
type Store struct {
	mu   sync.Mutex
	root string
}

// New creates the logs/ and state/ directories under root.
func New(root string) (*Store, error) {
	for _, dir := range []string{filepath.Join(root, "logs"), filepath.Join(root, "state")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("persist: create %s: %w", dir, err)
		}
	}
	return &Store{root: root}, nil
}

// Root returns the configured data root.
func (s *Store) Root() string {
	return s.root
}

// AppendLog writes one scrubbed JSON line to logs/<channel>.jsonl.
func (s *Store) AppendLog(channel string, item map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scrubbed := redact.Scrub(item)
	line, err := json.Marshal(scrubbed)
	if err != nil {
		return fmt.Errorf("persist: encode log item: %w", err)
	}
	f, err := os.OpenFile(s.logPath(channel), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("persist: open log %s: %w", channel, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("persist: append log %s: %w", channel, err)
	}
	return nil
}

// EmitEvent appends {ts, event_type, payload} to the channel log.
func (s *Store) EmitEvent(channel, eventType string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	return s.AppendLog(channel, map[string]any{
		"ts":         protocol.NowISO(),
		"event_type": eventType,
		"payload":    payload,
	})
}

// ReadLog returns up to limit entries from the tail of a channel log.
// limit <= 0 returns everything. A missing log reads as empty.
func (s *Store) ReadLog(channel string, limit int) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.logPath(channel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("persist: open log %s: %w", channel, err)
	}
	defer f.Close()

	var entries []map[string]any
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("persist: read log %s: %w", channel, err)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries, nil
}

// LoadState parses state/<name>.json, returning def on any failure. The
// default is deep-copied so callers can mutate the result freely.
func (s *Store) LoadState(name string, def map[string]any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.statePath(name))
	if err != nil {
		return protocol.DeepCopyMap(def)
	}
	var value map[string]any
	if err := json.Unmarshal(data, &value); err != nil || value == nil {
		return protocol.DeepCopyMap(def)
	}
	return value
}

// SaveState writes state/<name>.json.tmp then renames it into place, so a
// crash mid-write leaves the previous snapshot intact.
func (s *Store) SaveState(name string, value map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	scrubbed := redact.Scrub(value)
	data, err := json.MarshalIndent(scrubbed, "", "  ")
	if err != nil {
		return fmt.Errorf("persist: encode state %s: %w", name, err)
	}
	final := s.statePath(name)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("persist: write state %s: %w", name, err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("persist: rename state %s: %w", name, err)
	}
	return nil
}

func (s *Store) logPath(channel string) string {
	return filepath.Join(s.root, "logs", channel+".jsonl")
}

func (s *Store) statePath(name string) string {
	return filepath.Join(s.root, "state", name+".json")
}
