package persist_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kaname/internal/kaname/persist"
)

func newStore(t *testing.T) *persist.Store {
	t.Helper()
	s, err := persist.New(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestEmitEvent_AppendsWrappedLines(t *testing.T) {
	s := newStore(t)
	if err := s.EmitEvent("router", "route_dispatched", map[string]any{"message_id": "m1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := s.EmitEvent("router", "route_complete", map[string]any{"message_id": "m1"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	entries, err := s.ReadLog("router", 0)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["event_type"] != "route_dispatched" {
		t.Errorf("entry order wrong: %v", entries[0])
	}
	if entries[0]["ts"] == "" || entries[0]["ts"] == nil {
		t.Error("entry missing ts")
	}
}

func TestReadLog_TailLimit(t *testing.T) {
	s := newStore(t)
	for i := 0; i < 5; i++ {
		if err := s.EmitEvent("audit", "tick", map[string]any{"n": i}); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	entries, err := s.ReadLog("audit", 2)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	payload := entries[1]["payload"].(map[string]any)
	if payload["n"].(float64) != 4 {
		t.Errorf("expected newest entry last, got %v", payload["n"])
	}
}

func TestSaveState_AtomicAndReloadable(t *testing.T) {
	s := newStore(t)
	if err := s.SaveState("workflow_state", map[string]any{"active_folder": "demo"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	got := s.LoadState("workflow_state", map[string]any{})
	if got["active_folder"] != "demo" {
		t.Fatalf("reload mismatch: %v", got)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "state", "workflow_state.json.tmp")); !os.IsNotExist(err) {
		t.Error("tmp file left behind after rename")
	}
}

func TestLoadState_DefaultOnMissingOrCorrupt(t *testing.T) {
	s := newStore(t)
	def := map[string]any{"interviews": map[string]any{}}
	got := s.LoadState("nope", def)
	if _, ok := got["interviews"]; !ok {
		t.Fatalf("expected default, got %v", got)
	}
	got["interviews"].(map[string]any)["x"] = 1
	again := s.LoadState("nope", def)
	if len(again["interviews"].(map[string]any)) != 0 {
		t.Error("default was not deep-copied between loads")
	}

	if err := os.WriteFile(filepath.Join(s.Root(), "state", "broken.json"), []byte("{oops"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got := s.LoadState("broken", def); len(got["interviews"].(map[string]any)) != 0 {
		t.Errorf("corrupt state should fall back to default, got %v", got)
	}
}

func TestSecretsNeverReachDisk(t *testing.T) {
	s := newStore(t)
	secretValue := "sk-raw-secret-value"
	payload := map[string]any{
		"auth": map[string]any{"registration_token": secretValue},
		"llm":  map[string]any{"api_key": secretValue, "provider": "openrouter"},
	}
	if err := s.EmitEvent("router", "node_registered", payload); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := s.SaveState("router_registry", map[string]any{"nodes": []any{payload}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	for _, p := range []string{
		filepath.Join(s.Root(), "logs", "router.jsonl"),
		filepath.Join(s.Root(), "state", "router_registry.json"),
	} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatalf("read %s: %v", p, err)
		}
		if strings.Contains(string(data), secretValue) {
			t.Errorf("raw secret found in %s", p)
		}
		if !strings.Contains(string(data), "<redacted>") {
			t.Errorf("expected redaction marker in %s", p)
		}
	}
}

func TestAppendLog_LinesAreValidJSON(t *testing.T) {
	s := newStore(t)
	if err := s.AppendLog("workflow", map[string]any{"k": "v"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Root(), "logs", "workflow.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Errorf("line is not valid JSON: %q", line)
		}
	}
}
