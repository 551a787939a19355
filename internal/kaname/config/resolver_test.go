package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bdobrica/Kaname/internal/kaname/config"
)

func writeUserConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "user_config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"DEFAULT_PROVIDER", "OLLAMA_DEFAULT_MODEL", "OPENROUTER_DEFAULT_MODEL", "OPENROUTER_API_KEY"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}
}

func TestResolve_RequestOverrideWinsEverything(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("DEFAULT_PROVIDER", "openrouter")
	path := writeUserConfig(t, "provider: openrouter\nmodel: config-model\n")
	r := config.NewResolver(path)

	sel := r.Resolve(map[string]any{"provider": "ollama", "model": "override-model"})
	if sel.Provider != "ollama" || sel.ProviderSource != config.SourceRequestOverride {
		t.Errorf("provider resolution wrong: %+v", sel)
	}
	if sel.Model != "override-model" || sel.ModelSource != config.SourceRequestOverride {
		t.Errorf("model resolution wrong: %+v", sel)
	}
}

func TestResolve_UserConfigBeatsEnv(t *testing.T) {
	clearProviderEnv(t)
	t.Setenv("DEFAULT_PROVIDER", "ollama")
	t.Setenv("OPENROUTER_DEFAULT_MODEL", "env-model")
	path := writeUserConfig(t, "provider: openrouter\nproviders:\n  openrouter:\n    model: per-provider-model\n")
	r := config.NewResolver(path)

	sel := r.Resolve(nil)
	if sel.Provider != "openrouter" || sel.ProviderSource != config.SourceUserConfig {
		t.Errorf("provider should come from user config: %+v", sel)
	}
	if sel.Model != "per-provider-model" || sel.ModelSource != config.SourceUserConfig {
		t.Errorf("model should come from user config: %+v", sel)
	}
}

func TestResolve_EnvThenFallback(t *testing.T) {
	clearProviderEnv(t)
	r := config.NewResolver("")

	t.Setenv("DEFAULT_PROVIDER", "openrouter")
	t.Setenv("OPENROUTER_DEFAULT_MODEL", "env-model")
	sel := r.Resolve(nil)
	if sel.ProviderSource != config.SourceEnv || sel.ModelSource != config.SourceEnv {
		t.Errorf("expected env sources: %+v", sel)
	}

	clearProviderEnv(t)
	sel = r.Resolve(nil)
	if sel.Provider != "ollama" || sel.ProviderSource != config.SourceFallback {
		t.Errorf("expected fallback provider: %+v", sel)
	}
	if sel.Model == "" || sel.ModelSource != config.SourceFallback {
		t.Errorf("expected fallback model: %+v", sel)
	}
}

func TestResolve_MalformedUserConfigIsIgnored(t *testing.T) {
	clearProviderEnv(t)
	path := writeUserConfig(t, ":\n  - {broken")
	r := config.NewResolver(path)
	sel := r.Resolve(nil)
	if sel.ProviderSource != config.SourceFallback {
		t.Errorf("broken config should fall through: %+v", sel)
	}
}

func TestCheckPrerequisites(t *testing.T) {
	clearProviderEnv(t)
	r := config.NewResolver("")

	if err := r.CheckPrerequisites("ollama"); err != nil {
		t.Errorf("ollama should have no hard prerequisites: %v", err)
	}
	if err := r.CheckPrerequisites("openrouter"); err == nil {
		t.Error("openrouter without API key should fail")
	}
	t.Setenv("OPENROUTER_API_KEY", "sk-test")
	if err := r.CheckPrerequisites("openrouter"); err != nil {
		t.Errorf("openrouter with API key should pass: %v", err)
	}
	if err := r.CheckPrerequisites("mystery"); err == nil {
		t.Error("unknown provider should fail")
	}
}

func TestStartupNotice_NeverLeaksSecrets(t *testing.T) {
	clearProviderEnv(t)
	secret := "sk-very-secret-value"
	t.Setenv("OPENROUTER_API_KEY", secret)
	r := config.NewResolver("")
	sel := r.Resolve(map[string]any{"provider": "openrouter", "model": "m"})
	notice := r.StartupNotice(sel)
	if strings.Contains(notice, secret) {
		t.Fatal("startup notice leaked a secret")
	}
	if !strings.Contains(notice, "request override") {
		t.Errorf("notice should name provenance: %q", notice)
	}
}
