// Package config resolves the {provider, model} pair used by model.*
// intents. Sources are layered with fixed precedence: request override,
// user config file, environment, built-in fallback. Every resolved field
// carries a provenance tag so responses can disclose where the choice came
// from.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bdobrica/Kaname/common/environment"
)

// Provenance tags, in precedence order.
const (
	SourceRequestOverride = "request override"
	SourceUserConfig      = "user config"
	SourceEnv             = ".env"
	SourceFallback        = "fallback"
)

// Supported providers.
const (
	ProviderOllama     = "ollama"
	ProviderOpenRouter = "openrouter"
)

const fallbackProvider = ProviderOllama

var fallbackModels = map[string]string{
	ProviderOllama:     "llama3.2",
	ProviderOpenRouter: "openrouter/auto",
}

// Selection is a fully resolved provider/model choice with provenance.
type Selection struct {
	Provider       string `json:"provider"`
	Model          string `json:"model"`
	ProviderSource string `json:"provider_source"`
	ModelSource    string `json:"model_source"`
}

// UserConfig is the YAML user configuration. Unknown keys are ignored.
type UserConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	Providers map[string]struct {
		Model string `yaml:"model"`
	} `yaml:"providers"`
}

// Resolver reads the user config lazily on each resolution so edits take
// effect without a restart. Environment is read live for the same reason.
type Resolver struct {
	userConfigPath string
}

// NewResolver points at the user config file; an empty path disables that
// tier.
func NewResolver(userConfigPath string) *Resolver {
	return &Resolver{userConfigPath: userConfigPath}
}

func (r *Resolver) loadUserConfig() *UserConfig {
	if r.userConfigPath == "" {
		return nil
	}
	data, err := os.ReadFile(r.userConfigPath)
	if err != nil {
		return nil
	}
	var cfg UserConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// Resolve picks provider and model. llmExt is the request's extensions.llm
// block, or nil.
func (r *Resolver) Resolve(llmExt map[string]any) Selection {
	user := r.loadUserConfig()

	sel := Selection{}
	if p, ok := stringField(llmExt, "provider"); ok {
		sel.Provider, sel.ProviderSource = p, SourceRequestOverride
	} else if user != nil && user.Provider != "" {
		sel.Provider, sel.ProviderSource = user.Provider, SourceUserConfig
	} else if p := os.Getenv("DEFAULT_PROVIDER"); p != "" {
		sel.Provider, sel.ProviderSource = p, SourceEnv
	} else {
		sel.Provider, sel.ProviderSource = fallbackProvider, SourceFallback
	}

	if m, ok := stringField(llmExt, "model"); ok {
		sel.Model, sel.ModelSource = m, SourceRequestOverride
	} else if m := userModel(user, sel.Provider); m != "" {
		sel.Model, sel.ModelSource = m, SourceUserConfig
	} else if m := os.Getenv(defaultModelEnv(sel.Provider)); m != "" {
		sel.Model, sel.ModelSource = m, SourceEnv
	} else {
		sel.Model, sel.ModelSource = fallbackModels[sel.Provider], SourceFallback
	}
	return sel
}

func userModel(user *UserConfig, provider string) string {
	if user == nil {
		return ""
	}
	if per, ok := user.Providers[provider]; ok && per.Model != "" {
		return per.Model
	}
	return user.Model
}

func defaultModelEnv(provider string) string {
	return strings.ToUpper(provider) + "_DEFAULT_MODEL"
}

// CheckPrerequisites answers whether a provider is usable with the current
// environment. The error message never contains secret values.
func (r *Resolver) CheckPrerequisites(provider string) error {
	switch provider {
	case ProviderOllama:
		// The base URL has a built-in default, so ollama is always reachable
		// in principle.
		return nil
	case ProviderOpenRouter:
		if os.Getenv("OPENROUTER_API_KEY") == "" {
			return fmt.Errorf("provider %q requires OPENROUTER_API_KEY to be set", provider)
		}
		return nil
	default:
		return fmt.Errorf("unknown provider %q", provider)
	}
}

// BaseURL returns the provider's HTTP base URL from the environment.
func BaseURL(provider string) string {
	switch provider {
	case ProviderOllama:
		return environment.StringOr("OLLAMA_BASE_URL", "http://127.0.0.1:11434")
	case ProviderOpenRouter:
		return environment.StringOr("OPENROUTER_BASE_URL", "https://openrouter.ai/api/v1")
	default:
		return ""
	}
}

// StartupNotice renders a one-line summary of the active selection for logs.
// It names sources, never secret values.
func (r *Resolver) StartupNotice(sel Selection) string {
	return fmt.Sprintf("model routing: provider=%s (%s) model=%s (%s)",
		sel.Provider, sel.ProviderSource, sel.Model, sel.ModelSource)
}

func stringField(m map[string]any, key string) (string, bool) {
	if m == nil {
		return "", false
	}
	s, ok := m[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
