// Kaname is the capability router daemon.
//
// All configuration is loaded from environment variables (a .env file in the
// working directory is honored when present). The daemon builds the runtime,
// registers the built-in capability nodes, and serves the HTTP surface.
//
// Environment variables:
//
//	BIND_ADDR                 - HTTP listen address (default "127.0.0.1:8700")
//	DATA_ROOT                 - persistence root (default "./data")
//	LIBRARY_ROOT              - folder library root (default "./library")
//	USER_CONFIG_PATH          - optional YAML config for provider selection
//	REGISTRATION_TOKEN        - shared node registration secret (required)
//	HEARTBEAT_TTL_SEC         - node lease TTL (default 15)
//	NODE_TIMEOUT_SEC          - per node invocation timeout (default 3)
//	REDIS_URL                 - async broker; falls back to a SQLite queue
//	ASYNC_QUEUE_PATH          - SQLite queue path (default DATA_ROOT/queue.db)
//	OLLAMA_BASE_URL           - Ollama server (default "http://127.0.0.1:11434")
//	OPENROUTER_API_KEY        - enables the OpenRouter provider when set
//	MODEL_TIMEOUT_SEC         - model call timeout (default 30)
//	OLLAMA_DEFAULT_MAX_TOKENS - generation cap (default 512)
//	OLLAMA_DEFAULT_STOP       - CSV of default stop sequences
//	ASYNC_FALLBACK_MIN_CHARS  - streaming async threshold (default 700)
//	LOG_LEVEL                 - "debug", "info", "warn", "error" (default "info")
//	LOG_FORMAT                - "text" or "json" (default "json")
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/Kaname/common/environment"
	"github.com/bdobrica/Kaname/common/version"
	"github.com/bdobrica/Kaname/internal/kaname/asyncq"
	"github.com/bdobrica/Kaname/internal/kaname/httpapi"
	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/nodes"
	"github.com/bdobrica/Kaname/internal/kaname/observability"
	"github.com/bdobrica/Kaname/internal/kaname/runtime"
)

func main() {
	_ = godotenv.Load()
	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "json"),
	)
	slog.Info("kaname starting", "version", version.Version, "commit", version.GitCommit)

	token, err := environment.RequiredString("REGISTRATION_TOKEN")
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	dataRoot := environment.StringOr("DATA_ROOT", "./data")
	modelTimeout := time.Duration(environment.IntOr("MODEL_TIMEOUT_SEC", 30)) * time.Second

	providers := map[string]llm.Provider{
		"ollama": llm.NewOllama(llm.OllamaConfig{
			BaseURL: environment.StringOr("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
			Timeout: modelTimeout,
		}),
	}
	if key, ok := environment.String("OPENROUTER_API_KEY"); ok && key != "" {
		providers["openrouter"] = llm.NewOpenRouter(llm.OpenRouterConfig{
			APIKey:  key,
			Timeout: modelTimeout,
		})
	}

	broker, control, err := openBroker(dataRoot)
	if err != nil {
		slog.Error("async broker setup failed", "err", err)
		os.Exit(1)
	}

	rt, err := runtime.New(runtime.Options{
		DataRoot:          dataRoot,
		LibraryRoot:       environment.StringOr("LIBRARY_ROOT", "./library"),
		UserConfigPath:    environment.StringOr("USER_CONFIG_PATH", ""),
		RegistrationToken: token,
		HeartbeatTTL:      time.Duration(environment.IntOr("HEARTBEAT_TTL_SEC", 15)) * time.Second,
		NodeTimeout:       time.Duration(environment.IntOr("NODE_TIMEOUT_SEC", 3)) * time.Second,
		Providers:         providers,
		ModelOptions: nodes.ModelOptions{
			Timeout:          modelTimeout,
			DefaultMaxTokens: environment.IntOr("OLLAMA_DEFAULT_MAX_TOKENS", 512),
			DefaultStop:      environment.StringSliceOr("OLLAMA_DEFAULT_STOP", nil),
		},
		Broker:        broker,
		Control:       control,
		AsyncMinChars: environment.IntOr("ASYNC_FALLBACK_MIN_CHARS", 700),
		DefaultStop:   environment.StringSliceOr("OLLAMA_DEFAULT_STOP", nil),
	})
	if err != nil {
		slog.Error("runtime setup failed", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := httpapi.New(environment.StringOr("BIND_ADDR", "127.0.0.1:8700"), rt.HTTPDeps())
	if err := srv.Start(ctx); err != nil {
		slog.Error("server start failed", "err", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("kaname shutting down")
	srv.Stop()
}

// openBroker prefers Redis and falls back to the single-file SQLite queue so
// the async pipeline is always available.
func openBroker(dataRoot string) (asyncq.Broker, asyncq.Control, error) {
	if url, ok := environment.String("REDIS_URL"); ok && url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return asyncq.NewRedisBroker(client), asyncq.NewRedisControl(client), nil
	}
	path := environment.StringOr("ASYNC_QUEUE_PATH", filepath.Join(dataRoot, "queue.db"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, err
	}
	queue, err := asyncq.OpenSQLiteQueue(path)
	if err != nil {
		return nil, nil, err
	}
	return queue, queue, nil
}
