// Kaname-worker consumes async capability queues and reports results back to
// the router daemon.
//
// The worker hosts the same built-in nodes as the router, pulls envelopes
// from the shared broker, runs the capability handler with the idempotency
// and retry policy, and posts every terminal result to the router's
// /worker_result endpoint.
//
// Environment variables:
//
//	WORKER_CAPABILITIES       - CSV of queue capabilities (default "chat.general")
//	ROUTER_URL                - router base URL (default "http://127.0.0.1:8700")
//	RETRY_DELAY_SEC           - delay before a retry republish (default 1)
//	DATA_ROOT                 - worker persistence root (default "./data-worker")
//	LIBRARY_ROOT              - shared folder library root (default "./library")
//	REGISTRATION_TOKEN        - shared node registration secret (required)
//	REDIS_URL                 - async broker; falls back to the SQLite queue
//	ASYNC_QUEUE_PATH          - SQLite queue path shared with the router
//	OLLAMA_BASE_URL           - Ollama server (default "http://127.0.0.1:11434")
//	OPENROUTER_API_KEY        - enables the OpenRouter provider when set
//	LOG_LEVEL, LOG_FORMAT     - logging setup (default "info", "json")
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/bdobrica/Kaname/common/environment"
	"github.com/bdobrica/Kaname/common/version"
	"github.com/bdobrica/Kaname/internal/kaname/asyncq"
	"github.com/bdobrica/Kaname/internal/kaname/llm"
	"github.com/bdobrica/Kaname/internal/kaname/nodes"
	"github.com/bdobrica/Kaname/internal/kaname/observability"
	"github.com/bdobrica/Kaname/internal/kaname/protocol"
	"github.com/bdobrica/Kaname/internal/kaname/runtime"
)

func main() {
	_ = godotenv.Load()
	observability.Setup(
		environment.StringOr("LOG_LEVEL", "info"),
		environment.StringOr("LOG_FORMAT", "json"),
	)
	slog.Info("kaname-worker starting", "version", version.Version)

	token, err := environment.RequiredString("REGISTRATION_TOKEN")
	if err != nil {
		slog.Error("configuration error", "err", err)
		os.Exit(1)
	}

	modelTimeout := time.Duration(environment.IntOr("MODEL_TIMEOUT_SEC", 30)) * time.Second
	providers := map[string]llm.Provider{
		"ollama": llm.NewOllama(llm.OllamaConfig{
			BaseURL: environment.StringOr("OLLAMA_BASE_URL", "http://127.0.0.1:11434"),
			Timeout: modelTimeout,
		}),
	}
	if key, ok := environment.String("OPENROUTER_API_KEY"); ok && key != "" {
		providers["openrouter"] = llm.NewOpenRouter(llm.OpenRouterConfig{APIKey: key, Timeout: modelTimeout})
	}

	rt, err := runtime.New(runtime.Options{
		DataRoot:          environment.StringOr("DATA_ROOT", "./data-worker"),
		LibraryRoot:       environment.StringOr("LIBRARY_ROOT", "./library"),
		RegistrationToken: token,
		Providers:         providers,
		ModelOptions:      nodes.ModelOptions{Timeout: modelTimeout},
	})
	if err != nil {
		slog.Error("runtime setup failed", "err", err)
		os.Exit(1)
	}

	broker, control, err := openBroker()
	if err != nil {
		slog.Error("async broker setup failed", "err", err)
		os.Exit(1)
	}
	defer broker.Close()

	post := asyncq.NewHTTPResultPoster(
		environment.StringOr("ROUTER_URL", "http://127.0.0.1:8700")+"/worker_result", nil)
	retryDelay := time.Duration(environment.FloatOr("RETRY_DELAY_SEC", 1) * float64(time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	capabilities := environment.StringSliceOr("WORKER_CAPABILITIES", []string{"chat.general"})
	var wg sync.WaitGroup
	for _, capability := range capabilities {
		candidates := rt.Registry.Candidates(capability, protocol.Version)
		if len(candidates) == 0 {
			slog.Error("no handler for capability", "capability", capability)
			os.Exit(1)
		}
		record := candidates[0]
		worker := asyncq.NewWorker(broker, control, record.Descriptor.NodeID, capability, record.Handler, post)
		worker.SetRetryDelay(retryDelay)

		wg.Add(1)
		go func(capability string) {
			defer wg.Done()
			slog.Info("worker consuming", "capability", capability)
			worker.Run(ctx)
		}(capability)
	}

	<-ctx.Done()
	slog.Info("kaname-worker shutting down")
	wg.Wait()
}

func openBroker() (asyncq.Broker, asyncq.Control, error) {
	if url, ok := environment.String("REDIS_URL"); ok && url != "" {
		opts, err := redis.ParseURL(url)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return asyncq.NewRedisBroker(client), asyncq.NewRedisControl(client), nil
	}
	path := environment.StringOr("ASYNC_QUEUE_PATH",
		filepath.Join(environment.StringOr("DATA_ROOT", "./data-worker"), "queue.db"))
	queue, err := asyncq.OpenSQLiteQueue(path)
	if err != nil {
		return nil, nil, err
	}
	return queue, queue, nil
}
