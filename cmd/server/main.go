// Command server wires a ThreadStore, a RunCoordinator, an Agent Registry,
// and a Scope Resolver into the HTTP surface of §6.1 and serves it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redisdriver "github.com/redis/go-redis/v9"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/clue/health"

	anthropicagent "goa.design/agentrun/features/agent/anthropic"
	redisbus "goa.design/agentrun/features/bus/redis"
	mongostore "goa.design/agentrun/features/thread/mongo"
	mongoclient "goa.design/agentrun/features/thread/mongo/clients/mongo"
	"goa.design/agentrun/httpapi"
	"goa.design/agentrun/runtime/agent/agentapi"
	"goa.design/agentrun/runtime/agent/config"
	"goa.design/agentrun/runtime/agent/coordinator"
	"goa.design/agentrun/runtime/agent/scope"
	"goa.design/agentrun/runtime/agent/telemetry"
	"goa.design/agentrun/runtime/agent/thread"
	"goa.design/agentrun/runtime/agent/thread/inmem"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults to an in-memory, single-process configuration)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger := telemetry.NewNoopLogger()

	store, pingers, err := buildStore(cfg.Store)
	if err != nil {
		return err
	}

	registry := agentapi.MapRegistry{
		"claude": anthropicagent.New(anthropicagent.Options{
			APIKey: os.Getenv("ANTHROPIC_API_KEY"),
			Model:  envOr("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
		}),
	}

	coordOpts := []coordinator.Option{coordinator.WithLogger(logger)}
	lock, broker, err := buildBus(cfg.Bus)
	if err != nil {
		return err
	}
	if lock != nil {
		coordOpts = append(coordOpts, coordinator.WithDistributedLock(lock, cfg.Bus.LockTTL/3))
	}
	if broker != nil {
		coordOpts = append(coordOpts, coordinator.WithBroker(broker))
	}

	coord := coordinator.New(store, registry, coordOpts...)

	// A deployment with no external auth system can still run: every caller
	// is treated as the single anonymous tenant "anonymous". Real
	// deployments should supply their own scope.Resolver (see
	// features/scope/jwt for an example backed by bearer-token claims).
	resolver := scope.Resolver(func(_ context.Context, _ *http.Request, _ scope.ClientHint) (*scope.ResourceScope, bool, error) {
		return &scope.ResourceScope{ResourceID: []string{"anonymous"}}, true, nil
	})

	srv := httpapi.New(httpapi.Options{
		Coordinator: coord,
		Store:       store,
		Registry:    registry,
		Resolver:    resolver,
		Info: httpapi.Info{
			Version: "dev",
			Agents:  []string{"claude"},
		},
		Logger:  logger,
		Pingers: pingers,
	})

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.ListenAndServe() }()
	slog.Info("agentrun server listening", "addr", cfg.HTTP.Addr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(ctx)
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// buildBus constructs the cross-process advisory lock and broker tail for a
// "redis" bus backend (§5). A "inproc" backend (the default) returns both
// nil: the in-process Bus and ThreadStore's compare-and-set already cover a
// single-process deployment.
func buildBus(cfg config.BusConfig) (coordinator.DistributedLock, coordinator.Broker, error) {
	if cfg.Backend != "redis" {
		return nil, nil, nil
	}
	opts, err := redisdriver.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("config: parse bus.redisURL: %w", err)
	}
	rdb := redisdriver.NewClient(opts)
	lock := redisbus.NewAdvisoryLock(rdb, cfg.LockTTL)
	broker := redisbus.NewBrokerTail(rdb)
	return lockAdapter{lock}, broker, nil
}

// lockAdapter narrows features/bus/redis.AdvisoryLock's Token-typed API to
// coordinator.DistributedLock's plain strings, so the coordinator package
// does not need to import the redis client library.
type lockAdapter struct{ lock *redisbus.AdvisoryLock }

func (a lockAdapter) Acquire(ctx context.Context, threadID, runID string) (string, bool, error) {
	tok, ok, err := a.lock.Acquire(ctx, threadID, runID)
	return string(tok), ok, err
}

func (a lockAdapter) Renew(ctx context.Context, threadID, token string) (bool, error) {
	return a.lock.Renew(ctx, threadID, redisbus.Token(token))
}

func (a lockAdapter) Release(ctx context.Context, threadID, token string) error {
	return a.lock.Release(ctx, threadID, redisbus.Token(token))
}

func buildStore(cfg config.StoreConfig) (thread.Store, []health.Pinger, error) {
	switch cfg.Backend {
	case "mongo":
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		mc, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return nil, nil, err
		}
		if err := mc.Ping(ctx, nil); err != nil {
			return nil, nil, err
		}
		client, err := mongoclient.New(mongoclient.Options{
			Client:          mc,
			Database:        cfg.Database,
			RunsCollection:  cfg.Collection,
			StateCollection: cfg.Collection + "_state",
		})
		if err != nil {
			return nil, nil, err
		}
		store, err := mongostore.NewStore(client)
		if err != nil {
			return nil, nil, err
		}
		return store, []health.Pinger{client}, nil
	default:
		return inmem.New(), nil, nil
	}
}
