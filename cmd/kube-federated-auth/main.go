// Command kube-federated-auth runs the federated ServiceAccount token
// validation service.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/rophy/kube-federated-auth/pkg/cluster"
	"github.com/rophy/kube-federated-auth/pkg/config"
	"github.com/rophy/kube-federated-auth/pkg/jwks"
	"github.com/rophy/kube-federated-auth/pkg/server"
	"github.com/rophy/kube-federated-auth/pkg/token"
	"github.com/rophy/kube-federated-auth/pkg/validator"
)

const envPrefix = "KFA"

func main() {
	configPath := flag.String("config", "", "path of the YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.New().WithEnvPrefix(envPrefix)
	if configPath != "" {
		loader = loader.WithFile(configPath)
	}
	var cfg config.Config
	if err := loader.Load(&cfg); err != nil {
		return err
	}

	registry, err := cluster.Load(&cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("registry loaded", "clusters", registry.Names())

	var shared jwks.DocumentCache
	if cfg.RedisAddr != "" {
		redisCache, err := jwks.NewRedisDocumentCache(ctx, &cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = redisCache.Close() }()
		shared = redisCache
	}

	keyCache := jwks.NewCache(cfg.JWKSCacheTTL, shared, logger)
	verifier := token.NewVerifier(keyCache, logger)
	engine := validator.NewEngine(registry, verifier)

	var upstream *validator.UpstreamClient
	if cfg.FederatedAuthURL != "" {
		upstream = validator.NewUpstreamClient(cfg.FederatedAuthURL, cfg.HTTPTimeout)
		logger.Info("upstream validation enabled", "url", cfg.FederatedAuthURL)
	}
	orchestrator := validator.NewOrchestrator(engine, upstream, logger)

	srv := server.New(&cfg, registry, orchestrator, logger)
	return srv.Run(ctx)
}
