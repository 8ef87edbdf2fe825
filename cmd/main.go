package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ctxctrl/ctxctrl/internal/config"
	"github.com/ctxctrl/ctxctrl/internal/logging"
	"github.com/ctxctrl/ctxctrl/internal/metrics"
	"github.com/ctxctrl/ctxctrl/internal/runtime"
	"github.com/ctxctrl/ctxctrl/internal/runtime/assemble"
	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
	"github.com/ctxctrl/ctxctrl/internal/runtime/session"
	"github.com/ctxctrl/ctxctrl/internal/server"
	"github.com/ctxctrl/ctxctrl/internal/templates"
	"github.com/ctxctrl/ctxctrl/internal/tokenizer"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "CTXCTRL", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	codec, err := buildCodec(cfg.Server.Tokenizer)
	if err != nil {
		logger.Error("tokenizer setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	storeFactory, storeCleanup, err := buildStoreFactory(logger.With(slog.String("agent", "store_factory")), cfg.Server, codec)
	if err != nil {
		logger.Error("store backend setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer storeCleanup()

	assembler, err := buildAssembler(logger, cfg.Server.Prompt)
	if err != nil {
		logger.Error("prompt template setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	defaultPriority, _ := cache.ParsePriority(cfg.Server.Session.DefaultPriority)
	manager, err := session.NewManager(session.ManagerConfig{
		NewStore:  storeFactory,
		Assembler: assembler,
		Defaults: session.Defaults{
			TTL:      cfg.Server.Session.DefaultTTL(),
			Priority: defaultPriority,
		},
		MaxSessions: cfg.Server.Session.MaxSessions,
		IdleTTL:     cfg.Server.Session.IdleTTL(),
		Logger:      logger,
		Metrics:     metricsRecorder,
	})
	if err != nil {
		logger.Error("session manager setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	if cfg.Server.Session.IdleSeconds > 0 {
		go manager.RunSweeper(ctx, cfg.Server.Session.IdleTTL()/2)
	}

	pipe, err := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Manager:           manager,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           metricsRecorder,
	})
	if err != nil {
		logger.Error("pipeline setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := pipe.Close(shutdownCtx); err != nil {
			logger.Error("session shutdown failed", slog.Any("error", err))
		}
	}()

	if cfg.Server.Policy.RulesFile != "" || cfg.Server.Policy.RulesFolder != "" {
		watcher, err := loader.WatchRules(ctx, cfg, func(bundle config.RuleBundle) {
			pipe.Reload(bundle)
		}, func(err error) {
			if err != nil {
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	} else if len(cfg.Rules) > 0 {
		pipe.Reload(config.RuleBundle{Rules: cfg.Rules, Sources: cfg.RuleSources})
	}

	handler := server.NewPipelineHandler(pipe, metricsRecorder.Handler())
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

func buildCodec(cfg config.TokenizerConfig) (tokenizer.Codec, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Backend)) {
	case "", "heuristic":
		return tokenizer.NewHeuristic(), nil
	case "remote":
		return tokenizer.NewRemote(tokenizer.RemoteConfig{
			BaseURL: cfg.Remote.URL,
			Timeout: cfg.Remote.Timeout(),
		})
	default:
		return nil, fmt.Errorf("unsupported tokenizer backend %q", cfg.Backend)
	}
}

// buildStoreFactory returns the per-session store constructor plus a cleanup
// hook for the shared backend connection, if any.
func buildStoreFactory(logger *slog.Logger, cfg config.ServerConfig, codec tokenizer.Codec) (session.StoreFactory, func(), error) {
	limits := cache.Limits{
		MaxTokens: cfg.Session.MaxTokens,
		MaxBytes:  cfg.Session.MaxBytes,
	}
	maxTTL := cfg.Session.MaxTTL()

	switch strings.TrimSpace(strings.ToLower(cfg.Cache.Backend)) {
	case "", "memory":
		logger.Info("using memory session stores",
			slog.Int("max_tokens", limits.MaxTokens), slog.Int("max_bytes", limits.MaxBytes))
		factory := func(string) (cache.Store, error) {
			return cache.NewMemory(codec, limits, cache.WithMaxTTL(maxTTL)), nil
		}
		return factory, func() {}, nil
	case "valkey":
		client, err := cache.NewValkeyClient(cache.ValkeyConfig{
			Address:  cfg.Cache.Valkey.Address,
			Username: cfg.Cache.Valkey.Username,
			Password: cfg.Cache.Valkey.Password,
			DB:       cfg.Cache.Valkey.DB,
			TLS: cache.ValkeyTLSConfig{
				Enabled: cfg.Cache.Valkey.TLS.Enabled,
				CAFile:  cfg.Cache.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			return nil, nil, err
		}
		logger.Info("using valkey session stores", slog.String("address", cfg.Cache.Valkey.Address))
		factory := func(sessionID string) (cache.Store, error) {
			return cache.NewValkey(client, cfg.Cache.Valkey.KeyPrefix, sessionID, codec, limits, cache.WithValkeyMaxTTL(maxTTL)), nil
		}
		return factory, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported cache backend %q", cfg.Cache.Backend)
	}
}

func buildAssembler(logger *slog.Logger, cfg config.PromptConfig) (*assemble.Assembler, error) {
	var sandbox *templates.Sandbox
	if folder := strings.TrimSpace(cfg.TemplatesFolder); folder != "" {
		sb, err := templates.NewSandbox(folder)
		if err != nil {
			logger.Warn("template sandbox setup failed", slog.String("templates_folder", folder), slog.Any("error", err))
		} else {
			sandbox = sb
		}
	}
	renderer := templates.NewRenderer(sandbox)

	if cfg.TemplateFile != "" {
		tmpl, err := renderer.CompileFile(cfg.TemplateFile)
		if err != nil {
			return nil, err
		}
		return assemble.NewFromTemplate(tmpl), nil
	}
	return assemble.New(renderer, cfg.Template)
}
