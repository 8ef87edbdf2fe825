package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file >
// default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator that honors the env-first contract
// before touching files or defaults.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective snapshot using the documented precedence
// rules, then folds file-based policy rules into the inline set.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"server.logging.correlationheader":      "server.logging.correlationHeader",
			"server.session.maxsessions":            "server.session.maxSessions",
			"server.session.idleseconds":            "server.session.idleSeconds",
			"server.session.maxtokens":              "server.session.maxTokens",
			"server.session.maxbytes":               "server.session.maxBytes",
			"server.session.defaultttlseconds":      "server.session.defaultTTLSeconds",
			"server.session.maxttlseconds":          "server.session.maxTTLSeconds",
			"server.session.defaultpriority":        "server.session.defaultPriority",
			"server.tokenizer.remote.timeoutseconds": "server.tokenizer.remote.timeoutSeconds",
			"server.cache.valkey.keyprefix":         "server.cache.valkey.keyPrefix",
			"server.cache.valkey.tls.cafile":        "server.cache.valkey.tls.caFile",
			"server.prompt.templatefile":            "server.prompt.templateFile",
			"server.prompt.templatesfolder":         "server.prompt.templatesFolder",
			"server.policy.rulesfolder":             "server.policy.rulesFolder",
			"server.policy.rulesfile":               "server.policy.rulesFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	cfg.InlineRules = append([]PolicyRuleConfig(nil), cfg.Rules...)

	bundle, err := buildRuleBundle(ctx, cfg.InlineRules, cfg.Server.Policy)
	if err != nil {
		return Config{}, err
	}
	cfg.Rules = bundle.Rules
	cfg.RuleSources = bundle.Sources
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":             cfg.Server.Logging.Level,
				"format":            cfg.Server.Logging.Format,
				"correlationHeader": cfg.Server.Logging.CorrelationHeader,
			},
			"session": map[string]any{
				"maxSessions":       cfg.Server.Session.MaxSessions,
				"idleSeconds":       cfg.Server.Session.IdleSeconds,
				"maxTokens":         cfg.Server.Session.MaxTokens,
				"maxBytes":          cfg.Server.Session.MaxBytes,
				"defaultTTLSeconds": cfg.Server.Session.DefaultTTLSeconds,
				"maxTTLSeconds":     cfg.Server.Session.MaxTTLSeconds,
				"defaultPriority":   cfg.Server.Session.DefaultPriority,
			},
			"tokenizer": map[string]any{
				"backend": cfg.Server.Tokenizer.Backend,
				"remote": map[string]any{
					"url":            cfg.Server.Tokenizer.Remote.URL,
					"timeoutSeconds": cfg.Server.Tokenizer.Remote.TimeoutSeconds,
				},
			},
			"cache": map[string]any{
				"backend": cfg.Server.Cache.Backend,
				"valkey": map[string]any{
					"address":   cfg.Server.Cache.Valkey.Address,
					"username":  cfg.Server.Cache.Valkey.Username,
					"password":  cfg.Server.Cache.Valkey.Password,
					"db":        cfg.Server.Cache.Valkey.DB,
					"keyPrefix": cfg.Server.Cache.Valkey.KeyPrefix,
					"tls": map[string]any{
						"enabled": cfg.Server.Cache.Valkey.TLS.Enabled,
						"caFile":  cfg.Server.Cache.Valkey.TLS.CAFile,
					},
				},
			},
			"prompt": map[string]any{
				"template":        cfg.Server.Prompt.Template,
				"templateFile":    cfg.Server.Prompt.TemplateFile,
				"templatesFolder": cfg.Server.Prompt.TemplatesFolder,
			},
			"policy": map[string]any{
				"rulesFolder": cfg.Server.Policy.RulesFolder,
				"rulesFile":   cfg.Server.Policy.RulesFile,
			},
		},
	}
}
