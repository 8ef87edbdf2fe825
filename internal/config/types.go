package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds every server-level option plus the policy rules once the
// loader resolves inline and file-based sources.
type Config struct {
	Server ServerConfig       `koanf:"server"`
	Rules  []PolicyRuleConfig `koanf:"rules"`

	InlineRules []PolicyRuleConfig `koanf:"-"`

	// RuleSources records which files contributed policy rules once the
	// loader resolves the configured sources. Excluded from koanf so the
	// value only reflects runtime discovery rather than static input.
	RuleSources []string `koanf:"-"`
}

// ServerConfig collects the bootstrap knobs for the session service.
type ServerConfig struct {
	Listen    ListenConfig    `koanf:"listen"`
	Logging   LoggingConfig   `koanf:"logging"`
	Session   SessionConfig   `koanf:"session"`
	Tokenizer TokenizerConfig `koanf:"tokenizer"`
	Cache     CacheConfig     `koanf:"cache"`
	Prompt    PromptConfig    `koanf:"prompt"`
	Policy    PolicyConfig    `koanf:"policy"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level, format, and correlation ID wiring.
type LoggingConfig struct {
	Level             string `koanf:"level"`
	Format            string `koanf:"format"`
	CorrelationHeader string `koanf:"correlationHeader"`
}

// SessionConfig bounds the session population and the per-session store.
type SessionConfig struct {
	MaxSessions       int    `koanf:"maxSessions"`
	IdleSeconds       int    `koanf:"idleSeconds"`
	MaxTokens         int    `koanf:"maxTokens"`
	MaxBytes          int    `koanf:"maxBytes"`
	DefaultTTLSeconds int    `koanf:"defaultTTLSeconds"`
	MaxTTLSeconds     int    `koanf:"maxTTLSeconds"`
	DefaultPriority   string `koanf:"defaultPriority"`
}

// IdleTTL returns how long a session may sit untouched before the sweeper
// tears it down. Zero disables sweeping.
func (c SessionConfig) IdleTTL() time.Duration {
	return time.Duration(c.IdleSeconds) * time.Second
}

// DefaultTTL returns the TTL applied when a cache directive omits one.
// Zero means entries live for the session lifetime.
func (c SessionConfig) DefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSeconds) * time.Second
}

// MaxTTL returns the ceiling clamped onto requested TTLs. Zero disables it.
func (c SessionConfig) MaxTTL() time.Duration {
	return time.Duration(c.MaxTTLSeconds) * time.Second
}

// TokenizerConfig selects how entry sizes are measured.
type TokenizerConfig struct {
	Backend string                `koanf:"backend"`
	Remote  RemoteTokenizerConfig `koanf:"remote"`
}

// RemoteTokenizerConfig points at an external encode/decode service.
type RemoteTokenizerConfig struct {
	URL            string `koanf:"url"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// Timeout returns the per-call deadline for the remote tokenizer.
func (c RemoteTokenizerConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// CacheConfig selects the per-session store backend.
type CacheConfig struct {
	Backend string            `koanf:"backend"`
	Valkey  ValkeyCacheConfig `koanf:"valkey"`
}

// ValkeyCacheConfig carries connection details for the distributed backend.
type ValkeyCacheConfig struct {
	Address   string          `koanf:"address"`
	Username  string          `koanf:"username"`
	Password  string          `koanf:"password"`
	DB        int             `koanf:"db"`
	KeyPrefix string          `koanf:"keyPrefix"`
	TLS       ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// PromptConfig shapes assembled output. Template is an inline text/template
// body; TemplateFile names a file resolved inside TemplatesFolder. When both
// are empty the built-in layout is used.
type PromptConfig struct {
	Template        string `koanf:"template"`
	TemplateFile    string `koanf:"templateFile"`
	TemplatesFolder string `koanf:"templatesFolder"`
}

// PolicyConfig announces how policy rule documents are sourced.
type PolicyConfig struct {
	RulesFolder string `koanf:"rulesFolder"`
	RulesFile   string `koanf:"rulesFile"`
}

// PolicyRuleConfig is one deny rule: a CEL expression evaluated against each
// directive before it is applied.
type PolicyRuleConfig struct {
	Name   string `koanf:"name"`
	Deny   string `koanf:"deny"`
	Reason string `koanf:"reason"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	s := c.Server.Session
	if s.MaxSessions < 0 {
		return fmt.Errorf("config: session.maxSessions invalid: %d", s.MaxSessions)
	}
	if s.IdleSeconds < 0 {
		return fmt.Errorf("config: session.idleSeconds invalid: %d", s.IdleSeconds)
	}
	if s.MaxTokens < 0 {
		return fmt.Errorf("config: session.maxTokens invalid: %d", s.MaxTokens)
	}
	if s.MaxBytes < 0 {
		return fmt.Errorf("config: session.maxBytes invalid: %d", s.MaxBytes)
	}
	if s.DefaultTTLSeconds < 0 {
		return fmt.Errorf("config: session.defaultTTLSeconds invalid: %d", s.DefaultTTLSeconds)
	}
	if s.MaxTTLSeconds < 0 {
		return fmt.Errorf("config: session.maxTTLSeconds invalid: %d", s.MaxTTLSeconds)
	}
	if s.MaxTTLSeconds > 0 && s.DefaultTTLSeconds > s.MaxTTLSeconds {
		return fmt.Errorf("config: session.defaultTTLSeconds %d exceeds maxTTLSeconds %d", s.DefaultTTLSeconds, s.MaxTTLSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(s.DefaultPriority)) {
	case "", "low", "normal", "high":
	default:
		return fmt.Errorf("config: session.defaultPriority unsupported: %s", s.DefaultPriority)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Tokenizer.Backend)) {
	case "", "heuristic":
	case "remote":
		if strings.TrimSpace(c.Server.Tokenizer.Remote.URL) == "" {
			return errors.New("config: server.tokenizer.remote.url required for remote backend")
		}
	default:
		return fmt.Errorf("config: server.tokenizer.backend unsupported: %s", c.Server.Tokenizer.Backend)
	}
	if c.Server.Tokenizer.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("config: server.tokenizer.remote.timeoutSeconds invalid: %d", c.Server.Tokenizer.Remote.TimeoutSeconds)
	}
	switch strings.TrimSpace(strings.ToLower(c.Server.Cache.Backend)) {
	case "", "memory":
	case "valkey":
		if strings.TrimSpace(c.Server.Cache.Valkey.Address) == "" {
			return errors.New("config: server.cache.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: server.cache.backend unsupported: %s", c.Server.Cache.Backend)
	}
	if c.Server.Prompt.Template != "" && c.Server.Prompt.TemplateFile != "" {
		return errors.New("config: prompt.template and prompt.templateFile are mutually exclusive")
	}
	if c.Server.Policy.RulesFolder != "" && c.Server.Policy.RulesFile != "" {
		return errors.New("config: policy.rulesFolder and policy.rulesFile are mutually exclusive")
	}
	seen := make(map[string]struct{}, len(c.Rules))
	for i, rule := range c.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return fmt.Errorf("config: rules[%d] name empty", i)
		}
		if strings.TrimSpace(rule.Deny) == "" {
			return fmt.Errorf("config: rule %q deny expression empty", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("config: rule %q defined more than once", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// DefaultConfig returns the baseline values applied before files and env.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:             "info",
				Format:            "json",
				CorrelationHeader: "X-Request-ID",
			},
			Session: SessionConfig{
				MaxSessions:     256,
				IdleSeconds:     1800,
				MaxTokens:       8192,
				MaxTTLSeconds:   86400,
				DefaultPriority: "normal",
			},
			Tokenizer: TokenizerConfig{
				Backend: "heuristic",
				Remote: RemoteTokenizerConfig{
					TimeoutSeconds: 5,
				},
			},
			Cache: CacheConfig{
				Backend: "memory",
				Valkey: ValkeyCacheConfig{
					KeyPrefix: "ctxctrl:session:",
				},
			},
			Prompt: PromptConfig{
				TemplatesFolder: "./templates",
			},
		},
	}
}
