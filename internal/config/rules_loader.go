package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	kjson "github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/ctxctrl/ctxctrl/internal/policy"
)

const inlineSourceName = "inline-config"

// RuleBundle captures the merged policy rules after loading every configured
// source, in evaluation order.
type RuleBundle struct {
	Rules   []PolicyRuleConfig
	Sources []string
}

type ruleDocument struct {
	Rules []PolicyRuleConfig `koanf:"rules"`
}

// buildRuleBundle merges inline rules with file-based sources. Inline rules
// evaluate first, then file rules in lexical source order. Every expression
// is compiled once here so a bad rule fails the load instead of the first
// message that trips it.
func buildRuleBundle(ctx context.Context, inline []PolicyRuleConfig, policyCfg PolicyConfig) (RuleBundle, error) {
	var bundle RuleBundle
	seen := make(map[string]string)

	add := func(rules []PolicyRuleConfig, source string) error {
		for _, rule := range rules {
			name := strings.TrimSpace(rule.Name)
			if name == "" {
				return fmt.Errorf("config: %s: rule name empty", source)
			}
			if prev, dup := seen[name]; dup {
				return fmt.Errorf("config: rule %q defined in both %s and %s", name, prev, source)
			}
			if strings.TrimSpace(rule.Deny) == "" {
				return fmt.Errorf("config: %s: rule %q deny expression empty", source, name)
			}
			seen[name] = source
			bundle.Rules = append(bundle.Rules, rule)
		}
		if source != inlineSourceName && len(rules) > 0 {
			bundle.Sources = append(bundle.Sources, source)
		}
		return nil
	}

	if err := add(inline, inlineSourceName); err != nil {
		return RuleBundle{}, err
	}

	files, err := collectRuleSources(ctx, policyCfg)
	if err != nil {
		return RuleBundle{}, err
	}
	for _, path := range files {
		select {
		case <-ctx.Done():
			return RuleBundle{}, ctx.Err()
		default:
		}
		doc, err := loadRuleDocument(path)
		if err != nil {
			return RuleBundle{}, err
		}
		if err := add(doc.Rules, path); err != nil {
			return RuleBundle{}, err
		}
	}

	env, err := policy.NewEnvironment()
	if err != nil {
		return RuleBundle{}, err
	}
	for _, rule := range bundle.Rules {
		if _, err := env.Compile(rule.Deny); err != nil {
			return RuleBundle{}, fmt.Errorf("config: rule %q: %w", rule.Name, err)
		}
	}
	sort.Strings(bundle.Sources)
	return bundle, nil
}

func collectRuleSources(ctx context.Context, policyCfg PolicyConfig) ([]string, error) {
	if policyCfg.RulesFile != "" {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		if err := ensureFileExists(policyCfg.RulesFile); err != nil {
			return nil, err
		}
		return []string{policyCfg.RulesFile}, nil
	}
	if policyCfg.RulesFolder == "" {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	stat, err := os.Stat(policyCfg.RulesFolder)
	if err != nil {
		return nil, fmt.Errorf("config: policy rules folder %s: %w", policyCfg.RulesFolder, err)
	}
	if !stat.IsDir() {
		return nil, fmt.Errorf("config: policy rules folder %s is not a directory", policyCfg.RulesFolder)
	}
	var files []string
	err = filepath.WalkDir(policyCfg.RulesFolder, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		if !isSupportedRulesFile(path) {
			return nil
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("config: walk policy rules folder %s: %w", policyCfg.RulesFolder, err)
	}
	sort.Strings(files)
	return files, nil
}

func ensureFileExists(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("config: policy rules file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: policy rules file %s: expected a file, found directory", path)
	}
	return nil
}

func loadRuleDocument(path string) (ruleDocument, error) {
	parser, err := parserFor(path)
	if err != nil {
		return ruleDocument{}, err
	}
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return ruleDocument{}, fmt.Errorf("config: load policy rules from %s: %w", path, err)
	}
	var doc ruleDocument
	if err := k.Unmarshal("", &doc); err != nil {
		return ruleDocument{}, fmt.Errorf("config: decode policy rules from %s: %w", path, err)
	}
	return doc, nil
}

func parserFor(path string) (koanf.Parser, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return kjson.Parser(), nil
	case ".toml", ".tml":
		return toml.Parser(), nil
	default:
		return nil, fmt.Errorf("config: unsupported policy rules file extension %s", ext)
	}
}

func isSupportedRulesFile(path string) bool {
	_, err := parserFor(path)
	return err == nil
}
