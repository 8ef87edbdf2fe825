package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitForBundle(t *testing.T, ch <-chan RuleBundle, check func(RuleBundle) bool) RuleBundle {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case bundle := <-ch:
			if check(bundle) {
				return bundle
			}
		case <-deadline:
			t.Fatal("timed out waiting for rule bundle")
		}
	}
}

func TestWatchRulesReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", `
rules:
  - name: cap-content
    deny: directive.contentBytes > 512
`)

	cfg := DefaultConfig()
	cfg.Server.Policy.RulesFile = rulesPath

	updates := make(chan RuleBundle, 8)
	watcher, err := NewLoader("").WatchRules(context.Background(), cfg, func(b RuleBundle) {
		updates <- b
	}, func(err error) { t.Logf("watch error: %v", err) })
	require.NoError(t, err)
	defer watcher.Stop()

	initial := waitForBundle(t, updates, func(b RuleBundle) bool { return len(b.Rules) == 1 })
	assert.Equal(t, "cap-content", initial.Rules[0].Name)

	require.NoError(t, os.WriteFile(rulesPath, []byte(`
rules:
  - name: cap-content
    deny: directive.contentBytes > 512
  - name: no-clean-all
    deny: directive.kind == "clean" && size(directive.ids) == 0
`), 0o600))

	updated := waitForBundle(t, updates, func(b RuleBundle) bool { return len(b.Rules) == 2 })
	assert.Equal(t, "no-clean-all", updated.Rules[1].Name)
}

func TestWatchRulesFolderPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	rulesDir := filepath.Join(dir, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0o755))
	writeFile(t, rulesDir, "base.yaml", `
rules:
  - name: base
    deny: "false"
`)

	cfg := DefaultConfig()
	cfg.Server.Policy.RulesFolder = rulesDir

	updates := make(chan RuleBundle, 8)
	watcher, err := NewLoader("").WatchRules(context.Background(), cfg, func(b RuleBundle) {
		updates <- b
	}, nil)
	require.NoError(t, err)
	defer watcher.Stop()

	waitForBundle(t, updates, func(b RuleBundle) bool { return len(b.Rules) == 1 })

	writeFile(t, rulesDir, "extra.yaml", `
rules:
  - name: extra
    deny: directive.kind == "update"
`)

	updated := waitForBundle(t, updates, func(b RuleBundle) bool { return len(b.Rules) == 2 })
	names := []string{updated.Rules[0].Name, updated.Rules[1].Name}
	assert.Contains(t, names, "extra")
}

func TestWatchRulesRequiresSource(t *testing.T) {
	cfg := DefaultConfig()
	_, err := NewLoader("").WatchRules(context.Background(), cfg, func(RuleBundle) {}, nil)
	require.Error(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	rulesPath := writeFile(t, dir, "rules.yaml", `
rules:
  - name: base
    deny: "false"
`)
	cfg := DefaultConfig()
	cfg.Server.Policy.RulesFile = rulesPath

	watcher, err := NewLoader("").WatchRules(context.Background(), cfg, func(RuleBundle) {}, nil)
	require.NoError(t, err)

	watcher.Stop()
	assert.NotPanics(t, func() { watcher.Stop() })
}
