package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gavv/httpexpect/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/ctxctrl/ctxctrl/internal/config"
	"github.com/ctxctrl/ctxctrl/internal/metrics"
	"github.com/ctxctrl/ctxctrl/internal/runtime"
	"github.com/ctxctrl/ctxctrl/internal/runtime/cache"
	"github.com/ctxctrl/ctxctrl/internal/runtime/session"
	"github.com/ctxctrl/ctxctrl/internal/server"
)

// buildStack assembles the full service the way main does, minus signal
// handling and the listener, so tests drive it through httptest.
func buildStack(t *testing.T, cfg config.Config) http.Handler {
	t.Helper()
	logger := discardLogger()

	codec, err := buildCodec(cfg.Server.Tokenizer)
	require.NoError(t, err)

	factory, cleanup, err := buildStoreFactory(logger, cfg.Server, codec)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	assembler, err := buildAssembler(logger, cfg.Server.Prompt)
	require.NoError(t, err)

	defaultPriority, _ := cache.ParsePriority(cfg.Server.Session.DefaultPriority)
	recorder := metrics.NewRecorder(prometheus.NewRegistry())
	manager, err := session.NewManager(session.ManagerConfig{
		NewStore:  factory,
		Assembler: assembler,
		Defaults: session.Defaults{
			TTL:      cfg.Server.Session.DefaultTTL(),
			Priority: defaultPriority,
		},
		MaxSessions: cfg.Server.Session.MaxSessions,
		IdleTTL:     cfg.Server.Session.IdleTTL(),
		Logger:      logger,
		Metrics:     recorder,
	})
	require.NoError(t, err)

	pipe, err := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Manager:           manager,
		CorrelationHeader: cfg.Server.Logging.CorrelationHeader,
		Metrics:           recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pipe.Close(context.Background()) })

	if len(cfg.Rules) > 0 {
		pipe.Reload(config.RuleBundle{Rules: cfg.Rules, Sources: cfg.RuleSources})
	}

	return server.NewPipelineHandler(pipe, recorder.Handler())
}

func TestEndToEndDirectiveFlow(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(`
server:
  session:
    maxTokens: 4096
rules:
  - name: no-clean-all
    deny: directive.kind == "clean" && size(directive.ids) == 0
    reason: full wipes are operator-only
`), 0o600))

	cfg, err := config.NewLoader("", configPath).Load(context.Background())
	require.NoError(t, err)

	srv := httptest.NewServer(buildStack(t, cfg))
	defer srv.Close()
	e := httpexpect.Default(t, srv.URL)

	// Cache a document.
	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "[Cache: doc1, ttl: 3600] The capital of France is Paris."}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("directives").Array().Value(0).Object().
		HasValue("status", "applied")

	// Reference it.
	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "reference: doc1 What is the capital?"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("prompt", "Context: The capital of France is Paris.\n\nQ: What is the capital?\nA:")

	// Inspect the session.
	e.GET("/demo/entries").
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("entries").Array().Length().IsEqual(1)

	// Policy blocks the full wipe.
	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "[Clean Cache]"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("directives").Array().Value(0).Object().
		HasValue("status", "denied").
		HasValue("detail", "full wipes are operator-only")

	// A targeted clean still works.
	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "[Clean Cache: doc1]"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		Value("directives").Array().Value(0).Object().
		HasValue("status", "applied")

	// Metrics endpoint is live.
	e.GET("/metrics").
		Expect().
		Status(http.StatusOK).
		Body().Contains("ctxctrl_messages_processed_total")

	// Teardown closes the session.
	e.DELETE("/demo").Expect().Status(http.StatusNoContent)
}

func TestEndToEndSessionReset(t *testing.T) {
	cfg := config.DefaultConfig()
	srv := httptest.NewServer(buildStack(t, cfg))
	defer srv.Close()
	e := httpexpect.Default(t, srv.URL)

	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "[Cache: doc1] ephemeral context"}).
		Expect().Status(http.StatusOK)

	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "[Start Session: take_two]"}).
		Expect().
		Status(http.StatusOK).
		JSON().Object().
		HasValue("label", "take_two")

	e.POST("/demo/message").
		WithJSON(map[string]string{"message": "reference: doc1 Still there?"}).
		Expect().
		Status(http.StatusUnprocessableEntity)
}
