package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounters(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveMessage("ok", 25*time.Millisecond)
	rec.ObserveMessage("ok", 5*time.Millisecond)
	rec.ObserveMessage("assembly_failed", time.Millisecond)
	rec.RecordDirective("cache", "applied")
	rec.RecordDirective("clean", "noop")
	rec.RecordCacheOperation("put", "ok")
	rec.RecordEviction("priority")
	rec.RecordEviction("priority")
	rec.RecordWarning("parse_ambiguity")
	rec.ObserveEncode(2 * time.Millisecond)
	rec.SetActiveSessions(3)

	families := gather(t, rec,
		"ctxctrl_messages_processed_total",
		"ctxctrl_messages_duration_seconds",
		"ctxctrl_directives_applied_total",
		"ctxctrl_cache_operations_total",
		"ctxctrl_cache_evictions_total",
		"ctxctrl_pipeline_warnings_total",
		"ctxctrl_tokenizer_encode_duration_seconds",
		"ctxctrl_sessions_active",
	)

	ok := findMetric(t, families["ctxctrl_messages_processed_total"], map[string]string{"outcome": "ok"})
	assert.Equal(t, float64(2), ok.GetCounter().GetValue())
	failed := findMetric(t, families["ctxctrl_messages_processed_total"], map[string]string{"outcome": "assembly_failed"})
	assert.Equal(t, float64(1), failed.GetCounter().GetValue())

	durations := findMetric(t, families["ctxctrl_messages_duration_seconds"], map[string]string{"outcome": "ok"})
	assert.Equal(t, uint64(2), durations.GetHistogram().GetSampleCount())

	applied := findMetric(t, families["ctxctrl_directives_applied_total"], map[string]string{"kind": "cache", "outcome": "applied"})
	assert.Equal(t, float64(1), applied.GetCounter().GetValue())

	assert.Equal(t, float64(2), testutil.ToFloat64(rec.evictions.WithLabelValues("priority")))
	assert.Equal(t, float64(1), testutil.ToFloat64(rec.warnings.WithLabelValues("parse_ambiguity")))
	assert.Equal(t, float64(3), testutil.ToFloat64(rec.sessions))
}

func TestRecorderNilReceiver(t *testing.T) {
	var rec *Recorder

	assert.NotPanics(t, func() {
		rec.ObserveMessage("ok", time.Millisecond)
		rec.RecordDirective("cache", "applied")
		rec.RecordCacheOperation("put", "ok")
		rec.RecordEviction("lru")
		rec.RecordWarning("unknown_parameter")
		rec.ObserveEncode(time.Millisecond)
		rec.SetActiveSessions(1)
	})
	assert.Nil(t, rec.Gatherer())
	assert.NotNil(t, rec.Handler())
}

func TestHandlerServesText(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveMessage("ok", time.Millisecond)

	srv := httptest.NewServer(rec.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()

	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)

	collected := make(map[string][]*dto.Metric, len(names))
	for _, family := range families {
		collected[family.GetName()] = family.GetMetric()
	}
	for _, name := range names {
		require.Contains(t, collected, name)
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()

	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	require.Failf(t, "metric not found", "no series matching %v", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	seen := make(map[string]string, len(metric.GetLabel()))
	for _, pair := range metric.GetLabel() {
		seen[pair.GetName()] = pair.GetValue()
	}
	for name, value := range labels {
		if seen[name] != value {
			return false
		}
	}
	return true
}
