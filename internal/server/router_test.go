package server

import (
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
)

type stubPipeline struct {
	messageCalls  int
	entriesCalls  int
	statsCalls    int
	teardownCalls int
	healthCalls   int
	hints         []string
	hintHeaders   []string
}

func (s *stubPipeline) record(r *http.Request) {
	s.hintHeaders = append(s.hintHeaders, r.Header.Get("X-Session-Hint"))
}

func (s *stubPipeline) ServeMessage(w http.ResponseWriter, r *http.Request) {
	s.messageCalls++
	s.record(r)
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeEntries(w http.ResponseWriter, r *http.Request) {
	s.entriesCalls++
	s.record(r)
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeStats(w http.ResponseWriter, r *http.Request) {
	s.statsCalls++
	s.record(r)
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) ServeTeardown(w http.ResponseWriter, r *http.Request) {
	s.teardownCalls++
	s.record(r)
	w.WriteHeader(http.StatusNoContent)
}

func (s *stubPipeline) ServeHealth(w http.ResponseWriter, r *http.Request) {
	s.healthCalls++
	s.record(r)
	w.WriteHeader(http.StatusOK)
}

func (s *stubPipeline) RequestWithSessionHint(r *http.Request, id string) *http.Request {
	s.hints = append(s.hints, id)
	cloned := r.Clone(r.Context())
	cloned.Header.Set("X-Session-Hint", id)
	return cloned
}

func (s *stubPipeline) WriteError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	_, _ = w.Write([]byte(message))
}

func TestRouterDispatch(t *testing.T) {
	cases := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantHint   string
		check      func(*stubPipeline) int
	}{
		{"root message", http.MethodPost, "/message", http.StatusOK, "", func(s *stubPipeline) int { return s.messageCalls }},
		{"session message", http.MethodPost, "/alpha/message", http.StatusOK, "alpha", func(s *stubPipeline) int { return s.messageCalls }},
		{"entries", http.MethodGet, "/alpha/entries", http.StatusOK, "alpha", func(s *stubPipeline) int { return s.entriesCalls }},
		{"stats", http.MethodGet, "/alpha/stats", http.StatusOK, "alpha", func(s *stubPipeline) int { return s.statsCalls }},
		{"teardown", http.MethodDelete, "/alpha", http.StatusNoContent, "alpha", func(s *stubPipeline) int { return s.teardownCalls }},
		{"health", http.MethodGet, "/healthz", http.StatusOK, "", func(s *stubPipeline) int { return s.healthCalls }},
		{"health alias", http.MethodGet, "/health", http.StatusOK, "", func(s *stubPipeline) int { return s.healthCalls }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := &stubPipeline{}
			handler := NewPipelineHandler(stub, nil)

			req := httptest.NewRequest(tc.method, tc.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tc.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tc.wantStatus)
			}
			if got := tc.check(stub); got != 1 {
				t.Fatalf("handler called %d times, want 1", got)
			}
			if tc.wantHint != "" && !reflect.DeepEqual(stub.hints, []string{tc.wantHint}) {
				t.Fatalf("hints = %v, want [%s]", stub.hints, tc.wantHint)
			}
		})
	}
}

func TestRouterUnknownPath(t *testing.T) {
	stub := &stubPipeline{}
	handler := NewPipelineHandler(stub, nil)

	req := httptest.NewRequest(http.MethodGet, "/alpha/unknown", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRouterMetrics(t *testing.T) {
	stub := &stubPipeline{}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("# metrics"))
	})
	handler := NewPipelineHandler(stub, metrics)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	// Without a metrics handler the route 404s.
	bare := NewPipelineHandler(stub, nil)
	rec = httptest.NewRecorder()
	bare.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRouterNilPipeline(t *testing.T) {
	handler := NewPipelineHandler(nil, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
