package codec

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"module/internal/capture"
	"module/internal/redaction"
	"module/internal/rules"
	"module/internal/scope"
	"module/internal/upstream"
)

func newTestCore(t *testing.T, captureStore *capture.Store) *Core {
	t.Helper()
	scopeFilter, err := scope.New(nil, nil)
	if err != nil {
		t.Fatalf("scope.New() error = %v", err)
	}
	return New(Config{
		Scope:    scopeFilter,
		Rules:    rules.NewEngine(),
		Capture:  captureStore,
		Upstream: upstream.New(0),
	})
}

func TestHandleProxiesInScopeRequest(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello from upstream"))
	}))
	defer upstreamSrv.Close()

	store := capture.New(10)
	core := newTestCore(t, store)

	upstreamURL, _ := url.Parse(upstreamSrv.URL)
	req := httptest.NewRequest(http.MethodGet, "http://"+upstreamURL.Host+"/widgets", nil)
	req.Host = upstreamURL.Host
	rec := httptest.NewRecorder()

	core.handle(rec, req, "http")

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Body.String(); got != "hello from upstream" {
		t.Errorf("body = %q, want %q", got, "hello from upstream")
	}
	if rec.Header().Get("X-Upstream") != "yes" {
		t.Error("expected upstream response header to be forwarded")
	}

	flows := store.List(capture.Filter{})
	if len(flows) != 1 {
		t.Fatalf("len(flows) = %d, want 1", len(flows))
	}
	if flows[0].Method != http.MethodGet || flows[0].Status != http.StatusOK {
		t.Errorf("flow = %+v, want method GET, status 200", flows[0])
	}
}

func TestHandleOutOfScopePassesThroughWithOutOfScopeTag(t *testing.T) {
	upstreamSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstreamSrv.Close()

	upstreamURL, _ := url.Parse(upstreamSrv.URL)
	scopeFilter, err := scope.New(nil, []scope.Pattern{{Host: upstreamURL.Hostname()}})
	if err != nil {
		t.Fatalf("scope.New() error = %v", err)
	}

	store := capture.New(10)
	core := New(Config{
		Scope:    scopeFilter,
		Rules:    rules.NewEngine(),
		Capture:  store,
		Upstream: upstream.New(0),
	})

	req := httptest.NewRequest(http.MethodGet, "http://"+upstreamURL.Host+"/", nil)
	req.Host = upstreamURL.Host
	rec := httptest.NewRecorder()

	core.handle(rec, req, "http")

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want 418", rec.Code)
	}

	flows := store.List(capture.Filter{})
	if len(flows) != 1 {
		t.Fatalf("len(flows) = %d, want 1", len(flows))
	}
	found := false
	for _, tag := range flows[0].Tags {
		if tag == "out_of_scope" {
			found = true
		}
	}
	if !found {
		t.Errorf("tags = %v, want out_of_scope", flows[0].Tags)
	}
}

func TestHandleUpstreamFailureRecordsFlow(t *testing.T) {
	store := capture.New(10)
	core := newTestCore(t, store)

	// Port 1 on loopback should refuse immediately.
	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:1/", nil)
	req.Host = "127.0.0.1:1"
	rec := httptest.NewRecorder()

	core.handle(rec, req, "http")

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	flows := store.List(capture.Filter{})
	if len(flows) != 1 {
		t.Fatalf("len(flows) = %d, want 1", len(flows))
	}
}

func TestCaptureBodyTruncatesAndRedacts(t *testing.T) {
	redactor := redaction.NewPatternRedactor()
	body := []byte(`{"email": "user@example.com", "note": "hello world"}`)

	got := captureBody(body, 10, "", redactor)
	if !got.Truncated {
		t.Error("expected Truncated = true")
	}
	if got.FullSize != int64(len(body)) {
		t.Errorf("FullSize = %d, want %d", got.FullSize, len(body))
	}

	full := captureBody(body, 0, "", redactor)
	if strings.Contains(string(full.Data), "user@example.com") {
		t.Errorf("expected email redacted, got %q", full.Data)
	}
}

func TestCaptureBodyNoLimitNoTruncate(t *testing.T) {
	body := []byte("short body")
	got := captureBody(body, 0, "", nil)
	if got.Truncated {
		t.Error("expected Truncated = false when maxBytes is 0")
	}
	if string(got.Data) != string(body) {
		t.Errorf("Data = %q, want unchanged %q", got.Data, body)
	}
}
