package control

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"module/internal/activity"
	"module/internal/capture"
	"module/internal/config"
	"module/internal/intruder"
	"module/internal/plugin"
	"module/internal/rules"
	"module/internal/scope"
	"module/internal/upstream"
	"module/internal/wsocket"
)

func newTestHandler(t *testing.T, apiCfg config.APIConfig, devMode bool) *Handler {
	t.Helper()
	scopeFilter, err := scope.New(nil, nil)
	if err != nil {
		t.Fatalf("scope.New() error = %v", err)
	}
	deps := Dependencies{
		Capture:  capture.New(100),
		WsHub:    wsocket.New(wsocket.Limits{}),
		Scope:    scopeFilter,
		Rules:    rules.NewEngine(),
		Intruder: intruder.NewEngine(0),
		Upstream: upstream.New(0),
	}
	h, err := New(deps, apiCfg, devMode)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

// newTestHandlerWithExtras builds a handler wired to a real activity log
// and plugin host, for endpoints newTestHandler leaves nil.
func newTestHandlerWithExtras(t *testing.T, apiCfg config.APIConfig, devMode bool) *Handler {
	t.Helper()
	scopeFilter, err := scope.New(nil, nil)
	if err != nil {
		t.Fatalf("scope.New() error = %v", err)
	}
	host, err := plugin.NewHost(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("plugin.NewHost() error = %v", err)
	}
	t.Cleanup(func() { host.Close(context.Background()) })

	log := activity.New(10, nil)
	deps := Dependencies{
		Capture:   capture.New(100),
		WsHub:     wsocket.New(wsocket.Limits{}),
		Scope:     scopeFilter,
		Rules:     rules.NewEngine(),
		Intruder:  intruder.NewEngine(0),
		Upstream:  upstream.New(0),
		Activity:  log,
		Plugins:   host,
		PluginDir: t.TempDir(),
	}
	h, err := New(deps, apiCfg, devMode)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return h
}

func TestAuthRejectsMissingToken(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{Token: "secret"}, false)

	req := httptest.NewRequest("GET", "/traffic", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestAuthAcceptsValidBearerToken(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{Token: "secret"}, false)

	req := httptest.NewRequest("GET", "/traffic", nil)
	req.Header.Set("Authorization", "Bearer secret")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestDevModeAllowsLoopbackWithoutToken(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{}, true)

	req := httptest.NewRequest("GET", "/traffic", nil)
	req.RemoteAddr = "127.0.0.1:54321"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestDevModeRejectsNonLoopbackWithoutToken(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{}, true)

	req := httptest.NewRequest("GET", "/traffic", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
}

func TestCSRFRejectsStateChangingRequestWithoutToken(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true, CSRFProtection: true}, true)

	req := httptest.NewRequest("DELETE", "/traffic", nil)
	req.RemoteAddr = "127.0.0.1:1"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestCSRFAcceptsMatchingHeaderAndCookie(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true, CSRFProtection: true}, true)

	req := httptest.NewRequest("DELETE", "/traffic", nil)
	req.RemoteAddr = "127.0.0.1:1"
	req.Header.Set("X-CSRF-Token", "tok123")
	req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok123"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
}

func TestIPBlockListDenies(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true, IPFilter: config.IPFilterRule{Block: []string{"203.0.113.0/24"}}}, true)

	req := httptest.NewRequest("GET", "/traffic", nil)
	req.RemoteAddr = "203.0.113.9:1"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func devRequest(method, path string, body []byte) *http.Request {
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.RemoteAddr = "127.0.0.1:1"
	return req
}

func TestScopeRoundTrip(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	body, _ := json.Marshal(map[string]any{
		"includes": []scope.Pattern{{Host: "*.example.com"}},
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("PUT", "/scope", body))
	if w.Code != http.StatusNoContent {
		t.Fatalf("PUT /scope status = %d, want 204", w.Code)
	}

	if !h.scope.IncludedHost("api.example.com") {
		t.Error("expected api.example.com to be in scope after PUT")
	}
}

func TestRulesAddListDelete(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	body, _ := json.Marshal(rules.Rule{
		Active: true,
		Phase:  rules.PhaseRequest,
		Condition: rules.Condition{
			UrlContains: "admin",
		},
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("POST", "/rules", body))
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /rules status = %d, want 201, body=%s", w.Code, w.Body.String())
	}
	var created rules.Rule
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decoding created rule: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected created rule to have an ID")
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/rules", nil))
	var listed []*rules.Rule
	json.Unmarshal(w.Body.Bytes(), &listed)
	if len(listed) != 1 {
		t.Fatalf("len(listed) = %d, want 1", len(listed))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("DELETE", "/rules/"+created.ID, nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE /rules/{id} status = %d, want 204", w.Code)
	}
}

func TestRulesAddRejectsBadRegex(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	body, _ := json.Marshal(rules.Rule{
		Phase:     rules.PhaseRequest,
		Condition: rules.Condition{UrlRegex: "("},
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("POST", "/rules", body))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTrafficListAndClear(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/traffic", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /traffic status = %d, want 200", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("DELETE", "/traffic", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE /traffic status = %d, want 204", w.Code)
	}
}

func TestIntruderGenerateStartResultsClear(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	genBody, _ := json.Marshal(map[string]any{
		"attack_type": "Sniper",
		"template":    "id=§id§",
		"payloads":    [][]string{{"1", "2"}},
	})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("POST", "/intruder/generate", genBody))
	if w.Code != http.StatusOK {
		t.Fatalf("POST /intruder/generate status = %d, want 200, body=%s", w.Code, w.Body.String())
	}
	var reqs []intruder.Request
	json.Unmarshal(w.Body.Bytes(), &reqs)
	if len(reqs) != 2 {
		t.Fatalf("len(reqs) = %d, want 2", len(reqs))
	}

	startBody, _ := json.Marshal(map[string]any{"requests": reqs, "concurrency": 2})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("POST", "/intruder/start", startBody))
	if w.Code != http.StatusAccepted {
		t.Fatalf("POST /intruder/start status = %d, want 202", w.Code)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("DELETE", "/intruder/results", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE /intruder/results status = %d, want 204", w.Code)
	}
}

func TestWebsocketConnectionsAndClear(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)
	h.wsHub.Open("example.com")

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/websocket/connections", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var conns []map[string]any
	json.Unmarshal(w.Body.Bytes(), &conns)
	if len(conns) != 1 {
		t.Fatalf("len(conns) = %d, want 1", len(conns))
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("DELETE", "/websocket/clear", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if len(h.wsHub.List()) != 0 {
		t.Error("expected all connections closed after clear")
	}
}

func TestPluginUploadRejectsNonWasm(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "evil.txt")
	fw.Write([]byte("not wasm"))
	mw.Close()

	req := devRequest("POST", "/plugins/upload", buf.Bytes())
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDashboardMetrics(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/dashboard/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var metrics map[string]any
	json.Unmarshal(w.Body.Bytes(), &metrics)
	if _, ok := metrics["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds in dashboard metrics")
	}
}

func TestDashboardActivityEmptyWithoutLog(t *testing.T) {
	h := newTestHandler(t, config.APIConfig{DevMode: true}, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/dashboard/activity", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var entries []activity.Entry
	json.Unmarshal(w.Body.Bytes(), &entries)
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0 when no activity log is wired", len(entries))
	}
}

func TestDashboardActivityListAndClear(t *testing.T) {
	h := newTestHandlerWithExtras(t, config.APIConfig{DevMode: true}, true)
	h.activity.Record(activity.LevelWarn, "cert_error", "upstream cert verification failed", nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/dashboard/activity", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var entries []activity.Entry
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decoding activity entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].EventType != "cert_error" {
		t.Errorf("EventType = %q, want cert_error", entries[0].EventType)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("DELETE", "/dashboard/activity", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("DELETE status = %d, want 204", w.Code)
	}
	if len(h.activity.List()) != 0 {
		t.Error("expected activity log empty after clear")
	}
}

func TestListPluginsEmpty(t *testing.T) {
	h := newTestHandlerWithExtras(t, config.APIConfig{DevMode: true}, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("GET", "/plugins", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var loaded []pluginInfo
	if err := json.Unmarshal(w.Body.Bytes(), &loaded); err != nil {
		t.Fatalf("decoding plugin list: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("len(loaded) = %d, want 0 with no plugins uploaded", len(loaded))
	}
}

func TestPluginReloadUnknownNotFound(t *testing.T) {
	h := newTestHandlerWithExtras(t, config.APIConfig{DevMode: true}, true)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("POST", "/plugins/nonexistent.wasm/reload", nil))
	if w.Code != http.StatusBadRequest && w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 400 or 404 for reloading a missing plugin", w.Code)
	}
}

func TestPluginToggleUnknownNotFound(t *testing.T) {
	h := newTestHandlerWithExtras(t, config.APIConfig{DevMode: true}, true)

	body, _ := json.Marshal(map[string]any{"disabled": true})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, devRequest("POST", "/plugins/nonexistent.wasm/toggle", body))
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for toggling an unknown plugin", w.Code)
	}
}
