// Package control implements the operator-facing JSON HTTP API: reading
// the capture/websocket stores and driving scope, rules, plugins, and
// intruder state, gated by bearer auth, optional CSRF, and an optional
// IP allow-list (spec.md §4.12).
package control

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"

	"module/internal/activity"
	"module/internal/apierr"
	"module/internal/capture"
	"module/internal/config"
	"module/internal/intruder"
	"module/internal/plugin"
	"module/internal/rules"
	"module/internal/scope"
	"module/internal/upstream"
	"module/internal/wsocket"
)

// Handler serves the control API over its own listener.
type Handler struct {
	capture   *capture.Store
	wsHub     *wsocket.Hub
	scope     *scope.Filter
	rules     *rules.Engine
	plugins   *plugin.Host
	pluginDir string
	intruder  *intruder.Engine
	upstream  *upstream.Client
	activity  *activity.Log
	mux       *http.ServeMux

	authEnabled bool
	token       string
	devMode     bool
	csrfEnabled bool
	csrfSecret  string
	ipAllow     []*net.IPNet
	ipBlock     []*net.IPNet

	startTime time.Time
}

// Dependencies bundles the components the control API reads from and
// drives. Activity may be nil: the activity routes then report an empty
// log and the /ws stream carries no activity events. The other components
// are used by their routes without a nil check.
type Dependencies struct {
	Capture   *capture.Store
	WsHub     *wsocket.Hub
	Scope     *scope.Filter
	Rules     *rules.Engine
	Plugins   *plugin.Host
	PluginDir string
	Intruder  *intruder.Engine
	Upstream  *upstream.Client
	Activity  *activity.Log
}

// New builds a Handler wired to deps and the supplied API auth config.
func New(deps Dependencies, apiCfg config.APIConfig, devMode bool) (*Handler, error) {
	h := &Handler{
		capture:     deps.Capture,
		wsHub:       deps.WsHub,
		scope:       deps.Scope,
		rules:       deps.Rules,
		plugins:     deps.Plugins,
		pluginDir:   deps.PluginDir,
		intruder:    deps.Intruder,
		upstream:    deps.Upstream,
		activity:    deps.Activity,
		mux:         http.NewServeMux(),
		authEnabled: apiCfg.Token != "" || !devMode,
		token:       apiCfg.Token,
		devMode:     devMode,
		csrfEnabled: apiCfg.CSRFProtection,
		csrfSecret:  apiCfg.CSRFSecret,
		startTime:   time.Now(),
	}

	var err error
	h.ipAllow, err = parseCIDRs(apiCfg.IPFilter.Allow)
	if err != nil {
		return nil, err
	}
	h.ipBlock, err = parseCIDRs(apiCfg.IPFilter.Block)
	if err != nil {
		return nil, err
	}

	h.routes()
	return h, nil
}

func parseCIDRs(raw []string) ([]*net.IPNet, error) {
	var out []*net.IPNet
	for _, s := range raw {
		if !strings.Contains(s, "/") {
			s += "/32"
		}
		_, ipnet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, err
		}
		out = append(out, ipnet)
	}
	return out, nil
}

func (h *Handler) routes() {
	h.mux.HandleFunc("GET /traffic", h.handleListTraffic)
	h.mux.HandleFunc("GET /traffic/{id}", h.handleGetFlow)
	h.mux.HandleFunc("DELETE /traffic", h.handleClearTraffic)

	h.mux.HandleFunc("POST /repeater/send", h.handleRepeaterSend)

	h.mux.HandleFunc("GET /scope", h.handleGetScope)
	h.mux.HandleFunc("PUT /scope", h.handlePutScope)

	h.mux.HandleFunc("GET /rules", h.handleListRules)
	h.mux.HandleFunc("POST /rules", h.handleAddRule)
	h.mux.HandleFunc("DELETE /rules/{id}", h.handleDeleteRule)

	h.mux.HandleFunc("GET /plugins", h.handleListPlugins)
	h.mux.HandleFunc("POST /plugins/{name}/reload", h.handlePluginReload)
	h.mux.HandleFunc("POST /plugins/{name}/toggle", h.handlePluginToggle)
	h.mux.HandleFunc("POST /plugins/upload", h.handlePluginUpload)

	h.mux.HandleFunc("POST /intruder/generate", h.handleIntruderGenerate)
	h.mux.HandleFunc("POST /intruder/start", h.handleIntruderStart)
	h.mux.HandleFunc("POST /intruder/stop", h.handleIntruderStop)
	h.mux.HandleFunc("GET /intruder/results", h.handleIntruderResults)
	h.mux.HandleFunc("DELETE /intruder/results", h.handleIntruderClear)

	h.mux.HandleFunc("GET /websocket/connections", h.handleWsConnections)
	h.mux.HandleFunc("GET /websocket/frames/{id}", h.handleWsFrames)
	h.mux.HandleFunc("DELETE /websocket/clear", h.handleWsClear)

	h.mux.HandleFunc("GET /dashboard/metrics", h.handleDashboardMetrics)
	h.mux.HandleFunc("GET /dashboard/activity", h.handleDashboardActivity)
	h.mux.HandleFunc("DELETE /dashboard/activity", h.handleDashboardActivityClear)

	h.mux.HandleFunc("GET /ws", h.handleWsStream)
}

// ServeHTTP enforces auth/CSRF/IP gates then dispatches to the mux.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkIPAllowed(r) {
		writeErr(w, apierr.New(apierr.CodeAuthForbidden, "source address not permitted"))
		return
	}
	if !h.checkAuth(r) {
		w.Header().Set("WWW-Authenticate", `Bearer realm="control-api"`)
		writeErr(w, apierr.New(apierr.CodeAuthMissing, "valid bearer token required"))
		return
	}
	if h.csrfEnabled && isStateChanging(r.Method) && !h.checkCSRF(r) {
		writeErr(w, apierr.New(apierr.CodeAuthForbidden, "missing or invalid CSRF token"))
		return
	}
	h.mux.ServeHTTP(w, r)
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPatch:
		return true
	default:
		return false
	}
}

func (h *Handler) checkIPAllowed(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	for _, n := range h.ipBlock {
		if n.Contains(ip) {
			return false
		}
	}
	if len(h.ipAllow) == 0 {
		return true
	}
	for _, n := range h.ipAllow {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) checkAuth(r *http.Request) bool {
	if h.token == "" && h.devMode {
		return isLoopback(r)
	}
	if !h.authEnabled {
		return true
	}
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ") == h.token
	}
	return false
}

func isLoopback(r *http.Request) bool {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// checkCSRF verifies a double-submit token: the header value must match
// the cookie's value, bound to the session rather than the client IP.
func (h *Handler) checkCSRF(r *http.Request) bool {
	cookie, err := r.Cookie("csrf_token")
	if err != nil || cookie.Value == "" {
		return false
	}
	header := r.Header.Get("X-CSRF-Token")
	return header != "" && header == cookie.Value
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err *apierr.Error) {
	writeJSON(w, err.HTTPStatus(), map[string]any{
		"error": map[string]string{"code": string(err.Code), "message": err.Message},
	})
}

// --- traffic ---

func (h *Handler) handleListTraffic(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	statusMin, statusMax, _ := capture.ParseStatusRange(q.Get("status"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	flows := h.capture.List(capture.Filter{
		Method:     q.Get("method"),
		HostSubstr: q.Get("host"),
		TextSubstr: q.Get("search"),
		StatusMin:  statusMin,
		StatusMax:  statusMax,
		Limit:      limit,
	})
	writeJSON(w, http.StatusOK, flows)
}

func (h *Handler) handleGetFlow(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid flow id"))
		return
	}
	f, ok := h.capture.Get(id)
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func (h *Handler) handleClearTraffic(w http.ResponseWriter, r *http.Request) {
	h.capture.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// --- repeater ---

type repeaterRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

type repeaterResponse struct {
	Status     int               `json:"status"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
	DurationMs int64             `json:"duration_ms"`
	SizeBytes  int               `json:"size_bytes"`
}

func (h *Handler) handleRepeaterSend(w http.ResponseWriter, r *http.Request) {
	var req repeaterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid repeater request body"))
		return
	}

	outbound, err := http.NewRequestWithContext(r.Context(), req.Method, req.URL, strings.NewReader(req.Body))
	if err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid repeater request"))
		return
	}
	for k, v := range req.Headers {
		outbound.Header.Set(k, v)
	}

	scheme := outbound.URL.Scheme
	host := outbound.URL.Hostname()
	port, err := targetPort(outbound.URL)
	if err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid repeater request port"))
		return
	}

	start := time.Now()
	resp, err := h.upstream.Do(r.Context(), scheme, host, port, "", outbound)
	duration := time.Since(start)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeUpstream, "repeater request failed", err))
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	headers := map[string]string{}
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}
	writeJSON(w, http.StatusOK, repeaterResponse{
		Status:     resp.StatusCode,
		Headers:    headers,
		Body:       string(body),
		DurationMs: duration.Milliseconds(),
		SizeBytes:  len(body),
	})
}

// targetPort resolves the port a parsed URL targets, defaulting from scheme
// when absent.
func targetPort(u *url.URL) (int, error) {
	if p := u.Port(); p != "" {
		return strconv.Atoi(p)
	}
	if u.Scheme == "https" {
		return 443, nil
	}
	return 80, nil
}

// --- scope ---

// handleGetScope returns a fixed note only; the current include/exclude
// patterns are not reported.
func (h *Handler) handleGetScope(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"note": "scope patterns are not returned by GET; PUT replaces them"})
}

func (h *Handler) handlePutScope(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Includes []scope.Pattern `json:"includes"`
		Excludes []scope.Pattern `json:"excludes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid scope document"))
		return
	}
	if err := h.scope.Replace(body.Includes, body.Excludes); err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "compiling scope patterns", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- rules ---

func (h *Handler) handleListRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.rules.List())
}

func (h *Handler) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var rule rules.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid rule document"))
		return
	}
	added, err := h.rules.Add(rule)
	if err != nil {
		if apiErr, ok := err.(*apierr.Error); ok {
			writeErr(w, apiErr)
			return
		}
		writeErr(w, apierr.Wrap(apierr.CodeRuleCompile, "adding rule", err))
		return
	}
	writeJSON(w, http.StatusCreated, added)
}

func (h *Handler) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	if !h.rules.Remove(r.PathValue("id")) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- plugins ---

type pluginInfo struct {
	Name     string        `json:"name"`
	Hooks    []plugin.Hook `json:"hooks"`
	Disabled bool          `json:"disabled"`
}

func (h *Handler) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	loaded := h.plugins.List()
	out := make([]pluginInfo, 0, len(loaded))
	for _, p := range loaded {
		out = append(out, pluginInfo{Name: p.Name(), Hooks: p.Hooks(), Disabled: p.Disabled()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handlePluginReload(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if _, err := h.plugins.Replace(r.Context(), h.pluginDir, name); err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "reloading plugin", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePluginToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Disabled bool `json:"disabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid toggle request"))
		return
	}
	if !h.plugins.Toggle(r.PathValue("name"), body.Disabled) {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePluginUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "parsing multipart upload", err))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "missing file field", err))
		return
	}
	defer file.Close()
	if !strings.HasSuffix(header.Filename, ".wasm") {
		writeErr(w, apierr.New(apierr.CodeConfig, "only .wasm uploads are accepted"))
		return
	}
	if err := saveUpload(h.pluginDir, header.Filename, file); err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "saving plugin upload", err))
		return
	}
	if _, err := h.plugins.Replace(r.Context(), h.pluginDir, header.Filename); err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "loading uploaded plugin", err))
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func saveUpload(dir, filename string, file multipart.File) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	dest, err := os.Create(filepath.Join(dir, filepath.Base(filename))) // #nosec G304 -- base name only
	if err != nil {
		return err
	}
	defer dest.Close()
	_, err = io.Copy(dest, file)
	return err
}

// --- intruder ---

func (h *Handler) handleIntruderGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AttackType string     `json:"attack_type"`
		Template   string     `json:"template"`
		Payloads   [][]string `json:"payloads"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid generate request"))
		return
	}
	positions := intruder.ParseTemplate(body.Template)
	reqs, err := intruder.Expand(body.AttackType, body.Template, positions, body.Payloads)
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "expanding intruder requests", err))
		return
	}
	writeJSON(w, http.StatusOK, reqs)
}

func (h *Handler) handleIntruderStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests    []intruder.Request `json:"requests"`
		Concurrency int                `json:"concurrency"`
		DelayMs     int                `json:"delay_ms"`
		Target      struct {
			Method  string            `json:"method"`
			URL     string            `json:"url"`
			Headers map[string]string `json:"headers"`
		} `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeErr(w, apierr.New(apierr.CodeConfig, "invalid start request"))
		return
	}
	method := body.Target.Method
	if method == "" {
		method = http.MethodGet
	}
	dispatch := func(ctx context.Context, req intruder.Request) intruder.Result {
		start := time.Now()
		outbound, err := http.NewRequestWithContext(ctx, method, body.Target.URL, strings.NewReader(req.Rendered))
		if err != nil {
			return intruder.Result{RequestID: req.RequestID, Payloads: req.Payloads, Err: err.Error()}
		}
		for k, v := range body.Target.Headers {
			outbound.Header.Set(k, v)
		}
		port, err := targetPort(outbound.URL)
		if err != nil {
			return intruder.Result{RequestID: req.RequestID, Payloads: req.Payloads, Err: err.Error()}
		}
		resp, err := h.upstream.Do(ctx, outbound.URL.Scheme, outbound.URL.Hostname(), port, "", outbound)
		duration := time.Since(start)
		if err != nil {
			return intruder.Result{RequestID: req.RequestID, Payloads: req.Payloads, DurationMs: duration.Milliseconds(), Err: err.Error()}
		}
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return intruder.Result{
			RequestID:  req.RequestID,
			Payloads:   req.Payloads,
			StatusCode: resp.StatusCode,
			BodyLen:    len(respBody),
			DurationMs: duration.Milliseconds(),
		}
	}
	if _, err := h.intruder.Start(r.Context(), body.Requests, body.Concurrency, body.DelayMs, dispatch); err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "starting intruder job", err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleIntruderStop(w http.ResponseWriter, r *http.Request) {
	job, ok := h.intruder.Current()
	if !ok {
		http.NotFound(w, r)
		return
	}
	job.Stop()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleIntruderResults(w http.ResponseWriter, r *http.Request) {
	job, ok := h.intruder.Current()
	if !ok {
		writeJSON(w, http.StatusOK, []intruder.Result{})
		return
	}
	writeJSON(w, http.StatusOK, job.Results())
}

func (h *Handler) handleIntruderClear(w http.ResponseWriter, r *http.Request) {
	h.intruder.Clear()
	w.WriteHeader(http.StatusNoContent)
}

// --- websocket ---

func (h *Handler) handleWsConnections(w http.ResponseWriter, r *http.Request) {
	type connInfo struct {
		ID         string `json:"id"`
		Host       string `json:"host"`
		FrameCount uint64 `json:"frames_count"`
	}
	var out []connInfo
	for _, c := range h.wsHub.List() {
		out = append(out, connInfo{ID: c.ID, Host: c.Host, FrameCount: c.FrameCount()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleWsFrames(w http.ResponseWriter, r *http.Request) {
	conn, ok := h.wsHub.Get(r.PathValue("id"))
	if !ok {
		http.NotFound(w, r)
		return
	}
	frames, evicted := conn.Frames()
	writeJSON(w, http.StatusOK, map[string]any{"frames": frames, "evicted_frames": evicted})
}

func (h *Handler) handleWsClear(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.wsHub.List() {
		h.wsHub.Close(c.ID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- dashboard ---

func (h *Handler) handleDashboardMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(h.startTime).Seconds()),
		"flows_retained": len(h.capture.List(capture.Filter{})),
		"ws_connections": len(h.wsHub.List()),
		"rules_active":   countActive(h.rules.List()),
	})
}

func countActive(list []*rules.Rule) int {
	n := 0
	for _, r := range list {
		if r.Active {
			n++
		}
	}
	return n
}

func (h *Handler) handleDashboardActivity(w http.ResponseWriter, r *http.Request) {
	if h.activity == nil {
		writeJSON(w, http.StatusOK, []activity.Entry{})
		return
	}
	writeJSON(w, http.StatusOK, h.activity.List())
}

func (h *Handler) handleDashboardActivityClear(w http.ResponseWriter, r *http.Request) {
	if h.activity != nil {
		h.activity.Clear()
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- live stream ---

// wsEvent is the {type, data} envelope sent over the /ws NDJSON stream.
type wsEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// handleWsStream upgrades to a WebSocket connection and fans in every
// capture/websocket/activity/intruder event as a newline-delimited JSON
// envelope `{type, data}` (spec.md §9).
func (h *Handler) handleWsStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		writeErr(w, apierr.Wrap(apierr.CodeConfig, "websocket accept failed", err))
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events := make(chan wsEvent, 256)

	flowCh, unsubFlow := h.capture.Subscribe(128)
	defer unsubFlow()
	go func() {
		for {
			select {
			case ev, ok := <-flowCh:
				if !ok {
					return
				}
				select {
				case events <- wsEvent{Type: string(ev.Kind), Data: ev.Flow}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	frameCh, unsubFrame := h.wsHub.Subscribe(128)
	defer unsubFrame()
	go func() {
		for {
			select {
			case frame, ok := <-frameCh:
				if !ok {
					return
				}
				select {
				case events <- wsEvent{Type: "ws_frame", Data: frame}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	if h.activity != nil {
		activityCh, unsubActivity := h.activity.Subscribe(64)
		defer unsubActivity()
		go func() {
			for {
				select {
				case entry, ok := <-activityCh:
					if !ok {
						return
					}
					select {
					case events <- wsEvent{Type: "activity", Data: entry}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	if h.intruder != nil {
		resultCh, unsubResult := h.intruder.Subscribe(64)
		defer unsubResult()
		go func() {
			for {
				select {
				case result, ok := <-resultCh:
					if !ok {
						return
					}
					select {
					case events <- wsEvent{Type: "intruder_result", Data: result}:
					case <-ctx.Done():
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}
