// Package codec implements the HTTP codec and request/response pipeline
// (spec.md §4.4): it turns a sniffed, optionally TLS-terminated connection
// into a sequence of Flows, running each one through scope, rules, and
// plugins before it reaches the upstream client, and again on the way back.
package codec

import (
	"bufio"
	"bytes"
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/net/http2"

	"module/internal/acceptor"
	"module/internal/activity"
	"module/internal/ca"
	"module/internal/capture"
	"module/internal/flow"
	"module/internal/plugin"
	"module/internal/redaction"
	"module/internal/rules"
	"module/internal/scope"
	"module/internal/telemetry"
	"module/internal/upstream"
	"module/internal/wsocket"
)

// Config wires a Core to the rest of the system.
type Config struct {
	Authority    *ca.Authority
	Scope        *scope.Filter
	Rules        *rules.Engine
	Plugins      *plugin.Host
	Capture      *capture.Store
	Upstream     *upstream.Client
	WsHub        *wsocket.Hub
	Activity     *activity.Log
	Telemetry    *telemetry.Provider
	Redactor     *redaction.PatternRedactor
	MaxBodyBytes int
	// MaxConcurrency bounds the number of connections handled at once
	// (spec.md §6 MAX_CONCURRENCY); 0 falls back to defaultMaxConcurrency.
	MaxConcurrency int
}

const (
	defaultMaxBodyBytes   = 1 << 20 // spec.md §4.4 MAX_BODY_BYTES default
	defaultMaxConcurrency = 64
)

// Core is the HTTP codec and pipeline orchestrator. One Core serves every
// accepted connection for the life of the process; it holds no per-flow
// state beyond what passes through its pipeline.
type Core struct {
	authority    *ca.Authority
	scope        *scope.Filter
	rules        *rules.Engine
	plugins      *plugin.Host
	capture      *capture.Store
	upstream     *upstream.Client
	wsHub        *wsocket.Hub
	activity     *activity.Log
	telemetry    *telemetry.Provider
	redactor     *redaction.PatternRedactor
	ids          flow.IDGenerator
	maxBodyBytes int
	sem          chan struct{}
}

// New builds a Core from cfg.
func New(cfg Config) *Core {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	return &Core{
		authority:    cfg.Authority,
		scope:        cfg.Scope,
		rules:        cfg.Rules,
		plugins:      cfg.Plugins,
		capture:      cfg.Capture,
		upstream:     cfg.Upstream,
		wsHub:        cfg.WsHub,
		activity:     cfg.Activity,
		telemetry:    cfg.Telemetry,
		redactor:     cfg.Redactor,
		maxBodyBytes: maxBody,
		sem:          make(chan struct{}, maxConcurrency),
	}
}

// Accept is an acceptor.Acceptor's onAccept callback: it takes a sniffed
// connection through TLS termination (if needed) and into the HTTP/1.1 or
// HTTP/2 server loop. Concurrent connections are bounded at MaxConcurrency
// (spec.md §6); a connection that arrives over the limit waits for a slot
// to free, or is dropped if ctx is cancelled first.
func (c *Core) Accept(ctx context.Context, conn net.Conn, decision acceptor.Decision) {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		conn.Close()
		return
	}
	defer func() { <-c.sem }()

	wrapped := &peekedConn{Conn: conn, r: decision.Reader}

	switch decision.Kind {
	case acceptor.KindTLS:
		c.acceptTLS(ctx, wrapped)
	case acceptor.KindPlainHTTP:
		c.serve(ctx, wrapped, "http", "")
	default:
		slog.Warn("codec: acceptor handed off an unexpected decision kind", "kind", decision.Kind)
		conn.Close()
	}
}

// acceptTLS terminates TLS using a leaf minted for the negotiated SNI host
// (spec.md §4.2/§4.3), then resumes the HTTP server loop over the
// decrypted stream.
func (c *Core) acceptTLS(ctx context.Context, conn net.Conn) {
	tlsCfg := &tls.Config{
		NextProtos: []string{"h2", "http/1.1"},
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			leaf, err := c.authority.Mint(hello.ServerName)
			if err != nil {
				return nil, fmt.Errorf("minting leaf for %s: %w", hello.ServerName, err)
			}
			return &leaf.TLSCert, nil
		},
	}

	tlsConn := tls.Server(conn, tlsCfg)
	hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err := tlsConn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		slog.Debug("codec: TLS handshake failed, recording cert_error flow", "error", err)
		c.recordHandshakeFailure(tlsConn.ConnectionState().ServerName)
		tlsConn.Close()
		return
	}

	state := tlsConn.ConnectionState()
	c.serve(ctx, tlsConn, "https", state.NegotiatedProtocol)
}

// recordHandshakeFailure captures a flow with no request/response, status
// cert_error, per spec.md §4.3.
func (c *Core) recordHandshakeFailure(host string) {
	f := &flow.Flow{
		ID:        c.ids.Next(),
		StartTime: time.Now(),
		Scheme:    flow.SchemeHTTPS,
		Host:      host,
	}
	f.AddTag("cert_error")
	now := time.Now()
	f.EndTime = &now
	c.capture.Put(f)
	if c.activity != nil {
		c.activity.Record(activity.LevelError, "cert_error", "TLS handshake failed", map[string]string{"host": host})
	}
}

// serve runs the HTTP server loop for one connection, dispatching to
// HTTP/2 when alpn negotiated h2 and to HTTP/1.1 otherwise.
func (c *Core) serve(ctx context.Context, conn net.Conn, scheme, alpn string) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.handle(w, r, scheme)
	})

	if alpn == "h2" {
		h2s := &http2.Server{}
		h2s.ServeConn(conn, &http2.ServeConnOpts{Context: ctx, Handler: handler})
		return
	}

	ln := newSingleConnListener(conn)
	srv := &http.Server{
		Handler:     handler,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	_ = srv.Serve(ln)
}

// handle is the per-request pipeline: scope -> rules -> plugins -> upstream
// -> rules -> plugins -> client, with the flow stored in capture after the
// response is written (or after the upstream call fails), generalized from
// the teacher's Proxy.ServeHTTP (spec.md §4.4-§4.10).
func (c *Core) handle(w http.ResponseWriter, r *http.Request, scheme string) {
	start := time.Now()
	host, port := hostPort(r.Host, scheme)

	if isWebSocketUpgrade(r) {
		c.handleWebSocket(w, r, scheme, host, port)
		return
	}

	included := c.scope.Included(scheme, host, port, r.URL.Path)
	flowID := c.ids.Next()

	var span trace.Span
	spanStatus := http.StatusBadGateway
	var spanBytesIn, spanBytesOut int64
	var spanErr error
	if c.telemetry != nil {
		ctx, otSpan := c.telemetry.StartRequestSpan(r.Context(), strconv.FormatUint(flowID, 10), r.Method, r.URL.Path, false)
		span = otSpan
		telemetry.SetRequestTarget(span, scheme, host)
		r = r.WithContext(ctx)
		defer func() {
			c.telemetry.EndRequestSpan(span, spanStatus, spanBytesIn, spanBytesOut, spanErr)
		}()
	}

	rawBody, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		spanErr = err
		http.Error(w, "reading request body", http.StatusBadGateway)
		return
	}
	spanBytesIn = int64(len(rawBody))

	f := &flow.Flow{
		ID:            flowID,
		StartTime:     start,
		ClientAddr:    r.RemoteAddr,
		Scheme:        flow.Scheme(scheme),
		Host:          host,
		Port:          port,
		ScopeIncluded: included,
	}

	reqHeaders := flow.NewHeader()
	for name, values := range r.Header {
		for _, v := range values {
			reqHeaders.Add(name, v)
		}
	}

	if !included {
		// Out of scope: pass through untouched, no rule/plugin evaluation,
		// and only enough captured to show the flow existed (spec.md §4.5).
		f.Request = &flow.Request{Method: r.Method, URL: r.URL.String(), HTTPVersion: r.Proto, Headers: reqHeaders}
		f.AddTag("out_of_scope")
		spanStatus = http.StatusOK
		c.forwardUnmodified(w, r, f, scheme, host, port, rawBody)
		return
	}

	reqMsg := &rules.Message{URL: r.URL.String(), Headers: reqHeaders, Body: rawBody}
	if tags := c.rules.Eval(rules.PhaseRequest, reqMsg); len(tags) > 0 {
		f.Tags = append(f.Tags, tags...)
		c.logTags(r.Context(), "request", tags)
	}

	if c.plugins != nil {
		pluginMsg := &plugin.Message{URL: reqMsg.URL, Headers: reqMsg.Headers, Body: reqMsg.Body}
		if tags := c.plugins.Dispatch(r.Context(), plugin.HookOnRequest, pluginMsg); len(tags) > 0 {
			f.Tags = append(f.Tags, tags...)
			c.logTags(r.Context(), "request", tags)
		}
		reqMsg.URL = pluginMsg.URL
		reqMsg.Body = pluginMsg.Body
	}

	f.Request = &flow.Request{
		Method:          r.Method,
		URL:             reqMsg.URL,
		HTTPVersion:     r.Proto,
		Headers:         reqMsg.Headers,
		Body:            captureBody(reqMsg.Body, c.maxBodyBytes, reqMsg.Headers.Get("Content-Encoding"), c.redactor),
		ContentCategory: classify(reqMsg.Headers.Get("Content-Type")),
	}

	outReq, err := c.buildUpstreamRequest(r, scheme, host, reqMsg)
	if err != nil {
		http.Error(w, "building upstream request", http.StatusBadGateway)
		return
	}

	resp, err := c.upstream.Do(r.Context(), scheme, host, port, "", outReq)
	if err != nil {
		spanErr = err
		f.AddTag("upstream_" + upstream.DetectFailure(resp, err).String())
		f.SetResponse(&flow.Response{DurationMs: time.Since(start).Milliseconds()})
		c.capture.Put(f)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		f.AddTag("response_read_error")
	}

	respHeaders := flow.NewHeader()
	for name, values := range resp.Header {
		for _, v := range values {
			respHeaders.Add(name, v)
		}
	}

	respMsg := &rules.Message{URL: reqMsg.URL, Headers: respHeaders, Body: respBody}
	if tags := c.rules.Eval(rules.PhaseResponse, respMsg); len(tags) > 0 {
		f.Tags = append(f.Tags, tags...)
		c.logTags(r.Context(), "response", tags)
	}

	if c.plugins != nil {
		pluginMsg := &plugin.Message{URL: respMsg.URL, Status: resp.StatusCode, Headers: respMsg.Headers, Body: respMsg.Body}
		if tags := c.plugins.Dispatch(r.Context(), plugin.HookOnResponse, pluginMsg); len(tags) > 0 {
			f.Tags = append(f.Tags, tags...)
			c.logTags(r.Context(), "response", tags)
		}
		respMsg.Body = pluginMsg.Body
	}

	writeResponseHeaders(w, respHeaders)
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(respMsg.Body)

	spanStatus = resp.StatusCode
	spanBytesOut = int64(len(respMsg.Body))

	f.SetResponse(&flow.Response{
		Status:          resp.StatusCode,
		HTTPVersion:     resp.Proto,
		Headers:         respMsg.Headers,
		Body:            captureBody(respMsg.Body, c.maxBodyBytes, respMsg.Headers.Get("Content-Encoding"), c.redactor),
		ContentCategory: classify(respMsg.Headers.Get("Content-Type")),
		DurationMs:      time.Since(start).Milliseconds(),
	})
	c.capture.Put(f)

	slog.Debug("proxied request",
		"flow_id", f.ID,
		"method", r.Method,
		"host", host,
		"path", r.URL.Path,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)
}

// forwardUnmodified proxies an out-of-scope request byte-for-byte, still
// recording a minimal flow so the dashboard shows the connection occurred.
func (c *Core) forwardUnmodified(w http.ResponseWriter, r *http.Request, f *flow.Flow, scheme, host string, port int, rawBody []byte) {
	start := time.Now()
	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), bytes.NewReader(rawBody))
	if err != nil {
		http.Error(w, "building upstream request", http.StatusBadGateway)
		return
	}
	outReq.Header = r.Header.Clone()
	outReq.Host = r.Host

	resp, err := c.upstream.Do(r.Context(), scheme, host, port, "", outReq)
	if err != nil {
		f.SetResponse(&flow.Response{DurationMs: time.Since(start).Milliseconds()})
		c.capture.Put(f)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)

	f.SetResponse(&flow.Response{Status: resp.StatusCode, DurationMs: time.Since(start).Milliseconds(), Body: flow.Body{FullSize: n}})
	c.capture.Put(f)
}

func (c *Core) buildUpstreamRequest(r *http.Request, scheme, host string, msg *rules.Message) (*http.Request, error) {
	target := *r.URL
	target.Scheme = scheme
	target.Host = r.Host
	if parsed, err := url.Parse(msg.URL); err == nil {
		target.Path = parsed.Path
		target.RawQuery = parsed.RawQuery
	}

	outReq, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), bytes.NewReader(msg.Body))
	if err != nil {
		return nil, err
	}
	outReq.Host = r.Host
	for _, p := range msg.Headers.Pairs() {
		outReq.Header.Add(p.Name, p.Value)
	}
	outReq.ContentLength = int64(len(msg.Body))
	return outReq, nil
}

func (c *Core) logTags(ctx context.Context, phase string, tags []string) {
	for _, t := range tags {
		if c.activity != nil {
			c.activity.Record(activity.LevelWarn, t, fmt.Sprintf("%s pipeline tag", phase), nil)
		}
		if c.telemetry != nil {
			telemetry.RecordFlowTagged(ctx, t)
		}
	}
}

// handleWebSocket detaches an upgraded connection into the WebSocket
// pipeline (spec.md §4.10): both directions run through the Hub and the
// on_ws_frame plugin hook before being forwarded.
func (c *Core) handleWebSocket(w http.ResponseWriter, r *http.Request, scheme, host string, port int) {
	wsScheme := "ws"
	if scheme == "https" {
		wsScheme = "wss"
	}
	backendURL := fmt.Sprintf("%s://%s:%d%s", wsScheme, host, port, r.URL.RequestURI())

	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		slog.Error("codec: websocket accept failed", "error", err)
		return
	}
	defer clientConn.CloseNow()

	backendConn, _, err := websocket.Dial(r.Context(), backendURL, nil)
	if err != nil {
		slog.Error("codec: websocket dial backend failed", "backend", backendURL, "error", err)
		clientConn.Close(websocket.StatusInternalError, "backend connection failed")
		return
	}
	defer backendConn.CloseNow()

	conn := c.wsHub.Open(host)
	defer c.wsHub.Close(conn.ID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.pumpFrames(ctx, clientConn, backendConn, conn, wsocket.DirectionInbound, cancel)
	}()
	go func() {
		defer wg.Done()
		c.pumpFrames(ctx, backendConn, clientConn, conn, wsocket.DirectionOutbound, cancel)
	}()
	wg.Wait()
}

func (c *Core) pumpFrames(ctx context.Context, src, dst *websocket.Conn, conn *wsocket.Connection, dir wsocket.Direction, cancel context.CancelFunc) {
	for {
		msgType, data, err := src.Read(ctx)
		if err != nil {
			cancel()
			return
		}

		text := msgType == websocket.MessageText
		if accepted, tag := c.wsHub.Record(conn, dir, text, data); !accepted {
			slog.Debug("codec: websocket frame dropped", "reason", tag)
		}

		if c.plugins != nil {
			msg := &plugin.Message{Body: data}
			c.plugins.Dispatch(ctx, plugin.HookOnWsFrame, msg)
			data = msg.Body
		}

		if err := dst.Write(ctx, msgType, data); err != nil {
			cancel()
			return
		}
	}
}

// isWebSocketUpgrade reports whether r requests a WebSocket upgrade
// (spec.md §4.4), grounded on the teacher's IsWebSocketRequest.
func isWebSocketUpgrade(r *http.Request) bool {
	connection := r.Header.Get("Connection")
	upgrade := r.Header.Get("Upgrade")
	return strings.Contains(strings.ToLower(connection), "upgrade") && strings.EqualFold(upgrade, "websocket")
}

// hostPort splits an HTTP request's Host header into (host, port),
// defaulting the port from scheme when absent.
func hostPort(hostHeader, scheme string) (string, int) {
	host, portStr, err := net.SplitHostPort(hostHeader)
	if err != nil {
		host = hostHeader
		if scheme == "https" {
			return host, 443
		}
		return host, 80
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		if scheme == "https" {
			port = 443
		} else {
			port = 80
		}
	}
	return host, port
}

// captureBody builds the truncated, lazily-decompressed capture view of a
// body already destined in full for the wire (spec.md §4.5). Decompression
// failure is non-fatal: the raw bytes are retained. The flow is not tagged
// when decompression fails.
// When a redactor is configured, PII and credential-shaped substrings in
// the capture view are replaced before the flow is stored; the bytes
// already written to the peer are never touched by this path.
func captureBody(body []byte, maxBytes int, contentEncoding string, redactor *redaction.PatternRedactor) flow.Body {
	view := body
	truncated := false
	if maxBytes > 0 && len(view) > maxBytes {
		view = view[:maxBytes]
		truncated = true
	}

	decoded, ok := decompress(view, contentEncoding)
	if ok {
		view = decoded
	}

	if redactor != nil {
		view = []byte(redactor.Redact(string(view)))
	}

	return flow.Body{Data: view, Truncated: truncated, FullSize: int64(len(body))}
}

// decompress lazily inflates a capture-view body for display only; the
// bytes actually forwarded to the peer are never touched by this path.
func decompress(data []byte, encoding string) ([]byte, bool) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, false
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, false
		}
		return out, true
	case "deflate":
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out, err := io.ReadAll(fr)
		if err != nil {
			return nil, false
		}
		return out, true
	default:
		// "br" and anything else: no stdlib/pack decoder wired, captured raw.
		return nil, false
	}
}

// classify buckets a Content-Type into a coarse category for the dashboard.
func classify(contentType string) string {
	ct := strings.ToLower(contentType)
	switch {
	case strings.Contains(ct, "json"):
		return "json"
	case strings.Contains(ct, "text/") || strings.Contains(ct, "xml") || strings.Contains(ct, "html"):
		return "text"
	case strings.Contains(ct, "form-urlencoded") || strings.Contains(ct, "multipart"):
		return "form"
	case ct == "":
		return "unknown"
	default:
		return "binary"
	}
}

// writeResponseHeaders copies an ordered flow.Header into an
// http.ResponseWriter's header map before WriteHeader is called.
func writeResponseHeaders(w http.ResponseWriter, h *flow.Header) {
	for _, p := range h.Pairs() {
		w.Header().Add(p.Name, p.Value)
	}
}

// singleConnListener adapts one already-accepted net.Conn into the
// net.Listener shape http.Server.Serve expects, so the stdlib server loop
// can run its normal per-request machinery (keep-alive, chunked encoding,
// header parsing) over a connection the acceptor already classified.
type singleConnListener struct {
	ch   chan net.Conn
	done chan struct{}
	addr net.Addr
}

func newSingleConnListener(conn net.Conn) *singleConnListener {
	l := &singleConnListener{ch: make(chan net.Conn, 1), done: make(chan struct{}), addr: conn.LocalAddr()}
	l.ch <- &doneConn{Conn: conn, done: l.done}
	return l
}

func (l *singleConnListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.ch:
		return c, nil
	default:
	}
	<-l.done
	return nil, io.EOF
}

func (l *singleConnListener) Close() error   { return nil }
func (l *singleConnListener) Addr() net.Addr { return l.addr }

// doneConn closes a done channel exactly once when the connection closes,
// letting singleConnListener.Accept's second call unblock.
type doneConn struct {
	net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *doneConn) Close() error {
	err := c.Conn.Close()
	c.closeOnce.Do(func() { close(c.done) })
	return err
}

// peekedConn replays the bytes an acceptor already consumed while sniffing
// the connection's protocol.
type peekedConn struct {
	net.Conn
	r *bufio.Reader
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.r.Read(b) }
