// Package upstream implements the outbound HTTP client used to reach
// origin servers: connection pooling per (scheme, host, port, alpn) and a
// narrow single-retry policy for idempotent, pre-response transport
// failures (spec.md §4.9).
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	defaultIdlePerKey     = 64
	defaultIdleGlobal     = 1024
	defaultIdleTimeout    = 90 * time.Second
	defaultRequestTimeout = 30 * time.Second
)

// idempotentMethods are the only methods eligible for a retry.
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// FailureKind classifies why a round trip did not succeed, grounded on
// the same transport-error taxonomy the teacher uses for backend failover.
type FailureKind int

const (
	FailureNone FailureKind = iota
	FailureTimeout
	FailureConnectionRefused
	FailureConnectionReset
	FailureServerError
	FailureStreamInterrupt
)

func (k FailureKind) String() string {
	switch k {
	case FailureTimeout:
		return "timeout"
	case FailureConnectionRefused:
		return "connection_refused"
	case FailureConnectionReset:
		return "connection_reset"
	case FailureServerError:
		return "server_error"
	case FailureStreamInterrupt:
		return "stream_interrupt"
	default:
		return "none"
	}
}

// DetectFailure classifies a round trip's outcome from its response/error.
func DetectFailure(resp *http.Response, err error) FailureKind {
	if err != nil {
		if os.IsTimeout(err) {
			return FailureTimeout
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return FailureTimeout
		}
		var netErr *net.OpError
		if errors.As(err, &netErr) {
			if strings.Contains(netErr.Error(), "connection refused") {
				return FailureConnectionRefused
			}
			if strings.Contains(netErr.Error(), "connection reset") {
				return FailureConnectionReset
			}
		}
		errStr := err.Error()
		switch {
		case strings.Contains(errStr, "connection refused"):
			return FailureConnectionRefused
		case strings.Contains(errStr, "connection reset"):
			return FailureConnectionReset
		default:
			return FailureStreamInterrupt
		}
	}
	if resp != nil && resp.StatusCode >= 500 {
		return FailureServerError
	}
	return FailureNone
}

// Client pools one *http.Transport per (scheme, host, port, alpn) key and
// applies the request timeout / single-retry policy on top.
type Client struct {
	requestTimeout time.Duration

	mu         sync.RWMutex
	transports map[string]*http.Transport
}

// New builds a Client with the given request timeout (the default when
// <= 0) and the default idle limits.
func New(requestTimeout time.Duration) *Client {
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	return &Client{
		requestTimeout: requestTimeout,
		transports:     make(map[string]*http.Transport),
	}
}

// key identifies a pooled transport.
func key(scheme, host string, port int, alpn string) string {
	return fmt.Sprintf("%s|%s|%d|%s", scheme, host, port, alpn)
}

// transportFor returns (creating if needed) the pooled transport for a key.
func (c *Client) transportFor(scheme, host string, port int, alpn string) *http.Transport {
	k := key(scheme, host, port, alpn)

	c.mu.RLock()
	t, ok := c.transports[k]
	c.mu.RUnlock()
	if ok {
		return t
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.transports[k]; ok {
		return t
	}
	t = &http.Transport{
		MaxIdleConns:        defaultIdleGlobal,
		MaxIdleConnsPerHost: defaultIdlePerKey,
		IdleConnTimeout:     defaultIdleTimeout,
		ForceAttemptHTTP2:   alpn == "h2" || alpn == "",
	}
	c.transports[k] = t
	return t
}

// Do executes req against (scheme, host, port, alpn)'s pooled transport,
// retrying exactly once when the method is idempotent and the first
// attempt failed before any response byte was received.
func (c *Client) Do(ctx context.Context, scheme, host string, port int, alpn string, req *http.Request) (*http.Response, error) {
	transport := c.transportFor(scheme, host, port, alpn)
	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	resp, err := transport.RoundTrip(req.WithContext(reqCtx))
	failure := DetectFailure(resp, err)
	if failure == FailureNone {
		return resp, err
	}
	if !idempotentMethods[req.Method] {
		return resp, err
	}
	if failure != FailureTimeout && failure != FailureConnectionRefused &&
		failure != FailureConnectionReset && failure != FailureStreamInterrupt {
		return resp, err
	}
	if err == nil {
		// a response was received (e.g. 5xx); only pre-response transport
		// errors are eligible for the single retry.
		return resp, err
	}

	retryReq := req.Clone(reqCtx)
	return transport.RoundTrip(retryReq)
}
