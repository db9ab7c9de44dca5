package upstream

import (
	"context"
	"errors"
	"net/http"
	"testing"
)

func TestDetectFailureClassifiesServerError(t *testing.T) {
	resp := &http.Response{StatusCode: 502}
	if got := DetectFailure(resp, nil); got != FailureServerError {
		t.Errorf("DetectFailure() = %v, want FailureServerError", got)
	}
}

func TestDetectFailureClassifiesConnectionRefused(t *testing.T) {
	err := errors.New("dial tcp 127.0.0.1:443: connect: connection refused")
	if got := DetectFailure(nil, err); got != FailureConnectionRefused {
		t.Errorf("DetectFailure() = %v, want FailureConnectionRefused", got)
	}
}

func TestTransportForReusesSameKey(t *testing.T) {
	c := New(0)
	a := c.transportFor("https", "example.com", 443, "h2")
	b := c.transportFor("https", "example.com", 443, "h2")
	if a != b {
		t.Error("expected transport to be reused for the same pool key")
	}
	other := c.transportFor("https", "other.com", 443, "h2")
	if other == a {
		t.Error("expected distinct hosts to get distinct transports")
	}
}

func TestDoDoesNotRetryNonIdempotentMethod(t *testing.T) {
	c := New(0)
	req, _ := http.NewRequest(http.MethodPost, "https://127.0.0.1:1/", nil)
	_, err := c.Do(context.Background(), "https", "127.0.0.1", 1, "", req)
	if err == nil {
		t.Fatal("expected connection error against an unreachable port")
	}
}
