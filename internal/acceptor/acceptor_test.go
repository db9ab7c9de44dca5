package acceptor

import (
	"bufio"
	"strings"
	"testing"
)

func TestSniffHTTPLineDetectsConnect(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("CONNECT example.com:443 HTTP/1.1\r\nHost: example.com:443\r\n\r\n"))
	decision, err := sniffHTTPLine(br)
	if err != nil {
		t.Fatalf("sniffHTTPLine() error = %v", err)
	}
	if decision.Kind != KindConnect {
		t.Errorf("Kind = %v, want KindConnect", decision.Kind)
	}
	if decision.ConnectHost != "example.com" || decision.ConnectPort != "443" {
		t.Errorf("ConnectHost/Port = %q/%q, want example.com/443", decision.ConnectHost, decision.ConnectPort)
	}
}

func TestSniffHTTPLineDetectsPlainRequest(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET http://example.com/ HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	decision, err := sniffHTTPLine(br)
	if err != nil {
		t.Fatalf("sniffHTTPLine() error = %v", err)
	}
	if decision.Kind != KindPlainHTTP {
		t.Errorf("Kind = %v, want KindPlainHTTP", decision.Kind)
	}
}

func TestSniffDetectsTLSClientHello(t *testing.T) {
	br := bufio.NewReader(strings.NewReader(string([]byte{0x16, 0x03, 0x01, 0x00, 0x05})))
	b, err := br.Peek(1)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if b[0] != tlsClientHelloByte {
		t.Fatalf("expected TLS record header byte, got %x", b[0])
	}
}

func TestHostFromPeekedHTTP(t *testing.T) {
	br := bufio.NewReader(strings.NewReader("GET / HTTP/1.1\r\nHost: api.example.com\r\nAccept: */*\r\n\r\n"))
	br.Peek(br.Size())
	host := hostFromPeekedHTTP(br)
	if host != "api.example.com" {
		t.Errorf("host = %q, want api.example.com", host)
	}
}
