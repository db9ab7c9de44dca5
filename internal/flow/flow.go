// Package flow holds the core request/response capture data model shared by
// the capture store, rule engine, plugin host, and control API.
package flow

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Scheme identifies the transport a Flow was observed over.
type Scheme string

const (
	SchemeHTTP  Scheme = "http"
	SchemeHTTPS Scheme = "https"
	SchemeWS    Scheme = "ws"
	SchemeWSS   Scheme = "wss"
)

// Header is an ordered, case-insensitive-lookup multi-map preserving arrival
// order. A plain map loses both insertion order and duplicate header names;
// http.Header preserves neither order of distinct keys nor is it directly
// JSON-friendly for our wire shape, so Flow uses its own ordered pairs.
type Header struct {
	mu    sync.RWMutex
	pairs []HeaderPair
}

// HeaderPair is one {name, value} as it arrived on the wire.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// NewHeader returns an empty ordered header set.
func NewHeader() *Header {
	return &Header{}
}

// Add appends a header, preserving arrival order and duplicates.
func (h *Header) Add(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pairs = append(h.pairs, HeaderPair{Name: name, Value: value})
}

// Set removes all existing values for name and adds value as the only one.
func (h *Header) Set(name, value string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	filtered := h.pairs[:0:0]
	for _, p := range h.pairs {
		if !strings.EqualFold(p.Name, name) {
			filtered = append(filtered, p)
		}
	}
	h.pairs = append(filtered, HeaderPair{Name: name, Value: value})
}

// Remove deletes every pair with the given name (case-insensitive).
func (h *Header) Remove(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	filtered := h.pairs[:0:0]
	for _, p := range h.pairs {
		if !strings.EqualFold(p.Name, name) {
			filtered = append(filtered, p)
		}
	}
	h.pairs = filtered
}

// Get returns the first value for name, case-insensitive, or "".
func (h *Header) Get(name string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.pairs {
		if strings.EqualFold(p.Name, name) {
			return p.Value
		}
	}
	return ""
}

// Contains reports whether any header value for name contains substr
// (case-insensitive name match, case-sensitive value match).
func (h *Header) Contains(name, substr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.pairs {
		if strings.EqualFold(p.Name, name) && strings.Contains(p.Value, substr) {
			return true
		}
	}
	return false
}

// Pairs returns a copy of all header pairs in arrival order.
func (h *Header) Pairs() []HeaderPair {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]HeaderPair, len(h.pairs))
	copy(out, h.pairs)
	return out
}

// MarshalJSON encodes the header as its ordered {name, value} pairs.
func (h *Header) MarshalJSON() ([]byte, error) {
	if h == nil {
		return []byte("null"), nil
	}
	return json.Marshal(h.Pairs())
}

// UnmarshalJSON decodes an ordered {name, value} pairs array into the header.
func (h *Header) UnmarshalJSON(data []byte) error {
	var pairs []HeaderPair
	if err := json.Unmarshal(data, &pairs); err != nil {
		return err
	}
	h.mu.Lock()
	h.pairs = pairs
	h.mu.Unlock()
	return nil
}

// Clone returns a deep copy safe for independent mutation.
func (h *Header) Clone() *Header {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := &Header{pairs: make([]HeaderPair, len(h.pairs))}
	copy(out.pairs, h.pairs)
	return out
}

// Body is a bounded, possibly-truncated byte sequence captured off the wire.
type Body struct {
	Data      []byte `json:"data,omitempty"`
	Truncated bool   `json:"truncated"`
	FullSize  int64  `json:"full_size"`
}

// Request is the captured request half of a Flow.
type Request struct {
	Method          string  `json:"method"`
	URL             string  `json:"url"`
	HTTPVersion     string  `json:"http_version"`
	Headers         *Header `json:"headers"`
	Body            Body    `json:"body"`
	ContentCategory string  `json:"content_category"`
}

// Response is the captured response half of a Flow.
type Response struct {
	Status          int     `json:"status"`
	HTTPVersion     string  `json:"http_version"`
	Headers         *Header `json:"headers"`
	Body            Body    `json:"body"`
	ContentCategory string  `json:"content_category"`
	DurationMs      int64   `json:"duration_ms"`
}

// Flow is one intercepted request/response pair, or a WebSocket upgrade's
// parent record. Immutable after Response is set, except for Tags/Notes.
type Flow struct {
	mu sync.RWMutex

	ID            uint64     `json:"id"`
	StartTime     time.Time  `json:"start_time"`
	ClientAddr    string     `json:"client_addr"`
	Scheme        Scheme     `json:"scheme"`
	Host          string     `json:"host"`
	Port          int        `json:"port"`
	Request       *Request   `json:"request"`
	Response      *Response  `json:"response,omitempty"`
	Tags          []string   `json:"tags,omitempty"`
	Notes         string     `json:"notes,omitempty"`
	ScopeIncluded bool       `json:"scope_included"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// Snapshot is a read-only copy handed to subscribers and the control API.
type Snapshot struct {
	ID            uint64    `json:"id"`
	StartTime     time.Time `json:"start_time"`
	ClientAddr    string    `json:"client_addr"`
	Scheme        Scheme    `json:"scheme"`
	Host          string    `json:"host"`
	Port          int       `json:"port"`
	Method        string    `json:"method"`
	URL           string    `json:"url"`
	Status        int       `json:"status"`
	Tags          []string  `json:"tags,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	ScopeIncluded bool      `json:"scope_included"`
	Complete      bool      `json:"complete"`
}

// AddTag appends a tag if not already present.
func (f *Flow) AddTag(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.Tags {
		if t == tag {
			return
		}
	}
	f.Tags = append(f.Tags, tag)
}

// SetNotes sets the operator-supplied note on the flow.
func (f *Flow) SetNotes(notes string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Notes = notes
}

// SetResponse attaches the response half and marks the flow complete.
func (f *Flow) SetResponse(resp *Response) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Response = resp
	now := time.Now()
	f.EndTime = &now
}

// MarshalJSON encodes the full flow (headers and bodies included) under
// f.mu, the way Snapshot does for the coarse view.
func (f *Flow) MarshalJSON() ([]byte, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	type alias Flow
	return json.Marshal((*alias)(f))
}

// Snapshot returns a read-only copy of the flow's current state.
func (f *Flow) Snapshot() Snapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()

	s := Snapshot{
		ID:            f.ID,
		StartTime:     f.StartTime,
		ClientAddr:    f.ClientAddr,
		Scheme:        f.Scheme,
		Host:          f.Host,
		Port:          f.Port,
		ScopeIncluded: f.ScopeIncluded,
		Complete:      f.Response != nil,
		Notes:         f.Notes,
	}
	s.Tags = make([]string, len(f.Tags))
	copy(s.Tags, f.Tags)
	if f.Request != nil {
		s.Method = f.Request.Method
		s.URL = f.Request.URL
	}
	if f.Response != nil {
		s.Status = f.Response.Status
	}
	return s
}

// IDGenerator hands out strictly increasing flow ids for the process
// lifetime. It never resets, even across a capture store Clear().
type IDGenerator struct {
	counter uint64
}

// Next returns the next monotonically increasing id, starting at 1.
func (g *IDGenerator) Next() uint64 {
	return atomic.AddUint64(&g.counter, 1)
}
