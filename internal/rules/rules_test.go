package rules

import (
	"testing"

	"module/internal/flow"
)

func TestAddRejectsBadRegex(t *testing.T) {
	e := NewEngine()
	_, err := e.Add(Rule{
		Phase:     PhaseRequest,
		Active:    true,
		Condition: Condition{UrlRegex: "("},
	})
	if err == nil {
		t.Fatal("expected compile error for unbalanced regex")
	}
}

func TestEvalAppliesSetHeaderOnMatch(t *testing.T) {
	e := NewEngine()
	if _, err := e.Add(Rule{
		Active:    true,
		Phase:     PhaseRequest,
		Condition: Condition{UrlContains: "/admin"},
		Actions:   []Action{{SetHeader: &KV{"X-Intercepted", "true"}}},
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	h := flow.NewHeader()
	msg := &Message{URL: "https://example.com/admin/panel", Headers: h}
	e.Eval(PhaseRequest, msg)

	if h.Get("X-Intercepted") != "true" {
		t.Errorf("X-Intercepted = %q, want true", h.Get("X-Intercepted"))
	}
}

func TestEvalSkipsInactiveRules(t *testing.T) {
	e := NewEngine()
	if _, err := e.Add(Rule{
		Active:    false,
		Phase:     PhaseRequest,
		Condition: Condition{UrlContains: "/admin"},
		Actions:   []Action{{SetHeader: &KV{"X-Intercepted", "true"}}},
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	h := flow.NewHeader()
	msg := &Message{URL: "https://example.com/admin", Headers: h}
	e.Eval(PhaseRequest, msg)

	if h.Get("X-Intercepted") != "" {
		t.Error("expected inactive rule to not apply")
	}
}

func TestRegexReplaceBodyUsesBackreferences(t *testing.T) {
	e := NewEngine()
	if _, err := e.Add(Rule{
		Active:    true,
		Phase:     PhaseResponse,
		Condition: Condition{BodyContains: "token"},
		Actions:   []Action{{RegexReplaceBody: &KV{`"token":"(\w+)"`, `"token":"REDACTED-$1"`}}},
	}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	msg := &Message{Headers: flow.NewHeader(), Body: []byte(`{"token":"abc123"}`)}
	e.Eval(PhaseResponse, msg)

	want := `{"token":"REDACTED-abc123"}`
	if string(msg.Body) != want {
		t.Errorf("Body = %q, want %q", msg.Body, want)
	}
}
