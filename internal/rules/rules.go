// Package rules implements the request/response rewrite engine: ordered,
// condition-gated mutations applied to a single owned copy of a message
// before it is forwarded (spec.md §4.6).
package rules

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dlclark/regexp2"
	"github.com/google/uuid"

	"module/internal/apierr"
	"module/internal/flow"
)

// regexTimeout bounds a single regex evaluation; a rule that exceeds it is
// skipped and the owning flow tagged rule_timeout.
const regexTimeout = 100 * time.Millisecond

// Phase selects whether a rule runs against the request or the response.
type Phase string

const (
	PhaseRequest  Phase = "request"
	PhaseResponse Phase = "response"
)

// Condition is a tagged variant matched against a message. Exactly one
// field is set; JSON wire shape is `{"UrlContains":"str"}` and similar
// per spec.md §9.
type Condition struct {
	UrlContains     string    `json:"UrlContains,omitempty"`
	HeaderContains  *KV       `json:"HeaderContains,omitempty"`
	BodyContains    string    `json:"BodyContains,omitempty"`
	UrlRegex        string    `json:"UrlRegex,omitempty"`
	BodyRegex       string    `json:"BodyRegex,omitempty"`
	compiledURL     *regexp2.Regexp
	compiledBody    *regexp2.Regexp
}

// KV is a header-name/substring pair used by HeaderContains.
type KV [2]string

// Action is a tagged variant describing one mutation applied when a rule's
// condition matches.
type Action struct {
	ReplaceBody      *KV  `json:"ReplaceBody,omitempty"`
	SetHeader        *KV  `json:"SetHeader,omitempty"`
	RemoveHeader     string `json:"RemoveHeader,omitempty"`
	RegexReplaceBody *KV  `json:"RegexReplaceBody,omitempty"`
	RegexReplaceHeader *RegexHeaderAction `json:"RegexReplaceHeader,omitempty"`
	compiledBody     *regexp2.Regexp
	compiledHeader   *regexp2.Regexp
}

// RegexHeaderAction names a header plus the pattern/replacement pair
// applied to its value.
type RegexHeaderAction struct {
	Header      string `json:"header"`
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
}

// Rule is one ordered, independently-active rewrite rule.
type Rule struct {
	ID        string      `json:"id"`
	Active    bool        `json:"active"`
	Phase     Phase       `json:"phase"`
	Condition Condition   `json:"condition"`
	Actions   []Action    `json:"actions"`
}

// Engine holds a compiled, insertion-ordered rule set, guarded by a
// single-writer/many-readers lock: Add/Remove write, Eval/List read.
type Engine struct {
	mu    sync.RWMutex
	rules []*Rule
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Add compiles and appends a rule. A rule that fails to compile is
// rejected outright and the engine is left unchanged, per spec.md §4.6.
func (e *Engine) Add(r Rule) (*Rule, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	compiled := r
	if err := compileCondition(&compiled.Condition); err != nil {
		return nil, apierr.Wrap(apierr.CodeRuleCompile, "compiling rule condition", err)
	}
	for i := range compiled.Actions {
		if err := compileAction(&compiled.Actions[i]); err != nil {
			return nil, apierr.Wrap(apierr.CodeRuleCompile, "compiling rule action", err)
		}
	}
	e.mu.Lock()
	e.rules = append(e.rules, &compiled)
	e.mu.Unlock()
	return &compiled, nil
}

// Remove deletes a rule by ID.
func (e *Engine) Remove(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, r := range e.rules {
		if r.ID == id {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			return true
		}
	}
	return false
}

// List returns the rules in insertion order.
func (e *Engine) List() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

func compileCondition(c *Condition) error {
	var err error
	if c.UrlRegex != "" {
		c.compiledURL, err = regexp2.Compile(c.UrlRegex, regexp2.None)
		if err != nil {
			return fmt.Errorf("compiling UrlRegex: %w", err)
		}
		c.compiledURL.MatchTimeout = regexTimeout
	}
	if c.BodyRegex != "" {
		c.compiledBody, err = regexp2.Compile(c.BodyRegex, regexp2.None)
		if err != nil {
			return fmt.Errorf("compiling BodyRegex: %w", err)
		}
		c.compiledBody.MatchTimeout = regexTimeout
	}
	return nil
}

func compileAction(a *Action) error {
	var err error
	if a.RegexReplaceBody != nil {
		a.compiledBody, err = regexp2.Compile(a.RegexReplaceBody[0], regexp2.None)
		if err != nil {
			return fmt.Errorf("compiling RegexReplaceBody pattern: %w", err)
		}
		a.compiledBody.MatchTimeout = regexTimeout
	}
	if a.RegexReplaceHeader != nil {
		a.compiledHeader, err = regexp2.Compile(a.RegexReplaceHeader.Pattern, regexp2.None)
		if err != nil {
			return fmt.Errorf("compiling RegexReplaceHeader pattern: %w", err)
		}
		a.compiledHeader.MatchTimeout = regexTimeout
	}
	return nil
}

// Message is the minimal surface the rule engine needs from a request or
// response to evaluate conditions and apply actions in place.
type Message struct {
	URL     string
	Headers *flow.Header
	Body    []byte
}

// Eval runs every active rule for phase against msg in insertion order,
// mutating msg for each matching rule's actions. It returns the set of
// tags to attach to the owning flow (e.g. "rule_timeout").
func (e *Engine) Eval(phase Phase, msg *Message) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var tags []string
	for _, r := range e.rules {
		if !r.Active || r.Phase != phase {
			continue
		}
		matched, timedOut := evalCondition(&r.Condition, msg)
		if timedOut {
			tags = append(tags, "rule_timeout")
			continue
		}
		if !matched {
			continue
		}
		for i := range r.Actions {
			if applyTimedOut := applyAction(&r.Actions[i], msg); applyTimedOut {
				tags = append(tags, "rule_timeout")
			}
		}
	}
	return tags
}

func evalCondition(c *Condition, msg *Message) (matched, timedOut bool) {
	if c.UrlContains != "" {
		return containsFold(msg.URL, c.UrlContains), false
	}
	if c.HeaderContains != nil {
		return msg.Headers.Contains(c.HeaderContains[0], c.HeaderContains[1]), false
	}
	if c.BodyContains != "" {
		return containsFold(string(msg.Body), c.BodyContains), false
	}
	if c.compiledURL != nil {
		ok, err := c.compiledURL.MatchString(msg.URL)
		if err != nil {
			return false, true
		}
		return ok, false
	}
	if c.compiledBody != nil {
		ok, err := c.compiledBody.MatchString(string(msg.Body))
		if err != nil {
			return false, true
		}
		return ok, false
	}
	return true, false
}

func applyAction(a *Action, msg *Message) (timedOut bool) {
	switch {
	case a.ReplaceBody != nil:
		msg.Body = []byte(strings.ReplaceAll(string(msg.Body), a.ReplaceBody[0], a.ReplaceBody[1]))
	case a.SetHeader != nil:
		msg.Headers.Set(a.SetHeader[0], a.SetHeader[1])
	case a.RemoveHeader != "":
		msg.Headers.Remove(a.RemoveHeader)
	case a.compiledBody != nil:
		replaced, err := a.compiledBody.Replace(string(msg.Body), a.RegexReplaceBody[1], -1, -1)
		if err != nil {
			return true
		}
		msg.Body = []byte(replaced)
	case a.compiledHeader != nil:
		current := msg.Headers.Get(a.RegexReplaceHeader.Header)
		replaced, err := a.compiledHeader.Replace(current, a.RegexReplaceHeader.Replacement, -1, -1)
		if err != nil {
			return true
		}
		msg.Headers.Set(a.RegexReplaceHeader.Header, replaced)
	}
	return false
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
