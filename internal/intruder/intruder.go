// Package intruder implements the templated attack engine: marker
// substitution across four payload-expansion strategies, dispatched
// through the upstream client with bounded concurrency (spec.md §4.11).
package intruder

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"
)

// markerPattern matches non-overlapping §name§ template markers.
var markerPattern = regexp.MustCompile(`§([^§]+)§`)

// AttackType selects how per-position payload lists expand into requests.
type AttackType string

const (
	AttackSniper       AttackType = "Sniper"
	AttackBatteringRam AttackType = "Battering"
	AttackPitchfork    AttackType = "Pitchfork"
	AttackClusterBomb  AttackType = "ClusterBomb"
)

// normalizeAttackType accepts both "Battering" and "Battering Ram" on
// ingress and canonicalizes to "Battering" on egress (spec.md §9).
func normalizeAttackType(raw string) AttackType {
	switch raw {
	case "Battering", "BatteringRam", "Battering Ram":
		return AttackBatteringRam
	case "Sniper":
		return AttackSniper
	case "Pitchfork":
		return AttackPitchfork
	case "ClusterBomb", "Cluster Bomb":
		return AttackClusterBomb
	default:
		return AttackType(raw)
	}
}

// Position is one marker's name and the byte offsets of its occurrences
// in the template; duplicate markers with the same name share a position.
type Position struct {
	Name       string
	Occurrence []int // byte offsets of "§name§" starts within the template
}

// ParseTemplate finds every marker in template and groups duplicates by
// name into a single Position, in first-occurrence order.
func ParseTemplate(template string) []Position {
	matches := markerPattern.FindAllStringSubmatchIndex(template, -1)
	order := []string{}
	byName := map[string]*Position{}
	for _, m := range matches {
		name := template[m[2]:m[3]]
		p, ok := byName[name]
		if !ok {
			p = &Position{Name: name}
			byName[name] = p
			order = append(order, name)
		}
		p.Occurrence = append(p.Occurrence, m[0])
	}
	out := make([]Position, 0, len(order))
	for _, name := range order {
		out = append(out, *byName[name])
	}
	return out
}

// Request is one expanded request body, with the payload(s) used to
// build it for result correlation.
type Request struct {
	RequestID int
	Rendered  string
	Payloads  []string
}

// Expand renders the set of requests for attackType given template and
// one payload list per position (Sniper/Battering take a single shared
// list; Pitchfork/ClusterBomb require one list per position).
func Expand(attackType string, template string, positions []Position, payloadLists [][]string) ([]Request, error) {
	at := normalizeAttackType(attackType)
	switch at {
	case AttackSniper:
		return expandSniper(template, positions, firstList(payloadLists)), nil
	case AttackBatteringRam:
		return expandBatteringRam(template, positions, firstList(payloadLists)), nil
	case AttackPitchfork:
		return expandPitchfork(template, positions, payloadLists)
	case AttackClusterBomb:
		if len(payloadLists) != len(positions) {
			return nil, fmt.Errorf("cluster bomb requires one payload list per position (%d positions, %d lists)", len(positions), len(payloadLists))
		}
		return expandClusterBomb(template, positions, payloadLists), nil
	default:
		return nil, fmt.Errorf("unknown attack type %q", attackType)
	}
}

func firstList(lists [][]string) []string {
	if len(lists) == 0 {
		return nil
	}
	return lists[0]
}

// render replaces every occurrence belonging to positions[i] with
// values[positions[i].Name] (or "" if unset), leaving unreplaced positions
// blank.
func render(template string, positions []Position, values map[string]string) string {
	type replacement struct {
		start, end int
		value      string
	}
	var repls []replacement
	for _, p := range positions {
		v := values[p.Name]
		for _, start := range p.Occurrence {
			repls = append(repls, replacement{start: start, end: start + len("§"+p.Name+"§"), value: v})
		}
	}
	sort.Slice(repls, func(i, j int) bool { return repls[i].start < repls[j].start })

	var out []byte
	cursor := 0
	for _, r := range repls {
		out = append(out, template[cursor:r.start]...)
		out = append(out, r.value...)
		cursor = r.end
	}
	out = append(out, template[cursor:]...)
	return string(out)
}

func expandSniper(template string, positions []Position, payloads []string) []Request {
	var out []Request
	id := 0
	for _, p := range positions {
		for _, payload := range payloads {
			values := map[string]string{p.Name: payload}
			out = append(out, Request{RequestID: id, Rendered: render(template, positions, values), Payloads: []string{payload}})
			id++
		}
	}
	return out
}

func expandBatteringRam(template string, positions []Position, payloads []string) []Request {
	var out []Request
	for id, payload := range payloads {
		values := map[string]string{}
		for _, p := range positions {
			values[p.Name] = payload
		}
		out = append(out, Request{RequestID: id, Rendered: render(template, positions, values), Payloads: []string{payload}})
	}
	return out
}

func expandPitchfork(template string, positions []Position, lists [][]string) ([]Request, error) {
	if len(lists) != len(positions) {
		return nil, fmt.Errorf("pitchfork requires one payload list per position (%d positions, %d lists)", len(positions), len(lists))
	}
	n := -1
	for _, l := range lists {
		if n == -1 || len(l) < n {
			n = len(l)
		}
	}
	if n < 0 {
		n = 0
	}
	var out []Request
	for i := 0; i < n; i++ {
		values := map[string]string{}
		payloads := make([]string, len(positions))
		for pi, p := range positions {
			values[p.Name] = lists[pi][i]
			payloads[pi] = lists[pi][i]
		}
		out = append(out, Request{RequestID: i, Rendered: render(template, positions, values), Payloads: payloads})
	}
	return out, nil
}

func expandClusterBomb(template string, positions []Position, lists [][]string) []Request {
	var out []Request
	id := 0
	var recurse func(idx int, values map[string]string, payloads []string)
	recurse = func(idx int, values map[string]string, payloads []string) {
		if idx == len(positions) {
			renderedValues := make(map[string]string, len(values))
			for k, v := range values {
				renderedValues[k] = v
			}
			out = append(out, Request{
				RequestID: id,
				Rendered:  render(template, positions, renderedValues),
				Payloads:  append([]string(nil), payloads...),
			})
			id++
			return
		}
		list := lists[idx]
		for _, payload := range list {
			values[positions[idx].Name] = payload
			recurse(idx+1, values, append(payloads, payload))
		}
	}
	recurse(0, map[string]string{}, nil)
	return out
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// Result is the outcome of one dispatched request.
type Result struct {
	RequestID  int
	Payloads   []string
	StatusCode int
	BodyLen    int
	DurationMs int64
	Err        string
}

// Dispatcher sends one rendered request and returns its outcome; bound to
// the upstream client by the caller.
type Dispatcher func(ctx context.Context, req Request) Result

// Job runs a single Intruder attack; at most one Job runs at a time
// process-wide, enforced by Engine.
type Job struct {
	mu         sync.Mutex
	status     Status
	results    []Result
	maxResults int
	evicted    uint64
	cancel     context.CancelFunc
	onResult   func(Result)
}

// Status returns the job's current lifecycle state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Results returns a copy of the results streamed so far.
func (j *Job) Results() []Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Result, len(j.results))
	copy(out, j.results)
	return out
}

// Stop cancels a running job; partial results are retained until Clear.
func (j *Job) Stop() {
	j.mu.Lock()
	if j.cancel != nil {
		j.cancel()
	}
	j.status = StatusStopped
	j.mu.Unlock()
}

// appendResult records r, evicting the oldest retained result once
// maxResults is exceeded (spec.md §6's INTERCEPTOR_INTRUDER_MAX_RESULTS), so
// a large attack can't grow Results() without bound.
func (j *Job) appendResult(r Result) {
	j.mu.Lock()
	j.results = append(j.results, r)
	if j.maxResults > 0 && len(j.results) > j.maxResults {
		j.results = j.results[1:]
		j.evicted++
	}
	onResult := j.onResult
	j.mu.Unlock()
	if onResult != nil {
		onResult(r)
	}
}

// Engine runs at most one Job at a time.
type Engine struct {
	mu         sync.Mutex
	job        *Job
	maxResults int

	subMu       sync.Mutex
	subscribers map[int]chan Result
	nextSubID   int
}

// NewEngine returns an idle Engine whose jobs retain at most maxResults
// results each (0 means unbounded).
func NewEngine(maxResults int) *Engine {
	return &Engine{maxResults: maxResults, subscribers: make(map[int]chan Result)}
}

// Subscribe registers a new subscriber and returns its channel plus an
// unsubscribe function, fed every result from any job this Engine runs. A
// slow consumer never blocks dispatch: a result that can't be delivered
// immediately is dropped for that subscriber.
func (e *Engine) Subscribe(bufSize int) (<-chan Result, func()) {
	if bufSize <= 0 {
		bufSize = 32
	}
	ch := make(chan Result, bufSize)

	e.subMu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = ch
	e.subMu.Unlock()

	unsubscribe := func() {
		e.subMu.Lock()
		delete(e.subscribers, id)
		e.subMu.Unlock()
	}
	return ch, unsubscribe
}

func (e *Engine) publish(r Result) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- r:
		default:
		}
	}
}

// Current returns the most recently started job, if any.
func (e *Engine) Current() (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job, e.job != nil
}

// Clear drops the current job's results so a new one may start.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.job = nil
	e.mu.Unlock()
}

// Start runs attack against the given requests with bounded concurrency
// concurrency and delayMs between dispatches, dispatching in request_id
// order; each result is appended as its dispatch completes, so with
// concurrency above 1 results may arrive out of request_id order. It
// rejects a start while a job is already running.
func (e *Engine) Start(ctx context.Context, requests []Request, concurrency int, delayMs int, dispatch Dispatcher) (*Job, error) {
	e.mu.Lock()
	if e.job != nil && e.job.Status() == StatusRunning {
		e.mu.Unlock()
		return nil, fmt.Errorf("an intruder job is already running")
	}
	jobCtx, cancel := context.WithCancel(ctx)
	job := &Job{status: StatusRunning, cancel: cancel, onResult: e.publish, maxResults: e.maxResults}
	e.job = job
	e.mu.Unlock()

	if concurrency <= 0 {
		concurrency = 1
	}
	sem := make(chan struct{}, concurrency)

	go func() {
		var wg sync.WaitGroup
		ordered := append([]Request(nil), requests...)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].RequestID < ordered[j].RequestID })

		for _, req := range ordered {
			select {
			case <-jobCtx.Done():
				wg.Wait()
				job.mu.Lock()
				if job.status == StatusRunning {
					job.status = StatusStopped
				}
				job.mu.Unlock()
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func(r Request) {
				defer wg.Done()
				defer func() { <-sem }()
				job.appendResult(dispatch(jobCtx, r))
			}(req)
			if delayMs > 0 {
				select {
				case <-time.After(time.Duration(delayMs) * time.Millisecond):
				case <-jobCtx.Done():
				}
			}
		}
		wg.Wait()
		job.mu.Lock()
		if job.status == StatusRunning {
			job.status = StatusCompleted
		}
		job.mu.Unlock()
	}()

	return job, nil
}
