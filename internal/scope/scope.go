// Package scope implements the host/path glob filter that decides whether
// a flow is subject to interception, rules, and plugins (spec.md §4.5).
package scope

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Pattern is a single scope rule: a glob on scheme/host/port/path. Empty
// fields match anything for that dimension.
type Pattern struct {
	Scheme string `json:"scheme,omitempty"`
	Host   string `json:"host"`
	Port   int    `json:"port,omitempty"`
	Path   string `json:"path,omitempty"`
}

// compiled is a Pattern with its globs pre-built for repeated matching.
type compiled struct {
	pattern  Pattern
	hostGlob glob.Glob
	pathGlob glob.Glob
}

// Filter holds the compiled include/exclude pattern sets and evaluates
// scope membership for a given scheme/host/port/path tuple.
type Filter struct {
	mu       sync.RWMutex
	includes []compiled
	excludes []compiled
}

// New compiles includes and excludes into a ready Filter.
func New(includes, excludes []Pattern) (*Filter, error) {
	f := &Filter{}
	if err := f.Replace(includes, excludes); err != nil {
		return nil, err
	}
	return f, nil
}

// Replace atomically swaps the include/exclude pattern sets, recompiling
// all globs; a bad pattern leaves the previous Filter state untouched.
func (f *Filter) Replace(includes, excludes []Pattern) error {
	compiledIncludes, err := compileAll(includes)
	if err != nil {
		return fmt.Errorf("compiling scope includes: %w", err)
	}
	compiledExcludes, err := compileAll(excludes)
	if err != nil {
		return fmt.Errorf("compiling scope excludes: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.includes = compiledIncludes
	f.excludes = compiledExcludes
	return nil
}

func compileAll(patterns []Pattern) ([]compiled, error) {
	out := make([]compiled, 0, len(patterns))
	for _, p := range patterns {
		c, err := compileOne(p)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func compileOne(p Pattern) (compiled, error) {
	c := compiled{pattern: p}
	if p.Host != "" {
		g, err := glob.Compile(strings.ToLower(p.Host))
		if err != nil {
			return compiled{}, fmt.Errorf("host pattern %q: %w", p.Host, err)
		}
		c.hostGlob = g
	}
	if p.Path != "" {
		g, err := glob.Compile(p.Path, '/')
		if err != nil {
			return compiled{}, fmt.Errorf("path pattern %q: %w", p.Path, err)
		}
		c.pathGlob = g
	}
	return c, nil
}

// Included reports whether scheme/host/port/path is in scope: excludes are
// checked first and win outright; an empty include set means everything
// not excluded is in scope.
func (f *Filter) Included(scheme, host string, port int, path string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	host = strings.ToLower(host)
	for _, c := range f.excludes {
		if c.matches(scheme, host, port, path) {
			return false
		}
	}
	if len(f.includes) == 0 {
		return true
	}
	for _, c := range f.includes {
		if c.matches(scheme, host, port, path) {
			return true
		}
	}
	return false
}

// IncludedHost is a narrower check used by the acceptor, before a path is
// known, against host-only (and scheme/port, when the pattern sets them).
func (f *Filter) IncludedHost(host string) bool {
	return f.Included("", host, 0, "")
}

func (c compiled) matches(scheme, host string, port int, path string) bool {
	if c.pattern.Scheme != "" && !strings.EqualFold(c.pattern.Scheme, scheme) {
		return false
	}
	if c.pattern.Port != 0 && c.pattern.Port != port {
		return false
	}
	if c.hostGlob != nil && !c.hostGlob.Match(host) {
		return false
	}
	if c.pathGlob != nil && !c.pathGlob.Match(path) {
		return false
	}
	return true
}
