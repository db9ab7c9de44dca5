// Package plugin implements the WebAssembly plugin host: compiling
// operator-supplied modules, dispatching on_request/on_response/on_ws_frame
// hooks in registration order, and containing panics, traps, and resource
// exhaustion without affecting the message being proxied (spec.md §4.7).
package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"module/internal/flow"
)

const (
	defaultMemLimitBytes = 16 << 20
	defaultHookTimeout   = 10 * time.Millisecond
	disableThreshold     = 10 // panics/traps per minute before auto-disable
	wasmPageSize         = 64 << 10
)

// Hook names a dispatch point a module may export.
type Hook string

const (
	HookOnRequest  Hook = "on_request"
	HookOnResponse Hook = "on_response"
	HookOnWsFrame  Hook = "on_ws_frame"
)

// Message is the mutable view of a request/response/frame a plugin
// invocation can read and rewrite through the host import surface.
type Message struct {
	URL     string
	Status  int
	Headers *flow.Header
	Body    []byte
}

// Plugin is one compiled, independently tracked WASM module.
type Plugin struct {
	name     string
	compiled wazero.CompiledModule
	hooks    map[Hook]bool
	memLimit int
	timeout  time.Duration

	mu       sync.Mutex
	disabled bool
	failures []time.Time
}

// Host owns the wazero runtime and the ordered, registration-order list of
// loaded plugins.
type Host struct {
	runtime  wazero.Runtime
	memLimit int
	timeout  time.Duration

	mu      sync.RWMutex
	plugins []*Plugin
}

// NewHost builds a Host with the given memory and per-hook time limits
// (defaults when <= 0); Close must be called on shutdown to release the
// wazero runtime.
func NewHost(ctx context.Context, memLimitBytes int, hookTimeout time.Duration) (*Host, error) {
	if memLimitBytes <= 0 {
		memLimitBytes = defaultMemLimitBytes
	}
	if hookTimeout <= 0 {
		hookTimeout = defaultHookTimeout
	}
	pages := uint32((memLimitBytes + wasmPageSize - 1) / wasmPageSize)
	rtCfg := wazero.NewRuntimeConfig().WithMemoryLimitPages(pages).WithCloseOnContextDone(true)
	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	h := &Host{runtime: rt, memLimit: memLimitBytes, timeout: hookTimeout}
	if err := h.registerHostImports(ctx); err != nil {
		rt.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Close releases the underlying wazero runtime.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// Load compiles path and appends it to the dispatch order. The plugin
// directory's own traversal is the caller's responsibility; Load rejects
// any path component that escapes the plugin directory.
func (h *Host) Load(ctx context.Context, dir, name string) (*Plugin, error) {
	clean := filepath.Clean(filepath.Join(dir, name))
	if !strings.HasPrefix(clean, filepath.Clean(dir)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("plugin path %q escapes plugin directory", name)
	}
	if info, err := os.Lstat(clean); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("plugin path %q is a symlink, refused", name)
	}

	wasmBytes, err := os.ReadFile(clean) // #nosec G304 -- path validated above
	if err != nil {
		return nil, fmt.Errorf("reading plugin module: %w", err)
	}

	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling plugin module %q: %w", name, err)
	}

	p := &Plugin{
		name:     name,
		compiled: compiled,
		hooks:    detectHooks(compiled),
		memLimit: h.memLimit,
		timeout:  h.timeout,
	}

	h.mu.Lock()
	h.plugins = append(h.plugins, p)
	h.mu.Unlock()
	return p, nil
}

// Replace atomically swaps an existing plugin's compiled module: compile
// the new module, swap the pointer, then drop the old compiled artifact.
// If no plugin with this name is currently loaded, it behaves like Load.
func (h *Host) Replace(ctx context.Context, dir, name string) (*Plugin, error) {
	clean := filepath.Clean(filepath.Join(dir, name))
	if !strings.HasPrefix(clean, filepath.Clean(dir)+string(os.PathSeparator)) {
		return nil, fmt.Errorf("plugin path %q escapes plugin directory", name)
	}
	if info, err := os.Lstat(clean); err == nil && info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("plugin path %q is a symlink, refused", name)
	}

	wasmBytes, err := os.ReadFile(clean) // #nosec G304 -- path validated above
	if err != nil {
		return nil, fmt.Errorf("reading plugin module: %w", err)
	}
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compiling plugin module %q: %w", name, err)
	}
	fresh := &Plugin{
		name:     name,
		compiled: compiled,
		hooks:    detectHooks(compiled),
		memLimit: h.memLimit,
		timeout:  h.timeout,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.plugins {
		if p.name == name {
			old := p.compiled
			h.plugins[i] = fresh
			go old.Close(context.Background())
			return fresh, nil
		}
	}
	h.plugins = append(h.plugins, fresh)
	return fresh, nil
}

// Unload removes a plugin from dispatch and releases its compiled module.
func (h *Host) Unload(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.plugins {
		if p.name == name {
			h.plugins = append(h.plugins[:i], h.plugins[i+1:]...)
			go p.compiled.Close(context.Background())
			return true
		}
	}
	return false
}

// List returns the loaded plugins in registration order.
func (h *Host) List() []*Plugin {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Plugin, len(h.plugins))
	copy(out, h.plugins)
	return out
}

// Toggle sets the named plugin's disabled state to disabled and reports
// whether it was found.
func (h *Host) Toggle(name string, disabled bool) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.plugins {
		if p.name == name {
			p.SetDisabled(disabled)
			return true
		}
	}
	return false
}

// Dispatch runs hook against msg across every enabled plugin exporting it,
// in registration order, each seeing the previous plugin's mutations.
// Returns the tags to attach to the owning flow.
func (h *Host) Dispatch(ctx context.Context, hook Hook, msg *Message) []string {
	var tags []string
	for _, p := range h.List() {
		if p.isDisabled() || !p.hooks[hook] {
			continue
		}
		if err := h.invoke(ctx, p, hook, msg); err != nil {
			p.recordFailure()
			reason := "plugin_trap"
			switch {
			case ctx.Err() != nil:
				reason = "plugin_out_of_fuel"
			}
			tags = append(tags, fmt.Sprintf("%s:%s", p.name, reason))
			slog.Warn("plugin hook failed, message forwarded unchanged", "plugin", p.name, "hook", hook, "error", err)
			if p.disabledByRate() {
				tags = append(tags, fmt.Sprintf("%s:auto_disabled", p.name))
			}
		}
	}
	return tags
}

func (h *Host) invoke(ctx context.Context, p *Plugin, hook Hook, msg *Message) (err error) {
	hookCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cfg := wazero.NewModuleConfig().WithStartFunctions()
	mod, instErr := h.runtime.InstantiateModule(hookCtx, p.compiled, cfg)
	if instErr != nil {
		return fmt.Errorf("instantiating plugin %q: %w", p.name, instErr)
	}
	defer mod.Close(context.Background())

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %q panicked: %v", p.name, r)
		}
	}()

	host := newHostState(msg)
	hookCtx = withHostState(hookCtx, host)

	fn := mod.ExportedFunction(string(hook))
	if fn == nil {
		return nil
	}
	if _, callErr := fn.Call(hookCtx); callErr != nil {
		return fmt.Errorf("plugin %q %s: %w", p.name, hook, callErr)
	}
	return nil
}

func detectHooks(compiled wazero.CompiledModule) map[Hook]bool {
	hooks := map[Hook]bool{}
	for name := range compiled.ExportedFunctions() {
		switch Hook(name) {
		case HookOnRequest, HookOnResponse, HookOnWsFrame:
			hooks[Hook(name)] = true
		}
	}
	return hooks
}

// Name returns the plugin's registered name.
func (p *Plugin) Name() string { return p.name }

// Hooks returns the hook names this plugin's compiled module exports.
func (p *Plugin) Hooks() []Hook {
	out := make([]Hook, 0, len(p.hooks))
	for h := range p.hooks {
		out = append(out, h)
	}
	return out
}

// Disabled reports whether the plugin is currently excluded from Dispatch,
// whether by operator toggle or failure-rate auto-disable.
func (p *Plugin) Disabled() bool {
	return p.isDisabled()
}

// SetDisabled sets the plugin's disabled state from an operator toggle.
// Re-enabling a plugin also clears its recorded failure history, giving it
// a fresh failure-rate window.
func (p *Plugin) SetDisabled(disabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = disabled
	if !disabled {
		p.failures = nil
	}
}

func (p *Plugin) isDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disabled
}

func (p *Plugin) recordFailure() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	p.failures = append(p.failures, now)
	cutoff := now.Add(-time.Minute)
	kept := p.failures[:0]
	for _, t := range p.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.failures = kept
}

func (p *Plugin) disabledByRate() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.failures) > disableThreshold && !p.disabled {
		p.disabled = true
		return true
	}
	return false
}

// hostStateKey is the context key the host imports use to reach the
// in-flight Message for the current invocation.
type hostStateKey struct{}

type hostState struct {
	msg  *Message
	body []byte
}

func newHostState(msg *Message) *hostState {
	return &hostState{msg: msg, body: msg.Body}
}

func withHostState(ctx context.Context, hs *hostState) context.Context {
	return context.WithValue(ctx, hostStateKey{}, hs)
}

func hostStateFrom(ctx context.Context) *hostState {
	hs, _ := ctx.Value(hostStateKey{}).(*hostState)
	return hs
}

// registerHostImports builds the "env" module exposing the narrow import
// surface plugins are granted: log, header/body/url/status accessors. No
// filesystem, clock, or network imports are exposed.
func (h *Host) registerHostImports(ctx context.Context) error {
	_, err := h.runtime.NewHostModuleBuilder("env").
		NewFunctionBuilder().WithFunc(hostLog).Export("log").
		NewFunctionBuilder().WithFunc(hostGetHeader).Export("get_header").
		NewFunctionBuilder().WithFunc(hostSetHeader).Export("set_header").
		NewFunctionBuilder().WithFunc(hostRemoveHeader).Export("remove_header").
		NewFunctionBuilder().WithFunc(hostGetBody).Export("get_body").
		NewFunctionBuilder().WithFunc(hostSetBody).Export("set_body").
		NewFunctionBuilder().WithFunc(hostGetURL).Export("get_url").
		NewFunctionBuilder().WithFunc(hostSetURL).Export("set_url").
		NewFunctionBuilder().WithFunc(hostGetStatus).Export("get_status").
		NewFunctionBuilder().WithFunc(hostSetStatus).Export("set_status").
		Instantiate(ctx)
	return err
}

func hostLog(ctx context.Context, mod api.Module, ptr, length uint32) {
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	slog.Debug("plugin log", "message", string(buf))
}

func hostGetHeader(ctx context.Context, mod api.Module, namePtr, nameLen, outPtr, outCap uint32) uint32 {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return 0
	}
	nameBuf, ok := mod.Memory().Read(namePtr, nameLen)
	if !ok {
		return 0
	}
	value := hs.msg.Headers.Get(string(nameBuf))
	return writeTruncated(mod, outPtr, outCap, []byte(value))
}

func hostSetHeader(ctx context.Context, mod api.Module, namePtr, nameLen, valPtr, valLen uint32) {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return
	}
	name, ok1 := mod.Memory().Read(namePtr, nameLen)
	val, ok2 := mod.Memory().Read(valPtr, valLen)
	if !ok1 || !ok2 {
		return
	}
	hs.msg.Headers.Set(string(name), string(val))
}

func hostRemoveHeader(ctx context.Context, mod api.Module, namePtr, nameLen uint32) {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return
	}
	name, ok := mod.Memory().Read(namePtr, nameLen)
	if !ok {
		return
	}
	hs.msg.Headers.Remove(string(name))
}

func hostGetBody(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return 0
	}
	return writeTruncated(mod, outPtr, outCap, hs.body)
}

func hostSetBody(ctx context.Context, mod api.Module, ptr, length uint32) {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	data := append([]byte(nil), buf...)
	hs.body = data
	hs.msg.Body = data
}

func hostGetURL(ctx context.Context, mod api.Module, outPtr, outCap uint32) uint32 {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return 0
	}
	return writeTruncated(mod, outPtr, outCap, []byte(hs.msg.URL))
}

func hostSetURL(ctx context.Context, mod api.Module, ptr, length uint32) {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return
	}
	buf, ok := mod.Memory().Read(ptr, length)
	if !ok {
		return
	}
	hs.msg.URL = string(buf)
}

func hostGetStatus(ctx context.Context, mod api.Module) uint32 {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return 0
	}
	return uint32(hs.msg.Status)
}

func hostSetStatus(ctx context.Context, mod api.Module, status uint32) {
	hs := hostStateFrom(ctx)
	if hs == nil {
		return
	}
	hs.msg.Status = int(status)
}

// writeTruncated writes data into the guest's outPtr/outCap buffer,
// returning the number of bytes written, or the full required length if
// it exceeds outCap (mirroring the get_body "written_len_or_needed"
// contract from spec.md §4.7).
func writeTruncated(mod api.Module, outPtr, outCap uint32, data []byte) uint32 {
	if uint32(len(data)) > outCap {
		return uint32(len(data))
	}
	if len(data) == 0 {
		return 0
	}
	mod.Memory().Write(outPtr, data)
	return uint32(len(data))
}
