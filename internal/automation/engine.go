//go:build !no_automation

// Package automation runs user Lua scripts that react to bridge events.
package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"apertus-bridge/internal/bridge"
)

// runTimeout bounds a one-shot run from the API.
const runTimeout = 5 * time.Second

// Host is the part of the bridge scripts can reach.
type Host interface {
	Events() *bridge.EventBus
	Nodes() []string
	SendCommand(nodeID, payload, source string) error
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a callback registered with apertus.on.
type luaEventHandler struct {
	eventType string // "*" matches every event
	node      string // empty matches any node
	fn        *lua.LFunction
}

// scriptVM owns one Lua state. All access to the state goes through
// commands, drained by a single goroutine.
type scriptVM struct {
	id       string
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf receives apertus.log and system.log output.
	logf func(level, msg string)
}

// Engine loads enabled scripts and feeds them bridge events.
type Engine struct {
	host    Host
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()

	telemetryMu sync.RWMutex
	telemetry   map[string]map[string]any // node id -> last fields
}

func NewEngine(host Host, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		host:      host,
		manager:   mgr,
		logger:    logger.With("component", "automation"),
		vms:       make(map[string]*scriptVM),
		telemetry: make(map[string]map[string]any),
	}
}

// Start subscribes to bridge events and loads every enabled script.
func (e *Engine) Start() {
	e.unsub = e.host.Events().OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop stops every VM and unsubscribes from the bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.logger.Info("automation engine stopped")
}

// Running returns the ids of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// ReloadScript restarts a script from disk. A disabled script is only stopped.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript runs a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: "script not found: " + err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM, then calls each handler it
// registered once with a synthetic event, and returns the captured log.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logMu sync.Mutex
		logs  []string
	)
	vm := e.newVM(ctx, cancel, "_run")
	defer vm.state.Close()
	vm.logf = func(level, msg string) {
		logMu.Lock()
		defer logMu.Unlock()
		if level == "info" {
			logs = append(logs, msg)
		} else {
			logs = append(logs, "["+level+"] "+msg)
		}
	}
	vm.state.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = runError(err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := vm.state.DoString(code); err != nil {
		return result(err)
	}

	for _, h := range vm.snapshotHandlers() {
		event := bridge.Event{Type: h.eventType, NodeID: h.node, Time: time.Now()}
		if err := vm.state.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(vm.state, event)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func runError(err error) string {
	msg := err.Error()
	if strings.Contains(msg, context.DeadlineExceeded.Error()) {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return msg
}

// newVM creates a sandboxed Lua state with the script modules loaded.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc, id string) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		id:       id,
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	vm.logf = func(level, msg string) {
		e.scriptLog(id, level, msg)
	}
	registerApertusModule(L, vm, e)
	registerSystemModule(L, vm)
	return vm
}

func (e *Engine) scriptLog(id, level, msg string) {
	logger := e.logger.With("script", id)
	switch level {
	case "debug":
		logger.Debug("script log", "msg", msg)
	case "warn":
		logger.Warn("script log", "msg", msg)
	case "error":
		logger.Error("script log", "msg", msg)
	default:
		logger.Info("script log", "msg", msg)
	}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel, s.ID)

	if err := vm.state.DoString(s.LuaCode); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer vm.state.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(vm.state)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues event on every VM with a matching handler. It never
// blocks the emitting goroutine.
func (e *Engine) dispatchEvent(event bridge.Event) {
	if data, ok := event.Data.(bridge.TelemetryData); ok && event.Type == bridge.EventTelemetry {
		e.telemetryMu.Lock()
		e.telemetry[event.NodeID] = maps.Clone(data.Fields)
		e.telemetryMu.Unlock()
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		for _, h := range vm.snapshotHandlers() {
			if !matchesHandler(h, event) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, vm.id, fn, event) }:
			default:
				e.logger.Warn("script command channel full, dropping event", "script", vm.id, "type", event.Type)
			}
		}
	}
}

// lastTelemetry returns the most recent fields seen for nodeID.
func (e *Engine) lastTelemetry(nodeID string) (map[string]any, bool) {
	e.telemetryMu.RLock()
	defer e.telemetryMu.RUnlock()
	fields, ok := e.telemetry[nodeID]
	return fields, ok
}

func (vm *scriptVM) snapshotHandlers() []luaEventHandler {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	return append([]luaEventHandler(nil), vm.handlers...)
}

func matchesHandler(h luaEventHandler, event bridge.Event) bool {
	if h.eventType != "*" && h.eventType != event.Type {
		return false
	}
	return h.node == "" || h.node == event.NodeID
}

func (e *Engine) callHandler(L *lua.LState, id string, fn *lua.LFunction, event bridge.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "script", id, "panic", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
		e.logger.Error("lua handler error", "script", id, "type", event.Type, "err", err)
	}
}

// eventTable is the Lua view of an event: type, node and time, plus the
// telemetry fields or the command details.
func eventTable(L *lua.LState, event bridge.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	if event.NodeID != "" {
		t.RawSetString("node", lua.LString(event.NodeID))
	}
	if !event.Time.IsZero() {
		t.RawSetString("time", lua.LNumber(event.Time.Unix()))
	}
	switch data := event.Data.(type) {
	case bridge.TelemetryData:
		t.RawSetString("fields", goToLua(L, data.Fields))
	case bridge.CommandData:
		t.RawSetString("payload", lua.LString(data.Payload))
		t.RawSetString("source", lua.LString(data.Source))
		if data.Error != "" {
			t.RawSetString("error", lua.LString(data.Error))
		}
	}
	return t
}

// goToLua converts a decoded telemetry value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case json.Number:
		if f, err := val.Float64(); err == nil {
			return lua.LNumber(f)
		}
		return lua.LString(val.String())
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
