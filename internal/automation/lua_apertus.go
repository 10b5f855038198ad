//go:build !no_automation

package automation

import (
	"time"

	lua "github.com/yuin/gopher-lua"

	"apertus-bridge/internal/bridge"
)

const maxHandlersPerScript = 100

// registerApertusModule installs the `apertus` global table.
func registerApertusModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":        func(L *lua.LState) int { return apertusOn(L, vm) },
		"send":      func(L *lua.LState) int { return apertusSend(L, e) },
		"log":       func(L *lua.LState) int { return apertusLog(L, vm) },
		"nodes":     func(L *lua.LState) int { return apertusNodes(L, e) },
		"telemetry": func(L *lua.LState) int { return apertusTelemetry(L, e) },
		"after":     func(L *lua.LState) int { return apertusAfter(L, vm, e) },
	})
	L.SetGlobal("apertus", mod)
}

// apertus.on(event, [filter], callback)
//
// filter is an optional table; its node key limits the handler to one node.
func apertusOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	switch arg := L.Get(2).(type) {
	case *lua.LFunction:
		h.fn = arg
	case *lua.LTable:
		if v := arg.RawGetString("node"); v != lua.LNil {
			h.node = v.String()
		}
		h.fn = L.CheckFunction(3)
	default:
		L.ArgError(2, "filter table or function expected")
		return 0
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// apertus.send(node, payload) -> ok, err
func apertusSend(L *lua.LState, e *Engine) int {
	node := L.CheckString(1)
	payload := L.CheckString(2)
	if err := e.host.SendCommand(node, payload, bridge.SourceAutomation); err != nil {
		e.logger.Warn("script command rejected", "node", node, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// apertus.log(msg)
func apertusLog(L *lua.LState, vm *scriptVM) int {
	vm.logf("info", L.CheckString(1))
	return 0
}

// apertus.nodes() -> list of node ids seen since start
func apertusNodes(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	for i, id := range e.host.Nodes() {
		tbl.RawSetInt(i+1, lua.LString(id))
	}
	L.Push(tbl)
	return 1
}

// apertus.telemetry(node) -> last telemetry fields or nil
func apertusTelemetry(L *lua.LState, e *Engine) int {
	fields, ok := e.lastTelemetry(L.CheckString(1))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(goToLua(L, fields))
	return 1
}

// apertus.after(seconds, callback)
func apertusAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "script", vm.id, "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full", "script", vm.id)
		}
	}()
	return 0
}
