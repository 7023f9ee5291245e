// Package hooks runs user Lua scripts on bridge events. Every matching
// event spins up a fresh sandboxed VM per script, so hooks cannot hold
// state between events or interfere with each other.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ubisys-bridge/internal/coordinator"
)

// scriptTimeout bounds a single hook execution.
const scriptTimeout = 5 * time.Second

// queueSize bounds buffered events; the bus is never blocked by slow hooks.
const queueSize = 64

type script struct {
	Name string
	Code string
}

// Runner dispatches bus events to Lua hook scripts loaded from a directory.
type Runner struct {
	dir     string
	events  *coordinator.EventBus
	logger  *slog.Logger
	scripts []script
	queue   chan coordinator.Event
	unsub   func()
	wg      sync.WaitGroup
}

// NewRunner loads all .lua files from dir. A missing directory is not an
// error; the runner simply has no hooks.
func NewRunner(events *coordinator.EventBus, dir string, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		dir:    dir,
		events: events,
		logger: logger.With("component", "hooks"),
		queue:  make(chan coordinator.Event, queueSize),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Runner) load() error {
	entries, err := os.ReadDir(r.dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read hooks dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".lua") {
			continue
		}
		code, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read hook %s: %w", entry.Name(), err)
		}
		r.scripts = append(r.scripts, script{
			Name: strings.TrimSuffix(entry.Name(), ".lua"),
			Code: string(code),
		})
	}

	sort.Slice(r.scripts, func(i, j int) bool { return r.scripts[i].Name < r.scripts[j].Name })
	return nil
}

// Start subscribes to the bus and begins dispatching events.
func (r *Runner) Start() {
	if len(r.scripts) == 0 {
		r.logger.Info("no hook scripts found", "dir", r.dir)
		return
	}

	r.unsub = r.events.OnAll(func(event coordinator.Event) {
		select {
		case r.queue <- event:
		default:
			r.logger.Warn("hook queue full, dropping event", "type", event.Type)
		}
	})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for event := range r.queue {
			r.dispatch(event)
		}
	}()

	r.logger.Info("hook runner started", "scripts", len(r.scripts))
}

// Stop unsubscribes and waits for in-flight hooks to finish.
func (r *Runner) Stop() {
	if r.unsub == nil {
		return
	}
	r.unsub()
	close(r.queue)
	r.wg.Wait()
	r.logger.Info("hook runner stopped")
}

func (r *Runner) dispatch(event coordinator.Event) {
	for _, s := range r.scripts {
		logs, err := runScript(s.Code, event)
		for _, msg := range logs {
			r.logger.Info("hook log", "script", s.Name, "msg", msg)
		}
		if err != nil {
			r.logger.Error("hook failed", "script", s.Name, "event", event.Type, "err", err)
		}
	}
}

// runScript executes one hook in a fresh sandboxed VM. The event is
// exposed as the global `event` table and print output goes through the
// global `log` function. Script failures never propagate past the hook.
func runScript(code string, event coordinator.Event) (logs []string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("hook panic: %v", rec)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), scriptTimeout)
	defer cancel()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)

	// Sandbox: no filesystem, process or loader access.
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	L.SetGlobal("log", L.NewFunction(func(L *lua.LState) int {
		logs = append(logs, L.CheckString(1))
		return 0
	}))
	L.SetGlobal("event", eventToLua(L, event))

	if err := L.DoString(code); err != nil {
		if strings.Contains(err.Error(), "context deadline exceeded") {
			return logs, fmt.Errorf("timeout (%s)", scriptTimeout)
		}
		return logs, err
	}
	return logs, nil
}

// eventToLua builds the `event` table: the type plus the event payload
// fields flattened in. Typed payloads go through their JSON form so hooks
// see the same field names as the MQTT and WebSocket consumers.
func eventToLua(L *lua.LState, event coordinator.Event) *lua.LTable {
	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(event.Type))

	data := event.Data
	if _, ok := data.(map[string]interface{}); !ok && data != nil {
		raw, err := json.Marshal(data)
		if err == nil {
			var decoded interface{}
			if json.Unmarshal(raw, &decoded) == nil {
				data = decoded
			}
		}
	}

	if m, ok := data.(map[string]interface{}); ok {
		for k, v := range m {
			tbl.RawSetString(k, goToLua(L, v))
		}
	}
	return tbl
}

func goToLua(L *lua.LState, v interface{}) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case map[string]interface{}:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []interface{}:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
