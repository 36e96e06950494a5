// Package scriptworker implements the child-process side of a prepared
// procedure: an embedded Lua interpreter (per SPEC_FULL.md's choice of
// embedded scripting engine, promoting the reference runtime's own
// yuin/gopher-lua indirect dependency to a direct one) hosting the
// user's script, driven by the framed IPC protocol in package ipc over
// its stdin/stdout.
//
// Each prepared procedure gets its own OS process running a Runner —
// this is the one place in the engine where isolation is a real process
// boundary rather than a goroutine, per spec's one-script-per-process
// requirement.
package scriptworker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/ska-telescope/ska-oso-oet-go/ipc"
	"github.com/ska-telescope/ska-oso-oet-go/types"
)

// Runner owns one Lua state for the lifetime of the child process: the
// same state is reused across init() and every later call, so a script's
// globals set during init are visible to main — this is how the original
// engine's "init rebinds a global used by main" abort-script idiom
// translates to Go/Lua without any special capture mechanism.
type Runner struct {
	in  *ipc.FrameDecoder
	out io.Writer
	L   *lua.LState
}

// NewRunner wraps a stdin/stdout pair for the IPC protocol.
func NewRunner(in io.Reader, out io.Writer) *Runner {
	return &Runner{in: ipc.NewFrameDecoder(in), out: out, L: lua.NewState()}
}

// Close releases the Lua state.
func (r *Runner) Close() {
	r.L.Close()
}

// Run executes the full child-process protocol: read the InitFrame, load
// the script, call its init function, then loop servicing CallFrame/
// StopFrame until the script completes, errors, or is asked to stop.
func (r *Runner) Run() error {
	initFrame, err := r.readInit()
	if err != nil {
		return err
	}

	r.emitLifecycle("LOADING")

	if initFrame.SitePackages != "" {
		if err := addToPackagePath(r.L, initFrame.SitePackages); err != nil {
			r.emitFailure(err)
			return err
		}
	}

	src, err := loadScriptSource(initFrame.ScriptURI)
	if err != nil {
		r.emitFailure(err)
		return err
	}
	if err := r.L.DoString(src); err != nil {
		r.emitFailure(err)
		return err
	}

	r.emitLifecycle("IDLE")

	if err := r.call("init", initFrame.InitArgs); err != nil {
		r.emitFailure(err)
		return err
	}

	r.emitLifecycle("READY")

	return r.serviceLoop()
}

func (r *Runner) readInit() (ipc.InitFrame, error) {
	payload, err := r.in.ReadFrame()
	if err != nil {
		return ipc.InitFrame{}, err
	}
	decoded, err := ipc.DecodeFrame(payload)
	if err != nil {
		return ipc.InitFrame{}, err
	}
	initFrame, ok := decoded.(ipc.InitFrame)
	if !ok {
		return ipc.InitFrame{}, fmt.Errorf("scriptworker: expected init frame, got %T", decoded)
	}
	return initFrame, nil
}

func (r *Runner) serviceLoop() error {
	for {
		payload, err := r.in.ReadFrame()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		decoded, err := ipc.DecodeFrame(payload)
		if err != nil {
			continue
		}
		switch cmd := decoded.(type) {
		case ipc.StopFrame:
			return nil
		case ipc.CallFrame:
			return r.handleCall(cmd)
		}
	}
}

func (r *Runner) handleCall(cmd ipc.CallFrame) error {
	r.emitLifecycle("RUNNING")
	if err := r.call(cmd.FnName, cmd.RunArgs); err != nil {
		r.emitFailure(err)
		r.emitResult(cmd.FnName, err)
		return err
	}
	r.emitLifecycle("COMPLETE")
	r.emitResult(cmd.FnName, nil)
	return nil
}

// call invokes the named global function with input, if the script
// exports it. A script that does not define the function is not an
// error — init in particular is optional.
func (r *Runner) call(name string, input types.ProcedureInput) error {
	fn := r.L.GetGlobal(name)
	if fn == lua.LNil {
		return nil
	}
	args := make([]lua.LValue, 0, len(input.Args)+1)
	for _, a := range input.Args {
		args = append(args, toLuaValue(a))
	}
	if len(input.Kwargs) > 0 {
		args = append(args, kwargsToTable(r.L, input.Kwargs))
	}
	return r.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...)
}

// addToPackagePath prepends dir to the interpreter's package.path, the
// Lua equivalent of inserting a prepared sandbox's site-packages
// directory onto sys.path: a require() inside the loaded script can then
// resolve sibling modules cloned alongside it.
func addToPackagePath(L *lua.LState, dir string) error {
	pattern := filepath.Join(dir, "?.lua")
	return L.DoString(fmt.Sprintf("package.path = %q .. ';' .. package.path", pattern))
}

func loadScriptSource(uri string) (string, error) {
	path := strings.TrimPrefix(uri, "file://")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script %q: %w", uri, err)
	}
	return string(data), nil
}

func toLuaValue(v any) lua.LValue {
	switch t := v.(type) {
	case string:
		return lua.LString(t)
	case int:
		return lua.LNumber(t)
	case int64:
		return lua.LNumber(t)
	case float64:
		return lua.LNumber(t)
	case bool:
		return lua.LBool(t)
	case nil:
		return lua.LNil
	default:
		return lua.LString(fmt.Sprintf("%v", t))
	}
}

func kwargsToTable(L *lua.LState, kwargs map[string]any) *lua.LTable {
	tbl := L.NewTable()
	for k, v := range kwargs {
		tbl.RawSetString(k, toLuaValue(v))
	}
	return tbl
}

func (r *Runner) emitLifecycle(state string) {
	_ = ipc.WriteFrame(r.out, ipc.LifecycleFrame{Type: ipc.LifecycleType, State: state})
}

func (r *Runner) emitFailure(err error) {
	_ = ipc.WriteFrame(r.out, ipc.StacktraceFrame{Type: ipc.StacktraceType, Stacktrace: err.Error()})
	_ = ipc.WriteFrame(r.out, ipc.LifecycleFrame{Type: ipc.LifecycleType, State: "FAILED"})
}

func (r *Runner) emitResult(fnName string, err error) {
	f := ipc.ResultFrame{Type: ipc.ResultType, FnName: fnName}
	if err != nil {
		f.Error = err.Error()
	}
	_ = ipc.WriteFrame(r.out, f)
}
