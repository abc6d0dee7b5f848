package scripts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dop251/goja"

	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

const (
	DefaultTimeout      = 10 * time.Second
	DefaultMaxCallStack = 1024

	scriptName = "test-script"
)

type Options struct {
	Timeout      time.Duration
	MaxCallStack int
}

// Evaluator runs assertion scripts against a response. Each call gets a
// fresh runtime whose only non-builtin global is `response`.
type Evaluator struct {
	timeout  time.Duration
	maxStack int
}

func NewEvaluator(opts Options) *Evaluator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxCallStack <= 0 {
		opts.MaxCallStack = DefaultMaxCallStack
	}
	return &Evaluator{timeout: opts.Timeout, maxStack: opts.MaxCallStack}
}

func (e *Evaluator) Timeout() time.Duration {
	return e.timeout
}

// Outcome is the result of one evaluation. Failure is empty on success and
// on a falsy result; it carries Timeout or ScriptThrew otherwise.
type Outcome struct {
	IsSuccess   bool        `json:"isSuccess"`
	Reason      string      `json:"reason,omitempty"`
	ReturnValue any         `json:"returnValue,omitempty"`
	Failure     errdef.Kind `json:"failure,omitempty"`
}

// Err rebuilds the evaluation error behind a failed outcome, if any.
func (o Outcome) Err() error {
	if o.Failure == errdef.KindNone {
		return nil
	}
	return errdef.NewKind(errdef.CodeScript, o.Failure, "%s", o.Reason)
}

type interruptReason struct {
	limit time.Duration
}

// Evaluate never returns an error: every failure inside the script, the
// runtime or the binding step is reported through the Outcome.
func (e *Evaluator) Evaluate(ctx context.Context, script string, response any) (out Outcome) {
	src := strings.TrimSpace(script)
	if src == "" {
		return threw("empty script")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return Outcome{Reason: "evaluation cancelled: " + err.Error(), Failure: errdef.KindTimeout}
	}

	prog, err := compile(src)
	if err != nil {
		return threw(err.Error())
	}

	vm := goja.New()
	vm.SetMaxCallStackSize(e.maxStack)

	// The limit covers copying the response in as well as the run itself.
	var timedOut atomic.Bool
	timer := time.AfterFunc(e.timeout, func() {
		timedOut.Store(true)
		vm.Interrupt(interruptReason{limit: e.timeout})
	})
	defer timer.Stop()

	stop := make(chan struct{})
	defer close(stop)
	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				vm.Interrupt(ctx.Err())
			case <-stop:
			}
		}()
	}

	defer func() {
		if r := recover(); r != nil {
			out = threw(fmt.Sprintf("script runtime panic: %v", r))
		}
	}()

	if err := bindResponse(vm, response); err != nil {
		var interrupted *goja.InterruptedError
		if timedOut.Load() || errors.As(err, &interrupted) {
			return e.failure(err, timedOut.Load())
		}
		return threw(errdef.Wrap(errdef.CodeScript, err, "bind response").Error())
	}
	if timedOut.Load() {
		return e.timedOut()
	}

	val, err := vm.RunProgram(prog)
	if err != nil {
		return e.failure(err, timedOut.Load())
	}

	result := exportValue(val)
	if !val.ToBoolean() {
		return Outcome{
			Reason:      fmt.Sprintf("script returned %s", describe(val)),
			ReturnValue: result,
		}
	}
	return Outcome{IsSuccess: true, ReturnValue: result}
}

func (e *Evaluator) failure(err error, timedOut bool) Outcome {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		switch v := interrupted.Value().(type) {
		case interruptReason:
			return Outcome{
				Reason:  fmt.Sprintf("script timed out after %s", v.limit),
				Failure: errdef.KindTimeout,
			}
		case error:
			return Outcome{Reason: "evaluation cancelled: " + v.Error(), Failure: errdef.KindTimeout}
		}
	}
	if timedOut {
		return e.timedOut()
	}

	var exc *goja.Exception
	if errors.As(err, &exc) {
		if v := exc.Value(); v != nil && !goja.IsUndefined(v) && !goja.IsNull(v) {
			if msg := v.String(); msg != "" {
				return threw(msg)
			}
		}
	}
	msg := err.Error()
	if msg == "" {
		msg = "script threw"
	}
	return threw(msg)
}

func (e *Evaluator) timedOut() Outcome {
	return Outcome{
		Reason:  fmt.Sprintf("script timed out after %s", e.timeout),
		Failure: errdef.KindTimeout,
	}
}

func threw(reason string) Outcome {
	return Outcome{Reason: reason, Failure: errdef.KindScriptThrew}
}

// compile accepts both expression scripts, whose completion value is the
// result, and function-body scripts that end in a top-level return.
func compile(src string) (*goja.Program, error) {
	prog, err := goja.Compile(scriptName, src, false)
	if err == nil {
		return prog, nil
	}
	wrapped, wrapErr := goja.Compile(scriptName, "(function() {\n"+src+"\n})()", false)
	if wrapErr == nil {
		return wrapped, nil
	}
	return nil, err
}

const freezeSource = `(function freeze(o) {
	if (o !== null && typeof o === "object" && !Object.isFrozen(o)) {
		Object.freeze(o);
		Object.getOwnPropertyNames(o).forEach(function (k) { freeze(o[k]); });
	}
	return o;
})`

func bindResponse(vm *goja.Runtime, response any) error {
	val, err := scriptValue(vm, response)
	if err != nil {
		return err
	}
	return vm.GlobalObject().DefineDataProperty(
		"response",
		val,
		goja.FLAG_FALSE,
		goja.FLAG_FALSE,
		goja.FLAG_TRUE,
	)
}

// scriptValue copies response into the runtime. Structured values go
// through JSON and are frozen so the script cannot reach host memory.
func scriptValue(vm *goja.Runtime, response any) (goja.Value, error) {
	switch v := response.(type) {
	case nil:
		return goja.Null(), nil
	case string:
		return vm.ToValue(v), nil
	case []byte:
		return vm.ToValue(string(v)), nil
	case bool, int, int32, int64, float32, float64:
		return vm.ToValue(v), nil
	}

	raw, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}
	parse, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, errors.New("JSON.parse unavailable")
	}
	parsed, err := parse(goja.Undefined(), vm.ToValue(string(raw)))
	if err != nil {
		return nil, err
	}
	freezeVal, err := vm.RunString(freezeSource)
	if err != nil {
		return nil, err
	}
	freeze, ok := goja.AssertFunction(freezeVal)
	if !ok {
		return nil, errors.New("freeze helper is not callable")
	}
	return freeze(goja.Undefined(), parsed)
}

// exportValue converts the script's result into something that survives
// JSON on its way back across the bridge.
func exportValue(v goja.Value) any {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	if _, ok := goja.AssertFunction(v); ok {
		return v.String()
	}
	exported := v.Export()
	if _, err := json.Marshal(exported); err != nil {
		return v.String()
	}
	return exported
}

func describe(v goja.Value) string {
	switch {
	case v == nil || goja.IsUndefined(v):
		return "undefined"
	case goja.IsNull(v):
		return "null"
	}
	if s, ok := v.Export().(string); ok {
		return fmt.Sprintf("%q", s)
	}
	return v.String()
}
