package script

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

const (
	maxScriptSize = 64 * 1024 // 64KB
	execTimeout   = 500 * time.Millisecond
)

var (
	ErrScriptTooLarge = errors.New("script exceeds 64KB limit")
	ErrScriptTimeout  = errors.New("script execution timed out")
	ErrNoTransform    = errors.New("script must define a 'transform' function")
)

// Input is what the script's transform(event) receives.
type Input struct {
	Payload   any    `json:"payload"`
	EventType string `json:"event_type"`
	EventID   string `json:"event_id"`
}

// Result is the script's output. Dropped is set when transform returns
// null or undefined.
type Result struct {
	Payload any
	Dropped bool
}

// Validate checks that the script compiles and exports a 'transform' function.
// Top-level code runs under the same time limit as Run.
func Validate(scriptBody string) (err error) {
	if len(scriptBody) > maxScriptSize {
		return ErrScriptTooLarge
	}
	defer recoverInterrupt(&err)

	vm, stop := newVM()
	defer stop()

	if err := load(vm, scriptBody); err != nil {
		return err
	}
	if _, err := transformFunc(vm); err != nil {
		return err
	}
	return nil
}

// newVM returns a runtime that is interrupted after execTimeout.
func newVM() (*goja.Runtime, func() bool) {
	vm := goja.New()
	timer := time.AfterFunc(execTimeout, func() {
		vm.Interrupt("timeout")
	})
	return vm, timer.Stop
}

func load(vm *goja.Runtime, scriptBody string) error {
	if _, err := vm.RunString(scriptBody); err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return ErrScriptTimeout
		}
		return fmt.Errorf("script compilation error: %w", err)
	}
	return nil
}

// goja panics with *InterruptedError when vm.Interrupt fires mid-call.
func recoverInterrupt(err *error) {
	if r := recover(); r != nil {
		if _, ok := r.(*goja.InterruptedError); ok {
			*err = ErrScriptTimeout
		} else {
			*err = fmt.Errorf("script panic: %v", r)
		}
	}
}

// Run executes transform(event) and returns the new payload.
func Run(scriptBody string, input Input) (result *Result, err error) {
	if len(scriptBody) > maxScriptSize {
		return nil, ErrScriptTooLarge
	}

	defer func() {
		if err != nil {
			result = nil
		}
	}()
	defer recoverInterrupt(&err)

	vm, stop := newVM()
	defer stop()

	if err := load(vm, scriptBody); err != nil {
		return nil, err
	}

	callable, err := transformFunc(vm)
	if err != nil {
		return nil, err
	}

	// Round-trip through JSON so the script sees plain objects, not Go maps.
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal script input: %w", err)
	}
	var event map[string]any
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, fmt.Errorf("unmarshal script input: %w", err)
	}

	ret, err := callable(goja.Undefined(), vm.ToValue(event))
	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return nil, ErrScriptTimeout
		}
		return nil, fmt.Errorf("script execution error: %w", err)
	}

	if ret == nil || goja.IsUndefined(ret) || goja.IsNull(ret) {
		return &Result{Dropped: true}, nil
	}

	out, err := json.Marshal(ret.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal script result: %w", err)
	}
	var payload any
	if err := json.Unmarshal(out, &payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal script result: %w", err)
	}
	return &Result{Payload: payload}, nil
}

func transformFunc(vm *goja.Runtime) (goja.Callable, error) {
	fn := vm.Get("transform")
	if fn == nil || goja.IsUndefined(fn) || goja.IsNull(fn) {
		return nil, ErrNoTransform
	}
	callable, ok := goja.AssertFunction(fn)
	if !ok {
		return nil, ErrNoTransform
	}
	return callable, nil
}
