package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dop251/goja"

	"github.com/numhive/platform/pkg/logger"
)

// maxScriptSize bounds stored legacy adapter programs.
const maxScriptSize = 256 << 10

// scriptTimeout bounds one legacy metadata call.
const scriptTimeout = 10 * time.Second

// ScriptAdapter runs a stored program for providers whose metadata does
// not fit the declarative engine. The program must define getCountries()
// and getServices(country) returning arrays of plain objects.
type ScriptAdapter struct {
	program *goja.Program
	log     *logger.Logger
}

// NewScriptAdapter compiles the stored program once.
func NewScriptAdapter(src string, log *logger.Logger) (*ScriptAdapter, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("engine: empty legacy script")
	}
	if len(src) > maxScriptSize {
		return nil, fmt.Errorf("engine: legacy script exceeds %d bytes", maxScriptSize)
	}
	prog, err := goja.Compile("provider", src, true)
	if err != nil {
		return nil, fmt.Errorf("engine: compile legacy script: %w", err)
	}
	if log == nil {
		log = logger.NewDefault("engine-script")
	}
	return &ScriptAdapter{program: prog, log: log}, nil
}

// Countries invokes getCountries().
func (s *ScriptAdapter) Countries(ctx context.Context) ([]Row, error) {
	return s.call(ctx, "getCountries")
}

// Services invokes getServices(country).
func (s *ScriptAdapter) Services(ctx context.Context, country string) ([]Row, error) {
	return s.call(ctx, "getServices", country)
}

func (s *ScriptAdapter) call(ctx context.Context, fn string, args ...interface{}) ([]Row, error) {
	vm := goja.New()

	timeout := scriptTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if until := time.Until(deadline); until < timeout {
			timeout = until
		}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	console := vm.NewObject()
	_ = console.Set("log", func(call goja.FunctionCall) goja.Value {
		parts := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			parts[i] = arg.Export()
		}
		s.log.WithField("script_fn", fn).Debug(fmt.Sprint(parts...))
		return goja.Undefined()
	})
	_ = vm.Set("console", console)

	if _, err := vm.RunProgram(s.program); err != nil {
		return nil, fmt.Errorf("engine: legacy script error: %w", err)
	}

	entry, ok := goja.AssertFunction(vm.Get(fn))
	if !ok {
		return nil, fmt.Errorf("engine: legacy script does not define %s()", fn)
	}

	callArgs := make([]goja.Value, len(args))
	for i, a := range args {
		callArgs[i] = vm.ToValue(a)
	}
	result, err := entry(goja.Undefined(), callArgs...)
	if err != nil {
		return nil, fmt.Errorf("engine: %s(): %w", fn, err)
	}

	exported := result.Export()
	items, ok := exported.([]interface{})
	if !ok {
		return nil, fmt.Errorf("engine: %s() must return an array", fn)
	}

	rows := make([]Row, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		row := make(Row, len(obj))
		for k, v := range obj {
			if val, defined := fromInterface(v); defined {
				row[k] = val
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
