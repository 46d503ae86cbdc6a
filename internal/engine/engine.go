// Package engine evaluates mapping scripts. Scripts are JavaScript run on
// goja against an explicit variable context: the extract script evaluates to
// the SQL text to run against the source, and the transform and load scripts
// read `rows` and push their output into `outs`.
//
// In transform and load contexts, failures inside bound service methods and
// util built-ins do not abort the script: the call returns null and a
// failure event is published for the record the script is working on.
package engine

import (
	"fmt"
	"runtime/debug"
	"time"

	"github.com/dop251/goja"

	"github.com/etlite/etlite/internal/bus"
	"github.com/etlite/etlite/internal/failure"
	"github.com/etlite/etlite/internal/logging"
	"github.com/etlite/etlite/internal/services"
)

// Engine evaluates extract, transform and load scripts. Safe for concurrent
// use; every evaluation gets its own VM.
type Engine struct {
	bus *bus.Bus
}

// New returns an engine that publishes failure events on b.
func New(b *bus.Bus) *Engine {
	return &Engine{bus: b}
}

// ExtractContext is the variable set visible to an extract script.
type ExtractContext struct {
	Params      map[string]any
	LastRunDate time.Time
}

// BatchContext is the variable set visible to transform and load scripts
// for one batch of rows.
type BatchContext struct {
	Params      map[string]any
	Rows        []map[string]any
	Source      string
	MappingName string
	JobID       int64

	// Outs seeds the script's outs array. Transform scripts start empty
	// and push their output; load scripts receive the transformed batch
	// here.
	Outs []map[string]any

	// Services holds the resolved service bindings. Only load scripts see
	// these.
	Services map[string]services.Handle
}

// Extract evaluates the extract script and returns the SQL text it produced.
// The script's completion value must be a string.
func (e *Engine) Extract(script string, ctx ExtractContext) (string, error) {
	vm := goja.New()
	if err := vm.Set("params", exportableParams(ctx.Params)); err != nil {
		return "", fmt.Errorf("binding params: %w", err)
	}
	if err := vm.Set("lastRunDate", ctx.LastRunDate); err != nil {
		return "", fmt.Errorf("binding lastRunDate: %w", err)
	}
	// extract scripts run without failure isolation: a util error here is
	// a script error
	e.bindUtil(vm, nil)

	v, err := vm.RunString(script)
	if err != nil {
		return "", fmt.Errorf("extract script: %w", err)
	}
	sql, ok := v.Export().(string)
	if !ok {
		return "", fmt.Errorf("extract script must evaluate to a SQL string, got %T", v.Export())
	}
	return sql, nil
}

// Transform evaluates the transform script over one batch and returns the
// rows the script pushed into outs.
func (e *Engine) Transform(script string, ctx BatchContext) ([]map[string]any, error) {
	outs, err := e.runBatch(script, ctx, false)
	if err != nil {
		return nil, fmt.Errorf("transform script: %w", err)
	}
	return outs, nil
}

// Load evaluates the load script over one batch with the resolved service
// bindings in scope.
func (e *Engine) Load(script string, ctx BatchContext) error {
	if _, err := e.runBatch(script, ctx, true); err != nil {
		return fmt.Errorf("load script: %w", err)
	}
	return nil
}

func (e *Engine) runBatch(script string, ctx BatchContext, withServices bool) ([]map[string]any, error) {
	vm := goja.New()
	if err := vm.Set("rows", ctx.Rows); err != nil {
		return nil, fmt.Errorf("binding rows: %w", err)
	}
	if err := vm.Set("params", exportableParams(ctx.Params)); err != nil {
		return nil, fmt.Errorf("binding params: %w", err)
	}
	seed := make([]any, len(ctx.Outs))
	for i, row := range ctx.Outs {
		seed[i] = row
	}
	outs := vm.NewArray(seed...)
	if err := vm.Set("outs", outs); err != nil {
		return nil, fmt.Errorf("binding outs: %w", err)
	}
	vm.Set("database", ctx.Source)
	vm.Set("mapping", ctx.MappingName)
	vm.Set("jobId", ctx.JobID)

	guard := e.newGuard(vm, ctx)
	e.bindUtil(vm, guard)

	if withServices {
		for name, handle := range ctx.Services {
			if err := vm.Set(name, bindHandle(vm, handle, name, guard)); err != nil {
				return nil, fmt.Errorf("binding service %s: %w", name, err)
			}
		}
	}

	if _, err := vm.RunString(script); err != nil {
		return nil, err
	}
	return exportRows(outs)
}

// exportRows converts the outs array back into Go row maps. Entries that are
// not objects are dropped with a warning.
func exportRows(arr *goja.Object) ([]map[string]any, error) {
	exported, ok := arr.Export().([]any)
	if !ok {
		return nil, fmt.Errorf("outs is no longer an array")
	}
	rows := make([]map[string]any, 0, len(exported))
	for i, item := range exported {
		row, ok := item.(map[string]any)
		if !ok {
			logging.Warn("outs[%d] is not an object, dropping (%T)", i, item)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// exportableParams guards against a nil map reaching the VM.
func exportableParams(params map[string]any) map[string]any {
	if params == nil {
		return map[string]any{}
	}
	return params
}

// guardFunc wraps a host call so its failure surfaces to the script as null
// plus a failure event instead of an aborted evaluation.
type guardFunc func(what string, call func() (any, error)) goja.Value

// newGuard builds the failure boundary for one batch evaluation. The
// record identity (sourceKey, sourceValue) is read from the VM globals at
// emit time, so scripts set them per record before calling out.
func (e *Engine) newGuard(vm *goja.Runtime, ctx BatchContext) guardFunc {
	return func(what string, call func() (any, error)) goja.Value {
		out, err := func() (out any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return call()
		}()
		if err == nil {
			return vm.ToValue(out)
		}

		logging.Error("%s failed: %v", what, err)
		if e.bus != nil {
			e.bus.Publish(failure.Event{
				JobID:       ctx.JobID,
				Source:      ctx.Source,
				MappingName: ctx.MappingName,
				SourceKey:   globalString(vm, "sourceKey"),
				SourceValue: globalString(vm, "sourceValue"),
				Message:     fmt.Sprintf("%s: %v", what, err),
				StackTrace:  string(debug.Stack()),
			}.AsBusEvent())
		}
		return goja.Null()
	}
}

// bindHandle exposes a service handle as a script object with one function
// per method, each crossing the failure boundary.
func bindHandle(vm *goja.Runtime, handle services.Handle, name string, guard guardFunc) *goja.Object {
	obj := vm.NewObject()
	for _, method := range handle.Methods() {
		method := method
		obj.Set(method, func(call goja.FunctionCall) goja.Value {
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			return guard(name+"."+method, func() (any, error) {
				return handle.Invoke(method, args)
			})
		})
	}
	return obj
}

func globalString(vm *goja.Runtime, name string) string {
	v := vm.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}
