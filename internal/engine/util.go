package engine

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/dop251/goja"

	"github.com/etlite/etlite/internal/dateutil"
)

// bindUtil installs the util built-ins. The set of built-ins is closed:
// scripts cannot load host code by name. With a non-nil guard, built-in
// failures return null and emit a failure event; without one they abort
// the script.
func (e *Engine) bindUtil(vm *goja.Runtime, guard guardFunc) {
	run := func(what string, call func() (any, error)) goja.Value {
		if guard != nil {
			return guard(what, call)
		}
		out, err := call()
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(out)
	}

	util := vm.NewObject()

	util.Set("formatDate", func(call goja.FunctionCall) goja.Value {
		return run("util.formatDate", func() (any, error) {
			t, err := argTime(call, 0)
			if err != nil {
				return nil, err
			}
			pattern, err := argString(call, 1)
			if err != nil {
				return nil, err
			}
			return dateutil.Format(t, pattern), nil
		})
	})

	util.Set("parseDate", func(call goja.FunctionCall) goja.Value {
		return run("util.parseDate", func() (any, error) {
			value, err := argString(call, 0)
			if err != nil {
				return nil, err
			}
			pattern, err := argString(call, 1)
			if err != nil {
				return nil, err
			}
			return dateutil.Parse(value, pattern)
		})
	})

	util.Set("today", func(call goja.FunctionCall) goja.Value {
		return run("util.today", func() (any, error) {
			return dateutil.Day(time.Now()), nil
		})
	})

	util.Set("plusDays", func(call goja.FunctionCall) goja.Value {
		return run("util.plusDays", func() (any, error) {
			t, err := argTime(call, 0)
			if err != nil {
				return nil, err
			}
			days, err := argInt(call, 1)
			if err != nil {
				return nil, err
			}
			return dateutil.PlusDays(t, int(days)), nil
		})
	})

	util.Set("toLong", func(call goja.FunctionCall) goja.Value {
		return run("util.toLong", func() (any, error) {
			switch v := argExport(call, 0).(type) {
			case int64:
				return v, nil
			case float64:
				return int64(v), nil
			case string:
				n, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, fmt.Errorf("toLong: %q is not a number", v)
				}
				return n, nil
			default:
				return nil, fmt.Errorf("toLong: cannot convert %T", v)
			}
		})
	})

	util.Set("newMap", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(map[string]any{})
	})

	util.Set("newSet", func(call goja.FunctionCall) goja.Value {
		return newSetObject(vm)
	})

	vm.Set("util", util)
}

// newSetObject backs util.newSet() with a string-keyed membership table.
func newSetObject(vm *goja.Runtime) *goja.Object {
	members := make(map[string]struct{})
	obj := vm.NewObject()

	obj.Set("add", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) > 0 {
			members[call.Arguments[0].String()] = struct{}{}
		}
		return goja.Undefined()
	})
	obj.Set("contains", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			return vm.ToValue(false)
		}
		_, ok := members[call.Arguments[0].String()]
		return vm.ToValue(ok)
	})
	obj.Set("size", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(len(members))
	})
	obj.Set("values", func(call goja.FunctionCall) goja.Value {
		values := make([]string, 0, len(members))
		for v := range members {
			values = append(values, v)
		}
		sort.Strings(values)
		return vm.ToValue(values)
	})
	return obj
}

func argExport(call goja.FunctionCall, i int) any {
	if i >= len(call.Arguments) {
		return nil
	}
	return call.Arguments[i].Export()
}

func argString(call goja.FunctionCall, i int) (string, error) {
	v, ok := argExport(call, i).(string)
	if !ok {
		return "", fmt.Errorf("argument %d must be a string", i+1)
	}
	return v, nil
}

func argInt(call goja.FunctionCall, i int) (int64, error) {
	switch v := argExport(call, i).(type) {
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("argument %d must be a number", i+1)
	}
}

func argTime(call goja.FunctionCall, i int) (time.Time, error) {
	switch v := argExport(call, i).(type) {
	case time.Time:
		return v, nil
	case string:
		return dateutil.Parse(v, dateutil.ISOPattern)
	default:
		return time.Time{}, fmt.Errorf("argument %d must be a date", i+1)
	}
}
