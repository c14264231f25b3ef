// Package modulestest the module test vm
package modulestest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/js"
	"github.com/shiroyk/esmgraph/loader"
	"github.com/stretchr/testify/assert"
)

// VM the test VM, the modules of its Static loader are served from "file:///".
type VM struct {
	js.VM
	Loader *loader.Static
	count  atomic.Int64
}

// New returns a test VM instance with the global assert object.
func New(t testing.TB, opts ...js.Option) *VM {
	static := loader.NewStatic()
	vm := js.NewVM(append([]js.Option{js.WithLoader(static)}, opts...)...)
	t.Cleanup(vm.Close)
	rt := vm.Runtime()

	assertObject := rt.NewObject()
	_ = assertObject.Set("equal", func(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
		a, err := js.Unwrap(call.Argument(0))
		if err != nil {
			js.Throw(rt, err)
		}
		b, err := js.Unwrap(call.Argument(1))
		if err != nil {
			js.Throw(rt, err)
		}
		var msg string
		if !sobek.IsUndefined(call.Argument(2)) {
			msg = call.Argument(2).String()
		}
		if !assert.Equal(t, b, a, msg) {
			js.Throw(rt, errors.New("not equal"))
		}
		return sobek.Undefined()
	})
	_ = assertObject.Set("true", func(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
		var msg string
		if !sobek.IsUndefined(call.Argument(1)) {
			msg = call.Argument(1).String()
		}
		if !assert.True(t, call.Argument(0).ToBoolean(), msg) {
			js.Throw(rt, errors.New("should be true"))
		}
		return sobek.Undefined()
	})
	_ = rt.Set("assert", assertObject)

	return &VM{VM: vm, Loader: static}
}

// RunModule evaluates the source as a new side module, if the default
// export is a function it returns the result of calling it, otherwise
// the default export.
func (vm *VM) RunModule(ctx context.Context, source string, args ...any) (sobek.Value, error) {
	specifier := fmt.Sprintf("file:///__test_%d.js", vm.count.Add(1))
	ns, err := vm.Import(ctx, specifier, []byte(source))
	if err != nil {
		return nil, err
	}
	value := ns.Get("default")
	fn, ok := sobek.AssertFunction(value)
	if !ok {
		return value, nil
	}
	rt := vm.Runtime()
	values := make([]sobek.Value, len(args))
	for i, arg := range args {
		values[i] = rt.ToValue(arg)
	}
	var ret sobek.Value
	err = vm.Run(ctx, func() (err error) {
		ret, err = fn(sobek.Undefined(), values...)
		return
	})
	return ret, err
}

// PromiseResult returns the result of the settled promise,
// or the value if it is not a promise.
func PromiseResult(value sobek.Value) sobek.Value {
	if value == nil {
		return sobek.Undefined()
	}
	promise, ok := value.Export().(*sobek.Promise)
	if !ok {
		return value
	}
	return promise.Result()
}
