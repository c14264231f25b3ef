package js

import (
	"context"

	"github.com/grafana/sobek"
)

// RunMain loads and evaluates the main module with a new VM
//
// example:
//
//	ns, err := js.RunMain(context.Background(), "file:///main.js", []byte(`export default 1 + 1`))
//	if err != nil {
//		panic(err)
//	}
//	fmt.Println(ns.Get("default").Export()) // 2
func RunMain(ctx context.Context, specifier string, code []byte, opts ...Option) (*sobek.Object, error) {
	vm := NewVM(opts...)
	defer vm.Close()
	return vm.RunMain(ctx, specifier, code)
}

// RunString executes the given string
//
// example:
//
//	value, err := js.RunString(context.Background(), `1 + 1`)
//	if err != nil {
//		panic(err)
//	}
//	fmt.Println(value.Export()) // 2
func RunString(ctx context.Context, str string, opts ...Option) (sobek.Value, error) {
	vm := NewVM(opts...)
	defer vm.Close()
	return vm.RunString(ctx, str)
}

// Run executes the given function
//
// example:
//
//	err := js.Run(context.Background(), func(rt *sobek.Runtime) error {
//		_, err := rt.RunString(`console.log('hello world')`)
//		return err
//	})
//	if err != nil {
//		panic(err)
//	}
func Run(ctx context.Context, fn func(*sobek.Runtime) error, opts ...Option) error {
	vm := NewVM(opts...)
	defer vm.Close()
	return vm.Run(ctx, func() error { return fn(vm.Runtime()) })
}
