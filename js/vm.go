package js

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime/debug"
	"sync/atomic"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/loader"
	"github.com/shiroyk/esmgraph/modules"
)

// ErrStalledEvaluation the event loop finished while the evaluation of a
// module with top-level await was still pending.
var ErrStalledEvaluation = errors.New("top-level await promise never resolved")

//go:embed runtime
var runtimeFS embed.FS

// RuntimeFS the embedded "ext:" modules of the VM.
func RuntimeFS() fs.FS { return runtimeFS }

// VM the js runtime.
// An instance of VM can only be used by a single goroutine at a time.
type VM interface {
	// Run the function on the event loop, it returns when the queued jobs
	// and the pending module work are finished.
	Run(ctx context.Context, task func() error) error
	// RunString executes the script.
	RunString(ctx context.Context, src string) (sobek.Value, error)
	// RunMain loads the main module, evaluates it and returns its namespace.
	// If code is not nil it is the source of the main module.
	RunMain(ctx context.Context, specifier string, code []byte) (*sobek.Object, error)
	// Import loads a side module, evaluates it and returns its namespace.
	// If code is not nil it is the source of the module.
	Import(ctx context.Context, specifier string, code []byte) (*sobek.Object, error)
	// Runtime the js runtime
	Runtime() *sobek.Runtime
	// Modules the module map of the runtime
	Modules() *modules.ModuleMap
	// Loop the event loop of the runtime
	Loop() *EventLoop
	// Close terminates the pending module work and releases the module map.
	Close()
}

type (
	// Option the VM options.
	Option func(*options)

	options struct {
		loader        modules.Loader
		embedded      modules.Loader
		logger        *slog.Logger
		initial       []func(*sobek.Runtime)
		moduleOptions []modules.Option
		noConsole     bool
	}
)

// WithLoader the loader of user modules, default loader.FS.
func WithLoader(l modules.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithEmbeddedLoader the loader of "ext:" modules loaded while bootstrapping.
func WithEmbeddedLoader(l modules.Loader) Option {
	return func(o *options) { o.embedded = l }
}

// WithLogger the logger of the VM and the console.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithInitial run the function when the VM was created.
func WithInitial(fn func(*sobek.Runtime)) Option {
	return func(o *options) { o.initial = append(o.initial, fn) }
}

// WithModuleOptions the additional options of the module map.
func WithModuleOptions(opts ...modules.Option) Option {
	return func(o *options) { o.moduleOptions = append(o.moduleOptions, opts...) }
}

// WithoutConsole skips installing the console.
func WithoutConsole() Option {
	return func(o *options) { o.noConsole = true }
}

type vmImpl struct {
	rt      *sobek.Runtime
	loop    *EventLoop
	modules *modules.ModuleMap
	logger  *slog.Logger
	ctx     context.Context
	running atomic.Bool
}

var symVM = sobek.NewSymbol("Symbol.__vm__")

// NewVM creates a new JavaScript VM
// Initialize the EventLoop, the module map, global modules and console.
func NewVM(opts ...Option) VM {
	o := options{logger: slog.Default()}
	for _, option := range opts {
		option(&o)
	}
	if o.loader == nil {
		o.loader = loader.NewFS(loader.WithLogger(o.logger))
	}
	if o.embedded == nil {
		o.embedded = loader.NewEmbedded(runtimeFS)
	}

	rt := sobek.New()
	rt.SetFieldNameMapper(sobek.UncapFieldNameMapper())

	vm := &vmImpl{
		rt:     rt,
		loop:   NewEventLoop(),
		logger: o.logger,
		ctx:    context.Background(),
	}
	moduleOptions := append([]modules.Option{
		modules.WithLoader(o.loader),
		modules.WithEmbeddedLoader(o.embedded),
		modules.WithLogger(o.logger),
		modules.WithWaker(vm.loop.Wake),
		modules.WithCustomModule(CustomModule),
	}, o.moduleOptions...)
	vm.modules = modules.New(rt, moduleOptions...)
	vm.loop.SetPoller(vm.modules)

	_ = rt.GlobalObject().DefineDataPropertySymbol(symVM, rt.ToValue(vm), sobek.FLAG_FALSE, sobek.FLAG_FALSE, sobek.FLAG_FALSE)

	for name, global := range modules.Globals() {
		value, err := global.Instantiate(rt)
		if err != nil {
			vm.logger.Error(fmt.Sprintf("instantiate global module %s failed", name), "error", err)
			continue
		}
		if value != nil {
			_ = rt.Set(name, value)
		}
	}

	if !o.noConsole {
		if _, err := vm.modules.LazyLoadESModule(consoleModule); err != nil {
			vm.logger.Warn("bootstrap console failed", "error", err)
			EnableConsole(rt)
		}
	}

	for _, fn := range o.initial {
		fn(rt)
	}
	return vm
}

// Run the function on the event loop.
func (vm *vmImpl) Run(ctx context.Context, task func() error) (err error) {
	if !vm.running.CompareAndSwap(false, true) {
		return errors.New("vm is already running")
	}
	defer vm.running.Store(false)

	// resets the interrupt flag.
	vm.rt.ClearInterrupt()
	vm.ctx = ctx
	if _, ok := ctx.Value(loggerKey{}).(*slog.Logger); !ok {
		vm.ctx = ContextWithLogger(ctx, vm.logger)
	}
	defer func() { vm.ctx = context.Background() }()

	done, exited := make(chan struct{}), make(chan struct{})
	defer func() {
		close(done)
		<-exited
	}()
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			// Interrupt running JavaScript.
			vm.rt.Interrupt(ctx.Err())
			vm.loop.Stop()
		case <-done:
		}
	}()

	defer func() {
		if x := recover(); x != nil {
			vm.logger.Error(fmt.Sprintf("vm run error %v", x), "stack", string(debug.Stack()))
			err = fmt.Errorf("vm run panic: %v", x)
		}
	}()

	err = vm.loop.Start(task)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}

// RunString executes the script.
func (vm *vmImpl) RunString(ctx context.Context, src string) (ret sobek.Value, err error) {
	err = vm.Run(ctx, func() (err error) {
		ret, err = vm.rt.RunString(src)
		return
	})
	return
}

// RunMain loads the main module, evaluates it and returns its namespace.
func (vm *vmImpl) RunMain(ctx context.Context, specifier string, code []byte) (*sobek.Object, error) {
	return vm.evaluate(ctx, vm.modules.LoadMain, specifier, code)
}

// Import loads a side module, evaluates it and returns its namespace.
func (vm *vmImpl) Import(ctx context.Context, specifier string, code []byte) (*sobek.Object, error) {
	return vm.evaluate(ctx, vm.modules.LoadSide, specifier, code)
}

type loadFunc func(context.Context, string, []byte) (modules.ModuleID, error)

func (vm *vmImpl) evaluate(ctx context.Context, load loadFunc, specifier string, code []byte) (*sobek.Object, error) {
	var (
		id     modules.ModuleID
		result <-chan error
	)
	err := vm.Run(ctx, func() (err error) {
		id, err = load(ctx, specifier, code)
		if err != nil {
			return err
		}
		result = vm.modules.ModEvaluate(ctx, id)
		return nil
	})
	if err != nil {
		return nil, err
	}
	select {
	case err = <-result:
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrStalledEvaluation, specifier)
	}
	return vm.modules.GetModuleNamespace(id)
}

// Runtime the js runtime
func (vm *vmImpl) Runtime() *sobek.Runtime { return vm.rt }

// Modules the module map of the runtime
func (vm *vmImpl) Modules() *modules.ModuleMap { return vm.modules }

// Loop the event loop of the runtime
func (vm *vmImpl) Loop() *EventLoop { return vm.loop }

// Close terminates the pending module work and releases the module map.
func (vm *vmImpl) Close() {
	vm.modules.Terminate()
	if err := vm.modules.PollProgress(); err != nil && !errors.Is(err, modules.ErrExecutionTerminated) {
		vm.logger.Warn("terminate modules failed", "error", err)
	}
	vm.modules.Destroy()
	vm.loop.Stop()
}

func self(rt *sobek.Runtime) *vmImpl {
	value := rt.GlobalObject().GetSymbol(symVM)
	if value != nil {
		if vm, ok := value.Export().(*vmImpl); ok {
			return vm
		}
	}
	panic(rt.NewTypeError("symbol value of vm must be VM"))
}
