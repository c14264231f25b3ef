package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/go-sourcemap/sourcemap"
	"github.com/grafana/sobek"
)

type (
	// ImportAttributesFunc returns the import attributes of a static or dynamic
	// import. sobek has no import attributes syntax, so they are derived by the host.
	ImportAttributesFunc func(referrer, specifier, resolved string) map[string]string

	// ValidateAttributesFunc validates the import attributes, an error fails the import.
	ValidateAttributesFunc func(specifier string, attributes map[string]string) error

	// Option the ModuleMap options.
	Option func(*ModuleMap)
)

// WithLoader the loader of user modules.
func WithLoader(loader Loader) Option {
	return func(m *ModuleMap) { m.loader = loader }
}

// WithEmbeddedLoader the loader of LazyLoadESModule.
func WithEmbeddedLoader(loader Loader) Option {
	return func(m *ModuleMap) { m.embedded = loader }
}

// WithLogger the logger of ModuleMap.
func WithLogger(logger *slog.Logger) Option {
	return func(m *ModuleMap) { m.logger = logger }
}

// WithWaker is called from other goroutines when async work has completed
// and PollProgress should be called.
func WithWaker(waker func()) Option {
	return func(m *ModuleMap) { m.waker = waker }
}

// WithCustomModule the callback of host defined module types.
func WithCustomModule(fn CustomModuleFunc) Option {
	return func(m *ModuleMap) { m.custom = fn }
}

// WithImportAttributes the import attributes of imports.
func WithImportAttributes(fn ImportAttributesFunc) Option {
	return func(m *ModuleMap) { m.attributes = fn }
}

// WithValidateAttributes the import attributes validation hook.
func WithValidateAttributes(fn ValidateAttributesFunc) Option {
	return func(m *ModuleMap) { m.validate = fn }
}

// WithSnapshot disables code cache creation while building a snapshot.
func WithSnapshot(snapshot bool) Option {
	return func(m *ModuleMap) { m.snapshot = snapshot }
}

// WithWasmCacheDir the compilation cache directory of WebAssembly modules.
func WithWasmCacheDir(dir string) Option {
	return func(m *ModuleMap) { m.wasmCacheDir = dir }
}

// WithContext the ambient context of loads started by the engine.
func WithContext(ctx context.Context) Option {
	return func(m *ModuleMap) { m.ctx = ctx }
}

// ModuleMap loads, instantiates and evaluates the module graph of a sobek.Runtime.
// Except Terminate, Pending and Wait, all methods must be called from the
// goroutine owning the runtime.
type ModuleMap struct {
	rt       *sobek.Runtime
	registry *Registry

	loader       Loader
	embedded     Loader
	logger       *slog.Logger
	waker        func()
	custom       CustomModuleFunc
	attributes   ImportAttributesFunc
	validate     ValidateAttributesFunc
	snapshot     bool
	wasmCacheDir string
	wasm         *wasmEngine
	ctx          context.Context

	// scopes is the stack of ambient contexts of the current engine calls
	scopes []context.Context

	mu       sync.Mutex
	queue    []func()
	inflight int
	notify   chan struct{}

	ready            []func()
	fetches          map[fetchKey]*fetchState
	loads            map[int]*recursiveLoad
	dynamicLoads     map[dynamicKey]*recursiveLoad
	preparing        []*dynamicImportState
	evaluations      map[ModuleID]*evaluation
	tlaWaiters       map[ModuleID][]promiseController
	instantiating    map[ModuleID]struct{}
	mainReady        []func(*sobek.Object)
	lazy             map[string]ModuleID
	syntheticExports map[*syntheticModule][]Export
	imports          map[ModuleID][]importBinding
	sourceMaps       map[string]*sourcemap.Consumer
	checkpointFn     sobek.Callable

	terminating atomic.Bool
	destroyed   bool
}

// New returns a new ModuleMap bound to the runtime, it installs the
// dynamic import and import.meta hooks of the runtime.
func New(rt *sobek.Runtime, opts ...Option) *ModuleMap {
	m := &ModuleMap{
		rt:       rt,
		registry: NewRegistry(),
		notify:   make(chan struct{}, 1),
	}
	for _, option := range opts {
		option(m)
	}
	if m.loader == nil {
		m.loader = noopLoader{}
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.custom == nil {
		m.custom = NativeModule
	}
	if m.attributes == nil {
		m.attributes = DefaultImportAttributes
	}
	if m.validate == nil {
		m.validate = DefaultValidateAttributes
	}
	if m.ctx == nil {
		m.ctx = context.Background()
	}
	m.reset()

	checkpoint, _ := sobek.AssertFunction(rt.ToValue(func(sobek.FunctionCall) sobek.Value { return sobek.Undefined() }))
	m.checkpointFn = checkpoint

	rt.SetImportModuleDynamically(m.importModuleDynamically)
	rt.SetFinalImportMeta(m.importMeta)
	return m
}

func (m *ModuleMap) reset() {
	m.ready = nil
	m.fetches = make(map[fetchKey]*fetchState)
	m.loads = make(map[int]*recursiveLoad)
	m.dynamicLoads = make(map[dynamicKey]*recursiveLoad)
	m.preparing = nil
	m.evaluations = make(map[ModuleID]*evaluation)
	m.tlaWaiters = make(map[ModuleID][]promiseController)
	m.instantiating = make(map[ModuleID]struct{})
	m.lazy = make(map[string]ModuleID)
	m.syntheticExports = make(map[*syntheticModule][]Export)
	m.imports = make(map[ModuleID][]importBinding)
	m.sourceMaps = make(map[string]*sourcemap.Consumer)
}

// Runtime returns the runtime of the ModuleMap.
func (m *ModuleMap) Runtime() *sobek.Runtime { return m.rt }

// Registry returns the module registry.
func (m *ModuleMap) Registry() *Registry { return m.registry }

// Graph returns the info of all registered modules.
func (m *ModuleMap) Graph() []ModuleInfo { return m.registry.Graph() }

// OnMainModuleReady adds a callback invoked with the namespace of the
// main module once its evaluation has succeeded.
func (m *ModuleMap) OnMainModuleReady(fn func(namespace *sobek.Object)) {
	m.mainReady = append(m.mainReady, fn)
}

// Resolve the specifier with the loader, "ext:" modules can only
// be imported from "ext:" and "node:" modules.
func (m *ModuleMap) Resolve(specifier, referrer string, kind ResolutionKind) (string, error) {
	return m.resolveWith(m.loader, specifier, referrer, kind)
}

func (m *ModuleMap) resolveWith(loader Loader, specifier, referrer string, kind ResolutionKind) (string, error) {
	if specifier == "" {
		return "", &ResolutionError{Specifier: specifier, Referrer: referrer, Err: ErrIllegalModuleName}
	}
	if isExt(specifier) && !isPrivilegedReferrer(referrer) {
		return "", &ResolutionError{Specifier: specifier, Referrer: referrer, Err: ErrPrivilegedModule}
	}
	resolved, err := loader.Resolve(specifier, referrer, kind)
	if err != nil {
		var re *ResolutionError
		if errors.As(err, &re) {
			return "", err
		}
		return "", &ResolutionError{Specifier: specifier, Referrer: referrer, Err: err}
	}
	if isExt(resolved) && !isPrivilegedReferrer(referrer) {
		return "", &ResolutionError{Specifier: resolved, Referrer: referrer, Err: ErrPrivilegedModule}
	}
	return resolved, nil
}

// requestedType returns the requested module type of an import from its attributes.
func (m *ModuleMap) requestedType(referrer, specifier, resolved string) (RequestedModuleType, error) {
	attributes := m.attributes(referrer, specifier, resolved)
	if err := m.validate(specifier, attributes); err != nil {
		return RequestedNone, &ResolutionError{Specifier: specifier, Referrer: referrer, Err: err}
	}
	return RequestedModuleType(attributes["type"]), nil
}

// GetModuleNamespace returns the namespace object of an instantiated module.
func (m *ModuleMap) GetModuleNamespace(id ModuleID) (*sobek.Object, error) {
	if !m.registry.Has(id) {
		return nil, fmt.Errorf("%w: module %d is not registered", ErrInvalidModule, id)
	}
	if m.registry.Status(id) < StatusInstantiated {
		return nil, fmt.Errorf("%w: module %s is not instantiated", ErrInvalidModule, m.registry.Info(id).Specifier)
	}
	return m.namespace(m.registry.Record(id))
}

func (m *ModuleMap) namespace(record sobek.ModuleRecord) (ns *sobek.Object, err error) {
	err = m.call(m.ctx, func() { ns = m.rt.NamespaceObjectFor(record) })
	return
}

// LazyLoadESModule loads and evaluates a module of the embedded loader,
// which must be available synchronously. It returns the same namespace
// for the following calls.
func (m *ModuleMap) LazyLoadESModule(specifier string) (*sobek.Object, error) {
	if id, ok := m.lazy[specifier]; ok {
		return m.GetModuleNamespace(id)
	}
	if m.embedded == nil {
		return nil, fmt.Errorf("%w: no embedded loader to load %s", ErrNotFoundModule, specifier)
	}
	resolved, err := m.resolveWith(m.embedded, specifier, BootstrapReferrer, KindImport)
	if err != nil {
		return nil, err
	}
	requested, err := m.requestedType(BootstrapReferrer, specifier, resolved)
	if err != nil {
		return nil, err
	}

	l := m.newLoad(loadSide, ModuleReference{resolved, requested}, BootstrapReferrer, m.ctx)
	l.loader, l.embedded = m.embedded, true
	m.startLoad(l)
	for len(m.ready) > 0 {
		m.drainReady()
	}
	if !l.finished() {
		return nil, fmt.Errorf("embedded module %s was not loaded synchronously", specifier)
	}
	if l.err != nil {
		return nil, l.err
	}
	if err = m.ModEvaluateSync(l.rootID); err != nil {
		return nil, err
	}
	m.lazy[specifier] = l.rootID
	return m.GetModuleNamespace(l.rootID)
}

// Terminate marks the execution as terminating, every instantiation and
// evaluation from now on fails with ErrExecutionTerminated and pending
// work is settled on the next PollProgress.
// It is safe to call from any goroutine.
func (m *ModuleMap) Terminate() {
	if m.terminating.Swap(true) {
		return
	}
	m.signal()
}

// Terminating reports whether Terminate was called.
func (m *ModuleMap) Terminating() bool { return m.terminating.Load() }

// Destroy settles every pending promise with ErrExecutionTerminated and
// clears the registry and all pending work.
func (m *ModuleMap) Destroy() {
	if m.destroyed {
		return
	}
	m.terminating.Store(true)
	m.settleTerminated()

	m.mu.Lock()
	m.destroyed = true
	m.queue = nil
	m.mu.Unlock()

	m.reset()
	m.mainReady = nil
	m.registry.Clear()
	if m.wasm != nil {
		m.wasm.close(context.Background())
		m.wasm = nil
	}
}

// settleTerminated settles every pending controller, waiter and load.
func (m *ModuleMap) settleTerminated() {
	for _, s := range m.preparing {
		s.controller.settle(importResult{err: ErrExecutionTerminated})
	}
	m.preparing = nil
	for _, l := range m.loads {
		m.failLoad(l, ErrExecutionTerminated)
	}
	for _, id := range sortedIDs(m.evaluations) {
		ev := m.evaluations[id]
		delete(m.evaluations, id)
		ev.settled, ev.err = true, ErrExecutionTerminated
		m.notifyEvaluation(ev)
	}
	for _, id := range sortedIDs(m.tlaWaiters) {
		for _, c := range m.tlaWaiters[id] {
			c.settle(importResult{err: ErrExecutionTerminated})
		}
		delete(m.tlaWaiters, id)
	}
}

// Pending reports whether there is async work that completes by itself,
// so the caller should Wait and then PollProgress.
func (m *ModuleMap) Pending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inflight > 0 || len(m.queue) > 0
}

// Wait blocks until async work has completed or the context is done.
// It returns at once when there is no async work in flight.
func (m *ModuleMap) Wait(ctx context.Context) error {
	m.mu.Lock()
	if len(m.queue) > 0 || m.inflight == 0 {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	select {
	case <-m.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PollProgress drives the module graph: it applies completed fetches,
// starts prepared dynamic imports and settles finished evaluations,
// repeating until a pass makes no progress.
func (m *ModuleMap) PollProgress() error {
	if m.destroyed {
		return ErrExecutionTerminated
	}
	for {
		progress := m.drainQueue()
		if m.drainReady() {
			progress = true
		}
		if m.pollPreparing() {
			progress = true
		}
		if m.pollEvaluations() {
			progress = true
		}
		if !progress {
			break
		}
	}
	if m.terminating.Load() {
		m.settleTerminated()
		return ErrExecutionTerminated
	}
	return nil
}

// spawn runs fn in a new goroutine, the returned completion runs on the
// next PollProgress.
func (m *ModuleMap) spawn(fn func() func()) {
	m.mu.Lock()
	m.inflight++
	m.mu.Unlock()
	go func() {
		done := func() {}
		defer func() {
			if x := recover(); x != nil {
				err := panicError(x)
				done = func() { m.logger.Error("module task panicked", "error", err) }
			}
			m.complete(done)
		}()
		done = fn()
	}()
}

func (m *ModuleMap) complete(done func()) {
	m.mu.Lock()
	m.inflight--
	if !m.destroyed {
		m.queue = append(m.queue, done)
	}
	m.mu.Unlock()
	m.signal()
}

func (m *ModuleMap) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
	if m.waker != nil {
		m.waker()
	}
}

func (m *ModuleMap) drainQueue() bool {
	m.mu.Lock()
	queue := m.queue
	m.queue = nil
	m.mu.Unlock()
	for _, job := range queue {
		job()
	}
	return len(queue) > 0
}

func (m *ModuleMap) drainReady() bool {
	if len(m.ready) == 0 {
		return false
	}
	ready := m.ready
	m.ready = nil
	for _, job := range ready {
		job()
	}
	return true
}

// scoped runs fn with the ambient context attached, the bridge callbacks
// read it while the engine calls back during fn.
func (m *ModuleMap) scoped(fn func()) {
	m.enter(m.context())
	defer m.exit()
	fn()
}

func (m *ModuleMap) enter(ctx context.Context) { m.scopes = append(m.scopes, ctx) }

func (m *ModuleMap) exit() { m.scopes = m.scopes[:len(m.scopes)-1] }

// context returns the ambient context of the current engine call.
func (m *ModuleMap) context() context.Context {
	if n := len(m.scopes); n > 0 {
		return m.scopes[n-1]
	}
	return m.ctx
}

// call runs fn inside a scope, converting engine panics to errors,
// then performs a microtask checkpoint.
func (m *ModuleMap) call(ctx context.Context, fn func()) (err error) {
	m.enter(ctx)
	defer func() {
		m.exit()
		if x := recover(); x != nil {
			switch x := x.(type) {
			case *sobek.InterruptedError:
				err = fmt.Errorf("%w: %s", ErrExecutionTerminated, x.Error())
			case *sobek.Exception:
				err = NewJSError(x)
			case runtime.Error:
				panic(x)
			case error:
				err = x
			default:
				panic(x)
			}
			return
		}
		err = m.checkpoint()
	}()
	fn()
	return
}

// checkpoint runs the pending promise jobs of the runtime.
func (m *ModuleMap) checkpoint() error {
	if len(m.scopes) > 0 {
		return nil
	}
	_, err := m.checkpointFn(sobek.Undefined())
	var interrupted *sobek.InterruptedError
	if errors.As(err, &interrupted) {
		return fmt.Errorf("%w: %s", ErrExecutionTerminated, interrupted.Error())
	}
	return err
}

// referrerName returns the specifier of the module or script referring to an import.
func (m *ModuleMap) referrerName(referrer any) string {
	if record, ok := referrer.(sobek.ModuleRecord); ok {
		if id, ok := m.registry.IDOf(record); ok {
			return m.registry.Info(id).Specifier
		}
	}
	return ""
}

// importMeta populates import.meta of the module records.
func (m *ModuleMap) importMeta(meta *sobek.Object, record sobek.ModuleRecord) {
	id, ok := m.registry.IDOf(record)
	if !ok {
		return
	}
	info := m.registry.Info(id)
	_ = meta.Set("url", info.Specifier)
	_ = meta.Set("main", info.Main)
	_ = meta.Set("resolve", func(call sobek.FunctionCall) sobek.Value {
		resolved, err := m.Resolve(call.Argument(0).String(), info.Specifier, KindImport)
		if err != nil {
			panic(m.rt.NewGoError(err))
		}
		return m.rt.ToValue(resolved)
	})
}

// rejection converts the error to the value rejecting a promise.
func (m *ModuleMap) rejection(err error) sobek.Value {
	var js *JSError
	if errors.As(err, &js) {
		if js.value != nil {
			return js.value
		}
		var ex *sobek.Exception
		if errors.As(js.Cause, &ex) {
			return ex.Value()
		}
	}
	var ex *sobek.Exception
	if errors.As(err, &ex) {
		return ex.Value()
	}
	return m.rt.NewGoError(err)
}

type noopLoader struct{}

func (noopLoader) Resolve(specifier, _ string, _ ResolutionKind) (string, error) {
	return "", fmt.Errorf("%w: %s", ErrNotFoundModule, specifier)
}

func (noopLoader) Load(_ context.Context, specifier string, _ LoadOptions) ModuleLoadResponse {
	return Ready(nil, fmt.Errorf("%w: %s", ErrNotFoundModule, specifier))
}

func sortedIDs[V any](m map[ModuleID]V) []ModuleID {
	return slices.Sorted(maps.Keys(m))
}
