package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/grafana/sobek"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

const (
	wasmFunction = "function"
	wasmMemory   = "memory"
)

// wasmSurface is the import and export surface of a Wasm binary.
type wasmSurface struct {
	Imports []wasmEntity `msgpack:"imports"`
	Exports []wasmEntity `msgpack:"exports"`
}

type wasmEntity struct {
	Module  string          `msgpack:"module,omitempty"`
	Name    string          `msgpack:"name"`
	Kind    string          `msgpack:"kind"`
	Params  []api.ValueType `msgpack:"params,omitempty"`
	Results []api.ValueType `msgpack:"results,omitempty"`
}

// wasmEngine compiles Wasm modules. Each instantiation gets its own
// wazero.Runtime so host modules named after the import modules never clash,
// they share one compilation cache.
type wasmEngine struct {
	cache    wazero.CompilationCache
	analysis wazero.Runtime
	runtimes []wazero.Runtime
}

func (m *ModuleMap) wasmRuntime() (*wasmEngine, error) {
	if m.wasm != nil {
		return m.wasm, nil
	}
	cache := wazero.NewCompilationCache()
	if m.wasmCacheDir != "" {
		var err error
		if cache, err = wazero.NewCompilationCacheWithDir(m.wasmCacheDir); err != nil {
			return nil, fmt.Errorf("wasm compilation cache: %w", err)
		}
	}
	m.wasm = &wasmEngine{cache: cache}
	m.wasm.analysis = m.wasm.newRuntime(m.ctx)
	return m.wasm, nil
}

func (e *wasmEngine) newRuntime(ctx context.Context) wazero.Runtime {
	return wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCompilationCache(e.cache))
}

// analyze returns the import and export surface of the binary.
func (e *wasmEngine) analyze(ctx context.Context, code []byte) (*wasmSurface, error) {
	compiled, err := e.analysis.CompileModule(ctx, code)
	if err != nil {
		return nil, err
	}
	defer compiled.Close(ctx)

	surface := new(wasmSurface)
	for _, fn := range compiled.ImportedFunctions() {
		module, name, _ := fn.Import()
		surface.Imports = append(surface.Imports, wasmEntity{
			Module:  module,
			Name:    name,
			Kind:    wasmFunction,
			Params:  fn.ParamTypes(),
			Results: fn.ResultTypes(),
		})
	}
	for _, mem := range compiled.ImportedMemories() {
		module, name, _ := mem.Import()
		surface.Imports = append(surface.Imports, wasmEntity{Module: module, Name: name, Kind: wasmMemory})
	}

	functions := compiled.ExportedFunctions()
	for _, name := range slices.Sorted(maps.Keys(functions)) {
		fn := functions[name]
		surface.Exports = append(surface.Exports, wasmEntity{
			Name:    name,
			Kind:    wasmFunction,
			Params:  fn.ParamTypes(),
			Results: fn.ResultTypes(),
		})
	}
	for _, name := range slices.Sorted(maps.Keys(compiled.ExportedMemories())) {
		surface.Exports = append(surface.Exports, wasmEntity{Name: name, Kind: wasmMemory})
	}
	return surface, nil
}

func (e *wasmEngine) close(ctx context.Context) {
	for _, r := range e.runtimes {
		_ = r.Close(ctx)
	}
	e.runtimes = nil
	if e.analysis != nil {
		_ = e.analysis.Close(ctx)
	}
	_ = e.cache.Close(ctx)
}

// renderWasmShim renders the script module re-exporting the instance
// exports of the Wasm module. The self import is the module source.
func renderWasmShim(self string, surface *wasmSurface) string {
	var modules []string
	for _, imp := range surface.Imports {
		if !slices.Contains(modules, imp.Module) {
			modules = append(modules, imp.Module)
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "import wasmMod from %s;\n", quote(self))
	for i, module := range modules {
		fmt.Fprintf(&b, "import * as import_%d from %s;\n", i, quote(module))
	}
	b.WriteString("const instance = wasmMod.instantiate({")
	for i, module := range modules {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "\n  %s: import_%d", quote(module), i)
	}
	if len(modules) > 0 {
		b.WriteString("\n")
	}
	b.WriteString("});\n")
	for _, exp := range surface.Exports {
		if !isIdentifier(exp.Name) {
			continue
		}
		fmt.Fprintf(&b, "export const %s = instance[%s];\n", exp.Name, quote(exp.Name))
	}
	b.WriteString("export default instance;\n")
	return b.String()
}

func quote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

var reservedWords = []string{
	"await", "break", "case", "catch", "class", "const", "continue", "debugger",
	"default", "delete", "do", "else", "enum", "export", "extends", "false",
	"finally", "for", "function", "if", "import", "in", "instanceof", "let",
	"new", "null", "return", "static", "super", "switch", "this", "throw",
	"true", "try", "typeof", "var", "void", "while", "with", "yield",
}

func isIdentifier(name string) bool {
	if name == "" || slices.Contains(reservedWords, name) {
		return false
	}
	for i, c := range name {
		switch {
		case c == '_' || c == '$':
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		case i > 0 && c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}

// wasmSourceObject returns the source object of a Wasm module: an object
// with an instantiate(imports) method returning the exports.
func (m *ModuleMap) wasmSourceObject(specifier string, code []byte, surface *wasmSurface) (sobek.Value, error) {
	engine, err := m.wasmRuntime()
	if err != nil {
		return nil, err
	}
	rt := m.rt
	source := rt.NewObject()
	_ = source.Set("url", specifier)
	_ = source.Set("imports", surfaceObject(rt, surface.Imports))
	_ = source.Set("exports", surfaceObject(rt, surface.Exports))
	_ = source.Set("instantiate", func(call sobek.FunctionCall) sobek.Value {
		exports, err := m.instantiateWasm(engine, specifier, code, surface, call.Argument(0))
		if err != nil {
			panic(rt.NewGoError(err))
		}
		return exports
	})
	return source, nil
}

func surfaceObject(rt *sobek.Runtime, entities []wasmEntity) sobek.Value {
	ret := make([]any, 0, len(entities))
	for _, e := range entities {
		item := map[string]any{"name": e.Name, "kind": e.Kind}
		if e.Module != "" {
			item["module"] = e.Module
		}
		ret = append(ret, item)
	}
	return rt.ToValue(ret)
}

func (m *ModuleMap) instantiateWasm(engine *wasmEngine, specifier string, code []byte, surface *wasmSurface, imports sobek.Value) (sobek.Value, error) {
	ctx, rt := m.ctx, m.rt
	r := engine.newRuntime(ctx)
	engine.runtimes = append(engine.runtimes, r)

	var importObj *sobek.Object
	if imports != nil && !sobek.IsUndefined(imports) && !sobek.IsNull(imports) {
		importObj = imports.ToObject(rt)
	}

	builders := make(map[string]wazero.HostModuleBuilder)
	var order []string
	for _, imp := range surface.Imports {
		if imp.Kind != wasmFunction {
			return nil, fmt.Errorf("%w: %s imports %s %s.%s, only functions can be imported",
				ErrInvalidModule, specifier, imp.Kind, imp.Module, imp.Name)
		}
		fn, err := importedFunction(rt, importObj, imp)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", specifier, err)
		}
		builder, ok := builders[imp.Module]
		if !ok {
			builder = r.NewHostModuleBuilder(imp.Module)
			builders[imp.Module] = builder
			order = append(order, imp.Module)
		}
		builder.NewFunctionBuilder().
			WithGoModuleFunction(hostFunction(rt, fn, imp), imp.Params, imp.Results).
			Export(imp.Name)
	}
	for _, module := range order {
		if _, err := builders[module].Instantiate(ctx); err != nil {
			return nil, fmt.Errorf("instantiate host module %s: %w", module, err)
		}
	}

	compiled, err := r.CompileModule(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", specifier, err)
	}
	instance, err := r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate %s: %w", specifier, err)
	}
	m.logger.Debug("instantiated wasm module", "specifier", specifier)

	exports := rt.NewObject()
	for _, exp := range surface.Exports {
		switch exp.Kind {
		case wasmFunction:
			_ = exports.Set(exp.Name, exportedFunction(ctx, rt, instance.ExportedFunction(exp.Name), exp))
		case wasmMemory:
			_ = exports.Set(exp.Name, exportedMemory(rt, instance.ExportedMemory(exp.Name)))
		}
	}
	return exports, nil
}

func importedFunction(rt *sobek.Runtime, imports *sobek.Object, imp wasmEntity) (sobek.Callable, error) {
	if imports == nil {
		return nil, fmt.Errorf("missing import module %q", imp.Module)
	}
	module := imports.Get(imp.Module)
	if module == nil || sobek.IsUndefined(module) {
		return nil, fmt.Errorf("missing import module %q", imp.Module)
	}
	fn, ok := sobek.AssertFunction(module.ToObject(rt).Get(imp.Name))
	if !ok {
		return nil, fmt.Errorf("import %s.%s is not a function", imp.Module, imp.Name)
	}
	return fn, nil
}

// hostFunction calls the JavaScript import from Wasm.
func hostFunction(rt *sobek.Runtime, fn sobek.Callable, imp wasmEntity) api.GoModuleFunc {
	return func(_ context.Context, _ api.Module, stack []uint64) {
		args := make([]sobek.Value, len(imp.Params))
		for i, typ := range imp.Params {
			args[i] = decodeValue(rt, typ, stack[i])
		}
		ret, err := fn(sobek.Undefined(), args...)
		if err != nil {
			panic(err)
		}
		if len(imp.Results) == 0 {
			return
		}
		if len(imp.Results) == 1 {
			stack[0] = encodeValue(imp.Results[0], ret)
			return
		}
		results := ret.ToObject(rt)
		for i, typ := range imp.Results {
			stack[i] = encodeValue(typ, results.Get(fmt.Sprint(i)))
		}
	}
}

func exportedFunction(ctx context.Context, rt *sobek.Runtime, fn api.Function, exp wasmEntity) sobek.Value {
	return rt.ToValue(func(call sobek.FunctionCall) sobek.Value {
		params := make([]uint64, len(exp.Params))
		for i, typ := range exp.Params {
			params[i] = encodeValue(typ, call.Argument(i))
		}
		results, err := fn.Call(ctx, params...)
		if err != nil {
			var ex *sobek.Exception
			if errors.As(err, &ex) {
				panic(ex)
			}
			panic(rt.NewGoError(err))
		}
		switch len(results) {
		case 0:
			return sobek.Undefined()
		case 1:
			return decodeValue(rt, exp.Results[0], results[0])
		}
		ret := make([]any, len(results))
		for i, r := range results {
			ret[i] = decodeValue(rt, exp.Results[i], r)
		}
		return rt.ToValue(ret)
	})
}

func exportedMemory(rt *sobek.Runtime, mem api.Memory) sobek.Value {
	obj := rt.NewObject()
	getter := rt.ToValue(func(sobek.FunctionCall) sobek.Value {
		view, _ := mem.Read(0, mem.Size())
		return rt.ToValue(rt.NewArrayBuffer(view))
	})
	_ = obj.DefineAccessorProperty("buffer", getter, nil, sobek.FLAG_FALSE, sobek.FLAG_TRUE)
	return obj
}

func encodeValue(typ api.ValueType, v sobek.Value) uint64 {
	if v == nil || sobek.IsUndefined(v) {
		return 0
	}
	switch typ {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v.ToInteger()))
	case api.ValueTypeI64:
		return api.EncodeI64(v.ToInteger())
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v.ToFloat()))
	case api.ValueTypeF64:
		return api.EncodeF64(v.ToFloat())
	default:
		return 0
	}
}

func decodeValue(rt *sobek.Runtime, typ api.ValueType, v uint64) sobek.Value {
	switch typ {
	case api.ValueTypeI32:
		return rt.ToValue(api.DecodeI32(v))
	case api.ValueTypeI64:
		return rt.ToValue(int64(v))
	case api.ValueTypeF32:
		return rt.ToValue(api.DecodeF32(v))
	case api.ValueTypeF64:
		return rt.ToValue(api.DecodeF64(v))
	default:
		return sobek.Undefined()
	}
}
