package modules

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"

	"github.com/go-sourcemap/sourcemap"
	"github.com/grafana/sobek"
	"github.com/grafana/sobek/ast"
	"github.com/grafana/sobek/parser"
)

type (
	// CustomModuleResult is the result of a CustomModuleFunc.
	CustomModuleResult struct {
		// Source of a computed script module, empty for a synthetic result.
		Source string
		// Value exported by the synthetic module.
		Value sobek.Value
		// SyntheticType is the requested type the computed Source imports
		// the synthetic module with, using the module specifier.
		SyntheticType string
	}

	// CustomModuleFunc creates the modules of host defined module types.
	CustomModuleFunc func(rt *sobek.Runtime, tag, specifier string, code []byte) (CustomModuleResult, error)
)

// Synthetic returns a result served as a synthetic module exporting the value.
func Synthetic(value sobek.Value) CustomModuleResult {
	return CustomModuleResult{Value: value}
}

// ComputedAndSynthetic returns a script module source and the value of the
// synthetic module it imports as syntheticType.
func ComputedAndSynthetic(source string, value sobek.Value, syntheticType string) CustomModuleResult {
	return CustomModuleResult{Source: source, Value: value, SyntheticType: syntheticType}
}

// NativeModule is the default CustomModuleFunc, it serves the registered
// Go modules as the "native" module type.
func NativeModule(rt *sobek.Runtime, tag, specifier string, _ []byte) (CustomModuleResult, error) {
	if ModuleType(tag) != NativeType {
		return CustomModuleResult{}, fmt.Errorf("%w: unknown module type %q", ErrInvalidModule, tag)
	}
	mod, ok := Get(specifier)
	if !ok {
		return CustomModuleResult{}, fmt.Errorf("%w: %s", ErrNotFoundModule, specifier)
	}
	value, err := mod.Instantiate(rt)
	if err != nil {
		return CustomModuleResult{}, err
	}
	if value == nil {
		return CustomModuleResult{}, fmt.Errorf("%w: %s instantiated nothing", ErrInvalidModule, specifier)
	}
	return Synthetic(value), nil
}

// DefaultImportAttributes requests modules with the ".json" extension as json.
func DefaultImportAttributes(_, _, resolved string) map[string]string {
	if u, err := url.Parse(resolved); err == nil && u.Opaque == "" {
		resolved = u.Path
	}
	if strings.EqualFold(path.Ext(resolved), ".json") {
		return map[string]string{"type": string(RequestedJSON)}
	}
	return nil
}

// DefaultValidateAttributes only accepts the "type" attribute.
func DefaultValidateAttributes(specifier string, attributes map[string]string) error {
	for key, value := range attributes {
		if key != "type" {
			return fmt.Errorf("%w: unsupported import attribute %q of %s", ErrInvalidModule, key, specifier)
		}
		if value == "" || value == string(TypeJavaScript) {
			return fmt.Errorf("%w: invalid import type %q of %s", ErrInvalidModule, value, specifier)
		}
	}
	return nil
}

// scriptUnit is a script module to compile.
type scriptUnit struct {
	main    bool
	ref     ModuleReference
	typ     ModuleType
	code    []byte
	dynamic bool
	loader  Loader
	cache   *CodeCache
	// hashed is the content the code cache is keyed by, code if nil
	hashed    []byte
	sourceMap []byte
	// overrides are requests of the host generated sources by raw specifier
	overrides map[string]ModuleRequest
	wasm      *wasmSurface
}

// compileAndRegister compiles the module source and registers it.
// It never changes the evaluation status of a module.
func (m *ModuleMap) compileAndRegister(main bool, typ ModuleType, ref ModuleReference, source *ModuleSource, dynamic bool, loader Loader) (ModuleID, error) {
	if m.terminating.Load() {
		return InvalidModuleID, ErrExecutionTerminated
	}
	if main {
		if id, ok := m.registry.Main(); ok {
			if existing := m.registry.Info(id).Specifier; existing != ref.Specifier {
				return InvalidModuleID, &MainModuleAlreadyExistsError{Existing: existing, New: ref.Specifier}
			}
		}
	}
	if id, ok := m.registry.Lookup(ref.Specifier, ref.RequestedType); ok {
		return m.promote(main, ref, id)
	}

	switch ref.RequestedType {
	case RequestedText:
		return m.synthetic(main, ref, TypeText, textExports(m.rt, source.Code), nil)
	case RequestedBytes:
		exports, err := m.bytesExports(source.Code)
		return m.synthetic(main, ref, TypeBytes, exports, err)
	case RequestedJSON:
		exports, err := m.jsonExports(ref.Specifier, source.Code)
		return m.synthetic(main, ref, TypeJSON, exports, err)
	}

	switch typ {
	case TypeJavaScript, "":
		return m.compileScript(scriptUnit{
			main:      main,
			ref:       ref,
			typ:       TypeJavaScript,
			code:      source.Code,
			dynamic:   dynamic,
			loader:    loader,
			cache:     source.CodeCache,
			sourceMap: source.SourceMap,
		})
	case TypeWasm:
		return m.compileWasm(main, ref, source, dynamic, loader)
	case TypeJSON:
		exports, err := m.jsonExports(ref.Specifier, source.Code)
		return m.synthetic(main, ref, TypeJSON, exports, err)
	case TypeText:
		return m.synthetic(main, ref, TypeText, textExports(m.rt, source.Code), nil)
	case TypeBytes:
		exports, err := m.bytesExports(source.Code)
		return m.synthetic(main, ref, TypeBytes, exports, err)
	default:
		return m.compileCustom(main, typ, ref, source, dynamic, loader)
	}
}

func (m *ModuleMap) synthetic(main bool, ref ModuleReference, typ ModuleType, exports []Export, err error) (ModuleID, error) {
	if err != nil {
		return InvalidModuleID, err
	}
	id, err := m.buildSynthetic(ref, typ, exports)
	if err != nil {
		return InvalidModuleID, err
	}
	return m.promote(main, ref, id)
}

// promote flags a registered module as the main module.
func (m *ModuleMap) promote(main bool, ref ModuleReference, id ModuleID) (ModuleID, error) {
	if !main {
		return id, nil
	}
	info := m.registry.Info(id)
	return m.registry.Register(ref, info.Type, m.registry.Record(id), true, nil)
}

func (m *ModuleMap) compileScript(u scriptUnit) (ModuleID, error) {
	specifier := u.ref.Specifier
	hashed := u.hashed
	if hashed == nil {
		hashed = u.code
	}
	entry, err := decodeCodeCache(u.cache, hashed)
	if err != nil {
		m.logger.Debug("code cache rejected", "specifier", specifier, "error", err)
	}

	prg, err := sobek.Parse(specifier, string(u.code), parser.IsModule, parser.WithDisableSourceMaps)
	if err != nil {
		return InvalidModuleID, &ModuleError{Specifier: specifier, Exception: true, Err: err}
	}
	record, err := sobek.ModuleFromAST(prg, m.resolve)
	if err != nil {
		return InvalidModuleID, &ModuleError{Specifier: specifier, Exception: true, Err: err}
	}

	raws := record.RequestedModules()
	var requests []ModuleRequest
	if entry != nil {
		if requests = m.cachedRequests(u, entry, raws); requests == nil && len(raws) > 0 {
			m.logger.Debug("code cache rejected", "specifier", specifier, "error", "requests changed")
			entry = nil
		}
	}
	if entry == nil {
		if requests, err = m.extractRequests(u, raws); err != nil {
			return InvalidModuleID, err
		}
	}

	sourceMapURL := SourceMappingURL(u.code)
	if entry != nil && sourceMapURL == "" {
		sourceMapURL = entry.SourceMapURL
	}
	sourceMapURL = m.loadSourceMap(specifier, sourceMapURL, u.sourceMap)

	id, err := m.registry.Register(u.ref, u.typ, record, u.main, requests)
	if err != nil {
		return InvalidModuleID, err
	}
	m.registry.setMeta(id, prg.HasTLA, sourceMapURL, false)
	if bindings := importBindings(prg); len(bindings) > 0 {
		m.imports[id] = bindings
	}
	m.logger.Debug("registered module", "specifier", specifier, "type", u.typ, "id", id, "requests", len(requests))

	if u.cache != nil && entry == nil && !m.snapshot {
		data, err := encodeCodeCache(hashed, requests, prg.HasTLA, sourceMapURL, u.wasm)
		if err != nil {
			m.logger.Warn("failed to create code cache", "specifier", specifier, "error", err)
		} else {
			m.scheduleCodeCache(u.loader, specifier, u.cache.Hash, data)
		}
	}
	return id, nil
}

// cachedRequests returns the requests of the code cache, nil if they
// do not match the requested modules of the record or no longer resolve
// to the same modules.
func (m *ModuleMap) cachedRequests(u scriptUnit, entry *codeCacheEntry, raws []string) []ModuleRequest {
	specifier := u.ref.Specifier
	requests := entry.requests()
	if len(requests) != len(raws) {
		return nil
	}
	kind := KindImport
	if u.dynamic {
		kind = KindDynamicImport
	}
	for i, req := range requests {
		if req.Raw != raws[i] {
			return nil
		}
		if isExt(req.Reference.Specifier) && !isPrivilegedReferrer(specifier) {
			return nil
		}
		if override, ok := u.overrides[req.Raw]; ok {
			if override.Reference != req.Reference {
				return nil
			}
			continue
		}
		resolved, err := m.resolveWith(u.loader, req.Raw, specifier, kind)
		if err != nil || resolved != req.Reference.Specifier {
			return nil
		}
		requested, err := m.requestedType(specifier, req.Raw, resolved)
		if err != nil || requested != req.Reference.RequestedType {
			return nil
		}
	}
	return requests
}

// extractRequests resolves the requested modules of the record.
func (m *ModuleMap) extractRequests(u scriptUnit, raws []string) ([]ModuleRequest, error) {
	kind := KindImport
	if u.dynamic {
		kind = KindDynamicImport
	}
	specifier := u.ref.Specifier
	requests := make([]ModuleRequest, 0, len(raws))
	for _, raw := range raws {
		if req, ok := u.overrides[raw]; ok {
			requests = append(requests, req)
			continue
		}
		resolved, err := m.resolveWith(u.loader, raw, specifier, kind)
		if err != nil {
			return nil, err
		}
		requested, err := m.requestedType(specifier, raw, resolved)
		if err != nil {
			return nil, err
		}
		requests = append(requests, ModuleRequest{
			Reference: ModuleReference{Specifier: resolved, RequestedType: requested},
			Raw:       raw,
			Offset:    specifierOffset(u.code, raw),
			Phase:     PhaseEvaluation,
		})
	}
	return requests, nil
}

func specifierOffset(code []byte, raw string) int {
	for _, q := range []string{`"`, `'`} {
		if i := bytes.Index(code, []byte(q+raw+q)); i >= 0 {
			return i + 1
		}
	}
	return -1
}

const sourceMappingPrefix = "//# sourceMappingURL="

// SourceMappingURL returns the location of the last sourceMappingURL comment of the code.
func SourceMappingURL(code []byte) string {
	i := bytes.LastIndex(code, []byte(sourceMappingPrefix))
	if i < 0 {
		return ""
	}
	line := code[i+len(sourceMappingPrefix):]
	if end := bytes.IndexAny(line, "\r\n"); end >= 0 {
		line = line[:end]
	}
	return string(bytes.TrimSpace(line))
}

// loadSourceMap records the source map of a module, it returns the
// location resolved against the module specifier.
func (m *ModuleMap) loadSourceMap(specifier, location string, data []byte) string {
	if location == "" && data == nil {
		return ""
	}
	mapURL := specifier
	if strings.HasPrefix(location, "data:") {
		_, encoded, ok := strings.Cut(location, ",")
		if !ok {
			return location
		}
		decoded, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			m.logger.Debug("invalid inline source map", "specifier", specifier, "error", err)
			return location
		}
		data = decoded
	} else if location != "" {
		if base, err := url.Parse(specifier); err == nil {
			if ref, err := url.Parse(location); err == nil {
				location = base.ResolveReference(ref).String()
			}
		}
		mapURL = location
	}
	if data == nil {
		return location
	}
	consumer, err := sourcemap.Parse(mapURL, data)
	if err != nil {
		m.logger.Debug("invalid source map", "specifier", specifier, "error", err)
		return location
	}
	m.sourceMaps[specifier] = consumer
	return location
}

// SourceMap returns the parsed source map of a registered module.
func (m *ModuleMap) SourceMap(specifier string) (*sourcemap.Consumer, bool) {
	consumer, ok := m.sourceMaps[specifier]
	return consumer, ok
}

// compileWasm registers the shim script module of a Wasm module, the shim
// imports the module source through a source phase request of itself.
func (m *ModuleMap) compileWasm(main bool, ref ModuleReference, source *ModuleSource, dynamic bool, loader Loader) (ModuleID, error) {
	entry, _ := decodeCodeCache(source.CodeCache, source.Code)
	var surface *wasmSurface
	if entry != nil && entry.Wasm != nil {
		surface = entry.Wasm
	} else {
		engine, err := m.wasmRuntime()
		if err != nil {
			return InvalidModuleID, &ModuleError{Specifier: ref.Specifier, Err: err}
		}
		if surface, err = engine.analyze(m.ctx, source.Code); err != nil {
			return InvalidModuleID, &ModuleError{Specifier: ref.Specifier, Err: err}
		}
	}

	value, err := m.wasmSourceObject(ref.Specifier, source.Code, surface)
	if err != nil {
		return InvalidModuleID, &ModuleError{Specifier: ref.Specifier, Err: err}
	}
	self := ModuleReference{Specifier: ref.Specifier}
	m.registry.PutSource(self, value)

	return m.compileScript(scriptUnit{
		main:    main,
		ref:     ref,
		typ:     TypeWasm,
		code:    []byte(renderWasmShim(ref.Specifier, surface)),
		dynamic: dynamic,
		loader:  loader,
		cache:   source.CodeCache,
		hashed:  source.Code,
		overrides: map[string]ModuleRequest{
			ref.Specifier: {Reference: self, Raw: ref.Specifier, Offset: -1, Phase: PhaseSource},
		},
		wasm: surface,
	})
}

// compileCustom delegates host defined module types to the CustomModuleFunc.
func (m *ModuleMap) compileCustom(main bool, typ ModuleType, ref ModuleReference, source *ModuleSource, dynamic bool, loader Loader) (ModuleID, error) {
	var (
		result CustomModuleResult
		err    error
	)
	if callErr := m.call(m.context(), func() {
		result, err = m.custom(m.rt, string(typ), ref.Specifier, source.Code)
	}); callErr != nil {
		err = callErr
	}
	if err != nil {
		var js *JSError
		return InvalidModuleID, &ModuleError{Specifier: ref.Specifier, Exception: errors.As(err, &js), Err: err}
	}
	if result.Source == "" {
		return m.synthetic(main, ref, typ, syntheticExportsOf(result.Value), nil)
	}

	synthetic := ModuleReference{Specifier: ref.Specifier, RequestedType: RequestedModuleType(result.SyntheticType)}
	if synthetic == ref || result.SyntheticType == "" {
		return InvalidModuleID, &ModuleError{
			Specifier: ref.Specifier,
			Err:       fmt.Errorf("%w: synthetic type %q of %s module", ErrInvalidModule, result.SyntheticType, typ),
		}
	}
	if _, err = m.buildSynthetic(synthetic, ModuleType(result.SyntheticType), syntheticExportsOf(result.Value)); err != nil {
		return InvalidModuleID, err
	}
	return m.compileScript(scriptUnit{
		main:    main,
		ref:     ref,
		typ:     typ,
		code:    []byte(result.Source),
		dynamic: dynamic,
		loader:  loader,
		cache:   source.CodeCache,
		hashed:  source.Code,
		overrides: map[string]ModuleRequest{
			ref.Specifier: {Reference: synthetic, Raw: ref.Specifier, Offset: -1, Phase: PhaseEvaluation},
		},
	})
}

// InstantiateModule links the module graph of a registered module.
// Instantiating an instantiated module, or one being instantiated, is a no-op.
func (m *ModuleMap) InstantiateModule(id ModuleID) error {
	if m.terminating.Load() {
		return ErrExecutionTerminated
	}
	if !m.registry.Has(id) {
		return fmt.Errorf("%w: module %d is not registered", ErrInvalidModule, id)
	}
	if m.registry.Status(id) >= StatusInstantiated {
		return nil
	}
	if _, ok := m.instantiating[id]; ok {
		return nil
	}
	m.instantiating[id] = struct{}{}
	defer delete(m.instantiating, id)

	record := m.registry.Record(id)
	var linkErr error
	err := m.call(m.context(), func() { linkErr = record.Link() })
	if err == nil {
		err = linkErr
	}
	if err != nil {
		if errors.Is(err, ErrExecutionTerminated) {
			return err
		}
		var (
			ex *sobek.Exception
			js *JSError
		)
		exception := errors.As(err, &ex) || errors.As(err, &js)
		return &ModuleError{Specifier: m.registry.Info(id).Specifier, Exception: exception, Err: NewJSError(err)}
	}
	if err = m.checkImports(id); err != nil {
		return err
	}
	m.markReachable(id, StatusInstantiated)
	return nil
}

// importBinding is a named or default import of a module.
type importBinding struct {
	raw  string
	name string
}

func importBindings(prg *ast.Program) []importBinding {
	var bindings []importBinding
	for _, decl := range prg.ImportEntries {
		if decl.FromClause == nil || decl.ImportClause == nil {
			continue
		}
		raw := decl.FromClause.ModuleSpecifier.String()
		if named := decl.ImportClause.NamedImports; named != nil {
			for _, spec := range named.ImportsList {
				bindings = append(bindings, importBinding{raw: raw, name: spec.IdentifierName.String()})
			}
		}
		if decl.ImportClause.ImportedDefaultBinding != nil {
			bindings = append(bindings, importBinding{raw: raw, name: "default"})
		}
	}
	return bindings
}

// checkImports resolves the import bindings of the modules about to be
// instantiated, sobek only reports a missing export on evaluation.
func (m *ModuleMap) checkImports(id ModuleID) error {
	var failed error
	visited := make(map[ModuleID]struct{})
	stack := []ModuleID{id}
	for len(stack) > 0 && failed == nil {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[cur]; ok || m.registry.Status(cur) >= StatusInstantiated {
			continue
		}
		visited[cur] = struct{}{}
		info := m.registry.Info(cur)
		deps := make(map[string]ModuleID, len(info.Requests))
		for _, req := range info.Requests {
			if req.Phase == PhaseSource {
				continue
			}
			if dep, ok := m.registry.Lookup(req.Reference.Specifier, req.Reference.RequestedType); ok {
				deps[req.Raw] = dep
				stack = append(stack, dep)
			}
		}
		for _, b := range m.imports[cur] {
			dep, ok := deps[b.raw]
			if !ok {
				continue
			}
			var (
				resolved  *sobek.ResolvedBinding
				ambiguous bool
			)
			record := m.registry.Record(dep)
			if err := m.call(m.context(), func() { resolved, ambiguous = record.ResolveExport(b.name) }); err != nil {
				failed = &ModuleError{Specifier: info.Specifier, Exception: true, Err: NewJSError(err)}
				break
			}
			switch {
			case ambiguous:
				failed = &ModuleError{Specifier: info.Specifier, Exception: true, Err: &JSError{
					Message: fmt.Sprintf("SyntaxError: The requested module %q contains conflicting star exports for name %q", b.raw, b.name),
				}}
			case resolved == nil:
				failed = &ModuleError{Specifier: info.Specifier, Exception: true, Err: &JSError{
					Message: fmt.Sprintf("SyntaxError: The requested module %q does not provide an export named %q", b.raw, b.name),
				}}
			}
			if failed != nil {
				break
			}
		}
	}
	return failed
}

// markReachable advances the status of the module and its static imports.
func (m *ModuleMap) markReachable(id ModuleID, status ModuleStatus) {
	visited := make(map[ModuleID]struct{})
	stack := []ModuleID{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := visited[cur]; ok {
			continue
		}
		visited[cur] = struct{}{}
		m.registry.SetStatus(cur, status)
		for _, req := range m.registry.Info(cur).Requests {
			if req.Phase == PhaseSource {
				continue
			}
			if dep, ok := m.registry.Lookup(req.Reference.Specifier, req.Reference.RequestedType); ok {
				stack = append(stack, dep)
			}
		}
	}
}
