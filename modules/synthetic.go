package modules

import (
	"fmt"
	"slices"

	"github.com/grafana/sobek"
)

// Export is a named export value of a synthetic module.
type Export struct {
	Name  string
	Value sobek.Value
}

// syntheticModule is a module with a fixed export list and no body.
// Its exports are kept in the ModuleMap side table until the
// first execution consumes them.
type syntheticModule struct {
	owner *ModuleMap
	name  string
	names []string
}

var _ sobek.CyclicModuleRecord = (*syntheticModule)(nil)

func (sm *syntheticModule) Link() error { return nil }

func (sm *syntheticModule) RequestedModules() []string { return nil }

func (sm *syntheticModule) InitializeEnvironment() error { return nil }

func (sm *syntheticModule) Instantiate(_ *sobek.Runtime) (sobek.CyclicModuleInstance, error) {
	return &syntheticInstance{module: sm}, nil
}

func (sm *syntheticModule) Evaluate(rt *sobek.Runtime) *sobek.Promise {
	return rt.CyclicModuleRecordEvaluate(sm, sm.owner.resolve)
}

func (sm *syntheticModule) GetExportedNames(callback func([]string), _ ...sobek.ModuleRecord) bool {
	callback(sm.names)
	return true
}

func (sm *syntheticModule) ResolveExport(exportName string, _ ...sobek.ResolveSetElement) (*sobek.ResolvedBinding, bool) {
	if !slices.Contains(sm.names, exportName) {
		return nil, false
	}
	return &sobek.ResolvedBinding{
		Module:      sm,
		BindingName: exportName,
	}, false
}

type syntheticInstance struct {
	module *syntheticModule
	values map[string]sobek.Value
}

func (si *syntheticInstance) GetBindingValue(name string) sobek.Value {
	if v, ok := si.values[name]; ok {
		return v
	}
	return sobek.Undefined()
}

func (si *syntheticInstance) HasTLA() bool { return false }

func (si *syntheticInstance) ExecuteModule(_ *sobek.Runtime, _, _ func(any) error) (sobek.CyclicModuleInstance, error) {
	if si.values != nil {
		return si, nil
	}
	exports, ok := si.module.owner.takeSyntheticExports(si.module)
	if !ok {
		return nil, fmt.Errorf("%w: exports of synthetic module %s already consumed", ErrInvalidModule, si.module.name)
	}
	si.values = make(map[string]sobek.Value, len(exports))
	for _, e := range exports {
		si.values[e.Name] = e.Value
	}
	return si, nil
}

func (m *ModuleMap) takeSyntheticExports(sm *syntheticModule) ([]Export, bool) {
	exports, ok := m.syntheticExports[sm]
	if ok {
		delete(m.syntheticExports, sm)
	}
	return exports, ok
}

func (m *ModuleMap) newSynthetic(name string, exports []Export) *syntheticModule {
	names := make([]string, 0, len(exports))
	for _, e := range exports {
		names = append(names, e.Name)
	}
	sm := &syntheticModule{owner: m, name: name, names: names}
	m.syntheticExports[sm] = exports
	return sm
}

// buildSynthetic registers a synthetic module and instantiates it at once.
func (m *ModuleMap) buildSynthetic(ref ModuleReference, typ ModuleType, exports []Export) (ModuleID, error) {
	sm := m.newSynthetic(ref.Specifier, exports)
	// a synthetic module has no requests, linking can not fail
	if err := sm.Link(); err != nil {
		panic(fmt.Sprintf("link synthetic module %s: %s", ref, err))
	}
	id, err := m.registry.Register(ref, typ, sm, false, nil)
	if err != nil {
		delete(m.syntheticExports, sm)
		return InvalidModuleID, err
	}
	if m.registry.Record(id) != sm {
		delete(m.syntheticExports, sm)
		return id, nil
	}
	m.registry.setMeta(id, false, "", true)
	m.registry.SetStatus(id, StatusInstantiated)
	m.logger.Debug("registered synthetic module", "specifier", ref.Specifier, "type", typ, "id", id)
	return id, nil
}

// syntheticExportsOf returns the default export and the own properties of an object value.
func syntheticExportsOf(value sobek.Value) []Export {
	exports := []Export{{Name: "default", Value: value}}
	if value == nil || sobek.IsUndefined(value) || sobek.IsNull(value) {
		return exports
	}
	obj, ok := value.(*sobek.Object)
	if !ok {
		return exports
	}
	for _, key := range obj.Keys() {
		if key == "default" {
			continue
		}
		exports = append(exports, Export{Name: key, Value: obj.Get(key)})
	}
	return exports
}

func (m *ModuleMap) jsonExports(specifier string, code []byte) ([]Export, error) {
	var (
		value sobek.Value
		err   error
	)
	m.scoped(func() {
		parse, ok := sobek.AssertFunction(m.rt.Get("JSON").ToObject(m.rt).Get("parse"))
		if !ok {
			err = fmt.Errorf("%w: JSON.parse is not a function", ErrInvalidModule)
			return
		}
		value, err = parse(sobek.Undefined(), m.rt.ToValue(string(code)))
	})
	if err != nil {
		return nil, &ModuleError{Specifier: specifier, Exception: true, Err: NewJSError(err)}
	}
	return []Export{{Name: "default", Value: value}}, nil
}

func (m *ModuleMap) bytesExports(code []byte) ([]Export, error) {
	var (
		value *sobek.Object
		err   error
	)
	m.scoped(func() {
		buf := m.rt.NewArrayBuffer(slices.Clone(code))
		value, err = m.rt.New(m.rt.Get("Uint8Array"), m.rt.ToValue(buf))
	})
	if err != nil {
		return nil, err
	}
	return []Export{{Name: "default", Value: value}}, nil
}

func textExports(rt *sobek.Runtime, code []byte) []Export {
	return []Export{{Name: "default", Value: rt.ToValue(string(code))}}
}
