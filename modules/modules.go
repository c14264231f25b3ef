package modules

import (
	"maps"
	"strings"
	"sync"

	"github.com/grafana/sobek"
)

// Module is a host module implemented in Go.
// Non global modules are served to JavaScript as synthetic modules of the
// "native" module type, their exports are the own properties of the
// instantiated value plus the value itself as the default export.
//
// Example implementation:
//
//	func init() {
//		// importable as "native:process"
//		modules.Register("process", new(Process))
//	}
//
//	type Process struct{}
//
//	func (Process) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
//		ret := rt.NewObject()
//		_ = ret.Set("pid", os.Getpid())
//		return ret, nil
//	}
type Module interface {
	Instantiate(*sobek.Runtime) (sobek.Value, error)
}

// Global implements the interface will load into global when the VM create.
type Global interface {
	Module
	Global() // mark as global module
}

// NativeType is the module type of registered Go modules.
const NativeType = ModuleType("native")

// NativePrefix prefix of the registered non global modules without a scheme.
const NativePrefix = "native:"

// Register registers a Module that can be imported in JavaScript code by the given name.
// If the Module implements Global, it will be loaded into the global scope when the VM is created.
// Otherwise, names without a scheme are prefixed with "native:", names starting
// with "ext:" or "node:" are kept as is.
func Register(name string, mod Module) {
	if _, ok := mod.(Global); !ok {
		name = NativeName(name)
	}
	natives.Lock()
	natives.modules[name] = mod
	natives.Unlock()
}

// NativeName returns the specifier of a non global module name.
func NativeName(name string) string {
	if strings.HasPrefix(name, NativePrefix) ||
		strings.HasPrefix(name, "ext:") ||
		strings.HasPrefix(name, "node:") {
		return name
	}
	return NativePrefix + name
}

// Get the module
func Get(name string) (Module, bool) {
	natives.RLock()
	defer natives.RUnlock()
	module, ok := natives.modules[name]
	return module, ok
}

// Remove the modules
func Remove(names ...string) {
	natives.Lock()
	for _, name := range names {
		delete(natives.modules, name)
	}
	natives.Unlock()
}

// All get all module
func All() map[string]Module {
	natives.RLock()
	defer natives.RUnlock()
	return maps.Clone(natives.modules)
}

// Globals get all global module
func Globals() map[string]Global {
	natives.RLock()
	defer natives.RUnlock()
	ret := make(map[string]Global)
	for name, mod := range natives.modules {
		if g, ok := mod.(Global); ok {
			ret[name] = g
		}
	}
	return ret
}

var natives = struct {
	sync.RWMutex
	modules map[string]Module
}{
	modules: make(map[string]Module),
}
