package modules

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/grafana/sobek"
)

// Registry is the canonical store of registered modules.
// It maps module references to identities, records aliases found during
// fetch and owns the compiled module records.
// All methods are leaves: they never call into the engine, so the lock
// is never held while the engine may re-enter.
type Registry struct {
	mu      sync.RWMutex
	entries []*entry
	byRef   map[ModuleReference]ModuleID
	byRec   map[sobek.ModuleRecord]ModuleID
	aliases map[ModuleReference]string
	sources map[ModuleReference]*sourceEntry
	main    ModuleID
	loadID  int
}

type entry struct {
	info   ModuleInfo
	record sobek.ModuleRecord
	err    error
}

type sourceEntry struct {
	value  sobek.Value
	record sobek.ModuleRecord
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	r := new(Registry)
	r.reset()
	return r
}

func (r *Registry) reset() {
	r.entries = nil
	r.byRef = make(map[ModuleReference]ModuleID)
	r.byRec = make(map[sobek.ModuleRecord]ModuleID)
	r.aliases = make(map[ModuleReference]string)
	r.sources = make(map[ModuleReference]*sourceEntry)
	r.main = InvalidModuleID
}

// Register a module record. Registering an already known reference returns
// the existing id and discards the given record.
// Only one module can be registered as main.
func (r *Registry) Register(ref ModuleReference, typ ModuleType, record sobek.ModuleRecord, main bool, requests []ModuleRequest) (ModuleID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if main && r.main != InvalidModuleID {
		if existing := r.entries[r.main].info; existing.Specifier != ref.Specifier {
			return InvalidModuleID, &MainModuleAlreadyExistsError{Existing: existing.Specifier, New: ref.Specifier}
		}
	}

	if id, ok := r.byRef[ref]; ok {
		if main && r.main == InvalidModuleID {
			r.main = id
			r.entries[id].info.Main = true
		}
		return id, nil
	}

	id := ModuleID(len(r.entries))
	r.entries = append(r.entries, &entry{
		info: ModuleInfo{
			ID:            id,
			Specifier:     ref.Specifier,
			Type:          typ,
			RequestedType: ref.RequestedType,
			Main:          main,
			Requests:      requests,
			Status:        StatusUninstantiated,
		},
		record: record,
	})
	r.byRef[ref] = id
	r.byRec[record] = id
	if main {
		r.main = id
	}
	return id, nil
}

// Alias records that the specified name was redirected to the canonical one.
func (r *Registry) Alias(specified string, requested RequestedModuleType, canonical string) {
	if specified == canonical {
		return
	}
	r.mu.Lock()
	r.aliases[ModuleReference{specified, requested}] = canonical
	r.mu.Unlock()
}

// Lookup the module id by the specifier, following aliases.
func (r *Registry) Lookup(specifier string, requested RequestedModuleType) (ModuleID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref := ModuleReference{specifier, requested}
	for range len(r.aliases) + 1 {
		if id, ok := r.byRef[ref]; ok {
			return id, true
		}
		canonical, ok := r.aliases[ref]
		if !ok {
			break
		}
		ref.Specifier = canonical
	}
	return InvalidModuleID, false
}

// Canonical returns the specifier after following aliases.
func (r *Registry) Canonical(specifier string, requested RequestedModuleType) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ref := ModuleReference{specifier, requested}
	for range len(r.aliases) {
		canonical, ok := r.aliases[ref]
		if !ok {
			break
		}
		ref.Specifier = canonical
	}
	return ref.Specifier
}

func (r *Registry) get(id ModuleID) *entry {
	if id < 0 || int(id) >= len(r.entries) {
		panic(fmt.Sprintf("module %d is not registered", id))
	}
	return r.entries[id]
}

// Has reports whether the id was handed out by this registry.
func (r *Registry) Has(id ModuleID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return id >= 0 && int(id) < len(r.entries)
}

// Record returns the module record of a registered module.
// It panics if the id was not handed out by this registry.
func (r *Registry) Record(id ModuleID) sobek.ModuleRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id).record
}

// Info returns a copy of the module info.
func (r *Registry) Info(id ModuleID) ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info := r.get(id).info
	info.Requests = slices.Clone(info.Requests)
	return info
}

// Status of the module.
func (r *Registry) Status(id ModuleID) ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id).info.Status
}

// SetStatus advances the module status, it returns false if the new status
// would move the module backwards.
func (r *Registry) SetStatus(id ModuleID, status ModuleStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(id)
	if status < e.info.Status {
		return false
	}
	e.info.Status = status
	return true
}

// SetError marks the module as errored with the evaluation error.
func (r *Registry) SetError(id ModuleID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(id)
	e.info.Status = StatusErrored
	e.err = err
}

// Err returns the evaluation error of an errored module.
func (r *Registry) Err(id ModuleID) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.get(id).err
}

func (r *Registry) setMeta(id ModuleID, hasTLA bool, sourceMapURL string, synthetic bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(id)
	e.info.HasTLA = hasTLA
	e.info.SourceMapURL = sourceMapURL
	e.info.Synthetic = synthetic
}

// IDOf returns the id of a registered module record.
func (r *Registry) IDOf(record sobek.ModuleRecord) (ModuleID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byRec[record]
	return id, ok
}

// Main returns the main module id.
func (r *Registry) Main() (ModuleID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.main, r.main != InvalidModuleID
}

// NextLoadID returns a new load id.
func (r *Registry) NextLoadID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadID++
	return r.loadID
}

// PutSource stores the source object of a module for source phase imports.
func (r *Registry) PutSource(ref ModuleReference, value sobek.Value) {
	r.mu.Lock()
	r.sources[ref] = &sourceEntry{value: value}
	r.mu.Unlock()
}

// Source returns the source object of a module.
func (r *Registry) Source(ref ModuleReference) (sobek.Value, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sources[ref]; ok {
		return s.value, true
	}
	return nil, false
}

func (r *Registry) sourceRecord(ref ModuleReference, build func(sobek.Value) sobek.ModuleRecord) (sobek.ModuleRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sources[ref]
	if !ok {
		return nil, false
	}
	if s.record == nil {
		s.record = build(s.value)
	}
	return s.record, true
}

// Len returns the number of registered modules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Graph returns the info of all registered modules ordered by id.
func (r *Registry) Graph() []ModuleInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]ModuleInfo, 0, len(r.entries))
	for _, e := range r.entries {
		info := e.info
		info.Requests = slices.Clone(info.Requests)
		ret = append(ret, info)
	}
	return ret
}

// Aliases returns a copy of the alias table.
func (r *Registry) Aliases() map[ModuleReference]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return maps.Clone(r.aliases)
}

// Clear drops every entry.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}
