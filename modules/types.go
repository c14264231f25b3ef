package modules

import (
	"context"
	"strings"
)

// ModuleID is the dense identity of a registered module.
type ModuleID int

// InvalidModuleID is returned alongside errors.
const InvalidModuleID ModuleID = -1

// ModuleType is the type of loaded module.
// Any value other than the predefined ones is a host defined type
// resolved by the CustomModuleFunc.
type ModuleType string

const (
	TypeJavaScript ModuleType = "javascript"
	TypeJSON       ModuleType = "json"
	TypeWasm       ModuleType = "wasm"
	TypeText       ModuleType = "text"
	TypeBytes      ModuleType = "bytes"
)

// Other returns a host defined module type.
func Other(tag string) ModuleType { return ModuleType(tag) }

// IsOther reports whether the type is host defined.
func (t ModuleType) IsOther() bool {
	switch t {
	case TypeJavaScript, TypeJSON, TypeWasm, TypeText, TypeBytes:
		return false
	}
	return t != ""
}

func (t ModuleType) String() string { return string(t) }

// Requested returns the RequestedModuleType that imports this module type
// without any coercion.
func (t ModuleType) Requested() RequestedModuleType {
	switch t {
	case TypeJavaScript, TypeWasm, "":
		return RequestedNone
	default:
		return RequestedModuleType(t)
	}
}

// RequestedModuleType is the module type asked for by an import, derived
// from its import attributes. It participates in lookup and alias keys.
type RequestedModuleType string

const (
	RequestedNone  RequestedModuleType = ""
	RequestedJSON  RequestedModuleType = "json"
	RequestedText  RequestedModuleType = "text"
	RequestedBytes RequestedModuleType = "bytes"
)

func (t RequestedModuleType) String() string {
	if t == RequestedNone {
		return "none"
	}
	return string(t)
}

// ImportPhase distinguishes what an import produces.
type ImportPhase uint8

const (
	// PhaseEvaluation imports the evaluated namespace.
	PhaseEvaluation ImportPhase = iota
	// PhaseSource imports the unevaluated source object.
	PhaseSource
	// PhaseDefer imports the namespace, evaluation may be deferred.
	PhaseDefer
)

func (p ImportPhase) String() string {
	switch p {
	case PhaseSource:
		return "source"
	case PhaseDefer:
		return "defer"
	default:
		return "evaluation"
	}
}

// ResolutionKind tells the loader why a specifier is being resolved.
type ResolutionKind uint8

const (
	KindImport ResolutionKind = iota
	KindDynamicImport
	KindMainModule
)

func (k ResolutionKind) String() string {
	switch k {
	case KindDynamicImport:
		return "dynamic import"
	case KindMainModule:
		return "main module"
	default:
		return "import"
	}
}

// ModuleStatus of a registered module. Status only moves forward.
type ModuleStatus uint8

const (
	StatusUninstantiated ModuleStatus = iota
	StatusInstantiated
	StatusEvaluated
	StatusErrored
)

func (s ModuleStatus) String() string {
	switch s {
	case StatusInstantiated:
		return "instantiated"
	case StatusEvaluated:
		return "evaluated"
	case StatusErrored:
		return "errored"
	default:
		return "uninstantiated"
	}
}

// ModuleReference is the key of a module: its canonical specifier and the
// type it was requested as.
type ModuleReference struct {
	Specifier     string
	RequestedType RequestedModuleType
}

func (r ModuleReference) String() string {
	if r.RequestedType == RequestedNone {
		return r.Specifier
	}
	return r.Specifier + " (" + string(r.RequestedType) + ")"
}

// ModuleRequest is an import found in a compiled module.
type ModuleRequest struct {
	Reference ModuleReference
	// Raw is the specifier text as written in the referrer.
	Raw string
	// Offset of the specifier in the referrer source, -1 if unknown.
	Offset int
	Phase  ImportPhase
}

// ModuleInfo describes a registered module.
type ModuleInfo struct {
	ID            ModuleID
	Specifier     string
	Type          ModuleType
	RequestedType RequestedModuleType
	Main          bool
	Requests      []ModuleRequest
	Status        ModuleStatus
	HasTLA        bool
	SourceMapURL  string
	Synthetic     bool
}

// CodeCache of a module source. Hash is supplied by the loader and keys
// the cache, Data is nil when the loader has no cache for the source yet.
type CodeCache struct {
	Hash uint64
	Data []byte
}

// ModuleSource is what a Loader delivers for a specifier.
type ModuleSource struct {
	Code []byte
	Type ModuleType
	// Specified is the specifier that was requested.
	Specified string
	// Found is the specifier after redirects, the canonical name.
	Found     string
	CodeCache *CodeCache
	// SourceMap data for an external sourceMappingURL, if the loader fetched it.
	SourceMap []byte
}

// NewModuleSource returns a source found at the specified name.
func NewModuleSource(typ ModuleType, specifier string, code []byte) *ModuleSource {
	return &ModuleSource{Code: code, Type: typ, Specified: specifier, Found: specifier}
}

// LoadOptions passed to Loader.Load.
type LoadOptions struct {
	Dynamic       bool
	Synchronous   bool
	RequestedType RequestedModuleType
	Referrer      string
}

// LoadResult of an asynchronous load.
type LoadResult struct {
	Source *ModuleSource
	Err    error
}

// ModuleLoadResponse is either an immediately available source or a
// future delivering one.
type ModuleLoadResponse struct {
	LoadResult
	Future <-chan LoadResult
}

// Ready returns an immediately available response.
func Ready(source *ModuleSource, err error) ModuleLoadResponse {
	return ModuleLoadResponse{LoadResult: LoadResult{Source: source, Err: err}}
}

// Async runs fn in a new goroutine and returns its future.
func Async(fn func() (*ModuleSource, error)) ModuleLoadResponse {
	ch := make(chan LoadResult, 1)
	go func() {
		defer func() {
			if x := recover(); x != nil {
				ch <- LoadResult{Err: panicError(x)}
			}
		}()
		source, err := fn()
		ch <- LoadResult{Source: source, Err: err}
	}()
	return ModuleLoadResponse{Future: ch}
}

// Loader is the pluggable source fetch pipeline.
type Loader interface {
	// Resolve the specifier against the referrer, returns the canonical specifier.
	Resolve(specifier, referrer string, kind ResolutionKind) (string, error)
	// Load the source of a resolved specifier.
	Load(ctx context.Context, specifier string, options LoadOptions) ModuleLoadResponse
}

// Preparer is implemented by loaders that want to prefetch before a
// dynamic import graph walk starts.
type Preparer interface {
	Prepare(ctx context.Context, specifier, referrer string, dynamic bool) error
}

// CodeCacheSink is implemented by loaders that persist code caches.
type CodeCacheSink interface {
	CodeCacheReady(ctx context.Context, specifier string, hash uint64, data []byte) error
}

// BootstrapReferrer is the referrer of modules loaded while bootstrapping
// the runtime, it may import "ext:" modules.
const BootstrapReferrer = "ext:bootstrap"

func isPrivilegedReferrer(referrer string) bool {
	return referrer == BootstrapReferrer ||
		strings.HasPrefix(referrer, "ext:") ||
		strings.HasPrefix(referrer, "node:")
}

func isExt(specifier string) bool { return strings.HasPrefix(specifier, "ext:") }
