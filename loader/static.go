package loader

import (
	"context"
	"fmt"
	"io/fs"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/shiroyk/esmgraph/modules"
)

// Static serves the modules added to it, the specifiers are URLs
// resolved against "file:///".
type Static struct {
	mu         sync.RWMutex
	sources    map[string]staticSource
	redirects  map[string]string
	codeCaches map[string]modules.CodeCache
	loads      map[string]int
	async      bool
	prepare    func(specifier, referrer string) error
}

type staticSource struct {
	typ  modules.ModuleType
	code []byte
}

var staticBase = &url.URL{Scheme: "file", Path: "/"}

// NewStatic returns an empty Static loader.
func NewStatic() *Static {
	return &Static{
		sources:    make(map[string]staticSource),
		redirects:  make(map[string]string),
		codeCaches: make(map[string]modules.CodeCache),
		loads:      make(map[string]int),
	}
}

// Add the module source of the specifier.
func (s *Static) Add(specifier string, typ modules.ModuleType, code string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sources[s.key(specifier)] = staticSource{typ, []byte(code)}
	return s
}

// AddJS the JavaScript source of the specifier.
func (s *Static) AddJS(specifier, code string) *Static {
	return s.Add(specifier, modules.TypeJavaScript, code)
}

// Redirect the specifier to another one, the loaded source
// reports the target as the found specifier.
func (s *Static) Redirect(from, to string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.redirects[s.key(from)] = s.key(to)
	return s
}

// Async loads the sources in new goroutines.
func (s *Static) Async(async bool) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.async = async
	return s
}

// OnPrepare sets the function called before a dynamic import is loaded.
func (s *Static) OnPrepare(fn func(specifier, referrer string) error) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prepare = fn
	return s
}

// Loads returns how many times the specifier was loaded.
func (s *Static) Loads(specifier string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loads[s.key(specifier)]
}

// CodeCache returns the code cache stored for the specifier.
func (s *Static) CodeCache(specifier string) (modules.CodeCache, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cache, ok := s.codeCaches[s.key(specifier)]
	return cache, ok
}

func (s *Static) key(specifier string) string {
	if isBuiltin(specifier) {
		return specifier
	}
	u, err := url.Parse(specifier)
	if err != nil || u.Scheme != "" {
		return specifier
	}
	return staticBase.ResolveReference(u).String()
}

// Resolve the specifier against the referrer.
func (s *Static) Resolve(specifier, referrer string, _ modules.ResolutionKind) (string, error) {
	if isBuiltin(specifier) {
		return specifier, nil
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return "", fmt.Errorf("%w: %w", modules.ErrIllegalModuleName, err)
	}
	if ref.Scheme != "" {
		return ref.String(), nil
	}
	base := staticBase
	if referrer != "" && !isBuiltin(referrer) {
		if u, err := url.Parse(referrer); err == nil && u.Scheme != "" {
			base = u
		}
	}
	return base.ResolveReference(ref).String(), nil
}

// Load the source of the specifier.
func (s *Static) Load(_ context.Context, specifier string, options modules.LoadOptions) modules.ModuleLoadResponse {
	s.mu.Lock()
	s.loads[specifier]++
	async := s.async
	s.mu.Unlock()

	load := func() (*modules.ModuleSource, error) {
		if isBuiltin(specifier) {
			if _, ok := modules.Get(specifier); ok {
				return modules.NewModuleSource(modules.NativeType, specifier, nil), nil
			}
		}
		s.mu.RLock()
		defer s.mu.RUnlock()
		found := specifier
		for i := 0; i < 8; i++ {
			target, ok := s.redirects[found]
			if !ok {
				break
			}
			found = target
		}
		src, ok := s.sources[found]
		if !ok {
			return nil, nil
		}
		hash := xxhash.Sum64(src.code)
		cache := &modules.CodeCache{Hash: hash}
		if stored, ok := s.codeCaches[found]; ok && stored.Hash == hash {
			cache.Data = stored.Data
		}
		return &modules.ModuleSource{
			Code:      src.code,
			Type:      src.typ,
			Specified: specifier,
			Found:     found,
			CodeCache: cache,
		}, nil
	}
	if async && !options.Synchronous {
		return modules.Async(load)
	}
	return modules.Ready(load())
}

// Prepare calls the OnPrepare function.
func (s *Static) Prepare(_ context.Context, specifier, referrer string, _ bool) error {
	s.mu.RLock()
	prepare := s.prepare
	s.mu.RUnlock()
	if prepare == nil {
		return nil
	}
	return prepare(specifier, referrer)
}

// CodeCacheReady stores the code cache of the specifier.
func (s *Static) CodeCacheReady(_ context.Context, specifier string, hash uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codeCaches[specifier] = modules.CodeCache{Hash: hash, Data: data}
	return nil
}

// Embedded serves the "ext:" modules of a file system synchronously,
// "ext:<path>" is the file at path. Registered Go modules without a
// file are served as native modules.
type Embedded struct {
	fsys fs.FS
}

// NewEmbedded returns a new Embedded loader of the file system.
func NewEmbedded(fsys fs.FS) *Embedded { return &Embedded{fsys} }

// Resolve the specifier, relative specifiers are only allowed from "ext:" modules.
func (e *Embedded) Resolve(specifier, referrer string, _ modules.ResolutionKind) (string, error) {
	if isBuiltin(specifier) {
		return specifier, nil
	}
	if isRelative(specifier) && strings.HasPrefix(referrer, "ext:") {
		dir := path.Dir("/" + strings.TrimPrefix(referrer, "ext:"))
		return "ext:" + strings.TrimPrefix(path.Join(dir, specifier), "/"), nil
	}
	return "", fmt.Errorf("%w: %s is not an embedded module", modules.ErrNotFoundModule, specifier)
}

// Load the embedded module, it is always available synchronously.
func (e *Embedded) Load(_ context.Context, specifier string, _ modules.LoadOptions) modules.ModuleLoadResponse {
	name, ok := strings.CutPrefix(specifier, "ext:")
	if ok {
		if code, err := fs.ReadFile(e.fsys, name); err == nil {
			return modules.Ready(modules.NewModuleSource(typeOf(name, ""), specifier, code), nil)
		}
	}
	if _, ok := modules.Get(specifier); ok {
		return modules.Ready(modules.NewModuleSource(modules.NativeType, specifier, nil), nil)
	}
	return modules.Ready(nil, nil)
}
