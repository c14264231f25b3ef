package modules

import (
	"context"
	"errors"
	"fmt"
)

type loadKind uint8

const (
	loadMain loadKind = iota
	loadSide
	loadDynamic
)

func (k loadKind) String() string {
	switch k {
	case loadMain:
		return "main"
	case loadSide:
		return "side"
	default:
		return "dynamic"
	}
}

type loadState uint8

const (
	statePending loadState = iota
	stateFetching
	stateRegistering
	stateRecursing
	stateDone
	stateFailed
)

func (s loadState) String() string {
	switch s {
	case stateFetching:
		return "fetching"
	case stateRegistering:
		return "registering"
	case stateRecursing:
		return "recursing"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return "pending"
	}
}

// recursiveLoad is one walk over a module graph.
type recursiveLoad struct {
	id       int
	kind     loadKind
	phase    ImportPhase
	root     ModuleReference
	rootID   ModuleID
	referrer string
	ctx      context.Context
	loader   Loader
	embedded bool
	// code of the root module given inline
	code []byte

	state   loadState
	visited map[ModuleReference]struct{}
	seen    map[ModuleID]struct{}
	pending int
	err     error
	waiters []promiseController
}

func (l *recursiveLoad) finished() bool { return l.state == stateDone || l.state == stateFailed }

type fetchKey struct {
	ref      ModuleReference
	embedded bool
}

// fetchState is a loader fetch shared by every load requesting the same module.
type fetchState struct {
	key      fetchKey
	referrer string
	loads    []*recursiveLoad
}

func (m *ModuleMap) newLoad(kind loadKind, root ModuleReference, referrer string, ctx context.Context) *recursiveLoad {
	return &recursiveLoad{
		id:       m.registry.NextLoadID(),
		kind:     kind,
		root:     root,
		rootID:   InvalidModuleID,
		referrer: referrer,
		ctx:      ctx,
		loader:   m.loader,
		visited:  make(map[ModuleReference]struct{}),
		seen:     make(map[ModuleID]struct{}),
	}
}

// LoadMain loads the main module graph and instantiates it.
// If code is not nil it is used as the source of the main module.
func (m *ModuleMap) LoadMain(ctx context.Context, specifier string, code []byte) (ModuleID, error) {
	return m.loadRoot(ctx, loadMain, specifier, code)
}

// LoadSide loads a module graph which is not the main module and instantiates it.
// If code is not nil it is used as the source of the root module.
func (m *ModuleMap) LoadSide(ctx context.Context, specifier string, code []byte) (ModuleID, error) {
	return m.loadRoot(ctx, loadSide, specifier, code)
}

func (m *ModuleMap) loadRoot(ctx context.Context, kind loadKind, specifier string, code []byte) (ModuleID, error) {
	if m.terminating.Load() {
		return InvalidModuleID, ErrExecutionTerminated
	}
	resolutionKind := KindImport
	if kind == loadMain {
		resolutionKind = KindMainModule
	}
	resolved, err := m.Resolve(specifier, "", resolutionKind)
	if err != nil {
		return InvalidModuleID, err
	}
	requested, err := m.requestedType("", specifier, resolved)
	if err != nil {
		return InvalidModuleID, err
	}

	l := m.newLoad(kind, ModuleReference{resolved, requested}, "", ctx)
	l.code = code
	m.startLoad(l)

	for {
		if err = m.PollProgress(); err != nil {
			return InvalidModuleID, err
		}
		if l.finished() {
			break
		}
		if !m.Pending() {
			return InvalidModuleID, fmt.Errorf("loading %s stalled in state %s", resolved, l.state)
		}
		if err = m.Wait(ctx); err != nil {
			m.failLoad(l, err)
			return InvalidModuleID, err
		}
	}
	if l.err != nil {
		return InvalidModuleID, l.err
	}
	return l.rootID, nil
}

func (m *ModuleMap) startLoad(l *recursiveLoad) {
	m.loads[l.id] = l
	m.logger.Debug("start module load", "kind", l.kind, "specifier", l.root.Specifier, "load", l.id)

	if l.kind == loadMain {
		if id, ok := m.registry.Main(); ok {
			if existing := m.registry.Info(id).Specifier; existing != m.registry.Canonical(l.root.Specifier, l.root.RequestedType) {
				m.failLoad(l, &MainModuleAlreadyExistsError{Existing: existing, New: l.root.Specifier})
				return
			}
		}
	}

	l.state = stateFetching
	switch {
	case l.code != nil:
		l.visited[l.root] = struct{}{}
		l.pending++
		fs := &fetchState{key: fetchKey{l.root, l.embedded}, referrer: l.referrer, loads: []*recursiveLoad{l}}
		source := NewModuleSource(TypeJavaScript, l.root.Specifier, l.code)
		m.ready = append(m.ready, func() { m.fetched(fs, LoadResult{Source: source}) })
	default:
		if id, ok := m.registry.Lookup(l.root.Specifier, l.root.RequestedType); ok {
			if l.kind == loadMain {
				if _, err := m.registry.Register(l.root, m.registry.Info(id).Type, m.registry.Record(id), true, nil); err != nil {
					m.failLoad(l, err)
					return
				}
			}
			l.rootID = id
			l.state = stateRecursing
			m.recurse(l, id)
		} else {
			m.fetch(l, l.root, l.referrer)
		}
	}
	m.checkDone(l)
}

// fetch loads the module source, joining an in flight fetch of the same module.
func (m *ModuleMap) fetch(l *recursiveLoad, ref ModuleReference, referrer string) {
	l.visited[ref] = struct{}{}
	l.pending++
	key := fetchKey{ref, l.embedded}
	if fs, ok := m.fetches[key]; ok {
		fs.loads = append(fs.loads, l)
		return
	}
	fs := &fetchState{key: key, referrer: referrer, loads: []*recursiveLoad{l}}
	m.fetches[key] = fs

	m.logger.Debug("fetch module", "specifier", ref.Specifier, "type", ref.RequestedType, "referrer", referrer)
	res := l.loader.Load(l.ctx, ref.Specifier, LoadOptions{
		Dynamic:       l.kind == loadDynamic,
		Synchronous:   l.embedded,
		RequestedType: ref.RequestedType,
		Referrer:      referrer,
	})
	if res.Future == nil {
		result := res.LoadResult
		m.ready = append(m.ready, func() { m.fetched(fs, result) })
		return
	}
	ctx, future := l.ctx, res.Future
	m.spawn(func() func() {
		select {
		case result := <-future:
			return func() { m.fetched(fs, result) }
		case <-ctx.Done():
			return func() { m.fetched(fs, LoadResult{Err: ctx.Err()}) }
		}
	})
}

// fetched registers the fetched module once and continues every load waiting for it.
func (m *ModuleMap) fetched(fs *fetchState, result LoadResult) {
	if m.fetches[fs.key] == fs {
		delete(m.fetches, fs.key)
	}
	ref := fs.key.ref

	var (
		main, dynamic bool
		loader        Loader
	)
	for _, l := range fs.loads {
		if l.finished() {
			continue
		}
		l.state = stateRegistering
		main = main || (l.kind == loadMain && l.root == ref)
		dynamic = dynamic || l.kind == loadDynamic
		if loader == nil {
			loader = l.loader
		}
	}

	id, err := InvalidModuleID, result.Err
	if err == nil && loader != nil {
		id, err = m.registerSource(ref, result.Source, main, dynamic, loader, fs.referrer)
	}
	if err != nil && result.Err != nil {
		err = fmt.Errorf("loading module %s: %w", ref.Specifier, err)
	}

	for _, l := range fs.loads {
		l.pending--
		if l.finished() {
			continue
		}
		if err != nil {
			m.failLoad(l, err)
			continue
		}
		if ref == l.root {
			l.rootID = id
		}
		l.state = stateRecursing
		m.recurse(l, id)
		m.checkDone(l)
	}
}

// registerSource checks the delivered module type and compiles the source,
// a redirect is recorded as an alias of the canonical specifier.
func (m *ModuleMap) registerSource(ref ModuleReference, source *ModuleSource, main, dynamic bool, loader Loader, referrer string) (ModuleID, error) {
	if source == nil {
		return InvalidModuleID, &ResolutionError{Specifier: ref.Specifier, Referrer: referrer, Err: ErrNotFoundModule}
	}
	found := source.Found
	if found == "" {
		found = ref.Specifier
	}
	if found != ref.Specifier {
		m.logger.Debug("module redirected", "specified", ref.Specifier, "found", found)
		m.registry.Alias(ref.Specifier, ref.RequestedType, found)
	}
	canonical := ModuleReference{found, ref.RequestedType}
	if id, ok := m.registry.Lookup(found, ref.RequestedType); ok {
		if main {
			if _, err := m.registry.Register(canonical, m.registry.Info(id).Type, m.registry.Record(id), true, nil); err != nil {
				return InvalidModuleID, err
			}
		}
		return id, nil
	}
	if err := checkKind(canonical, source.Type); err != nil {
		return InvalidModuleID, err
	}
	return m.compileAndRegister(main, source.Type, canonical, source, dynamic, loader)
}

// checkKind reports whether the loaded module type satisfies the requested type.
func checkKind(ref ModuleReference, actual ModuleType) error {
	switch ref.RequestedType {
	case RequestedNone:
		switch actual {
		case TypeJavaScript, TypeWasm, "":
			return nil
		}
		if actual.IsOther() {
			return nil
		}
	case RequestedText, RequestedBytes:
		return nil
	case RequestedJSON:
		if actual == TypeJSON {
			return nil
		}
	default:
		if actual == ModuleType(ref.RequestedType) {
			return nil
		}
	}
	return &KindMismatchError{Specifier: ref.Specifier, Requested: ref.RequestedType, Actual: actual}
}

// recurse fetches the requests of the module which are not registered yet.
func (m *ModuleMap) recurse(l *recursiveLoad, id ModuleID) {
	if _, ok := l.seen[id]; ok {
		return
	}
	l.seen[id] = struct{}{}
	info := m.registry.Info(id)
	l.visited[ModuleReference{info.Specifier, info.RequestedType}] = struct{}{}

	for _, req := range info.Requests {
		ref := req.Reference
		if req.Phase == PhaseSource {
			if _, ok := m.registry.Source(ModuleReference{m.registry.Canonical(ref.Specifier, ref.RequestedType), RequestedNone}); ok {
				continue
			}
		}
		if dep, ok := m.registry.Lookup(ref.Specifier, ref.RequestedType); ok {
			m.recurse(l, dep)
			continue
		}
		if _, ok := l.visited[ref]; ok {
			continue
		}
		m.fetch(l, ref, info.Specifier)
	}
}

func (m *ModuleMap) checkDone(l *recursiveLoad) {
	if l.finished() || l.pending > 0 {
		return
	}
	l.state = stateDone
	delete(m.loads, l.id)
	m.logger.Debug("module load done", "kind", l.kind, "specifier", l.root.Specifier, "load", l.id)

	switch l.kind {
	case loadMain, loadSide:
		if err := m.InstantiateModule(l.rootID); err != nil {
			l.state, l.err = stateFailed, err
		}
	case loadDynamic:
		delete(m.dynamicLoads, dynamicKey{l.root, l.phase})
		waiters := l.waiters
		l.waiters = nil
		if l.phase == PhaseSource {
			specifier := m.registry.Info(l.rootID).Specifier
			value, ok := m.registry.Source(ModuleReference{specifier, RequestedNone})
			if !ok {
				err := fmt.Errorf("%w: %s has no module source", ErrInvalidModule, specifier)
				for _, c := range waiters {
					c.settle(importResult{err: err})
				}
				return
			}
			for _, c := range waiters {
				c.settle(importResult{value: value})
			}
			return
		}
		if err := m.InstantiateModule(l.rootID); err != nil {
			for _, c := range waiters {
				c.settle(importResult{err: err})
			}
			return
		}
		m.evaluateDynamic(l.ctx, l.id, l.rootID, waiters)
	}
}

func (m *ModuleMap) failLoad(l *recursiveLoad, err error) {
	if l.finished() {
		return
	}
	l.state, l.err = stateFailed, err
	delete(m.loads, l.id)
	if !errors.Is(err, ErrExecutionTerminated) {
		m.logger.Debug("module load failed", "kind", l.kind, "specifier", l.root.Specifier, "error", err)
	}
	if l.kind == loadDynamic {
		if m.dynamicLoads[dynamicKey{l.root, l.phase}] == l {
			delete(m.dynamicLoads, dynamicKey{l.root, l.phase})
		}
		waiters := l.waiters
		l.waiters = nil
		for _, c := range waiters {
			c.settle(importResult{err: err})
		}
	}
}
