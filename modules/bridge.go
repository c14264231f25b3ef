package modules

import (
	"context"
	"fmt"

	"github.com/grafana/sobek"
)

// resolve is the sobek.HostResolveImportedModuleFunc of every compiled module.
// The engine calls it while linking and evaluating, the import was already
// resolved with the loader when the referrer was compiled, so it only
// looks up the recorded request in the registry.
func (m *ModuleMap) resolve(referrer any, specifier string) (sobek.ModuleRecord, error) {
	name := m.referrerName(referrer)
	if record, ok := referrer.(sobek.ModuleRecord); ok {
		if id, ok := m.registry.IDOf(record); ok {
			for _, req := range m.registry.Info(id).Requests {
				if req.Raw != specifier {
					continue
				}
				if req.Phase == PhaseSource {
					return m.supplySource(name, req)
				}
				return m.lookup(name, specifier, req.Reference)
			}
		}
	}

	resolved, err := m.resolveWith(m.loader, specifier, name, KindImport)
	if err != nil {
		return nil, err
	}
	requested, err := m.requestedType(name, specifier, resolved)
	if err != nil {
		return nil, err
	}
	return m.lookup(name, specifier, ModuleReference{resolved, requested})
}

func (m *ModuleMap) lookup(referrer, specifier string, ref ModuleReference) (sobek.ModuleRecord, error) {
	id, ok := m.registry.Lookup(ref.Specifier, ref.RequestedType)
	if !ok {
		return nil, &ResolutionError{
			Specifier: specifier,
			Referrer:  referrer,
			Err:       fmt.Errorf("%w: %s is not loaded", ErrNotFoundModule, ref),
		}
	}
	return m.registry.Record(id), nil
}

// supplySource returns a synthetic module exporting the source object of a
// source phase import as default. It never loads.
func (m *ModuleMap) supplySource(referrer string, req ModuleRequest) (sobek.ModuleRecord, error) {
	ref := req.Reference
	ref.Specifier = m.registry.Canonical(ref.Specifier, ref.RequestedType)
	record, ok := m.registry.sourceRecord(ref, func(value sobek.Value) sobek.ModuleRecord {
		return m.newSynthetic(ref.Specifier, []Export{{Name: "default", Value: value}})
	})
	if !ok {
		return nil, &ResolutionError{
			Specifier: req.Raw,
			Referrer:  referrer,
			Err:       fmt.Errorf("ReferenceError: module source of %s is not available", ref),
		}
	}
	return record, nil
}

type importResult struct {
	record sobek.ModuleRecord
	// value is set for source phase imports
	value sobek.Value
	err   error
}

// promiseController settles the promise of a dynamic import, only the
// first settle has effect.
type promiseController interface {
	settle(importResult)
}

// engineController settles an import() expression through the engine.
type engineController struct {
	m          *ModuleMap
	referrer   any
	specifier  sobek.Value
	capability any
	settled    bool
}

func (c *engineController) settle(r importResult) {
	if c.settled {
		return
	}
	c.settled = true
	m := c.m
	if r.err == nil && r.record == nil && r.value != nil {
		r.record = m.newSynthetic(c.specifier.String(), []Export{{Name: "default", Value: r.value}})
	}
	err := m.call(m.ctx, func() {
		if r.err != nil {
			m.rt.FinishLoadingImportModule(c.referrer, c.specifier, c.capability, nil, m.rejection(r.err))
			return
		}
		m.rt.FinishLoadingImportModule(c.referrer, c.specifier, c.capability, r.record, nil)
	})
	if err != nil {
		m.logger.Warn("failed to settle dynamic import", "specifier", c.specifier.String(), "error", err)
	}
}

// goController settles a promise created by LoadDynamicImport.
type goController struct {
	m       *ModuleMap
	resolve func(any) error
	reject  func(any) error
	settled bool
}

func (c *goController) settle(r importResult) {
	if c.settled {
		return
	}
	c.settled = true
	m := c.m
	value, err := r.value, r.err
	if err == nil && value == nil {
		value, err = m.namespace(r.record)
	}
	if err != nil {
		_ = c.reject(m.rejection(err))
		return
	}
	_ = c.resolve(value)
}

// dynamicImportState is a dynamic import waiting for preparation.
type dynamicImportState struct {
	loadID     int
	ctx        context.Context
	phase      ImportPhase
	specifier  string
	referrer   string
	controller promiseController
	prepared   bool
	prepareErr error
}

type dynamicKey struct {
	ref   ModuleReference
	phase ImportPhase
}

// importModuleDynamically is the dynamic import hook of the runtime.
func (m *ModuleMap) importModuleDynamically(referrer any, specifier sobek.Value, capability any) {
	c := &engineController{m: m, referrer: referrer, specifier: specifier, capability: capability}
	m.enqueueDynamicImport(m.context(), specifier.String(), m.referrerName(referrer), PhaseEvaluation, c)
}

// LoadDynamicImport imports the module like import(), it returns a promise
// of the namespace, or of the source object for PhaseSource.
func (m *ModuleMap) LoadDynamicImport(ctx context.Context, specifier, referrer string, phase ImportPhase) *sobek.Promise {
	promise, resolve, reject := m.rt.NewPromise()
	c := &goController{m: m, resolve: resolve, reject: reject}
	m.enqueueDynamicImport(ctx, specifier, referrer, phase, c)
	return promise
}

func (m *ModuleMap) enqueueDynamicImport(ctx context.Context, specifier, referrer string, phase ImportPhase, c promiseController) {
	s := &dynamicImportState{
		loadID:     m.registry.NextLoadID(),
		ctx:        ctx,
		phase:      phase,
		specifier:  specifier,
		referrer:   referrer,
		controller: c,
	}
	m.logger.Debug("dynamic import", "specifier", specifier, "referrer", referrer, "phase", phase, "load", s.loadID)
	m.preparing = append(m.preparing, s)

	preparer, ok := m.loader.(Preparer)
	if !ok {
		s.prepared = true
		return
	}
	m.spawn(func() func() {
		err := preparer.Prepare(ctx, specifier, referrer, true)
		return func() { s.prepared, s.prepareErr = true, err }
	})
}

// pollPreparing starts the prepared dynamic imports in request order.
func (m *ModuleMap) pollPreparing() bool {
	if len(m.preparing) == 0 {
		return false
	}
	queue := m.preparing
	m.preparing = nil
	var (
		rest     []*dynamicImportState
		progress bool
	)
	for _, s := range queue {
		if !s.prepared {
			rest = append(rest, s)
			continue
		}
		progress = true
		m.startDynamicImport(s)
	}
	m.preparing = append(rest, m.preparing...)
	return progress
}

func (m *ModuleMap) startDynamicImport(s *dynamicImportState) {
	if m.terminating.Load() {
		s.controller.settle(importResult{err: ErrExecutionTerminated})
		return
	}
	if s.prepareErr != nil {
		s.controller.settle(importResult{err: s.prepareErr})
		return
	}
	resolved, err := m.Resolve(s.specifier, s.referrer, KindDynamicImport)
	if err != nil {
		s.controller.settle(importResult{err: err})
		return
	}
	requested, err := m.requestedType(s.referrer, s.specifier, resolved)
	if err != nil {
		s.controller.settle(importResult{err: err})
		return
	}
	ref := ModuleReference{resolved, requested}

	if s.phase == PhaseSource {
		if value, ok := m.registry.Source(ModuleReference{m.registry.Canonical(resolved, requested), RequestedNone}); ok {
			s.controller.settle(importResult{value: value})
			return
		}
	} else if id, ok := m.registry.Lookup(resolved, requested); ok {
		switch m.registry.Status(id) {
		case StatusEvaluated:
			if _, pending := m.evaluations[id]; pending {
				m.tlaWaiters[id] = append(m.tlaWaiters[id], s.controller)
				return
			}
			s.controller.settle(importResult{record: m.registry.Record(id)})
			return
		case StatusErrored:
			s.controller.settle(importResult{err: m.registry.Err(id)})
			return
		case StatusInstantiated:
			m.evaluateDynamic(s.ctx, s.loadID, id, []promiseController{s.controller})
			return
		}
	}

	key := dynamicKey{ref, s.phase}
	if l, ok := m.dynamicLoads[key]; ok {
		l.waiters = append(l.waiters, s.controller)
		return
	}
	l := m.newLoad(loadDynamic, ref, s.referrer, s.ctx)
	l.id = s.loadID
	l.phase = s.phase
	l.waiters = []promiseController{s.controller}
	m.dynamicLoads[key] = l
	m.startLoad(l)
}
