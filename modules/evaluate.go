package modules

import (
	"context"
	"errors"
	"fmt"

	"github.com/grafana/sobek"
)

// evaluation is an in flight module evaluation.
type evaluation struct {
	id     ModuleID
	loadID int
	ctx    context.Context
	record sobek.CyclicModuleRecord

	promise  *sobek.Promise
	observed bool
	settled  bool
	err      error

	waiters     []chan<- error
	controllers []promiseController
}

// ModEvaluate evaluates the instantiated module, the returned channel
// receives the result once the evaluation promise settles.
// Evaluating an already evaluated module succeeds at once.
func (m *ModuleMap) ModEvaluate(ctx context.Context, id ModuleID) <-chan error {
	ch := make(chan error, 1)
	if m.terminating.Load() {
		ch <- ErrExecutionTerminated
		return ch
	}
	if !m.registry.Has(id) {
		ch <- fmt.Errorf("%w: module %d is not registered", ErrInvalidModule, id)
		return ch
	}
	switch m.registry.Status(id) {
	case StatusErrored:
		ch <- m.registry.Err(id)
		return ch
	case StatusEvaluated:
		if ev, ok := m.evaluations[id]; ok {
			ev.waiters = append(ev.waiters, ch)
			return ch
		}
		ch <- nil
		return ch
	}
	m.startEvaluation(ctx, id, &evaluation{waiters: []chan<- error{ch}})
	return ch
}

// ModEvaluateSync evaluates a module graph which must not suspend.
// A graph containing top-level await fails with ErrTopLevelAwaitNotAllowed
// before any module of it is evaluated.
func (m *ModuleMap) ModEvaluateSync(id ModuleID) error {
	if m.terminating.Load() {
		return ErrExecutionTerminated
	}
	if !m.registry.Has(id) {
		return fmt.Errorf("%w: module %d is not registered", ErrInvalidModule, id)
	}
	switch m.registry.Status(id) {
	case StatusErrored:
		return m.registry.Err(id)
	case StatusEvaluated:
		if _, ok := m.evaluations[id]; ok {
			return ErrTopLevelAwaitNotAllowed
		}
		return nil
	}
	if m.asyncGraph(id, make(map[ModuleID]struct{})) {
		return fmt.Errorf("%w: %s", ErrTopLevelAwaitNotAllowed, m.registry.Info(id).Specifier)
	}
	ev := new(evaluation)
	m.startEvaluation(m.ctx, id, ev)
	if !ev.settled {
		return fmt.Errorf("%w: %s", ErrTopLevelAwaitNotAllowed, m.registry.Info(id).Specifier)
	}
	return ev.err
}

// asyncGraph reports whether evaluating the module may suspend.
func (m *ModuleMap) asyncGraph(id ModuleID, visited map[ModuleID]struct{}) bool {
	if _, ok := visited[id]; ok {
		return false
	}
	visited[id] = struct{}{}
	info := m.registry.Info(id)
	if _, ok := m.evaluations[id]; ok {
		return true
	}
	if info.Status >= StatusEvaluated {
		return false
	}
	if info.HasTLA {
		return true
	}
	for _, req := range info.Requests {
		if req.Phase == PhaseSource {
			continue
		}
		if dep, ok := m.registry.Lookup(req.Reference.Specifier, req.Reference.RequestedType); ok && m.asyncGraph(dep, visited) {
			return true
		}
	}
	return false
}

// evaluateDynamic evaluates the root of a dynamic import and settles the controllers.
func (m *ModuleMap) evaluateDynamic(ctx context.Context, loadID int, id ModuleID, controllers []promiseController) {
	switch m.registry.Status(id) {
	case StatusErrored:
		err := m.registry.Err(id)
		for _, c := range controllers {
			c.settle(importResult{err: err})
		}
		return
	case StatusEvaluated:
		if _, ok := m.evaluations[id]; ok {
			m.tlaWaiters[id] = append(m.tlaWaiters[id], controllers...)
			return
		}
		record := m.registry.Record(id)
		for _, c := range controllers {
			c.settle(importResult{record: record})
		}
		return
	}
	m.startEvaluation(ctx, id, &evaluation{loadID: loadID, controllers: controllers})
}

func (m *ModuleMap) startEvaluation(ctx context.Context, id ModuleID, ev *evaluation) {
	ev.id, ev.ctx = id, ctx
	if m.terminating.Load() {
		ev.settled, ev.err = true, ErrExecutionTerminated
		m.notifyEvaluation(ev)
		return
	}
	if err := m.InstantiateModule(id); err != nil {
		ev.settled, ev.err = true, err
		m.notifyEvaluation(ev)
		return
	}
	record, ok := m.registry.Record(id).(sobek.CyclicModuleRecord)
	if !ok {
		ev.settled, ev.err = true, fmt.Errorf("%w: %s can not be evaluated", ErrInvalidModule, m.registry.Info(id).Specifier)
		m.notifyEvaluation(ev)
		return
	}
	ev.record = record

	m.logger.Debug("evaluate module", "specifier", m.registry.Info(id).Specifier, "id", id, "load", ev.loadID)
	err := m.call(ctx, func() { ev.promise = m.rt.CyclicModuleRecordEvaluate(record, m.resolve) })
	if err != nil {
		ev.settled, ev.err = true, err
		m.notifyEvaluation(ev)
		return
	}
	if m.settleFromState(ev); ev.settled {
		m.notifyEvaluation(ev)
		return
	}

	m.registry.SetStatus(id, StatusEvaluated)
	m.evaluations[id] = ev
	m.observe(ev)
}

// observe attaches the settlement handlers to the evaluation promise.
// If attaching fails the promise state is polled instead.
func (m *ModuleMap) observe(ev *evaluation) {
	err := m.call(ev.ctx, func() {
		promise := m.rt.ToValue(ev.promise).ToObject(m.rt)
		then, ok := sobek.AssertFunction(promise.Get("then"))
		if !ok {
			return
		}
		onFulfilled := func(sobek.FunctionCall) sobek.Value {
			ev.settled = true
			m.signal()
			return sobek.Undefined()
		}
		onRejected := func(call sobek.FunctionCall) sobek.Value {
			ev.settled, ev.err = true, NewJSError(call.Argument(0))
			m.signal()
			return sobek.Undefined()
		}
		if _, err := then(promise, m.rt.ToValue(onFulfilled), m.rt.ToValue(onRejected)); err == nil {
			ev.observed = true
		}
	})
	if err != nil {
		m.logger.Debug("failed to observe module evaluation", "id", ev.id, "error", err)
		ev.observed = false
	}
}

func (m *ModuleMap) settleFromState(ev *evaluation) {
	if ev.settled || ev.promise == nil {
		if ev.promise == nil {
			ev.settled = true
		}
		return
	}
	switch ev.promise.State() {
	case sobek.PromiseStateFulfilled:
		ev.settled = true
	case sobek.PromiseStateRejected:
		ev.settled, ev.err = true, NewJSError(ev.promise.Result())
	}
}

// pollEvaluations settles the evaluations whose promise has settled, in module order.
func (m *ModuleMap) pollEvaluations() bool {
	if len(m.evaluations) == 0 {
		return false
	}
	if err := m.checkpoint(); err != nil {
		if errors.Is(err, ErrExecutionTerminated) {
			m.terminating.Store(true)
		} else {
			m.logger.Warn("microtask checkpoint failed", "error", err)
		}
	}
	progress := false
	for _, id := range sortedIDs(m.evaluations) {
		ev := m.evaluations[id]
		if !ev.observed {
			m.settleFromState(ev)
		}
		if !ev.settled {
			continue
		}
		delete(m.evaluations, id)
		m.notifyEvaluation(ev)
		progress = true
	}
	return progress
}

// notifyEvaluation records the result of a settled evaluation and settles
// every waiter of the module with the same result.
func (m *ModuleMap) notifyEvaluation(ev *evaluation) {
	if m.evaluations[ev.id] == ev {
		delete(m.evaluations, ev.id)
	}
	err := ev.err
	var record sobek.ModuleRecord
	if m.registry.Has(ev.id) {
		info := m.registry.Info(ev.id)
		record = m.registry.Record(ev.id)
		switch {
		case errors.Is(err, ErrExecutionTerminated):
		case err != nil:
			m.registry.SetError(ev.id, err)
			m.logger.Debug("module evaluation failed", "specifier", info.Specifier, "error", err)
		default:
			m.markReachable(ev.id, StatusEvaluated)
			if info.Main && len(m.mainReady) > 0 {
				ns, nsErr := m.namespace(record)
				if nsErr != nil {
					err = nsErr
					break
				}
				for _, fn := range m.mainReady {
					fn(ns)
				}
			}
		}
	}

	for _, ch := range ev.waiters {
		ch <- err
	}
	ev.waiters = nil

	controllers := append(ev.controllers, m.tlaWaiters[ev.id]...)
	ev.controllers = nil
	delete(m.tlaWaiters, ev.id)
	if len(controllers) == 0 {
		return
	}
	if err == nil && record != nil {
		// every waiter gets the same namespace, or all are rejected
		if _, nsErr := m.namespace(record); nsErr != nil {
			err = nsErr
		}
	}
	for _, c := range controllers {
		if err != nil {
			c.settle(importResult{err: err})
			continue
		}
		c.settle(importResult{record: record})
	}
}
