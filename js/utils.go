package js

import (
	"context"
	"errors"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/modules"
)

// Throw js exception
func Throw(rt *sobek.Runtime, err error) {
	var ex *sobek.Exception
	if errors.As(err, &ex) { //nolint:errorlint
		panic(ex)
	}
	panic(rt.NewGoError(err))
}

// Unwrap the sobek.Value to the raw value
func Unwrap(value sobek.Value) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch v := value.Export().(type) {
	default:
		return v, nil
	case sobek.ArrayBuffer:
		return v.Bytes(), nil
	case *sobek.Promise:
		switch v.State() {
		case sobek.PromiseStateRejected:
			return nil, errors.New(v.Result().String())
		case sobek.PromiseStateFulfilled:
			return v.Result().Export(), nil
		default:
			return nil, errors.New("unexpected promise pending state")
		}
	}
}

// Context returns the current context of the sobek.Runtime
func Context(rt *sobek.Runtime) context.Context { return self(rt).ctx }

// EnqueueJob return a function Enqueue to add a job to the event loop of the sobek.Runtime.
func EnqueueJob(rt *sobek.Runtime) Enqueue { return self(rt).loop.EnqueueJob() }

// Loop returns the event loop of the sobek.Runtime.
func Loop(rt *sobek.Runtime) *EventLoop { return self(rt).loop }

// Cleanup add a function to execute when the VM has finished running.
// eg: close resources...
func Cleanup(rt *sobek.Runtime, job func()) { self(rt).loop.Cleanup(job) }

// Modules returns the module map of the sobek.Runtime.
func Modules(rt *sobek.Runtime) *modules.ModuleMap { return self(rt).modules }

// Import imports the module like import() from the referrer,
// the returned promise settles with the namespace of the module.
func Import(rt *sobek.Runtime, specifier, referrer string) *sobek.Promise {
	return self(rt).modules.LoadDynamicImport(Context(rt), specifier, referrer, modules.PhaseEvaluation)
}
