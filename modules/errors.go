package modules

import (
	"errors"
	"fmt"
	"strings"

	"github.com/grafana/sobek"
)

var (
	// ErrExecutionTerminated the runtime is shutting down, no further
	// module instantiation or evaluation happens.
	ErrExecutionTerminated = errors.New("execution terminated")
	// ErrTopLevelAwaitNotAllowed a module graph containing top-level await
	// was evaluated synchronously.
	ErrTopLevelAwaitNotAllowed = errors.New("top-level await is not allowed in synchronously evaluated modules")
	// ErrPrivilegedModule an "ext:" module was imported from a user module.
	ErrPrivilegedModule = errors.New("importing ext: modules is only allowed from ext: and node: modules")
	// ErrNotFoundModule loader can not find the module.
	ErrNotFoundModule = errors.New("not found module")
	// ErrIllegalModuleName module name is illegal
	ErrIllegalModuleName = errors.New("illegal module name")
	// ErrInvalidModule module is invalid
	ErrInvalidModule = errors.New("invalid module")
)

// ResolutionError the specifier could not be resolved.
type ResolutionError struct {
	Specifier string
	Referrer  string
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Referrer == "" {
		return fmt.Sprintf("cannot resolve module %q: %s", e.Specifier, e.Err)
	}
	return fmt.Sprintf("cannot resolve module %q from %q: %s", e.Specifier, e.Referrer, e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// ModuleError failed to compile or register a module.
type ModuleError struct {
	Specifier string
	// Exception is true when the engine rejected the source,
	// false for a concrete error of the host.
	Exception bool
	Err       error
}

func (e *ModuleError) Error() string {
	return fmt.Sprintf("module %s: %s", e.Specifier, e.Err)
}

func (e *ModuleError) Unwrap() error { return e.Err }

// KindMismatchError the loader delivered a module type which
// can not satisfy the requested type.
type KindMismatchError struct {
	Specifier string
	Requested RequestedModuleType
	Actual    ModuleType
}

func (e *KindMismatchError) Error() string {
	return fmt.Sprintf("module %s was requested as %s but loaded as %s", e.Specifier, e.Requested, e.Actual)
}

// MainModuleAlreadyExistsError a second main module was registered.
type MainModuleAlreadyExistsError struct {
	Existing string
	New      string
}

func (e *MainModuleAlreadyExistsError) Error() string {
	return fmt.Sprintf("trying to create main module %s while main module %s already exists", e.New, e.Existing)
}

// JSError is a JavaScript exception converted to a Go error.
type JSError struct {
	Message string
	Stack   string
	Cause   error
	// value is the thrown value
	value sobek.Value
}

func (e *JSError) Error() string {
	if e.Stack == "" {
		return e.Message
	}
	// the engine stack starts with the message line
	return strings.TrimRight(e.Stack, "\n")
}

func (e *JSError) Unwrap() error { return e.Cause }

// NewJSError converts the rejected value or exception to a *JSError.
// Go errors thrown into the engine are unwrapped as the cause.
func NewJSError(value any) error {
	switch v := value.(type) {
	case nil:
		return &JSError{Message: "undefined"}
	case *JSError:
		return v
	case *sobek.InterruptedError:
		return fmt.Errorf("%w: %s", ErrExecutionTerminated, v.Error())
	case *sobek.Exception:
		err := NewJSError(v.Value())
		var js *JSError
		if errors.As(err, &js) && js.Cause == nil {
			js.Cause = v
		}
		return err
	case sobek.Value:
		return valueError(v, 0)
	case error:
		var js *JSError
		if errors.As(v, &js) {
			return js
		}
		var ex *sobek.Exception
		if errors.As(v, &ex) {
			return NewJSError(ex)
		}
		return v
	default:
		return &JSError{Message: fmt.Sprint(v)}
	}
}

// maxCauseDepth bounds the conversion of error.cause chains.
const maxCauseDepth = 16

func valueError(v sobek.Value, depth int) error {
	if v == nil || sobek.IsUndefined(v) || sobek.IsNull(v) {
		return &JSError{Message: fmt.Sprint(v)}
	}
	if goErr, ok := v.Export().(error); ok {
		var js *JSError
		if errors.As(goErr, &js) {
			return js
		}
		return &JSError{Message: goErr.Error(), Cause: goErr}
	}
	obj, ok := v.(*sobek.Object)
	if !ok {
		return &JSError{Message: v.String(), value: v}
	}
	// errors created by Runtime.NewGoError keep the Go error in "value"
	if inner := obj.Get("value"); inner != nil {
		if goErr, ok := inner.Export().(error); ok {
			return &JSError{Message: goErr.Error(), Stack: stackOf(obj), Cause: goErr, value: v}
		}
	}
	js := &JSError{Message: v.String(), Stack: stackOf(obj), value: v}
	if cause := obj.Get("cause"); cause != nil && !sobek.IsUndefined(cause) && depth < maxCauseDepth {
		if c, ok := cause.(*sobek.Object); !ok || c != obj {
			js.Cause = valueError(cause, depth+1)
		}
	}
	return js
}

func stackOf(obj *sobek.Object) string {
	stack := obj.Get("stack")
	if stack == nil || sobek.IsUndefined(stack) {
		return ""
	}
	return stack.String()
}

func panicError(x any) error {
	if err, ok := x.(error); ok {
		return err
	}
	return fmt.Errorf("panic: %v", x)
}
