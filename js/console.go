package js

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"reflect"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/modules"
)

const (
	consoleModule = "ext:runtime/console.js"
	opsModule     = "ext:runtime/ops"
)

func init() {
	modules.Register(opsModule, new(ops))
}

// ops the native operations of the embedded runtime modules.
type ops struct{}

func (ops) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
	ret := rt.NewObject()
	_ = ret.Set("print", func(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
		var level slog.Level
		if err := level.UnmarshalText([]byte(call.Argument(0).String())); err != nil {
			level = slog.LevelInfo
		}
		return output(level, rest(call.Arguments), rt)
	})
	_ = ret.Set("format", func(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
		return Format(rt, call.Argument(0), rest(call.Arguments)...)
	})
	return ret, nil
}

// EnableConsole sets the Go implemented console to the global.
func EnableConsole(rt *sobek.Runtime, attr ...slog.Attr) {
	v, _ := console(attr).Instantiate(rt)
	_ = rt.Set("console", v)
}

// console implements the js console
type console []slog.Attr

func (c console) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
	ret := rt.NewObject()
	_ = ret.Set("log", c.log)
	_ = ret.Set("info", c.info)
	_ = ret.Set("warn", c.warn)
	_ = ret.Set("error", c.error)
	_ = ret.Set("debug", c.debug)
	return ret, nil
}

func rest(args []sobek.Value) []sobek.Value {
	if len(args) > 1 {
		return args[1:]
	}
	return nil
}

func output(level slog.Level, args []sobek.Value, rt *sobek.Runtime, attr ...slog.Attr) sobek.Value {
	ctx := Context(rt)
	var msg sobek.Value = sobek.Undefined()
	if len(args) > 0 {
		msg = args[0]
	}
	Logger(ctx).LogAttrs(ctx, level, Format(rt, msg, rest(args)...).String(), attr...)
	return sobek.Undefined()
}

// log calls slog.Log.
func (c console) log(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
	return output(slog.LevelInfo, call.Arguments, rt, c...)
}

// info calls slog.Info.
func (c console) info(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
	return output(slog.LevelInfo, call.Arguments, rt, c...)
}

// warn calls slog.Warn.
func (c console) warn(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
	return output(slog.LevelWarn, call.Arguments, rt, c...)
}

// error calls slog.Error.
func (c console) error(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
	return output(slog.LevelError, call.Arguments, rt, c...)
}

// debug calls slog.Debug.
func (c console) debug(call sobek.FunctionCall, rt *sobek.Runtime) sobek.Value {
	return output(slog.LevelDebug, call.Arguments, rt, c...)
}

func runeFormat(rt *sobek.Runtime, f rune, val sobek.Value, w *bytes.Buffer) bool {
	switch f {
	case 's':
		w.WriteString(val.String())
	case 'd':
		w.WriteString(val.ToNumber().String())
	case 'j':
		if j, ok := rt.Get("JSON").(*sobek.Object); ok {
			if stringify, ok := sobek.AssertFunction(j.Get("stringify")); ok {
				res, err := stringify(j, val)
				if err != nil {
					panic(err)
				}
				w.WriteString(res.String())
			}
		}
	case '%':
		w.WriteByte('%')
		return false
	default:
		w.WriteByte('%')
		w.WriteRune(f)
		return false
	}
	return true
}

func bufferFormat(vm *sobek.Runtime, b *bytes.Buffer, f string, args ...sobek.Value) {
	pct := false
	argNum := 0
	for _, chr := range f {
		if pct { //nolint:nestif
			if argNum < len(args) {
				if runeFormat(vm, chr, args[argNum], b) {
					argNum++
				}
			} else {
				b.WriteByte('%')
				b.WriteRune(chr)
			}
			pct = false
		} else {
			if chr == '%' {
				pct = true
			} else {
				b.WriteRune(chr)
			}
		}
	}

	for _, arg := range args[argNum:] {
		b.WriteByte(' ')
		b.WriteString(valueString(arg))
	}
}

func valueString(v sobek.Value) string {
	if m, ok := v.(json.Marshaler); ok {
		data, err := m.MarshalJSON()
		if err == nil {
			return string(data)
		}
	}
	return v.String()
}

// Format implements js format
func Format(rt *sobek.Runtime, msg sobek.Value, args ...sobek.Value) sobek.Value {
	if sobek.IsUndefined(msg) {
		return sobek.Undefined()
	}

	if msg.ExportType().Kind() == reflect.String {
		s := msg.String()
		if len(args) > 0 {
			var b bytes.Buffer
			bufferFormat(rt, &b, s, args...)
			s = b.String()
		}
		return rt.ToValue(s)
	}

	var b bytes.Buffer
	b.WriteString(valueString(msg))
	for _, arg := range args {
		b.WriteRune(' ')
		b.WriteString(valueString(arg))
	}
	return rt.ToValue(b.String())
}

type loggerKey struct{}

// Logger get slog.Logger from the context
func Logger(ctx context.Context) *slog.Logger {
	if logger := ctx.Value(loggerKey{}); logger != nil {
		return logger.(*slog.Logger)
	}
	return slog.Default()
}

// ContextWithLogger returns a context carries the slog.Logger of the console
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}
