package js

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/grafana/sobek"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger(level slog.Level) (*slog.Logger, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	handler := slog.NewTextHandler(buf, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
	return slog.New(handler), buf
}

func TestConsole(t *testing.T) {
	t.Parallel()

	t.Run("bootstrap", func(t *testing.T) {
		logger, buf := newLogger(slog.LevelDebug)
		vm := NewVM(WithLogger(logger))
		defer vm.Close()

		_, err := vm.RunString(context.Background(), `
			console.log("hello %s", "esmgraph");
			console.log("json %j", {'foo': 'bar'});
			console.warn("count %d", 3, "extra");
			console.debug();
			console.assert(1 === 2, "one is not two");
		`)
		require.NoError(t, err)

		out := buf.String()
		assert.Contains(t, out, `level=INFO msg="hello esmgraph"`)
		assert.Contains(t, out, `msg="json {\"foo\":\"bar\"}"`)
		assert.Contains(t, out, `level=WARN msg="count 3 extra"`)
		assert.Contains(t, out, `level=ERROR msg="Assertion failed one is not two"`)

		enumerable, err := vm.RunString(context.Background(), `Object.keys(globalThis).includes("console")`)
		require.NoError(t, err)
		assert.False(t, enumerable.ToBoolean())
	})

	t.Run("timer", func(t *testing.T) {
		logger, buf := newLogger(slog.LevelInfo)
		vm := NewVM(WithLogger(logger))
		defer vm.Close()

		_, err := vm.RunString(context.Background(), `console.time("t"); console.timeEnd("t"); console.timeEnd("t");`)
		require.NoError(t, err)
		assert.Regexp(t, `msg="t: \d+ms"`, buf.String())
		assert.Contains(t, buf.String(), `No such label 't' for console.timeEnd()`)
	})

	t.Run("go console", func(t *testing.T) {
		logger, buf := newLogger(slog.LevelInfo)
		vm := NewVM(WithLogger(logger), WithoutConsole())
		defer vm.Close()

		value, err := vm.RunString(context.Background(), `typeof console`)
		require.NoError(t, err)
		assert.Equal(t, "undefined", value.String())

		EnableConsole(vm.Runtime(), slog.String("source", "test"))
		_, err = vm.RunString(context.Background(), `console.info("from go", 1)`)
		require.NoError(t, err)
		assert.Contains(t, buf.String(), `msg="from go 1" source=test`)
	})

	t.Run("format", func(t *testing.T) {
		rt := sobek.New()
		cases := []struct {
			msg  any
			args []any
			want string
		}{
			{"plain", nil, "plain"},
			{"%s and %s", []any{"a", "b"}, "a and b"},
			{"100%%", []any{1}, "100% 1"},
			{"%x", []any{1}, "%x 1"},
			{"missing %s", nil, "missing %s"},
			{int64(1), []any{"two"}, "1 two"},
		}
		for _, c := range cases {
			args := make([]sobek.Value, len(c.args))
			for i, arg := range c.args {
				args[i] = rt.ToValue(arg)
			}
			assert.Equal(t, c.want, Format(rt, rt.ToValue(c.msg), args...).String())
		}
		assert.True(t, sobek.IsUndefined(Format(rt, sobek.Undefined())))
	})
}
