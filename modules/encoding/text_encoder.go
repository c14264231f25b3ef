package encoding

import (
	"unicode/utf8"

	"github.com/grafana/sobek"
)

// TextEncoder encodes strings as UTF-8 bytes.
// https://developer.mozilla.org/en-US/docs/Web/API/TextEncoder
type TextEncoder struct{}

// Global marks TextEncoder as a global
func (*TextEncoder) Global() {}

// Instantiate returns the TextEncoder constructor
func (*TextEncoder) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
	ctor := func(call sobek.ConstructorCall) *sobek.Object {
		obj := rt.NewObject()
		_ = obj.SetPrototype(call.This.Prototype())
		return obj
	}
	return class(rt, "TextEncoder", ctor, func(proto *sobek.Object) {
		getter(rt, proto, "encoding", func(sobek.FunctionCall) sobek.Value { return rt.ToValue("utf-8") })
		_ = proto.Set("encode", func(call sobek.FunctionCall) sobek.Value {
			var text string
			if v := call.Argument(0); !sobek.IsUndefined(v) {
				text = v.String()
			}
			return newUint8Array(rt, []byte(text))
		})
		_ = proto.Set("encodeInto", func(call sobek.FunctionCall) sobek.Value {
			text := call.Argument(0).String()
			dest, ok := call.Argument(1).Export().([]byte)
			if !ok {
				panic(rt.NewTypeError("TextEncoder.encodeInto: argument 2 must be a Uint8Array"))
			}
			read, written := 0, 0
			for _, r := range text {
				n := utf8.RuneLen(r)
				if n < 0 {
					r, n = utf8.RuneError, 3
				}
				if written+n > len(dest) {
					break
				}
				utf8.EncodeRune(dest[written:], r)
				written += n
				// the UTF-16 code units of the rune
				read++
				if r > 0xFFFF {
					read++
				}
			}
			result := rt.NewObject()
			_ = result.Set("read", read)
			_ = result.Set("written", written)
			return result
		})
	}), nil
}
