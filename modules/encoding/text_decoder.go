package encoding

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"unicode/utf8"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/js"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
)

// TextDecoder decodes bytes of the WHATWG encodings, such as
// UTF-8, GBK, Shift_JIS, windows-1252, to strings.
// https://developer.mozilla.org/en-US/docs/Web/API/TextDecoder
type TextDecoder struct{}

// Global marks TextDecoder as a global
func (*TextDecoder) Global() {}

type textDecoder struct {
	name      string
	encoding  encoding.Encoding
	fatal     bool
	ignoreBOM bool
}

var (
	typeTextDecoder = reflect.TypeOf((*textDecoder)(nil))
	utf8BOM         = []byte{0xEF, 0xBB, 0xBF}
	errInvalidUTF8  = errors.New("TextDecoder.decode: the encoded data was not valid utf-8")
)

func newTextDecoder(label string, fatal, ignoreBOM bool) (*textDecoder, error) {
	enc, err := htmlindex.Get(strings.TrimSpace(label))
	if err != nil {
		return nil, err
	}
	name, err := htmlindex.Name(enc)
	if err != nil {
		return nil, err
	}
	return &textDecoder{name: name, encoding: enc, fatal: fatal, ignoreBOM: ignoreBOM}, nil
}

func (d *textDecoder) decode(input []byte) (string, error) {
	if d.name == "utf-8" {
		if !d.ignoreBOM {
			input = bytes.TrimPrefix(input, utf8BOM)
		}
		if d.fatal && !utf8.Valid(input) {
			return "", errInvalidUTF8
		}
		if utf8.Valid(input) {
			return string(input), nil
		}
		var b strings.Builder
		for len(input) > 0 {
			// an invalid byte decodes to utf8.RuneError
			r, n := utf8.DecodeRune(input)
			b.WriteRune(r)
			input = input[n:]
		}
		return b.String(), nil
	}
	result, err := d.encoding.NewDecoder().Bytes(input)
	if err != nil && d.fatal {
		return "", err
	}
	return string(result), nil
}

// Instantiate returns the TextDecoder constructor
func (*TextDecoder) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
	ctor := func(call sobek.ConstructorCall) *sobek.Object {
		label, fatal, ignoreBOM := "utf-8", false, false
		if v := call.Argument(0); !sobek.IsUndefined(v) {
			label = v.String()
		}
		if v := call.Argument(1); !sobek.IsUndefined(v) && !sobek.IsNull(v) {
			opts := v.ToObject(rt)
			if v := opts.Get("fatal"); v != nil {
				fatal = v.ToBoolean()
			}
			if v := opts.Get("ignoreBOM"); v != nil {
				ignoreBOM = v.ToBoolean()
			}
		}
		decoder, err := newTextDecoder(label, fatal, ignoreBOM)
		if err != nil {
			panic(rt.NewTypeError("TextDecoder: unsupported encoding %q", label))
		}
		obj := rt.ToValue(decoder).(*sobek.Object)
		_ = obj.SetPrototype(call.This.Prototype())
		return obj
	}
	this := func(value sobek.Value) *textDecoder {
		if value.ExportType() == typeTextDecoder {
			return value.Export().(*textDecoder)
		}
		panic(rt.NewTypeError(`Value of "this" must be of type TextDecoder`))
	}
	return class(rt, "TextDecoder", ctor, func(proto *sobek.Object) {
		getter(rt, proto, "encoding", func(call sobek.FunctionCall) sobek.Value { return rt.ToValue(this(call.This).name) })
		getter(rt, proto, "fatal", func(call sobek.FunctionCall) sobek.Value { return rt.ToValue(this(call.This).fatal) })
		getter(rt, proto, "ignoreBOM", func(call sobek.FunctionCall) sobek.Value { return rt.ToValue(this(call.This).ignoreBOM) })
		_ = proto.Set("decode", func(call sobek.FunctionCall) sobek.Value {
			decoder := this(call.This)
			v := call.Argument(0)
			if _, ok := v.Export().(string); ok {
				panic(rt.NewTypeError("TextDecoder.decode: argument must be an ArrayBuffer or a typed array"))
			}
			text, err := decoder.decode(toBytes(rt, v))
			if err != nil {
				js.Throw(rt, err)
			}
			return rt.ToValue(text)
		})
	}), nil
}
