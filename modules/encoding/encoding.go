// Package encoding the TextEncoder, TextDecoder globals and the base64 module
package encoding

import (
	"encoding/base64"
	"strings"

	"github.com/grafana/sobek"
	"github.com/shiroyk/esmgraph/js"
	"github.com/shiroyk/esmgraph/modules"
)

func init() {
	modules.Register("TextEncoder", new(TextEncoder))
	modules.Register("TextDecoder", new(TextDecoder))
	modules.Register("encoding", new(Encoding))
}

// Encoding the "native:encoding" module
type Encoding struct{}

// Instantiate returns the module exports
func (Encoding) Instantiate(rt *sobek.Runtime) (sobek.Value, error) {
	b64 := rt.NewObject()
	_ = b64.Set("encode", func(call sobek.FunctionCall) sobek.Value {
		data := toBytes(rt, call.Argument(0))
		enc := base64.StdEncoding
		if call.Argument(1).ToBoolean() {
			enc = base64.URLEncoding.WithPadding(base64.NoPadding)
		}
		return rt.ToValue(enc.EncodeToString(data))
	})
	_ = b64.Set("decode", func(call sobek.FunctionCall) sobek.Value {
		// both alphabets, the padding is optional
		input := strings.TrimRight(call.Argument(0).String(), "=")
		input = strings.NewReplacer("-", "+", "_", "/").Replace(input)
		data, err := base64.RawStdEncoding.DecodeString(input)
		if err != nil {
			js.Throw(rt, err)
		}
		return newUint8Array(rt, data)
	})
	ret := rt.NewObject()
	_ = ret.Set("base64", b64)
	return ret, nil
}

// toBytes returns the bytes of a string, an ArrayBuffer or a typed array.
func toBytes(rt *sobek.Runtime, value sobek.Value) []byte {
	if sobek.IsUndefined(value) || sobek.IsNull(value) {
		return nil
	}
	switch v := value.Export().(type) {
	case []byte:
		return v
	case sobek.ArrayBuffer:
		return v.Bytes()
	case string:
		return []byte(v)
	default:
		panic(rt.NewTypeError("expected string, ArrayBuffer or Uint8Array, but got %T", v))
	}
}

func newUint8Array(rt *sobek.Runtime, data []byte) sobek.Value {
	ret, err := rt.New(rt.Get("Uint8Array"), rt.ToValue(rt.NewArrayBuffer(data)))
	if err != nil {
		js.Throw(rt, err)
	}
	return ret
}

// class defines the constructor with the prototype methods and accessors.
func class(rt *sobek.Runtime, name string, ctor func(sobek.ConstructorCall) *sobek.Object, setup func(proto *sobek.Object)) *sobek.Object {
	proto := rt.NewObject()
	setup(proto)
	_ = proto.SetSymbol(sobek.SymToStringTag, rt.ToValue(name))
	c := rt.ToValue(ctor).(*sobek.Object)
	_ = proto.DefineDataProperty("constructor", c, sobek.FLAG_TRUE, sobek.FLAG_FALSE, sobek.FLAG_TRUE)
	_ = c.DefineDataProperty("prototype", proto, sobek.FLAG_FALSE, sobek.FLAG_FALSE, sobek.FLAG_FALSE)
	return c
}

func getter(rt *sobek.Runtime, proto *sobek.Object, name string, fn func(sobek.FunctionCall) sobek.Value) {
	_ = proto.DefineAccessorProperty(name, rt.ToValue(fn), nil, sobek.FLAG_FALSE, sobek.FLAG_TRUE)
}
