package modules

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/grafana/sobek"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLoader serves modules from memory, specifiers resolve against "file:///".
type testLoader struct {
	mu        sync.Mutex
	sources   map[string]*ModuleSource
	redirects map[string]string
	aliases   map[string]string
	loads     map[string]int
	caches    map[string][]byte
	stored    int
	async     bool
	gate      chan struct{}
}

func newTestLoader(files map[string]string) *testLoader {
	l := &testLoader{
		sources:   make(map[string]*ModuleSource),
		redirects: make(map[string]string),
		aliases:   make(map[string]string),
		loads:     make(map[string]int),
		caches:    make(map[string][]byte),
	}
	for name, code := range files {
		l.add(name, TypeJavaScript, code)
	}
	return l
}

func (l *testLoader) add(name string, typ ModuleType, code string) *testLoader {
	l.mu.Lock()
	defer l.mu.Unlock()
	specifier := "file:///" + name
	l.sources[specifier] = NewModuleSource(typ, specifier, []byte(code))
	return l
}

func (l *testLoader) redirect(from, to string) *testLoader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.redirects["file:///"+from] = "file:///" + to
	return l
}

func (l *testLoader) count(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads["file:///"+name]
}

func (l *testLoader) alias(name, target string) *testLoader {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aliases[name] = "file:///" + target
	return l
}

func (l *testLoader) Resolve(specifier, referrer string, _ ResolutionKind) (string, error) {
	l.mu.Lock()
	target, ok := l.aliases[specifier]
	l.mu.Unlock()
	if ok {
		return target, nil
	}
	base, _ := url.Parse("file:///")
	if referrer != "" {
		if u, err := url.Parse(referrer); err == nil && u.Scheme == "file" {
			base = u
		}
	}
	ref, err := url.Parse(specifier)
	if err != nil {
		return "", err
	}
	if ref.Scheme != "" {
		return ref.String(), nil
	}
	return base.ResolveReference(ref).String(), nil
}

func (l *testLoader) Load(_ context.Context, specifier string, options LoadOptions) ModuleLoadResponse {
	l.mu.Lock()
	l.loads[specifier]++
	async, gate := l.async, l.gate
	l.mu.Unlock()

	load := func() (*ModuleSource, error) {
		if gate != nil {
			<-gate
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		found := specifier
		if target, ok := l.redirects[specifier]; ok {
			found = target
		}
		src, ok := l.sources[found]
		if !ok {
			return nil, nil
		}
		source := *src
		source.Specified, source.Found = specifier, found
		hash := xxhash.Sum64(source.Code)
		source.CodeCache = &CodeCache{Hash: hash, Data: l.caches[found]}
		return &source, nil
	}
	if async && !options.Synchronous {
		return Async(load)
	}
	return Ready(load())
}

func (l *testLoader) CodeCacheReady(_ context.Context, specifier string, _ uint64, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.caches[specifier] = data
	l.stored++
	return nil
}

func newTestMap(t *testing.T, loader Loader, opts ...Option) *ModuleMap {
	t.Helper()
	rt := sobek.New()
	m := New(rt, append([]Option{WithLoader(loader)}, opts...)...)
	t.Cleanup(m.Destroy)
	return m
}

// drive polls the module map until cond is true.
func drive(t *testing.T, m *ModuleMap, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		require.NoError(t, m.PollProgress())
		if cond() {
			return
		}
		require.True(t, m.Pending(), "no pending work left")
		require.NoError(t, m.Wait(ctx))
	}
}

func evaluate(t *testing.T, m *ModuleMap, id ModuleID) error {
	t.Helper()
	ch := m.ModEvaluate(context.Background(), id)
	var err error
	drive(t, m, func() bool {
		select {
		case err = <-ch:
			return true
		default:
			return false
		}
	})
	return err
}

func settled(p *sobek.Promise) func() bool {
	return func() bool { return p.State() != sobek.PromiseStatePending }
}

func TestLoadMain(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js":   `import { b } from "./b.js"; import { c } from "./c.js"; export default b + c;`,
		"b.js":      `import { shared } from "./shared.js"; export const b = shared + 1;`,
		"c.js":      `import { shared } from "./shared.js"; export const c = shared + 2;`,
		"shared.js": `export const shared = 10;`,
	})
	l.async = true
	m := newTestMap(t, l)

	id, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)

	info := m.Registry().Info(id)
	assert.True(t, info.Main)
	assert.Equal(t, "file:///main.js", info.Specifier)
	assert.Equal(t, StatusInstantiated, info.Status)
	require.Len(t, info.Requests, 2)
	assert.Equal(t, "./b.js", info.Requests[0].Raw)
	assert.Equal(t, "file:///b.js", info.Requests[0].Reference.Specifier)
	assert.Greater(t, info.Requests[0].Offset, 0)

	assert.Equal(t, 4, m.Registry().Len())
	assert.Equal(t, 1, l.count("shared.js"), "diamond dependency is fetched once")

	require.NoError(t, evaluate(t, m, id))
	for _, info := range m.Graph() {
		assert.Equal(t, StatusEvaluated, info.Status, info.Specifier)
	}

	ns, err := m.GetModuleNamespace(id)
	require.NoError(t, err)
	assert.Equal(t, int64(23), ns.Get("default").ToInteger())
}

func TestLoadMainInlineCode(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{"dep.js": `export default 1`})
	m := newTestMap(t, l)

	var ready *sobek.Object
	m.OnMainModuleReady(func(ns *sobek.Object) { ready = ns })

	id, err := m.LoadMain(context.Background(), "main.js", []byte(`import dep from "./dep.js"; export default dep + 1;`))
	require.NoError(t, err)
	assert.Equal(t, 0, l.count("main.js"), "inline code is not fetched")
	require.NoError(t, evaluate(t, m, id))

	require.NotNil(t, ready)
	assert.Equal(t, int64(2), ready.Get("default").ToInteger())
}

func TestMainModuleAlreadyExists(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js":  `export default 1`,
		"other.js": `export default 2`,
	})
	m := newTestMap(t, l)

	id, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)

	_, err = m.LoadMain(context.Background(), "other.js", nil)
	var exists *MainModuleAlreadyExistsError
	require.ErrorAs(t, err, &exists)
	assert.Equal(t, "file:///main.js", exists.Existing)

	again, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	side, err := m.LoadSide(context.Background(), "other.js", nil)
	require.NoError(t, err)
	assert.False(t, m.Registry().Info(side).Main)
}

func TestLoadSidePromotedToMain(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{"lib.js": `export default 1`})
	m := newTestMap(t, l)

	side, err := m.LoadSide(context.Background(), "lib.js", nil)
	require.NoError(t, err)
	main, err := m.LoadMain(context.Background(), "lib.js", nil)
	require.NoError(t, err)
	assert.Equal(t, side, main)
	assert.True(t, m.Registry().Info(main).Main)
	assert.Equal(t, 1, l.count("lib.js"))
}

func TestRedirectAlias(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js": `import { a } from "./old.js"; import { a as b } from "./new.js"; export default a === b;`,
		"new.js":  `export const a = {};`,
	})
	l.redirect("old.js", "new.js")
	m := newTestMap(t, l)

	id, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)
	require.NoError(t, evaluate(t, m, id))

	oldID, ok := m.Registry().Lookup("file:///old.js", RequestedNone)
	require.True(t, ok)
	newID, ok := m.Registry().Lookup("file:///new.js", RequestedNone)
	require.True(t, ok)
	assert.Equal(t, newID, oldID, "a redirected module has one identity")
	assert.Equal(t, "file:///new.js", m.Registry().Info(oldID).Specifier)
	assert.Equal(t, 2, m.Registry().Len())

	ns, err := m.GetModuleNamespace(id)
	require.NoError(t, err)
	assert.True(t, ns.Get("default").ToBoolean())
}

func TestResolutionErrors(t *testing.T) {
	t.Parallel()

	t.Run("not found", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{"main.js": `import "./missing.js"`}))
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		var re *ResolutionError
		require.ErrorAs(t, err, &re)
		assert.ErrorIs(t, err, ErrNotFoundModule)
		assert.Equal(t, "file:///missing.js", re.Specifier)
	})

	t.Run("ext from user module", func(t *testing.T) {
		l := newTestLoader(map[string]string{"main.js": `import "ext:runtime/secret.js"`})
		m := newTestMap(t, l)
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		assert.ErrorIs(t, err, ErrPrivilegedModule)
		l.mu.Lock()
		defer l.mu.Unlock()
		assert.Zero(t, l.loads["ext:runtime/secret.js"], "rejected before fetch")
	})

	t.Run("illegal name", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(nil))
		_, err := m.Resolve("", "file:///main.js", KindImport)
		assert.ErrorIs(t, err, ErrIllegalModuleName)
	})

	t.Run("syntax error", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{"main.js": `export default (`}))
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		var me *ModuleError
		require.ErrorAs(t, err, &me)
		assert.True(t, me.Exception)
		assert.Equal(t, "file:///main.js", me.Specifier)
	})

	t.Run("missing export", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js": `import { nope } from "./dep.js"; export default nope;`,
			"dep.js":  `export const yes = 1;`,
		}))
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		var me *ModuleError
		require.ErrorAs(t, err, &me)
		assert.True(t, me.Exception)
		assert.Equal(t, "file:///main.js", me.Specifier)
		assert.ErrorContains(t, err, `does not provide an export named "nope"`)
		id, ok := m.Registry().Lookup("file:///main.js", RequestedNone)
		require.True(t, ok)
		assert.Equal(t, StatusUninstantiated, m.Registry().Status(id))
	})

	t.Run("missing default export", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js":     `import { value } from "./reexport.js"; import dep from "./dep.js"; export default value + dep;`,
			"reexport.js": `export * from "./dep.js";`,
			"dep.js":      `export const value = 1;`,
		}))
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		assert.ErrorContains(t, err, `"./dep.js" does not provide an export named "default"`)
	})

	t.Run("invalid attributes", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{"main.js": `import "./dep.js"`, "dep.js": ``}),
			WithImportAttributes(func(_, _, _ string) map[string]string {
				return map[string]string{"type": "json", "integrity": "sha"}
			}))
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		assert.ErrorIs(t, err, ErrInvalidModule)
	})
}

func TestModuleTypes(t *testing.T) {
	t.Parallel()

	t.Run("json", func(t *testing.T) {
		l := newTestLoader(map[string]string{
			"main.js": `import data from "./data.json"; export default data.a;`,
		})
		l.add("data.json", TypeJSON, `{"a":1}`)
		m := newTestMap(t, l)

		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))

		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, int64(1), ns.Get("default").ToInteger())

		dataID, ok := m.Registry().Lookup("file:///data.json", RequestedJSON)
		require.True(t, ok)
		info := m.Registry().Info(dataID)
		assert.True(t, info.Synthetic)
		assert.Equal(t, TypeJSON, info.Type)

		data, err := m.GetModuleNamespace(dataID)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": int64(1)}, data.Get("default").Export())
	})

	t.Run("invalid json", func(t *testing.T) {
		l := newTestLoader(map[string]string{"main.js": `import "./data.json"`})
		l.add("data.json", TypeJSON, `{"a":`)
		m := newTestMap(t, l)
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		var me *ModuleError
		require.ErrorAs(t, err, &me)
		assert.True(t, me.Exception)
	})

	t.Run("kind mismatch", func(t *testing.T) {
		l := newTestLoader(map[string]string{
			"main.js":   `import "./data.json"`,
			"data.json": `export default 1`,
		})
		m := newTestMap(t, l)
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		var mismatch *KindMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, RequestedJSON, mismatch.Requested)
		assert.Equal(t, TypeJavaScript, mismatch.Actual)
	})

	t.Run("text and bytes", func(t *testing.T) {
		l := newTestLoader(map[string]string{
			"main.js": `import text from "./a.txt"; import bytes from "./a.bin"; export default [text, bytes.length, bytes[0]];`,
			"a.txt":   `hello`,
			"a.bin":   `AB`,
		})
		m := newTestMap(t, l, WithImportAttributes(func(_, specifier, _ string) map[string]string {
			switch specifier {
			case "./a.txt":
				return map[string]string{"type": "text"}
			case "./a.bin":
				return map[string]string{"type": "bytes"}
			}
			return nil
		}))

		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, []any{"hello", int64(2), int64('A')}, ns.Get("default").Export())

		_, ok := m.Registry().Lookup("file:///a.txt", RequestedText)
		assert.True(t, ok)
		_, ok = m.Registry().Lookup("file:///a.txt", RequestedNone)
		assert.False(t, ok)
	})

	t.Run("custom synthetic", func(t *testing.T) {
		l := newTestLoader(map[string]string{"main.js": `import { n } from "./n.count"; export default n;`})
		l.add("n.count", Other("count"), `abc`)
		m := newTestMap(t, l, WithCustomModule(func(rt *sobek.Runtime, tag, _ string, code []byte) (CustomModuleResult, error) {
			require.Equal(t, "count", tag)
			obj := rt.NewObject()
			_ = obj.Set("n", len(code))
			return Synthetic(obj), nil
		}))

		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, int64(3), ns.Get("default").ToInteger())
	})

	t.Run("custom computed", func(t *testing.T) {
		l := newTestLoader(map[string]string{"main.js": `import twice from "./n.calc"; export default twice;`})
		l.add("n.calc", Other("calc"), `21`)
		m := newTestMap(t, l, WithCustomModule(func(rt *sobek.Runtime, _, specifier string, code []byte) (CustomModuleResult, error) {
			return ComputedAndSynthetic(
				`import value from "`+specifier+`"; export default value * 2;`,
				rt.ToValue(string(code)),
				"calc-value",
			), nil
		}))

		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, int64(42), ns.Get("default").ToInteger())

		_, ok := m.Registry().Lookup("file:///n.calc", "calc-value")
		assert.True(t, ok)
	})

	t.Run("native", func(t *testing.T) {
		Register("test-native", nativeFunc(func(rt *sobek.Runtime) (sobek.Value, error) {
			obj := rt.NewObject()
			_ = obj.Set("answer", 42)
			return obj, nil
		}))
		t.Cleanup(func() { Remove("native:test-native") })

		l := newTestLoader(map[string]string{"main.js": `import { answer } from "native:test-native"; export default answer;`})
		l.sources["native:test-native"] = NewModuleSource(NativeType, "native:test-native", nil)
		m := newTestMap(t, l)

		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, int64(42), ns.Get("default").ToInteger())
	})
}

type nativeFunc func(rt *sobek.Runtime) (sobek.Value, error)

func (f nativeFunc) Instantiate(rt *sobek.Runtime) (sobek.Value, error) { return f(rt) }

func TestLazyLoadESModule(t *testing.T) {
	t.Parallel()
	embedded := newTestLoader(nil)
	embedded.sources["ext:runtime/a.js"] = NewModuleSource(TypeJavaScript, "ext:runtime/a.js",
		[]byte(`import { b } from "ext:runtime/b.js"; export const a = b + 1;`))
	embedded.sources["ext:runtime/b.js"] = NewModuleSource(TypeJavaScript, "ext:runtime/b.js",
		[]byte(`export const b = 1;`))
	m := newTestMap(t, newTestLoader(nil), WithEmbeddedLoader(embedded))

	ns, err := m.LazyLoadESModule("ext:runtime/a.js")
	require.NoError(t, err)
	assert.Equal(t, int64(2), ns.Get("a").ToInteger())

	again, err := m.LazyLoadESModule("ext:runtime/a.js")
	require.NoError(t, err)
	assert.Same(t, ns, again)

	_, err = m.LazyLoadESModule("ext:runtime/missing.js")
	assert.ErrorIs(t, err, ErrNotFoundModule)

	embedded.sources["ext:runtime/tla.js"] = NewModuleSource(TypeJavaScript, "ext:runtime/tla.js",
		[]byte(`await Promise.resolve(); export default 1;`))
	_, err = m.LazyLoadESModule("ext:runtime/tla.js")
	assert.ErrorIs(t, err, ErrTopLevelAwaitNotAllowed)
}

func TestImportMeta(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"dir/main.js": `export default [import.meta.url, import.meta.main, import.meta.resolve("./dep.js")];`,
	})
	m := newTestMap(t, l)

	id, err := m.LoadMain(context.Background(), "dir/main.js", nil)
	require.NoError(t, err)
	require.NoError(t, evaluate(t, m, id))
	ns, err := m.GetModuleNamespace(id)
	require.NoError(t, err)
	assert.Equal(t, []any{"file:///dir/main.js", true, "file:///dir/dep.js"}, ns.Get("default").Export())
}

func TestSourceMappingURL(t *testing.T) {
	t.Parallel()
	for _, c := range []struct{ code, want string }{
		{"export default 1;", ""},
		{"a\n//# sourceMappingURL=a.js.map", "a.js.map"},
		{"//# sourceMappingURL=old.map\nb\n//# sourceMappingURL= new.map \r\n", "new.map"},
	} {
		assert.Equal(t, c.want, SourceMappingURL([]byte(c.code)), c.code)
	}
}

func TestSourceMap(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js": "export default 1;\n//# sourceMappingURL=data:application/json;base64," +
			"eyJ2ZXJzaW9uIjozLCJzb3VyY2VzIjpbIm1haW4udHMiXSwibmFtZXMiOltdLCJtYXBwaW5ncyI6IkFBQUEifQ==",
		"dep.js": "export default 1;\n//# sourceMappingURL=dep.js.map",
	})
	m := newTestMap(t, l)

	_, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)
	consumer, ok := m.SourceMap("file:///main.js")
	require.True(t, ok)
	source, _, _, _, ok := consumer.Source(1, 0)
	assert.True(t, ok)
	assert.Contains(t, source, "main.ts")

	id, err := m.LoadSide(context.Background(), "dep.js", nil)
	require.NoError(t, err)
	assert.Equal(t, "file:///dep.js.map", m.Registry().Info(id).SourceMapURL)
	_, ok = m.SourceMap("file:///dep.js")
	assert.False(t, ok, "the loader did not deliver the map")
}

func TestEvaluate(t *testing.T) {
	t.Parallel()

	t.Run("once", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js": `globalThis.count = (globalThis.count ?? 0) + 1; export default 1;`,
		}))
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		require.NoError(t, evaluate(t, m, id))
		require.NoError(t, m.ModEvaluateSync(id))
		assert.Equal(t, int64(1), m.Runtime().Get("count").ToInteger())
	})

	t.Run("errored", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js": `import "./dep.js"; throw new Error("boom");`,
			"dep.js":  `globalThis.dep = true;`,
		}))
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)

		err = evaluate(t, m, id)
		require.ErrorContains(t, err, "boom")
		var js *JSError
		assert.ErrorAs(t, err, &js)
		assert.Equal(t, StatusErrored, m.Registry().Status(id))
		assert.True(t, m.Runtime().Get("dep").ToBoolean())

		assert.Equal(t, err, evaluate(t, m, id), "the same error is reported again")
		assert.Equal(t, err, m.ModEvaluateSync(id))
	})

	t.Run("error cause", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js": `throw new Error("outer", { cause: new Error("inner", { cause: "root" }) });`,
		}))
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)

		err = evaluate(t, m, id)
		var outer *JSError
		require.ErrorAs(t, err, &outer)
		assert.Equal(t, "Error: outer", outer.Message)

		var inner *JSError
		require.ErrorAs(t, outer.Cause, &inner)
		assert.Equal(t, "Error: inner", inner.Message)
		assert.Contains(t, inner.Error(), "inner")

		var root *JSError
		require.ErrorAs(t, errors.Unwrap(inner), &root)
		assert.Equal(t, "root", root.Message)
		assert.Nil(t, root.Cause)
	})

	t.Run("top-level await", func(t *testing.T) {
		l := newTestLoader(map[string]string{
			"main.js": `import { value } from "./tla.js"; export default value + 1;`,
			"tla.js":  `export const value = await Promise.resolve(41);`,
		})
		l.async = true
		m := newTestMap(t, l)
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		assert.True(t, m.Registry().Info(id+1).HasTLA)

		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, int64(42), ns.Get("default").ToInteger())
	})

	t.Run("sync rejects top-level await", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js": `import "./side.js"; import "./tla.js";`,
			"side.js": `globalThis.side = true;`,
			"tla.js":  `await 1;`,
		}))
		id, err := m.LoadSide(context.Background(), "main.js", nil)
		require.NoError(t, err)

		err = m.ModEvaluateSync(id)
		assert.ErrorIs(t, err, ErrTopLevelAwaitNotAllowed)
		assert.Nil(t, m.Runtime().Get("side"), "nothing was evaluated")
		assert.Equal(t, StatusInstantiated, m.Registry().Status(id))
	})

	t.Run("not registered", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(nil))
		assert.ErrorIs(t, <-m.ModEvaluate(context.Background(), 7), ErrInvalidModule)
		assert.ErrorIs(t, m.ModEvaluateSync(7), ErrInvalidModule)
		_, err := m.GetModuleNamespace(7)
		assert.ErrorIs(t, err, ErrInvalidModule)
	})
}

func TestDynamicImport(t *testing.T) {
	t.Parallel()

	t.Run("shared walk", func(t *testing.T) {
		l := newTestLoader(map[string]string{
			"main.js": `export const a = import("./dep.js"); export const b = import("./dep.js");`,
			"dep.js":  `import "./leaf.js"; export default {};`,
			"leaf.js": `export {};`,
		})
		l.async = true
		m := newTestMap(t, l)
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))

		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		a := ns.Get("a").Export().(*sobek.Promise)
		b := ns.Get("b").Export().(*sobek.Promise)
		drive(t, m, func() bool { return settled(a)() && settled(b)() })

		require.Equal(t, sobek.PromiseStateFulfilled, a.State())
		require.Equal(t, sobek.PromiseStateFulfilled, b.State())
		assert.Same(t, a.Result().(*sobek.Object), b.Result().(*sobek.Object))
		assert.Equal(t, 1, l.count("dep.js"))
		assert.Equal(t, 1, l.count("leaf.js"))
	})

	t.Run("synchronous loader", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{"dep.js": `export default 7;`}))
		p := m.LoadDynamicImport(context.Background(), "./dep.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		require.Equal(t, sobek.PromiseStateFulfilled, p.State())
		assert.Equal(t, int64(7), p.Result().ToObject(m.Runtime()).Get("default").ToInteger())

		again := m.LoadDynamicImport(context.Background(), "./dep.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		assert.Same(t, p.Result().(*sobek.Object), again.Result().(*sobek.Object))
	})

	t.Run("not found", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(nil))
		p := m.LoadDynamicImport(context.Background(), "./missing.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		require.Equal(t, sobek.PromiseStateRejected, p.State())
		assert.Contains(t, p.Result().String(), "not found module")
	})

	t.Run("evaluation error", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"main.js": `export const p = import("./bad.js").catch((e) => e.message);`,
			"bad.js":  `throw new Error("bad module");`,
		}))
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		p := ns.Get("p").Export().(*sobek.Promise)
		drive(t, m, settled(p))
		assert.Equal(t, "bad module", p.Result().String())
	})

	t.Run("suspended module waiters", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"tla.js": `export const value = await gate;`,
		}))
		gate, resolve, _ := m.Runtime().NewPromise()
		require.NoError(t, m.Runtime().Set("gate", gate))

		first := m.LoadDynamicImport(context.Background(), "./tla.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		id, ok := m.Registry().Lookup("file:///tla.js", RequestedNone)
		require.True(t, ok)
		require.Equal(t, sobek.PromiseStatePending, first.State())

		second := m.LoadDynamicImport(context.Background(), "./tla.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		require.Equal(t, sobek.PromiseStatePending, second.State())
		assert.Len(t, m.tlaWaiters[id], 1)

		require.NoError(t, resolve(42))
		drive(t, m, func() bool { return settled(first)() && settled(second)() })
		require.Equal(t, sobek.PromiseStateFulfilled, first.State())
		require.Equal(t, sobek.PromiseStateFulfilled, second.State())
		ns := first.Result().(*sobek.Object)
		assert.Same(t, ns, second.Result().(*sobek.Object))
		assert.Equal(t, int64(42), ns.Get("value").ToInteger())
		assert.Empty(t, m.tlaWaiters)
	})

	t.Run("suspended module rejects waiters", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"tla.js": `if (await gate) throw new Error("boom");`,
		}))
		gate, resolve, _ := m.Runtime().NewPromise()
		require.NoError(t, m.Runtime().Set("gate", gate))

		first := m.LoadDynamicImport(context.Background(), "./tla.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		second := m.LoadDynamicImport(context.Background(), "./tla.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())

		require.NoError(t, resolve(true))
		drive(t, m, func() bool { return settled(first)() && settled(second)() })
		require.Equal(t, sobek.PromiseStateRejected, first.State())
		require.Equal(t, sobek.PromiseStateRejected, second.State())
		assert.Same(t, first.Result().(*sobek.Object), second.Result().(*sobek.Object))
		assert.Equal(t, "Error: boom", first.Result().String())
		id, _ := m.Registry().Lookup("file:///tla.js", RequestedNone)
		assert.Equal(t, StatusErrored, m.Registry().Status(id))
	})

	t.Run("chain settles in one poll", func(t *testing.T) {
		m := newTestMap(t, newTestLoader(map[string]string{
			"a1.js": `export default (await import("./a2.js")).default;`,
			"a2.js": `export default (await import("./a3.js")).default;`,
			"a3.js": `export default (await import("./a4.js")).default;`,
			"a4.js": `export default 42;`,
		}))
		p := m.LoadDynamicImport(context.Background(), "./a1.js", "file:///main.js", PhaseEvaluation)
		require.NoError(t, m.PollProgress())
		require.Equal(t, sobek.PromiseStateFulfilled, p.State())
		assert.Equal(t, int64(42), p.Result().ToObject(m.Runtime()).Get("default").ToInteger())
	})

	t.Run("source phase", func(t *testing.T) {
		l := newTestLoader(nil)
		l.add("add.wasm", TypeWasm, string(addWasm))
		m := newTestMap(t, l)
		p := m.LoadDynamicImport(context.Background(), "./add.wasm", "file:///main.js", PhaseSource)
		drive(t, m, settled(p))
		require.Equal(t, sobek.PromiseStateFulfilled, p.State())
		source := p.Result().ToObject(m.Runtime())
		assert.Equal(t, "file:///add.wasm", source.Get("url").String())
		_, ok := sobek.AssertFunction(source.Get("instantiate"))
		assert.True(t, ok)
	})
}

func TestTerminate(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js":  `await new Promise(() => {});`,
		"never.js": `export default 1;`,
	})
	m := newTestMap(t, l)
	id, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)

	result := m.ModEvaluate(context.Background(), id)
	// the code cache write of main.js completes in the background
	drive(t, m, func() bool { return !m.Pending() })
	l.mu.Lock()
	assert.Equal(t, 1, l.stored)
	l.mu.Unlock()
	select {
	case err := <-result:
		t.Fatalf("evaluation settled: %v", err)
	default:
	}

	l.gate = make(chan struct{})
	l.async = true
	p := m.LoadDynamicImport(context.Background(), "./never.js", "file:///main.js", PhaseEvaluation)
	require.NoError(t, m.PollProgress())
	assert.True(t, m.Pending())

	m.Terminate()
	assert.True(t, m.Terminating())
	assert.ErrorIs(t, m.PollProgress(), ErrExecutionTerminated)
	assert.ErrorIs(t, <-result, ErrExecutionTerminated)
	require.Equal(t, sobek.PromiseStateRejected, p.State())
	assert.Contains(t, p.Result().String(), ErrExecutionTerminated.Error())

	_, err = m.LoadSide(context.Background(), "never.js", nil)
	assert.ErrorIs(t, err, ErrExecutionTerminated)
	assert.ErrorIs(t, <-m.ModEvaluate(context.Background(), id), ErrExecutionTerminated)
	close(l.gate)
}

func TestCodeCache(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js": `import dep from "./dep.js"; export default dep;`,
		"dep.js":  `export default 1;`,
	})
	stored := func() int {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.stored
	}
	run := func(want int64) *ModuleMap {
		m := newTestMap(t, l)
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, want, ns.Get("default").ToInteger())
		return m
	}

	m := run(1)
	drive(t, m, func() bool { return stored() == 2 })

	m = run(1)
	require.NoError(t, m.PollProgress())
	assert.False(t, m.Pending())
	assert.Equal(t, 2, stored(), "the code cache was accepted")

	l.add("dep.js", TypeJavaScript, `export default 2;`)
	m = run(2)
	drive(t, m, func() bool { return stored() == 3 })
	assert.Equal(t, 3, stored(), "the changed source was cached again")

	entry, err := decodeCodeCache(&CodeCache{Data: l.caches["file:///main.js"]}, []byte(`import dep from "./dep.js"; export default dep;`))
	require.NoError(t, err)
	require.Len(t, entry.Requests, 1)
	assert.Equal(t, "file:///dep.js", entry.Requests[0].Specifier)
	assert.Equal(t, "./dep.js", entry.Requests[0].Raw)

	_, err = decodeCodeCache(&CodeCache{Data: l.caches["file:///main.js"]}, []byte(`changed`))
	assert.ErrorIs(t, err, errCodeCacheRejected)
	_, err = decodeCodeCache(&CodeCache{Data: []byte("garbage")}, nil)
	assert.ErrorIs(t, err, errCodeCacheRejected)
}

func TestCodeCacheResolution(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js":   `import dep from "dep"; export default dep;`,
		"v1/dep.js": `export default 1;`,
		"v2/dep.js": `export default 2;`,
	}).alias("dep", "v1/dep.js")
	stored := func() int {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.stored
	}
	run := func(want int64) *ModuleMap {
		m := newTestMap(t, l)
		id, err := m.LoadMain(context.Background(), "main.js", nil)
		require.NoError(t, err)
		require.NoError(t, evaluate(t, m, id))
		ns, err := m.GetModuleNamespace(id)
		require.NoError(t, err)
		assert.Equal(t, want, ns.Get("default").ToInteger())
		return m
	}

	m := run(1)
	drive(t, m, func() bool { return stored() == 2 })

	l.alias("dep", "v2/dep.js")
	m = run(2)
	drive(t, m, func() bool { return stored() == 4 })
	assert.Equal(t, 1, l.count("v2/dep.js"))

	l.mu.Lock()
	data := l.caches["file:///main.js"]
	l.mu.Unlock()
	entry, err := decodeCodeCache(&CodeCache{Data: data}, []byte(`import dep from "dep"; export default dep;`))
	require.NoError(t, err)
	require.Len(t, entry.Requests, 1)
	assert.Equal(t, "file:///v2/dep.js", entry.Requests[0].Specifier, "the stale requests were replaced")
}

func TestCodeCacheSnapshot(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{"main.js": `export default 1;`})
	m := newTestMap(t, l, WithSnapshot(true))
	_, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)
	assert.False(t, m.Pending())
	assert.Zero(t, l.stored)
}

// addWasm exports add(i32, i32) i32.
var addWasm = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7f,
	0x03, 0x02, 0x01, 0x00,
	0x07, 0x07, 0x01, 0x03, 0x61, 0x64, 0x64, 0x00, 0x00,
	0x0a, 0x09, 0x01, 0x07, 0x00, 0x20, 0x00, 0x20, 0x01, 0x6a, 0x0b,
}

func TestWasm(t *testing.T) {
	t.Parallel()
	l := newTestLoader(map[string]string{
		"main.js": `import { add } from "./add.wasm"; import instance from "./add.wasm"; export default [add(2, 3), instance.add(20, 22)];`,
	})
	l.add("add.wasm", TypeWasm, string(addWasm))
	m := newTestMap(t, l)

	id, err := m.LoadMain(context.Background(), "main.js", nil)
	require.NoError(t, err)
	require.NoError(t, evaluate(t, m, id))
	ns, err := m.GetModuleNamespace(id)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(5), int64(42)}, ns.Get("default").Export())

	wasmID, ok := m.Registry().Lookup("file:///add.wasm", RequestedNone)
	require.True(t, ok)
	info := m.Registry().Info(wasmID)
	assert.Equal(t, TypeWasm, info.Type)
	require.Len(t, info.Requests, 1)
	assert.Equal(t, PhaseSource, info.Requests[0].Phase)

	t.Run("invalid binary", func(t *testing.T) {
		l := newTestLoader(map[string]string{"main.js": `import "./bad.wasm";`})
		l.add("bad.wasm", TypeWasm, "not wasm")
		m := newTestMap(t, l)
		_, err := m.LoadMain(context.Background(), "main.js", nil)
		var me *ModuleError
		require.ErrorAs(t, err, &me)
		assert.False(t, me.Exception)
	})
}

func TestRenderWasmShim(t *testing.T) {
	t.Parallel()
	shim := renderWasmShim("file:///a.wasm", &wasmSurface{
		Imports: []wasmEntity{
			{Module: "./env.js", Name: "log", Kind: wasmFunction},
			{Module: "./env.js", Name: "now", Kind: wasmFunction},
		},
		Exports: []wasmEntity{
			{Name: "run", Kind: wasmFunction},
			{Name: "memory", Kind: wasmMemory},
			{Name: "default", Kind: wasmFunction},
			{Name: "not-valid", Kind: wasmFunction},
		},
	})
	assert.Equal(t, `import wasmMod from "file:///a.wasm";
import * as import_0 from "./env.js";
const instance = wasmMod.instantiate({
  "./env.js": import_0
});
export const run = instance["run"];
export const memory = instance["memory"];
export default instance;
`, shim)
}
