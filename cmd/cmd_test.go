package cmd

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/shiroyk/esmgraph/modules"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T, files map[string]string) *config.Config {
	dir := t.TempDir()
	for name, content := range files {
		name = filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(name), 0o700))
		require.NoError(t, os.WriteFile(name, []byte(content), 0o600))
	}
	cfg := config.DefaultConfig()
	cfg.Loader.Base = dir
	cfg.CodeCache.Path = t.TempDir()
	return cfg
}

func TestRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	t.Run("default function", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{
			"main.js": `import { add } from "./lib/add.js";
				export default async () => ({ name: "esmgraph", sum: add(1, 2) });`,
			"lib/add.js": `export const add = (a, b) => a + b;`,
		})
		out := new(bytes.Buffer)
		require.NoError(t, run(ctx, cfg, logger, "main.js", nil, out))
		assert.JSONEq(t, `{"name":"esmgraph","sum":3}`, out.String())

		store, err := openCodeCache(cfg)
		require.NoError(t, err)
		specifiers, err := store.Specifiers()
		require.NoError(t, err)
		require.NoError(t, store.Close())
		assert.Len(t, specifiers, 2)

		out.Reset()
		require.NoError(t, run(ctx, cfg, logger, "main.js", nil, out), "run with the code cache")
		assert.JSONEq(t, `{"name":"esmgraph","sum":3}`, out.String())
	})

	t.Run("stdin", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"data.json": `[1, 2, 3]`})
		cfg.CodeCache.Enabled = false
		out := new(bytes.Buffer)
		code := []byte(`import data from "./data.json"; export default data.length;`)
		require.NoError(t, run(ctx, cfg, logger, stdinSpecifier, code, out))
		assert.Equal(t, "3\n", out.String())
	})

	t.Run("globals", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"main.js": `
			const bytes = await new Promise((resolve) => setTimeout(() => resolve(new TextEncoder().encode("ok")), 10));
			export default new TextDecoder().decode(bytes);`})
		out := new(bytes.Buffer)
		require.NoError(t, run(ctx, cfg, logger, "main.js", nil, out))
		assert.Equal(t, "\"ok\"\n", out.String())
	})

	t.Run("no default", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"main.js": `export const a = 1;`})
		out := new(bytes.Buffer)
		require.NoError(t, run(ctx, cfg, logger, "main.js", nil, out))
		assert.Empty(t, out.String())
	})

	t.Run("error", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"main.js": `throw new Error("evaluation failed");`})
		err := run(ctx, cfg, logger, "main.js", nil, new(bytes.Buffer))
		assert.ErrorContains(t, err, "evaluation failed")
	})

	t.Run("not found", func(t *testing.T) {
		cfg := testConfig(t, map[string]string{"main.js": `import "./missing.js";`})
		err := run(ctx, cfg, logger, "main.js", nil, new(bytes.Buffer))
		assert.ErrorIs(t, err, modules.ErrNotFoundModule)
	})
}

func TestGraph(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, map[string]string{
		"main.js":   `import { a } from "./a.js"; import data from "./data.json"; throw new Error("never evaluated");`,
		"a.js":      `export const a = 1;`,
		"data.json": `{"a": 1}`,
	})
	cfg.CodeCache.Enabled = false

	infos, err := graph(context.Background(), cfg, slog.New(slog.DiscardHandler), "main.js", false)
	require.NoError(t, err)
	require.Len(t, infos, 3)

	idx := slices.IndexFunc(infos, func(info modules.ModuleInfo) bool { return info.Main })
	require.GreaterOrEqual(t, idx, 0)
	main := infos[idx]
	assert.True(t, slices.IsSortedFunc(infos, func(a, b modules.ModuleInfo) int { return int(a.ID) - int(b.ID) }))
	assert.Equal(t, modules.TypeJavaScript, main.Type)
	assert.Equal(t, modules.StatusInstantiated, main.Status)
	require.Len(t, main.Requests, 2)
	assert.Equal(t, "./a.js", main.Requests[0].Raw)
	assert.Equal(t, modules.RequestedJSON, main.Requests[1].Reference.RequestedType)

	t.Run("text", func(t *testing.T) {
		out := new(bytes.Buffer)
		require.NoError(t, writeGraph(out, "text", infos))
		assert.Contains(t, out.String(), "SPECIFIER")
		assert.Contains(t, out.String(), "-> "+main.Requests[0].Reference.Specifier)
	})

	t.Run("yaml", func(t *testing.T) {
		out := new(bytes.Buffer)
		require.NoError(t, writeGraph(out, "yaml", infos))
		assert.Contains(t, out.String(), "main: true")
		assert.Contains(t, out.String(), "type: json")
		assert.Contains(t, out.String(), "raw: ./a.js")
	})

	t.Run("unknown", func(t *testing.T) {
		assert.Error(t, writeGraph(new(bytes.Buffer), "xml", infos))
	})
}
