package cmd

import (
	"log/slog"
	"net/http"

	"github.com/shiroyk/esmgraph/js"
	"github.com/shiroyk/esmgraph/lib/config"
	"github.com/shiroyk/esmgraph/lib/utils"
	"github.com/shiroyk/esmgraph/loader"
	"github.com/shiroyk/esmgraph/loader/cache"
	"github.com/shiroyk/esmgraph/modules"
	_ "github.com/shiroyk/esmgraph/modules/encoding"
	_ "github.com/shiroyk/esmgraph/modules/timers"
)

// openCodeCache opens the code cache store of the configuration.
func openCodeCache(cfg *config.Config) (*cache.Bolt, error) {
	dir, err := utils.ExpandPath(cfg.CodeCache.Path)
	if err != nil {
		return nil, err
	}
	return cache.NewBolt(dir, cfg.CodeCache.Name)
}

// newVM creates the VM of the configuration, the returned function
// closes the VM and the code cache store.
func newVM(cfg *config.Config, logger *slog.Logger) (js.VM, func(), error) {
	opts := []loader.Option{
		loader.WithLogger(logger),
		loader.WithHTTPClient(&http.Client{Timeout: cfg.Loader.HTTPTimeout}),
	}
	if cfg.Loader.Base != "" {
		base, err := utils.ExpandPath(cfg.Loader.Base)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, loader.WithBase(base))
	}

	closeStore := func() {}
	if cfg.CodeCache.Enabled {
		store, err := openCodeCache(cfg)
		if err != nil {
			// another process may hold the store
			logger.Warn("open code cache failed", "error", err)
		} else {
			opts = append(opts, loader.WithCodeCache(store))
			closeStore = func() {
				if err := store.Close(); err != nil {
					logger.Warn("close code cache failed", "error", err)
				}
			}
		}
	}

	moduleOptions := []modules.Option{modules.WithSnapshot(cfg.JS.Snapshot)}
	if cfg.JS.WasmCacheDir != "" {
		dir, err := utils.ExpandPath(cfg.JS.WasmCacheDir)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		moduleOptions = append(moduleOptions, modules.WithWasmCacheDir(dir))
	}

	vm := js.NewVM(
		js.WithLoader(loader.NewFS(opts...)),
		js.WithLogger(logger),
		js.WithModuleOptions(moduleOptions...),
	)
	return vm, func() {
		vm.Close()
		closeStore()
	}, nil
}
