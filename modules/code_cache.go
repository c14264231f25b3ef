package modules

import (
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	codeCacheVersion = 1
	codeCacheEngine  = "sobek"
)

var errCodeCacheRejected = errors.New("code cache rejected")

// codeCacheEntry is the persisted compile result of a module.
// sobek can not serialize compiled programs, the entry keeps what is
// expensive to recompute: resolved requests and the Wasm surface.
type codeCacheEntry struct {
	Version      int             `msgpack:"v"`
	Engine       string          `msgpack:"engine"`
	Hash         uint64          `msgpack:"hash"`
	Requests     []cachedRequest `msgpack:"requests"`
	HasTLA       bool            `msgpack:"tla"`
	SourceMapURL string          `msgpack:"sourcemap,omitempty"`
	Wasm         *wasmSurface    `msgpack:"wasm,omitempty"`
}

type cachedRequest struct {
	Specifier string `msgpack:"specifier"`
	Type      string `msgpack:"type,omitempty"`
	Raw       string `msgpack:"raw"`
	Offset    int    `msgpack:"offset"`
	Phase     uint8  `msgpack:"phase,omitempty"`
}

// decodeCodeCache returns the cache entry of the code, nil if there is none.
func decodeCodeCache(cache *CodeCache, code []byte) (*codeCacheEntry, error) {
	if cache == nil || len(cache.Data) == 0 {
		return nil, nil
	}
	entry := new(codeCacheEntry)
	if err := msgpack.Unmarshal(cache.Data, entry); err != nil {
		return nil, fmt.Errorf("%w: %w", errCodeCacheRejected, err)
	}
	if entry.Version != codeCacheVersion || entry.Engine != codeCacheEngine {
		return nil, fmt.Errorf("%w: version %d of %s", errCodeCacheRejected, entry.Version, entry.Engine)
	}
	if entry.Hash != xxhash.Sum64(code) {
		return nil, fmt.Errorf("%w: source changed", errCodeCacheRejected)
	}
	return entry, nil
}

func encodeCodeCache(code []byte, requests []ModuleRequest, hasTLA bool, sourceMapURL string, wasm *wasmSurface) ([]byte, error) {
	entry := codeCacheEntry{
		Version:      codeCacheVersion,
		Engine:       codeCacheEngine,
		Hash:         xxhash.Sum64(code),
		Requests:     make([]cachedRequest, 0, len(requests)),
		HasTLA:       hasTLA,
		SourceMapURL: sourceMapURL,
		Wasm:         wasm,
	}
	for _, req := range requests {
		entry.Requests = append(entry.Requests, cachedRequest{
			Specifier: req.Reference.Specifier,
			Type:      string(req.Reference.RequestedType),
			Raw:       req.Raw,
			Offset:    req.Offset,
			Phase:     uint8(req.Phase),
		})
	}
	return msgpack.Marshal(&entry)
}

func (e *codeCacheEntry) requests() []ModuleRequest {
	ret := make([]ModuleRequest, 0, len(e.Requests))
	for _, r := range e.Requests {
		ret = append(ret, ModuleRequest{
			Reference: ModuleReference{Specifier: r.Specifier, RequestedType: RequestedModuleType(r.Type)},
			Raw:       r.Raw,
			Offset:    r.Offset,
			Phase:     ImportPhase(r.Phase),
		})
	}
	return ret
}

// scheduleCodeCache hands the code cache to the loader in the background,
// failures are only logged.
func (m *ModuleMap) scheduleCodeCache(loader Loader, specifier string, hash uint64, data []byte) {
	sink, ok := loader.(CodeCacheSink)
	if !ok {
		return
	}
	ctx := m.context()
	m.spawn(func() func() {
		err := sink.CodeCacheReady(ctx, specifier, hash, data)
		return func() {
			if err != nil {
				m.logger.Warn("failed to store code cache", "specifier", specifier, "error", err)
				return
			}
			m.logger.Debug("stored code cache", "specifier", specifier, "size", len(data))
		}
	})
}
