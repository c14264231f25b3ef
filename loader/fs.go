// Package loader the module loaders of the VM
package loader

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/cespare/xxhash/v2"
	"github.com/shiroyk/esmgraph/modules"
)

// TypeYAML the module type of YAML documents.
const TypeYAML = modules.ModuleType("yaml")

var (
	// ErrUnsupportedScheme the specifier scheme can not be loaded
	ErrUnsupportedScheme = errors.New("unsupported scheme")

	extensions   = []string{".js", ".mjs", ".json", ".wasm"}
	indexes      = []string{"index.js", "index.mjs", "index.json"}
	builtins     = []string{"ext:", "node:", modules.NativePrefix}
	modulesDir   = "node_modules"
	errNotModule = errors.New("not a module file")
)

type (
	// CodeCacheStore persists the code caches of the loaded modules.
	CodeCacheStore interface {
		// Get the code cache of the specifier, the hash must match the stored one.
		Get(specifier string, hash uint64) ([]byte, bool)
		// Put the code cache of the specifier.
		Put(specifier string, hash uint64, data []byte) error
	}

	// Option the FS options.
	Option func(*FS)
)

// WithFS the file system of file: specifiers and the base directory of
// the specifiers without a referrer. Paths of the file system are the
// URL paths without the leading slash.
func WithFS(fsys fs.FS, dir string) Option {
	return func(f *FS) {
		f.fsys = fsys
		f.base = dirURL(dir)
	}
}

// WithBase the base directory of the specifiers without a referrer.
func WithBase(dir string) Option {
	return func(f *FS) { f.base = dirURL(dir) }
}

// WithHTTPClient the client of http: and https: specifiers.
func WithHTTPClient(client *http.Client) Option {
	return func(f *FS) { f.client = client }
}

// WithCodeCache the code cache store.
func WithCodeCache(store CodeCacheStore) Option {
	return func(f *FS) { f.store = store }
}

// WithLogger the logger of the loader.
func WithLogger(logger *slog.Logger) Option {
	return func(f *FS) { f.logger = logger }
}

// FS loads modules from the file system, over http and from data: URLs.
// Bare specifiers are looked up in the node_modules directories.
type FS struct {
	fsys   fs.FS
	base   *url.URL
	client *http.Client
	store  CodeCacheStore
	logger *slog.Logger
}

// NewFS returns a new FS loader rooted at the working directory.
func NewFS(opts ...Option) *FS {
	wd, _ := os.Getwd()
	f := &FS{
		fsys:   os.DirFS("/"),
		base:   dirURL(wd),
		client: http.DefaultClient,
		logger: slog.Default(),
	}
	for _, option := range opts {
		option(f)
	}
	return f
}

func dirURL(dir string) *url.URL {
	dir = filepath.ToSlash(dir)
	if !strings.HasPrefix(dir, "/") {
		dir = "/" + dir
	}
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	return &url.URL{Scheme: "file", Path: dir}
}

func isBuiltin(specifier string) bool {
	for _, prefix := range builtins {
		if strings.HasPrefix(specifier, prefix) {
			return true
		}
	}
	return false
}

func isRelative(specifier string) bool {
	return strings.HasPrefix(specifier, "./") ||
		strings.HasPrefix(specifier, "../") ||
		strings.HasPrefix(specifier, "/") ||
		specifier == "." || specifier == ".."
}

// Resolve the specifier against the referrer.
func (f *FS) Resolve(specifier, referrer string, kind modules.ResolutionKind) (string, error) {
	if isBuiltin(specifier) {
		return specifier, nil
	}

	base := f.base
	if referrer != "" && !isBuiltin(referrer) {
		if u, err := url.Parse(referrer); err == nil && u.Scheme != "" && u.Scheme != "data" {
			base = u
		}
	}

	if isRelative(specifier) {
		ref, err := url.Parse(specifier)
		if err != nil {
			return "", err
		}
		return base.ResolveReference(ref).String(), nil
	}

	if u, err := url.Parse(specifier); err == nil && len(u.Scheme) > 1 {
		switch u.Scheme {
		case "file", "http", "https", "data":
			return u.String(), nil
		default:
			return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
		}
	}

	if kind == modules.KindMainModule {
		return base.ResolveReference(&url.URL{Path: specifier}).String(), nil
	}
	if base.Scheme != "file" {
		return "", fmt.Errorf("%w: bare specifier %s from %s", modules.ErrNotFoundModule, specifier, base)
	}
	return f.resolveModulesDir(specifier, base)
}

// resolveModulesDir looks up the bare specifier in the node_modules
// directories from the referrer directory to the root.
func (f *FS) resolveModulesDir(specifier string, base *url.URL) (string, error) {
	dir := path.Dir(base.Path)
	if strings.HasSuffix(base.Path, "/") {
		dir = path.Clean(base.Path)
	}
	for {
		name := path.Join(dir, modulesDir, specifier)
		if _, err := f.lookup(fsPath(name)); err == nil {
			return (&url.URL{Scheme: "file", Path: name}).String(), nil
		}
		if dir == "/" || dir == "." {
			break
		}
		dir = path.Dir(dir)
	}
	return "", fmt.Errorf("%w: %s in %s", modules.ErrNotFoundModule, specifier, modulesDir)
}

// Load the source of the specifier. File and http sources are loaded
// in a new goroutine unless options.Synchronous is set.
func (f *FS) Load(ctx context.Context, specifier string, options modules.LoadOptions) modules.ModuleLoadResponse {
	if isBuiltin(specifier) {
		if _, ok := modules.Get(specifier); ok {
			return modules.Ready(modules.NewModuleSource(modules.NativeType, specifier, nil), nil)
		}
		return modules.Ready(nil, nil)
	}
	u, err := url.Parse(specifier)
	if err != nil {
		return modules.Ready(nil, err)
	}

	var load func() (*modules.ModuleSource, error)
	switch u.Scheme {
	case "file":
		load = func() (*modules.ModuleSource, error) { return f.loadFile(specifier, u) }
	case "http", "https":
		load = func() (*modules.ModuleSource, error) { return f.loadHTTP(ctx, specifier) }
	case "data":
		return modules.Ready(loadData(specifier))
	default:
		return modules.Ready(nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme))
	}
	if options.Synchronous {
		return modules.Ready(load())
	}
	return modules.Async(load)
}

// CodeCacheReady stores the code cache of the specifier.
func (f *FS) CodeCacheReady(_ context.Context, specifier string, hash uint64, data []byte) error {
	if f.store == nil {
		return nil
	}
	return f.store.Put(specifier, hash, data)
}

func fsPath(name string) string {
	name = strings.TrimPrefix(path.Clean(name), "/")
	if name == "" {
		return "."
	}
	return name
}

func (f *FS) loadFile(specifier string, u *url.URL) (*modules.ModuleSource, error) {
	name, err := f.lookup(fsPath(u.Path))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	code, err := fs.ReadFile(f.fsys, name)
	if err != nil {
		return nil, err
	}

	found := (&url.URL{Scheme: "file", Path: "/" + name}).String()
	source := &modules.ModuleSource{
		Code:      code,
		Type:      typeOf(name, ""),
		Specified: specifier,
		Found:     found,
		CodeCache: f.codeCache(found, code),
	}
	if location := modules.SourceMappingURL(code); location != "" && !strings.HasPrefix(location, "data:") {
		if ref, err := url.Parse(location); err == nil && ref.Scheme == "" {
			mapName := fsPath(path.Join(path.Dir("/"+name), ref.Path))
			if data, err := fs.ReadFile(f.fsys, mapName); err == nil {
				source.SourceMap = data
			}
		}
	}
	return source, nil
}

// lookup returns the module file of the name, trying the extensions,
// the package.json main field and the index files.
func (f *FS) lookup(name string) (string, error) {
	return f.lookupDepth(name, 0)
}

func (f *FS) lookupDepth(name string, depth int) (string, error) {
	if depth > 8 {
		return "", fmt.Errorf("%w: %s", errNotModule, name)
	}
	info, err := fs.Stat(f.fsys, name)
	if err == nil && !info.IsDir() {
		return name, nil
	}
	for _, ext := range extensions {
		if info, err := fs.Stat(f.fsys, name+ext); err == nil && !info.IsDir() {
			return name + ext, nil
		}
	}
	if err != nil || !info.IsDir() {
		return "", fs.ErrNotExist
	}

	if data, err := fs.ReadFile(f.fsys, path.Join(name, "package.json")); err == nil {
		var pkg struct {
			Module string `json:"module"`
			Main   string `json:"main"`
		}
		if err = json.Unmarshal(data, &pkg); err != nil {
			return "", fmt.Errorf("invalid package.json of %s: %w", name, err)
		}
		for _, entry := range []string{pkg.Module, pkg.Main} {
			if entry == "" {
				continue
			}
			if found, err := f.lookupDepth(path.Join(name, entry), depth+1); err == nil {
				return found, nil
			}
		}
	}
	for _, index := range indexes {
		if info, err := fs.Stat(f.fsys, path.Join(name, index)); err == nil && !info.IsDir() {
			return path.Join(name, index), nil
		}
	}
	return "", fs.ErrNotExist
}

func (f *FS) loadHTTP(ctx context.Context, specifier string) (*modules.ModuleSource, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, specifier, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept-Encoding", "br")
	res, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		return nil, nil
	case res.StatusCode >= http.StatusBadRequest:
		return nil, fmt.Errorf("loading %s: %s", specifier, res.Status)
	}

	var body io.Reader = res.Body
	if res.Header.Get("Content-Encoding") == "br" {
		body = brotli.NewReader(res.Body)
	}
	code, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	found, name := specifier, req.URL.Path
	if res.Request != nil && res.Request.URL != nil {
		found, name = res.Request.URL.String(), res.Request.URL.Path
	}
	if found != specifier {
		f.logger.Debug("module redirected", "specifier", specifier, "found", found)
	}
	return &modules.ModuleSource{
		Code:      code,
		Type:      typeOf(name, res.Header.Get("Content-Type")),
		Specified: specifier,
		Found:     found,
		CodeCache: f.codeCache(found, code),
	}, nil
}

// loadData decodes a data: URL, "data:[<media type>][;base64],<data>".
func loadData(specifier string) (*modules.ModuleSource, error) {
	meta, payload, ok := strings.Cut(strings.TrimPrefix(specifier, "data:"), ",")
	if !ok {
		return nil, fmt.Errorf("%w: malformed data url", modules.ErrIllegalModuleName)
	}
	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	var (
		code []byte
		err  error
	)
	if isBase64 {
		code, err = decodeBase64(payload)
	} else {
		var unescaped string
		unescaped, err = url.PathUnescape(payload)
		code = []byte(unescaped)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", modules.ErrIllegalModuleName, err)
	}
	return modules.NewModuleSource(typeOf("", mediaType), specifier, code), nil
}

func decodeBase64(payload string) ([]byte, error) {
	if data, err := base64.StdEncoding.DecodeString(payload); err == nil {
		return data, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(payload, "="))
}

func (f *FS) codeCache(specifier string, code []byte) *modules.CodeCache {
	if f.store == nil {
		return nil
	}
	hash := xxhash.Sum64(code)
	data, _ := f.store.Get(specifier, hash)
	return &modules.CodeCache{Hash: hash, Data: data}
}

// typeOf returns the module type by the media type, or by the extension.
func typeOf(name, contentType string) modules.ModuleType {
	if contentType != "" {
		mediaType, _, _ := mime.ParseMediaType(contentType)
		switch {
		case mediaType == "application/wasm":
			return modules.TypeWasm
		case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
			return modules.TypeJSON
		case mediaType == "text/plain":
			return modules.TypeText
		case mediaType == "application/octet-stream":
			return modules.TypeBytes
		case mediaType == "application/yaml" || mediaType == "text/yaml" || mediaType == "application/x-yaml":
			return TypeYAML
		}
	}
	switch strings.ToLower(path.Ext(name)) {
	case ".json":
		return modules.TypeJSON
	case ".yaml", ".yml":
		return TypeYAML
	case ".wasm":
		return modules.TypeWasm
	default:
		return modules.TypeJavaScript
	}
}
