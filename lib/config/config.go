// Package config the esmgraph configuration
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shiroyk/esmgraph/lib/utils"
	"github.com/shiroyk/esmgraph/loader/cache"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix the prefix of the environment variables
	EnvPrefix = "ESMGRAPH"
	// FileName the configuration file name without extension
	FileName = "esmgraph"
	// DefaultTimeout the default timeout of running a module
	DefaultTimeout = time.Minute
)

type configKey struct{}

// NewContext returns a context that contains the given Config.
func NewContext(ctx context.Context, config *Config) context.Context {
	return context.WithValue(ctx, configKey{}, config)
}

// FromContext returns the Config stored in ctx by NewContext, or the default
// Config if there is none.
func FromContext(ctx context.Context) *Config {
	if config, ok := ctx.Value(configKey{}).(*Config); ok {
		return config
	}
	return DefaultConfig()
}

type (
	// Config The esmgraph configuration
	Config struct {
		// Log
		Log LogOptions `yaml:"log" mapstructure:"log"`

		// Loader
		Loader LoaderOptions `yaml:"loader" mapstructure:"loader"`

		// CodeCache
		CodeCache CodeCacheOptions `yaml:"code_cache" mapstructure:"code_cache"`

		// JS
		JS JSOptions `yaml:"js" mapstructure:"js"`
	}

	// LogOptions the logger options
	LogOptions struct {
		// Level one of debug, info, warn, error
		Level string `yaml:"level" mapstructure:"level"`
	}

	// LoaderOptions the module loader options
	LoaderOptions struct {
		// Base directory of the main module specifier, default the working directory
		Base string `yaml:"base" mapstructure:"base"`
		// HTTPTimeout of the remote modules
		HTTPTimeout time.Duration `yaml:"http_timeout" mapstructure:"http_timeout"`
	}

	// CodeCacheOptions the code cache store options
	CodeCacheOptions struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Path    string `yaml:"path" mapstructure:"path"`
		Name    string `yaml:"name" mapstructure:"name"`
	}

	// JSOptions the VM options
	JSOptions struct {
		// Timeout of running the main module
		Timeout time.Duration `yaml:"timeout" mapstructure:"timeout"`
		// Snapshot disables the code cache production
		Snapshot bool `yaml:"snapshot" mapstructure:"snapshot"`
		// WasmCacheDir the compilation cache directory of wasm modules
		WasmCacheDir string `yaml:"wasm_cache_dir" mapstructure:"wasm_cache_dir"`
	}
)

// DefaultConfig The default configuration
func DefaultConfig() *Config {
	return &Config{
		Log: LogOptions{
			Level: "info",
		},
		Loader: LoaderOptions{
			HTTPTimeout: 30 * time.Second,
		},
		CodeCache: CodeCacheOptions{
			Enabled: true,
			Path:    filepath.Join("~", ".cache", FileName),
			Name:    cache.DefaultName,
		},
		JS: JSOptions{
			Timeout: DefaultTimeout,
		},
	}
}

// defaults sets every key of the configuration, viper only binds the
// environment variables of the known keys.
func defaults(v *viper.Viper, config *Config) {
	v.SetDefault("log.level", config.Log.Level)
	v.SetDefault("loader.base", config.Loader.Base)
	v.SetDefault("loader.http_timeout", config.Loader.HTTPTimeout)
	v.SetDefault("code_cache.enabled", config.CodeCache.Enabled)
	v.SetDefault("code_cache.path", config.CodeCache.Path)
	v.SetDefault("code_cache.name", config.CodeCache.Name)
	v.SetDefault("js.timeout", config.JS.Timeout)
	v.SetDefault("js.snapshot", config.JS.Snapshot)
	v.SetDefault("js.wasm_cache_dir", config.JS.WasmCacheDir)
}

// Dir returns the configuration directory.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// ReadConfig reads the configuration from the file, the environment
// variables prefixed with ESMGRAPH_ take precedence over the file.
// If path is empty "esmgraph.yaml" is looked up in the working directory
// and the configuration directory, a missing file is not an error.
func ReadConfig(path string) (*Config, error) {
	v := viper.New()
	defaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	if path != "" {
		file, err := utils.ExpandPath(path)
		if err != nil {
			return nil, fmt.Errorf("expanding config path: %w", err)
		}
		v.SetConfigFile(file)
		if err = v.ReadInConfig(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	} else {
		v.SetConfigName(FileName)
		v.AddConfigPath(".")
		if dir, err := Dir(); err == nil {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	config := new(Config)
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return config, nil
}

// WriteConfig writes the configuration to the file as YAML,
// the file must not exist.
func WriteConfig(path string, config *Config) error {
	file, err := utils.ExpandPath(path)
	if err != nil {
		return err
	}
	if _, err = os.Stat(file); err == nil {
		return fmt.Errorf("configuration file %s is already exists", file)
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}
	if err = os.MkdirAll(filepath.Dir(file), os.ModePerm); err != nil {
		return err
	}
	bytes, err := yaml.Marshal(config)
	if err != nil {
		return err
	}
	return os.WriteFile(file, bytes, 0o600)
}
