// Package config handles lgrep configuration from environment variables
// and flags, plus the cache directory layout shared by every component.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DBFileName is the database file inside each project cache directory.
const DBFileName = "chunks.db"

// Config is the complete lgrep configuration.
type Config struct {
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Chunking  ChunkingConfig  `mapstructure:"chunking"`
	Search    SearchConfig    `mapstructure:"search"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// EmbeddingConfig configures the remote embedding client.
type EmbeddingConfig struct {
	Model          string `mapstructure:"model"`
	APIKey         string `mapstructure:"api_key"`
	Endpoint       string `mapstructure:"endpoint"`
	Dimensions     int    `mapstructure:"dimensions"`
	MaxBatchSize   int    `mapstructure:"max_batch_size"`
	MaxBatchTokens int    `mapstructure:"max_batch_tokens"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// ChunkingConfig configures how files are split.
type ChunkingConfig struct {
	ChunkSize      int `mapstructure:"chunk_size"`       // token budget per chunk
	MinChunkTokens int `mapstructure:"min_chunk_tokens"` // pieces below this are dropped
}

// SearchConfig configures query behavior.
type SearchConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
}

// WatchConfig configures the file watcher.
type WatchConfig struct {
	DebounceMS int `mapstructure:"debounce_ms"`
}

// RegistryConfig configures the multi-project registry.
type RegistryConfig struct {
	MaxProjects int    `mapstructure:"max_projects"`
	WarmPaths   string `mapstructure:"warm_paths"` // path-list syntax, see filepath.SplitList
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// CacheConfig configures the on-disk cache root.
type CacheConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // DEBUG, INFO, WARNING, ERROR
	Format string `mapstructure:"format"` // text or json
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() *Config {
	return &Config{
		Embedding: EmbeddingConfig{
			Model:          "voyage-code-3",
			Endpoint:       "https://api.voyageai.com/v1",
			Dimensions:     1024,
			MaxBatchSize:   128,
			MaxBatchTokens: 100000,
			MaxRetries:     5,
		},
		Chunking: ChunkingConfig{
			ChunkSize:      500,
			MinChunkTokens: 10,
		},
		Search: SearchConfig{
			DefaultLimit: 10,
		},
		Watch: WatchConfig{
			DebounceMS: 500,
		},
		Registry: RegistryConfig{
			MaxProjects: 20,
		},
		Server: ServerConfig{
			Host: "127.0.0.1",
			Port: 6285,
		},
		Cache: CacheConfig{
			Dir: defaultCacheDir(),
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("LGREP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Documented variables that do not follow the LGREP_<SECTION>_<KEY>
	// convention.
	v.BindEnv("embedding.api_key", "VOYAGE_API_KEY")
	v.BindEnv("cache.dir", "LGREP_CACHE_DIR")
	v.BindEnv("logging.level", "LGREP_LOG_LEVEL")
	v.BindEnv("registry.warm_paths", "LGREP_WARM_PATHS")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("embedding.model", d.Embedding.Model)
	v.SetDefault("embedding.endpoint", d.Embedding.Endpoint)
	v.SetDefault("embedding.dimensions", d.Embedding.Dimensions)
	v.SetDefault("embedding.max_batch_size", d.Embedding.MaxBatchSize)
	v.SetDefault("embedding.max_batch_tokens", d.Embedding.MaxBatchTokens)
	v.SetDefault("embedding.max_retries", d.Embedding.MaxRetries)
	v.SetDefault("chunking.chunk_size", d.Chunking.ChunkSize)
	v.SetDefault("chunking.min_chunk_tokens", d.Chunking.MinChunkTokens)
	v.SetDefault("search.default_limit", d.Search.DefaultLimit)
	v.SetDefault("watch.debounce_ms", d.Watch.DebounceMS)
	v.SetDefault("registry.max_projects", d.Registry.MaxProjects)
	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("cache.dir", d.Cache.Dir)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "lgrep")
	}
	return filepath.Join(home, ".cache", "lgrep")
}

// Validate checks the configuration and returns all problems found.
func Validate(cfg *Config) []error {
	var errs []error

	if cfg.Embedding.Model == "" {
		errs = append(errs, fmt.Errorf("embedding.model cannot be empty"))
	}
	if cfg.Embedding.Dimensions <= 0 {
		errs = append(errs, fmt.Errorf("embedding.dimensions must be positive, got %d", cfg.Embedding.Dimensions))
	}
	if cfg.Embedding.MaxBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("embedding.max_batch_size must be positive, got %d", cfg.Embedding.MaxBatchSize))
	}
	if cfg.Embedding.MaxBatchTokens <= 0 {
		errs = append(errs, fmt.Errorf("embedding.max_batch_tokens must be positive, got %d", cfg.Embedding.MaxBatchTokens))
	}
	if cfg.Chunking.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunking.chunk_size must be positive, got %d", cfg.Chunking.ChunkSize))
	}
	if cfg.Chunking.MinChunkTokens < 0 {
		errs = append(errs, fmt.Errorf("chunking.min_chunk_tokens cannot be negative, got %d", cfg.Chunking.MinChunkTokens))
	}
	if cfg.Chunking.MinChunkTokens >= cfg.Chunking.ChunkSize {
		errs = append(errs, fmt.Errorf("chunking.min_chunk_tokens (%d) must be below chunking.chunk_size (%d)",
			cfg.Chunking.MinChunkTokens, cfg.Chunking.ChunkSize))
	}
	if cfg.Registry.MaxProjects <= 0 {
		errs = append(errs, fmt.Errorf("registry.max_projects must be positive, got %d", cfg.Registry.MaxProjects))
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1-65535, got %d", cfg.Server.Port))
	}

	validLevels := map[string]bool{"DEBUG": true, "INFO": true, "WARNING": true, "WARN": true, "ERROR": true}
	if !validLevels[strings.ToUpper(cfg.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level must be one of DEBUG, INFO, WARNING, ERROR, got %q", cfg.Logging.Level))
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", cfg.Logging.Format))
	}

	return errs
}

// ParseLevel maps a log level name to a slog level. WARNING is accepted as
// an alias for WARN; unknown values fall back to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolvePath normalizes a project path so that aliases of one directory
// share registry state and cache location. Symlinks are resolved when the
// target exists.
func ResolvePath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path %q: %w", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs), nil
}

// ProjectCacheDir returns the cache directory for a resolved project path:
// <cache root>/<first 12 hex chars of SHA-256 of the path>.
func (c *Config) ProjectCacheDir(projectPath string) string {
	sum := sha256.Sum256([]byte(projectPath))
	return filepath.Join(c.Cache.Dir, hex.EncodeToString(sum[:])[:12])
}

// ProjectDBPath returns the database file for a resolved project path.
func (c *Config) ProjectDBPath(projectPath string) string {
	return filepath.Join(c.ProjectCacheDir(projectPath), DBFileName)
}

// HasDiskCache reports whether an index database exists on disk for the
// resolved project path.
func (c *Config) HasDiskCache(projectPath string) bool {
	info, err := os.Stat(c.ProjectDBPath(projectPath))
	return err == nil && !info.IsDir()
}

// HasAPIKey reports whether an embedding API key is configured.
func (c *Config) HasAPIKey() bool {
	return strings.TrimSpace(c.Embedding.APIKey) != ""
}
