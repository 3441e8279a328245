package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultRepo is the GitHub repository whose metadata the site displays.
const DefaultRepo = "cocopilot/cocopilot"

// Prune scopes decide which stale generations are deleted on activation.
const (
	PruneAll    = "all"
	PrunePrefix = "prefix"
)

// Config holds all CocoPilot configuration.
type Config struct {
	Listen string       `yaml:"listen"`
	DBPath string       `yaml:"db_path"`
	Log    LogConfig    `yaml:"log"`
	Worker WorkerConfig `yaml:"worker"`
	Fetch  FetchConfig  `yaml:"fetch"`
	Sync   SyncConfig   `yaml:"sync"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// WorkerConfig is the immutable configuration of one cache worker version.
type WorkerConfig struct {
	Version     string   `yaml:"version"`
	CachePrefix string   `yaml:"cache_prefix"`
	Origin      string   `yaml:"origin"`
	APIHost     string   `yaml:"api_host"`
	Repo        string   `yaml:"repo"`
	Precache    []string `yaml:"precache"`
	Optional    []string `yaml:"optional"`
	SyncTag     string   `yaml:"sync_tag"`
	MetadataURL string   `yaml:"metadata_url"`
	SkipWaiting bool     `yaml:"skip_waiting"`
	PruneScope  string   `yaml:"prune_scope"`
}

// RepoMetadataURL is the GitHub API endpoint for an owner/name repository.
func RepoMetadataURL(apiHost, repo string) string {
	return "https://" + apiHost + "/repos/" + repo
}

// fillRepoDefaults derives the metadata endpoint from Repo when the metadata
// URL or the optional prefetch list is left unset. An explicit empty list
// disables the prefetch.
func (w *WorkerConfig) fillRepoDefaults() {
	if w.Repo == "" || w.APIHost == "" {
		return
	}
	endpoint := RepoMetadataURL(w.APIHost, w.Repo)
	if w.MetadataURL == "" {
		w.MetadataURL = endpoint
	}
	if w.Optional == nil {
		w.Optional = []string{endpoint}
	}
}

// CacheName is the name of the generation owned by this version.
func (w WorkerConfig) CacheName() string {
	return w.CachePrefix + w.Version
}

// FetchConfig controls the outbound HTTP client.
type FetchConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// SyncConfig controls the background sync scheduler. A zero interval disables it.
type SyncConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	cfg := defaults()
	cfg.Worker.fillRepoDefaults()
	return cfg
}

// defaults leaves the repo-derived fields unset so that a config file changing
// the repo or api host derives them afresh.
func defaults() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "cocopilot.db",
		Log: LogConfig{
			Level: "info",
		},
		Worker: WorkerConfig{
			Version:     "v2",
			Origin:      "http://localhost:8000",
			APIHost:     "api.github.com",
			Repo:        DefaultRepo,
			Precache:    []string{"/", "/index.html", "/favicon.svg", "/manifest.json"},
			SyncTag:     "sync-repo-data",
			SkipWaiting: true,
			PruneScope:  PruneAll,
		},
		Fetch: FetchConfig{
			Timeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			Interval: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Worker.fillRepoDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the fields the worker cannot run without.
func (c *Config) Validate() error {
	w := c.Worker
	if w.Version == "" {
		return fmt.Errorf("worker.version is required")
	}
	origin, err := url.Parse(w.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("worker.origin must be an absolute URL, got %q", w.Origin)
	}
	if w.APIHost == "" {
		return fmt.Errorf("worker.api_host is required")
	}
	switch w.PruneScope {
	case PruneAll, PrunePrefix:
	default:
		return fmt.Errorf("worker.prune_scope must be %q or %q, got %q", PruneAll, PrunePrefix, w.PruneScope)
	}
	if w.PruneScope == PrunePrefix && w.CachePrefix == "" {
		return fmt.Errorf("worker.prune_scope %q needs a cache_prefix", PrunePrefix)
	}
	return nil
}
