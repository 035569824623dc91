// Package config is the proxy's static configuration: a single struct
// loaded from a YAML file (whose path is the only CLI flag), flat and
// non-reloadable since this proxy's target device has no dynamic-module
// story — just one struct and one file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haw-fu/coap-forward-proxy/internal/proxy"
)

// Config is the complete set of tunable knobs plus the listen address and
// log level needed to run the binary.
type Config struct {
	// ListenAddr is the UDP address the proxy binds, e.g. "[::]:5683".
	ListenAddr string `yaml:"listen_addr"`

	// PDUBufSize sizes the inbound read buffer the transport allocates
	// once and reuses across datagrams.
	PDUBufSize int `yaml:"pdu_buf_size"`

	// ReqWaitingMax is the Client Endpoint Table's fixed capacity.
	ReqWaitingMax int `yaml:"req_waiting_max"`

	// CacheModuleEnabled turns the response cache on or off.
	CacheModuleEnabled bool `yaml:"cache_module_enabled"`

	// CacheMaxEntries bounds the LRU response cache.
	CacheMaxEntries int `yaml:"cache_max_entries"`

	// CacheDefaultMaxAge is the freshness lifetime assumed when an
	// origin response carries no Max-Age option.
	CacheDefaultMaxAge time.Duration `yaml:"cache_default_max_age"`

	// Interfaces statically enumerates the network interfaces the Proxy
	// URI Resolver may select among, by numeric id. Empty means "ask the
	// OS" (internal/netif.System); set explicitly on devices whose
	// interface table is fixed at provisioning time.
	Interfaces []int `yaml:"interfaces"`

	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// MetricsAddr, if non-empty, serves Prometheus metrics on this
	// address (e.g. "127.0.0.1:9464"); empty disables the endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		ListenAddr:         "[::]:5683",
		PDUBufSize:         256,
		ReqWaitingMax:      8,
		CacheModuleEnabled: true,
		CacheMaxEntries:    64,
		CacheDefaultMaxAge: 60 * time.Second,
		LogLevel:           "info",
		MetricsAddr:        "",
	}
}

// Load reads YAML from path, starting from Default() so a partial file
// only overrides what it sets rather than requiring every field spelled
// out.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configuration that would leave the proxy unable to
// run correctly, e.g. a zero-capacity table that could never allocate a
// slot.
func (c Config) Validate() error {
	if c.PDUBufSize <= 0 {
		return fmt.Errorf("config: pdu_buf_size must be positive, got %d", c.PDUBufSize)
	}
	if c.ReqWaitingMax <= 0 {
		return fmt.Errorf("config: req_waiting_max must be positive, got %d", c.ReqWaitingMax)
	}
	if c.CacheModuleEnabled && c.CacheMaxEntries <= 0 {
		return fmt.Errorf("config: cache_max_entries must be positive when caching is enabled, got %d", c.CacheMaxEntries)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// OrchestratorConfig projects the subset of fields proxy.NewOrchestrator
// needs, so internal/proxy never imports internal/config and stays a leaf
// package.
func (c Config) OrchestratorConfig() proxy.Config {
	return proxy.Config{
		PDUBufSize:         c.PDUBufSize,
		ReqWaitingMax:      c.ReqWaitingMax,
		CacheModuleEnabled: c.CacheModuleEnabled,
	}
}
