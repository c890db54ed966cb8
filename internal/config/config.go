// Package config resolves the server's runtime configuration from
// environment variables, falling back to the defaults the original
// aws.c invocation hardcoded (listen on 8080, serve ./static and
// ./dynamic, single-threaded).
package config

import (
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// Config bundles everything the listener bootstrap and the shards need.
type Config struct {
	// ListenAddr is the address the listening socket binds, e.g. ":8080".
	ListenAddr string
	// Backlog is the listen() backlog passed to the kernel.
	Backlog int
	// Shards is the number of independent event-loop goroutines sharing
	// the listen address via SO_REUSEPORT.
	Shards int
	// IOQueueDepth is the io_uring submission queue depth of each
	// connection's async engine.
	IOQueueDepth int
	// MaxConnections caps concurrently open connections per shard.
	MaxConnections int
	// StaticDir is the filesystem root resources under /static/ resolve
	// against.
	StaticDir string
	// DynamicDir is the filesystem root resources under /dynamic/ resolve
	// against.
	DynamicDir string
	// LogLevel is passed straight through to internal/logging.
	LogLevel string
	// LogFile, when non-empty, routes logs through a rotating file sink.
	LogFile string
}

const (
	envListenAddr     = "AIOHTTPD_LISTEN_ADDR"
	envBacklog        = "AIOHTTPD_BACKLOG"
	envShards         = "AIOHTTPD_SHARDS"
	envIOQueueDepth   = "AIOHTTPD_IO_QUEUE_DEPTH"
	envMaxConnections = "AIOHTTPD_MAX_CONNECTIONS"
	envStaticDir      = "AIOHTTPD_STATIC_DIR"
	envDynamicDir     = "AIOHTTPD_DYNAMIC_DIR"
	envLogLevel       = "AIOHTTPD_LOG_LEVEL"
	envLogFile        = "AIOHTTPD_LOG_FILE"
)

// Default returns the configuration the server runs with when no
// environment overrides are present.
func Default() Config {
	return Config{
		ListenAddr:     ":8080",
		Backlog:        1024,
		Shards:         1,
		IOQueueDepth:   128,
		MaxConnections: 4096,
		StaticDir:      "./static",
		DynamicDir:     "./dynamic",
		LogLevel:       "info",
	}
}

// FromEnv starts from Default and overrides fields whose environment
// variable is set. It returns an error if a numeric override fails to
// parse or is out of range.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv(envListenAddr); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv(envStaticDir); ok {
		cfg.StaticDir = v
	}
	if v, ok := os.LookupEnv(envDynamicDir); ok {
		cfg.DynamicDir = v
	}
	if v, ok := os.LookupEnv(envLogLevel); ok {
		cfg.LogLevel = v
	}
	if v, ok := os.LookupEnv(envLogFile); ok {
		cfg.LogFile = v
	}

	var err error
	if cfg.Backlog, err = overrideInt(envBacklog, cfg.Backlog); err != nil {
		return Config{}, err
	}
	if cfg.Shards, err = overrideInt(envShards, cfg.Shards); err != nil {
		return Config{}, err
	}
	if cfg.IOQueueDepth, err = overrideInt(envIOQueueDepth, cfg.IOQueueDepth); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnections, err = overrideInt(envMaxConnections, cfg.MaxConnections); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func overrideInt(name string, current int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok {
		return current, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Wrapf(err, "config: %s must be an integer, got %q", name, v)
	}
	return n, nil
}

// Validate rejects configurations the server cannot run with.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen address must not be empty")
	}
	if c.Backlog <= 0 {
		return errors.New("config: backlog must be positive")
	}
	if c.Shards <= 0 {
		return errors.New("config: shards must be positive")
	}
	if c.IOQueueDepth <= 0 {
		return errors.New("config: io queue depth must be positive")
	}
	if c.MaxConnections <= 0 {
		return errors.New("config: max connections must be positive")
	}
	if c.StaticDir == "" {
		return errors.New("config: static dir must not be empty")
	}
	if c.DynamicDir == "" {
		return errors.New("config: dynamic dir must not be empty")
	}
	return nil
}
