// Package config loads kiln's deployment configuration.
//
// Values come from, in increasing precedence: built-in defaults, the YAML
// config file, a .env file next to the working directory, and KILN_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jbweber/kiln/api/v1alpha1"
	"github.com/jbweber/kiln/internal/disk"
	kilnlibvirt "github.com/jbweber/kiln/internal/libvirt"
	"github.com/jbweber/kiln/internal/lock"
	"github.com/jbweber/kiln/internal/logging"
	"github.com/jbweber/kiln/internal/media"
	"github.com/jbweber/kiln/internal/store"
)

const (
	// DefaultConfigPath is read when no --config flag is given.
	DefaultConfigPath = "/etc/kiln/kiln.yaml"

	// DefaultEnvFile is the dotenv file consulted by Load.
	DefaultEnvFile = ".env"

	// DefaultMediaDir holds install ISOs.
	DefaultMediaDir = "/var/lib/libvirt/boot"

	LockLocal = "local"
	LockFile  = "file"
	LockRedis = "redis"
)

// Config is the complete deployment configuration.
type Config struct {
	Libvirt LibvirtConfig  `yaml:"libvirt"`
	Disk    DiskConfig     `yaml:"disk"`
	Media   MediaConfig    `yaml:"media"`
	Network NetworkConfig  `yaml:"network"`
	Store   store.Config   `yaml:"store"`
	Lock    LockConfig     `yaml:"lock"`
	NATS    NATSConfig     `yaml:"nats"`
	Log     logging.Config `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
}

// LibvirtConfig locates the hypervisor daemon.
type LibvirtConfig struct {
	SocketPath     string        `yaml:"socket_path"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// DiskConfig controls where boot disks are created.
type DiskConfig struct {
	StorageBase string `yaml:"storage_base"`

	// Owner is the system user that should own disk images, e.g. "qemu".
	Owner string `yaml:"owner,omitempty"`
}

// MediaConfig locates install media.
type MediaConfig struct {
	Dir string `yaml:"dir"`

	// Entries replace or extend the built-in OS table.
	Entries map[v1alpha1.OSType]media.Entry `yaml:"entries,omitempty"`
}

// NetworkConfig selects the host bridge new VMs attach to.
type NetworkConfig struct {
	Bridge string `yaml:"bridge"`
}

// LockConfig selects the per-name locker.
type LockConfig struct {
	// Backend is local, file or redis.
	Backend string      `yaml:"backend"`
	Dir     string      `yaml:"dir,omitempty"`
	Redis   RedisConfig `yaml:"redis,omitempty"`
}

// RedisConfig is used by the redis lock backend.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
}

// NATSConfig enables publishing drift findings. An empty URL disables it.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix,omitempty"`
}

// MetricsConfig is used by `kiln watch`.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Libvirt: LibvirtConfig{
			SocketPath:     kilnlibvirt.DefaultSocketPath,
			ConnectTimeout: kilnlibvirt.DefaultConnectTimeout,
		},
		Disk:    DiskConfig{StorageBase: disk.DefaultStorageBase},
		Media:   MediaConfig{Dir: DefaultMediaDir},
		Network: NetworkConfig{Bridge: kilnlibvirt.DefaultBridge},
		Store: store.Config{
			Backend: store.BackendSQLite,
			Path:    store.DefaultSQLitePath,
		},
		Lock: LockConfig{
			Backend: LockFile,
			Dir:     lock.DefaultLockDir,
			Redis:   RedisConfig{TTL: lock.DefaultRedisTTL},
		},
		Log: logging.Config{Level: "info", Format: logging.FormatConsole},
	}
}

// Load reads the configuration file at path. A missing file is not an error
// when path is DefaultConfigPath. Environment overrides are applied after the
// file, then the result is validated.
func Load(path string) (*Config, error) {
	return load(path, DefaultEnvFile, os.LookupEnv)
}

func load(path, envFile string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && path == DefaultConfigPath:
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dotenv, err := readEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	env := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// readEnvFile parses a dotenv file without touching the process environment.
func readEnvFile(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	vals, err := godotenv.Read(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read env file %s: %w", path, err)
	}
	return vals, nil
}

func (c *Config) applyEnv(env func(string) (string, bool)) error {
	strs := map[string]*string{
		"KILN_LIBVIRT_SOCKET": &c.Libvirt.SocketPath,
		"KILN_STORAGE_BASE":   &c.Disk.StorageBase,
		"KILN_DISK_OWNER":     &c.Disk.Owner,
		"KILN_MEDIA_DIR":      &c.Media.Dir,
		"KILN_BRIDGE":         &c.Network.Bridge,
		"KILN_STORE_BACKEND":  &c.Store.Backend,
		"KILN_STORE_PATH":     &c.Store.Path,
		"KILN_STORE_DSN":      &c.Store.DSN,
		"KILN_LOCK_BACKEND":   &c.Lock.Backend,
		"KILN_LOCK_DIR":       &c.Lock.Dir,
		"KILN_REDIS_ADDR":     &c.Lock.Redis.Addr,
		"KILN_REDIS_PASSWORD": &c.Lock.Redis.Password,
		"KILN_NATS_URL":       &c.NATS.URL,
		"KILN_LOG_LEVEL":      &c.Log.Level,
		"KILN_LOG_FORMAT":     &c.Log.Format,
		"KILN_METRICS_ADDR":   &c.Metrics.Addr,
	}
	for key, dst := range strs {
		if v, ok := env(key); ok {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"KILN_LIBVIRT_TIMEOUT": &c.Libvirt.ConnectTimeout,
		"KILN_REDIS_TTL":       &c.Lock.Redis.TTL,
	}
	for key, dst := range durations {
		if v, ok := env(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q: %w", key, v, err)
			}
			*dst = d
		}
	}

	if v, ok := env("KILN_REDIS_DB"); ok {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("KILN_REDIS_DB: invalid integer %q: %w", v, err)
		}
		c.Lock.Redis.DB = db
	}
	return nil
}

// Validate checks the configuration for errors.
// Does not check that the hypervisor, directories or services exist.
func (c *Config) Validate() error {
	if c.Libvirt.SocketPath == "" {
		return fmt.Errorf("libvirt.socket_path is required")
	}
	if c.Libvirt.ConnectTimeout <= 0 {
		return fmt.Errorf("libvirt.connect_timeout must be > 0, got %s", c.Libvirt.ConnectTimeout)
	}
	if c.Disk.StorageBase == "" {
		return fmt.Errorf("disk.storage_base is required")
	}
	if c.Media.Dir == "" {
		return fmt.Errorf("media.dir is required")
	}
	for osType, e := range c.Media.Entries {
		if e.ISO == "" {
			return fmt.Errorf("media.entries[%s]: iso is required", osType)
		}
	}
	if c.Network.Bridge == "" {
		return fmt.Errorf("network.bridge is required")
	}

	switch c.Store.Backend {
	case store.BackendSQLite, store.BackendBadger:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s backend", c.Store.Backend)
		}
	case store.BackendPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of sqlite, badger, postgres, got %q", c.Store.Backend)
	}

	switch c.Lock.Backend {
	case LockLocal:
	case LockFile:
		if c.Lock.Dir == "" {
			return fmt.Errorf("lock.dir is required for the file backend")
		}
	case LockRedis:
		if err := validateHostPort(c.Lock.Redis.Addr); err != nil {
			return fmt.Errorf("lock.redis.addr: %w", err)
		}
		if c.Lock.Redis.TTL <= 0 {
			return fmt.Errorf("lock.redis.ttl must be > 0, got %s", c.Lock.Redis.TTL)
		}
	default:
		return fmt.Errorf("lock.backend must be one of local, file, redis, got %q", c.Lock.Backend)
	}

	if c.Metrics.Addr != "" {
		if err := validateHostPort(c.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func validateHostPort(addr string) error {
	if addr == "" {
		return fmt.Errorf("address is required")
	}
	if _, port, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	} else if _, err := strconv.ParseUint(port, 10, 16); err != nil {
		return fmt.Errorf("invalid port in %q", addr)
	}
	return nil
}
