package config

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/go-secure-stdlib/parseutil"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/stephnangue/turnstile/helper"
	"github.com/stephnangue/turnstile/physical"
)

const (
	DefaultLockName         = "cas-ticket-registry-cleaner"
	DefaultLockTimeout      = time.Hour
	DefaultCleanerSchedule  = "@every 2m"
	DefaultSweepBatchSize   = 500
	DefaultIsolationLevel   = "read_committed"
	DefaultPropagation      = "required"
	DefaultTicketLockType   = "none"
	DefaultLogRotateMaxSize = 100
)

// Config is the configuration for the turnstile server.
type Config struct {
	LogLevel           string `hcl:"log_level,optional"`
	LogFormat          string `hcl:"log_format,optional"`
	LogFile            string `hcl:"log_file,optional"`
	LogRotateMegabytes int    `hcl:"log_rotate_megabytes,optional"`
	LogRotateMaxFiles  int    `hcl:"log_rotate_max_files,optional"`

	// NodeName identifies this node as a lock owner. Defaults to the host name.
	NodeName string `hcl:"node_name,optional"`

	Storage *StorageBlock `hcl:"storage,block"`
	Crypto  *CryptoBlock  `hcl:"crypto,block"`
	Cleaner *CleanerBlock `hcl:"cleaner,block"`
	Kinds   []KindBlock   `hcl:"kind,block"`
}

type StorageBlock struct {
	Type string `hcl:"type,label"` // "inmem", "sqlite" or "postgres"

	// sqlite
	Path string `hcl:"path,optional"`

	// postgres
	ConnectionURL     string `hcl:"connection_url,optional"`
	MaxConnectRetries string `hcl:"max_connect_retries,optional"`
	TicketLockType    string `hcl:"ticket_lock_type,optional"` // "none" or "pessimistic_write"

	MaxParallel        string `hcl:"max_parallel,optional"`
	MaxIdleConnections int    `hcl:"max_idle_connections,optional"`
	IsolationLevel     string `hcl:"isolation_level,optional"`
	Propagation        string `hcl:"propagation,optional"`
	ConnectTimeout     string `hcl:"connect_timeout,optional"`
	SkipMigrations     string `hcl:"skip_migrations,optional"`
}

// Config returns the storage configuration as the option map handed to a
// backend factory. Unset attributes are left out.
func (s *StorageBlock) Config() map[string]string {
	conf := map[string]string{"type": s.Type}
	set := func(key, value string) {
		if value != "" {
			conf[key] = value
		}
	}
	set("path", s.Path)
	set("connection_url", s.ConnectionURL)
	set("max_connect_retries", s.MaxConnectRetries)
	set("ticket_lock_type", s.TicketLockType)
	set("max_parallel", s.MaxParallel)
	if s.MaxIdleConnections != 0 {
		conf["max_idle_connections"] = strconv.Itoa(s.MaxIdleConnections)
	}
	set("isolation_level", s.IsolationLevel)
	set("propagation", s.Propagation)
	set("connect_timeout", s.ConnectTimeout)
	set("skip_migrations", s.SkipMigrations)
	return conf
}

// TxOptions returns the transaction settings used for registry operations.
func (s *StorageBlock) TxOptions() (physical.TxOptions, error) {
	isolation := s.IsolationLevel
	if isolation == "" {
		isolation = DefaultIsolationLevel
	}
	propagation := s.Propagation
	if propagation == "" {
		propagation = DefaultPropagation
	}

	var opts physical.TxOptions
	var err error
	if opts.Isolation, err = physical.ParseIsolation(isolation); err != nil {
		return opts, fmt.Errorf("storage: %w", err)
	}
	if opts.Propagation, err = physical.ParsePropagation(propagation); err != nil {
		return opts, fmt.Errorf("storage: %w", err)
	}
	return opts, nil
}

// CryptoBlock configures ticket payload encryption.
type CryptoBlock struct {
	Enabled    bool              `hcl:"enabled,optional"`
	Type       string            `hcl:"type,optional"` // aead, static, awskms, transit, ...
	Key        string            `hcl:"key,optional"`
	KeyID      string            `hcl:"key_id,optional"`
	SigningKey string            `hcl:"signing_key,optional"`
	Settings   map[string]string `hcl:"config,optional"`
}

// Config returns the wrapper settings, with key_id folded in when set.
func (c *CryptoBlock) Config() map[string]string {
	conf := make(map[string]string, len(c.Settings)+1)
	for k, v := range c.Settings {
		conf[k] = v
	}
	if c.KeyID != "" {
		if _, ok := conf["key_id"]; !ok {
			conf["key_id"] = c.KeyID
		}
	}
	return conf
}

// CleanerBlock configures the background expiration sweep.
type CleanerBlock struct {
	Enabled          *bool   `hcl:"enabled,optional"`
	Schedule         string  `hcl:"schedule,optional"`
	LockName         string  `hcl:"lock_name,optional"`
	LockTimeout      string  `hcl:"lock_timeout,optional"`
	BatchSize        int     `hcl:"batch_size,optional"`
	BatchesPerSecond float64 `hcl:"batches_per_second,optional"`
}

// CleanerSettings is the parsed form of CleanerBlock.
type CleanerSettings struct {
	Enabled          bool
	Schedule         string
	LockName         string
	LockTimeout      time.Duration
	BatchSize        int
	BatchesPerSecond float64
}

// KindBlock overrides the expiration policy of a ticket kind, or declares a
// new kind when Prefix is set and the name is not a built-in kind.
type KindBlock struct {
	Name         string `hcl:"name,label"`
	Prefix       string `hcl:"prefix,optional"`
	Policy       string `hcl:"policy"`
	TTL          string `hcl:"ttl,optional"`
	MaxLifetime  string `hcl:"max_lifetime,optional"`
	StorageClass string `hcl:"storage_class,optional"`
	Description  string `hcl:"description,optional"`
}

// LoadConfig reads and validates an HCL configuration file.
func LoadConfig(configFile string) (*Config, error) {
	var config Config
	if err := hclsimple.DecodeFile(configFile, nil, &config); err != nil {
		return nil, err
	}
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyDefaults() {
	if lvl := helper.ReadEnv(helper.EnvLogLevel); lvl != "" {
		c.LogLevel = lvl
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogRotateMegabytes == 0 {
		c.LogRotateMegabytes = DefaultLogRotateMaxSize
	}
	if c.Storage == nil {
		c.Storage = &StorageBlock{Type: "inmem"}
	}
	if c.Crypto == nil {
		c.Crypto = &CryptoBlock{}
	}
	if c.Crypto.Enabled && c.Crypto.Type == "" {
		c.Crypto.Type = "aead"
	}
	if c.Cleaner == nil {
		c.Cleaner = &CleanerBlock{}
	}
}

// Validate checks the configuration and reports every problem it finds.
func (c *Config) Validate() error {
	var result *multierror.Error

	switch c.Storage.Type {
	case "inmem":
	case "sqlite":
		if c.Storage.Path == "" {
			result = multierror.Append(result, errors.New("storage \"sqlite\": path is required"))
		}
	case "postgres":
		if c.Storage.ConnectionURL == "" {
			result = multierror.Append(result, errors.New("storage \"postgres\": connection_url is required"))
		}
	default:
		result = multierror.Append(result, fmt.Errorf("unknown storage type %q", c.Storage.Type))
	}

	if _, err := c.Storage.TxOptions(); err != nil {
		result = multierror.Append(result, err)
	}

	if c.Crypto.Enabled && c.Crypto.Type == "aead" && c.Crypto.Key == "" {
		result = multierror.Append(result, errors.New("crypto: key is required for aead"))
	}

	if _, err := c.Cleaner.Parse(); err != nil {
		result = multierror.Append(result, err)
	}

	seen := make(map[string]bool, len(c.Kinds))
	for _, k := range c.Kinds {
		if seen[k.Name] {
			result = multierror.Append(result, fmt.Errorf("kind %q declared twice", k.Name))
		}
		seen[k.Name] = true
	}

	return result.ErrorOrNil()
}

// Parse fills in defaults and converts durations.
func (b *CleanerBlock) Parse() (CleanerSettings, error) {
	s := CleanerSettings{
		Enabled:          b.Enabled == nil || *b.Enabled,
		Schedule:         b.Schedule,
		LockName:         b.LockName,
		LockTimeout:      DefaultLockTimeout,
		BatchSize:        b.BatchSize,
		BatchesPerSecond: b.BatchesPerSecond,
	}
	if s.Schedule == "" {
		s.Schedule = DefaultCleanerSchedule
	}
	if s.LockName == "" {
		s.LockName = DefaultLockName
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultSweepBatchSize
	}
	if s.BatchesPerSecond < 0 {
		return s, fmt.Errorf("cleaner: batches_per_second must not be negative")
	}
	if b.LockTimeout != "" {
		d, err := parseutil.ParseDurationSecond(b.LockTimeout)
		if err != nil {
			return s, fmt.Errorf("cleaner: invalid lock_timeout: %w", err)
		}
		if d <= 0 {
			return s, fmt.Errorf("cleaner: lock_timeout must be positive")
		}
		s.LockTimeout = d
	}
	return s, nil
}
