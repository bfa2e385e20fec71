package helpers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stephnangue/turnstile/catalog"
	"github.com/stephnangue/turnstile/cipher"
	"github.com/stephnangue/turnstile/config"
	"github.com/stephnangue/turnstile/core"
	"github.com/stephnangue/turnstile/helper"
	"github.com/stephnangue/turnstile/internal/configutil"
	"github.com/stephnangue/turnstile/locking"
	log "github.com/stephnangue/turnstile/logger"
	"github.com/stephnangue/turnstile/physical"
	"github.com/stephnangue/turnstile/physical/inmem"
	"github.com/stephnangue/turnstile/physical/postgres"
	"github.com/stephnangue/turnstile/physical/sqlite"
	"golang.org/x/time/rate"
)

const (
	subsystemCore     = "core"
	subsystemRegistry = "registry"
	subsystemLocking  = "locking"
	subsystemCleaner  = "cleaner"
	subsystemCrypto   = "crypto"
)

// StorageBackends maps storage block types to backend factories.
var StorageBackends = map[string]physical.Factory{
	"inmem":    inmem.NewInmem,
	"sqlite":   sqlite.NewSQLiteBackend,
	"postgres": postgres.NewPostgreSQLBackend,
}

// ResolveConfigPath returns the flag value, falling back to TURNSTILE_CONFIG.
func ResolveConfigPath(flagValue string) (string, error) {
	path := flagValue
	if path == "" {
		path = helper.ReadEnv(helper.EnvConfigPath)
	}
	if path == "" {
		return "", errors.New("config file path is required. Use -c or --config flag")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", fmt.Errorf("config file not found: %s", path)
	}
	return path, nil
}

// LoadConfig loads the configuration and resolves @file references in the
// crypto settings.
func LoadConfig(flagValue string) (*config.Config, error) {
	path, err := ResolveConfigPath(flagValue)
	if err != nil {
		return nil, err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Crypto.Settings != nil {
		if _, err := ResolveFileRefs(cfg.Crypto.Settings); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// BuildGatedLogger constructs the logger with its gate closed, so that
// initialization output is held back until OpenGate.
func BuildGatedLogger(cfg *config.Config, out io.Writer) *log.GatedLogger {
	logConfig := &log.Config{
		Level:     log.ParseLogLevel(cfg.LogLevel),
		Format:    log.ParseOutputFormat(cfg.LogFormat),
		Subsystem: subsystemCore,
		Outputs:   []io.Writer{out},
	}
	if cfg.LogFile != "" {
		fc := log.DefaultFileConfig(cfg.LogFile)
		fc.MaxSize = cfg.LogRotateMegabytes
		if cfg.LogRotateMaxFiles > 0 {
			fc.MaxBackups = cfg.LogRotateMaxFiles
		}
		logConfig.FileConfig = fc
	}

	return log.NewGatedLogger(logConfig, log.GatedWriterConfig{
		Underlying:    out,
		InitialState:  log.GateClosed,
		MaxBufferSize: 10 * 1024 * 1024, // 10MB buffer for initialization logs
	})
}

// BuildStorage constructs the configured backend.
func BuildStorage(cfg *config.Config, logger log.Logger) (physical.Backend, error) {
	if cfg.Storage == nil {
		return nil, errors.New("a storage backend must be specified")
	}
	factory, exists := StorageBackends[cfg.Storage.Type]
	if !exists {
		return nil, fmt.Errorf("unknown storage type %s", cfg.Storage.Type)
	}
	backend, err := factory(cfg.Storage.Config(), logger.WithSubsystem("storage."+cfg.Storage.Type))
	if err != nil {
		return nil, fmt.Errorf("error initializing storage of type %s: %w", cfg.Storage.Type, err)
	}
	return backend, nil
}

// Runtime is the set of components a turnstile process runs with.
type Runtime struct {
	Config   *config.Config
	Logger   log.Logger
	Metrics  metrics.MetricSink
	Backend  physical.Backend
	Catalog  *catalog.Catalog
	Cipher   cipher.Cipher
	Registry *core.TicketRegistry
	Locker   locking.Strategy
	Cleaner  *core.Cleaner
	Settings config.CleanerSettings
	NodeName string
}

// RuntimeOptions adjusts BuildRuntime.
type RuntimeOptions struct {
	Metrics metrics.MetricSink

	// NoLock makes the cleaner skip the cluster lock.
	NoLock bool
}

// BuildRuntime wires every component from the configuration. The backend
// is closed again when a later step fails.
func BuildRuntime(ctx context.Context, cfg *config.Config, logger log.Logger, opts RuntimeOptions) (_ *Runtime, retErr error) {
	sink := opts.Metrics
	if sink == nil {
		sink = &metrics.BlackholeSink{}
	}

	settings, err := cfg.Cleaner.Parse()
	if err != nil {
		return nil, err
	}
	txOpts, err := cfg.Storage.TxOptions()
	if err != nil {
		return nil, err
	}
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, err
	}
	ciph, err := configutil.BuildCipher(ctx, cfg.Crypto, logger.WithSubsystem(subsystemCrypto))
	if err != nil {
		return nil, err
	}

	backend, err := BuildStorage(cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		if retErr != nil {
			_ = backend.Close()
		}
	}()

	var limiter *rate.Limiter
	if settings.BatchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(settings.BatchesPerSecond), 1)
	}

	registry, err := core.NewTicketRegistry(core.RegistryConfig{
		Backend:        backend,
		Catalog:        cat,
		Cipher:         ciph,
		Logger:         logger.WithSubsystem(subsystemRegistry),
		Metrics:        sink,
		TxOptions:      txOpts,
		SweepBatchSize: settings.BatchSize,
		SweepLimiter:   limiter,
	})
	if err != nil {
		return nil, err
	}

	nodeName := locking.NodeIdentity(cfg.NodeName)
	var strategy locking.Strategy = locking.NoOp{}
	if !opts.NoLock {
		strategy, err = locking.NewLocker(locking.Config{
			Backend: backend,
			LockID:  settings.LockName,
			Owner:   nodeName,
			Lease:   settings.LockTimeout,
			Logger:  logger.WithSubsystem(subsystemLocking),
			Metrics: sink,
		})
		if err != nil {
			return nil, err
		}
	}

	cleaner, err := core.NewCleaner(core.CleanerConfig{
		Registry: registry,
		Strategy: strategy,
		Schedule: settings.Schedule,
		Logger:   logger.WithSubsystem(subsystemCleaner),
	})
	if err != nil {
		return nil, err
	}

	return &Runtime{
		Config:   cfg,
		Logger:   logger,
		Metrics:  sink,
		Backend:  backend,
		Catalog:  cat,
		Cipher:   ciph,
		Registry: registry,
		Locker:   strategy,
		Cleaner:  cleaner,
		Settings: settings,
		NodeName: nodeName,
	}, nil
}

// Info returns the startup summary printed by the server.
func (r *Runtime) Info() map[string]string {
	info := map[string]string{
		"log level":        r.Config.LogLevel,
		"node name":        r.NodeName,
		"storage":          r.Config.Storage.Type,
		"ticket kinds":     fmt.Sprintf("%d", r.Catalog.Len()),
		"encryption":       fmt.Sprintf("%t", r.Cipher.Enabled()),
		"cleaner":          fmt.Sprintf("%t", r.Settings.Enabled),
		"cleaner lock":     r.Settings.LockName,
		"cleaner lease":    helper.FormatDuration(r.Settings.LockTimeout),
		"sweep batch":      fmt.Sprintf("%d", r.Settings.BatchSize),
		"cleaner schedule": r.Settings.Schedule,
	}
	if r.Config.LogFile != "" {
		info["log file"] = r.Config.LogFile
	}
	if r.Config.Storage.ConnectionURL != "" {
		info["connection url"] = RedactURL(r.Config.Storage.ConnectionURL)
	}
	if r.Config.Storage.Path != "" {
		info["storage path"] = r.Config.Storage.Path
	}
	if r.Cipher.Enabled() {
		info["encryption type"] = r.Config.Crypto.Type
		for k, v := range MaskConfigFields(SensitiveCryptoSettings, r.Config.Crypto.Settings) {
			info["encryption "+k] = v
		}
	}
	return info
}

// Close releases the backend.
func (r *Runtime) Close() error {
	return r.Backend.Close()
}

// ShutdownTimeout bounds how long a stopping process waits for a running
// sweep.
const ShutdownTimeout = 30 * time.Second
