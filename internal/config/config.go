// Package config provides layered configuration loading for securestore.
// It merges Defaults -> Environment Variables -> CLI Flags, with validation.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/haukened/securestore/internal/domain"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they become keys.
const EnvPrefix = "SECURESTORE_"

// SQLite driver names accepted by the driver key.
const (
	DriverMattn   = "sqlite3"
	DriverModernc = "sqlite"
)

// Config holds the merged runtime configuration.
// Order of precedence (lowest → highest): Defaults → Environment → CLI Flags.
type Config struct {
	DataDir   string `koanf:"data_dir" validate:"required,safe_path"`
	DBName    string `koanf:"db_name" validate:"required,excludesall=/\\"`
	Driver    string `koanf:"driver" validate:"sqlite_driver"`
	BackupDir string `koanf:"backup_dir" validate:"required,safe_path"`

	Password      string `koanf:"password"`
	Salt          string `koanf:"salt" validate:"required"`
	KDFIterations int    `koanf:"kdf_iterations" validate:"gte=100000"`

	EncryptionEnabled  bool                   `koanf:"encryption_enabled"`
	CompressionEnabled bool                   `koanf:"compression_enabled"`
	ChecksumsEnabled   bool                   `koanf:"checksums_enabled"`
	CompressionType    domain.CompressionType `koanf:"compression_type" validate:"compression_type"`
	CompressionLevel   int                    `koanf:"compression_level" validate:"min=1,max=9"`

	BackupCompression bool          `koanf:"backup_compression"`
	BackupEncryption  bool          `koanf:"backup_encryption"`
	BackupRetention   time.Duration `koanf:"backup_retention"`

	MaxAttempts           int           `koanf:"max_attempts" validate:"min=1,max=20"`
	RetryBaseDelay        time.Duration `koanf:"retry_base_delay"`
	VerifyIntegrityOnRead bool          `koanf:"verify_integrity_on_read"`
	JanitorInterval       time.Duration `koanf:"janitor_interval"`
	MetricsFlushInterval  time.Duration `koanf:"metrics_flush_interval"`

	LogLevel  string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `koanf:"log_format" validate:"oneof=text json"`
}

// DefaultAppConfig is the lowest-precedence layer.
var DefaultAppConfig = Config{
	DataDir:               "./data",
	DBName:                "securestore.db",
	Driver:                DriverMattn,
	BackupDir:             "backups",
	Salt:                  "bms_salt_2024",
	KDFIterations:         100_000,
	EncryptionEnabled:     true,
	CompressionEnabled:    true,
	ChecksumsEnabled:      true,
	CompressionType:       domain.CompressionGzip,
	CompressionLevel:      domain.DefaultCompressionLevel,
	BackupCompression:     true,
	BackupEncryption:      true,
	BackupRetention:       domain.DefaultRetention,
	MaxAttempts:           5,
	RetryBaseDelay:        100 * time.Millisecond,
	VerifyIntegrityOnRead: true,
	JanitorInterval:       time.Hour,
	MetricsFlushInterval:  5 * time.Second,
	LogLevel:              "info",
	LogFormat:             "text",
}

// Loaders are package variables so tests can force each layer to fail.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		for tag, fn := range map[string]validator.Func{
			"safe_path":        validSafePath,
			"compression_type": validCompressionType,
			"sqlite_driver":    validSQLiteDriver,
		} {
			if err := v.RegisterValidation(tag, fn); err != nil {
				return err
			}
		}
		return nil
	}
)

// Load builds the configuration from defaults and the environment.
func Load() (*Config, error) {
	return LoadWithOverrides(nil)
}

// LoadWithOverrides layers overrides (typically changed CLI flags, keyed by
// config key) above the environment.
func LoadWithOverrides(overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	for key, val := range overrides {
		if err := k.Set(key, val); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				StringToCompressionType(),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	v := validator.New()
	if err := registerValidators(v); err != nil {
		return nil, fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validateCross(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validateCross() error {
	if domain.ValidateRetention(c.BackupRetention) != nil {
		return fmt.Errorf("backup_retention must be between %s and %s", domain.MinRetention, domain.MaxRetention)
	}
	if c.RetryBaseDelay <= 0 {
		return errors.New("retry_base_delay must be positive")
	}
	if c.JanitorInterval <= 0 {
		return errors.New("janitor_interval must be positive")
	}
	if c.MetricsFlushInterval <= 0 {
		return errors.New("metrics_flush_interval must be positive")
	}
	if filepath.Clean(c.BackupDir) == filepath.Clean(c.DataDir) {
		return errors.New("backup_dir must differ from data_dir")
	}
	return nil
}

// DBPath is the SQLite file location.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, c.DBName)
}

// BackupPath is the backup directory. A relative backup_dir resolves against
// the working directory, the same as data_dir.
func (c *Config) BackupPath() string {
	return filepath.Clean(c.BackupDir)
}

// SQLiteDSN builds the driver-specific DSN. Both forms enable WAL, foreign
// keys, a busy timeout, synchronous=FULL and immediate write transactions.
func (c *Config) SQLiteDSN() string {
	if c.Driver == DriverModernc {
		return "file:" + c.DBPath() + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)&_txlock=immediate"
	}
	return "file:" + c.DBPath() + "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"
}

// Security returns the toggles used to seed persisted settings on first run.
func (c *Config) Security() domain.SecurityConfig {
	return domain.SecurityConfig{
		EncryptionEnabled:  c.EncryptionEnabled,
		CompressionEnabled: c.CompressionEnabled,
		ChecksumsEnabled:   c.ChecksumsEnabled,
		CompressionType:    c.CompressionType,
		CompressionLevel:   c.CompressionLevel,
	}.Normalize()
}

// validSafePath rejects empty, root-like and traversing paths.
func validSafePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.TrimSpace(p) == "" {
		return false
	}
	clean := filepath.Clean(p)
	if clean == "." || clean == string(filepath.Separator) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

func validCompressionType(fl validator.FieldLevel) bool {
	return domain.CompressionType(fl.Field().String()).Valid()
}

func validSQLiteDriver(fl validator.FieldLevel) bool {
	d := fl.Field().String()
	return d == DriverMattn || d == DriverModernc
}
