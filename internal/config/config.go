// Package config loads keyring-server settings from defaults, an optional
// config file, a .env file and KEYRING_* environment variables, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/glinharesb/keyring-go/internal/crypto"
	"github.com/glinharesb/keyring-go/internal/rotation"
	"github.com/glinharesb/keyring-go/internal/scheduler"
)

// EnvPrefix prefixes every environment variable, e.g. KEYRING_GRPC_ADDR
// for grpc.addr.
const EnvPrefix = "KEYRING"

type Config struct {
	DataDir   string          `mapstructure:"data_dir"`
	MasterKey string          `mapstructure:"master_key"`
	BackupDir string          `mapstructure:"backup_dir"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Audit     AuditConfig     `mapstructure:"audit"`
	History   HistoryConfig   `mapstructure:"history"`
	Rotation  RotationConfig  `mapstructure:"rotation"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type GRPCConfig struct {
	Addr         string `mapstructure:"addr"`
	TLSCert      string `mapstructure:"tls_cert"`
	TLSKey       string `mapstructure:"tls_key"`
	AuthToken    string `mapstructure:"auth_token"`
	RateLimitRPS int    `mapstructure:"rate_limit_rps"`
}

type AuditConfig struct {
	Buffer    int `mapstructure:"buffer"`
	Retention int `mapstructure:"retention"`
}

type HistoryConfig struct {
	// DBPath defaults to history.db inside the data dir.
	DBPath string `mapstructure:"db_path"`
}

type RotationConfig struct {
	CheckSchedule   string `mapstructure:"check_schedule"`
	Actor           string `mapstructure:"actor"`
	IntervalDays    uint32 `mapstructure:"interval_days"`
	GracePeriodDays uint32 `mapstructure:"grace_period_days"`
	MaxVersions     uint32 `mapstructure:"max_versions"`
	WarningDays     uint32 `mapstructure:"warning_days"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables a rotated log file next to stdout when set.
	File              string `mapstructure:"file"`
	RotationTimeHours int    `mapstructure:"rotation_time_hours"`
	MaxAgeDays        int    `mapstructure:"max_age_days"`
}

type TelemetryConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Endpoint     string  `mapstructure:"endpoint"`
	ServiceName  string  `mapstructure:"service_name"`
	SamplingRate float64 `mapstructure:"sampling_rate"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("master_key", "")
	v.SetDefault("backup_dir", "")

	v.SetDefault("grpc.addr", ":50051")
	v.SetDefault("grpc.tls_cert", "")
	v.SetDefault("grpc.tls_key", "")
	v.SetDefault("grpc.auth_token", "dev-token")
	v.SetDefault("grpc.rate_limit_rps", 100)

	v.SetDefault("audit.buffer", 1024)
	v.SetDefault("audit.retention", 10000)

	v.SetDefault("history.db_path", "")

	policy := rotation.DefaultPolicy()
	v.SetDefault("rotation.check_schedule", scheduler.DefaultSpec)
	v.SetDefault("rotation.actor", "scheduler")
	v.SetDefault("rotation.interval_days", policy.RotationIntervalDays)
	v.SetDefault("rotation.grace_period_days", policy.GracePeriodDays)
	v.SetDefault("rotation.max_versions", policy.MaxVersions)
	v.SetDefault("rotation.warning_days", policy.WarningDays)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.rotation_time_hours", 24)
	v.SetDefault("log.max_age_days", 30)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.endpoint", "localhost:4317")
	v.SetDefault("telemetry.service_name", "keyring-server")
	v.SetDefault("telemetry.sampling_rate", 1.0)
}

// Load reads the configuration. path names an optional config file; when
// empty, KEYRING_CONFIG is consulted. A .env file in the working directory
// is loaded first and never overrides variables already set.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must not be empty"))
	}
	if c.MasterKey != "" {
		if _, err := crypto.ParseMasterKey(c.MasterKey); err != nil {
			errs = append(errs, fmt.Errorf("master_key: %w", err))
		}
	}
	if c.GRPC.Addr == "" {
		errs = append(errs, errors.New("grpc.addr must not be empty"))
	}
	if (c.GRPC.TLSCert == "") != (c.GRPC.TLSKey == "") {
		errs = append(errs, errors.New("grpc.tls_cert and grpc.tls_key must be set together"))
	}
	if c.GRPC.RateLimitRPS < 0 {
		errs = append(errs, errors.New("grpc.rate_limit_rps must not be negative"))
	}
	if c.Audit.Buffer <= 0 {
		errs = append(errs, errors.New("audit.buffer must be positive"))
	}
	if c.Audit.Retention < 0 {
		errs = append(errs, errors.New("audit.retention must not be negative"))
	}
	if c.Rotation.IntervalDays == 0 {
		errs = append(errs, errors.New("rotation.interval_days must be positive"))
	}
	if c.Rotation.MaxVersions < 2 {
		errs = append(errs, errors.New("rotation.max_versions must be at least 2"))
	}
	if _, err := scheduler.ParseSpec(c.Rotation.CheckSchedule); err != nil {
		errs = append(errs, fmt.Errorf("rotation.check_schedule: %w", err))
	}
	if c.Log.RotationTimeHours <= 0 {
		errs = append(errs, errors.New("log.rotation_time_hours must be positive"))
	}
	if c.Log.MaxAgeDays <= 0 {
		errs = append(errs, errors.New("log.max_age_days must be positive"))
	}
	if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
		errs = append(errs, errors.New("telemetry.sampling_rate must be within [0, 1]"))
	}
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		errs = append(errs, errors.New("telemetry.endpoint is required when telemetry is enabled"))
	}
	return errors.Join(errs...)
}

// Policy returns the base rotation policy.
func (c Config) Policy() rotation.KeyRotationPolicy {
	return rotation.KeyRotationPolicy{
		RotationIntervalDays: c.Rotation.IntervalDays,
		GracePeriodDays:      c.Rotation.GracePeriodDays,
		MaxVersions:          c.Rotation.MaxVersions,
		WarningDays:          c.Rotation.WarningDays,
	}
}

// HistoryPath resolves the rotation history database path.
func (c Config) HistoryPath() string {
	if c.History.DBPath != "" {
		return c.History.DBPath
	}
	return filepath.Join(c.DataDir, "history.db")
}

// BackupPath resolves the backup directory.
func (c Config) BackupPath() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(c.DataDir, "backups")
}
