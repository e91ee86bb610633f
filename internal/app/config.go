package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/broadbio/dataregistry/internal/database"
	"github.com/broadbio/dataregistry/internal/dispatch"
	"github.com/broadbio/dataregistry/internal/storage"
)

// Config represents the runtime configuration for the registry backend.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures authentication-related settings.
type AuthConfig struct {
	JWT JWTSettings `mapstructure:"jwt"`
}

// JWTSettings configures JWT access tokens.
type JWTSettings struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"access_token_ttl"`
}

// StorageConfig describes the object storage bucket for raw uploads.
type StorageConfig struct {
	Region string `mapstructure:"region"`
	Bucket string `mapstructure:"bucket"`
}

// BatchConfig tunes remote job submission and reconciliation.
type BatchConfig struct {
	Region         string         `mapstructure:"region"`
	QC             BatchJobConfig `mapstructure:"qc"`
	Aggregation    BatchJobConfig `mapstructure:"aggregation"`
	SubmitAttempts int            `mapstructure:"submit_attempts"`
	SubmitBackoff  time.Duration  `mapstructure:"submit_backoff"`
	PollInterval   time.Duration  `mapstructure:"poll_interval"`
	PollSchedule   string         `mapstructure:"poll_schedule"`
}

// BatchJobConfig pins one job kind to its queue and definition.
type BatchJobConfig struct {
	Queue           string `mapstructure:"queue"`
	Definition      string `mapstructure:"definition"`
	JobName         string `mapstructure:"job_name"`
	VCPUs           string `mapstructure:"vcpus"`
	MemoryMiB       string `mapstructure:"memory_mib"`
	MaxPollAttempts int    `mapstructure:"max_poll_attempts"`
}

// PipelineConfig pins the aggregator code line.
type PipelineConfig struct {
	Branch string `mapstructure:"branch"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("DATAREGISTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/dataregistry.sqlite")

	v.SetDefault("auth.jwt.issuer", "dataregistry")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")

	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("batch.region", "us-east-1")
	v.SetDefault("batch.qc.job_name", "sumstats-qc")
	v.SetDefault("batch.qc.vcpus", "4")
	v.SetDefault("batch.qc.memory_mib", "16384")
	v.SetDefault("batch.qc.max_poll_attempts", 90)
	v.SetDefault("batch.aggregation.job_name", "aggregator-web")
	v.SetDefault("batch.aggregation.max_poll_attempts", 900)
	v.SetDefault("batch.submit_attempts", 3)
	v.SetDefault("batch.submit_backoff", "2s")
	v.SetDefault("batch.poll_interval", "30s")
	v.SetDefault("batch.poll_schedule", "@every 1m")

	v.SetDefault("pipeline.branch", "master")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// DatabaseOptions adapts the file configuration into the connection options
// the database package consumes.
func (c DatabaseConfig) DatabaseOptions() database.Config {
	cfg := database.Config{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN,
	}

	var host DBAuthConfig
	switch strings.ToLower(c.Driver) {
	case "postgres":
		host = c.Postgres
	case "mysql":
		host = c.MySQL
	}
	if host.Enabled {
		cfg.Host = host.Host
		cfg.Port = host.Port
		cfg.Name = host.Database
		cfg.User = host.Username
		cfg.Password = host.Password
	}
	return cfg
}

// StorageOptions adapts the storage section for the storage package.
func (c StorageConfig) StorageOptions() storage.Config {
	return storage.Config{Region: c.Region, Bucket: c.Bucket}
}

// DispatchOptions adapts the batch section for the dispatch package.
func (c BatchConfig) DispatchOptions() dispatch.Config {
	return dispatch.Config{
		QC:             dispatch.KindConfig(c.QC),
		Aggregation:    dispatch.KindConfig(c.Aggregation),
		SubmitAttempts: c.SubmitAttempts,
		SubmitBackoff:  c.SubmitBackoff,
		PollInterval:   c.PollInterval,
	}
}
