// Package config loads server configuration from an optional YAML file,
// a .env file and MORGAN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Metadata MetadataConfig `mapstructure:"metadata"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Upload   UploadConfig   `mapstructure:"upload"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Export   ExportConfig   `mapstructure:"export"`
}

type ServerConfig struct {
	Listen            string        `mapstructure:"listen" validate:"required"`
	MetricsListen     string        `mapstructure:"metrics_listen"`
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	CORSOrigins       []string      `mapstructure:"cors_origins"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RequestsPerMinute int           `mapstructure:"requests_per_minute" validate:"gte=0"`

	// TLS is enabled when both are set.
	TLSCertFile string `mapstructure:"tls_cert_file"`
	TLSKeyFile  string `mapstructure:"tls_key_file"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
	Output string `mapstructure:"output"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
	// CredentialKey is a 32-byte secret (hex or raw) sealing stored remote credentials.
	CredentialKey string        `mapstructure:"credential_key" validate:"required"`
	TokenTTL      time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl" validate:"gt=0"`
	CookieName    string        `mapstructure:"cookie_name" validate:"required"`
}

type MetadataConfig struct {
	Backend       string `mapstructure:"backend" validate:"oneof=postgres badger memory"`
	DatabaseURL   string `mapstructure:"database_url" validate:"required_if=Backend postgres"`
	BadgerPath    string `mapstructure:"badger_path" validate:"required_if=Backend badger"`
	MigrationsDir string `mapstructure:"migrations_dir"`
}

type RemoteConfig struct {
	Backend       string        `mapstructure:"backend" validate:"oneof=local s3"`
	LocatorTTL    time.Duration `mapstructure:"locator_ttl" validate:"gt=0"`
	LocatorSecret string        `mapstructure:"locator_secret" validate:"required,min=16"`
	Local         LocalConfig   `mapstructure:"local"`
	S3            S3Config      `mapstructure:"s3"`
}

type LocalConfig struct {
	RootPath string `mapstructure:"root_path"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type UploadConfig struct {
	StagingDir    string        `mapstructure:"staging_dir" validate:"required"`
	MaxSize       int64         `mapstructure:"max_size" validate:"gte=0"`
	Workers       int           `mapstructure:"workers" validate:"gte=1"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gte=1"`
	JobTTL        time.Duration `mapstructure:"job_ttl" validate:"gt=0"`
	MinFreeBytes  uint64        `mapstructure:"min_free_bytes"`
	RetryAttempts int           `mapstructure:"retry_attempts" validate:"gte=1"`
}

type StreamConfig struct {
	StrictMedia bool  `mapstructure:"strict_media"`
	ChunkSize   int64 `mapstructure:"chunk_size" validate:"gte=0"`
}

type ExportConfig struct {
	StagingDir  string `mapstructure:"staging_dir" validate:"required"`
	MaxDepth    int    `mapstructure:"max_depth" validate:"gte=1"`
	Concurrency int    `mapstructure:"concurrency" validate:"gte=1"`
}

var validate = validator.New()

// Load reads configuration. configPath may be empty, in which case
// ./config.yaml is used when present. A .env file in the working
// directory is loaded first; existing environment variables win.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MORGAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			e := verrs[0]
			return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
		}
		return err
	}

	if cfg.Remote.Backend == "s3" && cfg.Remote.S3.Bucket == "" {
		return fmt.Errorf("remote.s3.bucket is required when remote.backend is s3")
	}
	if cfg.Remote.Backend == "local" && cfg.Remote.Local.RootPath == "" {
		return fmt.Errorf("remote.local.root_path is required when remote.backend is local")
	}
	if (cfg.Server.TLSCertFile == "") != (cfg.Server.TLSKeyFile == "") {
		return fmt.Errorf("server.tls_cert_file and server.tls_key_file must be set together")
	}
	return nil
}
