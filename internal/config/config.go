// Package config loads the syftvolume configuration from a file, SYFTVOLUME_
// environment variables and bound flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/syftvolume/internal/blob"
	"github.com/spf13/viper"
)

const (
	BackendS3     = "s3"
	BackendMemory = "memory"

	EnvPrefix      = "SYFTVOLUME"
	configFileName = "config"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".syftvolume")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFile    = filepath.Join(DefaultConfigDir, "logs", "syftvolume.log")
	DefaultRootDir    = filepath.Join(home, "SyftVolume")
)

type Config struct {
	ContainerID string         `mapstructure:"container_id" validate:"required,excludesall=/\\"`
	RootDir     string         `mapstructure:"root_dir" validate:"required"`
	Backend     string         `mapstructure:"backend" validate:"required,oneof=s3 memory"`
	S3          S3Config       `mapstructure:"s3"`
	Index       IndexConfig    `mapstructure:"index"`
	Transfer    TransferConfig `mapstructure:"transfer"`
	Watchdog    WatchdogConfig `mapstructure:"watchdog"`
	Query       QueryConfig    `mapstructure:"query"`
	Log         LogConfig      `mapstructure:"log"`

	// Path is the config file that was read, empty when none was found.
	Path string `mapstructure:"-"`
}

type S3Config struct {
	Bucket        string `mapstructure:"bucket"`
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint" validate:"omitempty,url"`
	AccessKey     string `mapstructure:"access_key"`
	SecretKey     string `mapstructure:"secret_key"`
	UseAccelerate bool   `mapstructure:"use_accelerate"`
}

type IndexConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
}

type TransferConfig struct {
	Workers int  `mapstructure:"workers" validate:"gte=1,lte=64"`
	Watch   bool `mapstructure:"watch"`
}

type WatchdogConfig struct {
	Timeouts []time.Duration `mapstructure:"timeouts" validate:"required,min=1,dive,gt=0"`
	Backoffs []time.Duration `mapstructure:"backoffs" validate:"dive,gte=0"`
}

type QueryConfig struct {
	Timeout  time.Duration `mapstructure:"timeout" validate:"gt=0"`
	Advisory time.Duration `mapstructure:"advisory" validate:"gte=0"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error DEBUG INFO WARN ERROR"`
	File  string `mapstructure:"file"`
}

// SetDefaults registers every key with its default so env variables and
// flags can override keys that are absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("container_id", "default")
	v.SetDefault("root_dir", DefaultRootDir)
	v.SetDefault("backend", BackendS3)
	v.SetDefault("s3.bucket", "")
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")
	v.SetDefault("s3.use_accelerate", false)
	v.SetDefault("index.refresh_interval", 15*time.Second)
	v.SetDefault("transfer.workers", 4)
	v.SetDefault("transfer.watch", true)
	v.SetDefault("watchdog.timeouts", []time.Duration{60 * time.Second, 90 * time.Second, 180 * time.Second})
	v.SetDefault("watchdog.backoffs", []time.Duration{2 * time.Second, 4 * time.Second})
	v.SetDefault("query.timeout", 30*time.Second)
	v.SetDefault("query.advisory", 10*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", DefaultLogFile)
}

// Load reads the config file at path, or searches the default locations when
// path is empty, and returns the validated result. A missing file is not an
// error; defaults apply.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.AddConfigPath(filepath.Join(home, ".config", "syftvolume"))
		v.SetConfigName(configFileName)
		v.SetConfigType("json")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// S3Store returns the blob store settings.
func (c *Config) S3Store() *blob.S3Config {
	return &blob.S3Config{
		Bucket:        c.S3.Bucket,
		Region:        c.S3.Region,
		Endpoint:      c.S3.Endpoint,
		AccessKey:     c.S3.AccessKey,
		SecretKey:     c.S3.SecretKey,
		UseAccelerate: c.S3.UseAccelerate,
	}
}

func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
