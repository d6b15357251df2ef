package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// config is the operator configuration, read from YAML with MAILDOC_*
// environment overrides (MAILDOC_STORE_BACKEND, MAILDOC_PAYLOAD_S3_BUCKET).
type config struct {
	Store   storeConfig   `mapstructure:"store"`
	Payload payloadConfig `mapstructure:"payload"`
	Events  eventsConfig  `mapstructure:"events"`
	Repair  repairConfig  `mapstructure:"repair"`
	Log     logConfig     `mapstructure:"log"`
}

type storeConfig struct {
	// Backend is one of memory, sqlite, postgres, mongo or redis.
	Backend string        `mapstructure:"backend"`
	DSN     string        `mapstructure:"dsn"`
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type payloadConfig struct {
	// Threshold in bytes above which part payloads leave the document.
	Threshold int       `mapstructure:"threshold"`
	CacheDir  string    `mapstructure:"cache_dir"`
	S3        s3Config  `mapstructure:"s3"`
	GCS       gcsConfig `mapstructure:"gcs"`
	OTel      bool      `mapstructure:"otel"`
}

type s3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	PathStyle bool   `mapstructure:"path_style"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type gcsConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

type eventsConfig struct {
	RedisAddr string `mapstructure:"redis_addr"`
}

type repairConfig struct {
	Grace time.Duration `mapstructure:"grace"`
	Rate  float64       `mapstructure:"rate"`
}

type logConfig struct {
	Level string `mapstructure:"level"`
}

func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.path", "maildoc.db")
	v.SetDefault("store.timeout", 10*time.Second)
	v.SetDefault("payload.threshold", 256*1024)
	v.SetDefault("repair.grace", time.Hour)
	v.SetDefault("repair.rate", 50.0)
	v.SetDefault("log.level", "info")

	v.SetEnvPrefix("MAILDOC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("maildoc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/maildoc")
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}
