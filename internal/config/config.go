package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// The values are read by Viper from a config file or environment variables.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Metastore MetastoreConfig `mapstructure:"metastore"`
	Upload    UploadConfig    `mapstructure:"upload"`
	S3        S3Config        `mapstructure:"s3"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	ReleaseMode  bool          `mapstructure:"release_mode"`
}

type DatabaseConfig struct {
	URI  string `mapstructure:"uri"`
	Name string `mapstructure:"name"`
}

// MetastoreConfig selects where upload and user records live.
type MetastoreConfig struct {
	Driver   string `mapstructure:"driver"` // "mongo" or "bolt"
	BoltPath string `mapstructure:"bolt_path"`
}

// UploadConfig drives the chunked upload pipeline.
type UploadConfig struct {
	StagingDir       string        `mapstructure:"staging_dir"`
	FinalDir         string        `mapstructure:"final_dir"`
	MaxSize          int64         `mapstructure:"max_size"`
	AllowedMimeTypes []string      `mapstructure:"allowed_mime_types"`
	Disk             string        `mapstructure:"disk"` // "local" or "s3"
	PublicBaseURL    string        `mapstructure:"public_base_url"`
	SniffContent     bool          `mapstructure:"sniff_content"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"` // 0 disables the sweeper
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	PresignExpiry    time.Duration `mapstructure:"presign_expiry"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	BucketName      string `mapstructure:"bucket_name"`
}

// JWTConfig defines JWT specific configuration
type JWTConfig struct {
	Secret     string        `mapstructure:"secret"`
	Expiration time.Duration `mapstructure:"expiration"`
}

type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	JSON  bool   `mapstructure:"json"`
}

// DefaultAllowedMimeTypes is the allow-list used when none is configured.
var DefaultAllowedMimeTypes = []string{
	"application/pdf",
	"application/zip",
	"application/msword",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"application/vnd.openxmlformats-officedocument.presentationml.presentation",
	"image/png",
	"image/jpeg",
	"video/mp4",
	"text/plain",
	"application/octet-stream",
}

// LoadConfig reads configuration from a config file in path and environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	// server.address -> SERVER_ADDRESS
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(`.`, `_`))

	setDefaults(v)

	err = v.ReadInConfig()
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		// No file: defaults and env vars only
		err = nil
	} else if err != nil {
		return
	}

	if err = v.Unmarshal(&config); err != nil {
		return
	}
	return config, config.Validate()
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "5m") // chunk bodies can be large
	v.SetDefault("server.write_timeout", "5m")
	v.SetDefault("server.release_mode", false)
	v.SetDefault("database.uri", "mongodb://localhost:27017")
	v.SetDefault("database.name", "course_portal")
	v.SetDefault("metastore.driver", "mongo")
	v.SetDefault("metastore.bolt_path", "./data/meta.db")
	v.SetDefault("upload.staging_dir", "./data/staging")
	v.SetDefault("upload.final_dir", "./data/files")
	v.SetDefault("upload.max_size", int64(2<<30)) // 2 GiB
	v.SetDefault("upload.allowed_mime_types", DefaultAllowedMimeTypes)
	v.SetDefault("upload.disk", "local")
	v.SetDefault("upload.public_base_url", "http://localhost:8080")
	v.SetDefault("upload.sniff_content", false)
	v.SetDefault("upload.session_ttl", "24h")
	v.SetDefault("upload.sweep_interval", "1h")
	v.SetDefault("upload.presign_expiry", "15m")
	// Keys without a real default still need registering so AutomaticEnv sees them on Unmarshal
	for _, key := range []string{"jwt.secret", "s3.endpoint", "s3.region", "s3.access_key_id", "s3.secret_access_key", "s3.bucket_name"} {
		v.SetDefault(key, "")
	}
	v.SetDefault("jwt.expiration", "1h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// Validate checks the combinations viper cannot express.
func (c Config) Validate() error {
	var errs []error
	switch c.Metastore.Driver {
	case "mongo", "bolt":
	default:
		errs = append(errs, fmt.Errorf("metastore.driver must be mongo or bolt, got %q", c.Metastore.Driver))
	}
	switch c.Upload.Disk {
	case "local":
	case "s3":
		if c.S3.BucketName == "" {
			errs = append(errs, errors.New("s3.bucket_name is required when upload.disk is s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("upload.disk must be local or s3, got %q", c.Upload.Disk))
	}
	if c.Upload.MaxSize <= 0 {
		errs = append(errs, errors.New("upload.max_size must be positive"))
	}
	if len(c.Upload.AllowedMimeTypes) == 0 {
		errs = append(errs, errors.New("upload.allowed_mime_types must not be empty"))
	}
	if c.JWT.Secret == "" {
		errs = append(errs, errors.New("jwt.secret is required"))
	}
	return errors.Join(errs...)
}
