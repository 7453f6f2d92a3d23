package internal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/prappser/multipart_uploader/internal/storage"
	"github.com/prappser/multipart_uploader/internal/upload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const DefaultConfigFile = "files/config.yaml"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Upload  UploadConfig  `mapstructure:"upload"`
	DB      DBConfig      `mapstructure:"db"`
	Janitor JanitorConfig `mapstructure:"janitor"`
	Log     LogConfig     `mapstructure:"log"`
	Client  ClientConfig  `mapstructure:"client"`
}

type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowedOrigins"`
	// ExternalURL is how browsers and the CLI reach this server; local signed URLs point here.
	ExternalURL string `mapstructure:"externalURL"`
	MaxBodySize int    `mapstructure:"maxBodySize"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"`
	Endpoint  string        `mapstructure:"endpoint"`
	AccessKey string        `mapstructure:"accessKey"`
	SecretKey string        `mapstructure:"secretKey"`
	Bucket    string        `mapstructure:"bucket"`
	Region    string        `mapstructure:"region"`
	LocalPath string        `mapstructure:"localPath"`
	SignTTL   time.Duration `mapstructure:"signTTL"`
}

type UploadConfig struct {
	Strategy    string        `mapstructure:"strategy"`
	Concurrency int           `mapstructure:"concurrency"`
	MaxAttempts int           `mapstructure:"maxAttempts"`
	RetryDelay  time.Duration `mapstructure:"retryDelay"`
	PutTimeout  time.Duration `mapstructure:"putTimeout"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type JanitorConfig struct {
	StaleAfter time.Duration `mapstructure:"staleAfter"`
	Interval   time.Duration `mapstructure:"interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

type ClientConfig struct {
	ServerURL string        `mapstructure:"serverURL"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// envNames keeps the variable names existing deployments already set.
var envNames = map[string]string{
	"store.endpoint":   "R2_ENDPOINT",
	"store.accessKey":  "R2_ACCESS_KEY",
	"store.secretKey":  "R2_SECRET_KEY",
	"store.bucket":     "R2_BUCKET_NAME",
	"store.region":     "R2_REGION",
	"client.serverURL": "UPLOADER_SERVER_URL",
}

// flagKeys maps command line flag names onto config keys.
var flagKeys = map[string]string{
	"config":      "",
	"addr":        "server.addr",
	"driver":      "store.driver",
	"strategy":    "upload.strategy",
	"concurrency": "upload.concurrency",
	"server":      "client.serverURL",
	"log-level":   "log.level",
	"pretty":      "log.pretty",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.allowedOrigins", []string{"*"})
	v.SetDefault("server.externalURL", "http://localhost:8080")
	v.SetDefault("server.maxBodySize", 64*1024*1024)
	v.SetDefault("store.driver", string(storage.DriverS3))
	v.SetDefault("store.region", "auto")
	v.SetDefault("store.localPath", "./files/storage")
	v.SetDefault("store.signTTL", upload.DefaultSignTTL)
	v.SetDefault("upload.strategy", string(upload.StrategyRelayed))
	v.SetDefault("upload.concurrency", 1)
	v.SetDefault("upload.maxAttempts", 3)
	v.SetDefault("upload.retryDelay", 500*time.Millisecond)
	v.SetDefault("upload.putTimeout", 0)
	v.SetDefault("db.path", "./files/uploader.db")
	v.SetDefault("janitor.staleAfter", 24*time.Hour)
	v.SetDefault("janitor.interval", time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("client.serverURL", "http://localhost:8080")
	v.SetDefault("client.timeout", 2*time.Minute)
}

// LoadConfig reads .env, then the optional config file, then the environment, then flags, each
// overriding the one before. flags may be nil.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	configFile := DefaultConfigFile
	if flags != nil {
		if f := flags.Lookup("config"); f != nil && f.Changed {
			configFile = f.Value.String()
		}
	}
	v.SetConfigFile(configFile)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(configFile); statErr == nil || configFile != DefaultConfigFile {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		log.Debug().Str("file", configFile).Msg("No config file, using defaults and environment")
	}

	v.SetEnvPrefix("UPLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envNames {
		if err := v.BindEnv(key, "UPLOADER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil && key != "" {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// ValidateStore reports every missing store setting at once, by the env name used to set it.
func (c *Config) ValidateStore() error {
	switch storage.Driver(c.Store.Driver) {
	case storage.DriverS3, storage.DriverMinio, storage.DriverLocal:
	default:
		return fmt.Errorf("%w: unknown store driver %q", upload.ErrConfiguration, c.Store.Driver)
	}

	required := []struct {
		env   string
		value string
	}{
		{"R2_ENDPOINT", c.Store.Endpoint},
		{"R2_ACCESS_KEY", c.Store.AccessKey},
		{"R2_SECRET_KEY", c.Store.SecretKey},
		{"R2_BUCKET_NAME", c.Store.Bucket},
	}

	var missing []string
	for _, r := range required {
		if r.value != "" {
			continue
		}
		// the local driver signs with the secret and needs no remote account
		if storage.Driver(c.Store.Driver) == storage.DriverLocal && (r.env == "R2_ENDPOINT" || r.env == "R2_ACCESS_KEY") {
			continue
		}
		missing = append(missing, r.env)
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", upload.ErrConfiguration, strings.Join(missing, ", "))
	}
	return nil
}

// ValidateUpload checks the knobs shared by the server and the CLI.
func (c *Config) ValidateUpload() error {
	switch upload.StrategyName(c.Upload.Strategy) {
	case upload.StrategyRelayed, upload.StrategyDirect:
	default:
		return fmt.Errorf("%w: unknown upload strategy %q", upload.ErrConfiguration, c.Upload.Strategy)
	}
	if c.Upload.Concurrency < 1 {
		return fmt.Errorf("%w: upload.concurrency must be at least 1", upload.ErrConfiguration)
	}
	if c.Upload.MaxAttempts < 1 {
		return fmt.Errorf("%w: upload.maxAttempts must be at least 1", upload.ErrConfiguration)
	}
	return nil
}

func (c *Config) StorageConfig() *storage.Config {
	return &storage.Config{
		Driver:      storage.Driver(c.Store.Driver),
		Endpoint:    c.Store.Endpoint,
		AccessKey:   c.Store.AccessKey,
		SecretKey:   c.Store.SecretKey,
		Bucket:      c.Store.Bucket,
		Region:      c.Store.Region,
		LocalPath:   c.Store.LocalPath,
		ExternalURL: c.Server.ExternalURL,
	}
}

func (c *Config) UploadOptions() upload.Options {
	return upload.Options{
		Concurrency: c.Upload.Concurrency,
		MaxAttempts: c.Upload.MaxAttempts,
		RetryDelay:  c.Upload.RetryDelay,
	}
}

func SetupLogger(config LogConfig) {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	if config.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}
