// Package config loads binary configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

type ClientConfig struct {
	APIURL     string `yaml:"api_url" env:"TOWNSQUARE_API_URL" env-default:"http://localhost:9090"`
	ChannelURL string `yaml:"channel_url" env:"TOWNSQUARE_CHANNEL_URL" env-default:"ws://localhost:9090/ws"`
	Token      string `yaml:"token" env:"TOWNSQUARE_TOKEN"`
	// Username logs in against a development server when no token is set.
	Username string `yaml:"username" env:"TOWNSQUARE_USERNAME"`

	CommandTimeout    time.Duration `yaml:"command_timeout" env:"TOWNSQUARE_COMMAND_TIMEOUT" env-default:"10s"`
	ReconnectAttempts int           `yaml:"reconnect_attempts" env:"TOWNSQUARE_RECONNECT_ATTEMPTS" env-default:"5"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" env:"TOWNSQUARE_INITIAL_BACKOFF" env-default:"500ms"`
	MaxBackoff        time.Duration `yaml:"max_backoff" env:"TOWNSQUARE_MAX_BACKOFF" env-default:"30s"`
	ChatRetention     int           `yaml:"chat_retention" env:"TOWNSQUARE_CHAT_RETENTION" env-default:"500"`

	LogLevel string `yaml:"log_level" env:"TOWNSQUARE_LOG_LEVEL" env-default:"info"`
}

type ServerConfig struct {
	Port int `yaml:"port" env:"TOWNSQUARE_PORT" env-default:"9090"`
	// DatabaseURL is sqlite://<file> or postgresql://...
	DatabaseURL   string `yaml:"database_url" env:"TOWNSQUARE_DATABASE_URL" env-default:"sqlite://townsquare.db"`
	MigrationsDir string `yaml:"migrations_dir" env:"TOWNSQUARE_MIGRATIONS_DIR" env-default:"./migrations"`

	JWTSecret         string `yaml:"jwt_secret" env:"TOWNSQUARE_JWT_SECRET"`
	JWTIssuer         string `yaml:"jwt_issuer" env:"TOWNSQUARE_JWT_ISSUER"`
	FirebaseProjectID string `yaml:"firebase_project_id" env:"TOWNSQUARE_FIREBASE_PROJECT_ID"`
	FirebaseAPIKey    string `yaml:"firebase_api_key" env:"TOWNSQUARE_FIREBASE_API_KEY"`
	// DevLogin serves /auth/login and /auth/refresh, signing tokens with JWTSecret.
	DevLogin bool `yaml:"dev_login" env:"TOWNSQUARE_DEV_LOGIN"`

	TLSCertFile string `yaml:"tls_cert_file" env:"TOWNSQUARE_TLS_CERT_FILE"`
	TLSKeyFile  string `yaml:"tls_key_file" env:"TOWNSQUARE_TLS_KEY_FILE"`

	LogLevel string `yaml:"log_level" env:"TOWNSQUARE_LOG_LEVEL" env-default:"info"`
}

// LoadDotEnv populates the environment from a .env file when one exists.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %v", path, err)
	}
	return nil
}

func read(path string, cfg interface{}) error {
	if path == "" {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return fmt.Errorf("failed to read config from environment: %v", err)
		}
		return nil
	}
	if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return fmt.Errorf("failed to read config %s: %v", path, err)
	}
	return nil
}

// LoadClient reads the file at path, if any, then the environment.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	if err := read(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ClientConfig) Validate() error {
	if c.APIURL == "" || c.ChannelURL == "" {
		return fmt.Errorf("api_url and channel_url are required")
	}
	if c.Token == "" && c.Username == "" {
		return fmt.Errorf("one of token or username is required")
	}
	if c.ReconnectAttempts < 0 {
		return fmt.Errorf("reconnect_attempts must not be negative")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	return nil
}

// LoadServer reads the file at path, if any, then the environment.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{}
	if err := read(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	if c.JWTSecret == "" && c.FirebaseProjectID == "" {
		return fmt.Errorf("one of jwt_secret or firebase_project_id is required")
	}
	if c.DevLogin && c.JWTSecret == "" {
		return fmt.Errorf("dev_login requires jwt_secret")
	}
	if _, _, err := c.Database(); err != nil {
		return err
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("tls_cert_file and tls_key_file must be set together")
	}
	return nil
}

// Database splits DatabaseURL into a driver name and the data source for it.
func (c *ServerConfig) Database() (driver string, dsn string, err error) {
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse database url: %v", err)
	}
	switch u.Scheme {
	case "sqlite":
		path := strings.TrimPrefix(c.DatabaseURL, "sqlite://")
		if path == "" {
			return "", "", fmt.Errorf("sqlite database url has no file")
		}
		return "sqlite", path, nil
	case "postgresql", "postgres":
		return "postgresql", c.DatabaseURL, nil
	default:
		return "", "", fmt.Errorf("unknown database type %s", u.Scheme)
	}
}
