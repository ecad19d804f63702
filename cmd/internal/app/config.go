package app

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"helpdesk/cmd/internal/attachment"
	"helpdesk/cmd/internal/auth"
	"helpdesk/cmd/internal/httpapi"
	"helpdesk/cmd/internal/queue"
)

// ConfigFileEnv names the optional YAML config file. Environment variables override its values.
const ConfigFileEnv = "HELPDESK_CONFIG_FILE"

// Config contains all runtime configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Auth        AuthConfig        `yaml:"auth"`
	Redis       RedisConfig       `yaml:"redis"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Attachments AttachmentsConfig `yaml:"attachments"`
	Support     SupportConfig     `yaml:"support"`
	Commerce    CommerceConfig    `yaml:"commerce"`
	Queue       QueueConfig       `yaml:"queue"`

	// RequireTokenHMAC makes startup fail unless HELPDESK_TOKEN_HMAC_KEY (>= 32 bytes) is set,
	// so guest conversation tokens are never stored as plain SHA-256.
	RequireTokenHMAC bool `yaml:"require_token_hmac"`
}

type HTTPConfig struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	TrustProxy        bool          `yaml:"trust_proxy"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxConns   int32  `yaml:"max_conns"`
	MinConns   int32  `yaml:"min_conns"`
	Schema     string `yaml:"schema"`
	// AutoMigrate applies the Postgres schema at startup. SQLite always migrates.
	AutoMigrate bool `yaml:"auto_migrate"`
	// RequireForReadiness makes /readyz fail while no database is configured.
	RequireForReadiness bool `yaml:"require_for_readiness"`
}

type AuthConfig struct {
	Issuer         string        `yaml:"issuer"`
	PublicKeyHex   string        `yaml:"public_key_hex"`
	SecretKeyHex   string        `yaml:"secret_key_hex"`
	AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
	ClockSkew      time.Duration `yaml:"clock_skew"`
}

// Enabled reports whether bearer tokens can be verified. Without keys only guests connect.
func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.PublicKeyHex) != "" || strings.TrimSpace(a.SecretKeyHex) != ""
}

type RedisConfig struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PresencePrefix string        `yaml:"presence_prefix"`
	PresenceTTL    time.Duration `yaml:"presence_ttl"`
}

type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	Topic    string   `yaml:"topic"`
	ClientID string   `yaml:"client_id"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	TLS      bool     `yaml:"tls"`
	// Buffer bounds events waiting for the producer; overflow is dropped and counted.
	Buffer int `yaml:"buffer"`
}

type AttachmentsConfig struct {
	Dir          string   `yaml:"dir"`
	MaxBytes     int64    `yaml:"max_bytes"`
	AllowedTypes []string `yaml:"allowed_types"`
}

type SupportConfig struct {
	HistoryPageSize int           `yaml:"history_page_size"`
	QueueLimit      int           `yaml:"queue_limit"`
	OpTimeout       time.Duration `yaml:"op_timeout"`
}

type CommerceConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ServiceToken string        `yaml:"service_token"`
	Timeout      time.Duration `yaml:"timeout"`
	RecentOrders int           `yaml:"recent_orders"`
}

type QueueConfig struct {
	MaxWait  time.Duration `yaml:"max_wait"`
	Schedule string        `yaml:"schedule"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{
			Addr:              "0.0.0.0:8080",
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			MaxHeaderBytes:    1 << 20,
			MaxBodyBytes:      1 << 20,
			CORSMaxAgeSeconds: 600,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Database: DatabaseConfig{
			MaxConns: 10,
			Schema:   "helpdesk",
		},
		Auth: AuthConfig{
			Issuer:         "helpdesk",
			AccessTokenTTL: 15 * time.Minute,
			ClockSkew:      30 * time.Second,
		},
		Redis: RedisConfig{PresencePrefix: "helpdesk:presence:", PresenceTTL: 90 * time.Second},
		Kafka: KafkaConfig{Topic: "helpdesk.conversations", ClientID: "helpdesk", Buffer: 1024},
		Attachments: AttachmentsConfig{
			Dir:          "./data/attachments",
			MaxBytes:     attachment.DefaultMaxBytes,
			AllowedTypes: attachment.DefaultAllowedTypes,
		},
		Support: SupportConfig{
			HistoryPageSize: 200,
			QueueLimit:      100,
			OpTimeout:       10 * time.Second,
		},
		Commerce: CommerceConfig{Timeout: 3 * time.Second, RecentOrders: 5},
		Queue:    QueueConfig{MaxWait: queue.DefaultMaxWait, Schedule: queue.DefaultSchedule},
	}
}

// LoadConfig builds the runtime config: defaults, then the YAML file named by HELPDESK_CONFIG_FILE
// (if any), then HELPDESK_* environment variables.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value (empty when unset).
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func applyEnv(cfg *Config) {
	h := &cfg.HTTP
	h.Addr = EnvString("HELPDESK_HTTP_ADDR", h.Addr)
	h.ReadHeaderTimeout = EnvDuration("HELPDESK_HTTP_READ_HEADER_TIMEOUT", h.ReadHeaderTimeout)
	h.ReadTimeout = EnvDuration("HELPDESK_HTTP_READ_TIMEOUT", h.ReadTimeout)
	h.WriteTimeout = EnvDuration("HELPDESK_HTTP_WRITE_TIMEOUT", h.WriteTimeout)
	h.IdleTimeout = EnvDuration("HELPDESK_HTTP_IDLE_TIMEOUT", h.IdleTimeout)
	h.ShutdownTimeout = EnvDuration("HELPDESK_HTTP_SHUTDOWN_TIMEOUT", h.ShutdownTimeout)
	h.MaxHeaderBytes = EnvInt("HELPDESK_HTTP_MAX_HEADER_BYTES", h.MaxHeaderBytes)
	h.MaxBodyBytes = EnvInt64("HELPDESK_HTTP_MAX_BODY_BYTES", h.MaxBodyBytes)
	h.TrustProxy = EnvBool("HELPDESK_HTTP_TRUST_PROXY", h.TrustProxy)
	h.CORSAllowedOrigins = EnvCSV("HELPDESK_CORS_ALLOWED_ORIGINS", h.CORSAllowedOrigins)
	h.CORSAllowCredentials = EnvBool("HELPDESK_CORS_ALLOW_CREDENTIALS", h.CORSAllowCredentials)
	h.CORSMaxAgeSeconds = EnvInt("HELPDESK_CORS_MAX_AGE_SECONDS", h.CORSMaxAgeSeconds)

	cfg.Log.Level = EnvString("HELPDESK_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = EnvString("HELPDESK_LOG_FORMAT", cfg.Log.Format)

	d := &cfg.Database
	d.URL = EnvString("HELPDESK_DATABASE_URL", d.URL)
	d.SQLitePath = EnvString("HELPDESK_SQLITE_PATH", d.SQLitePath)
	d.MaxConns = EnvInt32("HELPDESK_DB_MAX_CONNS", d.MaxConns)
	d.MinConns = EnvInt32("HELPDESK_DB_MIN_CONNS", d.MinConns)
	d.Schema = EnvString("HELPDESK_DB_SCHEMA", d.Schema)
	d.AutoMigrate = EnvBool("HELPDESK_DB_AUTO_MIGRATE", d.AutoMigrate)
	d.RequireForReadiness = EnvBool("HELPDESK_READINESS_REQUIRE_DB", d.RequireForReadiness)

	a := &cfg.Auth
	a.Issuer = EnvString("HELPDESK_AUTH_ISSUER", a.Issuer)
	a.PublicKeyHex = EnvString("HELPDESK_AUTH_PUBLIC_KEY_HEX", a.PublicKeyHex)
	a.SecretKeyHex = EnvString("HELPDESK_AUTH_SECRET_KEY_HEX", a.SecretKeyHex)
	a.AccessTokenTTL = EnvDuration("HELPDESK_AUTH_ACCESS_TOKEN_TTL", a.AccessTokenTTL)
	a.ClockSkew = EnvDuration("HELPDESK_AUTH_CLOCK_SKEW", a.ClockSkew)

	r := &cfg.Redis
	r.Addr = EnvString("HELPDESK_REDIS_ADDR", r.Addr)
	r.Password = EnvString("HELPDESK_REDIS_PASSWORD", r.Password)
	r.DB = EnvInt("HELPDESK_REDIS_DB", r.DB)
	r.PresencePrefix = EnvString("HELPDESK_PRESENCE_PREFIX", r.PresencePrefix)
	r.PresenceTTL = EnvDuration("HELPDESK_PRESENCE_TTL", r.PresenceTTL)

	k := &cfg.Kafka
	k.Brokers = EnvCSV("HELPDESK_KAFKA_BROKERS", k.Brokers)
	k.Topic = EnvString("HELPDESK_KAFKA_TOPIC", k.Topic)
	k.ClientID = EnvString("HELPDESK_KAFKA_CLIENT_ID", k.ClientID)
	k.Username = EnvString("HELPDESK_KAFKA_USERNAME", k.Username)
	k.Password = EnvString("HELPDESK_KAFKA_PASSWORD", k.Password)
	k.TLS = EnvBool("HELPDESK_KAFKA_TLS", k.TLS)
	k.Buffer = EnvInt("HELPDESK_KAFKA_BUFFER", k.Buffer)

	at := &cfg.Attachments
	at.Dir = EnvString("HELPDESK_ATTACHMENTS_DIR", at.Dir)
	at.MaxBytes = EnvInt64("HELPDESK_ATTACHMENTS_MAX_BYTES", at.MaxBytes)
	at.AllowedTypes = EnvCSV("HELPDESK_ATTACHMENTS_ALLOWED_TYPES", at.AllowedTypes)

	s := &cfg.Support
	s.HistoryPageSize = EnvInt("HELPDESK_HISTORY_LIMIT", s.HistoryPageSize)
	s.QueueLimit = EnvInt("HELPDESK_QUEUE_LIMIT", s.QueueLimit)
	s.OpTimeout = EnvDuration("HELPDESK_OP_TIMEOUT", s.OpTimeout)

	c := &cfg.Commerce
	c.BaseURL = EnvString("HELPDESK_COMMERCE_BASE_URL", c.BaseURL)
	c.ServiceToken = EnvString("HELPDESK_COMMERCE_SERVICE_TOKEN", c.ServiceToken)
	c.Timeout = EnvDuration("HELPDESK_COMMERCE_TIMEOUT", c.Timeout)
	c.RecentOrders = EnvInt("HELPDESK_RECENT_ORDERS", c.RecentOrders)

	cfg.Queue.MaxWait = EnvDuration("HELPDESK_QUEUE_MAX_WAIT", cfg.Queue.MaxWait)
	cfg.Queue.Schedule = EnvString("HELPDESK_QUEUE_SWEEP_SCHEDULE", cfg.Queue.Schedule)

	cfg.RequireTokenHMAC = EnvBool("HELPDESK_REQUIRE_TOKEN_HMAC", cfg.RequireTokenHMAC)
}

// Validate rejects combinations that cannot run.
func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTP.Addr) == "" {
		return errors.New("http.addr is required")
	}
	if c.Database.URL != "" && c.Database.SQLitePath != "" {
		return errors.New("database.url and database.sqlite_path are mutually exclusive")
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "", "json", "pretty", "text":
	default:
		return fmt.Errorf("log.format %q is not one of json, pretty, text", c.Log.Format)
	}
	if c.Attachments.MaxBytes <= 0 {
		return errors.New("attachments.max_bytes must be positive")
	}
	if c.Queue.MaxWait <= 0 {
		return errors.New("queue.max_wait must be positive")
	}
	return nil
}

func (c Config) authConfig() auth.Config {
	return auth.Config{
		Issuer:         c.Auth.Issuer,
		AccessTokenTTL: c.Auth.AccessTokenTTL,
		ClockSkew:      c.Auth.ClockSkew,
		PublicKeyHex:   c.Auth.PublicKeyHex,
		SecretKeyHex:   c.Auth.SecretKeyHex,
	}
}

func (c Config) httpAPIConfig() httpapi.Config {
	return httpapi.Config{
		TrustProxy:     c.HTTP.TrustProxy,
		MaxBodyBytes:   c.HTTP.MaxBodyBytes,
		MaxUploadBytes: c.Attachments.MaxBytes,
	}
}
