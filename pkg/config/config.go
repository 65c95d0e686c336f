package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Server timeout defaults applied when the config leaves a value empty or invalid.
const (
	DefaultReadTimeout       = 30 * time.Second
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultWriteTimeout      = 60 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 30 * time.Second
)

// Queue defaults.
const (
	DefaultTickInterval    = 30 * time.Second
	DefaultBatchSize       = 5
	DefaultMaxAttempts     = 5
	DefaultCooldown        = 5 * time.Minute
	DefaultStaleAfter      = 15 * time.Minute
	DefaultStoreRetries    = 2
	DefaultStoreRetryDelay = 500 * time.Millisecond
	DefaultSendTimeout     = 30 * time.Second
	DefaultSenderName      = "Stock Portfolio"
	DefaultBoltPath        = "./mailqueue.db"
)

// Store drivers.
const (
	StoreDriverBolt     = "bolt"
	StoreDriverPostgres = "postgres"
)

// Mail auth modes.
const (
	MailAuthPassword = "password"
	MailAuthOAuth2   = "oauth2"
)

// Environment variables that override secrets from the file.
const (
	EnvConfigPath         = "MAILQUEUE_CONFIG_PATH"
	EnvSMTPPassword       = "MAILQUEUE_SMTP_PASSWORD"
	EnvJWTSecret          = "MAILQUEUE_JWT_SECRET"
	EnvDatabaseURL        = "MAILQUEUE_DATABASE_URL"
	EnvOAuthClientSecret  = "MAILQUEUE_OAUTH_CLIENT_SECRET"
	EnvOAuthRefreshToken  = "MAILQUEUE_OAUTH_REFRESH_TOKEN"
	EnvKafkaSASLPassword  = "MAILQUEUE_KAFKA_SASL_PASSWORD"
	EnvAMQPURL            = "MAILQUEUE_AMQP_URL"
	defaultConfigFileName = "./config.yaml"
)

// ServerTimeouts configures the http.Server. Durations are Go duration strings.
type ServerTimeouts struct {
	ReadTimeout       string `yaml:"readTimeout"`
	ReadHeaderTimeout string `yaml:"readHeaderTimeout"`
	WriteTimeout      string `yaml:"writeTimeout"`
	IdleTimeout       string `yaml:"idleTimeout"`
	MaxHeaderBytes    int    `yaml:"maxHeaderBytes"`
}

func (t *ServerTimeouts) GetReadTimeout() time.Duration {
	if t == nil {
		return DefaultReadTimeout
	}
	return parseDurationOrDefault(t.ReadTimeout, DefaultReadTimeout)
}

func (t *ServerTimeouts) GetReadHeaderTimeout() time.Duration {
	if t == nil {
		return DefaultReadHeaderTimeout
	}
	return parseDurationOrDefault(t.ReadHeaderTimeout, DefaultReadHeaderTimeout)
}

func (t *ServerTimeouts) GetWriteTimeout() time.Duration {
	if t == nil {
		return DefaultWriteTimeout
	}
	return parseDurationOrDefault(t.WriteTimeout, DefaultWriteTimeout)
}

func (t *ServerTimeouts) GetIdleTimeout() time.Duration {
	if t == nil {
		return DefaultIdleTimeout
	}
	return parseDurationOrDefault(t.IdleTimeout, DefaultIdleTimeout)
}

func (t *ServerTimeouts) GetMaxHeaderBytes() int {
	if t == nil || t.MaxHeaderBytes <= 0 {
		return DefaultMaxHeaderBytes
	}
	return t.MaxHeaderBytes
}

// RateLimit configures the per-IP API rate limiter. Zero disables it.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	Burst             int     `yaml:"burst"`
}

type Server struct {
	ListenAddress   string          `yaml:"listenAddress"`
	TLSCertFile     string          `yaml:"tlsCertFile"`
	TLSKeyFile      string          `yaml:"tlsKeyFile"`
	TrustedProxies  []string        `yaml:"trustedProxies"` // IPs/CIDRs to trust for X-Forwarded-For
	Timeouts        *ServerTimeouts `yaml:"timeouts"`
	ShutdownTimeout string          `yaml:"shutdownTimeout"`
	RateLimit       RateLimit       `yaml:"rateLimit"`
	// AdminUIDir, when set, is served at / as the static admin dashboard.
	AdminUIDir string `yaml:"adminUIDir"`
}

// GetServerTimeouts never returns nil so callers can use the getters directly.
func (s Server) GetServerTimeouts() *ServerTimeouts {
	if s.Timeouts == nil {
		return &ServerTimeouts{}
	}
	return s.Timeouts
}

func (s Server) GetShutdownTimeout() time.Duration {
	return parseDurationOrDefault(s.ShutdownTimeout, DefaultShutdownTimeout)
}

// Auth configures admin access to the HTTP API. Tokens are verified with JWTSecret (HS256)
// or, when JWKSURL is set, against the keys published there.
type Auth struct {
	JWTSecret  string `yaml:"jwtSecret"`
	JWKSURL    string `yaml:"jwksURL"`
	CookieName string `yaml:"cookieName"`
	AdminClaim string `yaml:"adminClaim"`
	// Disabled turns admin auth off. Only meant for local development.
	Disabled bool `yaml:"disabled"`
}

// OAuth holds the XOAUTH2 credentials used when Mail.AuthMode is "oauth2".
type OAuth struct {
	ClientID     string `yaml:"clientID"`
	ClientSecret string `yaml:"clientSecret"`
	RefreshToken string `yaml:"refreshToken"`
	// TokenURL defaults to Google's token endpoint.
	TokenURL string `yaml:"tokenURL"`
}

type Mail struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	InsecureSkipVerify bool   `yaml:"insecureSkipVerify"`
	SenderAddress      string `yaml:"senderAddress"`
	SenderName         string `yaml:"senderName"`
	AuthMode           string `yaml:"authMode"`
	OAuth              OAuth  `yaml:"oauth"`
	SendTimeout        string `yaml:"sendTimeout"`
	// RateLimit caps sends per second towards the provider. Zero disables it.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
	// AppURL is the public base URL used in verification and reset links.
	AppURL string `yaml:"appURL"`
	// AdminAddresses receive admin notifications.
	AdminAddresses []string `yaml:"adminAddresses"`
	// AllowedRecipients restricts enqueued recipients to matching glob patterns (e.g. "*@example.com").
	AllowedRecipients []string `yaml:"allowedRecipients"`
}

func (m Mail) GetSendTimeout() time.Duration {
	return parseDurationOrDefault(m.SendTimeout, DefaultSendTimeout)
}

type Store struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"databaseURL"`
	MaxConns    int32  `yaml:"maxConns"`
}

type Queue struct {
	TickInterval    string `yaml:"tickInterval"`
	BatchSize       int    `yaml:"batchSize"`
	MaxAttempts     int    `yaml:"maxAttempts"`
	Cooldown        string `yaml:"cooldown"`
	StaleAfter      string `yaml:"staleAfter"`
	Concurrency     int    `yaml:"concurrency"`
	StoreRetries    int    `yaml:"storeRetries"`
	StoreRetryDelay string `yaml:"storeRetryDelay"`
}

func (q Queue) GetTickInterval() time.Duration {
	return parseDurationOrDefault(q.TickInterval, DefaultTickInterval)
}

func (q Queue) GetCooldown() time.Duration {
	return parseDurationOrDefault(q.Cooldown, DefaultCooldown)
}

// GetStaleAfter returns 0 when stale recovery is disabled ("0" or "off").
func (q Queue) GetStaleAfter() time.Duration {
	switch strings.TrimSpace(q.StaleAfter) {
	case "0", "0s", "off", "disabled":
		return 0
	}
	return parseDurationOrDefault(q.StaleAfter, DefaultStaleAfter)
}

func (q Queue) GetStoreRetryDelay() time.Duration {
	return parseDurationOrDefault(q.StoreRetryDelay, DefaultStoreRetryDelay)
}

// Retry is the delivery retry policy applied around every transport call.
type Retry struct {
	MaxRetries        *int    `yaml:"maxRetries"`
	InitialBackoff    string  `yaml:"initialBackoff"`
	MaxBackoff        string  `yaml:"maxBackoff"`
	BackoffMultiplier float64 `yaml:"backoffMultiplier"`
}

func (r Retry) GetMaxRetries() int {
	if r.MaxRetries == nil || *r.MaxRetries < 0 {
		return 3
	}
	return *r.MaxRetries
}

func (r Retry) GetInitialBackoff() time.Duration {
	return parseDurationOrDefault(r.InitialBackoff, time.Second)
}

func (r Retry) GetMaxBackoff() time.Duration {
	return parseDurationOrDefault(r.MaxBackoff, 30*time.Second)
}

func (r Retry) GetBackoffMultiplier() float64 {
	if r.BackoffMultiplier < 1 {
		return 2.0
	}
	return r.BackoffMultiplier
}

type KafkaEvents struct {
	Enabled            bool     `yaml:"enabled"`
	Brokers            []string `yaml:"brokers"`
	Topic              string   `yaml:"topic"`
	TLSEnabled         bool     `yaml:"tlsEnabled"`
	TLSCAFile          string   `yaml:"tlsCAFile"`
	InsecureSkipVerify bool     `yaml:"insecureSkipVerify"`
	SASLMechanism      string   `yaml:"saslMechanism"`
	SASLUsername       string   `yaml:"saslUsername"`
	SASLPassword       string   `yaml:"saslPassword"`
	CompressionCodec   string   `yaml:"compressionCodec"`
}

type AMQPEvents struct {
	Enabled    bool   `yaml:"enabled"`
	URL        string `yaml:"url"`
	Exchange   string `yaml:"exchange"`
	RoutingKey string `yaml:"routingKey"`
}

// Events selects where job lifecycle events are published.
type Events struct {
	Log       bool        `yaml:"log"`
	QueueSize int         `yaml:"queueSize"`
	Kafka     KafkaEvents `yaml:"kafka"`
	AMQP      AMQPEvents  `yaml:"amqp"`
}

type Config struct {
	Server Server `yaml:"server"`
	Auth   Auth   `yaml:"auth"`
	Mail   Mail   `yaml:"mail"`
	Store  Store  `yaml:"store"`
	Queue  Queue  `yaml:"queue"`
	Retry  Retry  `yaml:"retry"`
	Events Events `yaml:"events"`
}

// Load reads the configuration file, applies environment overrides and defaults.
// If configPath is empty, defaults to "./config.yaml". Validation is left to the caller.
func Load(configPath ...string) (Config, error) {
	path := defaultConfigFileName
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	}

	var cfg Config
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("trying to open mailqueue config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling YAML %s: %w", path, err)
	}

	cfg.ApplyEnv(os.LookupEnv)
	cfg.Defaults()
	return cfg, nil
}

// ApplyEnv overrides secrets with values from the environment. lookup is os.LookupEnv
// outside of tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	set := func(target *string, key string) {
		if v, ok := lookup(key); ok && v != "" {
			*target = v
		}
	}
	set(&c.Mail.Password, EnvSMTPPassword)
	set(&c.Auth.JWTSecret, EnvJWTSecret)
	set(&c.Store.DatabaseURL, EnvDatabaseURL)
	set(&c.Mail.OAuth.ClientSecret, EnvOAuthClientSecret)
	set(&c.Mail.OAuth.RefreshToken, EnvOAuthRefreshToken)
	set(&c.Events.Kafka.SASLPassword, EnvKafkaSASLPassword)
	set(&c.Events.AMQP.URL, EnvAMQPURL)
}

// Defaults fills every unset field that has a sensible default.
func (c *Config) Defaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Auth.CookieName == "" {
		c.Auth.CookieName = "token"
	}
	if c.Auth.AdminClaim == "" {
		c.Auth.AdminClaim = "isAdmin"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 587
	}
	if c.Mail.SenderName == "" {
		c.Mail.SenderName = DefaultSenderName
	}
	if c.Mail.SenderAddress == "" {
		c.Mail.SenderAddress = c.Mail.Username
	}
	if c.Mail.AuthMode == "" {
		c.Mail.AuthMode = MailAuthPassword
	}
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverBolt
	}
	if c.Store.Driver == StoreDriverBolt && c.Store.Path == "" {
		c.Store.Path = DefaultBoltPath
	}
	if c.Queue.BatchSize <= 0 {
		c.Queue.BatchSize = DefaultBatchSize
	}
	if c.Queue.MaxAttempts <= 0 {
		c.Queue.MaxAttempts = DefaultMaxAttempts
	}
	if c.Queue.Concurrency <= 0 {
		c.Queue.Concurrency = 1
	}
	if c.Queue.StoreRetries <= 0 {
		c.Queue.StoreRetries = DefaultStoreRetries
	}
	if c.Events.QueueSize <= 0 {
		c.Events.QueueSize = 1000
	}
}

// Validate reports every configuration problem found, joined into one error.
func (c Config) Validate() error {
	var errs []error

	if c.Mail.Host == "" {
		errs = append(errs, errors.New("mail.host is required"))
	}
	if c.Mail.Port <= 0 || c.Mail.Port > 65535 {
		errs = append(errs, fmt.Errorf("mail.port %d is out of range", c.Mail.Port))
	}
	if c.Mail.SenderAddress == "" {
		errs = append(errs, errors.New("mail.senderAddress or mail.username is required"))
	}
	switch c.Mail.AuthMode {
	case MailAuthPassword:
	case MailAuthOAuth2:
		if c.Mail.OAuth.ClientID == "" || c.Mail.OAuth.ClientSecret == "" || c.Mail.OAuth.RefreshToken == "" {
			errs = append(errs, errors.New("mail.oauth requires clientID, clientSecret and refreshToken"))
		}
		if c.Mail.Username == "" {
			errs = append(errs, errors.New("mail.username is required for oauth2"))
		}
	default:
		errs = append(errs, fmt.Errorf("mail.authMode %q is not one of %q, %q", c.Mail.AuthMode, MailAuthPassword, MailAuthOAuth2))
	}
	if c.Mail.RateLimit < 0 {
		errs = append(errs, errors.New("mail.rateLimit must not be negative"))
	}

	switch c.Store.Driver {
	case StoreDriverBolt:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for bolt"))
		}
	case StoreDriverPostgres:
		if c.Store.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("store.databaseURL (or %s) is required for postgres", EnvDatabaseURL))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of %q, %q", c.Store.Driver, StoreDriverBolt, StoreDriverPostgres))
	}

	if !c.Auth.Disabled && c.Auth.JWTSecret == "" && c.Auth.JWKSURL == "" {
		errs = append(errs, fmt.Errorf("auth.jwtSecret (or %s) or auth.jwksURL is required", EnvJWTSecret))
	}

	for _, d := range []struct{ field, value string }{
		{"queue.tickInterval", c.Queue.TickInterval},
		{"queue.cooldown", c.Queue.Cooldown},
		{"queue.storeRetryDelay", c.Queue.StoreRetryDelay},
		{"mail.sendTimeout", c.Mail.SendTimeout},
		{"retry.initialBackoff", c.Retry.InitialBackoff},
		{"retry.maxBackoff", c.Retry.MaxBackoff},
	} {
		if d.value == "" {
			continue
		}
		if v, err := time.ParseDuration(d.value); err != nil || v <= 0 {
			errs = append(errs, fmt.Errorf("%s %q is not a positive duration", d.field, d.value))
		}
	}

	if c.Events.Kafka.Enabled && (len(c.Events.Kafka.Brokers) == 0 || c.Events.Kafka.Topic == "") {
		errs = append(errs, errors.New("events.kafka requires brokers and topic"))
	}
	if c.Events.AMQP.Enabled && c.Events.AMQP.URL == "" {
		errs = append(errs, fmt.Errorf("events.amqp.url (or %s) is required", EnvAMQPURL))
	}

	return errors.Join(errs...)
}

// parseDurationOrDefault returns def for empty, invalid, zero or negative values.
func parseDurationOrDefault(value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// Addr returns host:port of the SMTP server.
func (m Mail) Addr() string {
	return m.Host + ":" + strconv.Itoa(m.Port)
}
