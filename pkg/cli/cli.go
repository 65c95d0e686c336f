package cli

import (
	"crypto/tls"
	"flag"
	"os"
	"strings"

	"go.uber.org/zap"
)

type Config struct {
	// Application flags
	Debug bool

	// Configuration flags
	ConfigPath string
	// ListenAddress overrides server.listenAddress from the config file when set.
	ListenAddress string

	// Component enable flags (e.g. an API-only replica next to a single worker)
	DisableWorker  bool
	DisableAPI     bool
	MetricsEnabled bool
	EnableHTTP2    bool

	// InitSchema creates the Postgres table and indexes at startup.
	InitSchema bool
	// RunOnce runs a single processor tick and exits.
	RunOnce bool
}

// Parse parses os.Args into a Config.
func Parse() *Config {
	config, _ := ParseArgs(flag.CommandLine, os.Args[1:])
	return config
}

// ParseArgs defines the flags on fs and parses args.
func ParseArgs(fs *flag.FlagSet, args []string) (*Config, error) {
	config := &Config{}
	fs.BoolVar(&config.Debug, "debug", getEnvBool("MAILQUEUE_DEBUG", false), "Enable debug level logging")
	fs.StringVar(&config.ConfigPath, "config-path", getEnvString("MAILQUEUE_CONFIG_PATH", "./config.yaml"),
		"Path to the mailqueue configuration file")
	fs.StringVar(&config.ListenAddress, "listen-address", getEnvString("MAILQUEUE_LISTEN_ADDRESS", ""),
		"Address the HTTP server binds to (host:port). Overrides server.listenAddress")
	fs.BoolVar(&config.DisableWorker, "disable-worker", getEnvBool("MAILQUEUE_DISABLE_WORKER", false),
		"Do not run the delivery processor in this instance")
	fs.BoolVar(&config.DisableAPI, "disable-api", getEnvBool("MAILQUEUE_DISABLE_API", false),
		"Do not serve the admin API in this instance")
	fs.BoolVar(&config.MetricsEnabled, "metrics-enabled", getEnvBool("MAILQUEUE_METRICS_ENABLED", true),
		"Expose Prometheus metrics at /metrics")
	fs.BoolVar(&config.EnableHTTP2, "enable-http2", getEnvBool("MAILQUEUE_ENABLE_HTTP2", false),
		"If set, HTTP/2 will be enabled for the TLS listener")
	fs.BoolVar(&config.InitSchema, "init-schema", getEnvBool("MAILQUEUE_INIT_SCHEMA", true),
		"Create the email_queue table and indexes at startup (postgres only)")
	fs.BoolVar(&config.RunOnce, "run-once", getEnvBool("MAILQUEUE_RUN_ONCE", false),
		"Process a single batch of eligible jobs and exit")

	if err := fs.Parse(args); err != nil {
		return config, err
	}
	return config, nil
}

func (c *Config) Print(log *zap.SugaredLogger) {
	log.Infow("CLI Configuration",
		"debug", c.Debug,
		"config_path", c.ConfigPath,
		"listen_address", c.ListenAddress,
		"disable_worker", c.DisableWorker,
		"disable_api", c.DisableAPI,
		"metrics_enabled", c.MetricsEnabled,
		"enable_http2", c.EnableHTTP2,
		"init_schema", c.InitSchema,
		"run_once", c.RunOnce,
	)
}

// DisableHTTP2 is used to configure TLS options to disable HTTP/2.
// HTTP/2 has known vulnerabilities (CVE-2023-44487, CVE-2024-3156).
func DisableHTTP2(c *tls.Config) {
	c.NextProtos = []string{"http/1.1"}
}

// getEnvString returns the value of an environment variable, or the provided default if not set.
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvBool returns the value of an environment variable as a bool, or the provided default if not set.
// Valid true values are "true", "1", "yes" (case-insensitive).
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		switch strings.ToLower(val) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultVal
}
