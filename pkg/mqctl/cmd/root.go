package cmd

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/stocktracker/mailqueue/pkg/mqctl/client"
	"github.com/stocktracker/mailqueue/pkg/mqctl/config"
	"github.com/stocktracker/mailqueue/pkg/mqctl/output"
)

type Config struct {
	ConfigPath   string
	OutputWriter io.Writer
}

type runtimeState struct {
	configPath     string
	cfg            *config.Config
	outputFormat   string
	serverOverride string
	tokenOverride  string
	caFile         string
	insecure       bool
	timeout        time.Duration
	writer         io.Writer
}

type runtimeKey struct{}

func DefaultConfig() Config {
	return Config{
		ConfigPath:   config.DefaultConfigPath(),
		OutputWriter: os.Stdout,
	}
}

func NewRootCommand(cfg Config) *cobra.Command {
	rt := &runtimeState{configPath: cfg.ConfigPath, writer: cfg.OutputWriter}

	root := &cobra.Command{
		Use:           "mqctl",
		Short:         "Inspect and operate the outbound email queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if rt.writer == nil {
				rt.writer = os.Stdout
			}
			if rt.configPath == "" {
				rt.configPath = config.DefaultConfigPath()
			}
			if rt.outputFormat == "" {
				rt.outputFormat = os.Getenv("MQCTL_OUTPUT")
			}
			if rt.serverOverride == "" {
				rt.serverOverride = os.Getenv("MQCTL_SERVER")
			}
			if rt.tokenOverride == "" {
				rt.tokenOverride = os.Getenv("MQCTL_TOKEN")
			}
			if !rt.insecure {
				rt.insecure = strings.EqualFold(os.Getenv("MQCTL_INSECURE_SKIP_TLS_VERIFY"), "true")
			}
			if cmd.Name() == "version" && cmd.Parent() == cmd.Root() {
				// version still works offline, the server part is best effort
				rt.cfg, _ = config.Load(rt.configPath)
				return nil
			}
			loaded, err := config.Load(rt.configPath)
			if err != nil {
				return err
			}
			rt.cfg = loaded
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&rt.configPath, "config", rt.configPath, "Path to config file")
	flags.StringVarP(&rt.outputFormat, "output", "o", "", "Output format: table, wide, json, yaml")
	flags.StringVar(&rt.serverOverride, "server", "", "mailqueue server URL")
	flags.StringVar(&rt.tokenOverride, "token", "", "Bearer token")
	flags.StringVar(&rt.caFile, "ca-file", "", "CA bundle used to verify the server certificate")
	flags.BoolVar(&rt.insecure, "insecure-skip-tls-verify", false, "Skip server certificate verification")
	flags.DurationVar(&rt.timeout, "timeout", 0, "Request timeout")

	root.SetContext(context.WithValue(context.Background(), runtimeKey{}, rt))

	root.AddCommand(
		NewStatsCommand(),
		NewListCommand(),
		NewGetCommand(),
		NewRetryCommand(),
		NewEnqueueCommand(),
		NewSendCommand(),
		NewHealthCommand(),
		NewConfigCommand(),
		NewVersionCommand(),
	)

	return root
}

func getRuntime(cmd *cobra.Command) (*runtimeState, error) {
	rt, ok := cmd.Context().Value(runtimeKey{}).(*runtimeState)
	if !ok || rt == nil {
		return nil, errors.New("runtime not initialized")
	}
	return rt, nil
}

func (rt *runtimeState) Writer() io.Writer {
	if rt.writer != nil {
		return rt.writer
	}
	return os.Stdout
}

func (rt *runtimeState) OutputFormat() (output.Format, error) {
	format := rt.outputFormat
	if format == "" && rt.cfg != nil {
		format = rt.cfg.Output
	}
	return output.ParseFormat(format)
}

func (rt *runtimeState) server() string {
	if rt.serverOverride != "" {
		return rt.serverOverride
	}
	if rt.cfg != nil {
		return rt.cfg.Server
	}
	return ""
}

func (rt *runtimeState) token() string {
	if rt.tokenOverride != "" {
		return rt.tokenOverride
	}
	if rt.cfg != nil {
		return rt.cfg.Token
	}
	return ""
}

func (rt *runtimeState) requestTimeout() time.Duration {
	if rt.timeout > 0 {
		return rt.timeout
	}
	if rt.cfg != nil && rt.cfg.Timeout != "" {
		if d, err := time.ParseDuration(rt.cfg.Timeout); err == nil {
			return d
		}
	}
	return 0
}

func buildClient(rt *runtimeState) (*client.Client, error) {
	server := rt.server()
	if server == "" {
		return nil, errors.New("server is required: pass --server, set MQCTL_SERVER or run 'mqctl config init'")
	}
	caFile := rt.caFile
	insecure := rt.insecure
	if rt.cfg != nil {
		if caFile == "" {
			caFile = rt.cfg.CAFile
		}
		insecure = insecure || rt.cfg.InsecureSkipTLSVerify
	}
	return client.New(
		client.WithServer(server),
		client.WithToken(rt.token()),
		client.WithTimeout(rt.requestTimeout()),
		client.WithRetries(2, 500*time.Millisecond),
		client.WithTLSConfig(caFile, insecure),
	)
}

// clientFor resolves the runtime and builds a client in one step.
func clientFor(cmd *cobra.Command) (*runtimeState, *client.Client, error) {
	rt, err := getRuntime(cmd)
	if err != nil {
		return nil, nil, err
	}
	c, err := buildClient(rt)
	if err != nil {
		return nil, nil, err
	}
	return rt, c, nil
}
