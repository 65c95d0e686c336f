package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stocktracker/mailqueue/pkg/mqctl/config"
	"github.com/stocktracker/mailqueue/pkg/mqctl/output"
)

func NewConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the mqctl config file",
	}
	cmd.AddCommand(newConfigInitCommand(), newConfigViewCommand())
	return cmd
}

func newConfigInitCommand() *cobra.Command {
	var cfg config.Config
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write connection defaults to the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			if cfg.Server == "" {
				cfg.Server = rt.serverOverride
			}
			if cfg.Server == "" {
				return fmt.Errorf("--server is required")
			}
			if cfg.Token == "" {
				cfg.Token = rt.tokenOverride
			}
			if cfg.Output != "" {
				if _, err := output.ParseFormat(cfg.Output); err != nil {
					return err
				}
			}
			if err := config.Save(rt.configPath, &cfg); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(rt.Writer(), "Wrote %s\n", rt.configPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&cfg.Output, "default-output", "", "Default output format")
	cmd.Flags().StringVar(&cfg.Timeout, "default-timeout", "", "Default request timeout, e.g. 10s")
	cmd.Flags().StringVar(&cfg.CAFile, "default-ca-file", "", "Default CA bundle")
	// --server and --token are the persistent flags
	return cmd
}

func newConfigViewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "view",
		Short: "Print the effective config file, token redacted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			view := *rt.cfg
			if view.Token != "" {
				view.Token = "REDACTED"
			}
			return output.WriteObject(rt.Writer(), output.FormatYAML, view)
		},
	}
}
