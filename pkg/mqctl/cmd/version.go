package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stocktracker/mailqueue/pkg/mqctl/output"
	"github.com/stocktracker/mailqueue/pkg/version"
)

type versionInfo struct {
	Client version.BuildInfo  `json:"client" yaml:"client"`
	Server *version.BuildInfo `json:"server,omitempty" yaml:"server,omitempty"`
}

func NewVersionCommand() *cobra.Command {
	var clientOnly bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show mqctl and server versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}
			info := versionInfo{Client: version.GetBuildInfo()}
			var serverErr error
			if !clientOnly && rt.server() != "" {
				c, err := buildClient(rt)
				if err == nil {
					info.Server, serverErr = c.ServerVersion(cmd.Context())
				} else {
					serverErr = err
				}
			}

			format, err := rt.OutputFormat()
			if err != nil {
				return err
			}
			if format != output.FormatTable && format != output.FormatWide {
				return output.WriteObject(rt.Writer(), format, info)
			}
			w := rt.Writer()
			_, _ = fmt.Fprintf(w, "Client: mqctl %s (commit: %s, built: %s)\n", info.Client.Version, info.Client.GitCommit, info.Client.BuildDate)
			switch {
			case info.Server != nil:
				_, _ = fmt.Fprintf(w, "Server: %s %s (commit: %s)\n", info.Server.Name, info.Server.Version, info.Server.GitCommit)
			case serverErr != nil:
				_, _ = fmt.Fprintf(w, "Server: unavailable (%v)\n", serverErr)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clientOnly, "client", false, "Only print the client version")
	return cmd
}
