package main

import (
	"fmt"
	"os"

	mqctlcmd "github.com/stocktracker/mailqueue/pkg/mqctl/cmd"
)

func main() {
	root := mqctlcmd.NewRootCommand(mqctlcmd.DefaultConfig())
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
