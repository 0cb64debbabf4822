package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by all commands
type GlobalFlags struct {
	ConfigPath string
	// API connection for status/restart/logs; empty means the local instance
	APIUrl     string
	APIToken   string
	APITimeout time.Duration
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createRunCommand(flags),
		createServeCommand(flags),
		createStatusCommand(flags),
		createRestartCommand(flags),
		createLogsCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "deskhost",
		Short: "Desktop host for a local backend server and its web UI",
		Long: `deskhost opens the application window, launches the backend server,
waits for it to report ready and exposes a small bridge to the UI.

Examples:
  deskhost run --config deskhost.toml     # window + backend
  deskhost serve --config deskhost.toml   # headless, HTTP bridge only
  deskhost status                         # query the running instance
  deskhost logs --lines 50`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "control API URL (default: the running local instance)")
	root.PersistentFlags().StringVar(&flags.APIToken, "api-token", "", "control API token (default: from the instance file)")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	return root
}
