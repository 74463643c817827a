package main

import (
	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var flagAddr string

var rootCmd = &cobra.Command{
	Use:   "tabrelay",
	Short: "tabrelay - attach browser tabs to a gateway relay",
	Long: `tabrelay connects to a local Chromium over the DevTools protocol and
exposes its tabs to a gateway relay over a single WebSocket.

Quick start:
  tabrelay run                 # Connect browser and relay, serve the status API
  tabrelay status              # Relay state and attached tabs of a running agent
  tabrelay tabs                # Attached tabs only
  tabrelay attach 3            # Attach tab 3
  tabrelay toggle              # Detach everything, or attach all eligible tabs

Configuration comes from the environment and an optional .env file; the
relay port, gateway token and auto-attach switch live in the settings file
(TABRELAY_SETTINGS_FILE) and are reloaded when it changes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagAddr, "addr", "", "Status API address of a running agent (default TABRELAY_BIND_ADDR)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(tabsCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(detachCmd)
	rootCmd.AddCommand(toggleCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("tabrelay " + version)
	},
}
