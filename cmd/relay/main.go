package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leopard618/Browser-Softphone/internal/server"
)

const serviceName = "media-stream-relay"

var (
	version = server.Version
	commit  = "unknown"
	date    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "relay",
	Short: "Media stream relay for browser softphone calls",
	Long: `Accepts telephony media-stream WebSocket connections, tracks one session
per connection and forwards decoded call audio to an optional transcription
backend. Also serves the voice token and TwiML webhooks used by the browser
softphone.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, rootCmd.Version)
	},
}

func init() {
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
