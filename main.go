package main

import (
	"fmt"
	"os"

	"github.com/gluk-w/webterm/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "webterm",
	Short: "Multi-session SSH and Telnet terminal over a WebSocket gateway",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config.Load()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
