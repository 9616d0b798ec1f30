// sparc-server hosts realtime tabletop sessions: REST endpoints for
// session, character, dice, and adventure management, plus a websocket
// hub for broadcast, record-change, and presence channels.
//
// Usage:
//
//	sparc-server serve             - Run the HTTP and websocket server
//	sparc-server schema            - Emit the wire protocol JSON schema
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sparc/server/internal/app"
)

var (
	flagConfig string
	flagAddr   string
)

var rootCmd = &cobra.Command{
	Use:   "sparc-server",
	Short: "Realtime tabletop session server",
	Long: `sparc-server runs the SPARC session platform: lobby and session
lifecycle, character creation, seeded dice rolls with latency tracking,
adventure progress, and a websocket hub multiplexing broadcast, change,
and presence channels over a single connection.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and websocket server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return app.Run(ctx, app.Options{
			ConfigPath: flagConfig,
			Addr:       flagAddr,
		})
	},
}

func init() {
	serveCmd.Flags().StringVar(&flagConfig, "config", "", "path to a YAML config file (defaults to configs/server.yaml if present)")
	serveCmd.Flags().StringVar(&flagAddr, "addr", "", "listen address override (e.g. :8080)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(schemaCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
