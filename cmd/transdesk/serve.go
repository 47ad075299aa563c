package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/transdesk/transdesk/internal/config"
	"github.com/transdesk/transdesk/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the transdesk server",
	Long: `Start the transdesk HTTP server.

This opens the SQLite store, starts the stage worker pool, and serves
the API, the websocket event stream, and uploaded files. Configuration
is hot-reloaded when the config file changes.

Examples:
  transdesk serve                    # Start on the configured port (default 8090)
  transdesk serve --port 3000        # Start on a custom port
  transdesk serve --host 127.0.0.1   # Bind to localhost only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		configMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		configMgr.WatchConfig()

		srv, err := server.New(server.Config{
			Host:          serveHost,
			Port:          servePort,
			HomeDir:       homeDir,
			ConfigManager: configMgr,
			Logger:        logger,
		})
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (default from config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (default from config)")

	rootCmd.AddCommand(serveCmd)
}
