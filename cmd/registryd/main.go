package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flotilla/internal/logging"
	"flotilla/registry"

	"github.com/spf13/cobra"
)

func main() {
	if err := logging.Configure(logging.LevelInfo); err != nil {
		_, _ = os.Stderr.WriteString("configure logger: " + err.Error() + "\n")
		os.Exit(1)
	}

	if err := rootCmd().Execute(); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var listenAddr string
	var dataFile string
	var debug bool

	cmd := &cobra.Command{
		Use:   "registryd",
		Short: "Name registry for the file-sharing cohort",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := logging.LevelInfo
			if debug {
				level = logging.LevelDebug
			}
			return logging.Configure(level)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, err := registry.OpenSQLite(dataFile)
			if err != nil {
				return err
			}
			defer store.Close()

			return registry.NewServer(store, slog.Default()).ListenAndServe(ctx, listenAddr)
		},
	}

	cmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:9090", "Registry listen address")
	cmd.Flags().StringVar(&dataFile, "data", "registry.db", "SQLite data file for name bindings")
	return cmd
}
