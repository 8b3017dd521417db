package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"flotilla/config"
	"flotilla/internal/logging"
	"flotilla/internal/telemetry"
	"flotilla/peer"
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
	var configPath string
	var peerID string
	var shareDir string
	var downloadDir string
	var listenAddr string
	var registryAddr string
	var bootstrap bool
	var noConsole bool

	cmd := &cobra.Command{
		Use:   "flotillad",
		Short: "File-sharing peer with fault-tolerant tracker election",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if peerID != "" {
				cfg.PeerID = peerID
			}
			if shareDir != "" {
				cfg.ShareDir = shareDir
			}
			if downloadDir != "" {
				cfg.DownloadDir = downloadDir
			}
			if listenAddr != "" {
				cfg.ListenAddr = listenAddr
			}
			if registryAddr != "" {
				cfg.RegistryAddr = registryAddr
			}
			if bootstrap {
				cfg.Bootstrap = true
			}
			if cfg.DownloadDir == "" && cfg.ShareDir != "" {
				cfg.DownloadDir = cfg.ShareDir + "-downloads"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := logging.Configure(cfg.LogLevel); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, !noConsole)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	cmd.Flags().StringVar(&peerID, "peer-id", "", "Peer identity (overrides config)")
	cmd.Flags().StringVar(&shareDir, "share-dir", "", "Directory of files to share")
	cmd.Flags().StringVar(&downloadDir, "download-dir", "", "Directory for downloaded files")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Peer RPC listen address")
	cmd.Flags().StringVar(&registryAddr, "registry", "", "Name registry address")
	cmd.Flags().BoolVar(&bootstrap, "bootstrap", false, "Act as the cohort's bootstrap peer")
	cmd.Flags().BoolVar(&noConsole, "no-console", false, "Run without the interactive console")
	return cmd
}

func run(ctx context.Context, cfg config.Config, console bool) error {
	srv, err := peer.Listen(cfg.ListenAddr)
	if err != nil {
		return err
	}

	names := registry.NewClient(cfg.RegistryAddr)
	defer names.Close()
	transport := peer.NewTCPTransport()
	defer transport.Close()

	p := peer.New(cfg, srv.Addr(), names, transport)
	if err := p.Start(ctx); err != nil {
		return err
	}
	defer p.Stop()

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 2)
	go func() { errc <- srv.Serve(serveCtx, p) }()
	if cfg.MetricsAddr != "" {
		go func() { errc <- telemetry.Serve(serveCtx, cfg.MetricsAddr) }()
	}

	if console {
		go runConsole(serveCtx, cancel, p)
	}

	select {
	case <-serveCtx.Done():
		return nil
	case err := <-errc:
		return err
	}
}
