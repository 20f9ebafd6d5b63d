package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/linechat/internal/logger"
	"github.com/Tyrowin/linechat/internal/server"
)

const shutdownTimeout = 10 * time.Second

var (
	tcpAddr         string
	httpAddr        string
	pingMillis      int
	pingToleranceMS int
)

// serveCmd runs the chat server until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long: `Start the TCP chat listener and, unless disabled with an empty --http-addr,
the HTTP server providing /, /status and the /ws WebSocket endpoint.

Settings are read from defaults, then the --config file, then environment
variables, then flags; later sources win.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	addServeFlags(serveCmd)
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&tcpAddr, "tcp-addr", "", "TCP listen address (default :1337)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address; empty disables (default :8080)")
	cmd.Flags().IntVar(&pingMillis, "ping-ms", 0, "Keepalive PING interval in milliseconds")
	cmd.Flags().IntVar(&pingToleranceMS, "ping-tolerance-ms", 0, "Extra time allowed for a PONG in milliseconds")
}

// loadConfig applies defaults, the config file, the environment and flags,
// in that order.
func loadConfig(cmd *cobra.Command) (server.Config, error) {
	cfg := server.NewConfig()
	if configFile != "" {
		var err error
		cfg, err = server.LoadConfigFile(configFile)
		if err != nil {
			return server.Config{}, fmt.Errorf("failed to load config: %w", err)
		}
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("tcp-addr") {
		cfg.TCPAddr = tcpAddr
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = httpAddr
	}
	if flags.Changed("ping-ms") {
		cfg.Keepalive.Interval = time.Duration(pingMillis) * time.Millisecond
	}
	if flags.Changed("ping-tolerance-ms") {
		cfg.Keepalive.Tolerance = time.Duration(pingToleranceMS) * time.Millisecond
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if flags.Changed("log-format") {
		cfg.LogFormat = logFormat
	}
	return cfg.Sanitize(), nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, logger.ParseLevel(cfg.LogLevel), cfg.LogFormat)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chat := server.NewServer(cfg, log)
	if err := chat.Start(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if cfg.HTTPAddr != "" {
		httpServer := server.CreateServer(cfg.HTTPAddr, chat.SetupRoutes())
		g.Go(func() error {
			return server.StartServer(httpServer, log)
		})
		g.Go(func() error {
			<-ctx.Done()
			return server.ShutdownServer(httpServer, shutdownTimeout, log)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down chat server")
		return chat.Shutdown(shutdownTimeout)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}
