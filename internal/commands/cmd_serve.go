package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"

	"lojaedge/internal/edge"
	"lojaedge/internal/logutils"
)

type ServeCmd struct {
	flags *Flags
}

func NewServeCmd(flags *Flags) *ServeCmd {
	return &ServeCmd{flags: flags}
}

// Register adds the serve command to the application
func (cmd *ServeCmd) Register(app *cli.Command) *cli.Command {
	app.Commands = append(app.Commands, &cli.Command{
		Name:      "serve",
		Usage:     "Run the edge worker in front of the storefront origin",
		UsageText: "lojaedge serve",
		Description: `Installs and activates the configured cache generation, then serves
storefront traffic through the offline cache together with the /__sw
control surface used by open pages and the push relay.`,
		Action: cmd.run,
	})
	return app
}

func (cmd *ServeCmd) run(ctx context.Context, c *cli.Command) error {
	cfg, err := edge.LoadConfig(cmd.flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// The logging section of the config applies unless overridden by flags.
	level, file := cmd.flags.LogLevel, cmd.flags.LogFile
	if !c.IsSet("log-level") {
		level = cfg.Logging.Level
	}
	if !c.IsSet("log-file") && cfg.Logging.File != "" {
		file = cfg.Logging.File
	}
	if level != cmd.flags.LogLevel || file != cmd.flags.LogFile {
		logger, closer, err := logutils.New(level, file)
		if err != nil {
			return fmt.Errorf("setup logger: %w", err)
		}
		defer closer()
		log.Logger = logger
	}

	storage, err := edge.OpenCacheStorage(cfg.Cache)
	if err != nil {
		return fmt.Errorf("open cache storage: %w", err)
	}
	defer func() {
		if err := storage.Close(); err != nil {
			log.Error().Err(err).Msg("close cache storage")
		}
	}()

	var (
		hub  = edge.NewHub(log.With().Str("component", "clients").Logger())
		tray = edge.NewMemoryTray()
	)
	worker, err := edge.NewWorker(cfg, edge.Deps{
		Storage: storage,
		Fetcher: edge.NewOriginFetcher(cfg.Server.Origin),
		Tray:    tray,
		Clients: hub,
		Logger:  log.Logger,
	})
	if err != nil {
		return fmt.Errorf("init worker: %w", err)
	}
	defer worker.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Start(ctx); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	edgeSrv := edge.NewServer(cfg, worker, hub, tray, log.Logger)
	srv := &http.Server{
		Handler:           edgeSrv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(edgeSrv.Stop)

	go func() {
		log.Info().Str("addr", addr).Str("origin", cfg.Server.Origin).Str("generation", cfg.Cache.Generation).Msg("lojaedge listening")
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
