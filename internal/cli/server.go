package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/betlink/betlinkd/internal/config"
	"github.com/betlink/betlinkd/internal/di"
	"github.com/betlink/betlinkd/internal/events"
	"github.com/betlink/betlinkd/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the betlinkd server",
	Long: `Start the betlinkd daemon: the partner HTTP API, the AML analysis
pipeline and the websocket alert stream. Configuration comes from the
--config file and BETLINK_* environment variables.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// server is the default action
	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return serverCmd.RunE(cmd, args)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	container := di.BuildContainer(ctx, cfg)
	defer container.Close()

	log, err := di.GetTyped[*zap.Logger](container, di.Logger)
	if err != nil {
		return err
	}

	// Building the server also builds and binds every bus subscriber, so the
	// bus can start afterwards without missing a topic.
	srv, err := di.GetTyped[*server.Server](container, di.HTTPServer)
	if err != nil {
		return err
	}
	bus, err := di.GetTyped[*events.Bus](container, di.Bus)
	if err != nil {
		return err
	}
	if err := bus.Start(ctx); err != nil {
		return err
	}
	if n, err := bus.ReplayDeadLetters(ctx); err != nil {
		log.Warn("dead-letter replay incomplete", zap.Int("replayed", n), zap.Error(err))
	} else if n > 0 {
		log.Info("replayed dead-lettered events", zap.Int("count", n))
	}

	log.Info("betlinkd started",
		zap.String("listen_address", cfg.Server.ListenAddress),
		zap.String("cache_backend", cfg.Cache.Backend))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		return srv.Shutdown(context.Background())
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	log.Info("betlinkd stopped")
	return nil
}
