package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/clawhub/internal/config"
	"github.com/nextlevelbuilder/clawhub/internal/node"
)

// runNode is the long-running plugin process: it builds the
// coordinator, connects to the Hub when registered, and supervises
// the config watcher until a shutdown signal arrives.
func runNode() {
	setupLogging()

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	n := node.New(cfg, cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	if err := n.Start(gctx); err != nil {
		slog.Error("node start failed", "error", err)
		os.Exit(1)
	}

	changes, err := config.Watch(gctx, cfgPath)
	if err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	} else {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-changes:
					fresh, err := config.Load(cfgPath)
					if err != nil {
						slog.Warn("config reload failed", "error", err)
						continue
					}
					n.ApplyConfig(fresh)
					slog.Info("config.reloaded", "path", cfgPath)
				}
			}
		})
	}

	g.Go(func() error {
		events := n.Events()
		for {
			select {
			case <-gctx.Done():
				return nil
			case e := <-events:
				slog.Debug("node.event", "kind", e.Kind)
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("supervisor error", "error", err)
	}
	n.Shutdown()
	slog.Info("node stopped")
}

func setupLogging() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))
}
