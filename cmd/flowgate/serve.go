package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/controlplane"
	"github.com/fentz26/flowgate/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	listenAddr string
	apiOnly    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the worker loops",
	Long:  `Starts the HTTP API together with the analysis and dispatch loops enabled in the config.`,
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "Listen address (default: server.addr from config)")
	serveCmd.Flags().BoolVar(&apiOnly, "api-only", false, "Serve the API without running worker loops")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	rec := audit.NewRecorder(s, logger)
	addr := cfg.Server.Addr
	if listenAddr != "" {
		addr = listenAddr
	}
	server := controlplane.NewServer(controlplane.NewService(s, rec, logger), addr, version, logger)

	sch := scheduler.New(logger)
	if !apiOnly {
		want := loops{analysis: cfg.Analysis.Enabled, dispatch: cfg.Dispatch.Enabled}
		if want.analysis || want.dispatch {
			if err := registerLoops(sch, s, rec, want); err != nil {
				return err
			}
		}
	}

	logger.Info("flowgate starting", zap.String("version", version), zap.String("addr", addr))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		return sch.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
