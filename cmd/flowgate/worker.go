package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fentz26/flowgate/internal/audit"
	"github.com/fentz26/flowgate/internal/scheduler"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var workerCmd = &cobra.Command{
	Use:       "worker [analysis|dispatch]...",
	Short:     "Run worker loops without the HTTP API",
	Long:      `Runs the named poll loops, or both when none are named. Any number of worker processes may share one Postgres database.`,
	ValidArgs: []string{"analysis", "dispatch"},
	Args:      cobra.OnlyValidArgs,
	RunE:      runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	want := loops{analysis: len(args) == 0, dispatch: len(args) == 0}
	for _, name := range args {
		switch name {
		case "analysis":
			want.analysis = true
		case "dispatch":
			want.dispatch = true
		default:
			return fmt.Errorf("unknown loop %q", name)
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	sch := scheduler.New(logger)
	if err := registerLoops(sch, s, audit.NewRecorder(s, logger), want); err != nil {
		return err
	}

	logger.Info("worker starting",
		zap.String("version", version),
		zap.Bool("analysis", want.analysis),
		zap.Bool("dispatch", want.dispatch))
	return sch.Run(ctx)
}
