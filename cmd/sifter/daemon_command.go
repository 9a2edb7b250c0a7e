package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"sifter/internal/config"
	"sifter/internal/daemon"
	"sifter/internal/ingest"
	"sifter/internal/logging"
	"sifter/internal/queue"
	"sifter/internal/store"
	"sifter/internal/workflow"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the background workers and schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStores(func(cfg *config.Config, st *store.Store, qs *queue.Store) error {
				logger, err := logging.NewForDir(cfg.Logging.Level, cfg.Logging.Format, cfg.Paths.LogDir, "sifter.log")
				if err != nil {
					return fmt.Errorf("init logger: %w", err)
				}

				pipe := buildPipeline(cfg, st, qs, logger)
				manager := workflow.NewManager(cfg, qs, logger)
				manager.Register(queue.QueueTranscription, pipe.Transcription)
				manager.Register(queue.QueueAnalysis, pipe.Analysis)
				manager.Register(queue.QueueCuration, pipe.Curation)
				manager.Register(queue.QueueDigest, pipe.Assembly)
				manager.Register(queue.QueueOrchestrator, pipe.Orchestrator)

				feeds := ingest.NewService(st, cfg.Download.UserAgent, logger)

				d, err := daemon.New(cfg, st, qs, manager, feeds, logger)
				if err != nil {
					return err
				}
				defer d.Close()

				signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
				defer cancel()

				if err := d.Start(signalCtx); err != nil {
					return err
				}
				<-signalCtx.Done()
				d.Stop()
				return nil
			})
		},
	}
}
