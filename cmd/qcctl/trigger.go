package main

import (
	"fmt"

	"github.com/kursadbilgin/qc-engine/internal/queue"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"github.com/kursadbilgin/qc-engine/internal/service"
	"github.com/spf13/cobra"
)

func triggerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Queue sampling for every collecting batch whose day has ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			remote, err := remoteClient(cmd)
			if err != nil {
				return err
			}
			if remote != nil {
				queued, err := remote.TriggerProcessing(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "queued %d batches for sampling\n", queued)
				return nil
			}

			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			mq, err := queue.NewRabbitMQ(env.cfg.RabbitMQURL)
			if err != nil {
				return fmt.Errorf("rabbitmq initialization failed: %w", err)
			}
			defer mq.Close()
			publisher := queue.NewRabbitMQPublisher(mq)
			defer publisher.Close()

			closer, err := service.NewBatchCloser(
				repository.NewGormBatchRepo(env.db),
				publisher,
				env.cfg.Location(),
				env.cfg.CloseInterval,
				limit,
				env.logger,
			)
			if err != nil {
				return err
			}
			closer.SetStuckAfter(env.cfg.StuckProcessing)

			queued, err := closer.ScanOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d batches for sampling\n", queued)
			return nil
		},
	}

	cmd.Flags().Int("limit", 100, "maximum batches to queue in one run (direct mode only)")
	return cmd
}
