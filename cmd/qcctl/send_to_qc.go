package main

import (
	"fmt"

	infraredis "github.com/kursadbilgin/qc-engine/internal/infra/redis"
	"github.com/kursadbilgin/qc-engine/internal/lock"
	"github.com/kursadbilgin/qc-engine/internal/repository"
	"github.com/kursadbilgin/qc-engine/internal/service"
	"github.com/spf13/cobra"
)

func sendToQCCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send-to-qc <batchId>",
		Short: "Close a batch and draw its QC sample now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			remote, err := remoteClient(cmd)
			if err != nil {
				return err
			}
			if remote != nil {
				batch, err := remote.SendToQC(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printBatch(cmd.OutOrStdout(), batch.record())
			}

			env, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close()

			rdb, err := infraredis.NewRedis(cmd.Context(), env.cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("redis initialization failed: %w", err)
			}
			defer rdb.Close()

			locker, err := lock.New(env.cfg.LockBackend, rdb, env.cfg.LockTTL, env.logger)
			if err != nil {
				return err
			}
			sampler, err := service.NewSampler(
				repository.NewGormBatchRepo(env.db),
				repository.NewGormResponseRepo(env.db),
				locker,
				env.logger,
			)
			if err != nil {
				return err
			}

			batch, err := sampler.CloseAndSample(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBatch(cmd.OutOrStdout(), batch)
		},
	}
}
