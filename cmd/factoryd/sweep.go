package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/agos-io/factory/internal/database"
	"github.com/agos-io/factory/internal/queue"
	"github.com/agos-io/factory/internal/worker"
)

func newSweepCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run one follow-up sweep and exit",
		Long:  `sweep scans for negotiations whose next action time has passed and enqueues them for the discovery room, then exits. Useful from cron or for manual catch-up.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if limit > 0 {
				cfg.Sweeper.BatchLimit = limit
			}

			db, err := database.NewPostgres(cfg.Database.DSN)
			if err != nil {
				return fmt.Errorf("failed to connect to database: %w", err)
			}
			defer db.Close()

			q, err := queue.New(queue.Config{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			if err != nil {
				return fmt.Errorf("failed to connect to redis: %w", err)
			}
			defer q.Close()

			s := worker.NewSweeper(db, q, nil, cfg.Sweeper.BatchLimit)
			enqueued, err := s.Sweep(context.Background())
			if err != nil {
				return err
			}
			log.Printf("[Sweep] Enqueued %d follow-ups", enqueued)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Override the batch limit for this sweep")
	return cmd
}
