package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/embermail/embermail/internal/queue"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Queue inspection commands",
}

func init() {
	queueCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show queue depths",
		RunE:  runQueueStats,
	})
}

func runQueueStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	broker, err := queue.Factory(cfg.Queue)
	if err != nil {
		return err
	}
	defer broker.Close()

	ctx := context.Background()
	if err := broker.Declare(ctx); err != nil {
		return fmt.Errorf("failed to reach queue: %w", err)
	}

	stats, err := broker.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("ready:      %d\n", stats.Ready)
	fmt.Printf("delayed:    %d\n", stats.Delayed)
	fmt.Printf("processing: %d\n", stats.Processing)
	fmt.Printf("dead:       %d\n", stats.Dead)
	return nil
}
