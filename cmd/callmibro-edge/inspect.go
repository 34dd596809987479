package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"callmibro/internal/cachestore"
	"callmibro/internal/kv"
	"callmibro/internal/queue"
)

// The inspection commands open the data directory directly, so the edge must not be
// running against the same directory.

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect offline mutation partitions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "ls <booking|order>",
		Short: "List pending mutations of one kind",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := queue.ParseKind(args[0])
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := kv.Open(filepath.Join(cfg.DataDir, "queue"))
			if err != nil {
				return err
			}
			defer store.Close()

			pending, err := queue.New(store, queue.Config{Origin: cfg.Server.Origin}).List(kind)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, pm := range pending {
				fmt.Fprintf(out, "%s\t%s\t%s\n", pm.ID, time.Unix(0, pm.QueuedAt).UTC().Format(time.RFC3339), pm.Payload)
			}
			fmt.Fprintf(out, "%d pending in %s\n", len(pending), kind.Partition())
			return nil
		},
	})
	return cmd
}

func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "List cache buckets and mark the current one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := kv.Open(filepath.Join(cfg.DataDir, "cache"))
			if err != nil {
				return err
			}
			defer store.Close()

			current := cachestore.BucketName(cfg.App, cfg.CacheVersion)
			names, err := store.Partitions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range names {
				n, err := store.Partition(name).Len()
				if err != nil {
					return err
				}
				mark := "stale"
				if name == current {
					mark = "current"
				}
				fmt.Fprintf(out, "%s\t%d keys\t%s\n", name, n, mark)
			}
			return nil
		},
	}
}
