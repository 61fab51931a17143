package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/example/bws-scheduler/internal/store"
)

func newPoolCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "pool",
		Short: "Inspect and manage the saved task pool",
	}
	c.AddCommand(newPoolListCmd())
	c.AddCommand(newPoolClearCmd())
	return c
}

func newPoolListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Print the slot ids saved by the previous run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()
			snapshots, _, closeStores, err := openStores(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStores()

			ids, err := snapshots.LoadSnapshot(ctx)
			if errors.Is(err, store.ErrStale) {
				fmt.Printf("saved pool is older than %v and will not be reused\n", store.SnapshotMaxAge)
				return nil
			}
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Println("saved pool is empty")
				return nil
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		},
	}
}

func newPoolClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Forget the saved task pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			ctx := context.Background()
			snapshots, _, closeStores, err := openStores(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStores()
			return snapshots.SaveSnapshot(ctx, nil)
		},
	}
}
