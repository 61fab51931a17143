package cmd

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"

	"github.com/example/bws-scheduler/internal/timesync"
)

func newTimesyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "timesync",
		Short: "Probe the NTP server and report local clock drift",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			sync := timesync.New(clock.New(), log)
			ref := timesync.NTPReference{Host: cfg.NTPHost, Timeout: cfg.RequestTimeout}

			diff, err := sync.Sync(context.Background(), ref)
			if err != nil {
				return fmt.Errorf("querying %s: %w", cfg.NTPHost, err)
			}

			fmt.Printf("ntp server    : %s\n", cfg.NTPHost)
			fmt.Printf("local offset  : %v\n", diff)
			if diff > timesync.AutoSyncThreshold || -diff > timesync.AutoSyncThreshold {
				fmt.Printf("verdict       : drift exceeds %v, correction would engage automatically\n", timesync.AutoSyncThreshold)
			} else {
				fmt.Printf("verdict       : drift within %v, local clock is fine\n", timesync.AutoSyncThreshold)
			}
			return nil
		},
	}
}
