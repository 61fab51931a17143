package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/example/bws-scheduler/internal/bilibili"
	"github.com/example/bws-scheduler/internal/classify"
	"github.com/example/bws-scheduler/internal/config"
	"github.com/example/bws-scheduler/internal/pool"
	"github.com/example/bws-scheduler/internal/schedule"
	"github.com/example/bws-scheduler/internal/store"
	"github.com/example/bws-scheduler/internal/timesync"
)

func newReserveCmd() *cobra.Command {
	var (
		cookie         string
		slots          []int64
		fromSnapshot   bool
		timeCorrection bool
		noWait         bool
	)

	c := &cobra.Command{
		Use:   "reserve",
		Short: "Run reservation tasks for the given activity slots",
		Long: `Runs one concurrent reservation task per slot. Each task waits for the
slot's opening instant, then submits and retries per the server's response
codes until booked, fatal, or the retry ceiling.

Ctrl-C asks the pool to stop; tasks finish their current pause first, which
can take up to the full risk-control interval.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			if len(slots) == 0 && !fromSnapshot {
				return fmt.Errorf("give at least one --slot or use --from-snapshot")
			}

			cookieStr, err := resolveCookie(cfg, cookie, log)
			if err != nil {
				return err
			}
			client, err := bilibili.New(cookieStr, cfg.RequestTimeout, log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			snapshots, attempts, closeStores, err := openStores(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer closeStores()

			if fromSnapshot {
				saved, err := snapshots.LoadSnapshot(ctx)
				if errors.Is(err, store.ErrStale) {
					return fmt.Errorf("saved pool is older than %v, re-add slots explicitly", store.SnapshotMaxAge)
				}
				if err != nil {
					return err
				}
				slots = append(slots, saved...)
			}
			if len(slots) == 0 {
				return fmt.Errorf("no slots to reserve")
			}

			sync := timesync.New(clock.New(), log)
			ref := timesync.NTPReference{Host: cfg.NTPHost, Timeout: cfg.RequestTimeout}
			if timeCorrection {
				sync.SetEnabled(true)
				if diff, err := sync.Sync(ctx, ref); err != nil {
					log.WithError(err).Warn("initial time sync failed, will retry before firing")
				} else {
					log.WithField("offset", diff).Info("time correction enabled")
				}
			}

			waiter := schedule.NewWaiter(sync, ref, nil, cfg.WaitQuantum, log)
			classifier := classify.New(delaysFromConfig(cfg), cfg.MaxRetries, log)
			sink := &consoleSink{log: log}
			p := pool.New(client, classifier, waiter, pool.Options{
				Sink:      sink,
				Snapshots: snapshots,
				Attempts:  attempts,
				Log:       log,
			})

			cat, err := client.ReservationInfo(ctx, "")
			if err != nil {
				return fmt.Errorf("loading activity catalog: %w", err)
			}
			for _, id := range slots {
				t, err := taskForSlot(cat, id, cfg.FireOffset)
				if err != nil {
					return err
				}
				if err := p.AddTask(t); err != nil {
					return err
				}
			}

			if err := p.Start(ctx, !noWait); err != nil {
				return err
			}
			go func() {
				<-ctx.Done()
				log.Info("stop requested, letting in-flight pauses finish")
				p.Stop()
			}()
			p.Wait()

			return sink.summarize()
		},
	}

	c.Flags().StringVar(&cookie, "cookie", "", "browser cookie string (falls back to the cached one)")
	c.Flags().Int64SliceVar(&slots, "slot", nil, "activity slot id (repeatable)")
	c.Flags().BoolVar(&fromSnapshot, "from-snapshot", false, "also reserve the slots saved by the previous run")
	c.Flags().BoolVar(&timeCorrection, "time-correction", false, "correct the local clock against NTP before firing")
	c.Flags().BoolVar(&noWait, "no-wait", false, "skip the countdown and fire immediately")
	return c
}

func taskForSlot(cat *bilibili.Catalog, slotID int64, fireOffset time.Duration) (pool.Task, error) {
	act, ok := cat.Activities[slotID]
	if !ok {
		return pool.Task{}, fmt.Errorf("slot %d is not in the activity catalog", slotID)
	}
	token, ok := cat.TicketForActivity(slotID)
	if !ok {
		return pool.Task{}, fmt.Errorf("no admission ticket covers slot %d (%s)", slotID, act.Title)
	}
	return pool.Task{
		SlotID:           slotID,
		EntitlementToken: token,
		TargetFireTime:   act.FireTime(),
		FireOffset:       fireOffset,
	}, nil
}

func delaysFromConfig(cfg config.Config) classify.Delays {
	return classify.Delays{
		Normal:      cfg.RetryNormal,
		RateLimit:   cfg.RetryRateLimit,
		NotOpen:     cfg.RetryNotOpen,
		RiskControl: cfg.RetryRiskControl,
		Throttled:   cfg.RetryThrottled,
		TooFrequent: cfg.RetryTooFrequent,
	}
}

// consoleSink logs progress and keeps outcomes for the exit summary. The
// pool serializes calls, so no locking here.
type consoleSink struct {
	log     *logrus.Entry
	results []pool.Result
}

func (s *consoleSink) OnUpdate(slotID int64, note string) {
	s.log.WithField("slot", slotID).Info(note)
}

func (s *consoleSink) OnOutcome(slotID int64, res pool.Result) {
	s.results = append(s.results, res)
	entry := s.log.WithFields(logrus.Fields{"slot": slotID, "attempts": res.Attempts})
	switch res.State {
	case pool.StateBooked:
		entry.Info("booked")
	case pool.StateCanceled:
		entry.Warn("canceled: " + res.Reason)
	default:
		entry.Error("failed: " + res.Reason)
	}
}

func (s *consoleSink) summarize() error {
	booked := 0
	for _, r := range s.results {
		if r.State == pool.StateBooked {
			booked++
		}
	}
	fmt.Printf("booked %d of %d slots\n", booked, len(s.results))
	if booked < len(s.results) {
		return fmt.Errorf("%d reservation(s) did not complete", len(s.results)-booked)
	}
	return nil
}
