// Package schedule blocks a reservation worker until its fire instant.
//
// The wait is a bounded-latency poll, not an exact timer interrupt: the loop
// sleeps a short fixed quantum and rechecks corrected time, trading at most
// one quantum of firing latency for a cancellable, portable wait.
package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"

	"github.com/example/bws-scheduler/internal/timesync"
)

// ErrCanceled is returned when the cancel signal is observed before the
// fire instant.
var ErrCanceled = errors.New("wait canceled")

const (
	// DefaultQuantum bounds cancellation latency and firing latency while
	// waiting.
	DefaultQuantum = 100 * time.Millisecond

	// Countdown lines are emitted at most this often...
	countdownEvery = 3 * time.Second
	// ...and not at all inside the final stretch, where log flooding would
	// compete with the highest-contention window.
	countdownQuiet = 5 * time.Second
)

// Waiter drives the countdown for one task at a time. The same Waiter may be
// used by many workers concurrently; it keeps no per-wait state.
type Waiter struct {
	sync    *timesync.Synchronizer
	ref     timesync.TimeReference
	clk     clock.Clock
	quantum time.Duration
	log     *logrus.Entry
}

// NewWaiter builds a Waiter. ref may be nil to disable the pre-fire
// automatic time sync; clk may be nil for the real clock.
func NewWaiter(sync *timesync.Synchronizer, ref timesync.TimeReference, clk clock.Clock, quantum time.Duration, log *logrus.Entry) *Waiter {
	if clk == nil {
		clk = clock.New()
	}
	if quantum <= 0 {
		quantum = DefaultQuantum
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Waiter{sync: sync, ref: ref, clk: clk, quantum: quantum, log: log}
}

// WaitUntilFire blocks until corrected time reaches fireAt+offset, the
// context ends, or cancelled reports true. A target already in the past
// returns immediately (the "fire immediately" mode). offset may be negative
// to fire early.
//
// Once, when 300s or less remain, the reference clock is re-measured; a
// failed measurement is a warning only and the wait continues on the best
// prior estimate.
func (w *Waiter) WaitUntilFire(ctx context.Context, label string, fireAt time.Time, offset time.Duration, cancelled func() bool) error {
	target := fireAt.Add(offset)
	autoSynced := false
	var lastStatus time.Time

	for {
		if ctx.Err() != nil || (cancelled != nil && cancelled()) {
			return ErrCanceled
		}

		now := w.sync.Now()
		if !now.Before(target) {
			return nil
		}
		remaining := target.Sub(now)

		if !autoSynced && w.ref != nil && remaining <= timesync.AutoSyncLead {
			autoSynced = true
			w.log.WithField("task", label).Info("fire window approaching, measuring reference time")
			if _, err := w.sync.AutoSync(ctx, w.ref); err != nil {
				w.log.WithField("task", label).WithError(err).
					Warn("reference time measurement failed, continuing on current estimate")
			}
			continue
		}

		if remaining > countdownQuiet && (lastStatus.IsZero() || now.Sub(lastStatus) >= countdownEvery) {
			lastStatus = now
			w.log.WithFields(logrus.Fields{
				"task":      label,
				"fire_at":   target.Format("2006-01-02 15:04:05.000"),
				"remaining": remaining.Truncate(time.Second).String(),
				"source":    w.sync.Offset().Source.String(),
			}).Info("waiting for fire time")
		}

		w.clk.Sleep(w.quantum)
	}
}
