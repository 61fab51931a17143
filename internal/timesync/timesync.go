// Package timesync maintains the best current estimate of true time without
// assuming the local clock is correct. Correction is opt-in: persistently by
// operator toggle, or transiently when a pre-fire measurement shows the local
// clock drifting badly enough to risk missing a reservation window.
package timesync

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

const (
	// AutoSyncThreshold is the local-vs-reference discrepancy above which a
	// pre-fire measurement enables correction on its own. Sub-second drift
	// is common and not worth permanent correction; gross drift risks
	// missing a fast-closing window.
	AutoSyncThreshold = 700 * time.Millisecond

	// AutoSyncLead is how long before a task's fire instant the one-shot
	// automatic measurement runs.
	AutoSyncLead = 300 * time.Second
)

type Source int

const (
	SourceLocal Source = iota
	SourceReference
)

func (s Source) String() string {
	if s == SourceReference {
		return "reference"
	}
	return "local"
}

// Offset is one clock measurement. correctedNow = localNow + Value when
// Source is SourceReference.
type Offset struct {
	Value      time.Duration
	Source     Source
	MeasuredAt time.Time
}

// TimeReference is a trusted external time source.
type TimeReference interface {
	Query(ctx context.Context) (time.Time, error)
}

// Synchronizer holds the measured offset between the local clock and a
// reference source. It is shared by reference across all pool workers;
// concurrent resyncs are safe because each write is an independent,
// self-consistent measurement (last write wins).
type Synchronizer struct {
	clock clock.Clock
	log   *logrus.Entry

	mu      sync.RWMutex
	offset  time.Duration
	measAt  time.Time
	synced  bool
	enabled bool
}

func New(clk clock.Clock, log *logrus.Entry) *Synchronizer {
	if clk == nil {
		clk = clock.New()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Synchronizer{clock: clk, log: log}
}

// Now returns corrected time when correction is enabled and at least one
// sync has succeeded, raw local time otherwise. A sync failure never
// propagates here.
func (s *Synchronizer) Now() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := s.clock.Now()
	if s.enabled && s.synced {
		return now.Add(s.offset)
	}
	return now
}

// SetEnabled toggles persistent correction.
func (s *Synchronizer) SetEnabled(on bool) {
	s.mu.Lock()
	s.enabled = on
	s.mu.Unlock()
}

func (s *Synchronizer) Enabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// Offset reports the current measurement. Source is SourceLocal until a sync
// has succeeded with correction enabled.
func (s *Synchronizer) Offset() Offset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.synced || !s.enabled {
		return Offset{Source: SourceLocal, MeasuredAt: s.measAt}
	}
	return Offset{Value: s.offset, Source: SourceReference, MeasuredAt: s.measAt}
}

// Sync measures the reference offset: local time is recorded immediately
// before the query, offset = reference − local. The last successful sync
// wins unconditionally; there is no averaging across calls. On failure the
// previous measurement is left untouched and the error is returned for the
// caller to log as a warning.
func (s *Synchronizer) Sync(ctx context.Context, ref TimeReference) (time.Duration, error) {
	t0 := s.clock.Now()
	tr, err := ref.Query(ctx)
	if err != nil {
		return 0, err
	}
	off := tr.Sub(t0)

	s.mu.Lock()
	s.offset = off
	s.measAt = t0
	s.synced = true
	s.mu.Unlock()
	return off, nil
}

// AutoSync runs the one-shot pre-fire measurement. If persistent correction
// is already on it just refreshes the offset; otherwise correction is
// enabled transiently only when the measured discrepancy exceeds
// AutoSyncThreshold. Returns the measured local-vs-reference discrepancy.
func (s *Synchronizer) AutoSync(ctx context.Context, ref TimeReference) (time.Duration, error) {
	diff, err := s.Sync(ctx, ref)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.enabled:
		s.log.WithField("offset", diff).Info("time offset refreshed")
	case diff > AutoSyncThreshold || diff < -AutoSyncThreshold:
		s.enabled = true
		s.log.WithField("offset", diff).
			Warn("local clock drift exceeds threshold, reference correction enabled")
	default:
		s.log.WithField("offset", diff).Info("local clock drift within tolerance, staying on local time")
	}
	return diff, nil
}
