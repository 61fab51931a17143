package timesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReference struct {
	offset time.Duration
	err    error
	clk    clock.Clock
}

func (f *fakeReference) Query(ctx context.Context) (time.Time, error) {
	if f.err != nil {
		return time.Time{}, f.err
	}
	return f.clk.Now().Add(f.offset), nil
}

func TestNowUncorrectedByDefault(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	assert.Equal(t, clk.Now(), s.Now())
	assert.Equal(t, SourceLocal, s.Offset().Source)
}

func TestSyncLastWriteWins(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	ref := &fakeReference{offset: 2 * time.Second, clk: clk}

	off, err := s.Sync(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, off)

	// No averaging: a second measurement replaces the first outright.
	ref.offset = -1 * time.Second
	off, err = s.Sync(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, -1*time.Second, off)

	s.SetEnabled(true)
	assert.Equal(t, clk.Now().Add(-1*time.Second), s.Now())
	assert.Equal(t, SourceReference, s.Offset().Source)
}

func TestSyncFailureKeepsPreviousOffset(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	ref := &fakeReference{offset: 1500 * time.Millisecond, clk: clk}

	_, err := s.Sync(context.Background(), ref)
	require.NoError(t, err)
	s.SetEnabled(true)

	ref.err = errors.New("ntp unreachable")
	_, err = s.Sync(context.Background(), ref)
	require.Error(t, err)

	// now() never observes the failure.
	assert.Equal(t, clk.Now().Add(1500*time.Millisecond), s.Now())
}

func TestAutoSyncEnablesOnLargeDrift(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	ref := &fakeReference{offset: 900 * time.Millisecond, clk: clk}

	diff, err := s.AutoSync(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 900*time.Millisecond, diff)
	assert.True(t, s.Enabled(), "0.9s drift must enable correction")
	assert.Equal(t, clk.Now().Add(900*time.Millisecond), s.Now())
}

func TestAutoSyncIgnoresSmallDrift(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	ref := &fakeReference{offset: 300 * time.Millisecond, clk: clk}

	_, err := s.AutoSync(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, s.Enabled(), "0.3s drift must stay on local time")
	assert.Equal(t, clk.Now(), s.Now())
}

func TestAutoSyncNegativeDrift(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	ref := &fakeReference{offset: -800 * time.Millisecond, clk: clk}

	_, err := s.AutoSync(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, s.Enabled())
}

func TestAutoSyncRefreshesWhenAlreadyEnabled(t *testing.T) {
	clk := clock.NewMock()
	s := New(clk, nil)
	s.SetEnabled(true)
	ref := &fakeReference{offset: 100 * time.Millisecond, clk: clk}

	_, err := s.AutoSync(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, s.Enabled())
	assert.Equal(t, clk.Now().Add(100*time.Millisecond), s.Now())
}
