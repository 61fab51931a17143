package timesync

import (
	"context"
	"time"

	"github.com/beevik/ntp"
	"github.com/cenkalti/backoff/v4"
)

// NTPReference queries an NTP server for reference time. A single Query
// retries transient failures a few times with short exponential backoff;
// persistent failure is reported to the caller, who keeps whatever offset
// it already had.
type NTPReference struct {
	Host    string
	Timeout time.Duration
}

func (r NTPReference) Query(ctx context.Context) (time.Time, error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	var tr time.Time
	op := func() error {
		resp, err := ntp.QueryWithOptions(r.Host, ntp.QueryOptions{Timeout: timeout})
		if err != nil {
			return err
		}
		if err := resp.Validate(); err != nil {
			return err
		}
		tr = resp.Time
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 3 * timeout
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		return time.Time{}, err
	}
	return tr, nil
}
