// Package store persists pool membership and attempt history. Two backends
// exist: Postgres for installs that carry a database, and a JSON file for
// the common single-machine case. Both enforce the same staleness rule on
// load.
package store

import (
	"errors"
	"time"
)

// SnapshotMaxAge bounds how old a persisted membership snapshot may be
// before loading it is refused. Reservation targets are short-lived, so a
// day-old snapshot almost certainly names slots that no longer exist.
const SnapshotMaxAge = 24 * time.Hour

// ErrStale is returned by LoadSnapshot when a snapshot exists but is older
// than SnapshotMaxAge.
var ErrStale = errors.New("pool snapshot is stale")
