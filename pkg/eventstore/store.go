// Package eventstore defines the append-only, per-incident event log of
// design §4.5: gap-free sequences, optimistic-concurrency append,
// content-hash verified reads, and a global tail subscription.
// pkg/eventstore/memory and pkg/eventstore/postgres provide the two
// concrete backends the interface does not otherwise leak.
package eventstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/incident-commander/coordinator/pkg/incident"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// Store is the append-only event log every Orchestrator worker writes
// to and every SubscriberHub/MetricsService tail reads from.
type Store interface {
	// Append atomically writes events starting at expectedSequence;
	// returns the new tail sequence on success or cerrors.ErrConflict
	// if the store's current sequence for incidentID does not match
	// expectedSequence.
	Append(ctx context.Context, incidentID string, expectedSequence int64, events []incident.Event) (newSequence int64, err error)

	// Read returns up to limit events with sequence >= fromSeq, in
	// ascending order. limit <= 0 means unbounded.
	Read(ctx context.Context, incidentID string, fromSeq int64, limit int) ([]incident.Event, error)

	// Subscribe replays every event with sequence >= fromSeq for
	// incidentID (or, when incidentID is empty, every incident) and
	// then follows the live tail until ctx is cancelled or the
	// returned Unsubscribe is called. Delivery is at-least-once.
	Subscribe(ctx context.Context, incidentID string, fromSeq int64) (<-chan incident.Event, Unsubscribe, error)
}

// Unsubscribe stops a Subscribe stream and releases its resources.
type Unsubscribe func()

// ContentHash computes the stable content hash stored alongside each
// event and re-verified on every read (design §4.5): SHA-256 of the
// event kind followed by its marshalled payload. It is exported so
// every Store backend hashes identically.
func ContentHash(e incident.Event) (string, error) {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return "", cerrors.Wrap(cerrors.KindInternal, "marshal event payload for hashing", err)
	}
	h := sha256.New()
	h.Write([]byte(string(e.Kind)))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyContentHash recomputes and compares e's content hash against
// want, surfacing cerrors.ErrCorruption on mismatch.
func VerifyContentHash(e incident.Event, want string) error {
	got, err := ContentHash(e)
	if err != nil {
		return err
	}
	if got != want {
		return cerrors.ErrCorruption
	}
	return nil
}
