// Package postgres is the durable eventstore.Store backend: a
// Postgres-backed append-only log using jackc/pgx's database/sql
// driver via jmoiron/sqlx, with schema managed by pressly/goose
// migrations embedded in this package.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/incident-commander/coordinator/pkg/eventstore"
	"github.com/incident-commander/coordinator/pkg/incident"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

// Store is a Postgres-backed eventstore.Store.
type Store struct {
	db *sqlx.DB
}

// Open connects to dsn using pgx's database/sql driver, runs pending
// migrations, and returns a ready Store.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, cerrors.DatabaseError("connect eventstore database", err)
	}
	if err := Migrate(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// New wraps an already-connected, already-migrated sqlx.DB.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Append implements eventstore.Store using a row-locked sequence
// counter (incident_sequences) to serialize concurrent appenders per
// incident while letting different incidents proceed fully in
// parallel.
func (s *Store) Append(ctx context.Context, incidentID string, expectedSequence int64, events []incident.Event) (int64, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, cerrors.DatabaseError("begin append transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incident_sequences (incident_id, next_seq) VALUES ($1, 0)
		 ON CONFLICT (incident_id) DO NOTHING`, incidentID); err != nil {
		return 0, cerrors.DatabaseError("ensure sequence row", err)
	}

	var current int64
	if err := tx.GetContext(ctx, &current,
		`SELECT next_seq FROM incident_sequences WHERE incident_id = $1 FOR UPDATE`, incidentID); err != nil {
		return 0, cerrors.DatabaseError("lock sequence row", err)
	}

	if current != expectedSequence {
		return current, cerrors.ErrConflict
	}

	seq := current
	for _, e := range events {
		e.IncidentID = incidentID
		e.Sequence = seq
		hash, err := eventstore.ContentHash(e)
		if err != nil {
			return current, err
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return current, cerrors.Wrap(cerrors.KindInternal, "marshal event payload", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO incident_events (incident_id, sequence, kind, occurred_at, payload, content_hash)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			incidentID, seq, string(e.Kind), e.Timestamp, payload, hash); err != nil {
			return current, cerrors.DatabaseError("insert event", err)
		}
		seq++
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE incident_sequences SET next_seq = $1 WHERE incident_id = $2`, seq, incidentID); err != nil {
		return current, cerrors.DatabaseError("advance sequence", err)
	}

	if err := tx.Commit(); err != nil {
		return current, cerrors.DatabaseError("commit append transaction", err)
	}
	return seq, nil
}

type eventRow struct {
	IncidentID  string    `db:"incident_id"`
	Sequence    int64     `db:"sequence"`
	Kind        string    `db:"kind"`
	OccurredAt  time.Time `db:"occurred_at"`
	Payload     []byte    `db:"payload"`
	ContentHash string    `db:"content_hash"`
}

func (r eventRow) toEvent() (incident.Event, error) {
	var payload interface{}
	if err := json.Unmarshal(r.Payload, &payload); err != nil {
		return incident.Event{}, cerrors.Wrap(cerrors.KindInternal, "unmarshal event payload", err)
	}
	e := incident.Event{
		IncidentID: r.IncidentID,
		Sequence:   r.Sequence,
		Kind:       incident.EventKind(r.Kind),
		Timestamp:  r.OccurredAt,
		Payload:    payload,
	}
	if err := eventstore.VerifyContentHash(e, r.ContentHash); err != nil {
		return incident.Event{}, err
	}
	return e, nil
}

// Read implements eventstore.Store.
func (s *Store) Read(ctx context.Context, incidentID string, fromSeq int64, limit int) ([]incident.Event, error) {
	query := `SELECT incident_id, sequence, kind, occurred_at, payload, content_hash
	          FROM incident_events
	          WHERE incident_id = $1 AND sequence >= $2
	          ORDER BY sequence ASC`
	args := []interface{}{incidentID, fromSeq}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, cerrors.DatabaseError("read events", err)
	}

	out := make([]incident.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Subscribe implements eventstore.Store as a poll-based tail: simpler
// and more operationally boring than LISTEN/NOTIFY, and sufficient
// because SubscriberHub and MetricsService only need near-real-time
// delivery, not sub-second latency.
func (s *Store) Subscribe(ctx context.Context, incidentID string, fromSeq int64) (<-chan incident.Event, eventstore.Unsubscribe, error) {
	ch := make(chan incident.Event, 256)
	subCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(ch)
		const pollInterval = 500 * time.Millisecond
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		next := fromSeq
		for {
			select {
			case <-subCtx.Done():
				return
			case <-ticker.C:
			}

			events, err := s.readTail(subCtx, incidentID, next)
			if err != nil {
				continue
			}
			for _, e := range events {
				select {
				case ch <- e:
					next = e.Sequence + 1
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return ch, eventstore.Unsubscribe(cancel), nil
}

func (s *Store) readTail(ctx context.Context, incidentID string, fromSeq int64) ([]incident.Event, error) {
	if incidentID != "" {
		return s.Read(ctx, incidentID, fromSeq, 0)
	}

	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT incident_id, sequence, kind, occurred_at, payload, content_hash
		 FROM incident_events WHERE sequence >= $1 ORDER BY inserted_at ASC`, fromSeq)
	if err != nil {
		return nil, cerrors.DatabaseError("read event tail", err)
	}
	out := make([]incident.Event, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

var _ eventstore.Store = (*Store)(nil)
