// Package memory implements a process-local eventstore.Store: the
// default backend for tests and single-replica development.
package memory

import (
	"context"
	"sync"

	"github.com/incident-commander/coordinator/pkg/eventstore"
	"github.com/incident-commander/coordinator/pkg/incident"
	cerrors "github.com/incident-commander/coordinator/pkg/sharedutil/errors"
)

type record struct {
	event incident.Event
	hash  string
}

// Store is an in-memory eventstore.Store, safe for concurrent use.
type Store struct {
	mu         sync.Mutex
	byIncident map[string][]record
	globalSubs map[int]chan incident.Event
	nextSub    int
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		byIncident: make(map[string][]record),
		globalSubs: make(map[int]chan incident.Event),
	}
}

// Append implements eventstore.Store.
func (s *Store) Append(ctx context.Context, incidentID string, expectedSequence int64, events []incident.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.byIncident[incidentID]
	current := int64(len(recs))
	if current != expectedSequence {
		return current, cerrors.ErrConflict
	}

	for _, e := range events {
		e.IncidentID = incidentID
		e.Sequence = current
		hash, err := eventstore.ContentHash(e)
		if err != nil {
			return current, err
		}
		recs = append(recs, record{event: e, hash: hash})
		current++
		s.notifyLocked(e)
	}
	s.byIncident[incidentID] = recs
	return current, nil
}

// Read implements eventstore.Store.
func (s *Store) Read(ctx context.Context, incidentID string, fromSeq int64, limit int) ([]incident.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := s.byIncident[incidentID]
	out := make([]incident.Event, 0, len(recs))
	for _, r := range recs {
		if r.event.Sequence < fromSeq {
			continue
		}
		if err := eventstore.VerifyContentHash(r.event, r.hash); err != nil {
			return nil, err
		}
		out = append(out, r.event)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Subscribe implements eventstore.Store: it replays incidentID's (or,
// if empty, every incident's) history from fromSeq then forwards newly
// appended events until the returned Unsubscribe is called or ctx ends.
func (s *Store) Subscribe(ctx context.Context, incidentID string, fromSeq int64) (<-chan incident.Event, eventstore.Unsubscribe, error) {
	ch := make(chan incident.Event, 256)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.globalSubs[id] = ch

	var replay []incident.Event
	if incidentID == "" {
		for _, recs := range s.byIncident {
			for _, r := range recs {
				if r.event.Sequence >= fromSeq {
					replay = append(replay, r.event)
				}
			}
		}
	} else {
		for _, r := range s.byIncident[incidentID] {
			if r.event.Sequence >= fromSeq {
				replay = append(replay, r.event)
			}
		}
	}
	s.mu.Unlock()

	go func() {
		for _, e := range replay {
			select {
			case ch <- e:
			case <-ctx.Done():
				return
			}
		}
	}()

	unsub := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.globalSubs[id]; ok {
			delete(s.globalSubs, id)
			close(c)
		}
	}

	go func() {
		<-ctx.Done()
		unsub()
	}()

	if incidentID != "" {
		filtered := make(chan incident.Event, 256)
		go func() {
			defer close(filtered)
			for e := range ch {
				if e.IncidentID != incidentID {
					continue
				}
				select {
				case filtered <- e:
				case <-ctx.Done():
					return
				}
			}
		}()
		return filtered, unsub, nil
	}
	return ch, unsub, nil
}

func (s *Store) notifyLocked(e incident.Event) {
	for _, ch := range s.globalSubs {
		select {
		case ch <- e:
		default:
			// a slow subscriber never blocks the append path; it
			// falls behind and must resume via Read/Subscribe(fromSeq).
		}
	}
}
