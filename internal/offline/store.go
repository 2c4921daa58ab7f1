// Package offline keeps attendance scans in a durable local queue until they
// are reconciled with the remote store.
package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/Mid-D-Man/AirCode-sub001/internal/codec"
)

// DefaultRetention is how long a record lives before it expires.
const DefaultRetention = 7 * 24 * time.Hour

// Options configure a Store.
type Options struct {
	// SealKey enables encryption of persisted values when set.
	SealKey   []byte
	Retention time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Store is the offline record queue. All methods are safe for concurrent use.
type Store struct {
	kv        KeyValueStore
	locker    Locker
	sealKey   []byte
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	validate  *validator.Validate

	mu sync.Mutex
}

// NewStore returns a store persisting into kv.
func NewStore(kv KeyValueStore, opts Options) *Store {
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	locker, _ := kv.(Locker)
	return &Store{
		kv:        kv,
		locker:    locker,
		sealKey:   opts.SealKey,
		retention: opts.Retention,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "offline_store"),
		validate:  validator.New(),
	}
}

// Enqueue stores rec as Pending. If a non-expired record with the same
// idempotency key exists, nothing is written and the existing record is
// returned with created set to false.
func (s *Store) Enqueue(ctx context.Context, rec Record) (stored Record, created bool, err error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = s.now()
	}
	rec.RecordedAt = rec.RecordedAt.UTC()
	rec.SyncStatus = StatusPending
	rec.SyncAttempts = 0
	rec.LastError = ""
	rec.LastAttemptAt = nil
	rec.Rejected = false
	if err := s.validate.Struct(rec); err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	unlock, err := s.lock(ctx)
	if err != nil {
		return Record{}, false, err
	}
	defer unlock()

	recs, err := s.loadSession(ctx, rec.SessionID)
	if err != nil {
		return Record{}, false, err
	}
	changed := s.expireAged(recs)
	for _, r := range recs {
		if r.SyncStatus != StatusExpired && r.Key() == rec.Key() {
			if changed {
				if err := s.saveSession(ctx, rec.SessionID, recs); err != nil {
					return Record{}, false, err
				}
			}
			return r, false, nil
		}
	}

	// Index first: a session listed without a blob is harmless, a blob
	// missing from the index is never synced.
	if err := s.addToIndex(ctx, rec.SessionID); err != nil {
		return Record{}, false, err
	}
	recs = append(recs, rec)
	if err := s.saveSession(ctx, rec.SessionID, recs); err != nil {
		return Record{}, false, err
	}
	s.logger.Debug("record enqueued", "record_id", rec.ID, "session_id", rec.SessionID)
	return rec, true, nil
}

// ListPending returns Pending and Failed records, oldest first.
func (s *Store) ListPending(ctx context.Context) ([]Record, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []Record
	err = s.eachSession(ctx, func(_ string, recs []Record) ([]Record, bool, error) {
		for _, r := range recs {
			if r.SyncStatus == StatusPending || r.SyncStatus == StatusFailed {
				out = append(out, r)
			}
		}
		return recs, false, nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

// Mark moves record id to status. Moving from Processing to Failed counts as
// a sync attempt and stores lastErr.
func (s *Store) Mark(ctx context.Context, id string, status Status, lastErr string) error {
	return s.update(ctx, id, func(r *Record) error {
		if !canTransition(r.SyncStatus, status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.SyncStatus, status)
		}
		from := r.SyncStatus
		r.SyncStatus = status
		switch status {
		case StatusProcessing:
			t := s.now().UTC()
			r.LastAttemptAt = &t
		case StatusFailed:
			if from == StatusProcessing {
				r.SyncAttempts++
			}
			r.LastError = lastErr
		case StatusSynced:
			r.LastError = ""
		}
		return nil
	})
}

// Reject fails a Processing record permanently.
func (s *Store) Reject(ctx context.Context, id, reason string) error {
	return s.update(ctx, id, func(r *Record) error {
		if r.SyncStatus != StatusProcessing {
			return fmt.Errorf("%w: reject from %s", ErrInvalidTransition, r.SyncStatus)
		}
		r.SyncStatus = StatusFailed
		r.SyncAttempts++
		r.LastError = reason
		r.Rejected = true
		return nil
	})
}

// Retry returns a Failed record to Pending with a fresh attempt budget.
func (s *Store) Retry(ctx context.Context, id string) error {
	return s.update(ctx, id, func(r *Record) error {
		if r.SyncStatus != StatusFailed {
			return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, r.SyncStatus)
		}
		r.SyncStatus = StatusPending
		r.SyncAttempts = 0
		r.LastAttemptAt = nil
		r.Rejected = false
		return nil
	})
}

// Purge deletes a record that has been synced or has expired.
func (s *Store) Purge(ctx context.Context, id string) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	sid, recs, i, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if st := recs[i].SyncStatus; st != StatusSynced && st != StatusExpired {
		return fmt.Errorf("%w: purge from %s", ErrInvalidTransition, st)
	}
	recs = slices.Delete(recs, i, i+1)
	return s.saveSession(ctx, sid, recs)
}

// ExpireStale marks records older than the retention bound as Expired.
func (s *Store) ExpireStale(ctx context.Context) (int, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n := 0
	err = s.eachSession(ctx, func(_ string, recs []Record) ([]Record, bool, error) {
		before := countStatus(recs, StatusExpired)
		changed := s.expireAged(recs)
		n += countStatus(recs, StatusExpired) - before
		return recs, changed, nil
	})
	return n, err
}

// PurgeStatus deletes every record in one of the given settled states.
// Only Synced and Expired are accepted.
func (s *Store) PurgeStatus(ctx context.Context, statuses ...Status) (int, error) {
	for _, st := range statuses {
		if st != StatusSynced && st != StatusExpired {
			return 0, fmt.Errorf("%w: purge from %s", ErrInvalidTransition, st)
		}
	}
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n := 0
	err = s.eachSession(ctx, func(_ string, recs []Record) ([]Record, bool, error) {
		kept := recs[:0]
		for _, r := range recs {
			if slices.Contains(statuses, r.SyncStatus) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		return kept, len(kept) != len(recs), nil
	})
	return n, err
}

// Recover fails records left Processing by an interrupted pass so they are
// picked up again.
func (s *Store) Recover(ctx context.Context) (int, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n := 0
	err = s.eachSession(ctx, func(_ string, recs []Record) ([]Record, bool, error) {
		changed := false
		for i := range recs {
			if recs[i].SyncStatus == StatusProcessing {
				recs[i].SyncStatus = StatusFailed
				recs[i].SyncAttempts++
				recs[i].LastError = "interrupted before completion"
				changed = true
				n++
			}
		}
		return recs, changed, nil
	})
	return n, err
}

// Get returns one record.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return Record{}, err
	}
	defer unlock()
	_, recs, i, err := s.find(ctx, id)
	if err != nil {
		return Record{}, err
	}
	return recs[i], nil
}

// ListSession returns every record held for a session.
func (s *Store) ListSession(ctx context.Context, sessionID string) ([]Record, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadSession(ctx, sessionID)
}

// Stats counts records by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	out := map[Status]int{}
	err = s.eachSession(ctx, func(_ string, recs []Record) ([]Record, bool, error) {
		for _, r := range recs {
			out[r.SyncStatus]++
		}
		return recs, false, nil
	})
	return out, err
}

// lock serialises with other goroutines and, when the key-value store is a
// Locker, with other processes sharing it.
func (s *Store) lock(ctx context.Context) (func(), error) {
	s.mu.Lock()
	if s.locker == nil {
		return s.mu.Unlock, nil
	}
	release, err := s.locker.Lock(ctx, lockName)
	if err != nil {
		s.mu.Unlock()
		return nil, &StoreError{Op: "lock", Key: lockName, Err: err}
	}
	return func() {
		release()
		s.mu.Unlock()
	}, nil
}

func countStatus(recs []Record, st Status) int {
	n := 0
	for _, r := range recs {
		if r.SyncStatus == st {
			n++
		}
	}
	return n
}

func (s *Store) update(ctx context.Context, id string, fn func(*Record) error) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	sid, recs, i, err := s.find(ctx, id)
	if err != nil {
		return err
	}
	if err := fn(&recs[i]); err != nil {
		return err
	}
	return s.saveSession(ctx, sid, recs)
}

func (s *Store) find(ctx context.Context, id string) (string, []Record, int, error) {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return "", nil, 0, err
	}
	for _, sid := range ids {
		recs, err := s.loadSession(ctx, sid)
		if err != nil {
			return "", nil, 0, err
		}
		for i := range recs {
			if recs[i].ID == id {
				return sid, recs, i, nil
			}
		}
	}
	return "", nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// eachSession loads every indexed session, applies expiry, and saves it back
// when fn or expiry changed it.
func (s *Store) eachSession(ctx context.Context, fn func(sid string, recs []Record) ([]Record, bool, error)) error {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	for _, sid := range ids {
		recs, err := s.loadSession(ctx, sid)
		if err != nil {
			return err
		}
		expired := s.expireAged(recs)
		recs, changed, err := fn(sid, recs)
		if err != nil {
			return err
		}
		if expired || changed {
			if err := s.saveSession(ctx, sid, recs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) expireAged(recs []Record) bool {
	cutoff := s.now().Add(-s.retention)
	changed := false
	for i := range recs {
		if recs[i].SyncStatus != StatusExpired && recs[i].RecordedAt.Before(cutoff) {
			recs[i].SyncStatus = StatusExpired
			changed = true
		}
	}
	return changed
}

func (s *Store) loadSession(ctx context.Context, sid string) ([]Record, error) {
	var recs []Record
	if err := s.load(ctx, sessionKey(sid), &recs); err != nil {
		return nil, err
	}
	return recs, nil
}

func (s *Store) saveSession(ctx context.Context, sid string, recs []Record) error {
	if len(recs) == 0 {
		if err := s.kv.Remove(ctx, sessionKey(sid)); err != nil {
			return &StoreError{Op: "remove", Key: sessionKey(sid), Err: err}
		}
		return s.removeFromIndex(ctx, sid)
	}
	return s.save(ctx, sessionKey(sid), recs)
}

func (s *Store) loadIndex(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.load(ctx, indexKey, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) addToIndex(ctx context.Context, sid string) error {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, sid) {
		return nil
	}
	return s.save(ctx, indexKey, append(ids, sid))
}

func (s *Store) removeFromIndex(ctx context.Context, sid string) error {
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return err
	}
	i := slices.Index(ids, sid)
	if i < 0 {
		return nil
	}
	ids = slices.Delete(ids, i, i+1)
	if len(ids) == 0 {
		if err := s.kv.Remove(ctx, indexKey); err != nil {
			return &StoreError{Op: "remove", Key: indexKey, Err: err}
		}
		return nil
	}
	return s.save(ctx, indexKey, ids)
}

func (s *Store) load(ctx context.Context, key string, v any) error {
	data, ok, err := s.kv.Get(ctx, key)
	if err != nil {
		return &StoreError{Op: "get", Key: key, Err: err}
	}
	if !ok {
		return nil
	}
	if s.sealKey != nil {
		if data, err = codec.Open(s.sealKey, data); err != nil {
			return &StoreError{Op: "open", Key: key, Err: err}
		}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &StoreError{Op: "decode", Key: key, Err: err}
	}
	return nil
}

func (s *Store) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return &StoreError{Op: "encode", Key: key, Err: err}
	}
	if s.sealKey != nil {
		if data, err = codec.Seal(s.sealKey, data); err != nil {
			return &StoreError{Op: "seal", Key: key, Err: err}
		}
	}
	if err := s.kv.Set(ctx, key, data); err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}
