package offline

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the sync status of an offline record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSynced     Status = "synced"
	StatusFailed     Status = "failed"
	StatusExpired    Status = "expired"
)

// Record is a locally queued attendance scan awaiting remote confirmation.
type Record struct {
	ID                  string     `json:"id" validate:"required"`
	SessionID           string     `json:"session_id" validate:"required"`
	CourseCode          string     `json:"course_code" validate:"required"`
	MatricNumber        string     `json:"matric_number" validate:"required"`
	DeviceGUID          string     `json:"device_guid" validate:"required"`
	EncryptedPayload    string     `json:"encrypted_payload" validate:"required"`
	TemporalKeySnapshot string     `json:"temporal_key_snapshot,omitempty"`
	RecordedAt          time.Time  `json:"recorded_at" validate:"required"`
	SyncStatus          Status     `json:"sync_status" validate:"oneof=pending processing synced failed expired"`
	SyncAttempts        int        `json:"sync_attempts" validate:"gte=0"`
	LastError           string     `json:"last_error,omitempty"`
	LastAttemptAt       *time.Time `json:"last_attempt_at,omitempty"`
	// Rejected marks a failure that retrying cannot fix, such as a payload
	// that no longer verifies.
	Rejected bool `json:"rejected,omitempty"`
}

// IdempotencyKey identifies one student's attendance on one device for one session.
type IdempotencyKey struct {
	SessionID    string
	MatricNumber string
	DeviceGUID   string
}

// Key returns the record's idempotency key.
func (r Record) Key() IdempotencyKey {
	return IdempotencyKey{SessionID: r.SessionID, MatricNumber: r.MatricNumber, DeviceGUID: r.DeviceGUID}
}

// canTransition reports whether a record may move from one status to another.
// Anything not yet expired may expire; otherwise statuses only move forward,
// except Failed which may return to Pending for a retry.
func canTransition(from, to Status) bool {
	if from == StatusExpired {
		return false
	}
	if to == StatusExpired {
		return true
	}
	switch from {
	case StatusPending:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusSynced || to == StatusFailed
	case StatusFailed:
		return to == StatusPending
	}
	return false
}

// KeyValueStore is the local persistence capability records are kept in.
type KeyValueStore interface {
	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
}

// Locker is implemented by key-value stores that can be shared between
// processes. The store holds the lock across each read-modify-write cycle.
type Locker interface {
	Lock(ctx context.Context, name string) (unlock func(), err error)
}

const (
	indexKey = "offline_sessions"
	lockName = "offline_store"
)

func sessionKey(sessionID string) string { return "offline_session_" + sessionID }

var (
	ErrNotFound          = errors.New("offline: record not found")
	ErrInvalidTransition = errors.New("offline: invalid status transition")
	ErrInvalidRecord     = errors.New("offline: invalid record")
)

// StoreError reports a failure of the underlying persistence.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("offline store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
