package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
	"github.com/Mid-D-Man/AirCode-sub001/internal/remote"
	"github.com/Mid-D-Man/AirCode-sub001/internal/session"
)

// AttendanceCollection is the remote collection synced records land in.
const AttendanceCollection = "attendance"

// Entry is the remote representation of one attendance.
type Entry struct {
	RecordID     string    `json:"record_id"`
	SessionID    string    `json:"session_id"`
	CourseCode   string    `json:"course_code"`
	MatricNumber string    `json:"matric_number"`
	DeviceGUID   string    `json:"device_guid"`
	RecordedAt   time.Time `json:"recorded_at"`
	SyncedAt     time.Time `json:"synced_at"`
}

// FieldName addresses a record inside its shard document. It is derived from
// the idempotency key so a replayed record lands on the same field.
func FieldName(rec offline.Record) string {
	return rec.SessionID + "_" + rec.MatricNumber + "_" + rec.DeviceGUID
}

// DocumentSubmitter writes records into the level-sharded attendance
// collection.
type DocumentSubmitter struct {
	docs *remote.Sharded
	now  func() time.Time
}

// NewDocumentSubmitter returns a submitter writing through docs.
func NewDocumentSubmitter(docs *remote.Sharded, now func() time.Time) *DocumentSubmitter {
	if now == nil {
		now = time.Now
	}
	return &DocumentSubmitter{docs: docs, now: now}
}

// Submit writes rec unless the remote store already has it, in which case it
// reports a duplicate and succeeds.
func (d *DocumentSubmitter) Submit(ctx context.Context, rec offline.Record) (bool, error) {
	level, ok := session.CourseLevel(rec.CourseCode)
	if !ok {
		return false, fmt.Errorf("%w: course %q has no level", ErrRejected, rec.CourseCode)
	}
	field := FieldName(rec)
	_, _, err := d.docs.Lookup(ctx, level, field)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, remote.ErrNotFound) {
		return false, err
	}
	body, err := json.Marshal(Entry{
		RecordID:     rec.ID,
		SessionID:    rec.SessionID,
		CourseCode:   rec.CourseCode,
		MatricNumber: rec.MatricNumber,
		DeviceGUID:   rec.DeviceGUID,
		RecordedAt:   rec.RecordedAt,
		SyncedAt:     d.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return false, d.docs.Write(ctx, level, field, body)
}
