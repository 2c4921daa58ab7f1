// Package session models a lecture's attendance window and its lifecycle:
// Created, Active, then one of the terminal states Expired or Ended.
package session

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is a lifecycle state.
type State string

const (
	StateCreated State = "created"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateEnded   State = "ended"
)

// Terminal reports whether no further transitions or scans are allowed.
func (s State) Terminal() bool {
	return s == StateExpired || s == StateEnded
}

// Features is a set of per-session security flags.
type Features uint8

const (
	// DeviceBinding ties issued credentials to a single device GUID.
	DeviceBinding Features = 1 << iota
	// TemporalRotation enables the rotating temporal key.
	TemporalRotation
	// AdvancedEncryption encrypts QR bodies instead of only signing them.
	AdvancedEncryption
)

// Has reports whether all flags in f are set.
func (fs Features) Has(f Features) bool { return fs&f == f }

func (fs Features) String() string {
	var parts []string
	if fs.Has(DeviceBinding) {
		parts = append(parts, "device_binding")
	}
	if fs.Has(TemporalRotation) {
		parts = append(parts, "temporal_rotation")
	}
	if fs.Has(AdvancedEncryption) {
		parts = append(parts, "advanced_encryption")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}

var (
	// ErrInvalidTransition is returned for a lifecycle move the state machine does not allow.
	ErrInvalidTransition = errors.New("session: invalid state transition")
	// ErrTerminal is returned when mutating a session that has already ended or expired.
	ErrTerminal = errors.New("session: session is no longer active")
)

// Session is one lecture's attendance window.
type Session struct {
	ID                 string        `json:"session_id"`
	CourseCode         string        `json:"course_code"`
	StartTime          time.Time     `json:"start_time"`
	Duration           time.Duration `json:"duration"`
	EndTime            time.Time     `json:"end_time"`
	CurrentTemporalKey *string       `json:"current_temporal_key,omitempty"`
	SecurityFeatures   Features      `json:"security_features"`
	OfflineSyncAllowed bool          `json:"offline_sync_allowed"`
	State              State         `json:"state"`
	EndedAt            *time.Time    `json:"ended_at,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
}

// New returns a session in the Created state.
func New(id, courseCode string, duration time.Duration, features Features, offlineSyncAllowed bool, now time.Time) (*Session, error) {
	if id == "" || courseCode == "" {
		return nil, errors.New("session: id and course code required")
	}
	if duration <= 0 {
		return nil, fmt.Errorf("session: duration must be positive, got %s", duration)
	}
	return &Session{
		ID:                 id,
		CourseCode:         strings.ToUpper(strings.TrimSpace(courseCode)),
		Duration:           duration,
		SecurityFeatures:   features,
		OfflineSyncAllowed: offlineSyncAllowed,
		State:              StateCreated,
		CreatedAt:          now.UTC(),
	}, nil
}

// Start moves a Created session to Active and fixes its window.
func (s *Session) Start(now time.Time) error {
	if s.State != StateCreated {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, StateActive)
	}
	// Millisecond precision, matching what a QR credential carries.
	s.StartTime = now.UTC().Truncate(time.Millisecond)
	s.EndTime = s.StartTime.Add(s.Duration)
	s.State = StateActive
	return nil
}

// End closes an Active session explicitly. It succeeds even if the window has
// already lapsed but expiry was never observed: an explicit end wins.
func (s *Session) End(now time.Time) error {
	if s.State != StateActive {
		if s.State.Terminal() {
			return fmt.Errorf("%w: already %s", ErrTerminal, s.State)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.State, StateEnded)
	}
	t := now.UTC()
	s.State = StateEnded
	s.EndedAt = &t
	return nil
}

// StateAt returns the effective state at now. Expiry is derived lazily: an
// Active session whose window has closed reports Expired.
func (s *Session) StateAt(now time.Time) State {
	if s.State == StateActive && !now.Before(s.EndTime) {
		return StateExpired
	}
	return s.State
}

// Observe materialises a lazily derived expiry and returns the resulting state.
func (s *Session) Observe(now time.Time) State {
	st := s.StateAt(now)
	s.State = st
	return st
}

// AcceptsScans reports whether a scan at now may be recorded.
func (s *Session) AcceptsScans(now time.Time) bool {
	return s.StateAt(now) == StateActive
}

// SetTemporalKey replaces the current temporal key.
func (s *Session) SetTemporalKey(key string) error {
	if s.State.Terminal() {
		return ErrTerminal
	}
	k := key
	s.CurrentTemporalKey = &k
	return nil
}

// Clone returns a copy that shares no pointers with s.
func (s *Session) Clone() *Session {
	c := *s
	if s.CurrentTemporalKey != nil {
		k := *s.CurrentTemporalKey
		c.CurrentTemporalKey = &k
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}

// CourseLevel returns the academic level encoded in a course code, taken from
// the first digit of its numeric part ("CSC301" is level "300"). It returns
// false when the code carries no level.
func CourseLevel(courseCode string) (string, bool) {
	for _, r := range courseCode {
		if r >= '1' && r <= '9' {
			return string(r) + "00", true
		}
		if r == '0' {
			return "", false
		}
	}
	return "", false
}
