package qrpayload

import (
	"errors"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/session"
)

var (
	ErrSessionUnknown    = errors.New("qrpayload: unknown session")
	ErrSessionNotStarted = errors.New("qrpayload: session not started")
	// ErrSessionEnded is returned for sessions closed explicitly, as opposed to
	// ErrExpired for windows that timed out.
	ErrSessionEnded    = errors.New("qrpayload: session ended")
	ErrSessionMismatch = errors.New("qrpayload: credential belongs to another session")
	ErrStaleKey        = errors.New("qrpayload: temporal key is not current")
	ErrDeviceMismatch  = errors.New("qrpayload: credential bound to another device")
)

// Check carries what a scan is validated against.
type Check struct {
	// At is when the scan happened.
	At time.Time
	// TemporalKey is the key that must be embedded when rotation is enabled.
	TemporalKey string
	// DeviceGUID is the scanning device, compared when device binding is on.
	DeviceGUID string
}

// Validate checks sess is accepting scans at chk.At and then decodes text
// against it. Session state is always consulted before the payload.
func (s *Serializer) Validate(text string, sess *session.Session, chk Check) (Credential, error) {
	if sess == nil {
		return Credential{}, ErrSessionUnknown
	}
	switch sess.State {
	case session.StateCreated:
		return Credential{}, ErrSessionNotStarted
	case session.StateEnded:
		if sess.EndedAt == nil || !chk.At.Before(*sess.EndedAt) {
			return Credential{}, ErrSessionEnded
		}
	}
	if !chk.At.Before(sess.EndTime) {
		return Credential{}, ErrExpired
	}

	cred, err := s.Decode(text, chk.At)
	if err != nil {
		return Credential{}, err
	}
	if cred.SessionID != sess.ID {
		return Credential{}, ErrSessionMismatch
	}
	if sess.SecurityFeatures.Has(session.TemporalRotation) && (cred.TemporalKey == "" || cred.TemporalKey != chk.TemporalKey) {
		return Credential{}, ErrStaleKey
	}
	if sess.SecurityFeatures.Has(session.DeviceBinding) && (cred.DeviceGUID == "" || cred.DeviceGUID != chk.DeviceGUID) {
		return Credential{}, ErrDeviceMismatch
	}
	return cred, nil
}

// Reason maps a validation error to a short machine-readable string.
func Reason(err error) string {
	switch {
	case err == nil:
		return "valid"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrSignatureInvalid):
		return "signature_invalid"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	case errors.Is(err, ErrSessionNotStarted):
		return "session_not_started"
	case errors.Is(err, ErrSessionUnknown):
		return "session_unknown"
	case errors.Is(err, ErrSessionMismatch):
		return "session_mismatch"
	case errors.Is(err, ErrStaleKey):
		return "stale_key"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	default:
		return "invalid"
	}
}

// IsValidationError reports whether err is a scan rejection from this package.
func IsValidationError(err error) bool {
	return err != nil && Reason(err) != "invalid"
}
