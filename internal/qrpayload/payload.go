// Package qrpayload encodes session credentials into compact QR text and
// validates scanned text against a session.
//
// Wire layout before base64url encoding:
//
//	version(1) | flags(1) | len(sid)(1) | sid | end_unix_ms(8) | tag(16) | [iv(16)] | body
//
// The tag is a truncated HMAC over every other byte, under a key derived from
// the master secret and the session id. Expiry lives in the signed header so
// it can be checked before the body is decrypted.
package qrpayload

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mid-D-Man/AirCode-sub001/internal/codec"
)

const (
	version       byte = 1
	flagEncrypted byte = 1 << 0
	headerFixed        = 3
	endSize            = 8
)

var (
	// ErrMalformed is returned for text that does not decode into a credential.
	ErrMalformed = errors.New("qrpayload: malformed payload")
	// ErrSignatureInvalid is returned when the tag does not verify.
	ErrSignatureInvalid = errors.New("qrpayload: signature invalid")
	// ErrExpired is returned when the credential is presented at or after its end time.
	ErrExpired = errors.New("qrpayload: credential expired")
)

var encoding = base64.RawURLEncoding.Strict()

// Credential is the session credential carried by a QR code. StartTime and
// Duration travel as whole milliseconds, so Decode returns StartTime in UTC
// truncated to the millisecond; Normalize applies the same rounding.
type Credential struct {
	SessionID   string
	CourseCode  string
	StartTime   time.Time
	Duration    time.Duration
	TemporalKey string
	DeviceGUID  string
	Nonce       string
}

// Normalize returns c as it reads back after an Encode/Decode round trip.
func (c Credential) Normalize() Credential {
	c.StartTime = c.StartTime.UTC().Truncate(time.Millisecond)
	c.Duration = c.Duration.Truncate(time.Millisecond)
	return c
}

// EndTime is StartTime plus Duration.
func (c Credential) EndTime() time.Time { return c.StartTime.Add(c.Duration) }

type body struct {
	SessionID   string `json:"sid"`
	CourseCode  string `json:"cc"`
	StartMillis int64  `json:"st"`
	DurMillis   int64  `json:"du"`
	TemporalKey string `json:"tk,omitempty"`
	DeviceGUID  string `json:"dg,omitempty"`
	Nonce       string `json:"n"`
}

// Serializer encodes and decodes credentials under one master secret.
type Serializer struct {
	master []byte
}

// NewSerializer returns a serializer keyed by master.
func NewSerializer(master []byte) (*Serializer, error) {
	if len(master) < codec.KeySize {
		return nil, fmt.Errorf("%w: master secret must be at least %d bytes", codec.ErrInvalidKeyMaterial, codec.KeySize)
	}
	return &Serializer{master: bytes.Clone(master)}, nil
}

func (s *Serializer) keys(sessionID string) (sign, enc []byte, err error) {
	if sign, err = codec.DeriveKey(s.master, "qr-sign:"+sessionID); err != nil {
		return nil, nil, err
	}
	if enc, err = codec.DeriveKey(s.master, "qr-enc:"+sessionID); err != nil {
		return nil, nil, err
	}
	return sign, enc, nil
}

// Encode serialises c into transport-safe text, encrypting the body when
// encrypt is set. A random nonce is filled in when c.Nonce is empty.
func (s *Serializer) Encode(c Credential, encrypt bool) (string, error) {
	if c.SessionID == "" || len(c.SessionID) > 255 {
		return "", fmt.Errorf("qrpayload: session id must be 1-255 bytes")
	}
	c = c.Normalize()
	if c.Duration <= 0 {
		return "", fmt.Errorf("qrpayload: duration must be positive")
	}
	if c.Nonce == "" {
		c.Nonce = uuid.NewString()
	}
	plain, err := json.Marshal(body{
		SessionID:   c.SessionID,
		CourseCode:  c.CourseCode,
		StartMillis: c.StartTime.UnixMilli(),
		DurMillis:   c.Duration.Milliseconds(),
		TemporalKey: c.TemporalKey,
		DeviceGUID:  c.DeviceGUID,
		Nonce:       c.Nonce,
	})
	if err != nil {
		return "", err
	}
	signKey, encKey, err := s.keys(c.SessionID)
	if err != nil {
		return "", err
	}

	header := make([]byte, 0, headerFixed+len(c.SessionID)+endSize)
	var flags byte
	var iv []byte
	payload := plain
	if encrypt {
		flags |= flagEncrypted
		if iv, err = codec.GenerateIV(); err != nil {
			return "", err
		}
		if payload, err = codec.Encrypt(plain, encKey, iv); err != nil {
			return "", err
		}
	}
	header = append(header, version, flags, byte(len(c.SessionID)))
	header = append(header, c.SessionID...)
	header = binary.BigEndian.AppendUint64(header, uint64(c.StartTime.UnixMilli()+c.Duration.Milliseconds()))

	tag := codec.Sign(signedMessage(header, iv, payload), signKey)

	raw := make([]byte, 0, len(header)+len(tag)+len(iv)+len(payload))
	raw = append(raw, header...)
	raw = append(raw, tag...)
	raw = append(raw, iv...)
	raw = append(raw, payload...)
	return encoding.EncodeToString(raw), nil
}

func signedMessage(header, iv, payload []byte) []byte {
	msg := make([]byte, 0, len(header)+len(iv)+len(payload))
	msg = append(msg, header...)
	msg = append(msg, iv...)
	return append(msg, payload...)
}

type envelope struct {
	header    []byte
	sessionID string
	end       time.Time
	tag       string
	iv        []byte
	payload   []byte
}

func parse(text string) (envelope, error) {
	var env envelope
	if text == "" || strings.ContainsAny(text, "\r\n") {
		return env, ErrMalformed
	}
	raw, err := encoding.DecodeString(text)
	if err != nil {
		return env, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < headerFixed || raw[0] != version || raw[1]&^flagEncrypted != 0 {
		return env, ErrMalformed
	}
	sidLen := int(raw[2])
	off := headerFixed + sidLen + endSize
	if sidLen == 0 || len(raw) < off+codec.TagLength {
		return env, ErrMalformed
	}
	env.header = raw[:off]
	env.sessionID = string(raw[headerFixed : headerFixed+sidLen])
	env.end = time.UnixMilli(int64(binary.BigEndian.Uint64(raw[headerFixed+sidLen : off]))).UTC()
	env.tag = string(raw[off : off+codec.TagLength])
	rest := raw[off+codec.TagLength:]
	if raw[1]&flagEncrypted != 0 {
		if len(rest) < codec.IVSize {
			return env, ErrMalformed
		}
		env.iv, rest = rest[:codec.IVSize], rest[codec.IVSize:]
	}
	if len(rest) == 0 {
		return env, ErrMalformed
	}
	env.payload = rest
	return env, nil
}

// Decode parses text presented at time at. The signature is verified first,
// then expiry, and only then is the body decrypted.
func (s *Serializer) Decode(text string, at time.Time) (Credential, error) {
	env, err := parse(text)
	if err != nil {
		return Credential{}, err
	}
	signKey, encKey, err := s.keys(env.sessionID)
	if err != nil {
		return Credential{}, err
	}
	if !codec.Verify(signedMessage(env.header, env.iv, env.payload), env.tag, signKey) {
		return Credential{}, ErrSignatureInvalid
	}
	if !at.Before(env.end) {
		return Credential{}, ErrExpired
	}

	plain := env.payload
	if env.iv != nil {
		if plain, err = codec.Decrypt(env.payload, encKey, env.iv); err != nil {
			return Credential{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	var b body
	dec := json.NewDecoder(bytes.NewReader(plain))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if b.SessionID != env.sessionID || b.StartMillis+b.DurMillis != env.end.UnixMilli() {
		return Credential{}, fmt.Errorf("%w: body does not match header", ErrMalformed)
	}
	return Credential{
		SessionID:   b.SessionID,
		CourseCode:  b.CourseCode,
		StartTime:   time.UnixMilli(b.StartMillis).UTC(),
		Duration:    time.Duration(b.DurMillis) * time.Millisecond,
		TemporalKey: b.TemporalKey,
		DeviceGUID:  b.DeviceGUID,
		Nonce:       b.Nonce,
	}, nil
}
