// Package attendance ties the engine together: session lifecycle, temporal
// key rotation, QR issue and scan validation, and offline capture.
package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mid-D-Man/AirCode-sub001/internal/metrics"
	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
	"github.com/Mid-D-Man/AirCode-sub001/internal/qrpayload"
	"github.com/Mid-D-Man/AirCode-sub001/internal/remote"
	"github.com/Mid-D-Man/AirCode-sub001/internal/session"
	"github.com/Mid-D-Man/AirCode-sub001/internal/temporal"
)

// SessionsCollection holds the published temporal key of each session.
const SessionsCollection = "sessions"

// keyHistory bounds the rotated keys kept per session for validating scans
// captured offline.
const keyHistory = 32

var (
	ErrInvalidCourseCode = errors.New("attendance: course code has no academic level")
	ErrOfflineNotAllowed = errors.New("attendance: session does not accept offline scans")
	ErrDeviceRequired    = errors.New("attendance: device guid required for device-bound session")
)

// Options configure a Service.
type Options struct {
	Serializer *qrpayload.Serializer
	Store      *offline.Store
	Repo       Repository
	// Keys receives each rotated temporal key. Nil disables the push.
	Keys                *remote.Sharded
	RotationInterval    time.Duration
	MaxRotationFailures int
	// OfflineGrace is the longest an offline capture may wait for upload.
	// Defaults to DefaultOfflineGrace.
	OfflineGrace time.Duration
	// Trigger requests a sync pass after an online scan. Errors are logged.
	Trigger func(ctx context.Context, reason string) error
	Now     func() time.Time
	Logger  *slog.Logger
}

// DefaultOfflineGrace is the offline upload window used when none is set.
const DefaultOfflineGrace = 2 * time.Hour

// CreateSessionInput describes a new session.
type CreateSessionInput struct {
	CourseCode         string
	Duration           time.Duration
	Features           session.Features
	OfflineSyncAllowed bool
}

// ScanAttempt is a student's scan of a session QR code.
type ScanAttempt struct {
	SessionID    string `json:"session_id" binding:"required"`
	MatricNumber string `json:"matric_number" binding:"required"`
	DeviceGUID   string `json:"device_guid" binding:"required"`
	Payload      string `json:"payload" binding:"required"`
	// ScannedAt is the client scan time, honoured for offline captures.
	ScannedAt time.Time `json:"scanned_at"`
	Offline   bool      `json:"offline"`
}

// ScanResult reports a recorded scan.
type ScanResult struct {
	Record    offline.Record `json:"record"`
	Duplicate bool           `json:"duplicate"`
}

type entry struct {
	sess  *session.Session
	sched *temporal.Scheduler
	keys  []temporal.Key
	// owned entries are managed by this process and never reloaded.
	owned bool
}

// Service coordinates sessions and scans.
type Service struct {
	serializer *qrpayload.Serializer
	store      *offline.Store
	repo       Repository
	keys       *remote.Sharded
	interval   time.Duration
	maxFails   int
	grace      time.Duration
	trigger    func(ctx context.Context, reason string) error
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewService creates a service. Serializer, Store and Repo are required.
func NewService(opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.OfflineGrace <= 0 {
		opts.OfflineGrace = DefaultOfflineGrace
	}
	return &Service{
		serializer: opts.Serializer,
		store:      opts.Store,
		repo:       opts.Repo,
		keys:       opts.Keys,
		interval:   opts.RotationInterval,
		maxFails:   opts.MaxRotationFailures,
		grace:      opts.OfflineGrace,
		trigger:    opts.Trigger,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "attendance"),
		sessions:   make(map[string]*entry),
	}
}

// CreateSession registers a session in the Created state.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (*session.Session, error) {
	if _, ok := session.CourseLevel(in.CourseCode); !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCourseCode, in.CourseCode)
	}
	sess, err := session.New(uuid.NewString(), in.CourseCode, in.Duration, in.Features, in.OfflineSyncAllowed, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.repo.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.mu.Lock()
	s.sessions[sess.ID] = &entry{sess: sess, owned: true}
	s.mu.Unlock()
	s.logger.Info("session created", "session_id", sess.ID, "course_code", sess.CourseCode, "features", sess.SecurityFeatures.String())
	return sess.Clone(), nil
}

// StartSession activates a session. With temporal rotation enabled the first
// key is minted before this returns and rotation continues in the background.
func (s *Service) StartSession(ctx context.Context, id string) (*session.Session, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	prev := e.sess.Clone()
	if err := e.sess.Start(s.now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if err := s.repo.SaveSession(ctx, e.sess); err != nil {
		e.sess = prev
		s.mu.Unlock()
		return nil, fmt.Errorf("save session: %w", err)
	}
	e.owned = true
	sched := s.attachScheduler(e)
	out := e.sess.Clone()
	s.mu.Unlock()

	s.logger.Info("session started", "session_id", id, "end_time", out.EndTime)
	if sched != nil {
		if err := s.runScheduler(id, sched); err != nil {
			return nil, err
		}
		return s.Session(ctx, id)
	}
	return out, nil
}

// attachScheduler creates the rotation scheduler for e. Callers hold s.mu.
func (s *Service) attachScheduler(e *entry) *temporal.Scheduler {
	if !e.sess.SecurityFeatures.Has(session.TemporalRotation) || e.sched != nil {
		return nil
	}
	var pusher temporal.KeyPusher
	if s.keys != nil {
		pusher = &keyPusher{docs: s.keys, courseCode: e.sess.CourseCode}
	}
	id := e.sess.ID
	e.sched = temporal.New(id, temporal.Config{
		Interval:        s.interval,
		MaxPushFailures: s.maxFails,
		Now:             s.now,
		OnRotate:        func(k temporal.Key) { s.onRotate(id, k) },
		OnAbort:         s.onAbort,
	}, pusher, s.logger)
	return e.sched
}

// runScheduler mints the first key and starts rotation for session id.
func (s *Service) runScheduler(id string, sched *temporal.Scheduler) error {
	// The initial push may fail; the key is still published locally.
	_, _ = sched.Rotate(context.Background())
	if err := sched.Start(context.Background()); err != nil && !errors.Is(err, temporal.ErrRunning) {
		return err
	}
	// The session may have ended meanwhile, e.g. by an aborting first push.
	s.mu.RLock()
	e, ok := s.sessions[id]
	detached := !ok || e.sched != sched
	s.mu.RUnlock()
	if detached {
		sched.Stop()
	}
	return nil
}

func (s *Service) onRotate(id string, k temporal.Key) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if !e.sess.AcceptsScans(s.now()) {
		s.mu.Unlock()
		// Stop waits for this tick, so it cannot run here.
		go s.expire(id)
		return
	}
	_ = e.sess.SetTemporalKey(k.Value)
	e.keys = append(e.keys, k)
	if len(e.keys) > keyHistory {
		e.keys = e.keys[len(e.keys)-keyHistory:]
	}
	s.mu.Unlock()
}

func (s *Service) onAbort(id string, err error) {
	s.logger.Error("ending session after repeated key push failures", "session_id", id, "error", err)
	if _, endErr := s.EndSession(context.Background(), id); endErr != nil {
		s.logger.Error("end session failed", "session_id", id, "error", endErr)
	}
}

// expire materialises a lapsed window and stops rotation.
func (s *Service) expire(id string) {
	s.mu.Lock()
	e, ok := s.sessions[id]
	if !ok || !e.owned || e.sess.Observe(s.now()) != session.StateExpired {
		s.mu.Unlock()
		return
	}
	sess := e.sess.Clone()
	sched := e.sched
	e.sched = nil
	s.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if err := s.repo.SaveSession(context.Background(), sess); err != nil {
		s.logger.Error("save expired session failed", "session_id", id, "error", err)
	}
	s.unpublishKey(sess)
	s.logger.Info("session expired", "session_id", id)
}

// ExpireSessions materialises expiry for every lapsed session this process
// manages and returns how many expired.
func (s *Service) ExpireSessions(ctx context.Context) int {
	s.mu.RLock()
	var lapsed []string
	for id, e := range s.sessions {
		if e.owned && e.sess.State == session.StateActive && e.sess.StateAt(s.now()) == session.StateExpired {
			lapsed = append(lapsed, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range lapsed {
		s.expire(id)
	}
	return len(lapsed)
}

// EndSession closes a session explicitly and stops its key rotation.
// Records already captured keep syncing.
func (s *Service) EndSession(ctx context.Context, id string) (*session.Session, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := e.sess.End(s.now()); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	e.owned = true
	sched := e.sched
	e.sched = nil
	out := e.sess.Clone()
	s.mu.Unlock()

	if sched != nil {
		sched.Stop()
	}
	if err := s.repo.SaveSession(ctx, out); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	s.unpublishKey(out)
	s.logger.Info("session ended", "session_id", id)
	return out, nil
}

func (s *Service) unpublishKey(sess *session.Session) {
	if s.keys == nil || !sess.SecurityFeatures.Has(session.TemporalRotation) {
		return
	}
	level, _ := session.CourseLevel(sess.CourseCode)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.keys.Remove(ctx, level, sess.ID); err != nil {
		s.logger.Warn("remove published key failed", "session_id", sess.ID, "error", err)
	}
}

// Session returns a snapshot of a session with expiry applied.
func (s *Service) Session(ctx context.Context, id string) (*session.Session, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := e.sess.Clone()
	out.State = out.StateAt(s.now())
	return out, nil
}

// IssueQR encodes the session's current credential for display. deviceGUID
// is embedded when the session binds credentials to devices.
func (s *Service) IssueQR(ctx context.Context, id, deviceGUID string) (string, error) {
	e, err := s.lookup(ctx, id)
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	sess := e.sess.Clone()
	s.mu.RUnlock()

	switch sess.StateAt(s.now()) {
	case session.StateCreated:
		return "", qrpayload.ErrSessionNotStarted
	case session.StateEnded:
		return "", qrpayload.ErrSessionEnded
	case session.StateExpired:
		return "", qrpayload.ErrExpired
	}
	cred := qrpayload.Credential{
		SessionID:  sess.ID,
		CourseCode: sess.CourseCode,
		StartTime:  sess.StartTime,
		Duration:   sess.Duration,
	}
	if sess.CurrentTemporalKey != nil {
		cred.TemporalKey = *sess.CurrentTemporalKey
	}
	if sess.SecurityFeatures.Has(session.DeviceBinding) {
		if deviceGUID == "" {
			return "", ErrDeviceRequired
		}
		cred.DeviceGUID = deviceGUID
	}
	return s.serializer.Encode(cred, sess.SecurityFeatures.Has(session.AdvancedEncryption))
}

// RecordScan validates a scan and queues it for sync. A scan that validates
// is recorded locally even when the remote store is unreachable; a scan that
// cannot be queued is reported as failed.
func (s *Service) RecordScan(ctx context.Context, in ScanAttempt) (ScanResult, error) {
	in.MatricNumber = strings.TrimSpace(in.MatricNumber)
	if in.SessionID == "" || in.MatricNumber == "" || in.DeviceGUID == "" || in.Payload == "" {
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		return ScanResult{}, fmt.Errorf("%w: session, matric number, device and payload required", qrpayload.ErrMalformed)
	}
	e, err := s.lookup(ctx, in.SessionID)
	if errors.Is(err, ErrSessionNotFound) {
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		return ScanResult{}, qrpayload.ErrSessionUnknown
	}
	if err != nil {
		return ScanResult{}, err
	}

	now := s.now()
	at := now
	if in.Offline && !in.ScannedAt.IsZero() && in.ScannedAt.Before(now) {
		at = in.ScannedAt
	}
	s.mu.RLock()
	sess := e.sess.Clone()
	key := keyAt(e.keys, at)
	s.mu.RUnlock()
	if in.Offline && !sess.OfflineSyncAllowed {
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		return ScanResult{}, ErrOfflineNotAllowed
	}
	if in.Offline {
		if err := s.checkOfflineWindow(sess, at, now); err != nil {
			metrics.ScansTotal.WithLabelValues("rejected").Inc()
			s.logger.Info("offline upload refused", "session_id", in.SessionID, "scanned_at", at, "error", err)
			return ScanResult{}, err
		}
	}
	if sess.State == session.StateActive && at.Before(sess.StartTime) {
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		return ScanResult{}, qrpayload.ErrSessionNotStarted
	}

	if _, err := s.serializer.Validate(in.Payload, sess, qrpayload.Check{At: at, TemporalKey: key, DeviceGUID: in.DeviceGUID}); err != nil {
		metrics.ScansTotal.WithLabelValues("rejected").Inc()
		s.logger.Info("scan rejected", "session_id", in.SessionID, "reason", qrpayload.Reason(err))
		return ScanResult{}, err
	}

	rec, created, err := s.store.Enqueue(ctx, offline.Record{
		SessionID:           sess.ID,
		CourseCode:          sess.CourseCode,
		MatricNumber:        in.MatricNumber,
		DeviceGUID:          in.DeviceGUID,
		EncryptedPayload:    in.Payload,
		TemporalKeySnapshot: key,
		RecordedAt:          at,
	})
	if err != nil {
		metrics.ScansTotal.WithLabelValues("store_failed").Inc()
		s.logger.Error("scan not recorded", "session_id", in.SessionID, "error", err)
		return ScanResult{}, fmt.Errorf("record scan: %w", err)
	}
	if !created {
		metrics.ScansTotal.WithLabelValues("duplicate").Inc()
		return ScanResult{Record: rec, Duplicate: true}, nil
	}
	metrics.ScansTotal.WithLabelValues("recorded").Inc()

	if !in.Offline && s.trigger != nil {
		if err := s.trigger(ctx, "manual"); err != nil {
			s.logger.Warn("sync trigger failed", "error", err)
		}
	}
	return ScanResult{Record: rec}, nil
}

// checkOfflineWindow refuses offline uploads captured more than the grace
// window ago. Captures must precede the session close, so a closed session
// stops taking uploads within the grace window too.
func (s *Service) checkOfflineWindow(sess *session.Session, at, now time.Time) error {
	age := now.Sub(at)
	if age <= s.grace {
		return nil
	}
	reason := qrpayload.ErrExpired
	if sess.State == session.StateEnded {
		reason = qrpayload.ErrSessionEnded
	}
	return fmt.Errorf("%w: offline scan uploaded %s after capture", reason, age.Round(time.Second))
}

// keyAt returns the newest key issued at or before t.
func keyAt(keys []temporal.Key, t time.Time) string {
	for i := len(keys) - 1; i >= 0; i-- {
		if !keys[i].IssuedAt.After(t) {
			return keys[i].Value
		}
	}
	return ""
}

// VerifyRecord re-validates a queued record against its session as it was
// when the scan was captured.
func (s *Service) VerifyRecord(ctx context.Context, rec offline.Record) error {
	// An unknown session stays retryable; this process may not see it yet.
	e, err := s.lookup(ctx, rec.SessionID)
	if err != nil {
		return fmt.Errorf("verify record %s: %w", rec.ID, err)
	}
	s.mu.RLock()
	sess := e.sess.Clone()
	s.mu.RUnlock()
	cred, err := s.serializer.Validate(rec.EncryptedPayload, sess, qrpayload.Check{
		At:          rec.RecordedAt,
		TemporalKey: rec.TemporalKeySnapshot,
		DeviceGUID:  rec.DeviceGUID,
	})
	if err != nil {
		return err
	}
	if cred.CourseCode != rec.CourseCode {
		return qrpayload.ErrSessionMismatch
	}
	return nil
}

// Resume reloads Active sessions after a restart and restarts their key
// rotation. Sessions whose window lapsed meanwhile are marked expired.
func (s *Service) Resume(ctx context.Context) error {
	active, err := s.repo.ListSessions(ctx, session.StateActive)
	if err != nil {
		return fmt.Errorf("list active sessions: %w", err)
	}
	scheds := map[string]*temporal.Scheduler{}
	s.mu.Lock()
	for _, sess := range active {
		if _, ok := s.sessions[sess.ID]; ok {
			continue
		}
		e := &entry{sess: sess, owned: true}
		s.sessions[sess.ID] = e
		if sess.AcceptsScans(s.now()) {
			if sched := s.attachScheduler(e); sched != nil {
				scheds[sess.ID] = sched
			}
		}
	}
	s.mu.Unlock()

	for id, sched := range scheds {
		if err := s.runScheduler(id, sched); err != nil {
			return err
		}
	}
	n := s.ExpireSessions(ctx)
	s.logger.Info("sessions resumed", "active", len(active)-n, "expired", n)
	return nil
}

// Close stops every key rotation.
func (s *Service) Close() {
	s.mu.Lock()
	var scheds []*temporal.Scheduler
	for _, e := range s.sessions {
		if e.sched != nil {
			scheds = append(scheds, e.sched)
			e.sched = nil
		}
	}
	s.mu.Unlock()
	for _, sched := range scheds {
		sched.Stop()
	}
}

// lookup returns the entry for id. Entries this process does not manage are
// reloaded from the repository so changes made elsewhere are seen.
func (s *Service) lookup(ctx context.Context, id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.sessions[id]
	fresh := ok && (e.owned || e.sess.State.Terminal())
	s.mu.RUnlock()
	if fresh {
		return e, nil
	}

	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		if ok && !errors.Is(err, ErrSessionNotFound) {
			// A stale copy beats failing the caller.
			return e, nil
		}
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.sessions[id]; ok {
		if !cur.owned {
			cur.sess = sess
		}
		return cur, nil
	}
	e = &entry{sess: sess}
	s.sessions[id] = e
	return e, nil
}

type keyPusher struct {
	docs       *remote.Sharded
	courseCode string
}

type publishedKey struct {
	TemporalKey string    `json:"temporal_key"`
	Seq         uint64    `json:"seq"`
	IssuedAt    time.Time `json:"issued_at"`
}

func (p *keyPusher) PushKey(ctx context.Context, sessionID string, k temporal.Key) error {
	level, ok := session.CourseLevel(p.courseCode)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidCourseCode, p.courseCode)
	}
	body, err := json.Marshal(publishedKey{TemporalKey: k.Value, Seq: k.Seq, IssuedAt: k.IssuedAt})
	if err != nil {
		return err
	}
	return p.docs.Write(ctx, level, sessionID, body)
}
