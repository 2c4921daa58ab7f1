package attendance

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
	"github.com/Mid-D-Man/AirCode-sub001/internal/qrpayload"
	"github.com/Mid-D-Man/AirCode-sub001/internal/reconcile"
	"github.com/Mid-D-Man/AirCode-sub001/internal/remote"
	"github.com/Mid-D-Man/AirCode-sub001/internal/session"
	"github.com/Mid-D-Man/AirCode-sub001/internal/store"
	"github.com/Mid-D-Man/AirCode-sub001/internal/temporal"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func (c *clock) at(m int) { c.set(t0.Add(time.Duration(m) * time.Minute)) }

type harness struct {
	clock    *clock
	repo     *MemoryRepository
	store    *offline.Store
	remote   *remote.Memory
	keys     *remote.Sharded
	svc      *Service
	mu       sync.Mutex
	triggers []string
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		clock:  &clock{now: t0},
		repo:   NewMemoryRepository(),
		remote: remote.NewMemory(),
	}
	h.store = offline.NewStore(store.NewMemory(), offline.Options{Now: h.clock.Now})
	h.keys = remote.NewSharded(h.remote, SessionsCollection, nil)
	ser, err := qrpayload.NewSerializer(bytes.Repeat([]byte{9}, 32))
	if err != nil {
		t.Fatal(err)
	}
	opts := Options{
		Serializer: ser,
		Store:      h.store,
		Repo:       h.repo,
		Keys:       h.keys,
		Now:        h.clock.Now,
		Trigger: func(_ context.Context, reason string) error {
			h.mu.Lock()
			h.triggers = append(h.triggers, reason)
			h.mu.Unlock()
			return nil
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.svc = NewService(opts)
	t.Cleanup(h.svc.Close)
	return h
}

func (h *harness) started(t *testing.T, features session.Features, offlineOK bool) *session.Session {
	t.Helper()
	ctx := context.Background()
	sess, err := h.svc.CreateSession(ctx, CreateSessionInput{
		CourseCode: "CSC301", Duration: 30 * time.Minute, Features: features, OfflineSyncAllowed: offlineOK,
	})
	if err != nil {
		t.Fatal(err)
	}
	sess, err = h.svc.StartSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	return sess
}

func (h *harness) qr(t *testing.T, id, device string) string {
	t.Helper()
	text, err := h.svc.IssueQR(context.Background(), id, device)
	if err != nil {
		t.Fatal(err)
	}
	return text
}

func TestOnlineScanFlow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, session.TemporalRotation, true)
	if sess.CurrentTemporalKey == nil {
		t.Fatal("no temporal key after start")
	}

	raw, shard, err := h.keys.Lookup(ctx, "300", sess.ID)
	if err != nil || shard != "Level300" {
		t.Fatalf("published key lookup = %q, %v", shard, err)
	}
	var pk publishedKey
	if err := json.Unmarshal(raw, &pk); err != nil || pk.TemporalKey != *sess.CurrentTemporalKey {
		t.Fatalf("published key = %+v, %v", pk, err)
	}

	text := h.qr(t, sess.ID, "")
	h.clock.at(5)
	scan := ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "dev-1", Payload: text}
	res, err := h.svc.RecordScan(ctx, scan)
	if err != nil {
		t.Fatalf("RecordScan() failed: %v", err)
	}
	if res.Duplicate || res.Record.SyncStatus != offline.StatusPending || res.Record.TemporalKeySnapshot != *sess.CurrentTemporalKey {
		t.Fatalf("result = %+v", res)
	}

	res, err = h.svc.RecordScan(ctx, scan)
	if err != nil || !res.Duplicate {
		t.Fatalf("second scan = %+v, %v", res, err)
	}
	recs, _ := h.store.ListSession(ctx, sess.ID)
	if len(recs) != 1 {
		t.Fatalf("store holds %d records", len(recs))
	}
	if len(h.triggers) != 1 || h.triggers[0] != "manual" {
		t.Fatalf("triggers = %v", h.triggers)
	}
}

func TestScanRejections(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, 0, false)
	text := h.qr(t, sess.ID, "")

	tampered := []byte(text)
	tampered[len(tampered)/2] ^= 0x01
	tests := []struct {
		name string
		in   ScanAttempt
		at   int
		want error
	}{
		{"tampered", ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: string(tampered)}, 1, nil},
		{"unknown session", ScanAttempt{SessionID: "nope", MatricNumber: "U1", DeviceGUID: "d", Payload: text}, 1, qrpayload.ErrSessionUnknown},
		{"offline not allowed", ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text, Offline: true}, 1, ErrOfflineNotAllowed},
		{"missing matric", ScanAttempt{SessionID: sess.ID, DeviceGUID: "d", Payload: text}, 1, qrpayload.ErrMalformed},
		{"at end time", ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text}, 30, qrpayload.ErrExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h.clock.at(tc.at)
			_, err := h.svc.RecordScan(ctx, tc.in)
			if tc.want == nil {
				if !qrpayload.IsValidationError(err) {
					t.Fatalf("error = %v, want a validation error", err)
				}
				return
			}
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
	if stats, _ := h.store.Stats(ctx); len(stats) != 0 {
		t.Fatalf("rejected scans were stored: %v", stats)
	}
}

func TestExpirationBoundary(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, 0, true)
	text := h.qr(t, sess.ID, "")

	h.clock.set(sess.EndTime.Add(-time.Millisecond))
	if _, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text}); err != nil {
		t.Fatalf("scan 1ms before end rejected: %v", err)
	}
	h.clock.set(sess.EndTime)
	if _, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U2", DeviceGUID: "d", Payload: text}); !errors.Is(err, qrpayload.ErrExpired) {
		t.Fatalf("scan at end error = %v", err)
	}
	if _, err := h.svc.IssueQR(ctx, sess.ID, ""); !errors.Is(err, qrpayload.ErrExpired) {
		t.Fatalf("IssueQR() after window error = %v", err)
	}
}

func TestSessionLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.svc.CreateSession(ctx, CreateSessionInput{CourseCode: "SEMINAR", Duration: time.Minute}); !errors.Is(err, ErrInvalidCourseCode) {
		t.Fatalf("course without level error = %v", err)
	}
	sess, err := h.svc.CreateSession(ctx, CreateSessionInput{CourseCode: "csc301", Duration: 30 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.svc.IssueQR(ctx, sess.ID, ""); !errors.Is(err, qrpayload.ErrSessionNotStarted) {
		t.Fatalf("IssueQR() before start error = %v", err)
	}
	if _, err := h.svc.StartSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	text := h.qr(t, sess.ID, "")
	if _, err := h.svc.StartSession(ctx, sess.ID); !errors.Is(err, session.ErrInvalidTransition) {
		t.Fatalf("second start error = %v", err)
	}

	h.clock.at(10)
	ended, err := h.svc.EndSession(ctx, sess.ID)
	if err != nil || ended.State != session.StateEnded {
		t.Fatalf("EndSession() = %+v, %v", ended, err)
	}
	stored, _ := h.repo.GetSession(ctx, sess.ID)
	if stored.State != session.StateEnded || stored.EndedAt == nil {
		t.Fatalf("stored session = %+v", stored)
	}
	if _, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text}); !errors.Is(err, qrpayload.ErrSessionEnded) {
		t.Fatalf("scan after end error = %v", err)
	}
	if _, err := h.svc.EndSession(ctx, sess.ID); !errors.Is(err, session.ErrTerminal) {
		t.Fatalf("second end error = %v", err)
	}
}

func TestDeviceBinding(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, session.DeviceBinding|session.AdvancedEncryption, true)

	if _, err := h.svc.IssueQR(ctx, sess.ID, ""); !errors.Is(err, ErrDeviceRequired) {
		t.Fatalf("IssueQR() without device error = %v", err)
	}
	text := h.qr(t, sess.ID, "dev-1")
	if _, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "dev-2", Payload: text}); !errors.Is(err, qrpayload.ErrDeviceMismatch) {
		t.Fatalf("other device error = %v", err)
	}
	if _, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "dev-1", Payload: text}); err != nil {
		t.Fatalf("bound device rejected: %v", err)
	}
}

func TestStaleKeyAfterRotation(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.RotationInterval = 5 * time.Millisecond })
	ctx := context.Background()
	sess := h.started(t, session.TemporalRotation, true)
	text := h.qr(t, sess.ID, "")
	cred, err := h.svc.serializer.Decode(text, t0)
	if err != nil {
		t.Fatal(err)
	}
	first := cred.TemporalKey

	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, _ := h.svc.Session(ctx, sess.ID)
		if *cur.CurrentTemporalKey != first {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("key never rotated")
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.svc.Close()

	_, err = h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text})
	if !errors.Is(err, qrpayload.ErrStaleKey) {
		t.Fatalf("error = %v, want ErrStaleKey", err)
	}
}

func TestKeyAt(t *testing.T) {
	keys := []struct {
		v  string
		at int
	}{{"k1", 0}, {"k2", 3}, {"k3", 6}}
	var hist []temporal.Key
	for _, k := range keys {
		hist = append(hist, temporal.Key{Value: k.v, IssuedAt: t0.Add(time.Duration(k.at) * time.Minute)})
	}
	for m, want := range map[int]string{0: "k1", 2: "k1", 3: "k2", 5: "k2", 9: "k3"} {
		if got := keyAt(hist, t0.Add(time.Duration(m)*time.Minute)); got != want {
			t.Errorf("keyAt(t+%dm) = %q, want %q", m, got, want)
		}
	}
	if got := keyAt(hist, t0.Add(-time.Minute)); got != "" {
		t.Errorf("keyAt before first key = %q", got)
	}
}

func TestAbortAfterPushFailures(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxRotationFailures = 1 })
	h.remote.SetAvailable(false)
	ctx := context.Background()
	sess := h.started(t, session.TemporalRotation, true)

	deadline := time.Now().Add(2 * time.Second)
	for {
		cur, err := h.svc.Session(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if cur.State == session.StateEnded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session not ended after push failures")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStoreFailureReported(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, 0, true)
	text := h.qr(t, sess.ID, "")

	h.svc.store = offline.NewStore(failingKV{}, offline.Options{Now: h.clock.Now})
	_, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text})
	var se *offline.StoreError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *offline.StoreError", err)
	}
}

type failingKV struct{}

func (failingKV) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("storage offline")
}
func (failingKV) Set(context.Context, string, []byte) error { return errors.New("storage offline") }
func (failingKV) Remove(context.Context, string) error     { return errors.New("storage offline") }

func TestVerifyRecordUsesCaptureTime(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, session.TemporalRotation, true)
	text := h.qr(t, sess.ID, "")

	h.clock.at(5)
	res, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text})
	if err != nil {
		t.Fatal(err)
	}
	h.clock.at(8)
	if _, err := h.svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	h.clock.at(45)
	if err := h.svc.VerifyRecord(ctx, res.Record); err != nil {
		t.Fatalf("record captured before end failed verification: %v", err)
	}

	forged := res.Record
	forged.TemporalKeySnapshot = "not-the-key"
	if err := h.svc.VerifyRecord(ctx, forged); !errors.Is(err, qrpayload.ErrStaleKey) {
		t.Fatalf("forged snapshot error = %v", err)
	}
	late := res.Record
	late.RecordedAt = t0.Add(9 * time.Minute)
	if err := h.svc.VerifyRecord(ctx, late); !errors.Is(err, qrpayload.ErrSessionEnded) {
		t.Fatalf("record after end error = %v", err)
	}
}

func TestResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	live := h.started(t, session.TemporalRotation, true)
	h.clock.at(20)
	lapsing := h.started(t, 0, true)
	h.svc.Close()

	next := NewService(Options{
		Serializer: h.svc.serializer,
		Store:      h.store,
		Repo:       h.repo,
		Keys:       h.keys,
		Now:        h.clock.Now,
	})
	defer next.Close()
	h.clock.at(25)
	if err := next.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	got, err := next.Session(ctx, live.ID)
	if err != nil || got.CurrentTemporalKey == nil || got.State != session.StateActive {
		t.Fatalf("resumed session = %+v, %v", got, err)
	}
	if _, err := next.IssueQR(ctx, live.ID, ""); err != nil {
		t.Fatalf("IssueQR() after resume failed: %v", err)
	}

	h.clock.at(45)
	if n := next.ExpireSessions(ctx); n != 1 {
		t.Fatalf("ExpireSessions() = %d, want 1", n)
	}
	stored, _ := h.repo.GetSession(ctx, live.ID)
	if stored.State != session.StateExpired {
		t.Fatalf("stored state = %s", stored.State)
	}
	if _, _, err := h.keys.Lookup(ctx, "300", live.ID); !errors.Is(err, remote.ErrNotFound) {
		t.Fatalf("expired session key still published: %v", err)
	}
	stored, _ = h.repo.GetSession(ctx, lapsing.ID)
	if stored.State != session.StateActive {
		t.Fatalf("session lapsing at t=50 already %s", stored.State)
	}
}

func TestSecondProcessSeesEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, 0, true)
	text := h.qr(t, sess.ID, "")
	h.clock.at(5)
	res, _ := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text})

	worker := NewService(Options{Serializer: h.svc.serializer, Store: h.store, Repo: h.repo, Now: h.clock.Now})
	if err := worker.VerifyRecord(ctx, res.Record); err != nil {
		t.Fatal(err)
	}
	h.clock.at(6)
	if _, err := h.svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	got, err := worker.Session(ctx, sess.ID)
	if err != nil || got.State != session.StateEnded {
		t.Fatalf("worker view = %+v, %v", got, err)
	}
}

func TestOfflineScanReconciled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, session.TemporalRotation|session.AdvancedEncryption, true)
	text := h.qr(t, sess.ID, "")

	// Captured offline at t=5, delivered to the service at t=6.
	h.clock.at(6)
	res, err := h.svc.RecordScan(ctx, ScanAttempt{
		SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "dev-1", Payload: text,
		Offline: true, ScannedAt: t0.Add(5 * time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Record.RecordedAt.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("recorded at %s", res.Record.RecordedAt)
	}
	if len(h.triggers) != 0 {
		t.Fatal("offline scan triggered a sync")
	}

	docs := remote.NewSharded(h.remote, reconcile.AttendanceCollection, nil)
	r := reconcile.New(h.store, h.svc, reconcile.NewDocumentSubmitter(docs, h.clock.Now), reconcile.Config{Now: h.clock.Now}, nil)

	h.remote.SetAvailable(false)
	out, err := r.Run(ctx, reconcile.TriggerTimer)
	if err != nil || out.Total != 1 || out.Failed != 1 {
		t.Fatalf("pass while offline = %+v, %v", out, err)
	}
	h.clock.at(10)
	h.remote.SetAvailable(true)
	out, err = r.Run(ctx, reconcile.TriggerReconnect)
	if err != nil || out.Total != 1 || out.Succeeded != 1 || out.Failed != 0 {
		t.Fatalf("pass after reconnect = %+v, %v", out, err)
	}
	got, _ := h.store.Get(ctx, res.Record.ID)
	if got.SyncStatus != offline.StatusSynced {
		t.Fatalf("status = %s", got.SyncStatus)
	}
}

func TestOfflineUploadGraceWindow(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.OfflineGrace = 30 * time.Minute })
	ctx := context.Background()
	sess := h.started(t, 0, true)
	text := h.qr(t, sess.ID, "")
	captured := func(matric string) ScanAttempt {
		return ScanAttempt{
			SessionID: sess.ID, MatricNumber: matric, DeviceGUID: "dev-" + matric, Payload: text,
			Offline: true, ScannedAt: t0.Add(5 * time.Minute),
		}
	}

	h.clock.at(10)
	if _, err := h.svc.EndSession(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	// Captured before the end, uploaded inside the grace window.
	h.clock.at(30)
	if res, err := h.svc.RecordScan(ctx, captured("U1")); err != nil || res.Duplicate {
		t.Fatalf("upload within grace = %+v, %v", res, err)
	}

	// The same kind of capture arriving a day later is refused.
	h.clock.at(24 * 60)
	_, err := h.svc.RecordScan(ctx, captured("U2"))
	if !errors.Is(err, qrpayload.ErrSessionEnded) {
		t.Fatalf("late upload error = %v, want session ended", err)
	}
	if recs, _ := h.store.ListSession(ctx, sess.ID); len(recs) != 1 {
		t.Fatalf("store holds %d records, want 1", len(recs))
	}
}

func TestOfflineGraceDefault(t *testing.T) {
	h := newHarness(t, nil)
	if h.svc.grace != DefaultOfflineGrace {
		t.Fatalf("grace = %s", h.svc.grace)
	}
}

func TestUnknownSessionDuringSyncIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	sess := h.started(t, 0, true)
	text := h.qr(t, sess.ID, "")
	h.clock.at(5)
	res, err := h.svc.RecordScan(ctx, ScanAttempt{SessionID: sess.ID, MatricNumber: "U1", DeviceGUID: "d", Payload: text})
	if err != nil {
		t.Fatal(err)
	}

	// A worker whose session store has not caught up with the API yet.
	lagging := NewService(Options{Serializer: h.svc.serializer, Store: h.store, Repo: NewMemoryRepository(), Now: h.clock.Now})
	err = lagging.VerifyRecord(ctx, res.Record)
	if !errors.Is(err, ErrSessionNotFound) || qrpayload.IsValidationError(err) {
		t.Fatalf("VerifyRecord() = %v, want a retryable not-found error", err)
	}

	docs := remote.NewSharded(h.remote, reconcile.AttendanceCollection, nil)
	sub := reconcile.NewDocumentSubmitter(docs, h.clock.Now)
	out, err := reconcile.New(h.store, lagging, sub, reconcile.Config{Now: h.clock.Now}, nil).Run(ctx, reconcile.TriggerTimer)
	if err != nil || out.Total != 1 || out.Outcomes[0].Result != reconcile.ResultRetry {
		t.Fatalf("pass with unknown session = %+v, %v", out, err)
	}
	got, _ := h.store.Get(ctx, res.Record.ID)
	if got.Rejected || got.SyncStatus != offline.StatusPending {
		t.Fatalf("record = %s rejected=%v, want pending", got.SyncStatus, got.Rejected)
	}

	// Once the session is visible the same record syncs.
	h.clock.at(10)
	out, err = reconcile.New(h.store, h.svc, sub, reconcile.Config{Now: h.clock.Now}, nil).Run(ctx, reconcile.TriggerTimer)
	if err != nil || out.Succeeded != 1 {
		t.Fatalf("pass after catch-up = %+v, %v", out, err)
	}
}
