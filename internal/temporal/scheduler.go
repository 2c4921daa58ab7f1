// Package temporal rotates the short-lived secret embedded in a session's QR
// credential.
package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/codec"
	"github.com/Mid-D-Man/AirCode-sub001/internal/metrics"
)

// DefaultInterval is used when Config.Interval is not set.
const DefaultInterval = 3 * time.Minute

// ErrRunning is returned by Start when the scheduler is already ticking.
var ErrRunning = errors.New("temporal: scheduler already running")

// State of a Scheduler.
type State string

const (
	Stopped State = "stopped"
	Running State = "running"
)

// Key is one minted temporal key.
type Key struct {
	Value    string
	Seq      uint64
	IssuedAt time.Time
}

// KeyPusher publishes a freshly minted key to the remote store.
type KeyPusher interface {
	PushKey(ctx context.Context, sessionID string, key Key) error
}

// Config tunes a Scheduler.
type Config struct {
	Interval time.Duration
	// PushTimeout bounds a single key push. Defaults to 5s.
	PushTimeout time.Duration
	// MaxPushFailures aborts the session after that many consecutive failed
	// pushes. Zero keeps rotating with the last published key forever.
	MaxPushFailures int
	Now             func() time.Time
	// OnRotate observes every published key, synchronously.
	OnRotate func(Key)
	// OnAbort runs in its own goroutine once MaxPushFailures is reached.
	OnAbort func(sessionID string, err error)
}

// Derive computes the key for a session at now. The nonce keeps keys unique
// when two rotations fall into the same minute bucket.
func Derive(sessionID string, now time.Time, nonce uint64) string {
	bucket := now.UTC().Truncate(time.Minute).Unix()
	return codec.Hash(fmt.Sprintf("%s:%d:%d", sessionID, bucket, nonce))
}

// Scheduler mints a new key for one session on a fixed interval.
type Scheduler struct {
	sessionID string
	cfg       Config
	pusher    KeyPusher
	logger    *slog.Logger

	nonce    atomic.Uint64
	current  atomic.Pointer[Key]
	failures atomic.Int32

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped scheduler. pusher may be nil when no remote copy of
// the key is kept.
func New(sessionID string, cfg Config, pusher KeyPusher, logger *slog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.PushTimeout <= 0 {
		cfg.PushTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		sessionID: sessionID,
		cfg:       cfg,
		pusher:    pusher,
		logger:    logger.With("component", "temporal", "session_id", sessionID),
	}
	s.nonce.Store(uint64(cfg.Now().UnixNano()))
	return s
}

// Current returns the latest published key.
func (s *Scheduler) Current() (Key, bool) {
	k := s.current.Load()
	if k == nil {
		return Key{}, false
	}
	return *k, true
}

// State reports whether the ticker is running.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return Running
	}
	return Stopped
}

// Rotate mints and publishes a key immediately. The key is published locally
// even when the remote push fails; the error is returned for logging only.
func (s *Scheduler) Rotate(ctx context.Context) (Key, error) {
	now := s.cfg.Now()
	seq := s.nonce.Add(1)
	k := &Key{Value: Derive(s.sessionID, now, seq), Seq: seq, IssuedAt: now.UTC()}
	s.current.Store(k)
	if s.cfg.OnRotate != nil {
		s.cfg.OnRotate(*k)
	}

	if s.pusher == nil {
		metrics.KeyRotations.WithLabelValues("ok").Inc()
		return *k, nil
	}
	pushCtx, cancel := context.WithTimeout(ctx, s.cfg.PushTimeout)
	defer cancel()
	if err := s.pusher.PushKey(pushCtx, s.sessionID, *k); err != nil {
		metrics.KeyRotations.WithLabelValues("push_failed").Inc()
		n := s.failures.Add(1)
		s.logger.Warn("temporal key push failed, retrying next tick", "error", err, "consecutive_failures", n)
		if limit := s.cfg.MaxPushFailures; limit > 0 && int(n) == limit && s.cfg.OnAbort != nil {
			go s.cfg.OnAbort(s.sessionID, fmt.Errorf("temporal: %d consecutive key push failures: %w", n, err))
		}
		return *k, err
	}
	s.failures.Store(0)
	metrics.KeyRotations.WithLabelValues("ok").Inc()
	return *k, nil
}

// Start begins periodic rotation. The first tick fires after one interval;
// callers needing a key right away call Rotate first.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(runCtx, s.done)
	s.logger.Info("temporal key rotation started", "interval", s.cfg.Interval)
	return nil
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Errors are already logged; a failed push is only retried by the next tick.
			_, _ = s.Rotate(ctx)
		}
	}
}

// Stop halts rotation and waits for an in-flight tick to finish. Calling it
// more than once, or on a scheduler that never started, is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("temporal key rotation stopped")
}
