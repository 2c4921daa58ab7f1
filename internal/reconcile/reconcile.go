// Package reconcile drains the offline record store into the remote store.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Mid-D-Man/AirCode-sub001/internal/metrics"
	"github.com/Mid-D-Man/AirCode-sub001/internal/offline"
	"github.com/Mid-D-Man/AirCode-sub001/internal/qrpayload"
	"github.com/Mid-D-Man/AirCode-sub001/internal/queue"
)

var (
	// ErrPassInProgress is returned by Run when another pass holds the gate.
	// The trigger is dropped, not queued.
	ErrPassInProgress = errors.New("reconcile: pass already in progress")
	// ErrRejected marks failures retrying cannot fix.
	ErrRejected = errors.New("reconcile: record rejected")
	ErrRunning  = errors.New("reconcile: periodic sync already running")
)

// Verifier re-validates a record's payload before it is submitted.
type Verifier interface {
	VerifyRecord(ctx context.Context, rec offline.Record) error
}

// Submitter writes one record to the remote store. duplicate reports that the
// remote store already held it.
type Submitter interface {
	Submit(ctx context.Context, rec offline.Record) (duplicate bool, err error)
}

// Config tunes a Reconciler.
type Config struct {
	// MaxAttempts is the attempt budget per record, counting the first try:
	// the MaxAttempts-th failed attempt leaves the record Failed with no
	// further automatic retry. Defaults to 5.
	MaxAttempts int
	// AttemptTimeout bounds one remote submission. Defaults to 5s.
	AttemptTimeout time.Duration
	// Backoff delays the retry after the n-th failure by Backoff*2^(n-1),
	// capped at MaxBackoff. Zero retries on the next pass.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// Interval of the periodic trigger. Defaults to 1m.
	Interval time.Duration
	// PurgeOnSuccess deletes records locally once the remote store has them.
	PurgeOnSuccess bool
	Now            func() time.Time
}

// Reconciler runs reconciliation passes. At most one pass runs at a time.
type Reconciler struct {
	store     *offline.Store
	verifier  Verifier
	submitter Submitter
	cfg       Config
	logger    *slog.Logger

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a reconciler. verifier may be nil to skip re-validation.
func New(store *offline.Store, verifier Verifier, submitter Submitter, cfg Config, logger *slog.Logger) *Reconciler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Minute
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		verifier:  verifier,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With("component", "reconcile"),
	}
}

// Running reports whether a pass is in progress.
func (r *Reconciler) Running() bool { return r.running.Load() }

// Run performs one pass over the pending records, oldest first. The pass is
// detached from ctx cancellation so records already being synced reach a
// final state; ctx values are kept.
func (r *Reconciler) Run(ctx context.Context, trigger Trigger) (BatchSyncResult, error) {
	if !r.running.CompareAndSwap(false, true) {
		metrics.SyncPassesTotal.WithLabelValues(string(trigger), "skipped").Inc()
		r.logger.Debug("sync trigger dropped, pass in progress", "trigger", trigger)
		return BatchSyncResult{}, ErrPassInProgress
	}
	defer r.running.Store(false)
	ctx = context.WithoutCancel(ctx)

	started := time.Now()
	res := BatchSyncResult{Trigger: trigger, StartedAt: r.cfg.Now().UTC()}
	recs, err := r.store.ListPending(ctx)
	if err != nil {
		metrics.SyncPassesTotal.WithLabelValues(string(trigger), "error").Inc()
		return res, fmt.Errorf("list pending: %w", err)
	}

	for _, rec := range recs {
		if !r.due(rec) {
			continue
		}
		o, ok := r.syncOne(ctx, rec)
		if !ok {
			continue
		}
		metrics.SyncRecordsTotal.WithLabelValues(string(o.Result)).Inc()
		res.add(o)
	}
	res.FinishedAt = r.cfg.Now().UTC()

	if left, err := r.store.ListPending(ctx); err == nil {
		metrics.PendingRecords.Set(float64(len(left)))
	}
	metrics.SyncPassesTotal.WithLabelValues(string(trigger), "completed").Inc()
	metrics.SyncPassDuration.Observe(time.Since(started).Seconds())
	r.logger.Info("sync pass finished",
		"trigger", trigger, "total", res.Total, "succeeded", res.Succeeded, "failed", res.Failed)
	return res, nil
}

// due reports whether rec should be attempted in this pass.
func (r *Reconciler) due(rec offline.Record) bool {
	if rec.SyncStatus == offline.StatusFailed && (rec.Rejected || rec.SyncAttempts >= r.cfg.MaxAttempts) {
		return false
	}
	if rec.SyncAttempts == 0 || rec.LastAttemptAt == nil {
		return true
	}
	return !r.cfg.Now().Before(rec.LastAttemptAt.Add(r.backoff(rec.SyncAttempts)))
}

func (r *Reconciler) backoff(attempts int) time.Duration {
	if r.cfg.Backoff <= 0 {
		return 0
	}
	d := r.cfg.Backoff
	for i := 1; i < attempts && d < r.cfg.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, r.cfg.MaxBackoff)
}

// syncOne drives one record to a final state for this pass. ok is false when
// the record changed under the pass and was left alone.
func (r *Reconciler) syncOne(ctx context.Context, rec offline.Record) (Outcome, bool) {
	log := r.logger.With("record_id", rec.ID, "session_id", rec.SessionID)
	if rec.SyncStatus == offline.StatusFailed {
		// Left Failed by an interrupted pass.
		if err := r.store.Mark(ctx, rec.ID, offline.StatusPending, rec.LastError); err != nil {
			log.Debug("record skipped", "error", err)
			return Outcome{}, false
		}
	}
	if err := r.store.Mark(ctx, rec.ID, offline.StatusProcessing, ""); err != nil {
		log.Debug("record skipped", "error", err)
		return Outcome{}, false
	}
	attempts := rec.SyncAttempts + 1

	if r.verifier != nil {
		if err := r.verifier.VerifyRecord(ctx, rec); err != nil {
			if qrpayload.IsValidationError(err) || errors.Is(err, ErrRejected) {
				return r.reject(ctx, log, rec, attempts, err), true
			}
			return r.fail(ctx, log, rec, attempts, err), true
		}
	}

	actx, cancel := context.WithTimeout(ctx, r.cfg.AttemptTimeout)
	dup, err := r.submitter.Submit(actx, rec)
	cancel()
	if err != nil {
		if errors.Is(err, ErrRejected) {
			return r.reject(ctx, log, rec, attempts, err), true
		}
		return r.fail(ctx, log, rec, attempts, err), true
	}

	// Only after the remote store acknowledged the record.
	if err := r.store.Mark(ctx, rec.ID, offline.StatusSynced, ""); err != nil {
		log.Error("mark synced failed", "error", err)
		return Outcome{RecordID: rec.ID, Result: ResultRetry, Attempts: attempts, Err: err}, true
	}
	if r.cfg.PurgeOnSuccess {
		if err := r.store.Purge(ctx, rec.ID); err != nil {
			log.Warn("purge after sync failed", "error", err)
		}
	}
	log.Debug("record synced", "duplicate", dup)
	return Outcome{RecordID: rec.ID, Result: ResultSynced, Attempts: attempts, Duplicate: dup}, true
}

func (r *Reconciler) fail(ctx context.Context, log *slog.Logger, rec offline.Record, attempts int, cause error) Outcome {
	serr := &SyncError{RecordID: rec.ID, Err: cause}
	o := Outcome{RecordID: rec.ID, Result: ResultFailed, Attempts: attempts, Err: serr}
	if err := r.store.Mark(ctx, rec.ID, offline.StatusFailed, cause.Error()); err != nil {
		log.Error("mark failed failed", "error", err)
		return o
	}
	if attempts >= r.cfg.MaxAttempts {
		log.Warn("record failed, retry budget spent", "attempts", attempts, "error", cause)
		return o
	}
	if err := r.store.Mark(ctx, rec.ID, offline.StatusPending, ""); err != nil {
		log.Error("requeue failed", "error", err)
		return o
	}
	log.Info("record sync failed, will retry", "attempts", attempts, "error", cause)
	o.Result = ResultRetry
	return o
}

func (r *Reconciler) reject(ctx context.Context, log *slog.Logger, rec offline.Record, attempts int, cause error) Outcome {
	if err := r.store.Reject(ctx, rec.ID, cause.Error()); err != nil {
		log.Error("reject failed", "error", err)
	}
	log.Warn("record rejected", "error", cause)
	return Outcome{RecordID: rec.ID, Result: ResultRejected, Attempts: attempts, Err: &SyncError{RecordID: rec.ID, Err: cause}}
}

// Start runs a pass every Config.Interval until Stop. The first pass fires
// after one interval.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx, r.done)
	r.logger.Info("periodic sync started", "interval", r.cfg.Interval)
	return nil
}

func (r *Reconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Run(ctx, TriggerTimer); err != nil && !errors.Is(err, ErrPassInProgress) {
				r.logger.Error("periodic sync failed", "error", err)
			}
		}
	}
}

// Stop ends periodic passes and waits for a running one to finish.
func (r *Reconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	r.logger.Info("periodic sync stopped")
}

// ConsumeTriggers runs a pass for every sync message on q until ctx is done.
// Messages that arrive while a pass is running are dropped.
func (r *Reconciler) ConsumeTriggers(ctx context.Context, q queue.Queue) error {
	msgs, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	var wg sync.WaitGroup
	defer wg.Wait()
	for msg := range msgs {
		if msg.Type != queue.TypeSync {
			continue
		}
		trigger := Trigger(msg.Body)
		if trigger == "" {
			trigger = TriggerManual
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Run(ctx, trigger); err != nil && !errors.Is(err, ErrPassInProgress) {
				r.logger.Error("triggered sync failed", "trigger", trigger, "error", err)
			}
		}()
	}
	return nil
}
