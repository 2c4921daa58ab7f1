package reconcile

import (
	"fmt"
	"time"
)

// Trigger names what started a reconciliation pass.
type Trigger string

const (
	TriggerTimer     Trigger = "timer"
	TriggerReconnect Trigger = "reconnect"
	TriggerManual    Trigger = "manual"
)

// Result of one record within a pass.
type Result string

const (
	// ResultSynced means the remote store acknowledged the record.
	ResultSynced Result = "synced"
	// ResultRetry means the attempt failed and the record is Pending again.
	ResultRetry Result = "retry"
	// ResultFailed means the attempt budget is spent; the record stays
	// Failed until retried by an operator.
	ResultFailed Result = "failed"
	// ResultRejected means the record can never sync as is.
	ResultRejected Result = "rejected"
)

// Outcome is the per-record line of a BatchSyncResult.
type Outcome struct {
	RecordID string `json:"record_id"`
	Result   Result `json:"result"`
	Attempts int    `json:"attempts"`
	// Duplicate is set when the remote store already held the record.
	Duplicate bool   `json:"duplicate,omitempty"`
	Err       error  `json:"-"`
	Error     string `json:"error,omitempty"`
}

// BatchSyncResult summarises one pass. Outcomes are in submission order.
type BatchSyncResult struct {
	Trigger    Trigger   `json:"trigger"`
	Total      int       `json:"total"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Outcomes   []Outcome `json:"outcomes"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

func (b *BatchSyncResult) add(o Outcome) {
	if o.Err != nil {
		o.Error = o.Err.Error()
	}
	b.Outcomes = append(b.Outcomes, o)
	b.Total++
	if o.Result == ResultSynced {
		b.Succeeded++
	} else {
		b.Failed++
	}
}

// SyncError is a failed remote submission of one record.
type SyncError struct {
	RecordID string
	Err      error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("sync record %s: %v", e.RecordID, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }
