package model

import "time"

// TaskState is the lifecycle of one scan task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskAssigned   TaskState = "assigned"
	TaskInProgress TaskState = "in_progress"
	TaskCommitting TaskState = "committing"
)

// ScanState is the lifecycle of one account's scan window.
type ScanState string

const (
	ScanIdle   ScanState = "idle"
	ScanActive ScanState = "active"
	ScanFailed ScanState = "failed"
)

// ScanTask is a bounded unit of decryption work: decrypt transactions in
// [StartSequence, EndSequence] against one account's keys.
type ScanTask struct {
	ID             string
	Address        string
	StartSequence  int64
	EndSequence    int64
	State          TaskState
	AssignedWorker string
	AttemptCount   int
	AssignedAt     time.Time
}

// BlockCount returns the number of blocks the task covers.
func (t *ScanTask) BlockCount() int64 {
	return t.EndSequence - t.StartSequence + 1
}

// MatchedTransaction is one transaction that trial-decrypted successfully
// for an account, with the recovered note plaintexts.
type MatchedTransaction struct {
	Hash     string   `json:"hash"`
	Sequence int64    `json:"sequence"`
	Notes    [][]byte `json:"notes"`
}

// DecryptionResult is produced by a worker for exactly one task and consumed
// exactly once by the scheduler to advance the account head.
type DecryptionResult struct {
	Address         string               `json:"address"`
	StartSequence   int64                `json:"startSequence"`
	NewHeadSequence int64                `json:"newHeadSequence"`
	NewHeadHash     string               `json:"newHeadHash"`
	Matched         []MatchedTransaction `json:"matched"`
}

// Progress is the read-only view of one account's scan state.
type Progress struct {
	Address      string
	HeadSequence int64
	InFlight     bool
	Failed       bool
}
