// Package wire defines the scheduler<->worker message protocol. Messages are
// JSON envelopes over a single WebSocket connection, which preserves per
// connection ordering and gives abrupt-disconnect detection for free.
package wire

import (
	"fmt"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
)

type MsgType string

const (
	MsgRegister   MsgType = "register"
	MsgRegistered MsgType = "registered"
	MsgHeartbeat  MsgType = "heartbeat"
	MsgTask       MsgType = "task"
	MsgResult     MsgType = "result"
	MsgError      MsgType = "error"
)

// Envelope is the single frame type exchanged on a worker connection.
// Exactly one payload field is set, matching Type.
type Envelope struct {
	Type      MsgType         `json:"type"`
	Register  *Register       `json:"register,omitempty"`
	Heartbeat *Heartbeat      `json:"heartbeat,omitempty"`
	Task      *TaskAssignment `json:"task,omitempty"`
	Result    *TaskResult     `json:"result,omitempty"`
	Error     *TaskError      `json:"error,omitempty"`
}

// Register is sent once by a worker after connecting. A worker that restarts
// registers fresh; no task identity survives the restart.
type Register struct {
	WorkerID  string `json:"workerId"`
	AuthToken string `json:"authToken"`
	Threads   int    `json:"threads"`
}

// Heartbeat is sent by the worker on a fixed interval. The scheduler treats
// N consecutive missing heartbeats as a disconnect.
type Heartbeat struct {
	WorkerID string `json:"workerId"`
}

// TaskAssignment carries everything a stateless worker needs: the account
// keys and the block payloads for the task's range, pushed inline.
type TaskAssignment struct {
	TaskID            string        `json:"taskId"`
	Address           string        `json:"address"`
	IncomingViewKey   string        `json:"incomingViewKey"`
	OutgoingViewKey   string        `json:"outgoingViewKey"`
	DecryptForSpender bool          `json:"decryptForSpender"`
	StartSequence     int64         `json:"startSequence"`
	EndSequence       int64         `json:"endSequence"`
	Blocks            []model.Block `json:"blocks"`
}

// TaskResult reports a completed task.
type TaskResult struct {
	TaskID string                 `json:"taskId"`
	Result model.DecryptionResult `json:"result"`
}

// TaskError reports a task the worker could not process. The task is the
// recovery unit: the scheduler requeues or fails it, the session survives.
type TaskError struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason"`
}

// Validate checks that the envelope payload matches its declared type.
func (e *Envelope) Validate() error {
	var ok bool
	switch e.Type {
	case MsgRegister:
		ok = e.Register != nil
	case MsgRegistered:
		ok = true
	case MsgHeartbeat:
		ok = e.Heartbeat != nil
	case MsgTask:
		ok = e.Task != nil
	case MsgResult:
		ok = e.Result != nil
	case MsgError:
		ok = e.Error != nil
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	if !ok {
		return fmt.Errorf("message type %q missing payload", e.Type)
	}
	return nil
}
