package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
	"github.com/oreoslabs/oreowallet-mono/internal/retry"
	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
	"github.com/oreoslabs/oreowallet-mono/internal/wire"
)

// readLoop consumes frames from one worker until the connection dies. It is
// the only reader of the connection; every exit path runs the disconnect
// handler exactly once.
func (s *Scheduler) readLoop(sess *session) {
	defer s.handleDisconnect(sess)

	for {
		env, err := sess.conn.Receive()
		if err != nil {
			select {
			case <-sess.done:
				// Deliberate close, not a failure.
			default:
				s.logger.Warn("worker read failed", "worker", sess.id, "error", err)
			}
			return
		}
		if err := env.Validate(); err != nil {
			s.logger.Warn("malformed worker frame", "worker", sess.id, "error", err)
			return
		}

		switch env.Type {
		case wire.MsgHeartbeat:
			s.mu.Lock()
			sess.lastHeartbeat = s.nowFn()
			s.mu.Unlock()
		case wire.MsgResult:
			s.handleResult(sess, env.Result)
		case wire.MsgError:
			s.handleTaskError(sess, env.Error)
		default:
			s.logger.Warn("unexpected frame from worker",
				"worker", sess.id, "type", env.Type)
		}
	}
}

// handleResult validates a completed task against the worker's binding and
// parks the result in the account's reorder buffer. Commits drain the buffer
// in strictly increasing start order.
func (s *Scheduler) handleResult(sess *session, res *wire.TaskResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.currentTask != res.TaskID {
		s.logger.Warn("result for unbound task, discarding",
			"worker", sess.id, "task", res.TaskID, "bound_task", sess.currentTask)
		return
	}
	s.releaseWorkerLocked(sess)

	scan, task := s.findTaskLocked(res.Result.Address, res.TaskID)
	if scan == nil || task == nil || scan.state != model.ScanActive {
		// Window failed or was abandoned while the worker was busy.
		s.assignLocked()
		return
	}
	if res.Result.StartSequence != task.StartSequence ||
		res.Result.NewHeadSequence != task.EndSequence {
		s.logger.Error("result range does not match task, requeueing",
			"task", task.ID,
			"task_start", task.StartSequence,
			"task_end", task.EndSequence,
			"result_start", res.Result.StartSequence,
			"result_head", res.Result.NewHeadSequence,
		)
		s.requeueLocked(scan, task, "range_mismatch")
		s.assignLocked()
		return
	}

	task.State = model.TaskCommitting
	result := res.Result
	scan.pending[task.StartSequence] = &result

	s.logger.Debug("task completed",
		"worker", sess.id,
		"task", task.ID,
		"address", task.Address,
		"matched", len(result.Matched),
	)

	s.maybeCommitLocked(task.Address)
	s.fillQueueLocked()
	s.assignLocked()
}

// handleTaskError requeues a task the worker reported as unprocessable,
// keeping the session alive. Repeated failures exhaust the retry budget and
// fail the scan.
func (s *Scheduler) handleTaskError(sess *session, tErr *wire.TaskError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.currentTask != tErr.TaskID {
		s.logger.Warn("error for unbound task, discarding",
			"worker", sess.id, "task", tErr.TaskID)
		return
	}
	s.releaseWorkerLocked(sess)
	metrics.SchedulerTasksRequeued.WithLabelValues("task_error").Inc()

	scan, task := s.findTaskByIDLocked(tErr.TaskID)
	if scan == nil || task == nil || scan.state != model.ScanActive {
		s.assignLocked()
		return
	}
	s.logger.Warn("worker reported task error",
		"worker", sess.id, "task", task.ID, "address", task.Address, "reason", tErr.Reason)
	s.requeueLocked(scan, task, "task_error")
	s.assignLocked()
}

// handleDisconnect tears down a session and requeues its in-flight task.
func (s *Scheduler) handleDisconnect(sess *session) {
	sess.close()

	s.mu.Lock()
	defer s.mu.Unlock()

	// A reconnect may already have replaced this session under the same ID.
	if current, ok := s.sessions[sess.id]; ok && current == sess {
		delete(s.sessions, sess.id)
		metrics.SchedulerConnectedWorkers.Set(float64(len(s.sessions)))
	}
	s.logger.Info("worker disconnected", "worker", sess.id, "online_workers", len(s.sessions))

	if sess.currentTask == "" {
		return
	}
	taskID := sess.currentTask
	sess.currentTask = ""

	scan, task := s.findTaskByIDLocked(taskID)
	if scan == nil || task == nil || scan.state != model.ScanActive {
		return
	}
	metrics.SchedulerTasksRequeued.WithLabelValues("worker_lost").Inc()
	s.requeueLocked(scan, task, "worker_lost")
	s.assignLocked()
}

// handleDispatchError deals with a failed block fetch for an assigned task.
// Ranges past the ingested head are held for the rescan tick; everything
// else goes through the normal requeue budget.
func (s *Scheduler) handleDispatchError(sess *session, task *model.ScanTask, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.releaseWorkerLocked(sess)

	scan, ok := s.scans[task.Address]
	if !ok || scan.state != model.ScanActive {
		s.assignLocked()
		return
	}

	if errors.Is(err, scanerr.ErrNotYetIngested) {
		s.logger.Debug("range not yet ingested, holding task",
			"task", task.ID, "address", task.Address, "range_start", task.StartSequence)
		task.State = model.TaskQueued
		task.AssignedWorker = ""
		s.held[task.ID] = task
		s.assignLocked()
		return
	}

	s.logger.Warn("block fetch failed",
		"task", task.ID, "address", task.Address, "error", err)
	metrics.SchedulerTasksRequeued.WithLabelValues("fetch_error").Inc()
	s.requeueLocked(scan, task, "fetch_error")
	s.assignLocked()
}

// requeueLocked puts a disrupted task at the front of the queue, or fails
// the scan once its attempt budget is spent.
func (s *Scheduler) requeueLocked(scan *accountScan, task *model.ScanTask, reason string) {
	task.AttemptCount++
	task.AssignedWorker = ""
	if task.AttemptCount > s.cfg.TaskRetryBudget {
		s.failScanLocked(scan, fmt.Errorf("task %s (%s): %w after %d attempts: %w",
			task.ID, reason, scanerr.ErrRetryExhausted, task.AttemptCount, scanerr.ErrWorkerLost))
		return
	}
	s.queue.PushFront(task)
}

// failScanLocked marks the window failed and drops its queued work. In
// flight tasks on other workers finish and are discarded on arrival; the
// registry keeps the last durably committed head.
func (s *Scheduler) failScanLocked(scan *accountScan, cause error) {
	scan.state = model.ScanFailed
	scan.err = cause
	if scan.cancelCommit != nil {
		scan.cancelCommit()
		scan.cancelCommit = nil
	}
	metrics.SchedulerScansFailed.Inc()

	for id, task := range scan.live {
		if task.State == model.TaskQueued {
			s.queue.Remove(id)
			delete(s.held, id)
			delete(scan.live, id)
		}
	}
	s.logger.Error("scan failed",
		"address", scan.account.Address,
		"head_sequence", scan.head,
		"target", scan.target,
		"error", cause,
	)
}

// releaseWorkerLocked returns the session to the idle pool.
func (s *Scheduler) releaseWorkerLocked(sess *session) {
	sess.status = sessionIdle
	sess.currentTask = ""
}

func (s *Scheduler) findTaskLocked(address, taskID string) (*accountScan, *model.ScanTask) {
	scan, ok := s.scans[address]
	if !ok {
		return nil, nil
	}
	return scan, scan.live[taskID]
}

func (s *Scheduler) findTaskByIDLocked(taskID string) (*accountScan, *model.ScanTask) {
	for _, scan := range s.scans {
		if task, ok := scan.live[taskID]; ok {
			return scan, task
		}
	}
	return nil, nil
}

// maybeCommitLocked starts the per-account commit loop when the next
// contiguous result is buffered and no commit is already running.
func (s *Scheduler) maybeCommitLocked(address string) {
	scan, ok := s.scans[address]
	if !ok || scan.committing || scan.state != model.ScanActive {
		return
	}
	if _, ok := scan.pending[scan.head+1]; !ok {
		return
	}
	scan.committing = true
	go s.commitLoop(address, scan)
}

// commitLoop drains the account's reorder buffer in strictly increasing
// start order, one durable registry write per result. Transient store
// failures are retried with backoff inside the commit window; a conflict or
// exhausted window fails the scan. The loop is bound to one window
// generation: when the window under this address is replaced, the loop
// discards its result and exits instead of touching the replacement, and
// failScanLocked cancels any commit still parked in backoff.
func (s *Scheduler) commitLoop(address string, scan *accountScan) {
	for {
		s.mu.Lock()
		if s.scans[address] != scan || scan.state != model.ScanActive {
			scan.committing = false
			s.mu.Unlock()
			return
		}
		result, ok := scan.pending[scan.head+1]
		if !ok {
			scan.committing = false
			if scan.head >= scan.target && scan.drained() {
				s.logger.Info("scan complete",
					"address", address, "head_sequence", scan.head)
				delete(s.scans, address)
			}
			s.mu.Unlock()
			return
		}
		expectedHead := scan.head
		ctx, cancel := context.WithCancel(s.baseCtx)
		scan.cancelCommit = cancel
		s.mu.Unlock()

		start := s.nowFn()
		err := s.commitOne(ctx, address, expectedHead, result)
		cancel()
		metrics.SchedulerCommitLatency.Observe(time.Since(start).Seconds())

		s.mu.Lock()
		if s.scans[address] != scan {
			scan.committing = false
			s.mu.Unlock()
			return
		}
		scan.cancelCommit = nil
		if err != nil {
			scan.committing = false
			if scan.state == model.ScanActive {
				s.failScanLocked(scan, fmt.Errorf("commit range starting %d: %w",
					result.StartSequence, err))
			}
			s.mu.Unlock()
			return
		}

		delete(scan.pending, result.StartSequence)
		scan.head = result.NewHeadSequence
		scan.headHash = result.NewHeadHash
		for id, task := range scan.live {
			if task.StartSequence == result.StartSequence {
				delete(scan.live, id)
				break
			}
		}
		metrics.SchedulerTasksCommitted.Inc()
		s.logger.Debug("progress committed",
			"address", address,
			"head_sequence", scan.head,
			"matched", len(result.Matched),
		)
		s.fillQueueLocked()
		s.assignLocked()
		s.mu.Unlock()
	}
}

// commitOne writes a single result to the registry, retrying transient
// store failures until the commit window closes or ctx is canceled.
func (s *Scheduler) commitOne(ctx context.Context, address string, expectedHead int64, result *model.DecryptionResult) error {
	policy := retry.CommitBackoff(ctx, s.cfg.CommitRetryWindow)

	return backoff.Retry(func() error {
		err := s.registry.CommitProgress(
			ctx,
			address,
			expectedHead,
			result.NewHeadSequence,
			result.NewHeadHash,
			result.Matched,
		)
		if err == nil {
			return nil
		}
		if retry.Classify(err).IsTransient() {
			s.logger.Warn("commit retrying",
				"address", address, "new_head", result.NewHeadSequence, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, policy)
}
