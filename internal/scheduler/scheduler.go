// Package scheduler is the work-distribution core: it owns the task queue,
// the set of worker sessions, and the per-account scan state machine, and it
// is the only writer of scan progress to the account registry.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	otelTrace "go.opentelemetry.io/otel/trace"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
	"github.com/oreoslabs/oreowallet-mono/internal/store"
	"github.com/oreoslabs/oreowallet-mono/internal/tracing"
	"github.com/oreoslabs/oreowallet-mono/internal/wire"
)

// accountScan is one account's live scan window. All fields are guarded by
// the scheduler mutex; the commit loop is the only other writer and takes
// the same lock.
type accountScan struct {
	account  model.Account
	state    model.ScanState
	target   int64
	head     int64
	headHash string
	// nextStart is the first sequence not yet turned into a task.
	nextStart int64
	// live holds created-but-not-retired tasks by ID.
	live map[string]*model.ScanTask
	// pending buffers out-of-order completions keyed by start sequence;
	// commits drain it strictly in increasing order.
	pending    map[int64]*model.DecryptionResult
	committing bool
	// cancelCommit interrupts the in-flight registry commit when the window
	// fails, so a parked backoff cannot outlive the window.
	cancelCommit context.CancelFunc
	err          error
}

func (a *accountScan) drained() bool {
	return a.nextStart > a.target && len(a.live) == 0 && len(a.pending) == 0
}

type Scheduler struct {
	cfg      config.SchedulerConfig
	registry store.AccountRepository
	blocks   store.BlockReader
	logger   *slog.Logger
	nowFn    func() time.Time

	mu sync.Mutex
	// baseCtx is set by Run and bounds background work (dispatch, commits).
	baseCtx  context.Context
	scans    map[string]*accountScan
	queue    *taskQueue
	held     map[string]*model.ScanTask
	sessions map[string]*session
}

func New(
	cfg config.SchedulerConfig,
	registry store.AccountRepository,
	blocks store.BlockReader,
	logger *slog.Logger,
) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		registry: registry,
		blocks:   blocks,
		logger:   logger.With("component", "scheduler"),
		nowFn:    time.Now,
		baseCtx:  context.Background(),
		scans:    make(map[string]*accountScan),
		queue:    newTaskQueue(cfg.QueueDepthCap),
		held:     make(map[string]*model.ScanTask),
		sessions: make(map[string]*session),
	}
}

// Run drives the periodic work: re-evaluating held tasks, sweeping dead
// sessions, and topping up the queue. It blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.logger.Info("scheduler started",
		"max_task_blocks", s.cfg.MaxTaskBlocks,
		"queue_depth_cap", s.cfg.QueueDepthCap,
		"heartbeat_interval", s.cfg.HeartbeatInterval,
	)

	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()
	statusTicker := time.NewTicker(time.Minute)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			s.closeAllSessions()
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		case <-statusTicker.C:
			s.logStatus()
		}
	}
}

// RequestScan enqueues the missing ranges for every account whose head is
// behind target. targetSequence 0 means "the ingested chain head". The call
// is idempotent: accounts already queued or in flight merge their target
// instead of growing duplicate tasks.
func (s *Scheduler) RequestScan(ctx context.Context, addresses []string, targetSequence int64) error {
	ctx, span := tracing.Tracer("scheduler").Start(ctx, "scheduler.requestScan",
		otelTrace.WithAttributes(
			attribute.Int("account_count", len(addresses)),
			attribute.Int64("target_sequence", targetSequence),
		),
	)
	defer span.End()

	if targetSequence <= 0 {
		head, err := s.blocks.HeadSequence(ctx)
		if err != nil {
			return fmt.Errorf("resolve target from ingested head: %w", err)
		}
		targetSequence = head
	}
	if targetSequence <= 0 {
		return nil
	}

	// Resolve unknown-scan addresses against the registry outside the lock.
	s.mu.Lock()
	needFetch := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if scan, ok := s.scans[addr]; !ok || scan.state == model.ScanFailed {
			needFetch = append(needFetch, addr)
		}
	}
	s.mu.Unlock()

	fetched := make(map[string]*model.Account, len(needFetch))
	for _, addr := range needFetch {
		account, err := s.registry.Get(ctx, addr)
		if err != nil {
			metrics.SchedulerScanRequests.WithLabelValues("unknown_account").Inc()
			return fmt.Errorf("request scan: %w", err)
		}
		fetched[addr] = account
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Every address that will open a fresh window needs room for at least
	// one task; otherwise reject the whole request up front.
	newWindows := 0
	for _, addr := range addresses {
		scan, ok := s.scans[addr]
		if ok && scan.state == model.ScanActive {
			continue
		}
		account := fetched[addr]
		if account != nil && account.HeadSequence < targetSequence {
			newWindows++
		}
	}
	if newWindows > 0 && s.queue.Full(newWindows) {
		metrics.SchedulerScanRequests.WithLabelValues("backpressure").Inc()
		return fmt.Errorf("request scan: %w", scanerr.ErrBackpressure)
	}

	for _, addr := range addresses {
		if scan, ok := s.scans[addr]; ok && scan.state == model.ScanActive {
			if targetSequence > scan.target {
				s.logger.Debug("scan target extended",
					"address", addr, "old_target", scan.target, "new_target", targetSequence)
				scan.target = targetSequence
			}
			continue
		}

		account := fetched[addr]
		if account == nil {
			// A failed scan raced with another request that reset it.
			continue
		}
		// A previously failed window is replaced by a fresh one from the
		// last durably committed head.
		if account.HeadSequence >= targetSequence {
			delete(s.scans, addr)
			continue
		}
		s.scans[addr] = &accountScan{
			account:   *account,
			state:     model.ScanActive,
			target:    targetSequence,
			head:      account.HeadSequence,
			headHash:  account.HeadHash,
			nextStart: account.HeadSequence + 1,
			live:      make(map[string]*model.ScanTask),
			pending:   make(map[int64]*model.DecryptionResult),
		}
		s.logger.Info("scan window opened",
			"address", addr,
			"from", account.HeadSequence+1,
			"target", targetSequence,
		)
	}

	metrics.SchedulerScanRequests.WithLabelValues("accepted").Inc()
	s.fillQueueLocked()
	s.assignLocked()
	return nil
}

// Progress reports the current head and whether a scan is in flight.
func (s *Scheduler) Progress(ctx context.Context, address string) (model.Progress, error) {
	s.mu.Lock()
	if scan, ok := s.scans[address]; ok {
		p := model.Progress{
			Address:      address,
			HeadSequence: scan.head,
			InFlight:     scan.state == model.ScanActive,
			Failed:       scan.state == model.ScanFailed,
		}
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	account, err := s.registry.Get(ctx, address)
	if err != nil {
		return model.Progress{}, err
	}
	return model.Progress{
		Address:      address,
		HeadSequence: account.HeadSequence,
	}, nil
}

// fillQueueLocked turns scan windows into bounded tasks round-robin across
// accounts until the queue cap is hit or every window is exhausted.
func (s *Scheduler) fillQueueLocked() {
	addrs := make([]string, 0, len(s.scans))
	for addr, scan := range s.scans {
		if scan.state == model.ScanActive && scan.nextStart <= scan.target {
			addrs = append(addrs, addr)
		}
	}
	sort.Strings(addrs)

	for progress := true; progress; {
		progress = false
		for _, addr := range addrs {
			scan := s.scans[addr]
			if scan.nextStart > scan.target || s.queue.Full(1) {
				continue
			}
			end := scan.nextStart + s.cfg.MaxTaskBlocks - 1
			if end > scan.target {
				end = scan.target
			}
			task := &model.ScanTask{
				ID:            uuid.NewString(),
				Address:       addr,
				StartSequence: scan.nextStart,
				EndSequence:   end,
				State:         model.TaskQueued,
			}
			if !s.queue.Push(task) {
				continue
			}
			scan.live[task.ID] = task
			scan.nextStart = end + 1
			metrics.SchedulerTasksCreated.Inc()
			progress = true
		}
	}
}

// assignLocked binds queued tasks to idle workers, least recently assigned
// first so a worker that just finished is preferred last among ties.
func (s *Scheduler) assignLocked() {
	for s.queue.Len() > 0 {
		sess := s.pickIdleWorkerLocked()
		if sess == nil {
			return
		}
		task := s.queue.Pop()
		if task == nil {
			return
		}

		task.State = model.TaskAssigned
		task.AssignedWorker = sess.id
		task.AssignedAt = s.nowFn()
		sess.status = sessionBusy
		sess.currentTask = task.ID
		sess.lastAssigned = task.AssignedAt
		metrics.SchedulerTasksAssigned.Inc()

		go s.dispatch(sess, task)
	}
}

func (s *Scheduler) pickIdleWorkerLocked() *session {
	var best *session
	for _, sess := range s.sessions {
		if sess.status != sessionIdle {
			continue
		}
		if best == nil ||
			sess.lastAssigned.Before(best.lastAssigned) ||
			(sess.lastAssigned.Equal(best.lastAssigned) && sess.id < best.id) {
			best = sess
		}
	}
	return best
}

// dispatch fetches the task's blocks and pushes the assignment down the
// session. Runs outside the lock: one account's slow store read must not
// delay scheduling for others.
func (s *Scheduler) dispatch(sess *session, task *model.ScanTask) {
	s.mu.Lock()
	base := s.baseCtx
	s.mu.Unlock()

	ctx, span := tracing.Tracer("scheduler").Start(base, "scheduler.dispatch",
		otelTrace.WithAttributes(
			attribute.String("address", task.Address),
			attribute.Int64("start", task.StartSequence),
			attribute.Int64("end", task.EndSequence),
		),
	)
	defer span.End()

	blocks, err := s.blocks.GetBlocks(ctx, task.StartSequence, task.EndSequence)
	if err != nil {
		s.handleDispatchError(sess, task, err)
		return
	}

	s.mu.Lock()
	scan, ok := s.scans[task.Address]
	if !ok || scan.state != model.ScanActive {
		// Window was abandoned while fetching; release the worker.
		s.releaseWorkerLocked(sess)
		s.assignLocked()
		s.mu.Unlock()
		return
	}
	assignment := &wire.TaskAssignment{
		TaskID:            task.ID,
		Address:           task.Address,
		IncomingViewKey:   scan.account.IncomingViewKey,
		OutgoingViewKey:   scan.account.OutgoingViewKey,
		DecryptForSpender: true,
		StartSequence:     task.StartSequence,
		EndSequence:       task.EndSequence,
		Blocks:            blocks,
	}
	s.mu.Unlock()

	if err := sess.conn.Send(&wire.Envelope{Type: wire.MsgTask, Task: assignment}); err != nil {
		s.logger.Warn("task push failed, dropping worker",
			"worker", sess.id, "task", task.ID, "error", err)
		// The reader unblocks on the closed connection and requeues the
		// task through the disconnect path.
		sess.close()
		return
	}

	s.mu.Lock()
	if task.State == model.TaskAssigned {
		task.State = model.TaskInProgress
	}
	s.mu.Unlock()

	s.logger.Debug("task dispatched",
		"worker", sess.id,
		"task", task.ID,
		"address", task.Address,
		"range_start", task.StartSequence,
		"range_end", task.EndSequence,
		"blocks", len(blocks),
	)
}

func (s *Scheduler) tick(ctx context.Context) {
	s.sweepHeartbeats()

	s.mu.Lock()
	// Held tasks go back to the queue; the next dispatch retries the fetch.
	for id, task := range s.held {
		if s.queue.Full(1) {
			break
		}
		delete(s.held, id)
		if scan, ok := s.scans[task.Address]; !ok || scan.state != model.ScanActive {
			continue
		}
		s.queue.Push(task)
	}
	s.fillQueueLocked()
	s.assignLocked()
	s.mu.Unlock()
}

func (s *Scheduler) sweepHeartbeats() {
	deadline := s.nowFn().Add(-time.Duration(s.cfg.HeartbeatMisses) * s.cfg.HeartbeatInterval)

	s.mu.Lock()
	var expired []*session
	for _, sess := range s.sessions {
		if sess.lastHeartbeat.Before(deadline) {
			expired = append(expired, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range expired {
		s.logger.Warn("worker heartbeat expired", "worker", sess.id)
		// Closing unblocks the reader, which runs the disconnect path and
		// requeues any in-flight task.
		sess.close()
	}
}

func (s *Scheduler) logStatus() {
	s.mu.Lock()
	workers := len(s.sessions)
	queued := s.queue.Len()
	heldCount := len(s.held)
	active, failed := 0, 0
	for _, scan := range s.scans {
		switch scan.state {
		case model.ScanActive:
			active++
		case model.ScanFailed:
			failed++
		}
	}
	s.mu.Unlock()

	s.logger.Info("scheduler status",
		"online_workers", workers,
		"queued_tasks", queued,
		"held_tasks", heldCount,
		"active_scans", active,
		"failed_scans", failed,
	)
}

func (s *Scheduler) closeAllSessions() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.close()
	}
}
