// Package worker implements the dworker side of the scan protocol: connect,
// register, heartbeat, and trial-decrypt whatever tasks the scheduler pushes.
// Workers hold no durable state; a crash loses at most one in-flight task,
// which the scheduler redelivers.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/oreoslabs/oreowallet-mono/internal/config"
	"github.com/oreoslabs/oreowallet-mono/internal/domain/model"
	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
	"github.com/oreoslabs/oreowallet-mono/internal/wire"
)

type Worker struct {
	cfg    config.WorkerConfig
	logger *slog.Logger

	// dialFn is swapped out by tests for channel-backed connections.
	dialFn func(ctx context.Context) (wire.Conn, error)
}

func New(cfg config.WorkerConfig, logger *slog.Logger) *Worker {
	w := &Worker{
		cfg:    cfg,
		logger: logger.With("component", "worker"),
	}
	w.dialFn = func(ctx context.Context) (wire.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, cfg.SchedulerURL, nil)
		if err != nil {
			return nil, fmt.Errorf("dial scheduler %s: %w", cfg.SchedulerURL, err)
		}
		return wire.NewWebsocketConn(ws), nil
	}
	return w
}

// Run connects to the scheduler and serves tasks until ctx is done,
// reconnecting with a fixed delay after any connection failure.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := w.runSession(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("session ended, reconnecting",
				"error", err, "delay", w.cfg.ReconnectDelay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.cfg.ReconnectDelay):
		}
	}
}

// runSession runs one connection lifetime: register, then serve heartbeats
// and tasks until the connection or ctx dies.
func (w *Worker) runSession(ctx context.Context) error {
	conn, err := w.dialFn(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := w.register(conn); err != nil {
		return err
	}
	w.logger.Info("registered with scheduler",
		"scheduler", w.cfg.SchedulerURL, "threads", w.cfg.Threads)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		// Unblocks the reader.
		conn.Close()
		return ctx.Err()
	})

	g.Go(func() error {
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				err := conn.Send(&wire.Envelope{
					Type:      wire.MsgHeartbeat,
					Heartbeat: &wire.Heartbeat{WorkerID: w.cfg.WorkerID},
				})
				if err != nil {
					return fmt.Errorf("send heartbeat: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		for {
			env, err := conn.Receive()
			if err != nil {
				return fmt.Errorf("read task frame: %w", err)
			}
			if env.Type != wire.MsgTask {
				w.logger.Warn("unexpected frame from scheduler", "type", env.Type)
				continue
			}
			w.serveTask(ctx, conn, env.Task)
		}
	})

	return g.Wait()
}

func (w *Worker) register(conn wire.Conn) error {
	err := conn.Send(&wire.Envelope{
		Type: wire.MsgRegister,
		Register: &wire.Register{
			WorkerID:  w.cfg.WorkerID,
			AuthToken: w.cfg.AuthToken,
			Threads:   w.cfg.Threads,
		},
	})
	if err != nil {
		return fmt.Errorf("send register: %w", err)
	}
	ack, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("await register ack: %w", err)
	}
	if ack.Type != wire.MsgRegistered {
		return fmt.Errorf("expected register ack, got %q", ack.Type)
	}
	return nil
}

// serveTask processes one assignment and replies with a result or an error
// frame. Processing failures never kill the session; the scheduler decides
// whether to redeliver.
func (w *Worker) serveTask(ctx context.Context, conn wire.Conn, task *wire.TaskAssignment) {
	start := time.Now()
	result, err := w.process(ctx, task)
	metrics.WorkerDecryptLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.WorkerTasksProcessed.WithLabelValues("error").Inc()
		w.logger.Error("task failed",
			"task", task.TaskID, "address", task.Address, "error", err)
		sendErr := conn.Send(&wire.Envelope{
			Type:  wire.MsgError,
			Error: &wire.TaskError{TaskID: task.TaskID, Reason: err.Error()},
		})
		if sendErr != nil {
			w.logger.Warn("failed to report task error", "task", task.TaskID, "error", sendErr)
		}
		return
	}

	metrics.WorkerTasksProcessed.WithLabelValues("ok").Inc()
	metrics.WorkerNotesMatched.Add(float64(countNotes(result.Matched)))
	w.logger.Info("task completed",
		"task", task.TaskID,
		"address", task.Address,
		"range_start", task.StartSequence,
		"range_end", task.EndSequence,
		"matched", len(result.Matched),
		"elapsed", time.Since(start),
	)

	err = conn.Send(&wire.Envelope{
		Type:   wire.MsgResult,
		Result: &wire.TaskResult{TaskID: task.TaskID, Result: *result},
	})
	if err != nil {
		w.logger.Warn("failed to send result", "task", task.TaskID, "error", err)
	}
}

// process trial-decrypts the task's block range, fanning blocks out across
// the configured thread count.
func (w *Worker) process(ctx context.Context, task *wire.TaskAssignment) (*model.DecryptionResult, error) {
	if err := validateAssignment(task); err != nil {
		return nil, err
	}
	d, err := newDecrypter(task.IncomingViewKey, task.OutgoingViewKey, task.DecryptForSpender)
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		matched []model.MatchedTransaction
	)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Threads)
	for _, block := range task.Blocks {
		block := block
		g.Go(func() error {
			for _, tx := range block.Transactions {
				m, err := d.scanTransaction(tx, block.Sequence)
				if err != nil {
					return fmt.Errorf("block %d: %w", block.Sequence, err)
				}
				if m != nil {
					mu.Lock()
					matched = append(matched, *m)
					mu.Unlock()
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Sequence != matched[j].Sequence {
			return matched[i].Sequence < matched[j].Sequence
		}
		return matched[i].Hash < matched[j].Hash
	})

	last := task.Blocks[len(task.Blocks)-1]
	return &model.DecryptionResult{
		Address:         task.Address,
		StartSequence:   task.StartSequence,
		NewHeadSequence: last.Sequence,
		NewHeadHash:     last.Hash,
		Matched:         matched,
	}, nil
}

// validateAssignment checks the block payload covers exactly the declared
// range in order. A gap means the scheduler shipped a corrupt assignment and
// the task must not produce a head advance.
func validateAssignment(task *wire.TaskAssignment) error {
	if task.StartSequence > task.EndSequence {
		return fmt.Errorf("invalid range [%d, %d]", task.StartSequence, task.EndSequence)
	}
	want := task.EndSequence - task.StartSequence + 1
	if int64(len(task.Blocks)) != want {
		return fmt.Errorf("expected %d blocks for range [%d, %d], got %d",
			want, task.StartSequence, task.EndSequence, len(task.Blocks))
	}
	for i, block := range task.Blocks {
		if block.Sequence != task.StartSequence+int64(i) {
			return fmt.Errorf("block %d out of order: expected sequence %d, got %d",
				i, task.StartSequence+int64(i), block.Sequence)
		}
	}
	return nil
}

func countNotes(matched []model.MatchedTransaction) int {
	total := 0
	for _, m := range matched {
		total += len(m.Notes)
	}
	return total
}
