package scheduler

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/oreoslabs/oreowallet-mono/internal/metrics"
	"github.com/oreoslabs/oreowallet-mono/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 20,
	// Workers are trusted processes identified by the auth token, not
	// browsers; origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// WorkerHandler upgrades inbound worker connections and runs the register
// handshake. Mount it on the worker listen address.
func (s *Scheduler) WorkerHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("worker upgrade failed", "remote", r.RemoteAddr, "error", err)
			return
		}
		conn := wire.NewWebsocketConn(ws)
		if err := s.HandleWorker(conn); err != nil {
			s.logger.Warn("worker handshake rejected",
				"remote", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
		}
	})
}

// HandleWorker performs the register handshake on a fresh connection and, on
// success, admits the session and starts its reader. The first frame must be
// a register message carrying the shared auth token.
func (s *Scheduler) HandleWorker(conn wire.Conn) error {
	env, err := conn.Receive()
	if err != nil {
		return fmt.Errorf("read register frame: %w", err)
	}
	if env.Type != wire.MsgRegister {
		return fmt.Errorf("expected register frame, got %q", env.Type)
	}
	reg := env.Register
	if s.cfg.WorkerAuthToken != "" && reg.AuthToken != s.cfg.WorkerAuthToken {
		return fmt.Errorf("worker auth token mismatch")
	}

	id := reg.WorkerID
	if id == "" {
		id = uuid.NewString()
	}

	sess := newSession(id, conn, reg.Threads, s.nowFn())

	s.mu.Lock()
	if old, ok := s.sessions[id]; ok {
		// A restarted worker re-registers under the same ID before the dead
		// connection times out; the replacement wins.
		s.logger.Info("replacing stale session", "worker", id)
		old.close()
		delete(s.sessions, id)
	}
	s.sessions[id] = sess
	metrics.SchedulerConnectedWorkers.Set(float64(len(s.sessions)))
	s.mu.Unlock()

	if err := conn.Send(&wire.Envelope{Type: wire.MsgRegistered}); err != nil {
		s.mu.Lock()
		if current, ok := s.sessions[id]; ok && current == sess {
			delete(s.sessions, id)
			metrics.SchedulerConnectedWorkers.Set(float64(len(s.sessions)))
		}
		s.mu.Unlock()
		return fmt.Errorf("ack register: %w", err)
	}

	s.logger.Info("worker registered",
		"worker", id, "threads", reg.Threads, "remote", conn.RemoteAddr())

	go s.readLoop(sess)

	// A fresh idle worker may immediately pick up queued work.
	s.mu.Lock()
	s.assignLocked()
	s.mu.Unlock()
	return nil
}
