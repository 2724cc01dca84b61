package scheduler

import (
	"sync"
	"time"

	"github.com/oreoslabs/oreowallet-mono/internal/wire"
)

type sessionStatus string

const (
	sessionIdle sessionStatus = "idle"
	sessionBusy sessionStatus = "busy"
)

// session is the scheduler's view of one connected worker: the ordered
// connection, liveness bookkeeping, and the single in-flight task. It is
// purely in-memory and dies with the connection.
type session struct {
	id      string
	conn    wire.Conn
	threads int

	// Guarded by the scheduler mutex.
	status        sessionStatus
	lastHeartbeat time.Time
	lastAssigned  time.Time
	currentTask   string

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(id string, conn wire.Conn, threads int, now time.Time) *session {
	return &session{
		id:            id,
		conn:          conn,
		threads:       threads,
		status:        sessionIdle,
		lastHeartbeat: now,
		done:          make(chan struct{}),
	}
}

// close tears the connection down exactly once. The reader goroutine then
// unblocks and runs the disconnect path.
func (s *session) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
}
