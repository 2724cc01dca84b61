// Package retry classifies errors as transient or terminal and builds the
// bounded backoff policies used at the commit step.
package retry

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oreoslabs/oreowallet-mono/internal/scanerr"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

func Classify(err error) Decision {
	if err == nil {
		return Decision{Class: ClassTerminal, Reason: "nil_error"}
	}

	switch {
	case errors.Is(err, scanerr.ErrStoreUnavailable):
		return Decision{Class: ClassTransient, Reason: "store_unavailable"}
	case errors.Is(err, scanerr.ErrNotYetIngested):
		return Decision{Class: ClassTransient, Reason: "not_yet_ingested"}
	case errors.Is(err, scanerr.ErrWorkerLost):
		return Decision{Class: ClassTransient, Reason: "worker_lost"}
	case errors.Is(err, scanerr.ErrConflict):
		return Decision{Class: ClassTerminal, Reason: "head_conflict"}
	case errors.Is(err, scanerr.ErrUnknownAccount):
		return Decision{Class: ClassTerminal, Reason: "unknown_account"}
	case errors.Is(err, context.Canceled):
		return Decision{Class: ClassTerminal, Reason: "context_canceled"}
	case errors.Is(err, context.DeadlineExceeded):
		return Decision{Class: ClassTransient, Reason: "context_deadline_exceeded"}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Decision{Class: ClassTransient, Reason: "net_timeout"}
	}

	lower := strings.ToLower(err.Error())
	if containsAny(lower, terminalMessageTokens) {
		return Decision{Class: ClassTerminal, Reason: "message_terminal"}
	}
	if containsAny(lower, transientMessageTokens) {
		return Decision{Class: ClassTransient, Reason: "message_transient"}
	}

	return Decision{Class: ClassTerminal, Reason: "unknown_terminal_default"}
}

// CommitBackoff is the policy for registry commit retries: exponential with
// jitter, bounded by maxElapsed, after which the scan is marked failed.
func CommitBackoff(ctx context.Context, maxElapsed time.Duration) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 200 * time.Millisecond
	policy.MaxInterval = 10 * time.Second
	policy.MaxElapsedTime = maxElapsed
	return backoff.WithContext(policy, ctx)
}

func containsAny(msg string, tokens []string) bool {
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"econnreset",
	"econnrefused",
	"too many requests",
	"i/o error",
}

var terminalMessageTokens = []string{
	"invalid argument",
	"invalid range",
	"malformed",
	"parse error",
	"not found",
	"constraint violation",
}
