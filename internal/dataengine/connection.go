package dataengine

import (
	"sync"

	"go.uber.org/zap"
)

// ConnState is the lifecycle of one external connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateFailed:
		return "FAILED"
	}
	return "UNKNOWN"
}

// maxReconnectFailures is the consecutive-failure budget before a connection
// is declared FAILED and reported critically.
const maxReconnectFailures = 5

// connTracker drives the per-connection state machine. Stream callbacks feed
// it; onFailed fires exactly once when the failure budget is exhausted.
type connTracker struct {
	mu       sync.Mutex
	name     string
	userID   string
	state    ConnState
	failures int
	log      *zap.Logger
	onFailed func(userID, conn string, failures int)
}

func newConnTracker(userID, name string, log *zap.Logger, onFailed func(userID, conn string, failures int)) *connTracker {
	if log == nil {
		log = zap.NewNop()
	}
	return &connTracker{
		name:     name,
		userID:   userID,
		state:    StateDisconnected,
		log:      log,
		onFailed: onFailed,
	}
}

func (t *connTracker) connecting() {
	t.transition(StateConnecting)
}

// connected resets the failure budget.
func (t *connTracker) connected() {
	t.mu.Lock()
	t.failures = 0
	t.mu.Unlock()
	t.transition(StateConnected)
}

// dropped records a failure and either moves to RECONNECTING or, after the
// budget is spent, to FAILED.
func (t *connTracker) dropped(reason string) {
	t.mu.Lock()
	t.failures++
	failures := t.failures
	terminal := failures >= maxReconnectFailures && t.state != StateFailed
	t.mu.Unlock()

	if terminal {
		t.transition(StateFailed)
		t.log.Error("connection failed permanently",
			zap.String("user", t.userID), zap.String("conn", t.name),
			zap.Int("consecutive_failures", failures), zap.String("reason", reason))
		if t.onFailed != nil {
			t.onFailed(t.userID, t.name, failures)
		}
		return
	}
	t.transition(StateReconnecting)
	t.log.Warn("connection dropped",
		zap.String("user", t.userID), zap.String("conn", t.name),
		zap.Int("consecutive_failures", failures), zap.String("reason", reason))
}

func (t *connTracker) transition(next ConnState) {
	t.mu.Lock()
	prev := t.state
	t.state = next
	t.mu.Unlock()
	if prev != next {
		t.log.Debug("connection state",
			zap.String("user", t.userID), zap.String("conn", t.name),
			zap.String("from", prev.String()), zap.String("to", next.String()))
	}
}

func (t *connTracker) current() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
