package fieldbus

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/arloliu/go-fieldbus/logger"
)

// ConnState is the lifecycle state of a Connection.
type ConnState uint32

const (
	// DisconnectedState is the initial state, and the state after a failed connect.
	DisconnectedState ConnState = iota
	// ConnectingState indicates the transport is being established.
	ConnectingState
	// HandshakeInProgressState indicates the transport is up and the protocol handshake is running.
	HandshakeInProgressState
	// ReadyState indicates the connection accepts operations.
	ReadyState
	// ClosingState indicates pending work is being failed and the transport torn down.
	ClosingState
	// ClosedState is reached after Close or a transport failure. A fresh Connect is allowed.
	ClosedState
)

func (cs ConnState) String() string {
	switch cs {
	case DisconnectedState:
		return "disconnected"
	case ConnectingState:
		return "connecting"
	case HandshakeInProgressState:
		return "handshake-in-progress"
	case ReadyState:
		return "ready"
	case ClosingState:
		return "closing"
	case ClosedState:
		return "closed"
	default:
		return "unknown"
	}
}

// IsReady returns if the state accepts operations.
func (cs ConnState) IsReady() bool { return cs == ReadyState }

// IsIdle returns if no transport is attached in this state.
func (cs ConnState) IsIdle() bool { return cs == DisconnectedState || cs == ClosedState }

var connTransitions = map[ConnState][]ConnState{
	DisconnectedState:        {ConnectingState},
	ConnectingState:          {HandshakeInProgressState, DisconnectedState},
	HandshakeInProgressState: {ReadyState, DisconnectedState, ClosingState},
	ReadyState:               {ClosingState},
	ClosingState:             {ClosedState, DisconnectedState},
	ClosedState:              {ConnectingState},
}

// ConnStateChangeHandler is invoked synchronously after each state change.
//
// Note: the handler runs while the state manager lock is held; it must not call
// back into the state manager.
type ConnStateChangeHandler func(prevState ConnState, newState ConnState)

// ConnStateMgr tracks the lifecycle state of a connection and enforces the allowed transitions.
//
// It is safe for concurrent use.
type ConnStateMgr struct {
	mu       sync.Mutex
	cond     *sync.Cond
	state    atomic.Uint32
	logger   logger.Logger
	handlers []ConnStateChangeHandler
}

// NewConnStateMgr creates a ConnStateMgr in DisconnectedState.
func NewConnStateMgr(l logger.Logger, handlers ...ConnStateChangeHandler) *ConnStateMgr {
	if l == nil {
		l = logger.GetLogger()
	}

	mgr := &ConnStateMgr{logger: l}
	mgr.cond = sync.NewCond(&mgr.mu)
	mgr.state.Store(uint32(DisconnectedState))
	mgr.handlers = append(mgr.handlers, handlers...)

	return mgr
}

// State returns the current connection state.
func (cs *ConnStateMgr) State() ConnState {
	return ConnState(cs.state.Load())
}

// IsReady returns if the current state is ReadyState.
func (cs *ConnStateMgr) IsReady() bool {
	return cs.State().IsReady()
}

// AddHandler adds one or more ConnStateChangeHandler functions to be invoked on state changes.
func (cs *ConnStateMgr) AddHandler(handlers ...ConnStateChangeHandler) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	cs.handlers = append(cs.handlers, handlers...)
}

// To transitions the state to next.
//
// A transition to the current state is a no-op. It returns ErrInvalidTransition when
// next is not reachable from the current state.
func (cs *ConnStateMgr) To(next ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	return cs.toLocked(next)
}

// ToFrom transitions to next only when the current state is one of from.
// It reports whether the transition happened.
func (cs *ConnStateMgr) ToFrom(next ConnState, from ...ConnState) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if !slices.Contains(from, cs.State()) {
		return false
	}

	return cs.toLocked(next) == nil
}

func (cs *ConnStateMgr) toLocked(next ConnState) error {
	cur := cs.State()
	if cur == next {
		return nil
	}

	if !slices.Contains(connTransitions[cur], next) {
		cs.logger.Debug("reject connection state transition", "method", "To", "cur_state", cur, "next_state", next)
		return ErrInvalidTransition
	}

	cs.state.Store(uint32(next))
	cs.cond.Broadcast()

	for _, handler := range cs.handlers {
		if handler != nil {
			handler(cur, next)
		}
	}

	return nil
}

// WaitState waits for the connection state to reach state or until ctx is done.
func (cs *ConnStateMgr) WaitState(ctx context.Context, state ConnState) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.State() == state {
		return nil
	}

	stop := context.AfterFunc(ctx, func() {
		cs.mu.Lock()
		defer cs.mu.Unlock()
		cs.cond.Broadcast()
	})
	defer stop()

	for cs.State() != state {
		if err := ctx.Err(); err != nil {
			cs.logger.Debug("wait connection state canceled", "cur_state", cs.State(), "desired_state", state)
			return err
		}
		cs.cond.Wait()
	}

	return nil
}
