package fieldbus

import (
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-fieldbus/logger"
)

// ConversationState is the state of one request/response exchange.
type ConversationState uint8

const (
	// AwaitingMatch is the state of a registered conversation waiting for its response.
	AwaitingMatch ConversationState = iota
	// Matched is reached when an inbound message satisfied every check.
	Matched
	// TimedOut is reached when the deadline passed first.
	TimedOut
	// Errored is reached on serialization, transport or close failures.
	Errored
)

func (s ConversationState) String() string {
	switch s {
	case AwaitingMatch:
		return "awaiting-match"
	case Matched:
		return "matched"
	case TimedOut:
		return "timed-out"
	default:
		return "errored"
	}
}

// conversation is the type-erased entry of the pending table.
type conversation struct {
	id        uint64
	state     ConversationState
	matches   func(Message) bool
	onMatch   func(Message)
	onTimeout func(error)
	onError   func(error)
	timer     *clock.Timer
}

// ConversationConfig wires a ConversationContext to its connection.
type ConversationConfig struct {
	Codec          FrameCodec
	Clock          clock.Clock
	Logger         logger.Logger
	DefaultTimeout time.Duration
	// Send queues serialized bytes for the sender goroutine.
	Send func([]byte) error
	// Post schedules fn on the reactor goroutine; it may be called from any goroutine.
	Post func(fn func())
	// Offload runs fn on the worker pool.
	Offload func(fn func())
	// FirstID seeds correlation ids.
	FirstID uint64
	Metrics *ConnectionMetrics
}

// ConversationContext tracks the outstanding request/response exchanges of one session.
//
// It is owned by the reactor goroutine and must only be used from there, except for the
// deadline timers which re-enter through Post.
type ConversationContext struct {
	cfg     ConversationConfig
	nextID  uint64
	seq     uint64
	pending map[uint64]*conversation
	order   []uint64
	closed  error
}

// NewConversationContext creates a context from cfg. Missing clock, logger and offload
// fall back to the wall clock, the default logger and a plain goroutine.
func NewConversationContext(cfg ConversationConfig) *ConversationContext {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.GetLogger()
	}
	if cfg.Offload == nil {
		cfg.Offload = func(fn func()) { go fn() }
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultRequestTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &ConnectionMetrics{}
	}

	return &ConversationContext{
		cfg:     cfg,
		nextID:  cfg.FirstID,
		pending: make(map[uint64]*conversation),
	}
}

// NextCorrelationID returns a fresh correlation id for an outbound request.
func (cc *ConversationContext) NextCorrelationID() uint64 {
	cc.nextID++
	return cc.nextID
}

// Logger returns the connection logger.
func (cc *ConversationContext) Logger() logger.Logger { return cc.cfg.Logger }

// Clock returns the connection clock.
func (cc *ConversationContext) Clock() clock.Clock { return cc.cfg.Clock }

// DefaultTimeout returns the request timeout applied when a conversation sets none.
func (cc *ConversationContext) DefaultTimeout() time.Duration { return cc.cfg.DefaultTimeout }

// Pending returns the number of conversations awaiting a match.
func (cc *ConversationContext) Pending() int { return len(cc.pending) }

// Offload runs fn on the worker pool.
func (cc *ConversationContext) Offload(fn func()) { cc.cfg.Offload(fn) }

// Send serializes and transmits msg without expecting a response.
func (cc *ConversationContext) Send(msg Message) error {
	if cc.closed != nil {
		return cc.closed
	}

	buf, err := cc.cfg.Codec.Serialize(msg)
	if err != nil {
		return fmt.Errorf("serialize %s: %w", msg, err)
	}

	if err := cc.cfg.Send(buf); err != nil {
		return err
	}
	cc.cfg.Metrics.incFrameSendCount()

	return nil
}

// SendRequest starts building a conversation for msg. Nothing is sent until Handle.
func (cc *ConversationContext) SendRequest(msg Message) *PendingConversation {
	return &PendingConversation{cc: cc, msg: msg, timeout: cc.cfg.DefaultTimeout}
}

// Offer hands an inbound message to the pending conversations in registration order.
// It reports whether a conversation claimed the message.
func (cc *ConversationContext) Offer(msg Message) bool {
	for _, id := range cc.order {
		conv, ok := cc.pending[id]
		if !ok || !conv.matches(msg) {
			continue
		}

		cc.resolve(conv, Matched)
		cc.cfg.Metrics.incMatchedCount()
		conv.onMatch(msg)

		return true
	}

	return false
}

// FailAll resolves every pending conversation as Errored with err and rejects new ones.
func (cc *ConversationContext) FailAll(err error) {
	if cc.closed == nil {
		cc.closed = err
	}

	order := cc.order
	for _, id := range order {
		if conv, ok := cc.pending[id]; ok {
			cc.resolve(conv, Errored)
			conv.onError(err)
		}
	}
}

func (cc *ConversationContext) register(conv *conversation, timeout time.Duration) {
	cc.seq++
	conv.id = cc.seq
	cc.pending[conv.id] = conv
	cc.order = append(cc.order, conv.id)

	id := conv.id
	conv.timer = cc.cfg.Clock.AfterFunc(timeout, func() {
		cc.cfg.Post(func() { cc.expire(id) })
	})
}

func (cc *ConversationContext) expire(id uint64) {
	conv, ok := cc.pending[id]
	if !ok {
		return
	}

	cc.resolve(conv, TimedOut)
	cc.cfg.Metrics.incTimeoutCount()
	conv.onTimeout(ErrTimeout)
}

// resolve performs the single terminal transition of conv and removes it from the table.
func (cc *ConversationContext) resolve(conv *conversation, state ConversationState) {
	conv.state = state
	if conv.timer != nil {
		conv.timer.Stop()
	}

	delete(cc.pending, conv.id)
	for i, id := range cc.order {
		if id == conv.id {
			cc.order = append(cc.order[:i:i], cc.order[i+1:]...)
			break
		}
	}
}

// PendingConversation is an outbound request whose response expectation is being built.
type PendingConversation struct {
	cc      *ConversationContext
	msg     Message
	timeout time.Duration
}

// Expect narrows a pending conversation to responses of message type T.
func Expect[T Message](p *PendingConversation) *TypedConversation[T] {
	return &TypedConversation[T]{p: p, timeout: p.timeout}
}

// TypedConversation holds the checks and continuations of a conversation expecting T.
type TypedConversation[T Message] struct {
	p         *PendingConversation
	checks    []func(T) bool
	timeout   time.Duration
	onTimeout func(error)
	onError   func(error)
}

// Check adds a predicate; all predicates must hold for a message to match.
// Predicates are evaluated in order and stop at the first false one.
func (t *TypedConversation[T]) Check(pred func(T) bool) *TypedConversation[T] {
	t.checks = append(t.checks, pred)
	return t
}

// Timeout overrides the default deadline of the conversation.
func (t *TypedConversation[T]) Timeout(d time.Duration) *TypedConversation[T] {
	if d > 0 {
		t.timeout = d
	}
	return t
}

// OnTimeout sets the continuation run when the deadline passes first.
func (t *TypedConversation[T]) OnTimeout(fn func(error)) *TypedConversation[T] {
	t.onTimeout = fn
	return t
}

// OnError sets the continuation run on serialization, transport or close failures.
func (t *TypedConversation[T]) OnError(fn func(error)) *TypedConversation[T] {
	t.onError = fn
	return t
}

// Handle registers the conversation with its match continuation and transmits the request.
//
// Exactly one of the continuations runs, on the reactor goroutine. When transmission
// fails, the error continuation runs before Handle returns.
func (t *TypedConversation[T]) Handle(onMatch func(T)) {
	cc := t.p.cc
	checks := t.checks

	conv := &conversation{
		matches: func(msg Message) bool {
			typed, ok := msg.(T)
			if !ok {
				return false
			}
			for _, check := range checks {
				if !check(typed) {
					return false
				}
			}
			return true
		},
		onMatch:   func(msg Message) { onMatch(msg.(T)) },
		onTimeout: t.onTimeout,
		onError:   t.onError,
	}
	if conv.onError == nil {
		conv.onError = func(err error) {
			cc.cfg.Logger.Warn("conversation failed", "method", "Handle", "request", t.p.msg, "error", err)
		}
	}
	if conv.onTimeout == nil {
		conv.onTimeout = conv.onError
	}

	if cc.closed != nil {
		conv.state = Errored
		conv.onError(cc.closed)
		return
	}

	buf, err := cc.cfg.Codec.Serialize(t.p.msg)
	if err != nil {
		conv.state = Errored
		conv.onError(fmt.Errorf("serialize %s: %w", t.p.msg, err))
		return
	}

	cc.register(conv, t.timeout)

	if err := cc.cfg.Send(buf); err != nil {
		cc.resolve(conv, Errored)
		conv.onError(err)
		return
	}
	cc.cfg.Metrics.incFrameSendCount()
}
