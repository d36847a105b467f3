package fieldbus

import (
	"context"
	"errors"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arloliu/go-fieldbus/internal/pool"
	"github.com/arloliu/go-fieldbus/logger"
)

// Connection is the user facing handle of one device connection.
//
// All protocol state of a connected session is owned by a single reactor goroutine; the
// methods of Connection only validate their input and post commands to it, so they are
// safe for concurrent use. Operations return a Future resolved exactly once, with the
// result, an error, or ErrTimeout at the request deadline.
//
//	conn, err := fieldbus.NewConnection(ctx, "eip://10.0.0.5", eip.NewDriver())
//	if err != nil { ... }
//	if err := conn.Connect(ctx); err != nil { ... }
//	defer conn.Close()
//
//	fut, err := conn.Read(fieldbus.TagRequest{Name: "speed", Address: "Motor.Speed:REAL"})
//	result, err := fut.Await(ctx)
type Connection struct {
	cfg        *ConnectionConfig
	connStr    *ConnectionString
	driver     Driver
	logger     logger.Logger
	stateMgr   *ConnStateMgr
	taskMgr    *TaskManager
	dispatcher *SubscriptionDispatcher
	metrics    ConnectionMetrics

	// connMu serializes Connect and Close.
	connMu  sync.Mutex
	session atomic.Pointer[session]
}

// NewConnection parses connString, checks it against driver and returns a disconnected
// Connection. Parameters in the connection string override opts.
func NewConnection(ctx context.Context, connString string, driver Driver, opts ...ConnOption) (*Connection, error) {
	if driver == nil {
		return nil, ErrDriverNil
	}

	cs, err := ParseConnectionString(connString)
	if err != nil {
		return nil, err
	}
	if cs.Protocol != driver.Protocol() {
		return nil, fmt.Errorf("%w: %q, driver serves %q", ErrUnknownProtocol, cs.Protocol, driver.Protocol())
	}
	if cs.Transport == "" {
		cs.Transport = driver.DefaultTransport()
	}
	if cs.Port == 0 {
		cs.Port = driver.DefaultPort()
	}

	csOpts, err := cs.options()
	if err != nil {
		return nil, err
	}
	cfg, err := NewConnectionConfig(slices.Concat(opts, csOpts)...)
	if err != nil {
		return nil, err
	}

	l := cfg.logger.With("conn", cs.String())

	// reject protocol parameters before the first connect attempt
	if _, err := driver.NewLogic(cs, l); err != nil {
		return nil, err
	}

	c := &Connection{
		cfg:     cfg,
		connStr: cs,
		driver:  driver,
		logger:  l,
	}
	c.stateMgr = NewConnStateMgr(l)
	c.taskMgr = NewTaskManager(ctx, l)
	c.dispatcher = NewSubscriptionDispatcher(c.offload, l, &c.metrics)

	return c, nil
}

// ConnectionString returns the parsed connection string, with driver defaults filled in.
func (c *Connection) ConnectionString() *ConnectionString { return c.connStr }

// State returns the current connection state.
func (c *Connection) State() ConnState { return c.stateMgr.State() }

// AddStateChangeHandler adds handlers called synchronously on every state transition.
func (c *Connection) AddStateChangeHandler(handlers ...ConnStateChangeHandler) {
	c.stateMgr.AddHandler(handlers...)
}

// Metrics returns the live counters of the connection.
func (c *Connection) Metrics() *ConnectionMetrics { return &c.metrics }

// Connect opens the transport and runs the protocol handshake.
//
// It returns nil when the connection is already ready. On handshake failure the
// connection returns to DisconnectedState and the error matches ErrHandshakeFailed.
func (c *Connection) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.stateMgr.IsReady() {
		return nil
	}
	if !c.stateMgr.ToFrom(ConnectingState, DisconnectedState, ClosedState) {
		return fmt.Errorf("connect in state %s: %w", c.stateMgr.State(), ErrInvalidTransition)
	}

	err := c.connect(ctx)
	if err != nil {
		c.metrics.incConnectErrCount()
		c.logger.Warn("connect failed", "method", "Connect", "error", err)

		return err
	}
	c.metrics.incConnectCount()
	c.logger.Info("connection ready", "method", "Connect")

	return nil
}

func (c *Connection) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.connectTimeout)
	defer cancel()

	logic, err := c.driver.NewLogic(c.connStr, c.logger)
	if err != nil {
		_ = c.stateMgr.To(DisconnectedState)
		return err
	}

	netConn, err := c.cfg.transport.Dial(ctx, c.connStr.Transport, c.connStr.Address())
	if err != nil {
		_ = c.stateMgr.To(DisconnectedState)
		if !errors.Is(err, ErrTransport) {
			err = &TransportError{Op: "dial", Err: err}
		}

		return err
	}

	s := c.newSession(netConn, logic)
	c.session.Store(s)

	if err := c.startTasks(s); err != nil {
		c.teardown(s, DisconnectedState, err, false)
		return err
	}

	if err := c.stateMgr.To(HandshakeInProgressState); err != nil {
		c.teardown(s, DisconnectedState, err, false)
		return err
	}

	handshake := NewFuture[struct{}]()
	err = s.post(func() {
		done := newCompletion(handshake, nil, s.offload)
		done.timer = c.cfg.clock.AfterFunc(c.cfg.connectTimeout, func() {
			_ = s.post(func() { done.Fail(ErrTimeout) })
		})
		c.callLogic("OnConnect", func() { s.logic.OnConnect(s.cc, done) }, done.Fail)
	})
	if err == nil {
		_, err = handshake.Await(ctx)
	}
	if err != nil {
		if !errors.Is(err, ErrHandshakeFailed) {
			err = &HandshakeError{Err: err}
		}
		c.teardown(s, DisconnectedState, err, false)

		return err
	}

	if err := c.stateMgr.To(ReadyState); err != nil {
		// a transport error raced the handshake
		c.teardown(s, DisconnectedState, err, false)
		return err
	}

	return nil
}

// Close sends the protocol teardown frames, fails every pending and queued operation with
// ErrConnectionClosed, and releases the transport. Closing an idle connection is a no-op.
func (c *Connection) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	s := c.session.Load()
	if s == nil {
		return nil
	}
	if c.stateMgr.State().IsIdle() {
		// torn down after a transport error, wait for the goroutines anyway
		<-s.tornDown
		return nil
	}

	c.teardown(s, ClosedState, ErrConnectionClosed, true)

	return nil
}

// Read reads tags in one operation. Every address is parsed before anything is sent;
// an invalid address fails the call synchronously with an *AddressError.
//
// Per tag failures are reported in the TagResult of the tag; the future itself fails only
// when the whole operation does.
func (c *Connection) Read(tags ...TagRequest) (*Future[ReadResult], error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}
	if len(tags) == 0 {
		return nil, ErrEmptyRequest
	}

	items := make([]ReadTag, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, req := range tags {
		name, tag, err := c.parseRequest(s, seen, req.Name, req.Address)
		if err != nil {
			return nil, err
		}
		items = append(items, ReadTag{Name: name, Tag: tag})
	}

	return submit(c, s, "Read", func(cc *ConversationContext, done *Completion[ReadResult]) {
		s.logic.Read(cc, items, done)
	})
}

// Write writes values in one operation, with the same contract as Read.
func (c *Connection) Write(values ...WriteRequest) (*Future[WriteResult], error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, ErrEmptyRequest
	}

	items := make([]WriteTag, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, req := range values {
		name, tag, err := c.parseRequest(s, seen, req.Name, req.Address)
		if err != nil {
			return nil, err
		}
		items = append(items, WriteTag{Name: name, Tag: tag, Value: req.Value})
	}

	return submit(c, s, "Write", func(cc *ConversationContext, done *Completion[WriteResult]) {
		s.logic.Write(cc, items, done)
	})
}

// Subscribe creates server side subscriptions. Protocols without subscriptions resolve
// the future with ErrNotSupported.
func (c *Connection) Subscribe(req SubscriptionRequest) (*Future[SubscribeResult], error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}
	if len(req.Tags) == 0 {
		return nil, ErrEmptyRequest
	}

	items := make([]SubscribeTag, 0, len(req.Tags))
	seen := make(map[string]struct{}, len(req.Tags))
	for _, t := range req.Tags {
		name, tag, err := c.parseRequest(s, seen, t.Name, t.Address)
		if err != nil {
			return nil, err
		}
		items = append(items, SubscribeTag{Name: name, Tag: tag, Mode: req.Mode, Interval: req.Interval})
	}

	return submit(c, s, "Subscribe", func(cc *ConversationContext, done *Completion[SubscribeResult]) {
		s.logic.Subscribe(cc, items, done)
	})
}

// Unsubscribe removes server side subscriptions. The handles are detached from every
// registration immediately, before the device acknowledges.
func (c *Connection) Unsubscribe(handles ...SubscriptionHandle) (*Future[struct{}], error) {
	s, err := c.readySession()
	if err != nil {
		return nil, err
	}
	if len(handles) == 0 {
		return nil, ErrEmptyRequest
	}

	handles = slices.Clone(handles)

	return submit(c, s, "Unsubscribe", func(cc *ConversationContext, done *Completion[struct{}]) {
		c.dispatcher.Invalidate(handles...)
		s.logic.Unsubscribe(cc, handles, done)
	})
}

// Register binds consumer to notifications of handles.
func (c *Connection) Register(handles []SubscriptionHandle, consumer Consumer) *Registration {
	return c.dispatcher.Register(handles, consumer)
}

// Unregister removes a registration.
func (c *Connection) Unregister(reg *Registration) {
	c.dispatcher.Unregister(reg)
}

func (c *Connection) readySession() (*session, error) {
	if !c.stateMgr.IsReady() {
		return nil, fmt.Errorf("%w: state %s", ErrNotConnected, c.stateMgr.State())
	}

	s := c.session.Load()
	if s == nil {
		return nil, ErrNotConnected
	}

	return s, nil
}

func (c *Connection) parseRequest(s *session, seen map[string]struct{}, name string, address string) (string, Tag, error) {
	tag, err := s.logic.ParseTag(address)
	if err != nil {
		return "", nil, err
	}

	if name == "" {
		name = address
	}
	if _, dup := seen[name]; dup {
		return "", nil, fmt.Errorf("duplicate tag name %q: %w", name, ErrAddress)
	}
	seen[name] = struct{}{}

	return name, tag, nil
}

// submit posts an operation to the reactor. The reactor opens a transaction, arms the
// operation deadline and runs the protocol logic once the transaction is admitted.
func submit[T any](c *Connection, s *session, op string, run func(*ConversationContext, *Completion[T])) (*Future[T], error) {
	fut := NewFuture[T]()
	c.metrics.incRequestCount()

	err := s.post(func() {
		tx := s.txMgr.StartRequest()
		done := newCompletion(fut, tx, s.offload)
		done.onFail = c.metrics.incRequestErrCount
		done.onRelease = s.updateGauges
		tx.OnCancel(done.Fail)

		tx.Submit(func() {
			id := tx.ID()
			done.timer = c.cfg.clock.AfterFunc(c.cfg.requestTimeout, func() {
				_ = s.post(func() {
					if !done.Done() {
						c.logger.Warn("operation deadline exceeded", "op", op, "tx", id)
					}
					done.Fail(fmt.Errorf("%s: %w", op, ErrTimeout))
				})
			})
			c.callLogic(op, func() { run(s.cc, done) }, done.Fail)
		})
		s.updateGauges()
	})
	if err != nil {
		c.metrics.incRequestErrCount()
		return nil, err
	}

	return fut, nil
}

// callLogic runs fn, converting a panic of the protocol logic into fail.
func (c *Connection) callLogic(op string, fn func(), fail func(error)) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("panic in protocol logic", "op", op, "panic", r)
			fail(fmt.Errorf("%s: protocol logic panic: %v", op, r))
		}
	}()

	fn()
}

// offload runs fn on the worker pool of the current session.
func (c *Connection) offload(fn func()) {
	if s := c.session.Load(); s != nil {
		s.offload(fn)
		return
	}

	go safeRun(c.logger, fn)
}

func (c *Connection) newSession(netConn net.Conn, logic ProtocolLogic) *session {
	limit := logic.MaxInflight()
	if c.cfg.maxInflight > 0 {
		limit = c.cfg.maxInflight
	}

	s := &session{
		conn:        netConn,
		logic:       logic,
		logger:      c.logger,
		metrics:     &c.metrics,
		cmdChan:     make(chan func(), c.cfg.commandQueueSize),
		senderChan:  make(chan outbound, c.cfg.senderQueueSize),
		jobChan:     make(chan func(), c.cfg.workerQueueSize),
		tornDown:    make(chan struct{}),
		postTimeout: c.cfg.requestTimeout,
		txMgr:       NewTransactionManager(limit, c.logger),
	}
	s.cc = NewConversationContext(ConversationConfig{
		Codec:          logic.Codec(),
		Clock:          c.cfg.clock,
		Logger:         c.logger,
		DefaultTimeout: c.cfg.requestTimeout,
		Send:           s.send,
		Post:           func(fn func()) { _ = s.post(fn) },
		Offload:        s.offload,
		FirstID:        correlationSeed(),
		Metrics:        &c.metrics,
	})
	s.reader = NewFrameReader(netConn, logic.Codec(), c.logger, &c.metrics)

	return s
}

func (c *Connection) startTasks(s *session) error {
	if err := c.taskMgr.Start("reactor", c.reactorTask(s), nil); err != nil {
		return err
	}
	if err := c.taskMgr.Start("sender", c.senderTask(s), nil); err != nil {
		return err
	}
	if err := c.taskMgr.Start("receiver", c.receiverTask(s), nil); err != nil {
		return err
	}

	return c.taskMgr.StartWorkers("worker", c.cfg.workerPoolSize, s.jobChan)
}

func (c *Connection) reactorTask(s *session) TaskFunc {
	return func(ctx context.Context) bool {
		select {
		case <-ctx.Done():
			return false
		case cmd := <-s.cmdChan:
			s.run(cmd)
			return true
		}
	}
}

func (c *Connection) senderTask(s *session) TaskFunc {
	return func(ctx context.Context) bool {
		select {
		case <-ctx.Done():
			return false

		case out := <-s.senderChan:
			if out.flushed != nil {
				close(out.flushed)
				return true
			}

			_ = s.conn.SetWriteDeadline(time.Now().Add(c.cfg.requestTimeout))
			if _, err := s.conn.Write(out.data); err != nil {
				c.logger.Debug("failed to write frame", "method", "senderTask", "error", err)
				c.raiseTransportError(s, &TransportError{Op: "write", Err: err})

				return false
			}

			return true
		}
	}
}

func (c *Connection) receiverTask(s *session) TaskFunc {
	return func(ctx context.Context) bool {
		msg, err := s.reader.Next()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Debug("failed to read frame", "method", "receiverTask", "error", err)
				c.raiseTransportError(s, &TransportError{Op: "read", Err: err})
			}

			return false
		}

		if err := s.post(func() { c.onInbound(s, msg) }); err != nil {
			c.logger.Warn("drop inbound message", "method", "receiverTask", "msg", msg, "error", err)
			return !errors.Is(err, ErrConnectionClosed)
		}

		return true
	}
}

// onInbound routes a message on the reactor: to a pending conversation first, then to the
// subscription dispatcher, else it is dropped.
func (c *Connection) onInbound(s *session, msg Message) {
	if s.cc.Offer(msg) {
		return
	}

	if notifications, ok := s.logic.HandleUnsolicited(msg); ok {
		if n := c.dispatcher.Dispatch(notifications); n == 0 {
			c.logger.Debug("notification without consumer", "method", "onInbound", "msg", msg)
		}

		return
	}

	c.metrics.incUnmatchedCount()
	c.logger.Debug("drop unmatched message", "method", "onInbound", "msg", msg)
}

// raiseTransportError fails the session on the reactor and tears it down in the background.
func (c *Connection) raiseTransportError(s *session, err error) {
	_ = s.post(func() {
		if s.failed {
			return
		}
		s.failed = true

		c.logger.Error("transport failure", "error", err)
		s.txMgr.Close(err)
		s.cc.FailAll(err)
		s.updateGauges()

		go c.teardown(s, ClosedState, err, false)
	})
}

// teardown stops the goroutines of s and resolves everything it still holds with cause.
// Concurrent callers wait for the first one to finish.
func (c *Connection) teardown(s *session, final ConnState, cause error, graceful bool) {
	s.teardownOnce.Do(func() {
		defer close(s.tornDown)

		if final == ClosedState {
			_ = c.stateMgr.To(ClosingState)
		}
		if graceful {
			c.drainGracefully(s)
		}

		s.stop()
		c.taskMgr.Stop()
		_ = s.conn.Close()
		if !c.taskMgr.WaitTimeout(c.cfg.closeTimeout) {
			c.logger.Error("session goroutines still running after close", "method", "teardown")
		}

		// the reactor is gone, leftover commands run here against the closed state
		s.txMgr.Close(cause)
		s.cc.FailAll(cause)
		s.drain()
		s.updateGauges()

		c.dispatcher.Clear()
		_ = c.stateMgr.To(final)
		c.logger.Debug("session torn down", "method", "teardown", "state", final, "cause", cause)
	})

	<-s.tornDown
}

// drainGracefully runs the protocol teardown on the reactor and waits until the sender has
// written everything queued before it, bounded by the close timeout.
func (c *Connection) drainGracefully(s *session) {
	flushed := make(chan struct{})
	err := s.post(func() {
		c.callLogic("OnDisconnect", func() { s.logic.OnDisconnect(s.cc) }, func(error) {})
		// queued work must not be admitted by the conversations failing below
		s.txMgr.Close(ErrConnectionClosed)
		s.cc.FailAll(ErrConnectionClosed)
		s.updateGauges()

		select {
		case s.senderChan <- outbound{flushed: flushed}:
		default:
			close(flushed)
		}
	})
	if err != nil {
		return
	}

	timer := pool.GetTimer(c.cfg.closeTimeout)
	defer pool.PutTimer(timer)

	select {
	case <-flushed:
	case <-timer.C:
		c.logger.Warn("close flush timeout", "method", "Close", "timeout", c.cfg.closeTimeout)
	}
}

type outbound struct {
	data []byte
	// flushed, when not nil, marks a flush request instead of a frame.
	flushed chan struct{}
}

// session is the state of one connected transport; Connect creates a fresh one.
type session struct {
	conn    net.Conn
	logic   ProtocolLogic
	reader  *FrameReader
	cc      *ConversationContext
	txMgr   *TransactionManager
	logger  logger.Logger
	metrics *ConnectionMetrics

	cmdChan     chan func()
	senderChan  chan outbound
	jobChan     chan func()
	postTimeout time.Duration

	// postMu guards stopped against posts racing the final drain.
	postMu  sync.RWMutex
	stopped bool

	// failed is reactor owned.
	failed bool

	teardownOnce sync.Once
	tornDown     chan struct{}
}

// post schedules fn on the reactor. It waits up to the post timeout for queue space and
// fails with ErrConnectionClosed once the session is stopped.
func (s *session) post(fn func()) error {
	s.postMu.RLock()
	defer s.postMu.RUnlock()

	if s.stopped {
		return ErrConnectionClosed
	}

	select {
	case s.cmdChan <- fn:
		return nil
	default:
	}

	timer := pool.GetTimer(s.postTimeout)
	defer pool.PutTimer(timer)

	select {
	case s.cmdChan <- fn:
		return nil
	case <-timer.C:
		s.logger.Error("reactor command queue full", "method", "post", "timeout", s.postTimeout)
		return ErrQueueFull
	}
}

// send queues a frame for the sender without blocking the reactor.
func (s *session) send(data []byte) error {
	select {
	case s.senderChan <- outbound{data: data}:
		return nil
	default:
		return fmt.Errorf("sender queue: %w", ErrQueueFull)
	}
}

// offload hands fn to the worker pool, or to a fresh goroutine when the pool is saturated
// or already stopped.
func (s *session) offload(fn func()) {
	s.postMu.RLock()
	defer s.postMu.RUnlock()

	if !s.stopped {
		select {
		case s.jobChan <- fn:
			return
		default:
		}
	}

	go safeRun(s.logger, fn)
}

func (s *session) run(cmd func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in reactor command", "panic", r)
		}
	}()

	cmd()
}

func (s *session) stop() {
	s.postMu.Lock()
	s.stopped = true
	s.postMu.Unlock()
}

// drain runs the commands left in the reactor queue and hands pending jobs to goroutines.
// It must only be called after the reactor and workers have exited.
func (s *session) drain() {
	for {
		select {
		case cmd := <-s.cmdChan:
			s.run(cmd)
		default:
			for {
				select {
				case job := <-s.jobChan:
					go safeRun(s.logger, job)
				default:
					return
				}
			}
		}
	}
}

func (s *session) updateGauges() {
	s.metrics.setTransactionGauges(s.txMgr.Inflight(), s.txMgr.Queued())
}

func safeRun(l logger.Logger, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.Error("panic in job", "panic", r)
		}
	}()

	fn()
}
