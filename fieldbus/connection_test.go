package fieldbus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldbus/plcvalue"
)

func TestNewConnection(t *testing.T) {
	tests := []struct {
		name      string
		connStr   string
		driver    Driver
		expectErr error
	}{
		{name: "nil driver", connStr: "loop://device", driver: nil, expectErr: ErrDriverNil},
		{name: "malformed", connStr: "loop", driver: &loopDriver{}, expectErr: ErrInvalidConnString},
		{name: "protocol mismatch", connStr: "eip://device", driver: &loopDriver{}, expectErr: ErrUnknownProtocol},
		{name: "unknown parameter", connStr: "loop://device?color=red", driver: &loopDriver{}, expectErr: ErrInvalidConnString},
		{name: "engine parameters", connStr: "loop:tcp://device:9100?request-timeout=2s&max-requests=4", driver: &loopDriver{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)

			conn, err := NewConnection(context.Background(), tt.connStr, tt.driver)
			if tt.expectErr != nil {
				require.ErrorIs(err, tt.expectErr)
				return
			}

			require.NoError(err)
			require.Equal(DisconnectedState, conn.State())
			require.Equal(2*time.Second, conn.cfg.RequestTimeout())
			require.Equal(4, conn.cfg.MaxInflight())
			require.Equal("device:9100", conn.ConnectionString().Address())
		})
	}
}

func TestConnection_DefaultsFromDriver(t *testing.T) {
	require := require.New(t)

	conn, err := NewConnection(context.Background(), "LOOP://device", &loopDriver{})
	require.NoError(err)
	require.Equal("tcp", conn.ConnectionString().Transport)
	require.Equal(9000, conn.ConnectionString().Port)
}

func TestConnection_Read(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	h.values["speed"] = "1500"
	h.values["temp"] = "21.5"

	var states []ConnState
	h.conn.AddStateChangeHandler(func(_ ConnState, next ConnState) { states = append(states, next) })

	h.connect(t)
	require.Equal(ReadyState, h.conn.State())
	require.Equal([]ConnState{ConnectingState, HandshakeInProgressState, ReadyState}, states)

	fut, err := h.conn.Read(
		TagRequest{Name: "speed", Address: "speed"},
		TagRequest{Address: "temp"},
		TagRequest{Name: "missing", Address: "nope"},
	)
	require.NoError(err)

	result, err := awaitFuture(t, fut)
	require.NoError(err)
	require.Len(result, 3)
	require.True(result["speed"].OK())
	require.True(plcvalue.String("1500").Equal(result["speed"].Value))
	require.True(plcvalue.String("21.5").Equal(result["temp"].Value))
	require.Equal(ResponseNotFound, result["missing"].Code)
	require.ErrorIs(result["missing"].Err, ErrProtocolStatus)

	m := h.conn.Metrics()
	require.Equal(uint64(1), m.ConnectCount.Load())
	require.Equal(uint64(1), m.RequestCount.Load())
	require.Equal(uint64(0), m.RequestErrCount.Load())
	require.GreaterOrEqual(m.MatchedCount.Load(), uint64(2))
}

func TestConnection_SynchronousErrors(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})

	_, err := h.conn.Read(TagRequest{Address: "speed"})
	require.ErrorIs(err, ErrNotConnected)

	dev := h.connect(t)

	_, err = h.conn.Read()
	require.ErrorIs(err, ErrEmptyRequest)

	_, err = h.conn.Read(TagRequest{Address: "speed"}, TagRequest{Address: "bad address"})
	require.ErrorIs(err, ErrAddress)

	_, err = h.conn.Read(TagRequest{Name: "a", Address: "x"}, TagRequest{Name: "a", Address: "y"})
	require.ErrorIs(err, ErrAddress)

	// nothing reached the device and no transaction was opened
	require.NotContains(dev.drainKinds(), byte('Q'))
	require.Equal(uint64(0), h.conn.Metrics().RequestCount.Load())
}

func TestConnection_Write(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	dev := h.connect(t)

	fut, err := h.conn.Write(
		WriteRequest{Name: "setpoint", Address: "setpoint", Value: plcvalue.Int32(42)},
		WriteRequest{Name: "locked", Address: "ro_limit", Value: plcvalue.Bool(true)},
	)
	require.NoError(err)

	result, err := awaitFuture(t, fut)
	require.NoError(err)
	require.Equal(ResponseOK, result["setpoint"].Code)
	require.Equal(ResponseAccessDenied, result["locked"].Code)

	req := dev.waitRequest(t, 'W')
	require.Equal("setpoint=42,ro_limit=true", string(req.Payload))
}

func TestConnection_TimeoutReleasesSlot(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{maxInflight: 1})
	h.values["speed"] = "7"
	h.silent['Q'] = true
	dev := h.connect(t)

	first, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)
	dev.waitRequest(t, 'Q')

	second, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)

	h.clk.Add(h.conn.cfg.RequestTimeout())

	_, err = awaitFuture(t, first)
	require.ErrorIs(err, ErrTimeout)

	// the second read was admitted once the first timed out and is now on the wire
	dev.waitRequest(t, 'Q')
	h.clk.Add(h.conn.cfg.RequestTimeout())

	_, err = awaitFuture(t, second)
	require.ErrorIs(err, ErrTimeout)

	m := h.conn.Metrics()
	require.GreaterOrEqual(m.TimeoutCount.Load(), uint64(2))
	require.Equal(uint64(2), m.RequestErrCount.Load())
	require.Eventually(func() bool { return m.InflightGauge.Load() == 0 }, time.Second, 5*time.Millisecond)
}

func TestConnection_AdmissionLimit(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{maxInflight: 2})
	h.silent['Q'] = true
	dev := h.connect(t)

	futs := make([]*Future[ReadResult], 5)
	for i := range futs {
		fut, err := h.conn.Read(TagRequest{Address: "speed"})
		require.NoError(err)
		futs[i] = fut
	}

	dev.waitRequest(t, 'Q')
	dev.waitRequest(t, 'Q')

	m := h.conn.Metrics()
	require.Eventually(func() bool {
		return m.InflightGauge.Load() == 2 && m.QueuedGauge.Load() == 3
	}, time.Second, 5*time.Millisecond)

	require.NoError(h.conn.Close())
	for _, fut := range futs {
		_, err := awaitFuture(t, fut)
		require.ErrorIs(err, ErrConnectionClosed)
	}

	// queued reads never reached the wire
	require.NotContains(dev.drainKinds(), byte('Q'))
}

func TestConnection_HandshakeFailure(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	h.handshake = 3

	err := h.conn.Connect(context.Background())
	require.ErrorIs(err, ErrHandshakeFailed)

	var hsErr *HandshakeError
	require.ErrorAs(err, &hsErr)
	require.Equal(uint32(3), hsErr.Status)
	require.Equal(DisconnectedState, h.conn.State())
	require.Equal(uint64(1), h.conn.Metrics().ConnectErrCount.Load())

	_, err = h.conn.Read(TagRequest{Address: "speed"})
	require.ErrorIs(err, ErrNotConnected)

	// a fresh connect dials again
	h.handshake = 0
	h.values["speed"] = "1"
	<-h.devices
	h.connect(t)
	require.Equal(2, h.dials)

	fut, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)
	_, err = awaitFuture(t, fut)
	require.NoError(err)
}

func TestConnection_HandshakeTimeout(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{}, WithConnectTimeout(50*time.Millisecond))
	h.silent['H'] = true

	err := h.conn.Connect(context.Background())
	require.ErrorIs(err, ErrHandshakeFailed)
	require.Equal(DisconnectedState, h.conn.State())
}

func TestConnection_TransportError(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{maxInflight: 1})
	h.silent['Q'] = true
	dev := h.connect(t)

	pending, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)
	queued, err := h.conn.Read(TagRequest{Address: "temp"})
	require.NoError(err)
	dev.waitRequest(t, 'Q')

	require.NoError(dev.conn.Close())

	_, err = awaitFuture(t, pending)
	require.ErrorIs(err, ErrTransport)
	_, err = awaitFuture(t, queued)
	require.ErrorIs(err, ErrTransport)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(h.conn.stateMgr.WaitState(ctx, ClosedState))

	_, err = h.conn.Read(TagRequest{Address: "speed"})
	require.ErrorIs(err, ErrNotConnected)

	// closing after a transport failure is a no-op
	require.NoError(h.conn.Close())
}

func TestConnection_Close(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	dev := h.connect(t)

	require.NoError(h.conn.Close())
	require.Equal(ClosedState, h.conn.State())
	dev.waitRequest(t, 'B')

	_, err := h.conn.Read(TagRequest{Address: "speed"})
	require.ErrorIs(err, ErrNotConnected)

	require.NoError(h.conn.Close())
	require.Eventually(func() bool { return h.conn.taskMgr.TaskCount() == 0 }, time.Second, 5*time.Millisecond)

	// a closed connection may connect again
	h.connect(t)
	require.Equal(ReadyState, h.conn.State())
}

func TestConnection_LogicPanic(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{panicOnRead: true})
	h.connect(t)

	fut, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)

	_, err = awaitFuture(t, fut)
	require.ErrorContains(err, "read exploded")
	require.Equal(ReadyState, h.conn.State())
}

func TestConnection_Subscription(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	dev := h.connect(t)

	fut, err := h.conn.Subscribe(SubscriptionRequest{
		Tags:     []TagRequest{{Name: "speed", Address: "speed"}, {Name: "temp", Address: "temp"}},
		Mode:     SubscriptionCyclic,
		Interval: 100 * time.Millisecond,
	})
	require.NoError(err)

	subs, err := awaitFuture(t, fut)
	require.NoError(err)
	require.Len(subs.Handles(), 2)
	speed := subs["speed"].Handle
	require.Equal("speed", speed.TagName)

	events := make(chan Event, 8)
	reg := h.conn.Register([]SubscriptionHandle{speed}, func(ev Event) { events <- ev })
	require.NotNil(reg)

	dev.notify(speed.ID, "99")
	select {
	case ev := <-events:
		require.Equal(reg.ID(), ev.Registration)
		require.Equal(speed, ev.Handle)
		require.True(plcvalue.String("99").Equal(ev.Value))
	case <-time.After(2 * time.Second):
		require.Fail("no event delivered")
	}

	// notifications for other handles are not delivered to this registration
	dev.notify(subs["temp"].Handle.ID, "20")

	unsub, err := h.conn.Unsubscribe(speed)
	require.NoError(err)
	_, err = awaitFuture(t, unsub)
	require.NoError(err)
	require.Equal(0, h.conn.dispatcher.Len())

	// a stale notification is dropped; the read after it orders the check
	dev.notify(speed.ID, "100")
	read, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)
	_, err = awaitFuture(t, read)
	require.NoError(err)

	require.Equal(uint64(1), h.conn.Metrics().NotificationCount.Load())
	require.Empty(events)
}

func TestConnection_UnmatchedMessage(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	dev := h.connect(t)

	dev.send(&loopMsg{Kind: 'R', ID: 12345, Payload: []byte("late")})

	read, err := h.conn.Read(TagRequest{Address: "speed"})
	require.NoError(err)
	_, err = awaitFuture(t, read)
	require.NoError(err)

	require.Equal(uint64(1), h.conn.Metrics().UnmatchedCount.Load())
}

func TestConnection_ConcurrentCallers(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{maxInflight: 3})
	h.values["speed"] = "5"
	h.connect(t)

	const callers = 20
	var okCount atomic.Int32
	done := make(chan struct{})
	for range callers {
		go func() {
			defer func() { done <- struct{}{} }()

			fut, err := h.conn.Read(TagRequest{Address: "speed"})
			if err != nil {
				return
			}
			if _, err := fut.Await(context.Background()); err == nil {
				okCount.Add(1)
			}
		}()
	}
	for range callers {
		<-done
	}

	require.Equal(int32(callers), okCount.Load())
}

func TestConnection_RegisterMetrics(t *testing.T) {
	require := require.New(t)

	h := newLoopHarness(t, &loopDriver{})
	h.connect(t)

	reg := prometheus.NewRegistry()
	require.NoError(h.conn.RegisterMetrics(reg))
	require.Error(h.conn.RegisterMetrics(reg))

	families, err := reg.Gather()
	require.NoError(err)

	names := make(map[string]float64, len(families))
	for _, mf := range families {
		metric := mf.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			names[mf.GetName()] = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			names[mf.GetName()] = metric.GetGauge().GetValue()
		}
		require.Equal("conn", metric.GetLabel()[0].GetName())
		require.Equal("loop://device", metric.GetLabel()[0].GetValue())
	}

	require.Contains(names, "fieldbus_connection_requests_inflight")
	require.Equal(float64(1), names["fieldbus_connection_connects_total"])
}
