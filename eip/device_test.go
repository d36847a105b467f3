package eip

import (
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/logger"
)

func TestMain(m *testing.M) {
	level, _ := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	logger.SetLogger(logger.NewSlog(level, false))

	os.Exit(m.Run())
}

const testSession uint32 = 0x1A2B3C4D

// deviceTag is one tag served by the mock target: its reply type header and element
// bytes, or a non-zero general status.
type deviceTag struct {
	header []byte
	data   []byte
	status byte
	ext    []uint16
}

// mockTarget is the target end of a net.Pipe speaking EtherNet/IP explicit messaging.
type mockTarget struct {
	conn           net.Conn
	registerStatus uint32
	silent         bool

	mu       sync.Mutex
	tags     map[string]deviceTag
	written  map[string][]byte
	requests chan *Encapsulation
}

func newMockTarget(conn net.Conn) *mockTarget {
	return &mockTarget{
		conn:     conn,
		tags:     map[string]deviceTag{},
		written:  map[string][]byte{},
		requests: make(chan *Encapsulation, 64),
	}
}

// setTag serves address with the given type and element bytes.
func (d *mockTarget) setTag(t *testing.T, address string, dt DataType, data []byte) {
	t.Helper()

	tag, err := ParseTag(address)
	require.NoError(t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags[string(EncodePath(tag))] = deviceTag{header: dt.wireHeader(), data: data}
}

// failTag answers requests for address with a general status.
func (d *mockTarget) failTag(t *testing.T, address string, status byte, ext ...uint16) {
	t.Helper()

	tag, err := ParseTag(address)
	require.NoError(t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.tags[string(EncodePath(tag))] = deviceTag{status: status, ext: ext}
}

func (d *mockTarget) writtenData(t *testing.T, address string) []byte {
	t.Helper()

	tag, err := ParseTag(address)
	require.NoError(t, err)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written[string(EncodePath(tag))]
}

func (d *mockTarget) serve() {
	reader := fieldbus.NewFrameReader(d.conn, Codec{}, logger.NewNopMockLogger(), nil)
	for {
		msg, err := reader.Next()
		if err != nil {
			return
		}

		req := msg.(*Encapsulation)
		select {
		case d.requests <- req:
		default:
		}

		if reply := d.reply(req); reply != nil {
			buf, _ := Codec{}.Serialize(reply)
			_, _ = d.conn.Write(buf)
		}
	}
}

func (d *mockTarget) reply(req *Encapsulation) *Encapsulation {
	switch req.Command {
	case CmdRegisterSession:
		reply := &Encapsulation{Command: CmdRegisterSession, Status: d.registerStatus, Context: req.Context, Payload: req.Payload}
		if d.registerStatus == StatusSuccess {
			reply.Session = testSession
		}
		return reply

	case CmdSendRRData:
		if d.silent {
			return nil
		}
		if req.Session != testSession {
			return &Encapsulation{Command: CmdSendRRData, Session: req.Session, Status: StatusInvalidSession, Context: req.Context}
		}

		data := req.Payload.(*CommandData)
		item, _ := data.Item(ItemUnconnectedData)

		return &Encapsulation{
			Command: CmdSendRRData,
			Session: req.Session,
			Context: req.Context,
			Payload: &CommandData{Items: unconnectedItems(d.handle(item.Data))},
		}

	default:
		return nil
	}
}

// handle executes one CIP request and returns the reply.
func (d *mockTarget) handle(raw []byte) []byte {
	svc := Service(raw[0])
	pathLen := int(raw[1]) * 2
	path := raw[2 : 2+pathLen]
	data := raw[2+pathLen:]

	switch svc {
	case SvcReadTag:
		d.mu.Lock()
		tag, ok := d.tags[string(path)]
		d.mu.Unlock()
		if !ok {
			return cipReply(svc, cipPathUnknown, nil)
		}
		if tag.status != cipSuccess {
			return cipReply(svc, tag.status, nil, tag.ext...)
		}
		return cipReply(svc, cipSuccess, append(append([]byte{}, tag.header...), tag.data...))

	case SvcWriteTag:
		d.mu.Lock()
		defer d.mu.Unlock()
		tag, ok := d.tags[string(path)]
		if !ok {
			return cipReply(svc, cipPathUnknown, nil)
		}
		if tag.status != cipSuccess {
			return cipReply(svc, tag.status, nil, tag.ext...)
		}
		d.written[string(path)] = append([]byte{}, data...)
		return cipReply(svc, cipSuccess, nil)

	case SvcMultipleService:
		count := int(binary.LittleEndian.Uint16(data))
		replies := make([][]byte, count)
		status := cipSuccess
		for i := range count {
			start := int(binary.LittleEndian.Uint16(data[2+2*i:]))
			end := len(data)
			if i+1 < count {
				end = int(binary.LittleEndian.Uint16(data[2+2*(i+1):]))
			}
			replies[i] = d.handle(data[start:end])
			if replies[i][2] != cipSuccess {
				status = cipEmbeddedServiceError
			}
		}
		return cipReply(svc, status, multiServiceReplyData(replies))

	default:
		return cipReply(svc, cipServiceNotSupported, nil)
	}
}

func cipReply(svc Service, status byte, data []byte, ext ...uint16) []byte {
	buf := []byte{byte(svc | replyFlag), 0, status, byte(len(ext))}
	for _, e := range ext {
		buf = binary.LittleEndian.AppendUint16(buf, e)
	}

	return append(buf, data...)
}

// multiServiceReplyData builds the data of a Multiple Service reply from embedded replies.
func multiServiceReplyData(replies [][]byte) []byte {
	lengths := make([]int, len(replies))
	for i, r := range replies {
		lengths[i] = len(r)
	}

	buf := binary.LittleEndian.AppendUint16(nil, uint16(len(replies)))
	for _, off := range multiServiceOffsets(lengths) {
		buf = binary.LittleEndian.AppendUint16(buf, uint16(off))
	}
	for _, r := range replies {
		buf = append(buf, r...)
	}

	return buf
}

// waitRequest returns the next request with the given command, skipping others.
func (d *mockTarget) waitRequest(t *testing.T, cmd Command) *Encapsulation {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case req := <-d.requests:
			if req.Command == cmd {
				return req
			}
		case <-timeout:
			t.Fatalf("target did not receive %s", cmd)
			return nil
		}
	}
}

const testRequestTimeout = time.Second

type targetHarness struct {
	conn    *fieldbus.Connection
	clk     *clock.Mock
	targets chan *mockTarget
	setup   func(*mockTarget)
}

// newTargetHarness creates a connection to a mock target; setup configures every target
// dialed before it starts serving.
func newTargetHarness(t *testing.T, setup func(*mockTarget), connString string) *targetHarness {
	t.Helper()

	h := &targetHarness{
		clk:     clock.NewMock(),
		targets: make(chan *mockTarget, 8),
		setup:   setup,
	}

	transport := fieldbus.TransportFunc(func(_ context.Context, network string, address string) (net.Conn, error) {
		if network != "tcp" || address != fmt.Sprintf("plc:%d", DefaultPort) {
			return nil, fmt.Errorf("unexpected endpoint %s/%s", network, address)
		}

		client, server := net.Pipe()
		target := newMockTarget(server)
		if h.setup != nil {
			h.setup(target)
		}
		go target.serve()
		h.targets <- target

		return client, nil
	})

	conn, err := fieldbus.NewConnection(context.Background(), connString, NewDriver(),
		fieldbus.WithClock(h.clk),
		fieldbus.WithTransport(transport),
		fieldbus.WithRequestTimeout(testRequestTimeout),
		fieldbus.WithCloseTimeout(time.Second),
		fieldbus.WithLogger(logger.NewNopMockLogger()),
	)
	require.NoError(t, err)
	h.conn = conn
	t.Cleanup(func() { _ = conn.Close() })

	return h
}

// connect connects and returns the target of the new session.
func (h *targetHarness) connect(t *testing.T) *mockTarget {
	t.Helper()

	require.NoError(t, h.conn.Connect(context.Background()))

	select {
	case target := <-h.targets:
		return target
	default:
		t.Fatal("no target dialed")
		return nil
	}
}

func awaitFuture[T any](t *testing.T, fut *fieldbus.Future[T]) (T, error) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	v, err := fut.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "future was not resolved")

	return v, err
}
