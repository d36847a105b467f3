package fieldbus

import (
	"sync/atomic"
)

// ConnectionMetrics contains atomic metrics for a connection.
// Metrics can be used as the value of a prometheus CounterFunc or GaugeFunc, see RegisterMetrics.
type ConnectionMetrics struct {
	// FrameSendCount indicates the number of frames queued for transmission.
	FrameSendCount atomic.Uint64
	// FrameRecvCount indicates the number of frames received and parsed.
	FrameRecvCount atomic.Uint64
	// FrameErrCount indicates the number of framing or parse errors that forced a resynchronization.
	FrameErrCount atomic.Uint64

	// MatchedCount indicates the number of conversations resolved by a response.
	MatchedCount atomic.Uint64
	// TimeoutCount indicates the number of conversations that timed out.
	TimeoutCount atomic.Uint64
	// UnmatchedCount indicates the number of inbound messages no conversation or subscription claimed.
	UnmatchedCount atomic.Uint64
	// NotificationCount indicates the number of notifications dispatched to consumers.
	NotificationCount atomic.Uint64

	// RequestCount indicates the number of operations submitted.
	RequestCount atomic.Uint64
	// RequestErrCount indicates the number of operations that resolved with an error.
	RequestErrCount atomic.Uint64
	// InflightGauge indicates the number of admitted operations.
	InflightGauge atomic.Int64
	// QueuedGauge indicates the number of operations waiting for admission.
	QueuedGauge atomic.Int64

	// ConnectCount indicates the number of successful connects.
	ConnectCount atomic.Uint64
	// ConnectErrCount indicates the number of failed connects.
	ConnectErrCount atomic.Uint64
}

func (m *ConnectionMetrics) incFrameSendCount()    { m.FrameSendCount.Add(1) }
func (m *ConnectionMetrics) incFrameRecvCount()    { m.FrameRecvCount.Add(1) }
func (m *ConnectionMetrics) incFrameErrCount()     { m.FrameErrCount.Add(1) }
func (m *ConnectionMetrics) incMatchedCount()      { m.MatchedCount.Add(1) }
func (m *ConnectionMetrics) incTimeoutCount()      { m.TimeoutCount.Add(1) }
func (m *ConnectionMetrics) incUnmatchedCount()    { m.UnmatchedCount.Add(1) }
func (m *ConnectionMetrics) incNotificationCount() { m.NotificationCount.Add(1) }
func (m *ConnectionMetrics) incRequestCount()      { m.RequestCount.Add(1) }
func (m *ConnectionMetrics) incRequestErrCount()   { m.RequestErrCount.Add(1) }
func (m *ConnectionMetrics) incConnectCount()      { m.ConnectCount.Add(1) }
func (m *ConnectionMetrics) incConnectErrCount()   { m.ConnectErrCount.Add(1) }

func (m *ConnectionMetrics) setTransactionGauges(inflight int, queued int) {
	m.InflightGauge.Store(int64(inflight))
	m.QueuedGauge.Store(int64(queued))
}
