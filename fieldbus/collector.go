package fieldbus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RegisterMetrics registers the connection metrics with reg, labelled with the connection string.
//
// Counters are exposed as CounterFunc and gauges as GaugeFunc reading the atomic values,
// so registration costs nothing on the hot path.
func (c *Connection) RegisterMetrics(reg prometheus.Registerer) error {
	labels := prometheus.Labels{"conn": c.connStr.String()}
	m := &c.metrics

	counter := func(name string, help string, v interface{ Load() uint64 }) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   "fieldbus",
			Subsystem:   "connection",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}
	gauge := func(name string, help string, v interface{ Load() int64 }) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "fieldbus",
			Subsystem:   "connection",
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, func() float64 { return float64(v.Load()) })
	}

	collectors := []prometheus.Collector{
		counter("frames_sent_total", "Frames queued for transmission.", &m.FrameSendCount),
		counter("frames_received_total", "Frames received and parsed.", &m.FrameRecvCount),
		counter("frame_errors_total", "Framing or parse errors that forced a resynchronization.", &m.FrameErrCount),
		counter("conversations_matched_total", "Conversations resolved by a response.", &m.MatchedCount),
		counter("conversations_timeout_total", "Conversations that timed out.", &m.TimeoutCount),
		counter("messages_unmatched_total", "Inbound messages nothing claimed.", &m.UnmatchedCount),
		counter("notifications_total", "Notifications dispatched to consumers.", &m.NotificationCount),
		counter("requests_total", "Operations submitted.", &m.RequestCount),
		counter("request_errors_total", "Operations resolved with an error.", &m.RequestErrCount),
		counter("connects_total", "Successful connects.", &m.ConnectCount),
		counter("connect_errors_total", "Failed connects.", &m.ConnectErrCount),
		gauge("requests_inflight", "Admitted operations.", &m.InflightGauge),
		gauge("requests_queued", "Operations waiting for admission.", &m.QueuedGauge),
	}

	for _, col := range collectors {
		if err := reg.Register(col); err != nil {
			return err
		}
	}

	return nil
}
