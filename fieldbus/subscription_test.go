package fieldbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/arloliu/go-fieldbus/logger"
	"github.com/arloliu/go-fieldbus/plcvalue"
)

// syncSubmit runs consumers inline and records how many ran.
type syncSubmit struct {
	mu  sync.Mutex
	ran int
}

func (s *syncSubmit) submit(fn func()) {
	s.mu.Lock()
	s.ran++
	s.mu.Unlock()
	fn()
}

func TestSubscriptionDispatcher_Dispatch(t *testing.T) {
	require := require.New(t)

	sub := &syncSubmit{}
	m := &ConnectionMetrics{}
	d := NewSubscriptionDispatcher(sub.submit, logger.NewNopMockLogger(), m)

	speed := SubscriptionHandle{TagName: "speed", ID: 1}
	temp := SubscriptionHandle{TagName: "temp", ID: 2}

	var gotA, gotB []Event
	regA := d.Register([]SubscriptionHandle{speed, temp}, func(ev Event) { gotA = append(gotA, ev) })
	regB := d.Register([]SubscriptionHandle{temp}, func(ev Event) { gotB = append(gotB, ev) })
	require.NotEqual(regA.ID(), regB.ID())
	require.Equal(2, d.Len())

	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	n := d.Dispatch([]Notification{
		{HandleID: 1, Code: ResponseOK, Value: plcvalue.Float32(1.5), Timestamp: ts},
		{HandleID: 2, Code: ResponseOK, Value: plcvalue.Int16(20), Timestamp: ts},
		{HandleID: 99, Code: ResponseOK, Value: plcvalue.Bool(true)},
	})

	require.Equal(3, n)
	require.Equal(3, sub.ran)
	require.Len(gotA, 2)
	require.Len(gotB, 1)
	require.Equal(regB.ID(), gotB[0].Registration)
	require.Equal(temp, gotB[0].Handle)
	require.Equal(ts, gotB[0].Timestamp)
	require.Equal(uint64(3), m.NotificationCount.Load())
}

func TestSubscriptionDispatcher_Invalidate(t *testing.T) {
	require := require.New(t)

	d := NewSubscriptionDispatcher((&syncSubmit{}).submit, logger.NewNopMockLogger(), nil)

	speed := SubscriptionHandle{TagName: "speed", ID: 1}
	temp := SubscriptionHandle{TagName: "temp", ID: 2}

	count := 0
	regA := d.Register([]SubscriptionHandle{speed, temp}, func(Event) { count++ })
	regB := d.Register([]SubscriptionHandle{speed}, func(Event) { count++ })

	d.Invalidate(speed)

	// the registration left without handles is gone, the other lost one handle
	require.Equal(1, d.Len())
	require.Zero(d.Dispatch([]Notification{{HandleID: 1}}))
	require.Equal(1, d.Dispatch([]Notification{{HandleID: 2}}))
	require.Equal(1, count)

	// the caller's Registration follows the dispatcher
	require.Equal([]SubscriptionHandle{temp}, regA.Handles())
	require.Empty(regB.Handles())

	// unknown handles leave the set untouched
	d.Invalidate(SubscriptionHandle{TagName: "other", ID: 7})
	require.Equal([]SubscriptionHandle{temp}, regA.Handles())
}

func TestSubscriptionDispatcher_UnregisterAndClear(t *testing.T) {
	require := require.New(t)

	d := NewSubscriptionDispatcher((&syncSubmit{}).submit, logger.NewNopMockLogger(), nil)
	h := []SubscriptionHandle{{TagName: "a", ID: 1}}

	require.Nil(d.Register(h, nil))

	reg := d.Register(h, func(Event) {})
	other := d.Register(h, func(Event) {})
	d.Unregister(reg)
	d.Unregister(nil)
	require.Equal(1, d.Len())
	require.Empty(reg.Handles())
	require.Len(other.Handles(), 1)

	d.Clear()
	require.Equal(0, d.Len())
	require.Empty(other.Handles())
	require.Zero(d.Dispatch([]Notification{{HandleID: 1}}))
}

func TestSubscriptionDispatcher_ConsumerPanic(t *testing.T) {
	require := require.New(t)

	l := logger.NewNopMockLogger()
	d := NewSubscriptionDispatcher((&syncSubmit{}).submit, l, nil)

	h := []SubscriptionHandle{{TagName: "a", ID: 1}}
	d.Register(h, func(Event) { panic("consumer bug") })

	delivered := false
	d.Register(h, func(Event) { delivered = true })

	require.NotPanics(func() { d.Dispatch([]Notification{{HandleID: 1}}) })
	require.True(delivered)
	l.AssertCalled(t, "Error", "panic in subscription consumer", mock.Anything)
}
