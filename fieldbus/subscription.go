package fieldbus

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/arloliu/go-fieldbus/logger"
	"github.com/arloliu/go-fieldbus/plcvalue"
)

// Event is one notification delivered to a consumer.
type Event struct {
	Registration uuid.UUID
	Handle       SubscriptionHandle
	Code         ResponseCode
	Value        plcvalue.Value
	Timestamp    time.Time
}

// Consumer receives subscription events. It runs on the worker pool and may be called
// concurrently for different events.
type Consumer func(Event)

// Registration binds a consumer to a set of subscription handles.
//
// The handle set is live: Invalidate shrinks it in place, so Handles on a pointer
// returned by Register always reflects the dispatcher. A removed registration has
// no handles.
type Registration struct {
	id       uuid.UUID
	consumer Consumer

	// copy on write, never mutated after Store
	handles atomic.Pointer[map[uint32]SubscriptionHandle]
}

// ID returns the registration identity.
func (r *Registration) ID() uuid.UUID { return r.id }

// Handles returns the handles the registration currently listens to.
func (r *Registration) Handles() []SubscriptionHandle {
	handles := r.handleSet()
	out := make([]SubscriptionHandle, 0, len(handles))
	for _, h := range handles {
		out = append(out, h)
	}

	return out
}

func (r *Registration) handleSet() map[uint32]SubscriptionHandle {
	if m := r.handles.Load(); m != nil {
		return *m
	}

	return nil
}

// SubscriptionDispatcher fans notifications out to registered consumers.
//
// Consumers run through submit, normally the connection worker pool, inside a recover
// boundary, so a slow or panicking consumer never stalls frame processing.
type SubscriptionDispatcher struct {
	regs    *xsync.MapOf[uuid.UUID, *Registration]
	submit  func(func())
	logger  logger.Logger
	metrics *ConnectionMetrics
}

// NewSubscriptionDispatcher creates a dispatcher running consumers through submit.
func NewSubscriptionDispatcher(submit func(func()), l logger.Logger, m *ConnectionMetrics) *SubscriptionDispatcher {
	if l == nil {
		l = logger.GetLogger()
	}
	if m == nil {
		m = &ConnectionMetrics{}
	}
	if submit == nil {
		submit = func(fn func()) { go fn() }
	}

	return &SubscriptionDispatcher{
		regs:    xsync.NewMapOf[uuid.UUID, *Registration](),
		submit:  submit,
		logger:  l,
		metrics: m,
	}
}

// Register binds consumer to handles. It returns nil for a nil consumer.
func (d *SubscriptionDispatcher) Register(handles []SubscriptionHandle, consumer Consumer) *Registration {
	if consumer == nil {
		return nil
	}

	set := make(map[uint32]SubscriptionHandle, len(handles))
	for _, h := range handles {
		set[h.ID] = h
	}
	reg := &Registration{id: uuid.New(), consumer: consumer}
	reg.handles.Store(&set)
	d.regs.Store(reg.id, reg)

	return reg
}

// Unregister removes a registration and empties its handle set. Events already handed
// to the worker pool may still run.
func (d *SubscriptionDispatcher) Unregister(reg *Registration) {
	if reg != nil {
		d.regs.Delete(reg.id)
		reg.handles.Store(&map[uint32]SubscriptionHandle{})
	}
}

// Invalidate detaches the given handles from every registration, e.g. after an unsubscribe.
// Registrations left without handles are removed.
func (d *SubscriptionDispatcher) Invalidate(handles ...SubscriptionHandle) {
	if len(handles) == 0 {
		return
	}

	ids := make([]uuid.UUID, 0)
	d.regs.Range(func(id uuid.UUID, _ *Registration) bool {
		ids = append(ids, id)
		return true
	})

	for _, id := range ids {
		d.regs.Compute(id, func(reg *Registration, loaded bool) (*Registration, bool) {
			if !loaded {
				return reg, true
			}

			current := reg.handleSet()
			remaining := make(map[uint32]SubscriptionHandle, len(current))
			for hid, h := range current {
				remaining[hid] = h
			}
			for _, h := range handles {
				delete(remaining, h.ID)
			}
			if len(remaining) != len(current) {
				reg.handles.Store(&remaining)
			}

			return reg, len(remaining) == 0
		})
	}
}

// Dispatch schedules one consumer call per matching (notification, registration) pair and
// returns how many were scheduled. Notifications nobody listens to are dropped.
func (d *SubscriptionDispatcher) Dispatch(notifications []Notification) int {
	scheduled := 0
	for _, n := range notifications {
		d.regs.Range(func(_ uuid.UUID, reg *Registration) bool {
			handle, ok := reg.handleSet()[n.HandleID]
			if !ok {
				return true
			}

			ev := Event{
				Registration: reg.id,
				Handle:       handle,
				Code:         n.Code,
				Value:        n.Value,
				Timestamp:    n.Timestamp,
			}
			consumer := reg.consumer
			d.submit(func() { d.invoke(consumer, ev) })
			d.metrics.incNotificationCount()
			scheduled++

			return true
		})
	}

	return scheduled
}

// Clear removes every registration, e.g. when the connection drops and all server-side
// handles become invalid.
func (d *SubscriptionDispatcher) Clear() {
	d.regs.Range(func(id uuid.UUID, reg *Registration) bool {
		d.regs.Delete(id)
		reg.handles.Store(&map[uint32]SubscriptionHandle{})

		return true
	})
}

// Len returns the number of registrations.
func (d *SubscriptionDispatcher) Len() int {
	return d.regs.Size()
}

func (d *SubscriptionDispatcher) invoke(consumer Consumer, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in subscription consumer", "registration", ev.Registration, "tag", ev.Handle.TagName, "panic", r)
		}
	}()

	consumer(ev)
}
