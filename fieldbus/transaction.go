package fieldbus

import (
	"slices"

	"github.com/arloliu/go-fieldbus/internal/queue"
	"github.com/arloliu/go-fieldbus/logger"
)

type txState uint8

const (
	txQueued txState = iota
	txAdmitted
	txRunning
	txEnded
	txCanceled
)

func (s txState) String() string {
	switch s {
	case txQueued:
		return "queued"
	case txAdmitted:
		return "admitted"
	case txRunning:
		return "running"
	case txEnded:
		return "ended"
	default:
		return "canceled"
	}
}

// Transaction is one admitted-or-waiting unit of work of a TransactionManager.
//
// A transaction is admitted when the number of in-flight transactions is below the limit,
// in FIFO order of StartRequest. Its work runs once it is both admitted and submitted.
type Transaction struct {
	id       uint64
	mgr      *TransactionManager
	state    txState
	work     func()
	onCancel func(error)
	err      error
}

// ID returns the transaction id, unique within its manager.
func (t *Transaction) ID() uint64 { return t.id }

// Admitted returns if the transaction holds a slot.
func (t *Transaction) Admitted() bool { return t.state == txAdmitted || t.state == txRunning }

// OnCancel sets the function called when the manager closes before the transaction ends.
func (t *Transaction) OnCancel(fn func(error)) { t.onCancel = fn }

// Submit attaches the work of the transaction. The work runs immediately when the
// transaction is admitted, otherwise when it reaches the head of the queue.
func (t *Transaction) Submit(work func()) {
	switch t.state {
	case txQueued:
		t.work = work
	case txAdmitted:
		t.state = txRunning
		work()
	case txCanceled:
		t.cancel(t.err)
	default:
		t.mgr.logger.Error("submit on finished transaction", "method", "Submit", "tx", t.id, "state", t.state)
	}
}

// EndRequest releases the slot of an admitted transaction and admits the next queued one.
// Ending a queued transaction withdraws it from the queue. Ending twice returns ErrTransactionEnded.
func (t *Transaction) EndRequest() error {
	m := t.mgr

	switch t.state {
	case txCanceled:
		// canceled transactions never held a slot, or already released it
		return nil

	case txEnded:
		m.logger.Error("transaction ended twice", "method", "EndRequest", "tx", t.id)
		return ErrTransactionEnded

	case txQueued:
		t.state = txEnded
		t.work = nil
		m.queued--

		return nil

	default:
		t.state = txEnded
		t.work = nil
		m.inflight--
		delete(m.active, t.id)
		m.pump()

		return nil
	}
}

func (t *Transaction) cancel(err error) {
	fn := t.onCancel
	t.onCancel = nil
	if fn != nil {
		fn(err)
	}
}

// TransactionManager bounds the number of concurrently outstanding operations of a
// connection and admits waiting ones in FIFO order.
//
// It is owned by the connection reactor and is not safe for concurrent use.
type TransactionManager struct {
	limit    int
	inflight int
	queued   int
	nextID   uint64
	pumping  bool
	closeErr error
	queue    queue.Queue[*Transaction]
	active   map[uint64]*Transaction
	logger   logger.Logger
}

// NewTransactionManager creates a manager admitting at most limit transactions at a time.
// A limit below 1 is treated as 1.
func NewTransactionManager(limit int, l logger.Logger) *TransactionManager {
	if limit < 1 {
		limit = 1
	}
	if l == nil {
		l = logger.GetLogger()
	}

	return &TransactionManager{
		limit:  limit,
		queue:  queue.NewSliceQueue[*Transaction](limit),
		active: make(map[uint64]*Transaction, limit),
		logger: l,
	}
}

// StartRequest creates a transaction, admitted immediately when a slot is free and no
// earlier transaction is waiting, queued otherwise.
func (m *TransactionManager) StartRequest() *Transaction {
	m.nextID++
	tx := &Transaction{id: m.nextID, mgr: m}

	if m.closeErr != nil {
		tx.state = txCanceled
		tx.err = m.closeErr

		return tx
	}

	if m.inflight < m.limit && m.queued == 0 {
		m.admit(tx)
		return tx
	}

	tx.state = txQueued
	m.queued++
	m.queue.Enqueue(tx)

	return tx
}

// Close cancels every queued transaction without running its work, then cancels the
// admitted ones. Transactions still holding a slot afterwards are reported as leaked.
func (m *TransactionManager) Close(err error) {
	if m.closeErr != nil {
		return
	}
	m.closeErr = err

	for _, tx := range m.queue.Drain() {
		if tx.state != txQueued {
			continue
		}
		tx.state = txCanceled
		tx.work = nil
		m.queued--
		tx.cancel(err)
	}

	ids := make([]uint64, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if tx, ok := m.active[id]; ok {
			tx.cancel(err)
		}
	}

	if len(m.active) > 0 {
		m.logger.Error("transactions leaked at close", "method", "Close", "count", len(m.active))
		clear(m.active)
		m.inflight = 0
	}
}

// Limit returns the admission limit.
func (m *TransactionManager) Limit() int { return m.limit }

// Inflight returns the number of admitted transactions.
func (m *TransactionManager) Inflight() int { return m.inflight }

// Queued returns the number of transactions waiting for admission.
func (m *TransactionManager) Queued() int { return m.queued }

func (m *TransactionManager) admit(tx *Transaction) {
	tx.state = txAdmitted
	m.inflight++
	m.active[tx.id] = tx
}

// pump admits queued transactions while slots are free. Work that ends its transaction
// synchronously re-enters EndRequest; the pumping flag keeps that iterative.
func (m *TransactionManager) pump() {
	if m.pumping || m.closeErr != nil {
		return
	}
	m.pumping = true
	defer func() { m.pumping = false }()

	for m.inflight < m.limit && m.closeErr == nil {
		tx, ok := m.queue.Dequeue()
		if !ok {
			return
		}
		if tx.state != txQueued {
			continue
		}

		m.queued--
		m.admit(tx)
		if tx.work != nil {
			work := tx.work
			tx.work = nil
			tx.state = txRunning
			work()
		}
	}
}
