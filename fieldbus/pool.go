package fieldbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/go-fieldbus/logger"
)

// poolCloseConcurrency bounds the number of connections closed at the same time.
const poolCloseConcurrency = 8

// Pool is a caller owned cache of connections keyed by connection string.
//
// Create one at process start, pass it to whatever needs connections and Close it at
// shutdown. A Pool never shares state with another Pool.
type Pool struct {
	ctx     context.Context
	opts    []ConnOption
	logger  logger.Logger
	drivers *xsync.MapOf[string, Driver]
	conns   *xsync.MapOf[string, *Connection]
	closed  atomic.Bool
}

// NewPool creates an empty pool. opts are applied to every connection it creates
// and are validated here.
func NewPool(ctx context.Context, opts ...ConnOption) (*Pool, error) {
	cfg, err := NewConnectionConfig(opts...)
	if err != nil {
		return nil, err
	}

	return &Pool{
		ctx:     ctx,
		opts:    opts,
		logger:  cfg.logger,
		drivers: xsync.NewMapOf[string, Driver](),
		conns:   xsync.NewMapOf[string, *Connection](),
	}, nil
}

// RegisterDriver makes the protocol of d available to Get. A later registration for the
// same protocol replaces the earlier one.
func (p *Pool) RegisterDriver(d Driver) error {
	if d == nil {
		return ErrDriverNil
	}
	p.drivers.Store(d.Protocol(), d)

	return nil
}

// Get returns the ready connection for connString, creating and connecting it when needed.
// A cached connection that is no longer ready is reconnected.
//
// Concurrent Gets of the same string share one connection and one connect attempt.
// Gets of different strings never wait on each other.
func (p *Pool) Get(ctx context.Context, connString string) (*Connection, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("pool: %w", ErrConnectionClosed)
	}

	conn, ok := p.conns.Load(connString)
	if ok && conn.State().IsReady() {
		return conn, nil
	}
	if !ok {
		var err error
		if conn, err = p.create(connString); err != nil {
			return nil, err
		}
	}

	// Connect serializes on the connection, not on the pool
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	// lost a race with Close
	if p.closed.Load() {
		_ = conn.Close()
		return nil, fmt.Errorf("pool: %w", ErrConnectionClosed)
	}

	return conn, nil
}

// create stores a new connection for connString unless another Get stored one first.
func (p *Pool) create(connString string) (*Connection, error) {
	var err error
	conn, _ := p.conns.LoadOrTryCompute(connString, func() (*Connection, bool) {
		cs, perr := ParseConnectionString(connString)
		if perr != nil {
			err = perr
			return nil, true
		}
		driver, found := p.drivers.Load(cs.Protocol)
		if !found {
			err = fmt.Errorf("%w: %q", ErrUnknownProtocol, cs.Protocol)
			return nil, true
		}

		c, cerr := NewConnection(p.ctx, connString, driver, p.opts...)
		if cerr != nil {
			err = cerr
			return nil, true
		}

		return c, false
	})
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// Release closes the connection of connString and removes it from the pool.
func (p *Pool) Release(connString string) error {
	conn, ok := p.conns.LoadAndDelete(connString)
	if !ok {
		return nil
	}

	return conn.Close()
}

// Len returns the number of cached connections.
func (p *Pool) Len() int {
	return p.conns.Size()
}

// Close closes every cached connection concurrently and returns the combined errors.
// Get fails after Close.
func (p *Pool) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	var (
		errMu sync.Mutex
		errs  error
		g     errgroup.Group
	)
	g.SetLimit(poolCloseConcurrency)

	p.conns.Range(func(key string, conn *Connection) bool {
		p.conns.Delete(key)
		g.Go(func() error {
			if err := conn.Close(); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("close %s: %w", key, err))
				errMu.Unlock()
			}

			return nil
		})

		return true
	})
	_ = g.Wait()

	if errs != nil {
		p.logger.Warn("pool closed with errors", "method", "Close", "count", len(multierr.Errors(errs)))
	}

	return errs
}

