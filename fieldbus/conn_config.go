package fieldbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/arloliu/go-fieldbus/logger"
)

const defaultRequestTimeout = 5 * time.Second

// ConnectionConfig represents the configuration parameters of a Connection.
type ConnectionConfig struct {
	// requestTimeout bounds every request/response conversation and every operation.
	// It should be between 10 milliseconds and 10 minutes. Defaults to 5 seconds.
	requestTimeout time.Duration

	// connectTimeout bounds transport establishment plus handshake.
	// It should be between 10 milliseconds and 5 minutes. Defaults to 5 seconds.
	connectTimeout time.Duration

	// closeTimeout bounds the graceful part of Close: flushing teardown frames and waiting
	// for the connection goroutines. It should be between 10 milliseconds and 1 minute.
	// Defaults to 3 seconds.
	closeTimeout time.Duration

	// maxInflight overrides the admission limit chosen by the protocol when positive.
	maxInflight int

	// senderQueueSize is the number of serialized frames buffered for the sender goroutine.
	// Defaults to 16.
	senderQueueSize int

	// commandQueueSize is the number of commands buffered for the reactor goroutine.
	// Defaults to 64.
	commandQueueSize int

	// workerPoolSize is the number of worker goroutines running consumers and off-loaded decoding.
	// Defaults to 4.
	workerPoolSize int

	// workerQueueSize is the number of jobs buffered for the worker pool. When it is full,
	// jobs run on a dedicated goroutine instead of blocking the reactor. Defaults to 64.
	workerQueueSize int

	clock     clock.Clock
	transport Transport
	logger    logger.Logger
}

// NewConnectionConfig creates a connection configuration with default values, then applies opts.
func NewConnectionConfig(opts ...ConnOption) (*ConnectionConfig, error) {
	cfg := &ConnectionConfig{
		requestTimeout:   defaultRequestTimeout,
		connectTimeout:   5 * time.Second,
		closeTimeout:     3 * time.Second,
		senderQueueSize:  16,
		commandQueueSize: 64,
		workerPoolSize:   4,
		workerQueueSize:  64,
		clock:            clock.New(),
		transport:        &NetTransport{},
		logger:           logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return cfg, err
		}
	}

	return cfg, nil
}

func (cfg *ConnectionConfig) RequestTimeout() time.Duration { return cfg.requestTimeout }
func (cfg *ConnectionConfig) ConnectTimeout() time.Duration { return cfg.connectTimeout }
func (cfg *ConnectionConfig) CloseTimeout() time.Duration   { return cfg.closeTimeout }
func (cfg *ConnectionConfig) MaxInflight() int              { return cfg.maxInflight }
func (cfg *ConnectionConfig) Logger() logger.Logger         { return cfg.logger }

// ConnOption represents a functional option for configuring a ConnectionConfig.
type ConnOption interface {
	apply(*ConnectionConfig) error
}

type connOptFunc struct {
	name      string
	applyFunc func(*ConnectionConfig) error
}

func (c *connOptFunc) apply(cfg *ConnectionConfig) error {
	if cfg == nil {
		return ErrConnConfigNil
	}
	if err := c.applyFunc(cfg); err != nil {
		return fmt.Errorf("%s: %w", c.name, err)
	}

	return nil
}

func newConnOptFunc(name string, f func(*ConnectionConfig) error) *connOptFunc {
	return &connOptFunc{name: name, applyFunc: f}
}

func durationOpt(name string, minVal, maxVal time.Duration, set func(*ConnectionConfig, time.Duration)) func(time.Duration) ConnOption {
	return func(val time.Duration) ConnOption {
		return newConnOptFunc(name, func(cfg *ConnectionConfig) error {
			if val < minVal || val > maxVal {
				return fmt.Errorf("value %s out of range [%s, %s]", val, minVal, maxVal)
			}
			set(cfg, val)

			return nil
		})
	}
}

// WithRequestTimeout sets the deadline of every request/response conversation.
// The value should be between 10 milliseconds and 10 minutes. The default value is 5 seconds.
//
// The "request-timeout" connection string parameter overrides this option.
var WithRequestTimeout = durationOpt("WithRequestTimeout", 10*time.Millisecond, 10*time.Minute,
	func(cfg *ConnectionConfig, d time.Duration) { cfg.requestTimeout = d })

// WithConnectTimeout sets the deadline of transport establishment plus handshake.
// The value should be between 10 milliseconds and 5 minutes. The default value is 5 seconds.
var WithConnectTimeout = durationOpt("WithConnectTimeout", 10*time.Millisecond, 5*time.Minute,
	func(cfg *ConnectionConfig, d time.Duration) { cfg.connectTimeout = d })

// WithCloseTimeout sets the deadline of the graceful part of Close.
// The value should be between 10 milliseconds and 1 minute. The default value is 3 seconds.
var WithCloseTimeout = durationOpt("WithCloseTimeout", 10*time.Millisecond, time.Minute,
	func(cfg *ConnectionConfig, d time.Duration) { cfg.closeTimeout = d })

// WithMaxInflight overrides the protocol's admission limit of concurrent operations.
//
// The "max-requests" connection string parameter overrides this option.
func WithMaxInflight(n int) ConnOption {
	return newConnOptFunc("WithMaxInflight", func(cfg *ConnectionConfig) error {
		if n < 1 {
			return errors.New("max inflight must be positive")
		}
		cfg.maxInflight = n

		return nil
	})
}

// WithSenderQueueSize sets the number of frames buffered for the sender goroutine.
func WithSenderQueueSize(size int) ConnOption {
	return newConnOptFunc("WithSenderQueueSize", func(cfg *ConnectionConfig) error {
		if size < 1 || size > 65536 {
			return errors.New("sender queue size out of range [1, 65536]")
		}
		cfg.senderQueueSize = size

		return nil
	})
}

// WithCommandQueueSize sets the number of commands buffered for the reactor goroutine.
func WithCommandQueueSize(size int) ConnOption {
	return newConnOptFunc("WithCommandQueueSize", func(cfg *ConnectionConfig) error {
		if size < 1 || size > 65536 {
			return errors.New("command queue size out of range [1, 65536]")
		}
		cfg.commandQueueSize = size

		return nil
	})
}

// WithWorkerPoolSize sets the number of worker goroutines.
func WithWorkerPoolSize(size int) ConnOption {
	return newConnOptFunc("WithWorkerPoolSize", func(cfg *ConnectionConfig) error {
		if size < 1 || size > 1024 {
			return errors.New("worker pool size out of range [1, 1024]")
		}
		cfg.workerPoolSize = size

		return nil
	})
}

// WithWorkerQueueSize sets the number of jobs buffered for the worker pool.
func WithWorkerQueueSize(size int) ConnOption {
	return newConnOptFunc("WithWorkerQueueSize", func(cfg *ConnectionConfig) error {
		if size < 0 || size > 65536 {
			return errors.New("worker queue size out of range [0, 65536]")
		}
		cfg.workerQueueSize = size

		return nil
	})
}

// WithClock sets the clock driving request deadlines. Tests pass a clock.Mock.
func WithClock(clk clock.Clock) ConnOption {
	return newConnOptFunc("WithClock", func(cfg *ConnectionConfig) error {
		if clk == nil {
			return errors.New("clock is nil")
		}
		cfg.clock = clk

		return nil
	})
}

// WithTransport sets the transport used to open the byte stream.
func WithTransport(t Transport) ConnOption {
	return newConnOptFunc("WithTransport", func(cfg *ConnectionConfig) error {
		if t == nil {
			return errors.New("transport is nil")
		}
		cfg.transport = t

		return nil
	})
}

// WithLogger sets the logger of the connection.
func WithLogger(l logger.Logger) ConnOption {
	return newConnOptFunc("WithLogger", func(cfg *ConnectionConfig) error {
		if l == nil {
			return errors.New("logger is nil")
		}
		cfg.logger = l

		return nil
	})
}
