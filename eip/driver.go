package eip

import (
	"fmt"
	"slices"

	"github.com/arloliu/go-fieldbus/fieldbus"
	"github.com/arloliu/go-fieldbus/logger"
)

const (
	// Protocol is the connection string protocol code of the binding.
	Protocol = "eip"
	// DefaultPort is the EtherNet/IP explicit messaging TCP port.
	DefaultPort = 44818
)

// Driver parameters.
const (
	ParamPathCache = "path-cache"
	ParamTimeout   = "rr-timeout"
)

// Driver creates EtherNet/IP protocol logic. Connection strings look like
//
//	eip://10.0.0.5
//	eip:tcp://10.0.0.5:44818?request-timeout=2s&path-cache=512
//
// path-cache sizes the encoded request path cache and rr-timeout sets the timeout field
// of SendRRData requests in seconds.
type Driver struct{}

var _ fieldbus.Driver = Driver{}

// NewDriver returns the EtherNet/IP driver.
func NewDriver() Driver { return Driver{} }

func (Driver) Protocol() string { return Protocol }

func (Driver) DefaultTransport() string { return "tcp" }

func (Driver) DefaultPort() int { return DefaultPort }

func (Driver) NewLogic(cs *fieldbus.ConnectionString, l logger.Logger) (fieldbus.ProtocolLogic, error) {
	if cs.Transport != "tcp" {
		return nil, fmt.Errorf("%w: eip requires tcp transport, got %q", fieldbus.ErrInvalidConnString, cs.Transport)
	}

	known := slices.Concat(fieldbus.EngineParams(), []string{ParamPathCache, ParamTimeout})
	if unknown := cs.UnknownParams(known...); len(unknown) > 0 {
		return nil, fmt.Errorf("%w: unknown parameter %q", fieldbus.ErrInvalidConnString, unknown[0])
	}

	size, err := cs.Int(ParamPathCache, defaultPathCacheSize)
	if err != nil || size < 1 {
		return nil, fmt.Errorf("%w: %s must be a positive integer", fieldbus.ErrInvalidConnString, ParamPathCache)
	}

	timeout, err := cs.Int(ParamTimeout, 0)
	if err != nil || timeout < 0 || timeout > 0xFFFF {
		return nil, fmt.Errorf("%w: %s must be in [0, 65535]", fieldbus.ErrInvalidConnString, ParamTimeout)
	}

	paths, err := newPathCache(size)
	if err != nil {
		return nil, err
	}

	if l == nil {
		l = logger.GetLogger()
	}

	return &Logic{logger: l, paths: paths, timeout: uint16(timeout), maxInflight: 1}, nil
}
