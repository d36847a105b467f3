package fieldbus

import (
	"fmt"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ConnectionString is a parsed "<protocol>:<transport>://<host>[:<port>][/<path>][?k=v&...]".
type ConnectionString struct {
	Protocol  string
	Transport string
	Host      string
	Port      int
	Path      string
	Params    url.Values
	raw       string
}

// ParseConnectionString parses s. Transport may be omitted ("eip://host"); an empty
// Transport and a zero Port are filled from the driver defaults by the connection.
func ParseConnectionString(s string) (*ConnectionString, error) {
	raw := strings.TrimSpace(s)

	protocol, rest, ok := strings.Cut(raw, ":")
	if !ok || protocol == "" {
		return nil, fmt.Errorf("%w %q: missing protocol", ErrInvalidConnString, s)
	}

	cs := &ConnectionString{Protocol: strings.ToLower(protocol), raw: raw}

	if !strings.HasPrefix(rest, "//") {
		transport, tail, ok := strings.Cut(rest, ":")
		if !ok || transport == "" || !strings.HasPrefix(tail, "//") {
			return nil, fmt.Errorf("%w %q: expected <protocol>:<transport>://<host>", ErrInvalidConnString, s)
		}
		cs.Transport = strings.ToLower(transport)
		rest = tail
	}

	u, err := url.Parse("x:" + rest)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidConnString, s, err)
	}

	cs.Host = u.Hostname()
	if cs.Host == "" {
		return nil, fmt.Errorf("%w %q: missing host", ErrInvalidConnString, s)
	}

	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port < 1 || port > 65535 {
			return nil, fmt.Errorf("%w %q: port out of range [1, 65535]", ErrInvalidConnString, s)
		}
		cs.Port = port
	}

	cs.Path = strings.TrimPrefix(u.Path, "/")
	cs.Params = u.Query()

	return cs, nil
}

// Address returns "host:port" for dialing.
func (cs *ConnectionString) Address() string {
	return net.JoinHostPort(cs.Host, strconv.Itoa(cs.Port))
}

// String returns the connection string as given to ParseConnectionString.
func (cs *ConnectionString) String() string { return cs.raw }

// Param returns the value of a query parameter.
func (cs *ConnectionString) Param(name string) (string, bool) {
	if !cs.Params.Has(name) {
		return "", false
	}
	return cs.Params.Get(name), true
}

// Duration returns a duration parameter, or def when absent.
func (cs *ConnectionString) Duration(name string, def time.Duration) (time.Duration, error) {
	v, ok := cs.Param(name)
	if !ok {
		return def, nil
	}

	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("parameter %s: %w", name, err)
	}

	return d, nil
}

// Int returns an integer parameter, or def when absent.
func (cs *ConnectionString) Int(name string, def int) (int, error) {
	v, ok := cs.Param(name)
	if !ok {
		return def, nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("parameter %s: %w", name, err)
	}

	return n, nil
}

// UnknownParams returns the parameter names not in known, sorted.
func (cs *ConnectionString) UnknownParams(known ...string) []string {
	var unknown []string
	for name := range cs.Params {
		if !slices.Contains(known, name) {
			unknown = append(unknown, name)
		}
	}
	slices.Sort(unknown)

	return unknown
}

// engineParams are the connection string parameters consumed by the connection itself.
var engineParams = []string{"request-timeout", "max-requests"}

// EngineParams returns the names of the parameters handled by the connection, so drivers
// can accept them when validating their own.
func EngineParams() []string {
	return slices.Clone(engineParams)
}

// options converts engine parameters into connection options.
func (cs *ConnectionString) options() ([]ConnOption, error) {
	var opts []ConnOption

	if _, ok := cs.Param("request-timeout"); ok {
		d, err := cs.Duration("request-timeout", 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithRequestTimeout(d))
	}

	if _, ok := cs.Param("max-requests"); ok {
		n, err := cs.Int("max-requests", 0)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithMaxInflight(n))
	}

	return opts, nil
}
