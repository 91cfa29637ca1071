package compost

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"libcompart/pkg/errors"
)

const dialRetryInterval = 20 * time.Millisecond

// networkBackend runs each compartment channel over TCP. The compartment
// listens on its endpoint and accepts a single connection from main.
type networkBackend struct {
	endpoints []Endpoint
	timeout   time.Duration
}

func newNetworkBackend(endpoints []Endpoint, timeout time.Duration) *networkBackend {
	return &networkBackend{endpoints: endpoints, timeout: timeout}
}

func (b *networkBackend) Kind() Kind { return KindNetwork }

func (b *networkBackend) Prepare([]Endpoint) error { return nil }

func (b *networkBackend) Export(int, Side) []Handoff { return nil }

// Connect dials the compartment, retrying until the dial timeout since the
// listener comes up in another process.
func (b *networkBackend) Connect(idx int, _ map[string]*os.File) (*Conn, error) {
	addr, err := b.addr(idx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return netConn(conn), nil
		}
		select {
		case <-ctx.Done():
			return nil, wrapSetup(err, "dial %s", addr)
		case <-time.After(dialRetryInterval):
		}
	}
}

func (b *networkBackend) Accept(idx int, _ map[string]*os.File) (*Conn, error) {
	addr, err := b.addr(idx)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, wrapSetup(err, "listen %s", addr)
	}
	defer ln.Close()

	conn, err := ln.Accept()
	if err != nil {
		return nil, wrapSetup(err, "accept %s", addr)
	}
	return netConn(conn), nil
}

func (b *networkBackend) addr(idx int) (string, error) {
	ep, err := endpointAt(b.endpoints, idx)
	if err != nil {
		return "", err
	}
	if ep.Port <= 0 || ep.Port > 65535 {
		return "", errors.Newf(errors.TransportSetup, "compartment %d has invalid port %d", idx, ep.Port)
	}
	return net.JoinHostPort(ep.Address, strconv.Itoa(ep.Port)), nil
}

func (b *networkBackend) Close() error { return nil }
