package mux

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Dial connects to addr and wraps the resulting TCP connection in a
// Session with a lean setup, mirroring the defaults a production mux
// client wants: disabled Nagle-unfriendly keep-alive probing and a
// small fixed socket buffer sized for mostly-small framed messages.
//
// Transport establishment and negotiation (TLS, service discovery,
// retries, a Tinit/Rinit exchange) are explicitly out of scope for
// this module; Dial is a convenience for the common case of a plain
// TCP mux peer, not a general-purpose client factory. Session.New
// accepts any already-connected net.Conn for every other case.
func Dial(addr string, timeout time.Duration) (*Session, error) {
	d := net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1, // disabled
	}
	conn, err := d.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("mux: dial %s: %w", addr, err)
	}

	t, ok := conn.(*net.TCPConn)
	if !ok {
		return nil, errors.Join(
			fmt.Errorf("mux: dial got connection type %T", conn),
			conn.Close(),
		)
	}
	if err := t.SetReadBuffer(4096); err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	if err := t.SetWriteBuffer(4096); err != nil {
		return nil, errors.Join(err, conn.Close())
	}

	session, err := New(conn)
	if err != nil {
		return nil, errors.Join(err, conn.Close())
	}
	return session, nil
}
