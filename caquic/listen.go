package caquic

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// DefaultConfig returns the QUIC configuration used for
// both client connections and the message director link.
func DefaultConfig() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: 5 * time.Second,

		// Clients are expected to heartbeat well inside this window.
		MaxIdleTimeout:  60 * time.Second,
		KeepAlivePeriod: 15 * time.Second,

		InitialStreamReceiveWindow: 64 * 1024,
		MaxStreamReceiveWindow:     4 * 1024 * 1024,

		InitialConnectionReceiveWindow: 128 * 1024,
		MaxConnectionReceiveWindow:     8 * 1024 * 1024,

		// A client agent connection carries a single bidirectional stream.
		MaxIncomingStreams:    4,
		MaxIncomingUniStreams: -1,
	}
}

// Listener accepts QUIC connections.
type Listener struct {
	ql *quic.Listener
}

// Listen starts a QUIC listener on addr.
// If qc is nil, [DefaultConfig] is used.
func Listen(addr string, tlsConf *tls.Config, qc *quic.Config) (*Listener, error) {
	if qc == nil {
		qc = DefaultConfig()
	}
	ql, err := quic.ListenAddr(addr, tlsConf, qc)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %q: %w", addr, err)
	}
	return &Listener{ql: ql}, nil
}

// Accept blocks until a new connection arrives or ctx is canceled.
func (l *Listener) Accept(ctx context.Context) (Conn, error) {
	qc, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return WrapConn(qc), nil
}

func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

func (l *Listener) Close() error { return l.ql.Close() }

// Dial opens a QUIC connection to addr.
// If qc is nil, [DefaultConfig] is used.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, qc *quic.Config) (Conn, error) {
	if qc == nil {
		qc = DefaultConfig()
	}
	c, err := quic.DialAddr(ctx, addr, tlsConf, qc)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %q: %w", addr, err)
	}
	return WrapConn(c), nil
}
