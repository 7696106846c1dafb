package caquictest

import (
	"context"
	"testing"

	"github.com/otpgo/clientagent/caquic"
	"github.com/otpgo/clientagent/internal/catest"
	"github.com/stretchr/testify/require"
)

// ALPN is the application protocol used by the fixtures.
const ALPN = "clientagent-test"

// LocalListener is a QUIC listener on 127.0.0.1
// with a TLS configuration that its dialer trusts.
type LocalListener struct {
	L   *caquic.Listener
	TLS catest.TLSPair
}

// NewLocalListener starts a listener on an ephemeral loopback port.
// The listener is closed during test cleanup.
func NewLocalListener(t *testing.T) *LocalListener {
	t.Helper()

	pair := catest.NewTLSPair(t, ALPN)
	l, err := caquic.Listen("127.0.0.1:0", pair.Server, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	return &LocalListener{L: l, TLS: pair}
}

// Dial connects to the listener and returns both ends of the connection.
//
// Do not call Dial while another goroutine is accepting on the listener.
func (ll *LocalListener) Dial(t *testing.T, ctx context.Context) (client, server caquic.Conn) {
	t.Helper()

	acceptedCh := make(chan caquic.Conn, 1)
	go func() {
		c, err := ll.L.Accept(ctx)
		if err != nil {
			t.Error(err)
		}
		acceptedCh <- c
	}()

	client, err := caquic.Dial(ctx, ll.L.Addr().String(), ll.TLS.Client, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.CloseWithError(caquic.CodeNoError, "") })

	server = catest.ReceiveSoon(t, acceptedCh)
	require.NotNil(t, server)

	return client, server
}
