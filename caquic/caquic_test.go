package caquic_test

import (
	"io"
	"testing"

	"github.com/otpgo/clientagent/caquic/caquictest"
	"github.com/stretchr/testify/require"
)

func TestDial_stream(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	ll := caquictest.NewLocalListener(t)

	client, server := ll.Dial(t, ctx)

	cs, err := client.OpenStreamSync(ctx)
	require.NoError(t, err)

	// Streams are only announced to the peer once data is written.
	_, err = cs.Write([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, cs.Close())

	ss, err := server.AcceptStream(ctx)
	require.NoError(t, err)

	got, err := io.ReadAll(ss)
	require.NoError(t, err)
	require.Equal(t, "hello", string(got))
}

func TestCloseWithError_codeTooLarge(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	ll := caquictest.NewLocalListener(t)

	client, _ := ll.Dial(t, ctx)
	require.Panics(t, func() {
		_ = client.CloseWithError(1<<62, "")
	})
}

func TestStreamPair(t *testing.T) {
	t.Parallel()

	a, b := caquictest.NewStreamPair()

	go func() {
		_, _ = a.Write([]byte("ping"))
		_ = a.Close()
	}()

	got, err := io.ReadAll(b)
	require.NoError(t, err)
	require.Equal(t, "ping", string(got))
}
