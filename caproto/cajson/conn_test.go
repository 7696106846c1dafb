package cajson_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/otpgo/clientagent/caclient"
	"github.com/otpgo/clientagent/caclient/caclienttest"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/caproto/cajson"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	*caclienttest.Fixture

	WS *websocket.Conn
}

func newFixture(t *testing.T, heartbeat time.Duration) *fixture {
	t.Helper()

	fx := caclienttest.NewFixture(t)
	h := cajson.NewHandler(t.Context(), fx.Log, cajson.ConnConfig{
		DCHash:  0xBEEF,
		Version: "v1",

		HeartbeatTimeout: heartbeat,
		WriteTimeout:     time.Second,

		Schema: fx.Schema,

		NewClient: func(ctx context.Context, iface caclient.Interface) (*caclient.Client, error) {
			cfg := fx.Cfg
			cfg.Interface = iface
			return caclient.NewClient(ctx, fx.Log, cfg)
		},
	})

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.DialContext(
		t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil,
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	return &fixture{Fixture: fx, WS: ws}
}

func (f *fixture) send(t *testing.T, m cajson.Message) {
	t.Helper()

	require.NoError(t, f.WS.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, f.WS.WriteJSON(m))
}

func (f *fixture) recv(t *testing.T) cajson.Message {
	t.Helper()

	require.NoError(t, f.WS.SetReadDeadline(time.Now().Add(time.Second)))
	var m cajson.Message
	require.NoError(t, f.WS.ReadJSON(&m))
	return m
}

func (f *fixture) requireClosed(t *testing.T) {
	t.Helper()

	require.NoError(t, f.WS.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := f.WS.ReadMessage()

	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	require.Equal(t, websocket.CloseNormalClosure, ce.Code)
}

func (f *fixture) requireEject(t *testing.T, want caclient.DisconnectReason) cajson.Message {
	t.Helper()

	m := f.recv(t)
	require.Equal(t, cajson.TypeEject, m.Type)
	require.Equal(t, uint16(want), m.Reason)
	f.requireClosed(t)
	return m
}

func (f *fixture) hello(t *testing.T) {
	t.Helper()

	f.send(t, cajson.Message{Type: cajson.TypeHello, DCHash: 0xBEEF, Version: "v1"})
	require.Equal(t, cajson.TypeHelloResp, f.recv(t).Type)
}

func TestConn_interestFlow(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.hello(t)

	p := f.Bus.Participant(0)
	self := caclienttest.MinChannel
	p.Deliver(cadgram.New(self, 1, cadgram.ClientAgentSetState).AddUint16(uint16(caclient.StateEstablished)))

	f.send(t, cajson.Message{
		Type:       cajson.TypeAddInterest,
		Context:    7,
		InterestID: 1,
		Parent:     50,
		Zones:      []uint32{1, 2},
	})

	require.Eventually(t, func() bool {
		return len(p.SentOfType(cadgram.StateServerObjectGetZoneObjects)) == 2
	}, time.Second, 5*time.Millisecond)

	qs := caclienttest.Queries(t, p)
	p.Deliver(caclienttest.EnterInterest(self, qs[0].Context, 200, 50, 1, 0))
	p.Deliver(caclienttest.ZonesCount(self, qs[0].Context, 1))
	p.Deliver(caclienttest.ZonesCount(self, qs[1].Context, 0))

	m := f.recv(t)
	require.Equal(t, cajson.TypeEnterObject, m.Type)
	require.Equal(t, uint32(200), m.DoID)
	require.Equal(t, "A", m.Class)
	require.False(t, m.Owner)

	m = f.recv(t)
	require.Equal(t, cajson.TypeInterestDone, m.Type)
	require.Equal(t, uint16(1), m.InterestID)
	require.Equal(t, uint32(7), m.Context)

	p.Deliver(cadgram.New(1, 2, cadgram.StateServerObjectSetField).
		AddUint32(200).AddUint16(0).AddString("x"))
	m = f.recv(t)
	require.Equal(t, cajson.TypeSetField, m.Type)
	require.Equal(t, "A.setName", m.Field)
	require.Equal(t, []byte{1, 0, 'x'}, m.Value)

	f.send(t, cajson.Message{Type: cajson.TypeSetField, DoID: 200, FieldID: 3, Value: []byte{5, 0}})
	require.Eventually(t, func() bool {
		return len(p.SentOfType(cadgram.StateServerObjectSetField)) == 1
	}, time.Second, 5*time.Millisecond)

	f.send(t, cajson.Message{Type: cajson.TypeRemoveInterest, Context: 8, InterestID: 1})
	m = f.recv(t)
	require.Equal(t, cajson.TypeLeaveObject, m.Type)
	require.Equal(t, uint32(200), m.DoID)
	m = f.recv(t)
	require.Equal(t, cajson.TypeInterestDone, m.Type)
	require.Equal(t, uint32(8), m.Context)

	f.send(t, cajson.Message{Type: cajson.TypeDisconnect})
	f.requireClosed(t)
}

func TestConn_rejected(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name  string
		hello bool
		m     cajson.Message
		want  caclient.DisconnectReason
	}{
		{
			name: "no hello",
			m:    cajson.Message{Type: cajson.TypeHeartbeat},
			want: caclient.DisconnectNoHello,
		},
		{
			name: "bad version",
			m:    cajson.Message{Type: cajson.TypeHello, DCHash: 0xBEEF, Version: "v0"},
			want: caclient.DisconnectBadVersion,
		},
		{
			name: "bad hash",
			m:    cajson.Message{Type: cajson.TypeHello, DCHash: 1, Version: "v1"},
			want: caclient.DisconnectBadDCHash,
		},
		{
			name:  "unknown type",
			hello: true,
			m:     cajson.Message{Type: "teleport"},
			want:  caclient.DisconnectInvalidMsgType,
		},
		{
			name:  "interest while anonymous",
			hello: true,
			m:     cajson.Message{Type: cajson.TypeAddInterest, InterestID: 1, Parent: 50, Zone: 1},
			want:  caclient.DisconnectAnonymousViolation,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, time.Second)
			if tc.hello {
				f.hello(t)
			}
			f.send(t, tc.m)
			f.requireEject(t, tc.want)
		})
	}
}

func TestConn_malformed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	require.NoError(t, f.WS.WriteMessage(websocket.TextMessage, []byte("{not json")))
	f.requireEject(t, caclient.DisconnectTruncatedDatagram)
}

func TestConn_binaryRejected(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	require.NoError(t, f.WS.WriteMessage(websocket.BinaryMessage, []byte{1, 2}))
	f.requireEject(t, caclient.DisconnectInvalidMsgType)
}

func TestConn_oversizedMessage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.hello(t)

	// The server may close before the whole message is written.
	big := `{"type":"heartbeat","message":"` + strings.Repeat("x", cajson.MaxMessageSize) + `"}`
	go func() {
		_ = f.WS.WriteMessage(websocket.TextMessage, []byte(big))
	}()

	require.NoError(t, f.WS.SetReadDeadline(time.Now().Add(time.Second)))
	_, _, err := f.WS.ReadMessage()

	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "expected close error, got %v", err)
	require.Equal(t, websocket.CloseMessageTooBig, ce.Code)
}

func TestConn_heartbeatTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 100*time.Millisecond)
	f.hello(t)
	f.send(t, cajson.Message{Type: cajson.TypeHeartbeat})

	m := f.requireEject(t, caclient.DisconnectNoHeartbeat)
	require.Contains(t, m.Message, "heartbeat")
}

func TestConn_forwardAndOwnership(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.hello(t)

	p := f.Bus.Participant(0)
	self := caclienttest.MinChannel
	p.Deliver(cadgram.New(self, 1, cadgram.ClientAgentSendDatagram).AddData([]byte{9, 9}))
	p.Deliver(cadgram.New(self, 1, cadgram.StateServerObjectEnterOwnerWithRequiredOther).
		AddUint32(300).AddUint32(50).AddUint32(9).AddUint16(1).AddData([]byte{7}))

	m := f.recv(t)
	require.Equal(t, cajson.TypeDatagram, m.Type)
	require.Equal(t, []byte{9, 9}, m.Data)

	m = f.recv(t)
	require.Equal(t, cajson.TypeEnterObject, m.Type)
	require.True(t, m.Owner)
	require.True(t, m.Other)
	require.Equal(t, "B", m.Class)
	require.Equal(t, []byte{7}, m.Payload)
}

func TestConn_clientClose(t *testing.T) {
	t.Parallel()

	f := newFixture(t, time.Second)
	f.hello(t)

	require.NoError(t, f.WS.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	))

	require.Eventually(t, func() bool {
		return f.Tracker.Allocated() == 0
	}, time.Second, 5*time.Millisecond)
}
