package clientagent_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/otpgo/clientagent"
	"github.com/otpgo/clientagent/cabus"
	"github.com/otpgo/clientagent/cabus/cabustest"
	"github.com/otpgo/clientagent/caclient/caclienttest"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/caproto/cajson"
	"github.com/otpgo/clientagent/caproto/calegacy"
	"github.com/otpgo/clientagent/caquic"
	"github.com/otpgo/clientagent/caquic/caquictest"
	"github.com/otpgo/clientagent/caschema"
	"github.com/otpgo/clientagent/internal/catest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const testVersion = "v3"

type fixture struct {
	Agent   *clientagent.Agent
	Metrics *clientagent.Metrics

	Schema   *caschema.Schema
	Upstream *cabustest.Upstream

	Cancel context.CancelFunc
}

func newFixture(t *testing.T, maxChannel cachannel.Channel) *fixture {
	t.Helper()

	s, err := caschema.Parse([]byte(caclienttest.Schema))
	require.NoError(t, err)

	log := catest.NewLogger(t)
	up := new(cabustest.Upstream)
	m := clientagent.NewMetrics(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(t.Context())
	a := clientagent.NewAgent(ctx, log, clientagent.AgentConfig{
		Schema: s,
		Bus:    cabus.NewDirector(log.With("sys", "director"), cabus.DirectorConfig{Upstream: up}),

		MinChannel: caclienttest.MinChannel,
		MaxChannel: maxChannel,

		Version: testVersion,

		HeartbeatTimeout:    5 * time.Second,
		WriteTimeout:        time.Second,
		AcceptStreamTimeout: time.Second,

		Metrics: m,
	})

	t.Cleanup(func() {
		cancel()
		a.Wait()
	})

	return &fixture{
		Agent:   a,
		Metrics: m,

		Schema:   s,
		Upstream: up,

		Cancel: cancel,
	}
}

func TestAgent_quicHello(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, caclienttest.MaxChannel)
	ll := caquictest.NewLocalListener(t)

	serveErr := make(chan error, 1)
	go func() { serveErr <- fx.Agent.ServeQUIC(ll.L) }()

	ctx := t.Context()
	conn, err := caquic.Dial(ctx, ll.L.Addr().String(), ll.TLS.Client, nil)
	require.NoError(t, err)
	defer conn.CloseWithError(caquic.CodeNoError, "")

	s, err := conn.OpenStreamSync(ctx)
	require.NoError(t, err)

	// The DC hash defaults to the schema's.
	hello := new(cadgram.Datagram).
		AddUint16(uint16(calegacy.ClientHello)).
		AddUint32(fx.Schema.Hash()).
		AddString(testVersion)
	require.NoError(t, s.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, cadgram.WriteFrame(s, hello.Payload))

	require.NoError(t, s.SetReadDeadline(time.Now().Add(time.Second)))
	b, err := cadgram.ReadFrame(s, nil)
	require.NoError(t, err)
	require.Equal(t, calegacy.ClientHelloResp, calegacy.MsgType(cadgram.NewIterator(b).Uint16()))

	require.Equal(t, 1.0, testutil.ToFloat64(fx.Metrics.ConnectedClients))
	require.Equal(t, 1.0, testutil.ToFloat64(fx.Metrics.AllocatedChannels))
	require.Contains(t, fx.Upstream.Added(), caclienttest.MinChannel)

	// Hanging up releases the client and its channel.
	require.NoError(t, conn.CloseWithError(caquic.CodeNoError, ""))
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(fx.Metrics.ConnectedClients) == 0 &&
			testutil.ToFloat64(fx.Metrics.AllocatedChannels) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(
		fx.Metrics.Disconnects.WithLabelValues("network_read_error"),
	))

	fx.Cancel()
	err = catest.ReceiveSoon(t, serveErr)
	require.ErrorIs(t, err, context.Canceled)
}

func TestAgent_exhaustionIsFatal(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, caclienttest.MinChannel+1)
	ctx := t.Context()

	c, err := fx.Agent.NewClient(ctx, new(caclienttest.Recorder))
	require.NoError(t, err)
	require.NoError(t, fx.Agent.Err())

	_, err = fx.Agent.NewClient(ctx, new(caclienttest.Recorder))
	var ee cachannel.ExhaustedError
	require.ErrorAs(t, err, &ee)

	_ = catest.ReceiveSoon(t, fx.Agent.Done())
	require.ErrorAs(t, fx.Agent.Err(), &ee)

	// Every client stops with the agent.
	c.Wait()
	fx.Agent.Wait()
	require.Equal(t, 0.0, testutil.ToFloat64(fx.Metrics.ConnectedClients))
}

func TestAgent_websocket(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, caclienttest.MaxChannel)

	srv := httptest.NewServer(fx.Agent.WebsocketHandler())
	t.Cleanup(srv.Close)

	ws, _, err := websocket.DefaultDialer.DialContext(
		t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil,
	)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, ws.WriteJSON(cajson.Message{
		Type:    cajson.TypeHello,
		DCHash:  fx.Schema.Hash(),
		Version: testVersion,
	}))

	var m cajson.Message
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, ws.ReadJSON(&m))
	require.Equal(t, cajson.TypeHelloResp, m.Type)
	require.Equal(t, 1.0, testutil.ToFloat64(fx.Metrics.ConnectedClients))

	// Stopping the agent disconnects the client.
	fx.Cancel()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		_, _, err = ws.ReadMessage()
		if err != nil {
			break
		}
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		require.Equal(t, websocket.CloseNormalClosure, ce.Code)
	}

	fx.Agent.Wait()
	require.Equal(t, 0.0, testutil.ToFloat64(fx.Metrics.ConnectedClients))
}

func TestAgentConfig_invalidPanics(t *testing.T) {
	t.Parallel()

	require.PanicsWithError(t,
		"BUG: invalid AgentConfig: AgentConfig.Schema must not be nil\n"+
			"AgentConfig.Bus must not be nil\n"+
			"AgentConfig channel range [5, 5) must not be empty\n"+
			"AgentConfig.Version must not be empty\n"+
			"AgentConfig.HeartbeatTimeout must be positive\n"+
			"AgentConfig.WriteTimeout must be positive\n"+
			"AgentConfig.AcceptStreamTimeout must be positive",
		func() {
			clientagent.NewAgent(t.Context(), catest.NewLogger(t), clientagent.AgentConfig{
				MinChannel: 5,
				MaxChannel: 5,
			})
		},
	)
}
