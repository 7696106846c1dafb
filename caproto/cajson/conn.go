// Package cajson serves a JSON client protocol over websockets.
//
// Each websocket text message is one JSON [Message].
// As with the binary protocol, a client must first send a hello
// and must then send at least a heartbeat within every heartbeat timeout.
package cajson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/otpgo/clientagent/caclient"
	"github.com/otpgo/clientagent/cainterest"
	"github.com/otpgo/clientagent/capubsub"
	"github.com/otpgo/clientagent/caschema"
)

// MaxMessageSize is the largest websocket message a client may send.
// Larger messages close the connection.
const MaxMessageSize = 1 << 18

// Conn is one websocket client connection.
// It implements [caclient.Interface] for the client it serves.
type Conn struct {
	log *slog.Logger

	ws  *websocket.Conn
	cfg ConnConfig

	client *caclient.Client

	outMu sync.Mutex
	out   *capubsub.Stream[outMessage]

	wg sync.WaitGroup
}

var _ caclient.Interface = (*Conn)(nil)

// ConnConfig is the configuration for [NewConn].
type ConnConfig struct {
	// Expected in the client hello.
	DCHash  uint32
	Version string

	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	// Optional; names classes and fields in outgoing messages.
	Schema *caschema.Schema

	// NewClient starts the client backing this connection.
	NewClient func(context.Context, caclient.Interface) (*caclient.Client, error)
}

func (c ConnConfig) validate() {
	var err error

	if c.HeartbeatTimeout <= 0 {
		err = errors.Join(err, fmt.Errorf("HeartbeatTimeout must be positive (got %s)", c.HeartbeatTimeout))
	}
	if c.WriteTimeout <= 0 {
		err = errors.Join(err, fmt.Errorf("WriteTimeout must be positive (got %s)", c.WriteTimeout))
	}
	if c.NewClient == nil {
		err = errors.Join(err, errors.New("NewClient must not be nil"))
	}

	if err != nil {
		panic(fmt.Errorf("BUG: invalid ConnConfig: %w", err))
	}
}

type outMessage struct {
	m *Message

	// Close the websocket after sending m, if any.
	close bool
}

// NewConn starts a client for ws and begins serving it.
// If the client cannot be started, the caller still owns ws.
func NewConn(ctx context.Context, log *slog.Logger, ws *websocket.Conn, cfg ConnConfig) (*Conn, error) {
	cfg.validate()

	c := &Conn{
		log: log,

		ws:  ws,
		cfg: cfg,

		out: capubsub.NewStream[outMessage](),
	}
	out := c.out

	client, err := cfg.NewClient(ctx, c)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.log = log.With("client", client.ID().String(), "remote", ws.RemoteAddr().String())

	c.wg.Add(3)
	go c.readLoop(ctx)
	go c.writeLoop(out)
	go c.closeWhenDone()

	return c, nil
}

// Client returns the client served by c.
func (c *Conn) Client() *caclient.Client {
	return c.client
}

// Wait blocks until the connection is fully closed.
func (c *Conn) Wait() {
	c.wg.Wait()
}

func (c *Conn) publish(m outMessage) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	c.out = c.out.Publish(m)
}

func (c *Conn) send(m *Message) {
	c.publish(outMessage{m: m})
}

func (c *Conn) closeWhenDone() {
	defer c.wg.Done()

	<-c.client.Done()
	c.publish(outMessage{close: true})
}

func (c *Conn) writeLoop(out *capubsub.Stream[outMessage]) {
	defer c.wg.Done()
	defer c.ws.Close()

	for {
		<-out.Ready
		m := out.Val
		out = out.Next

		if m.m != nil {
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteJSON(m.m); err != nil {
				c.log.Info("Failed to write to client", "err", err)
				_ = c.client.Close(context.Background(), caclient.DisconnectNetworkWriteError, err.Error())
				return
			}
		}

		if m.close {
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout),
			)
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.wg.Done()

	c.ws.SetReadLimit(MaxMessageSize)

	helloed := false
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout))

		mt, b, err := c.ws.ReadMessage()
		if err != nil {
			c.handleReadError(ctx, err)
			return
		}
		if mt != websocket.TextMessage {
			c.disconnect(ctx, caclient.DisconnectInvalidMsgType, "Only text messages are accepted")
			return
		}

		var m Message
		if err := json.Unmarshal(b, &m); err != nil {
			c.disconnect(ctx, caclient.DisconnectTruncatedDatagram, fmt.Sprintf("Malformed message: %v", err))
			return
		}

		if !helloed {
			if m.Type != TypeHello {
				c.disconnect(ctx, caclient.DisconnectNoHello, "First message is not hello")
				return
			}
			if !c.handleHello(ctx, m) {
				return
			}
			helloed = true
			continue
		}

		if !c.handleMessage(ctx, m) {
			return
		}
	}
}

func (c *Conn) handleReadError(ctx context.Context, err error) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		c.disconnect(ctx, caclient.DisconnectNoHeartbeat, "Server timed out while waiting for heartbeat")
	case errors.Is(err, websocket.ErrReadLimit):
		// The websocket library has already sent the close frame.
		c.closeClient(ctx, caclient.DisconnectOversizedDatagram, "Message too large")
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
		c.closeClient(ctx, caclient.DisconnectGeneric, "Client closed the connection")
	default:
		c.closeClient(ctx, caclient.DisconnectNetworkReadError, err.Error())
	}
}

func (c *Conn) handleHello(ctx context.Context, m Message) bool {
	if m.Version != c.cfg.Version {
		c.disconnect(ctx, caclient.DisconnectBadVersion, fmt.Sprintf(
			"Client version mismatch: server=%s, client=%s", c.cfg.Version, m.Version,
		))
		return false
	}
	if m.DCHash != c.cfg.DCHash {
		c.disconnect(ctx, caclient.DisconnectBadDCHash, fmt.Sprintf(
			"Client DC hash mismatch: server=0x%x, client=0x%x", c.cfg.DCHash, m.DCHash,
		))
		return false
	}

	if err := c.client.SetState(ctx, caclient.StateAnonymous); err != nil {
		return false
	}
	c.send(&Message{Type: TypeHelloResp})
	return true
}

// handleMessage reports whether the read loop should continue.
func (c *Conn) handleMessage(ctx context.Context, m Message) bool {
	var err error

	switch m.Type {
	case TypeHeartbeat:
		return true

	case TypeDisconnect:
		c.closeClient(ctx, caclient.DisconnectGeneric, "Client disconnected")
		return false

	case TypeSetField:
		err = c.client.SendField(ctx, m.DoID, m.FieldID, m.Value)

	case TypeAddInterest:
		zones := cainterest.NewZoneSet(m.Zones...)
		if len(m.Zones) == 0 {
			zones.Add(m.Zone)
		}
		err = c.client.AddInterest(ctx, cainterest.Interest{
			ID: m.InterestID, Parent: m.Parent, Zones: zones,
		}, m.Context)

	case TypeRemoveInterest:
		err = c.client.RemoveInterest(ctx, m.InterestID, m.Context)

	default:
		c.disconnect(ctx, caclient.DisconnectInvalidMsgType, fmt.Sprintf(
			"Message type %q not allowed", m.Type,
		))
		return false
	}

	return err == nil
}

func (c *Conn) disconnect(ctx context.Context, reason caclient.DisconnectReason, msg string) {
	if err := c.client.Disconnect(ctx, reason, msg); err != nil {
		c.log.Debug("Client already stopped before disconnect", "reason", reason, "err", err)
	}
}

func (c *Conn) closeClient(ctx context.Context, reason caclient.DisconnectReason, msg string) {
	if err := c.client.Close(ctx, reason, msg); err != nil {
		c.log.Debug("Failed to close client", "reason", reason, "err", err)
	}
}

func (c *Conn) SendDisconnect(reason caclient.DisconnectReason, msg string) {
	c.send(&Message{Type: TypeEject, Reason: uint16(reason), Message: msg})
}

func (c *Conn) ForwardDatagram(b []byte) {
	c.send(&Message{Type: TypeDatagram, Data: append([]byte(nil), b...)})
}

func (c *Conn) Drop() {
	c.publish(outMessage{close: true})
}

func (c *Conn) AddObject(e caclient.ObjectEntry) {
	c.send(entryMessage(e, false))
}

func (c *Conn) AddOwnership(e caclient.ObjectEntry) {
	c.send(entryMessage(e, true))
}

func entryMessage(e caclient.ObjectEntry, owner bool) *Message {
	return &Message{
		Type: TypeEnterObject,

		DoID:   e.ID,
		Parent: e.Parent,
		Zone:   e.Zone,

		ClassID: e.Class.ID,
		Class:   e.Class.Name,
		Payload: append([]byte(nil), e.Payload...),

		Other: e.WithOther,
		Owner: owner,
	}
}

func (c *Conn) SetField(doID uint32, fieldID uint16, value []byte) {
	m := &Message{
		Type:    TypeSetField,
		DoID:    doID,
		FieldID: fieldID,
		Value:   append([]byte(nil), value...),
	}
	if c.cfg.Schema != nil {
		if f := c.cfg.Schema.Field(fieldID); f != nil {
			m.Field = f.String()
		}
	}
	c.send(m)
}

func (c *Conn) ChangeLocation(doID, parent, zone uint32) {
	c.send(&Message{Type: TypeLocation, DoID: doID, Parent: parent, Zone: zone})
}

func (c *Conn) RemoveObject(doID uint32) {
	c.send(&Message{Type: TypeLeaveObject, DoID: doID})
}

func (c *Conn) RemoveOwnership(doID uint32) {
	c.send(&Message{Type: TypeLeaveObject, DoID: doID, Owner: true})
}

func (c *Conn) InterestDone(interestID uint16, clientContext uint32) {
	c.send(&Message{Type: TypeInterestDone, InterestID: interestID, Context: clientContext})
}
