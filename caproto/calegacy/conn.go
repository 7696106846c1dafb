// Package calegacy serves the legacy binary client protocol
// over a single bidirectional QUIC stream.
//
// Every message is a frame of a uint16 little-endian length,
// followed by a uint16 message type and the message payload.
// The first message from the client must be [ClientHello];
// afterwards the client must send something,
// at least a [ClientHeartbeat], within every heartbeat timeout.
package calegacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/otpgo/clientagent/caclient"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/cainterest"
	"github.com/otpgo/clientagent/capubsub"
	"github.com/otpgo/clientagent/caquic"
)

// Conn is one client connection speaking the legacy protocol.
// It implements [caclient.Interface] for the client it serves.
type Conn struct {
	log *slog.Logger

	s   caquic.Stream
	cfg ConnConfig

	client *caclient.Client

	// Outbound frames, published from the client goroutine
	// and from the read loop, and written by the write loop.
	outMu sync.Mutex
	out   *capubsub.Stream[outFrame]

	wg sync.WaitGroup
}

var _ caclient.Interface = (*Conn)(nil)

// ConnConfig is the configuration for [NewConn].
type ConnConfig struct {
	// The stream accepted from the client.
	// The Conn owns the stream after NewConn returns.
	Stream caquic.Stream

	// Expected in the client hello.
	DCHash  uint32
	Version string

	// How long the client may stay silent,
	// including before its hello.
	HeartbeatTimeout time.Duration

	// Bound on each write to the stream.
	WriteTimeout time.Duration

	// NewClient starts the client backing this connection.
	// The given Interface is the Conn itself.
	NewClient func(context.Context, caclient.Interface) (*caclient.Client, error)
}

func (c ConnConfig) validate() {
	var err error

	if c.Stream == nil {
		err = errors.Join(err, errors.New("Stream must not be nil"))
	}
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

type outFrame struct {
	body []byte

	// Close the stream after writing body, if any.
	close bool
}

// NewConn starts a client for the connection
// and begins serving the stream.
//
// If the client cannot be started, NewConn returns the error
// and the caller still owns the stream.
func NewConn(ctx context.Context, log *slog.Logger, cfg ConnConfig) (*Conn, error) {
	cfg.validate()

	c := &Conn{
		log: log,

		s:   cfg.Stream,
		cfg: cfg,

		out: capubsub.NewStream[outFrame](),
	}

	// The write loop must observe the first frame,
	// which the client may publish as soon as it starts.
	out := c.out

	client, err := cfg.NewClient(ctx, c)
	if err != nil {
		return nil, err
	}
	c.client = client
	c.log = log.With("client", client.ID().String())

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

func (c *Conn) publish(f outFrame) {
	c.outMu.Lock()
	defer c.outMu.Unlock()

	c.out = c.out.Publish(f)
}

func (c *Conn) send(t MsgType, build func(*cadgram.Datagram)) {
	d := new(cadgram.Datagram)
	d.AddUint16(uint16(t))
	if build != nil {
		build(d)
	}
	c.publish(outFrame{body: d.Payload})
}

func (c *Conn) closeWhenDone() {
	defer c.wg.Done()

	<-c.client.Done()
	c.publish(outFrame{close: true})
}

func (c *Conn) writeLoop(out *capubsub.Stream[outFrame]) {
	defer c.wg.Done()

	for {
		<-out.Ready
		f := out.Val
		out = out.Next

		if f.body != nil {
			if err := c.write(f.body); err != nil {
				c.log.Info("Failed to write to client", "err", err)
				// Nothing further can be sent.
				_ = c.client.Close(context.Background(), caclient.DisconnectNetworkWriteError, err.Error())
				c.shutdown()
				return
			}
		}

		if f.close {
			c.shutdown()
			return
		}
	}
}

func (c *Conn) write(body []byte) error {
	if err := c.s.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	return cadgram.WriteFrame(c.s, body)
}

func (c *Conn) shutdown() {
	_ = c.s.Close()
	c.s.CancelRead(0)
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.wg.Done()

	var buf []byte
	helloed := false

	for {
		if err := c.s.SetReadDeadline(time.Now().Add(c.cfg.HeartbeatTimeout)); err != nil {
			c.closeClient(ctx, caclient.DisconnectNetworkReadError, err.Error())
			return
		}

		var err error
		buf, err = cadgram.ReadFrame(c.s, buf)
		if err != nil {
			c.handleReadError(ctx, err)
			return
		}

		it := cadgram.NewIterator(buf)
		t := MsgType(it.Uint16())
		if it.Err() != nil {
			c.disconnect(ctx, caclient.DisconnectTruncatedDatagram, "Client sent a message without a type")
			return
		}

		if !helloed {
			if t != ClientHello {
				c.disconnect(ctx, caclient.DisconnectNoHello, "First packet is not CLIENT_HELLO")
				return
			}
			if !c.handleHello(ctx, it) {
				return
			}
			helloed = true
			continue
		}

		if !c.handleMessage(ctx, t, it) {
			return
		}
	}
}

func (c *Conn) handleReadError(ctx context.Context, err error) {
	var ne net.Error
	switch {
	case errors.As(err, &ne) && ne.Timeout():
		c.disconnect(ctx, caclient.DisconnectNoHeartbeat, "Server timed out while waiting for heartbeat")
	case errors.Is(err, io.EOF):
		c.closeClient(ctx, caclient.DisconnectNetworkReadError, "Client closed the connection")
	default:
		c.closeClient(ctx, caclient.DisconnectNetworkReadError, err.Error())
	}
}

func (c *Conn) handleHello(ctx context.Context, it *cadgram.Iterator) bool {
	hash := it.Uint32()
	version := it.Str()
	if it.Err() != nil || it.Len() != 0 {
		c.disconnect(ctx, caclient.DisconnectTruncatedDatagram, "Malformed CLIENT_HELLO")
		return false
	}

	if version != c.cfg.Version {
		c.disconnect(ctx, caclient.DisconnectBadVersion, fmt.Sprintf(
			"Client version mismatch: server=%s, client=%s", c.cfg.Version, version,
		))
		return false
	}
	if hash != c.cfg.DCHash {
		c.disconnect(ctx, caclient.DisconnectBadDCHash, fmt.Sprintf(
			"Client DC hash mismatch: server=0x%x, client=0x%x", c.cfg.DCHash, hash,
		))
		return false
	}

	if err := c.client.SetState(ctx, caclient.StateAnonymous); err != nil {
		return false
	}
	c.send(ClientHelloResp, nil)
	return true
}

// handleMessage handles one message after the hello.
// It reports whether the read loop should continue.
func (c *Conn) handleMessage(ctx context.Context, t MsgType, it *cadgram.Iterator) bool {
	var err error

	switch t {
	case ClientHeartbeat:
		// The read deadline is extended on the next read.
		return true

	case ClientDisconnect:
		c.closeClient(ctx, caclient.DisconnectGeneric, "Client disconnected")
		return false

	case ClientObjectSetField:
		doID := it.Uint32()
		fieldID := it.Uint16()
		value := it.Remaining()
		if it.Err() != nil {
			break
		}
		err = c.client.SendField(ctx, doID, fieldID, value)

	case ClientAddInterest, ClientAddInterestMultiple:
		clientContext := it.Uint32()
		id := it.Uint16()
		parent := it.Uint32()
		zones := cainterest.NewZoneSet()
		if t == ClientAddInterestMultiple {
			n := it.Uint16()
			for range n {
				zones.Add(it.Uint32())
			}
		} else {
			zones.Add(it.Uint32())
		}
		if it.Err() != nil {
			break
		}
		err = c.client.AddInterest(ctx, cainterest.Interest{ID: id, Parent: parent, Zones: zones}, clientContext)

	case ClientRemoveInterest:
		clientContext := it.Uint32()
		id := it.Uint16()
		if it.Err() != nil {
			break
		}
		err = c.client.RemoveInterest(ctx, id, clientContext)

	default:
		c.disconnect(ctx, caclient.DisconnectInvalidMsgType, fmt.Sprintf(
			"Message type %d not allowed", t,
		))
		return false
	}

	if it.Err() != nil {
		c.disconnect(ctx, caclient.DisconnectTruncatedDatagram, fmt.Sprintf(
			"Truncated message of type %d", t,
		))
		return false
	}

	// The client has already disconnected if err is set.
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
	c.send(ClientEject, func(d *cadgram.Datagram) {
		d.AddUint16(uint16(reason)).AddString(msg)
	})
}

// ForwardDatagram sends b unchanged; it already starts with a message type.
func (c *Conn) ForwardDatagram(b []byte) {
	c.publish(outFrame{body: append([]byte(nil), b...)})
}

func (c *Conn) Drop() {
	c.publish(outFrame{close: true})
}

func (c *Conn) AddObject(e caclient.ObjectEntry) {
	t := ClientEnterObjectRequired
	if e.WithOther {
		t = ClientEnterObjectRequiredOther
	}
	c.sendEntry(t, e)
}

func (c *Conn) AddOwnership(e caclient.ObjectEntry) {
	t := ClientEnterObjectRequiredOwner
	if e.WithOther {
		t = ClientEnterObjectRequiredOtherOwner
	}
	c.sendEntry(t, e)
}

func (c *Conn) sendEntry(t MsgType, e caclient.ObjectEntry) {
	c.send(t, func(d *cadgram.Datagram) {
		d.AddUint32(e.ID).AddUint32(e.Parent).AddUint32(e.Zone).
			AddUint16(e.Class.ID).AddData(e.Payload)
	})
}

func (c *Conn) SetField(doID uint32, fieldID uint16, value []byte) {
	c.send(ClientObjectSetField, func(d *cadgram.Datagram) {
		d.AddUint32(doID).AddUint16(fieldID).AddData(value)
	})
}

func (c *Conn) ChangeLocation(doID, parent, zone uint32) {
	c.send(ClientObjectLocation, func(d *cadgram.Datagram) {
		d.AddUint32(doID).AddUint32(parent).AddUint32(zone)
	})
}

func (c *Conn) RemoveObject(doID uint32) {
	c.send(ClientObjectLeaving, func(d *cadgram.Datagram) {
		d.AddUint32(doID)
	})
}

func (c *Conn) RemoveOwnership(doID uint32) {
	c.send(ClientObjectLeavingOwner, func(d *cadgram.Datagram) {
		d.AddUint32(doID)
	})
}

func (c *Conn) InterestDone(interestID uint16, clientContext uint32) {
	c.send(ClientDoneInterestResp, func(d *cadgram.Datagram) {
		d.AddUint32(clientContext).AddUint16(interestID)
	})
}
