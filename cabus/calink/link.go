// Package calink connects an in-process [cabus.Director]
// to an upstream message director over a single QUIC stream.
//
// Every datagram is sent as one length-prefixed frame
// (see [cadgram.WriteFrame]).
// When compression is enabled, each frame body is snappy-encoded;
// both ends of the link must agree on this setting.
//
// Outbound frames are queued and written by a dedicated goroutine,
// so a slow upstream never stalls the local director.
// A write that exceeds the write timeout stops the link.
//
// Post-removes are registered upstream with
// CONTROL_ADD_POST_REMOVE (uint64 owner, blob datagram)
// and withdrawn with CONTROL_CLEAR_POST_REMOVE (uint64 owner).
package calink

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/otpgo/clientagent/cabus"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/capubsub"
	"github.com/otpgo/clientagent/caquic"
)

// DefaultWriteTimeout is used when [LinkConfig.WriteTimeout] is zero.
const DefaultWriteTimeout = 10 * time.Second

// Link is a [cabus.Bus] whose subscriptions are mirrored
// to an upstream message director.
type Link struct {
	log *slog.Logger

	d *cabus.Director

	s            caquic.Stream
	compress     bool
	writeTimeout time.Duration

	cancel context.CancelCauseFunc

	// Encoded frame bodies waiting for writeLoop.
	outMu   sync.Mutex
	outTail *capubsub.Stream[[]byte]

	wg sync.WaitGroup
}

// LinkConfig is the configuration for [NewLink].
type LinkConfig struct {
	// Stream to the upstream director.
	// The link owns the stream after NewLink returns.
	Stream caquic.Stream

	// Snappy-compress frame bodies.
	Compress bool

	// Maximum duration of a single frame write.
	// Defaults to [DefaultWriteTimeout].
	WriteTimeout time.Duration
}

// NewLink returns a new Link over cfg.Stream
// and starts reading datagrams from it.
//
// The link stops when ctx is canceled or the stream fails.
// Use [*Link.Wait] to block until it has stopped.
func NewLink(ctx context.Context, log *slog.Logger, cfg LinkConfig) *Link {
	if cfg.Stream == nil {
		panic(errors.New("BUG: LinkConfig.Stream must not be nil"))
	}

	if cfg.WriteTimeout < 0 {
		panic(fmt.Errorf("BUG: LinkConfig.WriteTimeout must not be negative (got %s)", cfg.WriteTimeout))
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	ctx, cancel := context.WithCancelCause(ctx)

	out := capubsub.NewStream[[]byte]()
	l := &Link{
		log: log,

		s:            cfg.Stream,
		compress:     cfg.Compress,
		writeTimeout: cfg.WriteTimeout,

		cancel: cancel,

		outTail: out,
	}
	l.d = cabus.NewDirector(log.With("sys", "director"), cabus.DirectorConfig{
		Upstream: (*upstream)(l),
	})

	l.wg.Add(2)
	go l.readLoop(ctx)
	go l.writeLoop(ctx, out)
	go l.closeOnCancel(ctx)

	return l
}

// DialLink connects to a message director at addr
// and returns a Link over a new stream on that connection.
func DialLink(
	ctx context.Context, log *slog.Logger, addr string, tlsConf *tls.Config,
	compress bool, writeTimeout time.Duration,
) (*Link, error) {
	conn, err := caquic.Dial(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to message director: %w", err)
	}

	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(caquic.CodeNoError, "")
		return nil, fmt.Errorf("failed to open message director stream: %w", err)
	}

	return NewLink(ctx, log, LinkConfig{
		Stream:       s,
		Compress:     compress,
		WriteTimeout: writeTimeout,
	}), nil
}

// Attach implements [cabus.Bus].
func (l *Link) Attach(name string) cabus.Participant {
	return l.d.Attach(name)
}

// Director returns the local director behind the link.
func (l *Link) Director() *cabus.Director {
	return l.d
}

// Wait blocks until the link has stopped reading and writing.
func (l *Link) Wait() {
	l.wg.Wait()
}

func (l *Link) closeOnCancel(ctx context.Context) {
	<-ctx.Done()
	l.log.Info("Closing message director link", "cause", context.Cause(ctx))
	l.s.CancelRead(0)
	_ = l.s.Close()
}

func (l *Link) readLoop(ctx context.Context) {
	defer l.wg.Done()

	var buf []byte
	for {
		var err error
		buf, err = cadgram.ReadFrame(l.s, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = errors.New("message director closed the link")
			}
			l.log.Warn("Failed to read from message director", "err", err)
			l.cancel(err)
			return
		}

		body := buf
		if l.compress {
			body, err = snappy.Decode(nil, buf)
			if err != nil {
				l.log.Warn("Dropping undecodable frame from message director", "err", err)
				continue
			}
		}

		dg, err := cadgram.Decode(body)
		if err != nil {
			l.log.Warn("Dropping malformed datagram from message director", "err", err)
			continue
		}

		// Decoded payloads alias the read buffer, which is reused on the next read.
		if !l.compress {
			dg = dg.Clone()
		}
		l.d.Deliver(dg)
	}
}

// write queues dg for writeLoop. It never blocks on the stream.
func (l *Link) write(dg *cadgram.Datagram) {
	body, err := dg.MarshalBinary()
	if err != nil {
		l.log.Warn("Dropping unencodable datagram", "msg_type", dg.MsgType, "err", err)
		return
	}
	l.enqueue(body)
}

func (l *Link) enqueue(body []byte) {
	if l.compress {
		body = snappy.Encode(nil, body)
	}

	l.outMu.Lock()
	defer l.outMu.Unlock()
	l.outTail = l.outTail.Publish(body)
}

func (l *Link) writeLoop(ctx context.Context, out *capubsub.Stream[[]byte]) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-out.Ready:
		}

		body := out.Val
		out = out.Next

		if err := l.s.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			l.log.Warn("Failed to set write deadline", "err", err)
			l.cancel(err)
			return
		}
		if err := cadgram.WriteFrame(l.s, body); err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("Failed to write to message director", "err", err)
			l.cancel(err)
			return
		}
	}
}

// upstream is the [cabus.Upstream] view of a Link.
type upstream Link

func (u *upstream) AddChannel(c cachannel.Channel) {
	(*Link)(u).write(cadgram.NewControl(cadgram.ControlAddChannel).AddChannel(c))
}

func (u *upstream) RemoveChannel(c cachannel.Channel) {
	(*Link)(u).write(cadgram.NewControl(cadgram.ControlRemoveChannel).AddChannel(c))
}

func (u *upstream) AddPostRemove(owner cachannel.Channel, dg *cadgram.Datagram) {
	l := (*Link)(u)
	b, err := dg.MarshalBinary()
	if err != nil {
		l.log.Warn("Dropping unencodable post-remove", "msg_type", dg.MsgType, "err", err)
		return
	}
	if len(b) > math.MaxUint16 {
		l.log.Warn("Dropping oversized post-remove", "msg_type", dg.MsgType, "size", len(b))
		return
	}
	l.write(cadgram.NewControl(cadgram.ControlAddPostRemove).AddChannel(owner).AddBlob(b))
}

func (u *upstream) ClearPostRemoves(owner cachannel.Channel) {
	(*Link)(u).write(cadgram.NewControl(cadgram.ControlClearPostRemove).AddChannel(owner))
}

func (u *upstream) Send(dg *cadgram.Datagram) {
	(*Link)(u).write(dg)
}
