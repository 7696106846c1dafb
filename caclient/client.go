package caclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/oklog/ulid/v2"
	"github.com/otpgo/clientagent/cabus"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/otpgo/clientagent/cainterest"
	"github.com/otpgo/clientagent/capubsub"
	"github.com/otpgo/clientagent/caschema"
	"github.com/otpgo/clientagent/internal/catrace"
)

// Client is the agent-side state of one client connection.
//
// Create a Client with [NewClient].
// Its methods are safe for concurrent use;
// each one is a request handled by the client's goroutine.
type Client struct {
	log *slog.Logger

	id ulid.ULID

	schema  *caschema.Schema
	iface   Interface
	tracker *cachannel.Tracker
	bus     cabus.Participant
	tracer  catrace.Tracer
	metrics *Metrics

	// Allocated from the tracker, and freed on teardown.
	allocated cachannel.Channel

	// Current address; may be changed by another server process.
	channel cachannel.Channel

	state State

	owned    map[uint32]struct{}
	seen     map[uint32]struct{}
	declared map[uint32]*caschema.Class
	session  map[uint32]struct{}

	visible   map[uint32]cainterest.VisibleObject
	interests map[uint16]cainterest.Interest

	// Next context for operations and object queries.
	nextContext uint32

	// Operation context to operation.
	pending map[uint32]cainterest.Operation

	// Object query context to operation context.
	queries map[uint32]uint32

	spans map[uint32]catrace.Span

	// Set once the client has disconnected.
	err error

	setStateRequests       chan setStateRequest
	addInterestRequests    chan addInterestRequest
	removeInterestRequests chan removeInterestRequest
	sendFieldRequests      chan sendFieldRequest
	disconnectRequests     chan disconnectRequest

	lookupObjectRequests    chan lookupObjectRequest
	lookupInterestsRequests chan lookupInterestsRequest
	snapshotRequests        chan snapshotRequest

	done chan struct{}
}

// ClientConfig is the configuration for [NewClient].
type ClientConfig struct {
	Schema *caschema.Schema

	// Shared by every client of an agent.
	Tracker *cachannel.Tracker

	Bus cabus.Bus

	// The protocol layer receiving the client's notifications.
	Interface Interface

	// Optional.
	TracerProvider catrace.TracerProvider

	// Optional.
	Metrics *Metrics
}

func (c ClientConfig) validate() {
	var err error

	if c.Schema == nil {
		err = errors.Join(err, errors.New("Schema must not be nil"))
	}
	if c.Tracker == nil {
		err = errors.Join(err, errors.New("Tracker must not be nil"))
	}
	if c.Bus == nil {
		err = errors.Join(err, errors.New("Bus must not be nil"))
	}
	if c.Interface == nil {
		err = errors.Join(err, errors.New("Interface must not be nil"))
	}

	if err != nil {
		panic(fmt.Errorf("BUG: invalid ClientConfig: %w", err))
	}
}

// NewClient allocates a channel for a new client,
// subscribes it on the bus and starts the client's goroutine.
//
// The only error returned is a [cachannel.ExhaustedError],
// when the agent has no free channels.
func NewClient(ctx context.Context, log *slog.Logger, cfg ClientConfig) (*Client, error) {
	cfg.validate()

	ch, err := cfg.Tracker.Alloc()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate client channel: %w", err)
	}

	id := ulid.Make()
	tp := cfg.TracerProvider
	if tp == nil {
		tp = catrace.NopTracerProvider()
	}

	c := &Client{
		log: log.With("client", id.String(), "channel", uint64(ch)),

		id: id,

		schema:  cfg.Schema,
		iface:   cfg.Interface,
		tracker: cfg.Tracker,
		bus:     cfg.Bus.Attach(id.String()),
		tracer:  tp.Tracer("github.com/otpgo/clientagent/caclient"),
		metrics: cfg.Metrics,

		allocated: ch,
		channel:   ch,

		state: StateNew,

		owned:    map[uint32]struct{}{},
		seen:     map[uint32]struct{}{},
		declared: map[uint32]*caschema.Class{},
		session:  map[uint32]struct{}{},

		visible:   map[uint32]cainterest.VisibleObject{},
		interests: map[uint16]cainterest.Interest{},

		pending: map[uint32]cainterest.Operation{},
		queries: map[uint32]uint32{},
		spans:   map[uint32]catrace.Span{},

		// Unbuffered because the caller blocks on these requests anyway.
		setStateRequests:       make(chan setStateRequest),
		addInterestRequests:    make(chan addInterestRequest),
		removeInterestRequests: make(chan removeInterestRequest),
		sendFieldRequests:      make(chan sendFieldRequest),
		disconnectRequests:     make(chan disconnectRequest),

		lookupObjectRequests:    make(chan lookupObjectRequest),
		lookupInterestsRequests: make(chan lookupInterestsRequest),
		snapshotRequests:        make(chan snapshotRequest),

		done: make(chan struct{}),
	}

	c.bus.Subscribe(ch)

	go c.mainLoop(ctx, c.bus.Inbox())

	return c, nil
}

// ID is a unique identifier for this client, used in logs.
func (c *Client) ID() ulid.ULID {
	return c.id
}

// Wait blocks until the client's goroutine has stopped.
func (c *Client) Wait() {
	<-c.done
}

// Done is closed once the client's goroutine has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the client stopped.
// It must only be called after [*Client.Done] is closed.
func (c *Client) Err() error {
	return c.err
}

func (c *Client) mainLoop(ctx context.Context, inbox *capubsub.Stream[*cadgram.Datagram]) {
	defer close(c.done)

	for c.state != StateDisconnected {
		select {
		case <-ctx.Done():
			c.log.Info(
				"Stopping due to context cancellation",
				"cause", context.Cause(ctx),
			)
			c.teardown(fmt.Errorf("client stopped: %w", context.Cause(ctx)))
			return

		case <-inbox.Ready:
			c.handleDatagram(inbox.Val)
			inbox = inbox.Next

		case req := <-c.setStateRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.handleSetState(req)

		case req := <-c.addInterestRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.handleAddInterestRequest(req)

		case req := <-c.removeInterestRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.handleRemoveInterestRequest(req)

		case req := <-c.sendFieldRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.handleSendField(req)

		case req := <-c.disconnectRequests:
			if req.Notify {
				c.disconnect(req.Reason, req.Msg, false)
			} else {
				c.log.Info("Connection closed", "reason", req.Reason, "msg", req.Msg)
				c.metrics.disconnected(req.Reason)
				c.teardown(DisconnectedError{Reason: req.Reason, Message: req.Msg})
			}
			req.Resp <- nil

		case req := <-c.lookupObjectRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.lookupObject(req.DoID)

		case req := <-c.lookupInterestsRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.lookupInterests(req.Parent, req.Zone)

		case req := <-c.snapshotRequests:
			inbox = c.drain(inbox)
			req.Resp <- c.snapshot()
		}
	}
}

// drain handles every datagram already in the inbox,
// so that a request observes all bus traffic delivered before it was made.
func (c *Client) drain(inbox *capubsub.Stream[*cadgram.Datagram]) *capubsub.Stream[*cadgram.Datagram] {
	for c.state != StateDisconnected && inbox.IsReady() {
		c.handleDatagram(inbox.Val)
		inbox = inbox.Next
	}
	return inbox
}

// checkOpen returns the disconnect error if the client is no longer running.
func (c *Client) checkOpen() error {
	if c.state == StateDisconnected {
		return c.err
	}
	return nil
}

// roundTrip sends req on ch and waits for the response on resp.
func roundTrip[Req, Resp any](
	ctx context.Context, c *Client, name string,
	ch chan<- Req, req Req, resp <-chan Resp,
) (Resp, error) {
	var zero Resp

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf(
			"context canceled while making %s request: %w", name, context.Cause(ctx),
		)
	case <-c.done:
		return zero, c.err
	case ch <- req:
		// Okay.
	}

	select {
	case <-ctx.Done():
		return zero, fmt.Errorf(
			"context canceled while waiting for %s response: %w", name, context.Cause(ctx),
		)
	case r := <-resp:
		return r, nil
	}
}

// SetState moves the client to the given state.
// Only [StateAnonymous] and [StateEstablished] may be requested.
func (c *Client) SetState(ctx context.Context, s State) error {
	resp := make(chan error, 1)
	err, rtErr := roundTrip(ctx, c, "set state", c.setStateRequests, setStateRequest{
		State: s, Resp: resp,
	}, resp)
	return errors.Join(rtErr, err)
}

// AddInterest adds or replaces the client's interest with i.ID.
// Completion is reported through [Interface.InterestDone] with clientContext.
//
// A non-nil error means the client was disconnected, or ctx was canceled.
func (c *Client) AddInterest(ctx context.Context, i cainterest.Interest, clientContext uint32) error {
	resp := make(chan error, 1)
	err, rtErr := roundTrip(ctx, c, "add interest", c.addInterestRequests, addInterestRequest{
		Interest: i, Context: clientContext, Resp: resp,
	}, resp)
	return errors.Join(rtErr, err)
}

// RemoveInterest removes the client's interest with the given ID.
func (c *Client) RemoveInterest(ctx context.Context, interestID uint16, clientContext uint32) error {
	resp := make(chan error, 1)
	err, rtErr := roundTrip(ctx, c, "remove interest", c.removeInterestRequests, removeInterestRequest{
		InterestID: interestID, Context: clientContext, Resp: resp,
	}, resp)
	return errors.Join(rtErr, err)
}

// SendField relays a field update from the client to the object's owner,
// after checking the client is allowed to send it.
func (c *Client) SendField(ctx context.Context, doID uint32, fieldID uint16, value []byte) error {
	resp := make(chan error, 1)
	err, rtErr := roundTrip(ctx, c, "send field", c.sendFieldRequests, sendFieldRequest{
		DoID: doID, FieldID: fieldID, Value: value, Resp: resp,
	}, resp)
	return errors.Join(rtErr, err)
}

// Disconnect sends the reason to the connection and stops the client.
func (c *Client) Disconnect(ctx context.Context, reason DisconnectReason, msg string) error {
	resp := make(chan error, 1)
	err, rtErr := roundTrip(ctx, c, "disconnect", c.disconnectRequests, disconnectRequest{
		Reason: reason, Msg: msg, Notify: true, Resp: resp,
	}, resp)
	return errors.Join(rtErr, err)
}

// Close stops the client after its connection was lost.
// Nothing is sent to the connection.
func (c *Client) Close(ctx context.Context, reason DisconnectReason, msg string) error {
	resp := make(chan error, 1)
	err, rtErr := roundTrip(ctx, c, "close", c.disconnectRequests, disconnectRequest{
		Reason: reason, Msg: msg, Resp: resp,
	}, resp)
	if rtErr != nil {
		select {
		case <-c.done:
			// Already stopped.
			return nil
		default:
			return rtErr
		}
	}
	return err
}

// LookupObject returns the class of a visible object,
// or nil if the client cannot see it.
func (c *Client) LookupObject(ctx context.Context, doID uint32) (*caschema.Class, error) {
	resp := make(chan *caschema.Class, 1)
	return roundTrip(ctx, c, "lookup object", c.lookupObjectRequests, lookupObjectRequest{
		DoID: doID, Resp: resp,
	}, resp)
}

// LookupInterests returns every interest covering (parent, zone), ordered by ID.
func (c *Client) LookupInterests(ctx context.Context, parent, zone uint32) ([]cainterest.Interest, error) {
	resp := make(chan []cainterest.Interest, 1)
	return roundTrip(ctx, c, "lookup interests", c.lookupInterestsRequests, lookupInterestsRequest{
		Parent: parent, Zone: zone, Resp: resp,
	}, resp)
}

// Snapshot is a copy of a client's state, for inspection.
type Snapshot struct {
	State   State
	Channel cachannel.Channel

	Visible   map[uint32]cainterest.VisibleObject
	Interests map[uint16]cainterest.Interest

	// Sorted object IDs.
	Owned []uint32
	Seen  []uint32

	PendingOperations int
}

// Snapshot returns a copy of the client's current state.
func (c *Client) Snapshot(ctx context.Context) (Snapshot, error) {
	resp := make(chan Snapshot, 1)
	return roundTrip(ctx, c, "snapshot", c.snapshotRequests, snapshotRequest{Resp: resp}, resp)
}

func (c *Client) snapshot() Snapshot {
	interests := make(map[uint16]cainterest.Interest, len(c.interests))
	for id, i := range c.interests {
		i.Zones = i.Zones.Clone()
		interests[id] = i
	}

	return Snapshot{
		State:   c.state,
		Channel: c.channel,

		Visible:   maps.Clone(c.visible),
		Interests: interests,

		Owned: slices.Sorted(maps.Keys(c.owned)),
		Seen:  slices.Sorted(maps.Keys(c.seen)),

		PendingOperations: len(c.pending),
	}
}

func (c *Client) handleSetState(req setStateRequest) error {
	// Datagrams drained before this request may have disconnected the client.
	if err := c.checkOpen(); err != nil {
		return err
	}

	switch req.State {
	case StateAnonymous, StateEstablished:
		c.setState(req.State)
		return nil
	default:
		return fmt.Errorf("cannot request transition to state %s", req.State)
	}
}

// setState changes the state of a running client.
// A disconnected client never changes state again.
func (c *Client) setState(s State) {
	if s == c.state || c.state == StateDisconnected {
		return
	}
	c.log.Debug("Changing state", "from", c.state, "to", s)
	c.state = s
}

// disconnect notifies the connection and tears the client down.
// Security-relevant disconnects are logged at a higher level.
func (c *Client) disconnect(reason DisconnectReason, msg string, security bool) {
	if c.state == StateDisconnected {
		return
	}

	if security {
		c.log.Warn("Disconnecting client for security violation", "reason", reason, "msg", msg)
	} else {
		c.log.Info("Disconnecting client", "reason", reason, "msg", msg)
	}

	c.metrics.disconnected(reason)
	c.iface.SendDisconnect(reason, msg)
	c.teardown(DisconnectedError{Reason: reason, Message: msg})
}

// teardown releases every resource held by the client.
// Post-remove datagrams are sent as the bus participant closes.
func (c *Client) teardown(err error) {
	c.state = StateDisconnected
	c.err = err

	for ctx, span := range c.spans {
		catrace.SpanError(span, err)
		span.End()
		delete(c.spans, ctx)
	}
	c.metrics.addPending(-float64(len(c.pending)))
	clear(c.pending)
	clear(c.queries)

	c.metrics.addVisible(-float64(len(c.visible)))
	clear(c.visible)

	c.bus.Close()
	c.tracker.Free(c.allocated)
}
