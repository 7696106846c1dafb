package clientagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/otpgo/clientagent/cabus"
	"github.com/otpgo/clientagent/caclient"
	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/caproto/cajson"
	"github.com/otpgo/clientagent/caproto/calegacy"
	"github.com/otpgo/clientagent/caquic"
	"github.com/otpgo/clientagent/caschema"
	"github.com/otpgo/clientagent/internal/catrace"
)

// Agent accepts client connections and runs a [caclient.Client] for each,
// all sharing one channel range, bus and schema.
type Agent struct {
	log *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	cfg AgentConfig

	tracker *cachannel.Tracker
	tracer  catrace.Tracer

	clientMetrics *caclient.Metrics

	wg sync.WaitGroup
}

// AgentConfig is the configuration for [NewAgent].
type AgentConfig struct {
	Schema *caschema.Schema

	Bus cabus.Bus

	// Client channels are allocated from [MinChannel, MaxChannel).
	MinChannel, MaxChannel cachannel.Channel

	// Clients must present this version and DC hash in their hello.
	// A zero DCHash means the schema's hash.
	Version string
	DCHash  uint32

	HeartbeatTimeout time.Duration
	WriteTimeout     time.Duration

	// How long to wait for a new QUIC connection to open its stream.
	AcceptStreamTimeout time.Duration

	// Optional.
	Metrics        *Metrics
	TracerProvider catrace.TracerProvider
}

// validate panics if there are any illegal settings in the configuration.
func (c AgentConfig) validate() {
	var panicErrs error

	if c.Schema == nil {
		panicErrs = errors.Join(panicErrs, errors.New("AgentConfig.Schema must not be nil"))
	}
	if c.Bus == nil {
		panicErrs = errors.Join(panicErrs, errors.New("AgentConfig.Bus must not be nil"))
	}
	if c.MaxChannel <= c.MinChannel {
		panicErrs = errors.Join(panicErrs, fmt.Errorf(
			"AgentConfig channel range [%d, %d) must not be empty", c.MinChannel, c.MaxChannel,
		))
	}
	if c.Version == "" {
		panicErrs = errors.Join(panicErrs, errors.New("AgentConfig.Version must not be empty"))
	}
	if c.HeartbeatTimeout <= 0 {
		panicErrs = errors.Join(panicErrs, errors.New("AgentConfig.HeartbeatTimeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		panicErrs = errors.Join(panicErrs, errors.New("AgentConfig.WriteTimeout must be positive"))
	}
	if c.AcceptStreamTimeout <= 0 {
		panicErrs = errors.Join(panicErrs, errors.New("AgentConfig.AcceptStreamTimeout must be positive"))
	}

	if panicErrs != nil {
		panic(fmt.Errorf("BUG: invalid AgentConfig: %w", panicErrs))
	}
}

// NewAgent returns a new Agent.
// The ctx parameter controls the lifecycle of the Agent and every client;
// cancel the context to stop the agent,
// and then use [*Agent.Wait] to block until all clients have stopped.
//
// The agent also stops by itself when its channel range is exhausted;
// [*Agent.Err] then reports a [cachannel.ExhaustedError].
func NewAgent(ctx context.Context, log *slog.Logger, cfg AgentConfig) *Agent {
	cfg.validate()

	if cfg.DCHash == 0 {
		cfg.DCHash = cfg.Schema.Hash()
	}

	ctx, cancel := context.WithCancelCause(ctx)

	tp := cfg.TracerProvider
	if tp == nil {
		tp = catrace.NopTracerProvider()
	}

	a := &Agent{
		log: log,

		ctx:    ctx,
		cancel: cancel,

		cfg: cfg,

		tracker: cachannel.NewTracker(cfg.MinChannel, cfg.MaxChannel),
		tracer:  tp.Tracer("github.com/otpgo/clientagent"),

		clientMetrics: cfg.Metrics.clientMetrics(),
	}

	return a
}

// Done is closed when the agent is stopping.
func (a *Agent) Done() <-chan struct{} {
	return a.ctx.Done()
}

// Err reports why the agent stopped, or nil if it is still running.
func (a *Agent) Err() error {
	if a.ctx.Err() == nil {
		return nil
	}
	return context.Cause(a.ctx)
}

// Wait blocks until every client and connection has finished.
// It does not stop the agent; cancel its context first.
func (a *Agent) Wait() {
	a.wg.Wait()
}

// NewClient starts a client that reports to iface.
//
// Running out of channels is fatal to the agent:
// the error is returned and the agent is stopped with it as the cause.
//
// The client stops when either ctx or the agent is canceled.
func (a *Agent) NewClient(ctx context.Context, iface caclient.Interface) (*caclient.Client, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := context.AfterFunc(a.ctx, func() {
		cancel(context.Cause(a.ctx))
	})

	c, err := caclient.NewClient(ctx, a.log.With("sys", "client"), caclient.ClientConfig{
		Schema:    a.cfg.Schema,
		Tracker:   a.tracker,
		Bus:       a.cfg.Bus,
		Interface: iface,

		TracerProvider: a.cfg.TracerProvider,
		Metrics:        a.clientMetrics,
	})
	if err != nil {
		stop()
		cancel(nil)

		var ee cachannel.ExhaustedError
		if errors.As(err, &ee) {
			a.log.Error("Client channel range exhausted; stopping agent", "err", err)
			a.cancel(err)
		}
		return nil, err
	}

	a.cfg.Metrics.clientStarted(a.tracker.Allocated())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		<-c.Done()
		stop()
		cancel(nil)
		a.cfg.Metrics.clientStopped(a.tracker.Allocated())
	}()

	return c, nil
}

// ServeQUIC accepts legacy protocol connections from l
// until the agent stops or l is closed.
// Each connection must open exactly one bidirectional stream.
func (a *Agent) ServeQUIC(l *caquic.Listener) error {
	for {
		qc, err := l.Accept(a.ctx)
		if err != nil {
			if a.ctx.Err() != nil {
				a.log.Info(
					"Accept loop quitting due to context cancellation",
					"cause", context.Cause(a.ctx),
				)
				return context.Cause(a.ctx)
			}
			return fmt.Errorf("failed to accept QUIC connection: %w", err)
		}

		a.wg.Add(1)
		go a.serveQUICConn(qc)
	}
}

func (a *Agent) serveQUICConn(qc caquic.Conn) {
	defer a.wg.Done()

	_, span := a.tracer.Start(
		a.ctx, "client.connection",
		catrace.WithAttributes(catrace.RemoteAddrAttr(qc)),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(a.ctx, a.cfg.AcceptStreamTimeout)
	s, err := qc.AcceptStream(ctx)
	cancel()
	if err != nil {
		a.log.Debug(
			"Failed to accept client stream",
			"remote_addr", qc.RemoteAddr().String(),
			"err", err,
		)
		span.SetAttributes(catrace.ErrorAttr(err))
		_ = qc.CloseWithError(caquic.CodeProtocolViolation, "no stream opened")
		return
	}

	c, err := calegacy.NewConn(a.ctx, a.log.With("remote_addr", qc.RemoteAddr().String()), calegacy.ConnConfig{
		Stream: s,

		DCHash:  a.cfg.DCHash,
		Version: a.cfg.Version,

		HeartbeatTimeout: a.cfg.HeartbeatTimeout,
		WriteTimeout:     a.cfg.WriteTimeout,

		NewClient: a.NewClient,
	})
	if err != nil {
		catrace.SpanError(span, err)
		_ = qc.CloseWithError(caquic.CodeShutdown, "no capacity")
		return
	}

	c.Wait()

	// Give the client a moment to read the final frames and close first.
	select {
	case <-qc.Context().Done():
	case <-time.After(a.cfg.WriteTimeout):
	}

	code := caquic.CodeNoError
	if a.ctx.Err() != nil {
		code = caquic.CodeShutdown
	}
	_ = qc.CloseWithError(code, "")

	var de caclient.DisconnectedError
	if err := c.Client().Err(); err != nil && !errors.As(err, &de) {
		span.SetAttributes(catrace.ErrorAttr(err))
	}
}

// WebsocketHandler returns an HTTP handler serving the JSON protocol.
func (a *Agent) WebsocketHandler() http.Handler {
	h := cajson.NewHandler(a.ctx, a.log.With("sys", "websocket"), cajson.ConnConfig{
		DCHash:  a.cfg.DCHash,
		Version: a.cfg.Version,

		HeartbeatTimeout: a.cfg.HeartbeatTimeout,
		WriteTimeout:     a.cfg.WriteTimeout,

		Schema: a.cfg.Schema,

		NewClient: a.NewClient,
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.wg.Add(1)
		defer a.wg.Done()
		h.ServeHTTP(w, r)
	})
}
