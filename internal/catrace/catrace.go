// Package catrace wraps the OpenTelemetry tracing API
// with the attributes the client agent records.
package catrace

import (
	"fmt"
	"net"

	otelattr "go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	otelnoop "go.opentelemetry.io/otel/trace/noop"
)

type TracerProvider = oteltrace.TracerProvider

type Tracer = oteltrace.Tracer

type Span = oteltrace.Span

type KeyValueAttr = otelattr.KeyValue

// NopTracerProvider returns the otel no-op tracer provider.
// This is intended to use as a fallback when a nil tracer provider is given.
func NopTracerProvider() TracerProvider {
	return otelnoop.NewTracerProvider()
}

// WithAttributes is an alias to [oteltrace.WithAttributes]
// to allow consumers to only reference the catrace package.
func WithAttributes(attrs ...KeyValueAttr) oteltrace.SpanStartEventOption {
	return oteltrace.WithAttributes(attrs...)
}

// SpanError sets the given span to error status,
// with detail from err.Error().
func SpanError(span Span, err error) {
	span.SetStatus(otelcodes.Error, err.Error())
}

// ErrorAttr returns an attribute with the key "err"
// and the lazily evaluated value of err's Error() method.
func ErrorAttr(err error) KeyValueAttr {
	return otelattr.Stringer("err", errStringer{err: err})
}

type errStringer struct {
	err error
}

func (e errStringer) String() string {
	return e.err.Error()
}

type RemoteAddr interface {
	RemoteAddr() net.Addr
}

func RemoteAddrAttr(ra RemoteAddr) KeyValueAttr {
	return otelattr.Stringer("remote", lazyRemoteAddr{a: ra.RemoteAddr()})
}

type lazyRemoteAddr struct {
	a net.Addr
}

func (lra lazyRemoteAddr) String() string {
	return lra.a.String()
}

// ChannelAttr records a bus channel in hex,
// matching how location channels are usually read.
func ChannelAttr(key string, c uint64) KeyValueAttr {
	return otelattr.Stringer(key, lazyHex{val: c})
}

type lazyHex struct {
	val any
}

func (h lazyHex) String() string {
	return fmt.Sprintf("%#x", h.val)
}

// InterestAttrs describes an interest operation.
func InterestAttrs(interestID uint16, clientContext, parent uint32, zones, queries int) []KeyValueAttr {
	return []KeyValueAttr{
		otelattr.Int("interest.id", int(interestID)),
		otelattr.Int64("interest.context", int64(clientContext)),
		otelattr.Int64("interest.parent", int64(parent)),
		otelattr.Int("interest.zones", zones),
		otelattr.Int("interest.queries", queries),
	}
}

// TotalAttr records the object count an interest operation waited for.
func TotalAttr(total uint32) KeyValueAttr {
	return otelattr.Int64("interest.total", int64(total))
}
