package caquic

import (
	"fmt"
	"time"

	"github.com/quic-go/quic-go"
)

// StreamErrorCode is used for [Stream.CancelRead] and [Stream.CancelWrite],
// to inform the peer of why the stream is canceled.
type StreamErrorCode uint64

// Stream is a readable and writable QUIC stream.
type Stream interface {
	Read([]byte) (int, error)
	Write([]byte) (int, error)

	// Close closes the write side only.
	Close() error

	CancelRead(StreamErrorCode)
	CancelWrite(StreamErrorCode)

	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// StreamAdapter wraps a [*quic.Stream] to satisfy the [Stream] interface.
// Use [WrapStream] to create an instance.
type StreamAdapter struct {
	s *quic.Stream
}

var _ Stream = StreamAdapter{}

func WrapStream(s *quic.Stream) StreamAdapter {
	return StreamAdapter{s: s}
}

func (a StreamAdapter) Read(p []byte) (int, error) {
	return a.s.Read(p)
}

func (a StreamAdapter) Write(p []byte) (int, error) {
	return a.s.Write(p)
}

func (a StreamAdapter) Close() error {
	return a.s.Close()
}

func (a StreamAdapter) CancelRead(code StreamErrorCode) {
	checkStreamCode(code)
	a.s.CancelRead(quic.StreamErrorCode(code))
}

func (a StreamAdapter) CancelWrite(code StreamErrorCode) {
	checkStreamCode(code)
	a.s.CancelWrite(quic.StreamErrorCode(code))
}

func (a StreamAdapter) SetReadDeadline(t time.Time) error {
	return a.s.SetReadDeadline(t)
}

func (a StreamAdapter) SetWriteDeadline(t time.Time) error {
	return a.s.SetWriteDeadline(t)
}

func checkStreamCode(code StreamErrorCode) {
	if (code >> 62) > 0 {
		panic(fmt.Errorf(
			"BUG: stream error code must fit in 62 bits (got 0x%x)", code,
		))
	}
}
