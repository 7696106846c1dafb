// Package caquictest contains fixtures for code built on [caquic].
package caquictest

import (
	"net"
	"time"

	"github.com/otpgo/clientagent/caquic"
)

// PipeStream is an in-memory [caquic.Stream] backed by [net.Pipe].
type PipeStream struct {
	c net.Conn
}

var _ caquic.Stream = (*PipeStream)(nil)

// NewStreamPair returns two connected streams.
// Writes to one side are read from the other.
// Writes block until the other side reads.
func NewStreamPair() (a, b *PipeStream) {
	ca, cb := net.Pipe()
	return &PipeStream{c: ca}, &PipeStream{c: cb}
}

func (s *PipeStream) Read(p []byte) (int, error)  { return s.c.Read(p) }
func (s *PipeStream) Write(p []byte) (int, error) { return s.c.Write(p) }

// Close closes both directions of the pipe;
// the peer observes io.EOF on its next read.
func (s *PipeStream) Close() error { return s.c.Close() }

func (s *PipeStream) CancelRead(caquic.StreamErrorCode)  { _ = s.c.Close() }
func (s *PipeStream) CancelWrite(caquic.StreamErrorCode) { _ = s.c.Close() }

func (s *PipeStream) SetReadDeadline(t time.Time) error  { return s.c.SetReadDeadline(t) }
func (s *PipeStream) SetWriteDeadline(t time.Time) error { return s.c.SetWriteDeadline(t) }
