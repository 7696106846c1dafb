// Package catest contains helpers shared by tests across the module.
package catest

import (
	"log/slog"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
)

// ScaleDuration is the base duration the channel helpers wait.
// It is deliberately short, since everything under test runs in-process.
const ScaleDuration = 200 * time.Millisecond

// NewLogger returns a logger that writes through t.Log,
// so output is only shown for failing or verbose tests.
func NewLogger(t testing.TB) *slog.Logger {
	return slogt.New(t)
}

// ReceiveSoon waits a short time for a value on ch,
// failing the test if none arrives.
func ReceiveSoon[T any](t testing.TB, ch <-chan T) T {
	t.Helper()

	timer := time.NewTimer(ScaleDuration)
	defer timer.Stop()

	select {
	case v := <-ch:
		return v
	case <-timer.C:
		t.Fatalf("no value received within %s", ScaleDuration)
	}

	var zero T
	return zero
}

// IsSending fails the test if ch is not immediately readable.
// It is intended for closed signal channels.
func IsSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	select {
	case <-ch:
	default:
		t.Fatal("channel was not ready to receive")
	}
}

// NotSending fails the test if a value arrives on ch within a short time.
func NotSending[T any](t testing.TB, ch <-chan T) {
	t.Helper()

	timer := time.NewTimer(ScaleDuration / 4)
	defer timer.Stop()

	select {
	case v := <-ch:
		t.Fatalf("unexpected value received: %v", v)
	case <-timer.C:
	}
}
