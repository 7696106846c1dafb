package capubsub

// Stream is a linked list of event-driven values.
// The list has a single writer and many readers.
// Readers can each consume the list at their own pace.
//
// If readers do not actively consume the list,
// the node they observe will never be garbage collected,
// which is a memory leak.
type Stream[T any] struct {
	Ready chan struct{}
	Next  *Stream[T]
	Val   T
}

// NewStream returns an initialized pubsub stream.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{
		Ready: make(chan struct{}),
	}
}

// Publish assigns s's value and initializes s.Next.
// Then s.Ready is closed, notifying any observers that
// s.Val can now be safely read.
//
// Publish returns s.Next, the new tail of the stream,
// which is where the writer must publish its next value.
//
// If Publish is called twice for the same s, Publish panics.
func (s *Stream[T]) Publish(t T) *Stream[T] {
	s.Val = t
	s.Next = NewStream[T]()
	close(s.Ready)
	return s.Next
}

// IsReady reports whether a value has been published on s,
// without blocking.
func (s *Stream[T]) IsReady() bool {
	select {
	case <-s.Ready:
		return true
	default:
		return false
	}
}
