// Package capubsub contains an unbounded, single-writer, many-reader stream.
//
// The message bus uses a [Stream] as each participant's inbox,
// so that routing a datagram never blocks on a slow client.
package capubsub
