package cadgram

import (
	"encoding/binary"
	"fmt"

	"github.com/otpgo/clientagent/cachannel"
)

// TruncatedError is reported by an [*Iterator]
// that was asked to read past the end of its buffer.
type TruncatedError struct {
	Offset, Want, Have int
}

func (e TruncatedError) Error() string {
	return fmt.Sprintf(
		"datagram truncated: need %d bytes at offset %d, have %d",
		e.Want, e.Offset, e.Have,
	)
}

// Iterator reads values sequentially from a payload.
//
// The first failed read is recorded and every later read returns a zero value,
// so callers may read a whole message and check [*Iterator.Err] once.
type Iterator struct {
	buf []byte
	off int
	err error
}

// NewIterator returns an Iterator over b.
// The iterator does not copy b.
func NewIterator(b []byte) *Iterator {
	return &Iterator{buf: b}
}

// Err returns the first error encountered, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Len returns the number of unread bytes.
func (it *Iterator) Len() int {
	return len(it.buf) - it.off
}

func (it *Iterator) take(n int) []byte {
	if it.err != nil {
		return nil
	}
	if it.Len() < n {
		it.err = TruncatedError{Offset: it.off, Want: n, Have: it.Len()}
		return nil
	}

	b := it.buf[it.off : it.off+n]
	it.off += n
	return b
}

func (it *Iterator) Uint8() uint8 {
	b := it.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (it *Iterator) Bool() bool {
	return it.Uint8() != 0
}

func (it *Iterator) Uint16() uint16 {
	b := it.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (it *Iterator) Uint32() uint32 {
	b := it.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (it *Iterator) Uint64() uint64 {
	b := it.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (it *Iterator) Channel() cachannel.Channel {
	return cachannel.Channel(it.Uint64())
}

// Str reads a uint16 length-prefixed string.
func (it *Iterator) Str() string {
	return string(it.Blob())
}

// Blob reads a uint16 length-prefixed byte slice.
// The returned slice aliases the iterator's buffer.
func (it *Iterator) Blob() []byte {
	n := int(it.Uint16())
	return it.take(n)
}

// Data reads exactly n bytes without any length prefix.
func (it *Iterator) Data(n int) []byte {
	return it.take(n)
}

// Remaining returns every unread byte and advances to the end.
func (it *Iterator) Remaining() []byte {
	if it.err != nil {
		return nil
	}
	b := it.buf[it.off:]
	it.off = len(it.buf)
	return b
}
