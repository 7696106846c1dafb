// Package cadgram contains the datagram format exchanged on the message bus,
// along with helpers to build and read datagram payloads
// and to frame datagrams on a byte stream.
//
// All multi-byte integers are little-endian.
// A datagram on the wire is laid out as:
//
//	uint8   recipient count (n)
//	uint64  recipient channel, n times
//	uint64  sender channel (omitted for control datagrams)
//	uint16  message type
//	...     payload
package cadgram

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/otpgo/clientagent/cachannel"
)

// Datagram is a single message on the bus.
type Datagram struct {
	Recipients []cachannel.Channel
	Sender     cachannel.Channel
	MsgType    MsgType

	Payload []byte
}

// New returns a datagram addressed to a single recipient.
func New(to, from cachannel.Channel, t MsgType) *Datagram {
	return &Datagram{
		Recipients: []cachannel.Channel{to},
		Sender:     from,
		MsgType:    t,
	}
}

// NewMulti returns a datagram addressed to every channel in to.
// The datagram takes ownership of the slice.
func NewMulti(to []cachannel.Channel, from cachannel.Channel, t MsgType) *Datagram {
	return &Datagram{
		Recipients: to,
		Sender:     from,
		MsgType:    t,
	}
}

// NewControl returns a control datagram for the message director.
func NewControl(t MsgType) *Datagram {
	return &Datagram{
		Recipients: []cachannel.Channel{cachannel.ControlChannel},
		MsgType:    t,
	}
}

// IsControl reports whether d is addressed solely to the control channel.
func (d *Datagram) IsControl() bool {
	return len(d.Recipients) == 1 && d.Recipients[0] == cachannel.ControlChannel
}

// Clone returns a deep copy of d.
func (d *Datagram) Clone() *Datagram {
	return &Datagram{
		Recipients: slices.Clone(d.Recipients),
		Sender:     d.Sender,
		MsgType:    d.MsgType,
		Payload:    slices.Clone(d.Payload),
	}
}

func (d *Datagram) AddUint8(v uint8) *Datagram {
	d.Payload = append(d.Payload, v)
	return d
}

func (d *Datagram) AddBool(v bool) *Datagram {
	if v {
		return d.AddUint8(1)
	}
	return d.AddUint8(0)
}

func (d *Datagram) AddUint16(v uint16) *Datagram {
	d.Payload = binary.LittleEndian.AppendUint16(d.Payload, v)
	return d
}

func (d *Datagram) AddUint32(v uint32) *Datagram {
	d.Payload = binary.LittleEndian.AppendUint32(d.Payload, v)
	return d
}

func (d *Datagram) AddUint64(v uint64) *Datagram {
	d.Payload = binary.LittleEndian.AppendUint64(d.Payload, v)
	return d
}

func (d *Datagram) AddChannel(c cachannel.Channel) *Datagram {
	return d.AddUint64(uint64(c))
}

// AddString appends s with a uint16 length prefix.
// Strings longer than 65535 bytes are a programming error.
func (d *Datagram) AddString(s string) *Datagram {
	if len(s) > math.MaxUint16 {
		panic(fmt.Errorf("BUG: string of length %d does not fit in datagram", len(s)))
	}
	d.AddUint16(uint16(len(s)))
	d.Payload = append(d.Payload, s...)
	return d
}

// AddBlob appends b with a uint16 length prefix.
func (d *Datagram) AddBlob(b []byte) *Datagram {
	if len(b) > math.MaxUint16 {
		panic(fmt.Errorf("BUG: blob of length %d does not fit in datagram", len(b)))
	}
	d.AddUint16(uint16(len(b)))
	d.Payload = append(d.Payload, b...)
	return d
}

// AddData appends b without any length prefix.
func (d *Datagram) AddData(b []byte) *Datagram {
	d.Payload = append(d.Payload, b...)
	return d
}

// Iterator returns an [*Iterator] over d's payload.
func (d *Datagram) Iterator() *Iterator {
	return NewIterator(d.Payload)
}

// MarshalBinary encodes d in its wire format.
func (d *Datagram) MarshalBinary() ([]byte, error) {
	return d.AppendBinary(nil)
}

// AppendBinary appends the wire encoding of d to dst.
func (d *Datagram) AppendBinary(dst []byte) ([]byte, error) {
	if len(d.Recipients) > math.MaxUint8 {
		return dst, fmt.Errorf(
			"datagram has %d recipients (maximum %d)",
			len(d.Recipients), math.MaxUint8,
		)
	}

	dst = append(dst, uint8(len(d.Recipients)))
	for _, r := range d.Recipients {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(r))
	}
	if !d.IsControl() {
		dst = binary.LittleEndian.AppendUint64(dst, uint64(d.Sender))
	}
	dst = binary.LittleEndian.AppendUint16(dst, uint16(d.MsgType))
	dst = append(dst, d.Payload...)

	return dst, nil
}

// Decode parses the wire form of a datagram.
// The returned datagram's payload aliases b.
func Decode(b []byte) (*Datagram, error) {
	if len(b) < 1 {
		return nil, errors.New("empty datagram")
	}

	it := NewIterator(b)
	n := int(it.Uint8())

	d := &Datagram{
		Recipients: make([]cachannel.Channel, n),
	}
	for i := range n {
		d.Recipients[i] = it.Channel()
	}
	if !d.IsControl() {
		d.Sender = it.Channel()
	}
	d.MsgType = MsgType(it.Uint16())

	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("failed to decode datagram header: %w", err)
	}

	d.Payload = it.Remaining()
	return d, nil
}
