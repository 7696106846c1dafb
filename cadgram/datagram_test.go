package cadgram_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/otpgo/clientagent/cachannel"
	"github.com/otpgo/clientagent/cadgram"
	"github.com/stretchr/testify/require"
)

func TestDatagram_wireLayout(t *testing.T) {
	t.Parallel()

	d := cadgram.New(0x0102, 0x0A0B, cadgram.StateServerObjectSetField)
	d.AddUint32(7)

	b, err := d.MarshalBinary()
	require.NoError(t, err)

	want := []byte{
		1,                            // one recipient
		0x02, 0x01, 0, 0, 0, 0, 0, 0, // recipient
		0x0B, 0x0A, 0, 0, 0, 0, 0, 0, // sender
		0xE4, 0x07,                   // 2020
		7, 0, 0, 0,
	}
	require.Equal(t, want, b)
}

func TestDatagram_controlHasNoSender(t *testing.T) {
	t.Parallel()

	d := cadgram.NewControl(cadgram.ControlAddChannel)
	d.AddChannel(1234)

	b, err := d.MarshalBinary()
	require.NoError(t, err)

	// 1 + 8 recipient + 2 msgtype + 8 payload.
	require.Len(t, b, 19)

	got, err := cadgram.Decode(b)
	require.NoError(t, err)
	require.True(t, got.IsControl())
	require.Equal(t, cadgram.ControlAddChannel, got.MsgType)
	require.Equal(t, cachannel.Channel(1234), got.Iterator().Channel())
}

func TestDecode_multipleRecipients(t *testing.T) {
	t.Parallel()

	d := cadgram.NewMulti([]cachannel.Channel{1, 2, 3}, 99, cadgram.ClientAgentDrop)
	b, err := d.MarshalBinary()
	require.NoError(t, err)

	got, err := cadgram.Decode(b)
	require.NoError(t, err)
	require.Equal(t, d.Recipients, got.Recipients)
	require.Equal(t, cachannel.Channel(99), got.Sender)
	require.Empty(t, got.Payload)
}

func TestDecode_truncatedHeader(t *testing.T) {
	t.Parallel()

	_, err := cadgram.Decode([]byte{2, 1, 0, 0})
	require.ErrorAs(t, err, new(cadgram.TruncatedError))

	_, err = cadgram.Decode(nil)
	require.Error(t, err)
}

func TestIterator_stickyError(t *testing.T) {
	t.Parallel()

	d := new(cadgram.Datagram)
	d.AddUint16(3).AddString("abc").AddBlob([]byte{9})

	it := d.Iterator()
	require.Equal(t, uint16(3), it.Uint16())
	require.Equal(t, "abc", it.Str())
	require.Equal(t, []byte{9}, it.Blob())
	require.NoError(t, it.Err())
	require.Zero(t, it.Len())

	// Past the end: zero values, first error retained.
	require.Zero(t, it.Uint32())
	require.Zero(t, it.Uint8())

	var te cadgram.TruncatedError
	require.ErrorAs(t, it.Err(), &te)
	require.Equal(t, 4, te.Want)
}

func TestFrame_roundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, cadgram.WriteFrame(&buf, []byte("hello")))
	require.NoError(t, cadgram.WriteFrame(&buf, nil))

	require.Equal(t, []byte{5, 0}, buf.Bytes()[:2])

	b, err := cadgram.ReadFrame(&buf, nil)
	require.NoError(t, err)
	require.Equal(t, "hello", string(b))

	b, err = cadgram.ReadFrame(&buf, b)
	require.NoError(t, err)
	require.Empty(t, b)

	_, err = cadgram.ReadFrame(&buf, b)
	require.ErrorIs(t, err, io.EOF)
}

func TestWriteFrame_tooLarge(t *testing.T) {
	t.Parallel()

	err := cadgram.WriteFrame(io.Discard, make([]byte, cadgram.MaxFrameSize+1))
	require.Error(t, err)
}

func TestMsgType_String(t *testing.T) {
	t.Parallel()

	require.Equal(t, "CONTROL_ADD_CHANNEL", cadgram.ControlAddChannel.String())
	require.Equal(t, "MsgType(9)", cadgram.MsgType(9).String())
}
