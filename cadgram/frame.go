package cadgram

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// MaxFrameSize is the largest body that fits behind the uint16 length prefix.
const MaxFrameSize = math.MaxUint16

// WriteFrame writes body to w, preceded by its uint16 length.
func WriteFrame(w io.Writer, body []byte) error {
	if len(body) > MaxFrameSize {
		return fmt.Errorf("frame body of %d bytes exceeds maximum %d", len(body), MaxFrameSize)
	}

	// Single write per frame.
	buf := make([]byte, 2, 2+len(body))
	binary.LittleEndian.PutUint16(buf, uint16(len(body)))
	buf = append(buf, body...)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r.
// If dst has enough capacity it is reused for the body.
func ReadFrame(r io.Reader, dst []byte) ([]byte, error) {
	var szBuf [2]byte
	if _, err := io.ReadFull(r, szBuf[:]); err != nil {
		// Plain EOF here means the stream ended cleanly between frames.
		return dst, err
	}

	sz := int(binary.LittleEndian.Uint16(szBuf[:]))
	if cap(dst) >= sz {
		dst = dst[:sz]
	} else {
		dst = make([]byte, sz)
	}

	if _, err := io.ReadFull(r, dst); err != nil {
		return dst, fmt.Errorf("failed to read frame body of %d bytes: %w", sz, err)
	}

	return dst, nil
}
