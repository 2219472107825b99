// Package wire frames and decodes the objects exchanged over the list and
// file ports. Every object is a BSON document behind a 4 byte big-endian
// length; a zero length stands for the null object.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single inbound object.
const MaxFrameSize = 16 << 20

var ErrFrameTooLarge = errors.New("frame too large")

// WriteFrame writes doc as one frame; a nil doc writes the null object.
func WriteFrame(w io.Writer, doc []byte) error {
	if len(doc) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(doc))
	}
	buf := make([]byte, 4+len(doc))
	binary.BigEndian.PutUint32(buf, uint32(len(doc)))
	copy(buf[4:], doc)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame. It returns nil for the null object.
func ReadFrame(r io.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(l[:])
	if n == 0 {
		return nil, nil
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	doc := make([]byte, n)
	if _, err := io.ReadFull(r, doc); err != nil {
		return nil, err
	}
	return doc, nil
}
