package relay

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxDatagram is the largest UDP payload that fits an IPv4 datagram.
const MaxDatagram = 65507

// ErrFrameTooLarge is returned when a datagram exceeds MaxDatagram.
var ErrFrameTooLarge = errors.New("datagram exceeds maximum frame size")

// WriteFrame writes one datagram to w with a 2-byte big-endian length prefix.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > MaxDatagram {
		return ErrFrameTooLarge
	}
	var hdr [2]byte
	binary.BigEndian.PutUint16(hdr[:], uint16(len(p)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(p)
	return err
}

// ReadFrame reads one length-prefixed datagram into buf and returns the slice
// holding it. buf must be at least MaxDatagram bytes.
func ReadFrame(r io.Reader, buf []byte) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint16(hdr[:]))
	if n > len(buf) {
		return nil, fmt.Errorf("frame of %d bytes exceeds buffer", n)
	}
	if _, err := io.ReadFull(r, buf[:n]); err != nil {
		return nil, err
	}
	return buf[:n], nil
}
