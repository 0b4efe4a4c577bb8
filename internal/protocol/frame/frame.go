// internal/protocol/frame/frame.go
package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	Signature1 byte = 0xC5
	Signature2 byte = 0xC3
	Version    byte = 0x01

	HeaderLen  = 8
	FooterLen  = 1
	Overhead   = HeaderLen + FooterLen
	MaxPayload = 0xFFFF
)

var (
	ErrIncomplete      = errors.New("frame: incomplete")
	ErrBadSignature    = errors.New("frame: bad signature")
	ErrBadVersion      = errors.New("frame: bad version")
	ErrBadChecksum     = errors.New("frame: bad checksum")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Frame is one complete wire message. It owns its encoded bytes:
//
//	0-1  signature C5 C3
//	2    version
//	3    flags (reserved, 0)
//	4-5  payload length, u16 LE
//	6-7  intent, u16 LE
//	8..  payload
//	last checksum = 0xFF - (sum of all preceding bytes mod 256)
type Frame struct {
	buf []byte
}

// Encode builds a frame for intent carrying payload.
func Encode(intent uint16, payload []byte) (*Frame, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	buf := make([]byte, Overhead+len(payload))
	buf[0] = Signature1
	buf[1] = Signature2
	buf[2] = Version
	buf[3] = 0
	binary.LittleEndian.PutUint16(buf[4:6], uint16(len(payload)))
	binary.LittleEndian.PutUint16(buf[6:8], intent)
	copy(buf[HeaderLen:], payload)
	buf[len(buf)-1] = checksum(buf[:len(buf)-1])

	return &Frame{buf: buf}, nil
}

// Parse extracts the first frame from buf and reports how many bytes the
// caller must drop from the front of buf before parsing again.
//
// Bytes ahead of the first signature byte are always consumed. When a
// candidate header is found but its frame is not complete yet, only those
// leading bytes are consumed and ErrIncomplete is returned. On a bad
// signature, version or checksum exactly one byte past the leading garbage
// is consumed so the next call resumes the scan after the false start.
func Parse(buf []byte) (*Frame, int, error) {
	start := bytes.IndexByte(buf, Signature1)
	if start < 0 {
		return nil, len(buf), ErrIncomplete
	}

	data := buf[start:]
	if len(data) < Overhead {
		return nil, start, ErrIncomplete
	}
	if data[1] != Signature2 {
		return nil, start + 1, ErrBadSignature
	}
	if data[2] != Version {
		return nil, start + 1, ErrBadVersion
	}

	total := Overhead + int(binary.LittleEndian.Uint16(data[4:6]))
	if len(data) < total {
		return nil, start, ErrIncomplete
	}
	if checksum(data[:total-1]) != data[total-1] {
		return nil, start + 1, ErrBadChecksum
	}

	owned := make([]byte, total)
	copy(owned, data[:total])
	return &Frame{buf: owned}, start + total, nil
}

// Intent returns the message kind
func (f *Frame) Intent() uint16 {
	return binary.LittleEndian.Uint16(f.buf[6:8])
}

// Payload returns the payload bytes. The slice aliases the frame buffer.
func (f *Frame) Payload() []byte {
	return f.buf[HeaderLen : len(f.buf)-FooterLen]
}

// Bytes returns the encoded frame. The slice aliases the frame buffer.
func (f *Frame) Bytes() []byte {
	return f.buf
}

// Len returns the encoded frame size
func (f *Frame) Len() int {
	return len(f.buf)
}

// Checksum returns the trailing checksum byte
func (f *Frame) Checksum() byte {
	return f.buf[len(f.buf)-1]
}

func (f *Frame) String() string {
	return fmt.Sprintf("frame{intent=%d payload=%d}", f.Intent(), len(f.Payload()))
}

func checksum(b []byte) byte {
	var sum byte
	for _, c := range b {
		sum += c
	}
	return 0xFF - sum
}
