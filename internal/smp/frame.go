// Package smp implements the file-system download command of the Simple
// Management Protocol over an unreliable, packetized Link such as a GATT
// characteristic.
package smp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// HeaderSize is the size of the SMP frame header.
const HeaderSize = 8

// Op is the SMP operation code.
type Op uint8

const (
	OpRead     Op = 0
	OpReadRsp  Op = 1
	OpWrite    Op = 2
	OpWriteRsp Op = 3
)

const (
	// GroupFS is the file-system management group.
	GroupFS uint16 = 8
	// IDFile is the upload/download command within GroupFS.
	IDFile uint8 = 0
)

// Return codes reported in the "rc" field of a response.
const (
	RCOK      = 0
	RCUnknown = 1
	RCNoMem   = 2
	RCInval   = 3
	RCTimeout = 4
	RCNoEnt   = 5
	RCBadSt   = 6
)

var errShortFrame = errors.New("smp: short frame")

// Header is the fixed SMP frame header.
type Header struct {
	Op    Op
	Flags uint8
	Len   uint16
	Group uint16
	Seq   uint8
	ID    uint8
}

// EncodeFrame serializes h followed by body, setting h.Len to len(body).
func EncodeFrame(h Header, body []byte) []byte {
	b := make([]byte, HeaderSize+len(body))
	b[0] = byte(h.Op) & 0x07
	b[1] = h.Flags
	binary.BigEndian.PutUint16(b[2:4], uint16(len(body)))
	binary.BigEndian.PutUint16(b[4:6], h.Group)
	b[6] = h.Seq
	b[7] = h.ID
	copy(b[HeaderSize:], body)
	return b
}

// DecodeHeader parses the first HeaderSize bytes of b.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errShortFrame
	}
	return Header{
		Op:    Op(b[0] & 0x07),
		Flags: b[1],
		Len:   binary.BigEndian.Uint16(b[2:4]),
		Group: binary.BigEndian.Uint16(b[4:6]),
		Seq:   b[6],
		ID:    b[7],
	}, nil
}

// DecodeFrame splits a complete frame into header and body.
func DecodeFrame(b []byte) (Header, []byte, error) {
	h, err := DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	if len(b) != HeaderSize+int(h.Len) {
		return Header{}, nil, fmt.Errorf("smp: frame length %d does not match header length %d", len(b)-HeaderSize, h.Len)
	}
	return h, b[HeaderSize:], nil
}

// Reassembler rebuilds frames from packets that may split or join them.
type Reassembler struct {
	buf []byte
}

// Feed appends a packet and returns every frame completed by it.
func (r *Reassembler) Feed(p []byte) [][]byte {
	r.buf = append(r.buf, p...)
	var frames [][]byte
	for len(r.buf) >= HeaderSize {
		h, _ := DecodeHeader(r.buf)
		n := HeaderSize + int(h.Len)
		if len(r.buf) < n {
			break
		}
		f := make([]byte, n)
		copy(f, r.buf[:n])
		frames = append(frames, f)
		r.buf = r.buf[n:]
	}
	if len(r.buf) == 0 {
		r.buf = nil
	}
	return frames
}

// Buffered reports how many bytes of an incomplete frame are held.
func (r *Reassembler) Buffered() int { return len(r.buf) }

// Reset drops any partial frame.
func (r *Reassembler) Reset() { r.buf = nil }

// Split cuts a frame into packets of at most size bytes.
func Split(frame []byte, size int) [][]byte {
	if size <= 0 || len(frame) <= size {
		return [][]byte{frame}
	}
	out := make([][]byte, 0, (len(frame)+size-1)/size)
	for len(frame) > 0 {
		n := size
		if len(frame) < n {
			n = len(frame)
		}
		out = append(out, frame[:n])
		frame = frame[n:]
	}
	return out
}
