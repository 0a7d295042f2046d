// Package bytestream reads snapshot payload bytes sequentially.
// Implements the variable-length integer encoding used by the snapshot
// wire format.
package bytestream

import (
	"encoding/binary"
	"errors"
)

var (
	ErrEOF     = errors.New("bytestream: unexpected end of data")
	ErrOverrun = errors.New("bytestream: value too large")
)

// Stream is a sequential cursor over an immutable snapshot buffer.
type Stream struct {
	data []byte
	pos  int
	end  int
}

// New creates a stream over the given data.
func New(data []byte) *Stream {
	return &Stream{data: data, pos: 0, end: len(data)}
}

// NewAt creates a stream starting at offset within data.
func NewAt(data []byte, offset int) *Stream {
	if offset > len(data) {
		offset = len(data)
	}
	return &Stream{data: data, pos: offset, end: len(data)}
}

// Position returns the current read position.
func (s *Stream) Position() int { return s.pos }

// Remaining returns bytes left to read.
func (s *Stream) Remaining() int { return s.end - s.pos }

// HasMore reports whether any bytes remain unread.
func (s *Stream) HasMore() bool { return s.pos < s.end }

// Get reads a single byte.
func (s *Stream) Get() (byte, error) {
	if s.pos >= s.end {
		return 0, ErrEOF
	}
	b := s.data[s.pos]
	s.pos++
	return b, nil
}

// Peek returns the next byte without advancing.
func (s *Stream) Peek() (byte, error) {
	if s.pos >= s.end {
		return 0, ErrEOF
	}
	return s.data[s.pos], nil
}

// CopyRaw copies len(dst) bytes from the stream into dst.
func (s *Stream) CopyRaw(dst []byte) error {
	if s.pos+len(dst) > s.end {
		return ErrEOF
	}
	copy(dst, s.data[s.pos:])
	s.pos += len(dst)
	return nil
}

// ReadUint32 reads a little-endian uint32. Used only for the snapshot
// header magic, which is fixed-width so a corrupt stream fails the magic
// check before any varint decoding happens.
func (s *Stream) ReadUint32() (uint32, error) {
	if s.pos+4 > s.end {
		return 0, ErrEOF
	}
	v := binary.LittleEndian.Uint32(s.data[s.pos:])
	s.pos += 4
	return v, nil
}

// Variable-length integer encoding constants.
//
// Each byte carries 7 bits of payload in little-endian order. A byte
// above 127 terminates the value; its contribution is byte-128.
const (
	dataBitsPerByte = 7
	byteMask        = (1 << dataBitsPerByte) - 1 // 0x7f
	endByteMarker   = byteMask + 1               // 128
)

// GetUint reads a variable-length unsigned integer.
func (s *Stream) GetUint() (uint64, error) {
	b, err := s.Get()
	if err != nil {
		return 0, err
	}
	if b > byteMask {
		return uint64(b) - endByteMarker, nil
	}

	var r uint64
	var shift uint
	for {
		r |= uint64(b) << shift
		shift += dataBitsPerByte
		b, err = s.Get()
		if err != nil {
			return 0, err
		}
		if b > byteMask {
			return r | uint64(b-endByteMarker)<<shift, nil
		}
		if shift >= 63 {
			return 0, ErrOverrun
		}
	}
}

// GetInt reads a variable-length unsigned integer and narrows it to int.
func (s *Stream) GetInt() (int, error) {
	v, err := s.GetUint()
	if err != nil {
		return 0, err
	}
	if v > uint64(int64(^uint64(0)>>1)) {
		return 0, ErrOverrun
	}
	return int(v), nil
}
