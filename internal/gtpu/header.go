// Package gtpu implements the GTP1-U wire header used on the data path:
// an 8-byte fixed header (no sequence number, no extension headers)
// prefixing a raw IP payload over UDP.
package gtpu

import (
	"encoding/binary"
	"errors"
)

// HeaderLen is the fixed size of a GTP1-U header with no optional fields.
const HeaderLen = 8

const (
	flagsV1GTP  = 0x30 // version=1, protocol-type=GTP, no E/S/PN flags
	msgTypeTPDU = 0xFF // T-PDU
)

var (
	ErrShortPacket   = errors.New("gtpu: shorter than header")
	ErrBadFlags      = errors.New("gtpu: unexpected flags byte")
	ErrBadType       = errors.New("gtpu: unexpected message type")
	ErrLengthOverrun = errors.New("gtpu: declared length exceeds received bytes")
)

// Header is the decoded form of a GTP1-U header.
type Header struct {
	Flags  byte
	Type   byte
	Length uint16 // inner payload length
	TEID   uint32
}

// Encode writes a T-PDU header for teid/payloadLen into dst[:HeaderLen].
func Encode(dst []byte, teid uint32, payloadLen int) {
	dst[0] = flagsV1GTP
	dst[1] = msgTypeTPDU
	binary.BigEndian.PutUint16(dst[2:4], uint16(payloadLen))
	binary.BigEndian.PutUint32(dst[4:8], teid)
}

// Parse validates and decodes a GTP1-U header from buf, returning the header
// and the payload slice (aliasing buf, not copied). It rejects anything that
// is not an unextended version-1 T-PDU, or whose declared length would read
// past the bytes actually received.
func Parse(buf []byte) (Header, []byte, error) {
	if len(buf) < HeaderLen {
		return Header{}, nil, ErrShortPacket
	}
	h := Header{
		Flags:  buf[0],
		Type:   buf[1],
		Length: binary.BigEndian.Uint16(buf[2:4]),
		TEID:   binary.BigEndian.Uint32(buf[4:8]),
	}
	if h.Flags != flagsV1GTP {
		return h, nil, ErrBadFlags
	}
	if h.Type != msgTypeTPDU {
		return h, nil, ErrBadType
	}
	end := HeaderLen + int(h.Length)
	if end > len(buf) {
		return h, nil, ErrLengthOverrun
	}
	return h, buf[HeaderLen:end], nil
}
