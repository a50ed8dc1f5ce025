// Package rtp implements the RTPv2-shaped framing this tunnel disguises its
// payloads as: a 12-byte fixed header followed by an AEAD-encrypted payload,
// its nonce, and its tag.
package rtp

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed RTPv2 header length in bytes.
const HeaderSize = 12

// Version is the only RTP version this tunnel ever emits or accepts.
const Version = 2

// PayloadType is the dynamic payload type byte used on every outbound packet.
const PayloadType = 97

// Header is the RTPv2 fixed header fields this tunnel cares about. Padding,
// extension, CSRC count, and marker are always zero and are not modeled as
// struct fields — EncodeHeader hard-codes them.
type Header struct {
	PayloadType byte
	Sequence    uint16
	Timestamp   uint32
	SSRC        uint32
}

// EncodeHeader packs h into the 12-byte RTPv2 wire layout:
//
//	byte 0: version(2) padding(1) extension(1) csrc_count(4) = 0b10_0_0_0000
//	byte 1: marker(1)=0 payload_type(7)
//	bytes 2-3: sequence number, network order
//	bytes 4-7: timestamp, network order
//	bytes 8-11: SSRC, network order
//
// The first two bytes are built from explicit bit masks rather than a
// compiler-chosen bitfield layout, since that layout is not portable.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)

	buf[0] = (Version << 6) // version=2, padding=0, extension=0, csrc_count=0
	buf[1] = h.PayloadType & 0x7f // marker=0, payload_type in low 7 bits

	binary.BigEndian.PutUint16(buf[2:4], h.Sequence)
	binary.BigEndian.PutUint32(buf[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], h.SSRC)

	return buf
}

// DecodeHeader parses the first HeaderSize bytes of buf. Callers must have
// already checked len(buf) >= HeaderSize.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("rtp: short header: got %d bytes, need %d", len(buf), HeaderSize)
	}

	version := buf[0] >> 6
	if version != Version {
		return Header{}, fmt.Errorf("rtp: unsupported version %d", version)
	}

	return Header{
		PayloadType: buf[1] & 0x7f,
		Sequence:    binary.BigEndian.Uint16(buf[2:4]),
		Timestamp:   binary.BigEndian.Uint32(buf[4:8]),
		SSRC:        binary.BigEndian.Uint32(buf[8:12]),
	}, nil
}
