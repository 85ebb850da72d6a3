package protocol

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// CRCSize is the length of the checksum trailer carried inside every frame,
// after the payload and before stuffing.
const CRCSize = 4

// ErrChecksum is returned, wrapped in ErrMalformedFrame, when a block's
// trailer does not match its payload.
var ErrChecksum = errors.New("checksum mismatch")

// appendCRC appends the little-endian CRC-32 (IEEE) of payload to payload.
func appendCRC(payload []byte) []byte {
	return binary.LittleEndian.AppendUint32(payload, crc32.ChecksumIEEE(payload))
}

// checkCRC verifies and strips the trailer of a decoded block.
func checkCRC(b []byte) ([]byte, error) {
	if len(b) < CRCSize {
		return nil, ErrChecksum
	}
	n := len(b) - CRCSize
	if binary.LittleEndian.Uint32(b[n:]) != crc32.ChecksumIEEE(b[:n]) {
		return nil, ErrChecksum
	}
	return b[:n], nil
}
