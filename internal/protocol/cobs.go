package protocol

import "errors"

// Delimiter terminates every frame on the wire.
const Delimiter byte = 0x00

// ErrMalformedFrame is returned when a delimited block is not valid COBS or
// fails its checksum.
var ErrMalformedFrame = errors.New("malformed frame")

// cobsEncode appends the COBS encoding of src to dst (without the delimiter).
// The output contains no zero bytes.
func cobsEncode(dst, src []byte) []byte {
	codeIdx := len(dst)
	dst = append(dst, 0)
	code := byte(1)
	for _, b := range src {
		if b == 0 {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
			continue
		}
		dst = append(dst, b)
		code++
		if code == 0xff {
			dst[codeIdx] = code
			codeIdx = len(dst)
			dst = append(dst, 0)
			code = 1
		}
	}
	dst[codeIdx] = code
	return dst
}

// cobsDecode appends the decoded form of one delimiter-free block to dst.
func cobsDecode(dst, src []byte) ([]byte, error) {
	for i := 0; i < len(src); {
		code := int(src[i])
		if code == 0 {
			return dst, ErrMalformedFrame
		}
		i++
		end := i + code - 1
		if end > len(src) {
			return dst, ErrMalformedFrame
		}
		for _, b := range src[i:end] {
			if b == 0 {
				return dst, ErrMalformedFrame
			}
		}
		dst = append(dst, src[i:end]...)
		i = end
		if code < 0xff && i < len(src) {
			dst = append(dst, 0)
		}
	}
	return dst, nil
}

// cobsMaxEncodedLen is the worst-case encoded size of n payload bytes.
func cobsMaxEncodedLen(n int) int {
	return n + n/254 + 1
}
