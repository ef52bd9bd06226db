package datagram

import "errors"

var errCOBSDecode = errors.New("invalid cobs frame")

// The datagram wire format uses COBS/R (consistent overhead byte
// stuffing, reduced variant): output contains no zero bytes, so a zero
// delimits frames, and the reduced variant folds the final data byte
// into the last code byte when possible.

func cobsrEncode(src []byte) []byte {
	out := make([]byte, 0, len(src)+2)
	start := 0
	for i, b := range src {
		if b == 0 {
			out = append(out, byte(i-start+1))
			out = append(out, src[start:i]...)
			start = i + 1
		} else if i-start == 0xFD {
			out = append(out, 0xFF)
			out = append(out, src[start:i+1]...)
			start = i + 1
		}
	}

	if start == len(src) {
		return append(out, 0x01)
	}
	last := src[len(src)-1]
	code := byte(len(src) - start + 1)
	if last >= code {
		// Reduced form: the last data byte doubles as the code byte.
		out = append(out, last)
		return append(out, src[start:len(src)-1]...)
	}
	out = append(out, code)
	return append(out, src[start:]...)
}

func cobsrDecode(src []byte) ([]byte, error) {
	out := make([]byte, 0, len(src))
	i := 0
	for i < len(src) {
		code := src[i]
		if code == 0 {
			return nil, errCOBSDecode
		}
		i++
		end := i + int(code) - 1
		if end > len(src) {
			// Truncated final group: the code byte was the final data
			// byte in reduced form.
			out = append(out, src[i:]...)
			return append(out, code), nil
		}
		for _, b := range src[i:end] {
			if b == 0 {
				return nil, errCOBSDecode
			}
			out = append(out, b)
		}
		i = end
		if i < len(src) && code < 0xFF {
			out = append(out, 0)
		}
	}
	return out, nil
}
