package datagram

import (
	"errors"

	"github.com/sigurn/crc8"
)

// frameDelimiter terminates every datagram on the wire. COBS guarantees
// the encoded body contains no zeros.
const frameDelimiter = 0

var (
	errChecksum = errors.New("datagram checksum mismatch")

	crcTable = crc8.MakeTable(crc8.CRC8)
)

// frame prepares a datagram for transmission: append a CRC-8 over the
// whole payload, COBS/R encode, terminate with the delimiter. The modem
// checksums individual packets itself; this CRC exists to detect a
// dropped packet in the reassembled result.
func frame(data []byte) []byte {
	body := make([]byte, 0, len(data)+1)
	body = append(body, data...)
	body = append(body, crc8.Checksum(data, crcTable))
	out := cobsrEncode(body)
	return append(out, frameDelimiter)
}

// unframe decodes one delimited frame (delimiter already stripped).
// It returns (nil, nil) for padding-only frames and an error when the
// frame is undecodable or its checksum does not match.
func unframe(buf []byte) ([]byte, error) {
	decoded, err := cobsrDecode(buf)
	if err != nil {
		return nil, err
	}
	if len(decoded) == 0 {
		// Padding frame, carries nothing.
		return nil, nil
	}
	data := decoded[:len(decoded)-1]
	want := decoded[len(decoded)-1]
	if crc8.Checksum(data, crcTable) != want {
		return nil, errChecksum
	}
	return data, nil
}

// padPayload extends a short chunk to the link payload size using empty
// COBS frames, so the receiver can discard the filler unambiguously.
func padPayload(data []byte, size int) []byte {
	out := append(make([]byte, 0, size), data...)
	for size-len(out) >= 2 {
		out = append(out, 0x01, frameDelimiter)
	}
	if size-len(out) == 1 {
		out = append(out, frameDelimiter)
	}
	return out
}
