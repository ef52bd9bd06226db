package protocol

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrParse marks a sentence that could not be decoded. The parser has
	// already discarded the offending bytes when this is returned.
	ErrParse = errors.New("malformed sentence")
	// ErrChecksum marks a sentence whose checksum did not match.
	ErrChecksum = errors.New("checksum mismatch")
)

// Parser accumulates a serial byte stream and extracts complete
// sentences from it. The stream source delivers bytes, not frames, so
// Push may be called with arbitrary chunks, including partial sentences.
//
// Binary payloads are handled with a holdoff: once the prefix of a
// queue-packet/got-packet sentence announces N payload bytes, the next N
// bytes are collected verbatim even if they contain EOP bytes.
type Parser struct {
	pending []byte
	cur     []byte
	holdoff int
}

// Push appends raw bytes from the wire. Call Next until it reports no
// sentence to drain everything that became decodable.
func (p *Parser) Push(chunk []byte) {
	p.pending = append(p.pending, chunk...)
}

// Next extracts the next complete sentence. It returns (nil, nil) when
// more bytes are needed. On a corrupt sentence the accumulated bytes are
// dropped and the parser resynchronizes at the next sentence start; the
// error describes what was discarded and decoding continues on the
// following call.
func (p *Parser) Next() (*Sentence, error) {
	for len(p.pending) > 0 {
		b := p.pending[0]
		p.pending = p.pending[1:]

		if len(p.cur) == 0 && p.holdoff == 0 && isEOP(b) {
			// Swallow blank lines so both \n and \r\n terminators work.
			continue
		}

		switch {
		case p.holdoff > 0:
			p.cur = append(p.cur, b)
			p.holdoff--
		case isEOP(b):
			sentence, err := parseSentence(p.cur)
			p.reset()
			if err != nil {
				return nil, err
			}
			return sentence, nil
		default:
			p.cur = append(p.cur, b)
		}

		if p.holdoff == 0 {
			if n := binaryPayloadSize(p.cur); n > 0 {
				p.holdoff = n
			}
		}
	}
	return nil, nil
}

func (p *Parser) reset() {
	p.cur = nil
	p.holdoff = 0
}

func parseSentence(raw []byte) (*Sentence, error) {
	if len(raw) < 3 {
		return nil, fmt.Errorf("%w: sentence too short (%d bytes)", ErrParse, len(raw))
	}
	if raw[0] != SOP {
		return nil, fmt.Errorf("%w: missing start byte, got %#x", ErrParse, raw[0])
	}
	dir := raw[1]
	if dir != DirCmd && dir != DirResp {
		return nil, fmt.Errorf("%w: invalid direction %#x", ErrParse, dir)
	}

	if len(raw) >= 3 && raw[len(raw)-3] == ChecksumMark {
		body := raw[:len(raw)-3]
		want := fmt.Sprintf("%02x", Checksum(body))
		got := string(raw[len(raw)-2:])
		if got != want {
			return nil, fmt.Errorf("%w: expected *%s got *%s", ErrChecksum, want, got)
		}
		raw = body
	}

	cmd := raw[2]
	if !isValidCmd(cmd) {
		return nil, fmt.Errorf("%w: unknown command %#x", ErrParse, cmd)
	}

	var fragments [][]byte
	if cmd == CmdQueuePacket || cmd == RespGotPacket {
		// Payload is binary, split only up to it.
		fragments = bytes.SplitN(raw, []byte{','}, 3)
	} else {
		fragments = bytes.Split(raw, []byte{','})
	}

	var options [][]byte
	if len(fragments) > 1 {
		options = fragments[1:]
	}
	return &Sentence{Cmd: cmd, Dir: dir, Options: options}, nil
}
