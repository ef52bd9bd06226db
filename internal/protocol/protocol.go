// Package protocol implements the ASCII sentence protocol spoken by
// Water Linked acoustic modems over the serial line.
//
// A sentence looks like:
//
//	w<dir><cmd>[,option[,option...]][*hh]\n
//
// where dir is 'c' for commands sent to the modem and 'r' for responses
// from it, and *hh is an optional CRC-8 checksum (poly 0x07, init 0x00)
// over every byte before the '*', formatted as two lowercase hex digits.
// Queue-packet and got-packet sentences carry binary payloads which may
// contain delimiter bytes; see Parser for how those are handled.
package protocol

import (
	"bytes"
	"fmt"

	"github.com/sigurn/crc8"
)

const (
	SOP          = 'w'
	EOP          = '\n'
	DirCmd       = 'c'
	DirResp      = 'r'
	ChecksumMark = '*'
)

// Modem command and response identifiers.
const (
	CmdGetVersion      = 'v'
	CmdGetPayloadSize  = 'n'
	CmdGetBufferLength = 'l'
	CmdGetDiagnostic   = 'd'
	CmdGetSettings     = 'c'
	CmdSetSettings     = 's'
	CmdQueuePacket     = 'q'
	CmdFlush           = 'f'
	RespGotPacket      = 'p'
)

var validCmds = []byte{
	CmdGetVersion,
	CmdGetPayloadSize,
	CmdGetBufferLength,
	CmdGetDiagnostic,
	CmdGetSettings,
	CmdSetSettings,
	CmdQueuePacket,
	CmdFlush,
	RespGotPacket,
}

var crcTable = crc8.MakeTable(crc8.CRC8)

// Checksum computes the sentence CRC-8 over the given bytes.
func Checksum(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}

// Sentence is one decoded protocol sentence.
type Sentence struct {
	Cmd     byte
	Dir     byte
	Options [][]byte
}

// IsAck reports whether the sentence carries the modem acknowledge marker
// as its first option.
func (s *Sentence) IsAck() bool {
	return len(s.Options) > 0 && len(s.Options[0]) == 1 && s.Options[0][0] == 'a'
}

// Payload returns the binary payload of a got-packet or queue-packet
// sentence, or nil if the sentence carries none.
func (s *Sentence) Payload() []byte {
	if s.Cmd != RespGotPacket && s.Cmd != CmdQueuePacket {
		return nil
	}
	if len(s.Options) < 2 {
		return nil
	}
	return s.Options[1]
}

func (s *Sentence) String() string {
	dir := "RESP"
	if s.Dir == DirCmd {
		dir = "CMD"
	}
	return fmt.Sprintf("Sentence[c=%c dir=%s options=%d]", s.Cmd, dir, len(s.Options))
}

// Encode frames a sentence for the wire. Options are joined with commas;
// the trailing EOP is always appended.
func Encode(dir, cmd byte, options [][]byte, withChecksum bool) []byte {
	out := make([]byte, 0, 16)
	out = append(out, SOP, dir, cmd)
	if len(options) > 0 {
		out = append(out, ',')
		out = append(out, bytes.Join(options, []byte{','})...)
	}
	if withChecksum {
		out = fmt.Appendf(out, "%c%02x", ChecksumMark, Checksum(out))
	}
	return append(out, EOP)
}

// Command frames a command sentence the way the host sends it: direction
// 'c', no checksum. The modem tolerates unchecksummed commands.
func Command(cmd byte, options ...[]byte) []byte {
	return Encode(DirCmd, cmd, options, false)
}

// Response frames a response sentence the way the modem emits it.
func Response(cmd byte, options ...[]byte) []byte {
	return Encode(DirResp, cmd, options, true)
}

func isEOP(b byte) bool {
	return b == '\n' || b == '\r'
}

func isValidCmd(b byte) bool {
	return bytes.IndexByte(validCmds, b) >= 0
}

// binaryPayloadSize detects the start of a binary payload sentence such
// as "wcq,8," and returns the number of payload bytes that follow, or -1.
// The match is only possible when exactly the six prefix bytes have been
// collected, so it triggers at most once per sentence.
func binaryPayloadSize(sentence []byte) int {
	if len(sentence) != 6 {
		return -1
	}
	if sentence[0] != SOP {
		return -1
	}
	if sentence[2] != CmdQueuePacket && sentence[2] != RespGotPacket {
		return -1
	}
	fragments := bytes.SplitN(sentence, []byte{','}, 3)
	if len(fragments) < 2 {
		return -1
	}
	size := 0
	for _, ch := range fragments[1] {
		if ch < '0' || ch > '9' {
			return -1
		}
		size = size*10 + int(ch-'0')
	}
	if len(fragments[1]) == 0 {
		return -1
	}
	return size
}
