package protocol

import (
	"bytes"
	"testing"
)

func TestCommandFramesBareSentence(t *testing.T) {
	got := Command(CmdGetVersion)
	if !bytes.Equal(got, []byte("wcv\n")) {
		t.Fatalf("frame mismatch: got %q", got)
	}
}

func TestCommandFramesOptions(t *testing.T) {
	got := Command(CmdSetSettings, []byte("a"), []byte("4"))
	if !bytes.Equal(got, []byte("wcs,a,4\n")) {
		t.Fatalf("frame mismatch: got %q", got)
	}
}

func TestResponseAppendsChecksum(t *testing.T) {
	got := Response(CmdGetVersion, []byte("1"), []byte("0"), []byte("1"))
	if !bytes.Equal(got, []byte("wrv,1,0,1*44\n")) {
		t.Fatalf("frame mismatch: got %q", got)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	payload := []byte{0x00, 0x01, ',', '*', '\n', 0xff, 'x', 'y'}
	raw := Encode(DirResp, RespGotPacket, [][]byte{[]byte("8"), payload}, true)

	var p Parser
	p.Push(raw)
	sentence, err := p.Next()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sentence == nil {
		t.Fatalf("expected a sentence")
	}
	if sentence.Cmd != RespGotPacket || sentence.Dir != DirResp {
		t.Fatalf("unexpected identity: %s", sentence)
	}
	if !bytes.Equal(sentence.Payload(), payload) {
		t.Fatalf("payload mismatch: got %x want %x", sentence.Payload(), payload)
	}
}

func TestBinaryPayloadSize(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"wcq,8,", 8},
		{"wrp,8,", 8},
		{"wcv,8,", -1},
		{"wcq,x,", -1},
		{"wcq,8", -1},
		{"xcq,8,", -1},
	}
	for _, tc := range cases {
		if got := binaryPayloadSize([]byte(tc.in)); got != tc.want {
			t.Fatalf("binaryPayloadSize(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestSentenceIsAck(t *testing.T) {
	ack := &Sentence{Cmd: CmdSetSettings, Dir: DirResp, Options: [][]byte{[]byte("a")}}
	if !ack.IsAck() {
		t.Fatalf("expected ack")
	}
	nak := &Sentence{Cmd: CmdSetSettings, Dir: DirResp, Options: [][]byte{[]byte("n")}}
	if nak.IsAck() {
		t.Fatalf("expected nak")
	}
	empty := &Sentence{Cmd: CmdSetSettings, Dir: DirResp}
	if empty.IsAck() {
		t.Fatalf("expected nak for missing options")
	}
}
