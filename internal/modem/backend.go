package modem

import (
	"context"

	"seamodem/internal/protocol"
)

// Backend is the packet channel a session drives. The serial variant
// talks to real hardware, the simulator variant reproduces the same
// contract in memory; the session is agnostic to which one it owns.
//
// PollIncoming returns every sentence that became decodable since the
// last call. It must not block beyond a short internal read timeout and
// must swallow corrupt sentences after resynchronizing (they manifest to
// callers as "no response", like loss on the acoustic channel itself).
type Backend interface {
	Name() string
	Open(ctx context.Context) error
	Close() error
	SendRaw(frame []byte) error
	PollIncoming() ([]*protocol.Sentence, error)
	Connected() bool
}
