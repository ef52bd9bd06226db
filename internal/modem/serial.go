package modem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.bug.st/serial"

	"seamodem/internal/protocol"
)

// serialReadTimeout bounds a single poll so the background reader never
// hangs on a silent line.
const serialReadTimeout = 50 * time.Millisecond

// SerialBackend drives a modem attached to a local serial port. This
// layer introduces no packet loss of its own; loss happens on the
// acoustic channel and shows up as a missing response.
type SerialBackend struct {
	logger   *slog.Logger
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	parser  protocol.Parser
	readBuf []byte

	writeMu sync.Mutex

	corrupt int
}

func NewSerialBackend(logger *slog.Logger, portName string, baudRate int) *SerialBackend {
	return &SerialBackend{
		logger:   logger,
		portName: portName,
		baudRate: baudRate,
		readBuf:  make([]byte, 256),
	}
}

func (b *SerialBackend) Name() string {
	return "serial"
}

func (b *SerialBackend) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if b.portName == "" {
		return errors.New("serial port is empty")
	}
	if b.baudRate <= 0 {
		return fmt.Errorf("invalid serial baud rate: %d", b.baudRate)
	}

	port, err := serial.Open(b.portName, &serial.Mode{BaudRate: b.baudRate})
	if err != nil {
		return fmt.Errorf("open serial port %q: %w", b.portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return fmt.Errorf("set serial read timeout: %w", err)
	}
	b.port = port
	b.parser = protocol.Parser{}

	return nil
}

func (b *SerialBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.port = nil
	return err
}

func (b *SerialBackend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.port != nil
}

func (b *SerialBackend) SendRaw(frame []byte) error {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return ErrNotConnected
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	written := 0
	for written < len(frame) {
		n, err := port.Write(frame[written:])
		if err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
		written += n
	}
	return nil
}

// PollIncoming reads whatever bytes are available within the port read
// timeout and returns the sentences that completed. Corrupt sentences
// are counted and logged, then skipped; the decoder has already
// resynchronized at the next start byte.
func (b *SerialBackend) PollIncoming() ([]*protocol.Sentence, error) {
	b.mu.Lock()
	port := b.port
	b.mu.Unlock()
	if port == nil {
		return nil, ErrNotConnected
	}

	n, err := port.Read(b.readBuf)
	if err != nil {
		return nil, fmt.Errorf("read serial: %w", err)
	}
	if n == 0 {
		// Read timeout with nothing buffered.
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.parser.Push(b.readBuf[:n])

	var out []*protocol.Sentence
	for {
		sentence, err := b.parser.Next()
		if err != nil {
			b.corrupt++
			b.logger.Debug("discarded corrupt sentence", "error", err, "total", b.corrupt)
			continue
		}
		if sentence == nil {
			return out, nil
		}
		out = append(out, sentence)
	}
}

// CorruptCount reports how many sentences were discarded since Open.
func (b *SerialBackend) CorruptCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.corrupt
}
