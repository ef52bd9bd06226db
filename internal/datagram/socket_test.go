package datagram

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seamodem/internal/bus"
	"seamodem/internal/link"
	"seamodem/internal/modem"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeModem is a packet-level stand-in: queued packets are recorded,
// incoming packets are scripted.
type fakeModem struct {
	mu          sync.Mutex
	payloadSize int
	queued      [][]byte
	incoming    [][]byte
	queueErr    error
}

func (f *fakeModem) PayloadSize() int { return f.payloadSize }

func (f *fakeModem) QueuePacket(_ context.Context, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queueErr != nil {
		return f.queueErr
	}
	f.queued = append(f.queued, append([]byte(nil), payload...))
	return nil
}

func (f *fakeModem) QueueLength(context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return 0, nil
}

func (f *fakeModem) DataPacket(time.Duration) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.incoming) == 0 {
		return nil, false
	}
	p := f.incoming[0]
	f.incoming = f.incoming[1:]
	return p, true
}

func (f *fakeModem) feedFramed(data []byte, size int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	buf := frame(data)
	for len(buf) > 0 {
		if len(buf) >= size {
			f.incoming = append(f.incoming, buf[:size])
			buf = buf[size:]
			continue
		}
		f.incoming = append(f.incoming, padPayload(buf, size))
		buf = nil
	}
}

func newFakeSocket(t *testing.T) (*Socket, *fakeModem, bus.MessageBus) {
	t.Helper()
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)
	fm := &fakeModem{payloadSize: 8}
	return New(logger, b, fm, Options{PollInterval: time.Millisecond}), fm, b
}

func TestSendRejectsEmptyAndFull(t *testing.T) {
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)
	s := New(logger, b, &fakeModem{payloadSize: 8}, Options{TxQueue: 1})

	assert.False(t, s.Send(nil), "empty datagram")
	assert.True(t, s.Send([]byte("one")))
	assert.False(t, s.Send([]byte("two")), "queue holds one datagram")
}

func TestReceiveTimeout(t *testing.T) {
	s, _, _ := newFakeSocket(t)

	_, ok := s.Receive(0)
	assert.False(t, ok, "poll on empty queue")

	start := time.Now()
	_, ok = s.Receive(30 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWorkerChunksOutgoingDatagram(t *testing.T) {
	s, fm, _ := newFakeSocket(t)

	data := []byte("a datagram spanning several packets")
	require.True(t, s.Send(data))

	ctx := context.Background()
	for i := 0; i < 40; i++ {
		s.runSend(ctx)
	}

	fm.mu.Lock()
	defer fm.mu.Unlock()
	var wire []byte
	for _, p := range fm.queued {
		require.Len(t, p, 8, "every chunk matches the link payload size")
		wire = append(wire, p...)
	}
	got := reassemble(t, wire)
	require.Len(t, got, 1)
	assert.Equal(t, data, got[0])
}

func TestWorkerReassemblesIncoming(t *testing.T) {
	s, fm, _ := newFakeSocket(t)
	fm.feedFramed([]byte("incoming message"), 8)

	s.runReceive()

	data, ok := s.Receive(0)
	require.True(t, ok)
	assert.Equal(t, []byte("incoming message"), data)
}

func TestCorruptDatagramDiscarded(t *testing.T) {
	s, fm, b := newFakeSocket(t)

	sub := b.Subscribe(link.TopicDatagramIn)
	t.Cleanup(func() { b.Unsubscribe(sub, link.TopicDatagramIn) })

	fm.feedFramed([]byte("will be damaged"), 8)
	fm.mu.Lock()
	fm.incoming[0][2] ^= 0x20 // simulated lossy link
	fm.mu.Unlock()

	s.runReceive()

	_, ok := s.Receive(0)
	assert.False(t, ok, "corrupt datagram must not be delivered")

	select {
	case raw := <-sub:
		ev, isDatagram := raw.(link.Datagram)
		require.True(t, isDatagram)
		assert.False(t, ev.OK)
	case <-time.After(time.Second):
		t.Fatal("no datagram event published")
	}
}

func TestMissingChunkCorruptsDatagram(t *testing.T) {
	s, fm, _ := newFakeSocket(t)

	fm.feedFramed([]byte("a message long enough for several chunks"), 8)
	fm.mu.Lock()
	// Drop one mid-sequence packet, as acoustic loss would.
	fm.incoming = append(fm.incoming[:2], fm.incoming[3:]...)
	fm.mu.Unlock()

	s.runReceive()

	_, ok := s.Receive(0)
	assert.False(t, ok)
}

func TestBackToBackDatagrams(t *testing.T) {
	s, fm, _ := newFakeSocket(t)

	fm.feedFramed([]byte("first"), 8)
	fm.feedFramed([]byte("second"), 8)

	s.runReceive()

	data, ok := s.Receive(0)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), data)
	data, ok = s.Receive(0)
	require.True(t, ok)
	assert.Equal(t, []byte("second"), data)
}

func TestSocketRoundTripOverSimulator(t *testing.T) {
	logger := testLogger()
	b := bus.New(logger)
	t.Cleanup(b.Close)

	backend := modem.NewSimulatorBackend(logger, modem.SimulatorConfig{})
	m := modem.New(logger, b, backend)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, m.Connect(ctx))
	t.Cleanup(func() { _ = m.Close() })

	s := New(logger, b, m, Options{
		DesiredQueueLength: 4,
		PollInterval:       5 * time.Millisecond,
	})
	s.Start(ctx)

	message := []byte("This is a datagram much longer than one 8 byte packet.")
	require.True(t, s.Send(message))

	data, ok := s.Receive(10 * time.Second)
	require.True(t, ok, "datagram never completed the loopback")
	assert.Equal(t, message, data)
}

// reassemble runs the receive-side framing over a raw byte stream.
func reassemble(t *testing.T, wire []byte) [][]byte {
	t.Helper()
	var out [][]byte
	for _, piece := range splitOnDelimiter(wire) {
		data, err := unframe(piece)
		require.NoError(t, err)
		if data != nil {
			out = append(out, data)
		}
	}
	return out
}
