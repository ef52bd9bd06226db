// Package datagram transfers arbitrary length messages over the modem's
// small fixed size packets, UDP style.
//
// Each datagram is CRC-8 protected, COBS/R encoded and terminated by a
// zero delimiter, then cut into link sized chunks; short chunks are
// padded with empty COBS frames. There is no retransmission: losing any
// one packet corrupts the whole datagram, which the receiver discards.
// With per-packet loss probability p an N packet datagram arrives with
// probability (1-p)^N, so this layer is only suitable for short
// messages. An 8 byte payload link needs 10 packets for a 77 byte
// datagram; at 5% loss that survives ~60% of the time.
package datagram

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"seamodem/internal/bus"
	"seamodem/internal/link"
)

// PacketModem is the packet-level contract the socket needs from a
// connected modem session.
type PacketModem interface {
	PayloadSize() int
	QueuePacket(ctx context.Context, payload []byte) error
	QueueLength(ctx context.Context) (int, error)
	DataPacket(timeout time.Duration) ([]byte, bool)
}

// Options tune the socket. Zero values pick the defaults.
type Options struct {
	// TxQueue and RxQueue bound the datagram queues on each side.
	TxQueue int
	RxQueue int
	// DesiredQueueLength is how many packets the socket keeps in the
	// modem's transmit queue; low values trade throughput for fresher
	// diagnostics between chunks.
	DesiredQueueLength int
	// PollInterval paces the worker loop.
	PollInterval time.Duration
}

func (o *Options) fillDefaults() {
	if o.TxQueue <= 0 {
		o.TxQueue = 8
	}
	if o.RxQueue <= 0 {
		o.RxQueue = 8
	}
	if o.DesiredQueueLength <= 0 {
		o.DesiredQueueLength = 2
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 200 * time.Millisecond
	}
}

// Socket frames, packetizes and sends queued datagrams from a worker
// goroutine, and reassembles received packets back into datagrams.
type Socket struct {
	logger *slog.Logger
	bus    bus.MessageBus
	modem  PacketModem
	opts   Options

	txQueue chan []byte
	rxQueue chan []byte

	// Worker-owned; never touched from other goroutines.
	txBuf []byte
	rxBuf []byte
}

func New(logger *slog.Logger, b bus.MessageBus, m PacketModem, opts Options) *Socket {
	opts.fillDefaults()
	return &Socket{
		logger:  logger,
		bus:     b,
		modem:   m,
		opts:    opts,
		txQueue: make(chan []byte, opts.TxQueue),
		rxQueue: make(chan []byte, opts.RxQueue),
	}
}

// Start launches the worker. It stops when ctx is cancelled.
func (s *Socket) Start(ctx context.Context) {
	go s.run(ctx)
}

// Send queues one datagram for transmission. It returns false without
// blocking when the transmit queue is full or the datagram is empty;
// true means queued, not delivered.
func (s *Socket) Send(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	select {
	case s.txQueue <- append([]byte(nil), data...):
		return true
	default:
		return false
	}
}

// Receive returns the next fully reassembled datagram, waiting up to
// timeout; zero polls without blocking. Corrupt datagrams never show up
// here, they are discarded inside the worker.
func (s *Socket) Receive(timeout time.Duration) ([]byte, bool) {
	if timeout <= 0 {
		select {
		case d := <-s.rxQueue:
			return d, true
		default:
			return nil, false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case d := <-s.rxQueue:
		return d, true
	case <-timer.C:
		return nil, false
	}
}

func (s *Socket) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.opts.PollInterval):
		}
		s.runSend(ctx)
		s.runReceive()
	}
}

// runSend tops the modem's transmit queue up with one chunk when it is
// running low.
func (s *Socket) runSend(ctx context.Context) {
	queueLen, err := s.modem.QueueLength(ctx)
	if err != nil {
		s.logger.Debug("queue length query failed", "error", err)
		return
	}
	if queueLen >= s.opts.DesiredQueueLength {
		return
	}

	size := s.modem.PayloadSize()
	if size <= 0 {
		return
	}
	if len(s.txBuf) < size {
		s.fillTxBuf()
	}
	if len(s.txBuf) == 0 {
		return
	}

	chunk := s.nextChunk(size)
	if err := s.modem.QueuePacket(ctx, chunk); err != nil {
		// Put the chunk back so the datagram stays intact; the next
		// pass retries it.
		s.txBuf = append(append([]byte(nil), chunk...), s.txBuf...)
		s.logger.Debug("queue packet failed", "error", err)
	}
}

func (s *Socket) fillTxBuf() {
	select {
	case data := <-s.txQueue:
		s.txBuf = append(s.txBuf, frame(data)...)
		s.bus.Publish(link.TopicDatagramOut, link.Datagram{
			Direction: link.DirectionOut,
			Size:      len(data),
			OK:        true,
			At:        time.Now(),
		})
	default:
	}
}

func (s *Socket) nextChunk(size int) []byte {
	if len(s.txBuf) >= size {
		chunk := s.txBuf[:size:size]
		s.txBuf = s.txBuf[size:]
		return chunk
	}
	chunk := padPayload(s.txBuf, size)
	s.txBuf = nil
	return chunk
}

// runReceive drains received packets and extracts every complete
// datagram from the reassembly buffer.
func (s *Socket) runReceive() {
	for {
		payload, ok := s.modem.DataPacket(0)
		if !ok {
			break
		}
		s.rxBuf = append(s.rxBuf, payload...)
	}

	for {
		idx := bytes.IndexByte(s.rxBuf, frameDelimiter)
		if idx < 0 {
			return
		}
		buf := s.rxBuf[:idx]
		s.rxBuf = append([]byte(nil), s.rxBuf[idx+1:]...)

		data, err := unframe(buf)
		if err != nil {
			// A dropped packet somewhere in the sequence; nothing to
			// deliver and nothing to request again.
			s.logger.Debug("discarded corrupt datagram", "error", err, "frame_len", len(buf))
			s.bus.Publish(link.TopicDatagramIn, link.Datagram{
				Direction: link.DirectionIn,
				Size:      len(buf),
				OK:        false,
				At:        time.Now(),
			})
			continue
		}
		if len(data) == 0 {
			// Padding only.
			continue
		}

		select {
		case s.rxQueue <- data:
			s.bus.Publish(link.TopicDatagramIn, link.Datagram{
				Direction: link.DirectionIn,
				Size:      len(data),
				OK:        true,
				At:        time.Now(),
			})
		default:
			s.logger.Warn("receive queue full, dropped datagram", "size", len(data))
		}
	}
}
