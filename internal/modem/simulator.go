package modem

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync"
	"time"

	"seamodem/internal/protocol"
)

// SimulatorConfig tunes the emulated link. The zero value gives an
// instant, lossless link with the standard 8 byte payload.
type SimulatorConfig struct {
	// LossProbability is the chance (0..1) that a queued packet never
	// reaches the far end.
	LossProbability float64
	// RoundTripDelay is the acoustic latency applied to each packet.
	RoundTripDelay time.Duration
	// LinkUpDelay is how long after (re)configuration the link reports
	// down, mimicking the modems' synchronization period.
	LinkUpDelay time.Duration
	// PayloadSize is the fixed packet payload size. Defaults to 8.
	PayloadSize int
	// QueueCapacity bounds the emulated device transmit queue.
	// Defaults to 8.
	QueueCapacity int
	// Seed fixes the loss sequence for deterministic tests. Zero seeds
	// from the clock.
	Seed int64
}

type queuedPacket struct {
	payload []byte
	due     time.Time
}

// SimulatorBackend emulates a modem without hardware. Commands written
// through SendRaw are decoded with the same wire parser the hardware
// path uses and answered on the next poll; queued data packets loop back
// as got-packet sentences after the configured round-trip delay, subject
// to the configured loss probability.
type SimulatorBackend struct {
	logger *slog.Logger
	cfg    SimulatorConfig

	mu       sync.Mutex
	open     bool
	parser   protocol.Parser
	ready    []*protocol.Sentence
	queue    []queuedPacket
	lastDue  time.Time
	role     Role
	channel  int
	linkUpAt time.Time
	sent     int
	lost     int
	rng      *rand.Rand
}

func NewSimulatorBackend(logger *slog.Logger, cfg SimulatorConfig) *SimulatorBackend {
	if cfg.PayloadSize <= 0 {
		cfg.PayloadSize = 8
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 8
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimulatorBackend{
		logger:  logger,
		cfg:     cfg,
		role:    RoleA,
		channel: 4,
		rng:     rand.New(rand.NewSource(seed)),
	}
}

func (b *SimulatorBackend) Name() string {
	return "simulator"
}

func (b *SimulatorBackend) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = true
	b.linkUpAt = time.Now().Add(b.cfg.LinkUpDelay)
	return nil
}

func (b *SimulatorBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.open = false
	b.ready = nil
	b.queue = nil
	return nil
}

func (b *SimulatorBackend) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

func (b *SimulatorBackend) SendRaw(frame []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return ErrNotConnected
	}

	b.parser.Push(frame)
	for {
		sentence, err := b.parser.Next()
		if err != nil {
			b.logger.Debug("simulator dropped corrupt command", "error", err)
			continue
		}
		if sentence == nil {
			return nil
		}
		if sentence.Dir != protocol.DirCmd {
			continue
		}
		b.handleCommand(sentence)
	}
}

func (b *SimulatorBackend) handleCommand(cmd *protocol.Sentence) {
	switch cmd.Cmd {
	case protocol.CmdGetVersion:
		b.respond(cmd.Cmd, []byte("1"), []byte("0"), []byte("1"))
	case protocol.CmdGetPayloadSize:
		b.respond(cmd.Cmd, itoa(b.cfg.PayloadSize))
	case protocol.CmdGetBufferLength:
		b.respond(cmd.Cmd, itoa(len(b.queue)))
	case protocol.CmdFlush:
		b.queue = nil
		b.respond(cmd.Cmd, []byte("a"))
	case protocol.CmdSetSettings:
		b.applySettings(cmd)
	case protocol.CmdGetSettings:
		b.respond(cmd.Cmd, []byte(b.role), itoa(b.channel))
	case protocol.CmdGetDiagnostic:
		linkUp := []byte("n")
		if b.isLinkUp() {
			linkUp = []byte("y")
		}
		b.respond(cmd.Cmd, linkUp, itoa(b.sent), itoa(b.lost), []byte("0.1"))
	case protocol.CmdQueuePacket:
		b.queuePacket(cmd)
	default:
		b.logger.Debug("simulator ignoring command", "cmd", string(cmd.Cmd))
	}
}

func (b *SimulatorBackend) applySettings(cmd *protocol.Sentence) {
	if len(cmd.Options) < 2 {
		b.respond(cmd.Cmd, []byte("n"))
		return
	}
	role, err := ParseRole(string(cmd.Options[0]))
	if err != nil {
		b.respond(cmd.Cmd, []byte("n"))
		return
	}
	channel, err := strconv.Atoi(string(cmd.Options[1]))
	if err != nil || channel < MinChannel || channel > MaxChannel {
		b.respond(cmd.Cmd, []byte("n"))
		return
	}
	b.role = role
	b.channel = channel
	b.linkUpAt = time.Now().Add(b.cfg.LinkUpDelay)
	b.respond(cmd.Cmd, []byte("a"))
}

func (b *SimulatorBackend) queuePacket(cmd *protocol.Sentence) {
	payload := cmd.Payload()
	if payload == nil || len(payload) > b.cfg.PayloadSize {
		b.respond(cmd.Cmd, []byte("n"))
		return
	}
	if len(b.queue) >= b.cfg.QueueCapacity {
		b.respond(cmd.Cmd, []byte("n"))
		return
	}

	// Packets drain one per round trip, so stack deliveries behind the
	// last scheduled one.
	now := time.Now()
	due := now.Add(b.cfg.RoundTripDelay)
	if b.lastDue.After(now) {
		due = b.lastDue.Add(b.cfg.RoundTripDelay)
	}
	b.lastDue = due
	b.queue = append(b.queue, queuedPacket{
		payload: append([]byte(nil), payload...),
		due:     due,
	})
	b.respond(cmd.Cmd, []byte("a"))
}

func (b *SimulatorBackend) respond(cmd byte, options ...[]byte) {
	b.ready = append(b.ready, &protocol.Sentence{
		Cmd:     cmd,
		Dir:     protocol.DirResp,
		Options: options,
	})
}

// PollIncoming returns command responses produced since the last call
// plus any queued packets whose delivery time has passed.
func (b *SimulatorBackend) PollIncoming() ([]*protocol.Sentence, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.open {
		return nil, ErrNotConnected
	}

	out := b.ready
	b.ready = nil

	if !b.isLinkUp() {
		return out, nil
	}

	now := time.Now()
	for len(b.queue) > 0 && !b.queue[0].due.After(now) {
		pkt := b.queue[0]
		b.queue = b.queue[1:]
		if b.cfg.LossProbability > 0 && b.rng.Float64() < b.cfg.LossProbability {
			b.lost++
			b.logger.Debug("simulator dropped packet", "lost", b.lost)
			continue
		}
		b.sent++
		out = append(out, &protocol.Sentence{
			Cmd:     protocol.RespGotPacket,
			Dir:     protocol.DirResp,
			Options: [][]byte{itoa(len(pkt.payload)), pkt.payload},
		})
	}
	return out, nil
}

func (b *SimulatorBackend) isLinkUp() bool {
	return b.open && time.Now().After(b.linkUpAt)
}

func itoa(v int) []byte {
	return []byte(fmt.Sprintf("%d", v))
}
