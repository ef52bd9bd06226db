// Package modem implements the transport session for Water Linked–style
// acoustic modems: the command/acknowledge exchange used to configure
// and query the device, and the queueing discipline for the small fixed
// size data packets the link carries.
package modem

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"seamodem/internal/bus"
	"seamodem/internal/link"
	"seamodem/internal/protocol"
)

const (
	// rxBufferSize bounds the incoming packet buffer. The background
	// reader drops the oldest packet when it overflows; order is
	// preserved, packets are only ever dropped.
	rxBufferSize = 32

	pollInterval          = 2 * time.Millisecond
	defaultCommandTimeout = 500 * time.Millisecond
	configureTimeout      = 2 * time.Second
	// defaultRetries is how many times a timed out command is resent
	// before the failure surfaces. Kept low so a dead link is reported
	// promptly instead of masked.
	defaultRetries = 1
)

// Modem is a session against one physical or simulated device. Exactly
// one command exchange is in flight at a time; concurrent callers
// serialize. The incoming packet buffer is filled by a background
// reader and drained with DataPacket.
type Modem struct {
	logger  *slog.Logger
	bus     bus.MessageBus
	backend Backend

	cmdTimeout time.Duration
	retries    int

	cmdMu sync.Mutex

	pendMu     sync.Mutex
	pendingCmd byte
	pendingCh  chan *protocol.Sentence

	stateMu     sync.Mutex
	connected   bool
	payloadSize int
	version     Version
	cancel      context.CancelFunc

	rx chan []byte
}

func New(logger *slog.Logger, b bus.MessageBus, backend Backend) *Modem {
	return &Modem{
		logger:     logger,
		bus:        b,
		backend:    backend,
		cmdTimeout: defaultCommandTimeout,
		retries:    defaultRetries,
		rx:         make(chan []byte, rxBufferSize),
	}
}

// Connect opens the backend and performs the liveness handshake: a
// line reset, a version query (major version must be 1) and a payload
// size query. The session is unusable until Connect succeeds.
func (m *Modem) Connect(ctx context.Context) error {
	m.publishStatus(link.StateConnecting, nil)

	if err := m.backend.Open(ctx); err != nil {
		m.publishStatus(link.StateDisconnected, err)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	readerCtx, cancel := context.WithCancel(context.Background())
	m.stateMu.Lock()
	m.cancel = cancel
	m.stateMu.Unlock()
	go m.runReader(readerCtx)

	// A bare terminator flushes whatever half sentence the device may
	// still hold from a previous session.
	if err := m.backend.SendRaw([]byte{protocol.EOP}); err != nil {
		m.teardown(err)
		return fmt.Errorf("%w: reset: %v", ErrConnect, err)
	}

	version, err := m.queryVersion(ctx)
	if err != nil {
		m.teardown(err)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}
	if version.Major != 1 {
		err := fmt.Errorf("unsupported protocol version %s", version)
		m.teardown(err)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	size, err := m.queryPayloadSize(ctx)
	if err != nil {
		m.teardown(err)
		return fmt.Errorf("%w: %v", ErrConnect, err)
	}

	m.stateMu.Lock()
	m.connected = true
	m.payloadSize = size
	m.version = version
	m.stateMu.Unlock()

	m.logger.Info("modem connected",
		"backend", m.backend.Name(), "version", version.String(), "payload_size", size)
	m.publishStatus(link.StateConnected, nil)
	return nil
}

// Close stops the background reader and releases the backend.
func (m *Modem) Close() error {
	m.teardown(nil)
	return nil
}

func (m *Modem) teardown(cause error) {
	m.stateMu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.connected = false
	m.payloadSize = 0
	m.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if err := m.backend.Close(); err != nil {
		m.logger.Warn("close backend", "error", err)
	}
	m.publishStatus(link.StateDisconnected, cause)
}

// Connected reports whether the handshake completed and the backend is
// still open.
func (m *Modem) Connected() bool {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.connected && m.backend.Connected()
}

// PayloadSize is the link's fixed packet payload size discovered during
// Connect, or 0 before that.
func (m *Modem) PayloadSize() int {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.payloadSize
}

// Version is the device protocol version reported during Connect.
func (m *Modem) Version() Version {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	return m.version
}

// Configure sets the modem role and acoustic channel. The two ends of a
// link must use different roles on the same channel. After a
// configuration change the link needs time to re-synchronize; poll
// Diagnostic for link-up.
func (m *Modem) Configure(ctx context.Context, role Role, channel int) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	if role != RoleA && role != RoleB {
		return fmt.Errorf("%w: role %q", ErrInvalidArgument, role)
	}
	if channel < MinChannel || channel > MaxChannel {
		return fmt.Errorf("%w: channel %d outside %d..%d", ErrInvalidArgument, channel, MinChannel, MaxChannel)
	}

	resp, err := m.request(ctx, protocol.CmdSetSettings,
		[][]byte{[]byte(role), itoa(channel)}, configureTimeout)
	if err != nil {
		return err
	}
	if !resp.IsAck() {
		return fmt.Errorf("%w: settings role=%s channel=%d", ErrRejected, role, channel)
	}
	return nil
}

// Diagnostic queries link state and current settings and returns a
// point-in-time snapshot.
func (m *Modem) Diagnostic(ctx context.Context) (DiagnosticSnapshot, error) {
	if !m.Connected() {
		return DiagnosticSnapshot{}, ErrNotConnected
	}

	resp, err := m.request(ctx, protocol.CmdGetDiagnostic, nil, m.cmdTimeout)
	if err != nil {
		return DiagnosticSnapshot{}, err
	}
	snapshot, err := parseDiagnostic(resp)
	if err != nil {
		return DiagnosticSnapshot{}, err
	}

	settings, err := m.request(ctx, protocol.CmdGetSettings, nil, m.cmdTimeout)
	if err != nil {
		return DiagnosticSnapshot{}, err
	}
	if err := parseSettings(settings, &snapshot); err != nil {
		return DiagnosticSnapshot{}, err
	}

	m.bus.Publish(link.TopicDiagnostic, link.Diagnostic{
		LinkUp:          snapshot.LinkUp,
		PacketCount:     snapshot.PacketCount,
		PacketLossCount: snapshot.PacketLossCount,
		BitErrorRate:    snapshot.BitErrorRate,
		Role:            string(snapshot.Role),
		Channel:         snapshot.Channel,
		At:              time.Now(),
	})
	return snapshot, nil
}

// QueuePacket hands one payload to the modem's transmit queue. It
// returns once the device accepted the packet, not once it was
// delivered; delivery is never acknowledged end to end.
func (m *Modem) QueuePacket(ctx context.Context, payload []byte) error {
	size := m.PayloadSize()
	if size <= 0 {
		return ErrNotConnected
	}
	if len(payload) > size {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(payload), size)
	}

	resp, err := m.request(ctx, protocol.CmdQueuePacket,
		[][]byte{itoa(len(payload)), payload}, m.cmdTimeout)
	if err != nil {
		return err
	}
	if !resp.IsAck() {
		return ErrQueueFull
	}
	return nil
}

// DataPacket returns the next received packet in FIFO order, waiting up
// to timeout for one to arrive. A timeout of zero polls without
// blocking. Packets arriving after a timed out call stay buffered for
// the next one.
func (m *Modem) DataPacket(timeout time.Duration) ([]byte, bool) {
	if timeout <= 0 {
		select {
		case p := <-m.rx:
			return p, true
		default:
			return nil, false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-m.rx:
		return p, true
	case <-timer.C:
		return nil, false
	}
}

// QueueLength reports how many packets sit in the modem's own transmit
// queue, which the datagram layer uses for flow control.
func (m *Modem) QueueLength(ctx context.Context) (int, error) {
	if !m.Connected() {
		return 0, ErrNotConnected
	}
	resp, err := m.request(ctx, protocol.CmdGetBufferLength, nil, m.cmdTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp.Options) < 1 {
		return 0, fmt.Errorf("%w: empty buffer length response", ErrRejected)
	}
	n, err := strconv.Atoi(string(resp.Options[0]))
	if err != nil {
		return 0, fmt.Errorf("parse buffer length: %w", err)
	}
	return n, nil
}

// Flush discards every packet waiting in the modem's transmit queue.
func (m *Modem) Flush(ctx context.Context) error {
	if !m.Connected() {
		return ErrNotConnected
	}
	resp, err := m.request(ctx, protocol.CmdFlush, nil, m.cmdTimeout)
	if err != nil {
		return err
	}
	if !resp.IsAck() {
		return fmt.Errorf("%w: flush", ErrRejected)
	}
	return nil
}

func (m *Modem) queryVersion(ctx context.Context) (Version, error) {
	resp, err := m.request(ctx, protocol.CmdGetVersion, nil, m.cmdTimeout)
	if err != nil {
		return Version{}, err
	}
	if len(resp.Options) < 3 {
		return Version{}, fmt.Errorf("short version response: %d fields", len(resp.Options))
	}
	var parts [3]int
	for i := 0; i < 3; i++ {
		v, err := strconv.Atoi(string(resp.Options[i]))
		if err != nil {
			return Version{}, fmt.Errorf("parse version field %d: %w", i, err)
		}
		parts[i] = v
	}
	return Version{Major: parts[0], Minor: parts[1], Patch: parts[2]}, nil
}

func (m *Modem) queryPayloadSize(ctx context.Context) (int, error) {
	resp, err := m.request(ctx, protocol.CmdGetPayloadSize, nil, m.cmdTimeout)
	if err != nil {
		return 0, err
	}
	if len(resp.Options) < 1 {
		return 0, fmt.Errorf("empty payload size response")
	}
	size, err := strconv.Atoi(string(resp.Options[0]))
	if err != nil || size < 1 {
		return 0, fmt.Errorf("invalid payload size %q", resp.Options[0])
	}
	return size, nil
}

// request performs one command exchange: send, await the matching
// response, retry a bounded number of times on timeout. Exchanges are
// serialized; the session is not pipelined.
func (m *Modem) request(ctx context.Context, cmd byte, options [][]byte, timeout time.Duration) (*protocol.Sentence, error) {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	frame := protocol.Command(cmd, options...)
	for attempt := 0; attempt <= m.retries; attempt++ {
		ch := make(chan *protocol.Sentence, 1)
		m.pendMu.Lock()
		m.pendingCmd = cmd
		m.pendingCh = ch
		m.pendMu.Unlock()

		if err := m.backend.SendRaw(frame); err != nil {
			m.clearPending()
			return nil, err
		}
		m.bus.Publish(link.TopicSentenceOut, link.Sentence{
			Cmd:       string(cmd),
			Direction: link.DirectionOut,
			At:        time.Now(),
		})

		timer := time.NewTimer(timeout)
		select {
		case resp := <-ch:
			timer.Stop()
			return resp, nil
		case <-timer.C:
			m.clearPending()
			m.logger.Debug("command timed out", "cmd", string(cmd), "attempt", attempt+1)
		case <-ctx.Done():
			timer.Stop()
			m.clearPending()
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: no response to %q after %d attempts", ErrTimeout, string(cmd), m.retries+1)
}

func (m *Modem) clearPending() {
	m.pendMu.Lock()
	m.pendingCmd = 0
	m.pendingCh = nil
	m.pendMu.Unlock()
}

// runReader drains the backend and routes sentences: data packets into
// the bounded incoming buffer, everything else to the command exchange
// waiting for it. It never blocks on a full buffer.
func (m *Modem) runReader(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		sentences, err := m.backend.PollIncoming()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("poll incoming failed", "error", err)
			if !sleepWithContext(ctx, 100*time.Millisecond) {
				return
			}
			continue
		}
		for _, s := range sentences {
			m.dispatch(s)
		}
		if len(sentences) == 0 {
			if !sleepWithContext(ctx, pollInterval) {
				return
			}
		}
	}
}

func (m *Modem) dispatch(s *protocol.Sentence) {
	m.bus.Publish(link.TopicSentenceIn, link.Sentence{
		Cmd:       string(s.Cmd),
		Direction: link.DirectionIn,
		At:        time.Now(),
	})

	if s.Cmd == protocol.RespGotPacket && s.Dir == protocol.DirResp {
		payload := append([]byte(nil), s.Payload()...)
		select {
		case m.rx <- payload:
		default:
			select {
			case <-m.rx:
				m.logger.Warn("incoming buffer full, dropped oldest packet")
			default:
			}
			select {
			case m.rx <- payload:
			default:
			}
		}
		m.bus.Publish(link.TopicPacketIn, link.Packet{Payload: payload, At: time.Now()})
		return
	}

	m.pendMu.Lock()
	if m.pendingCh != nil && s.Cmd == m.pendingCmd && s.Dir == protocol.DirResp {
		ch := m.pendingCh
		m.pendingCmd = 0
		m.pendingCh = nil
		m.pendMu.Unlock()
		ch <- s
		return
	}
	m.pendMu.Unlock()
	m.logger.Debug("discarding unexpected sentence", "cmd", string(s.Cmd))
}

func (m *Modem) publishStatus(state link.State, err error) {
	status := link.Status{
		State:     state,
		Backend:   m.backend.Name(),
		Timestamp: time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	m.bus.Publish(link.TopicLinkStatus, status)
}

func parseDiagnostic(resp *protocol.Sentence) (DiagnosticSnapshot, error) {
	if len(resp.Options) < 4 {
		return DiagnosticSnapshot{}, fmt.Errorf("short diagnostic response: %d fields", len(resp.Options))
	}
	pktCount, err := strconv.Atoi(string(resp.Options[1]))
	if err != nil {
		return DiagnosticSnapshot{}, fmt.Errorf("parse packet count: %w", err)
	}
	lossCount, err := strconv.Atoi(string(resp.Options[2]))
	if err != nil {
		return DiagnosticSnapshot{}, fmt.Errorf("parse packet loss count: %w", err)
	}
	ber, err := strconv.ParseFloat(string(resp.Options[3]), 64)
	if err != nil {
		return DiagnosticSnapshot{}, fmt.Errorf("parse bit error rate: %w", err)
	}
	return DiagnosticSnapshot{
		LinkUp:          len(resp.Options[0]) == 1 && resp.Options[0][0] == 'y',
		PacketCount:     pktCount,
		PacketLossCount: lossCount,
		BitErrorRate:    ber,
	}, nil
}

func parseSettings(resp *protocol.Sentence, snapshot *DiagnosticSnapshot) error {
	if len(resp.Options) < 2 {
		return fmt.Errorf("short settings response: %d fields", len(resp.Options))
	}
	role, err := ParseRole(string(resp.Options[0]))
	if err != nil {
		return err
	}
	channel, err := strconv.Atoi(string(resp.Options[1]))
	if err != nil {
		return fmt.Errorf("parse channel: %w", err)
	}
	snapshot.Role = role
	snapshot.Channel = channel
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
