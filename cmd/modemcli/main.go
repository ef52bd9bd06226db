package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"seamodem/internal/bus"
	"seamodem/internal/config"
	"seamodem/internal/datagram"
	"seamodem/internal/link"
	"seamodem/internal/logging"
	"seamodem/internal/modem"
	"seamodem/internal/persistence"
)

const linkUpWaitTimeout = 60 * time.Second

func main() {
	if err := run(); err != nil {
		slog.Error("run modemcli", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file path (default: user config dir)")
	backendName := flag.String("backend", "", "backend: serial or simulator")
	port := flag.String("port", "", "serial device path")
	baud := flag.Int("baud", 0, "serial baud rate")
	roleFlag := flag.String("role", "", "link role: a or b")
	channel := flag.Int("channel", 0, "acoustic channel (1-7)")
	loss := flag.Float64("loss", -1, "simulator packet loss probability (0..1)")
	delay := flag.Duration("delay", -1, "simulator round-trip delay, e.g. 500ms")
	sendText := flag.String("send", "", "datagram to transmit once the link is up")
	listenFor := flag.Duration("listen-for", 0, "listen duration, e.g. 30s (0 = until interrupt)")
	logLevel := flag.String("log-level", "", "log level override")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	paths, err := resolvePaths(*configPath)
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	cfg, err := config.Load(paths.configFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlags(&cfg, *backendName, *port, *baud, *roleFlag, *channel, *loss, *delay, *logLevel)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logMgr := logging.NewManager()
	if err := logMgr.Configure(cfg.Logging, paths.logFile); err != nil {
		return fmt.Errorf("configure logging: %w", err)
	}
	defer func() {
		if closeErr := logMgr.Close(); closeErr != nil {
			slog.Warn("close log manager", "error", closeErr)
		}
	}()
	logger := logMgr.Logger("cli")

	b := bus.New(logMgr.Logger("bus"))
	defer b.Close()

	if cfg.Storage.Enabled {
		dbPath := cfg.Storage.DBPath
		if strings.TrimSpace(dbPath) == "" {
			dbPath = paths.dbFile
		}
		db, err := persistence.Open(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer func() {
			if closeErr := db.Close(); closeErr != nil {
				logger.Warn("close sqlite", "error", closeErr)
			}
		}()

		writer := persistence.NewWriterQueue(logMgr.Logger("persistence"), 128)
		writer.Start(ctx)
		startTrafficSync(ctx, b, writer,
			persistence.NewTrafficRepo(db), persistence.NewDiagnosticRepo(db))
		logger.Info("traffic log enabled", "path", dbPath)
	}

	backend, err := buildBackend(logMgr, cfg)
	if err != nil {
		return err
	}

	m := modem.New(logMgr.Logger("modem"), b, backend)
	if err := m.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if closeErr := m.Close(); closeErr != nil {
			logger.Warn("close modem", "error", closeErr)
		}
	}()
	logger.Info("connected", "backend", backend.Name(),
		"version", m.Version().String(), "payload_size", m.PayloadSize())

	role, err := modem.ParseRole(cfg.Connection.Role)
	if err != nil {
		return err
	}
	if err := m.Configure(ctx, role, cfg.Connection.Channel); err != nil {
		return fmt.Errorf("configure role=%s channel=%d: %w", role, cfg.Connection.Channel, err)
	}
	logger.Info("configured", "role", string(role), "channel", cfg.Connection.Channel)

	sock := datagram.New(logMgr.Logger("datagram"), b, m, datagram.Options{
		DesiredQueueLength: cfg.Datagram.QueueDepth,
		PollInterval:       time.Duration(cfg.Datagram.PollIntervalMS) * time.Millisecond,
	})
	sock.Start(ctx)

	watch(ctx, b, logger)

	if *sendText != "" {
		if err := waitForLinkUp(ctx, m, logger); err != nil {
			return err
		}
		if !sock.Send([]byte(*sendText)) {
			return fmt.Errorf("datagram send queue is full")
		}
		logger.Info("datagram queued", "size", len(*sendText))
	}

	deadline := time.Time{}
	if *listenFor > 0 {
		deadline = time.Now().Add(*listenFor)
		logger.Info("listening", "duration", *listenFor)
	} else {
		logger.Info("listening until interrupt")
	}

	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		if data, ok := sock.Receive(time.Second); ok {
			logger.Info("datagram received", "size", len(data), "text", printable(data))
		}
	}
}

type appPaths struct {
	configFile string
	logFile    string
	dbFile     string
}

func resolvePaths(configOverride string) (appPaths, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return appPaths{}, err
	}
	dir := filepath.Join(base, "seamodem")
	paths := appPaths{
		configFile: filepath.Join(dir, "config.json"),
		logFile:    filepath.Join(dir, "seamodem.log"),
		dbFile:     filepath.Join(dir, "traffic.db"),
	}
	if strings.TrimSpace(configOverride) != "" {
		paths.configFile = configOverride
	}
	return paths, nil
}

func applyFlags(cfg *config.AppConfig, backend, port string, baud int, role string, channel int, loss float64, delay time.Duration, logLevel string) {
	if backend != "" {
		cfg.Connection.Backend = config.BackendType(backend)
	}
	if port != "" {
		cfg.Connection.SerialPort = port
	}
	if baud > 0 {
		cfg.Connection.SerialBaud = baud
	}
	if role != "" {
		cfg.Connection.Role = role
	}
	if channel > 0 {
		cfg.Connection.Channel = channel
	}
	if loss >= 0 {
		cfg.Simulator.LossProbability = loss
	}
	if delay >= 0 {
		cfg.Simulator.RoundTripDelayMS = int(delay / time.Millisecond)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
}

func buildBackend(logMgr *logging.Manager, cfg config.AppConfig) (modem.Backend, error) {
	switch cfg.Connection.Backend {
	case config.BackendSerial:
		return modem.NewSerialBackend(logMgr.Logger("serial"),
			cfg.Connection.SerialPort, cfg.Connection.SerialBaud), nil
	case config.BackendSimulator:
		return modem.NewSimulatorBackend(logMgr.Logger("simulator"), modem.SimulatorConfig{
			LossProbability: cfg.Simulator.LossProbability,
			RoundTripDelay:  time.Duration(cfg.Simulator.RoundTripDelayMS) * time.Millisecond,
			LinkUpDelay:     time.Duration(cfg.Simulator.LinkUpDelayMS) * time.Millisecond,
		}), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Connection.Backend)
	}
}

// waitForLinkUp polls diagnostics until the modems report an
// established acoustic link.
func waitForLinkUp(ctx context.Context, m *modem.Modem, logger *slog.Logger) error {
	deadline := time.Now().Add(linkUpWaitTimeout)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("link did not come up within %s", linkUpWaitTimeout)
		}
		snapshot, err := m.Diagnostic(ctx)
		if err != nil {
			logger.Warn("diagnostic query failed", "error", err)
		} else if snapshot.LinkUp {
			logger.Info("link up",
				"packets", snapshot.PacketCount, "lost", snapshot.PacketLossCount,
				"ber", snapshot.BitErrorRate, "role", string(snapshot.Role), "channel", snapshot.Channel)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func watch(ctx context.Context, b bus.MessageBus, logger *slog.Logger) {
	statusSub := b.Subscribe(link.TopicLinkStatus)
	packetSub := b.Subscribe(link.TopicPacketIn)
	diagSub := b.Subscribe(link.TopicDiagnostic)
	datagramInSub := b.Subscribe(link.TopicDatagramIn)
	datagramOutSub := b.Subscribe(link.TopicDatagramOut)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(statusSub, link.TopicLinkStatus)
				b.Unsubscribe(packetSub, link.TopicPacketIn)
				b.Unsubscribe(diagSub, link.TopicDiagnostic)
				b.Unsubscribe(datagramInSub, link.TopicDatagramIn)
				b.Unsubscribe(datagramOutSub, link.TopicDatagramOut)
				return
			case raw := <-statusSub:
				if status, ok := raw.(link.Status); ok {
					logger.Info("link", "state", status.State, "backend", status.Backend, "error", status.Err)
				}
			case raw := <-packetSub:
				if pkt, ok := raw.(link.Packet); ok {
					logger.Debug("packet", "len", len(pkt.Payload), "data", printable(pkt.Payload))
				}
			case raw := <-diagSub:
				if d, ok := raw.(link.Diagnostic); ok {
					logger.Debug("diagnostic", "link_up", d.LinkUp, "packets", d.PacketCount,
						"lost", d.PacketLossCount, "ber", d.BitErrorRate)
				}
			case raw := <-datagramInSub:
				if d, ok := raw.(link.Datagram); ok {
					logger.Info("datagram-in", "size", d.Size, "ok", d.OK)
				}
			case raw := <-datagramOutSub:
				if d, ok := raw.(link.Datagram); ok {
					logger.Info("datagram-out", "size", d.Size)
				}
			}
		}
	}()
}

func startTrafficSync(ctx context.Context, b bus.MessageBus, writer *persistence.WriterQueue, traffic *persistence.TrafficRepo, diags *persistence.DiagnosticRepo) {
	datagramInSub := b.Subscribe(link.TopicDatagramIn)
	datagramOutSub := b.Subscribe(link.TopicDatagramOut)
	diagSub := b.Subscribe(link.TopicDiagnostic)

	go func() {
		for {
			select {
			case <-ctx.Done():
				b.Unsubscribe(datagramInSub, link.TopicDatagramIn)
				b.Unsubscribe(datagramOutSub, link.TopicDatagramOut)
				b.Unsubscribe(diagSub, link.TopicDiagnostic)
				return
			case raw := <-datagramInSub:
				if ev, ok := raw.(link.Datagram); ok {
					writer.Enqueue("datagram-in", func(ctx context.Context) error {
						_, err := traffic.InsertDatagram(ctx, ev)
						return err
					})
				}
			case raw := <-datagramOutSub:
				if ev, ok := raw.(link.Datagram); ok {
					writer.Enqueue("datagram-out", func(ctx context.Context) error {
						_, err := traffic.InsertDatagram(ctx, ev)
						return err
					})
				}
			case raw := <-diagSub:
				if ev, ok := raw.(link.Diagnostic); ok {
					writer.Enqueue("diagnostic", func(ctx context.Context) error {
						_, err := diags.Insert(ctx, ev)
						return err
					})
				}
			}
		}
	}()
}

func printable(data []byte) string {
	out := make([]rune, 0, len(data))
	for _, b := range data {
		if b < 32 || b > 126 {
			out = append(out, '.')
			continue
		}
		out = append(out, rune(b))
	}
	return string(out)
}
