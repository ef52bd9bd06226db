package modem

import "errors"

var (
	// ErrNotConnected is returned by operations attempted before a
	// successful Connect.
	ErrNotConnected = errors.New("modem is not connected")
	// ErrConnect is returned when the liveness handshake fails.
	ErrConnect = errors.New("modem connect failed")
	// ErrTimeout is returned when no valid response arrived within the
	// command deadline and the configured retries.
	ErrTimeout = errors.New("command timed out")
	// ErrPayloadTooLarge is returned for packets exceeding the link
	// payload size discovered at connect time.
	ErrPayloadTooLarge = errors.New("payload exceeds link packet size")
	// ErrQueueFull is returned when the modem refuses a packet because
	// its transmit queue is at capacity.
	ErrQueueFull = errors.New("modem transmit queue is full")
	// ErrRejected is returned when the modem answers a command without
	// an acknowledge.
	ErrRejected = errors.New("modem rejected command")
	// ErrInvalidArgument is returned for out-of-range configuration
	// values, before anything touches the wire.
	ErrInvalidArgument = errors.New("invalid argument")
)
