// Package link defines the bus topics and event payloads shared by the
// modem session, the datagram socket and their consumers.
package link

import "time"

// State describes the acoustic link lifecycle as seen by the session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Status is a bus event snapshot of the session's connection state.
type Status struct {
	State     State
	Err       string
	Backend   string
	Timestamp time.Time
}

// Direction tags traffic events.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Sentence reports one protocol sentence crossing the wire, for
// debug/log consumers.
type Sentence struct {
	Cmd       string
	Direction Direction
	At        time.Time
}

// Packet is a received modem data packet.
type Packet struct {
	Payload []byte
	At      time.Time
}

// Datagram reports a datagram handed to or produced by the reliability
// layer. OK is false for transfers the receiver had to discard.
type Datagram struct {
	Direction Direction
	Size      int
	OK        bool
	At        time.Time
}

// Diagnostic is a point-in-time link quality snapshot event.
type Diagnostic struct {
	LinkUp          bool
	PacketCount     int
	PacketLossCount int
	BitErrorRate    float64
	Role            string
	Channel         int
	At              time.Time
}
