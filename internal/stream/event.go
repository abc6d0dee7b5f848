package stream

import (
	"sync/atomic"
	"time"
)

type Direction int

const (
	DirNA Direction = iota
	DirSend
	DirReceive
)

func (d Direction) String() string {
	switch d {
	case DirSend:
		return "send"
	case DirReceive:
		return "receive"
	default:
		return "n/a"
	}
}

type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is one frame (or lifecycle marker) seen on a streaming connection.
// Close frames carry Code/Reason and no payload.
type Event struct {
	Direction Direction
	Timestamp time.Time
	Sequence  uint64

	Payload []byte
	Binary  bool

	Code   int
	Reason string
}

func (e *Event) IsClose() bool {
	return e != nil && e.Code != 0
}

var seqCounter uint64

func nextSequence() uint64 {
	return atomic.AddUint64(&seqCounter, 1)
}
