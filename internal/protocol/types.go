package protocol

import "fmt"

// MessageKind is the 8-bit kind tag carried in the top byte of the header.
type MessageKind uint8

const (
	KindDiscovery MessageKind = 1
	KindResponse  MessageKind = 2
	KindRequest   MessageKind = 3
	KindNego      MessageKind = 4
	KindNegoEnd   MessageKind = 5
	KindWait      MessageKind = 6
)

const (
	// PayloadCapacity is the fixed size of the payload region.
	PayloadCapacity = 1000
	// EnvelopeSize is the on-wire size of every envelope.
	EnvelopeSize = 4 + 4 + PayloadCapacity
	// MaxSessionID is the largest id that fits the 24-bit header field.
	MaxSessionID uint32 = 1<<24 - 1
)

const (
	kindShift   = 24
	sessionMask = uint32(MaxSessionID)
)

// Valid reports whether k is one of the six defined kinds.
func (k MessageKind) Valid() bool {
	return k >= KindDiscovery && k <= KindWait
}

func (k MessageKind) String() string {
	switch k {
	case KindDiscovery:
		return "DISCOVERY"
	case KindResponse:
		return "RESPONSE"
	case KindRequest:
		return "REQUEST"
	case KindNego:
		return "NEGO"
	case KindNegoEnd:
		return "NEGO_END"
	case KindWait:
		return "WAIT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// Envelope is the fixed-size unit carried by every transport.
//
// Header packs kind<<24 | sessionID. DeviceID is random per envelope.
// Payload is always the full region; unused bytes are zero.
type Envelope struct {
	Header   uint32
	DeviceID uint32
	Payload  [PayloadCapacity]byte
}

// Kind returns the raw kind tag without validating it.
func (e *Envelope) Kind() MessageKind {
	return MessageKind(e.Header >> kindShift)
}

// SessionID returns the 24-bit session id from the header.
func (e *Envelope) SessionID() uint32 {
	return e.Header & sessionMask
}
