// Package option encodes the Option and Objective records carried inside
// GDNP envelope payloads.
package option

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderLen covers type and length.
	HeaderLen = 4
	// ObjectiveHeaderLen adds the loop-count/flag slot.
	ObjectiveHeaderLen = 6
	// MaxValueLen is the largest value a 16-bit length can describe.
	MaxValueLen = 1<<16 - 1
)

var (
	ErrUnknownOptionType = errors.New("option: unknown option type")
	ErrTruncated         = errors.New("option: truncated data")
	ErrValueTooLong      = errors.New("option: value too long")
	ErrUnexpectedType    = errors.New("option: unexpected option type")
)

// Type is the 16-bit option tag.
type Type uint16

const (
	Divert Type = iota
	Accept
	Decline
	WaitingTime
	Locator
	Discovery
	Negotiation
	Synchronization
)

func (t Type) Valid() bool {
	return t <= Synchronization
}

func (t Type) String() string {
	switch t {
	case Divert:
		return "Divert"
	case Accept:
		return "Accept"
	case Decline:
		return "Decline"
	case WaitingTime:
		return "Waiting_time"
	case Locator:
		return "Locator"
	case Discovery:
		return "Discovery"
	case Negotiation:
		return "Negotiation"
	case Synchronization:
		return "Synchronization"
	default:
		return fmt.Sprintf("Type(%d)", uint16(t))
	}
}

// Option is a plain type/length/value record. The length on the wire is
// always len(Value).
type Option struct {
	Type  Type
	Value []byte
}

// New returns an Option carrying a copy of value.
func New(t Type, value []byte) Option {
	return Option{Type: t, Value: cloneBytes(value)}
}

// Len is the value length written to the wire.
func (o Option) Len() int {
	return len(o.Value)
}

// ToBits serializes o as u16 type | u16 len | value.
func (o Option) ToBits() ([]byte, error) {
	if len(o.Value) > MaxValueLen {
		return nil, fmt.Errorf("%w: %d", ErrValueTooLong, len(o.Value))
	}
	buf := make([]byte, HeaderLen+len(o.Value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(o.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(o.Value)))
	copy(buf[HeaderLen:], o.Value)
	return buf, nil
}

// Parse reads one Option from the front of b. Bytes past the declared
// length are ignored.
func Parse(b []byte) (Option, error) {
	if len(b) < HeaderLen {
		return Option{}, fmt.Errorf("%w: header", ErrTruncated)
	}
	t := Type(binary.BigEndian.Uint16(b[0:2]))
	if !t.Valid() {
		return Option{}, fmt.Errorf("%w: %d", ErrUnknownOptionType, uint16(t))
	}
	l := int(binary.BigEndian.Uint16(b[2:4]))
	if len(b)-HeaderLen < l {
		return Option{}, fmt.Errorf("%w: value wants %d have %d", ErrTruncated, l, len(b)-HeaderLen)
	}
	return Option{Type: t, Value: cloneBytes(b[HeaderLen : HeaderLen+l])}, nil
}

// Objective is an Option with a loop counter and flag byte.
type Objective struct {
	Option
	LoopCount uint8
	Flag      uint8
}

// NewObjective returns an Objective carrying a copy of value.
func NewObjective(t Type, value []byte, loopCount, flag uint8) Objective {
	return Objective{Option: New(t, value), LoopCount: loopCount, Flag: flag}
}

// ToBits serializes o as u16 type | u16 len | u16 (loop<<8|flag) | value.
func (o Objective) ToBits() ([]byte, error) {
	if len(o.Value) > MaxValueLen {
		return nil, fmt.Errorf("%w: %d", ErrValueTooLong, len(o.Value))
	}
	buf := make([]byte, ObjectiveHeaderLen+len(o.Value))
	binary.BigEndian.PutUint16(buf[0:2], uint16(o.Type))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(o.Value)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(o.LoopCount)<<8|uint16(o.Flag))
	copy(buf[ObjectiveHeaderLen:], o.Value)
	return buf, nil
}

// ParseObjective reads one Objective from the front of b.
func ParseObjective(b []byte) (Objective, error) {
	if len(b) < ObjectiveHeaderLen {
		return Objective{}, fmt.Errorf("%w: objective header", ErrTruncated)
	}
	t := Type(binary.BigEndian.Uint16(b[0:2]))
	if !t.Valid() {
		return Objective{}, fmt.Errorf("%w: %d", ErrUnknownOptionType, uint16(t))
	}
	l := int(binary.BigEndian.Uint16(b[2:4]))
	slot := binary.BigEndian.Uint16(b[4:6])
	if len(b)-ObjectiveHeaderLen < l {
		return Objective{}, fmt.Errorf("%w: value wants %d have %d", ErrTruncated, l, len(b)-ObjectiveHeaderLen)
	}
	return Objective{
		Option:    Option{Type: t, Value: cloneBytes(b[ObjectiveHeaderLen : ObjectiveHeaderLen+l])},
		LoopCount: uint8(slot >> 8),
		Flag:      uint8(slot),
	}, nil
}

// NewWaitingTime builds a Waiting_time option carrying d as big-endian
// u32 milliseconds.
func NewWaitingTime(d time.Duration) Option {
	var v [4]byte
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if ms > int64(^uint32(0)) {
		ms = int64(^uint32(0))
	}
	binary.BigEndian.PutUint32(v[:], uint32(ms))
	return Option{Type: WaitingTime, Value: v[:]}
}

// Duration decodes a Waiting_time value.
func (o Option) Duration() (time.Duration, error) {
	if o.Type != WaitingTime {
		return 0, fmt.Errorf("%w: want %s got %s", ErrUnexpectedType, WaitingTime, o.Type)
	}
	if len(o.Value) < 4 {
		return 0, fmt.Errorf("%w: waiting time", ErrTruncated)
	}
	return time.Duration(binary.BigEndian.Uint32(o.Value[:4])) * time.Millisecond, nil
}

// NewLocator builds a Locator option carrying addr as text.
func NewLocator(addr string) Option {
	return Option{Type: Locator, Value: []byte(addr)}
}

// NewDivert wraps a Locator so the receiver is pointed at another server.
func NewDivert(locator Option) (Option, error) {
	if locator.Type != Locator {
		return Option{}, fmt.Errorf("%w: divert wants %s got %s", ErrUnexpectedType, Locator, locator.Type)
	}
	inner, err := locator.ToBits()
	if err != nil {
		return Option{}, err
	}
	return Option{Type: Divert, Value: inner}, nil
}

// Nested parses the Option embedded in a Divert value.
func (o Option) Nested() (Option, error) {
	if o.Type != Divert {
		return Option{}, fmt.Errorf("%w: want %s got %s", ErrUnexpectedType, Divert, o.Type)
	}
	return Parse(o.Value)
}

func cloneBytes(in []byte) []byte {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}
