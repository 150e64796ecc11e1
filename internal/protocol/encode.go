package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	mrand "math/rand"
)

// Encode packs kind, sessionID and data into a new envelope with a fresh
// random device id. The payload region past len(data) is zero.
func Encode(kind MessageKind, sessionID uint32, data []byte) (*Envelope, error) {
	if len(data) > PayloadCapacity {
		return nil, fmt.Errorf("%w: %d > %d", ErrPayloadTooLarge, len(data), PayloadCapacity)
	}
	if sessionID > MaxSessionID {
		return nil, fmt.Errorf("%w: %d", ErrSessionIDOutOfRange, sessionID)
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(kind))
	}
	env := &Envelope{
		Header:   uint32(kind)<<kindShift | sessionID,
		DeviceID: NewDeviceID(),
	}
	copy(env.Payload[:], data)
	return env, nil
}

// MarshalBinary returns the big-endian wire form of e.
func (e *Envelope) MarshalBinary() ([]byte, error) {
	if e == nil {
		return nil, ErrNullInput
	}
	buf := make([]byte, EnvelopeSize)
	binary.BigEndian.PutUint32(buf[0:4], e.Header)
	binary.BigEndian.PutUint32(buf[4:8], e.DeviceID)
	copy(buf[8:], e.Payload[:])
	return buf, nil
}

// WriteEnvelope writes exactly EnvelopeSize bytes to w.
func WriteEnvelope(w io.Writer, e *Envelope) error {
	buf, err := e.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// NewDeviceID returns a random 32-bit device id.
func NewDeviceID() uint32 {
	var buf [4]byte
	n, err := io.ReadFull(rand.Reader, buf[:])
	if n == 4 && err == nil {
		return binary.BigEndian.Uint32(buf[:])
	}
	return mrand.Uint32()
}

// NewSessionID returns a random id in [0, MaxSessionID].
func NewSessionID() uint32 {
	return NewDeviceID() & sessionMask
}
