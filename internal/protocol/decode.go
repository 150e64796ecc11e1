package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Decode unpacks e into its kind, session id and full payload region.
func Decode(e *Envelope) (MessageKind, uint32, []byte, error) {
	if e == nil {
		return 0, 0, nil, ErrNullInput
	}
	kind := e.Kind()
	if !kind.Valid() {
		return 0, 0, nil, fmt.Errorf("%w: %d", ErrUnknownMessageKind, uint8(kind))
	}
	payload := make([]byte, PayloadCapacity)
	copy(payload, e.Payload[:])
	return kind, e.SessionID(), payload, nil
}

// UnmarshalBinary parses exactly EnvelopeSize bytes. The kind is not
// validated here; Decode does that.
func (e *Envelope) UnmarshalBinary(buf []byte) error {
	if e == nil {
		return ErrNullInput
	}
	if len(buf) < EnvelopeSize {
		return fmt.Errorf("%w: %d < %d", ErrTruncated, len(buf), EnvelopeSize)
	}
	e.Header = binary.BigEndian.Uint32(buf[0:4])
	e.DeviceID = binary.BigEndian.Uint32(buf[4:8])
	copy(e.Payload[:], buf[8:EnvelopeSize])
	return nil
}

// ReadEnvelope reads one envelope from a stream. A clean EOF before any
// byte is returned as io.EOF; a partial envelope is ErrTruncated.
func ReadEnvelope(r io.Reader) (*Envelope, error) {
	buf := make([]byte, EnvelopeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	env := &Envelope{}
	if err := env.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return env, nil
}
