package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/danmuck/gdnp/internal/testutil/testlog"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)
	data := []byte{0x00, 0x06, 0x00, 0x01, 0x05, 0x00, '5'}

	env, err := Encode(KindRequest, 0x00abcdef, data)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	kind, sid, payload, err := Decode(env)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if kind != KindRequest {
		t.Fatalf("unexpected kind: %v", kind)
	}
	if sid != 0x00abcdef {
		t.Fatalf("unexpected session id: %#x", sid)
	}
	if len(payload) != PayloadCapacity {
		t.Fatalf("expected full payload region, got %d", len(payload))
	}
	if !bytes.Equal(payload[:len(data)], data) {
		t.Fatalf("payload prefix mismatch")
	}
	for i, b := range payload[len(data):] {
		if b != 0 {
			t.Fatalf("expected zero fill at %d, got %#x", len(data)+i, b)
		}
	}
	testlog.Logf("protocol/envelope: kind=%s sid=%#x round-trip ok", kind, sid)
}

func TestEncodeBoundaries(t *testing.T) {
	full := bytes.Repeat([]byte{0xff}, PayloadCapacity)
	if _, err := Encode(KindNego, MaxSessionID, full); err != nil {
		t.Fatalf("expected max payload and max session id accepted: %v", err)
	}

	if _, err := Encode(KindNego, 1, make([]byte, PayloadCapacity+1)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
	if _, err := Encode(KindNego, MaxSessionID+1, nil); !errors.Is(err, ErrSessionIDOutOfRange) {
		t.Fatalf("expected ErrSessionIDOutOfRange, got %v", err)
	}
	if _, err := Encode(MessageKind(9), 1, nil); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("expected ErrUnknownMessageKind, got %v", err)
	}
}

func TestEncodeEmptyPayload(t *testing.T) {
	env, err := Encode(KindDiscovery, 0, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if env.Payload != [PayloadCapacity]byte{} {
		t.Fatalf("expected zero payload")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, _, _, err := Decode(nil); !errors.Is(err, ErrNullInput) {
		t.Fatalf("expected ErrNullInput, got %v", err)
	}
	env := &Envelope{Header: 7<<24 | 1}
	if _, _, _, err := Decode(env); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("expected ErrUnknownMessageKind, got %v", err)
	}
	env = &Envelope{Header: 0}
	if _, _, _, err := Decode(env); !errors.Is(err, ErrUnknownMessageKind) {
		t.Fatalf("expected ErrUnknownMessageKind for zero kind, got %v", err)
	}
}

func TestStreamRoundTrip(t *testing.T) {
	first, err := Encode(KindNego, 42, []byte("first"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	second, err := Encode(KindNegoEnd, 42, []byte("second"))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, first); err != nil {
		t.Fatalf("write first: %v", err)
	}
	if err := WriteEnvelope(&buf, second); err != nil {
		t.Fatalf("write second: %v", err)
	}
	if buf.Len() != 2*EnvelopeSize {
		t.Fatalf("unexpected stream size: %d", buf.Len())
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	if *got != *first {
		t.Fatalf("first envelope mismatch")
	}
	got, err = ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if *got != *second {
		t.Fatalf("second envelope mismatch")
	}
	if _, err := ReadEnvelope(&buf); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}

func TestReadEnvelopeTruncated(t *testing.T) {
	env, err := Encode(KindWait, 3, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	b, err := env.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := ReadEnvelope(bytes.NewReader(b[:EnvelopeSize-2])); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
	var out Envelope
	if err := out.UnmarshalBinary(b[:10]); !errors.Is(err, ErrTruncated) {
		t.Fatalf("expected ErrTruncated from UnmarshalBinary, got %v", err)
	}
}

func TestWireLayoutBigEndian(t *testing.T) {
	env := &Envelope{Header: uint32(KindResponse)<<24 | 0x010203, DeviceID: 0xa1b2c3d4}
	env.Payload[0] = 0x7f
	b, err := env.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := []byte{0x02, 0x01, 0x02, 0x03, 0xa1, 0xb2, 0xc3, 0xd4, 0x7f}
	if !bytes.Equal(b[:len(want)], want) {
		t.Fatalf("unexpected wire prefix: %x", b[:len(want)])
	}
}

func TestNewSessionIDInRange(t *testing.T) {
	for i := 0; i < 64; i++ {
		if sid := NewSessionID(); sid > MaxSessionID {
			t.Fatalf("session id out of range: %d", sid)
		}
	}
}
