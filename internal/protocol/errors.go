package protocol

import "errors"

var (
	ErrPayloadTooLarge     = errors.New("protocol: payload too large")
	ErrSessionIDOutOfRange = errors.New("protocol: session id out of range")
	ErrNullInput           = errors.New("protocol: null input")
	ErrUnknownMessageKind  = errors.New("protocol: unknown message kind")
	ErrTruncated           = errors.New("protocol: truncated data")
)
