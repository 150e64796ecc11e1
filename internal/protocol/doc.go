// Package protocol owns the GDNP envelope contract.
//
// Ownership boundary:
// - message kinds and the fixed-size envelope
// - header packing (kind and session id) and device id generation
// - stream framing for connection-oriented transports
//
// Option and Objective encoding lives in the option subpackage.
package protocol
