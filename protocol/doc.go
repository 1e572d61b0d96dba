// Package protocol defines the wire format peers exchange: the JSON
// message envelope, the clear handshake payload, and the framing that
// carries both over a stream transport.
//
// A frame on the wire is a 4-byte big-endian length followed by a kind
// byte and the frame payload. Handshake frames carry a clear JSON
// message; every other frame is sealed, and its payload starts with the
// 8-byte sequence number the receiver needs to reconstruct the nonce
// before it can authenticate anything else.
//
// Decoding is strict about what it needs and tolerant of the rest:
// unknown JSON fields are ignored so older peers interoperate with newer
// ones, while a missing required field rejects the whole message.
package protocol
