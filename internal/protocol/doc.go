// Package protocol owns the values shared by every layer of the wire contract.
//
// Ownership boundary:
// - result codes exchanged with peers
// - data-kind id derivation
// - sentinel errors mapped onto result codes
//
// Framing lives in protocol/frame, message bodies in protocol/tlv and
// protocol/schema, connections in protocol/session.
package protocol
