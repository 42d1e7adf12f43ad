// Package session owns the live half of the gene transport.
//
// Ownership boundary:
// - the endpoint read loop and datagram demultiplexing by connection id
// - knock probes and the connect handshake that derives the channel binding
// - outbound and inbound transmissions: windows, retransmission, acks, timeouts
// - block and stream request/response plumbing handed to a RequestHandler
//
// Pure segmentation and ack bookkeeping live in internal/gene; frame layouts
// in protocol/frame.
package session
