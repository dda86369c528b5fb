// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package classifier tags UDP datagrams as WireGuard or QUIC by
// inspecting their first header bytes.
//
// # Heuristic
//
// A datagram is tagged WireGuard when it is at least four bytes long,
// its first byte is a WireGuard message type (0x01-0x04), and the three
// reserved bytes that follow are zero:
//
//	byte 0: message type, 0x01..0x04
//	bytes 1-3: reserved, must be 0x00
//
// Everything else is tagged QUIC. QUIC is the fallback: it covers both
// datagrams that are confidently another protocol (QUIC long headers
// set the high bit of the first byte) and datagrams too short or too
// ambiguous to tell. The classifier never rejects input; every buffer,
// including the empty one, yields a tag.
//
// This is a routing heuristic, not a conformance parser. No bytes
// beyond the first four influence the tag. MessageKind refines a
// WireGuard tag into a message name using the known fixed message
// lengths, but that refinement is for log output only.
package classifier
