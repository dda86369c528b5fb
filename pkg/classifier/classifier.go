// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package classifier

// Protocol identifies the heuristically detected protocol of a datagram.
type Protocol int

const (
	// QUIC is the fallback protocol for everything that does not look
	// like WireGuard, including datagrams too short to tell.
	QUIC Protocol = iota

	// WireGuard marks datagrams that match the WireGuard header heuristic.
	WireGuard
)

// String returns a string representation of the protocol.
func (p Protocol) String() string {
	switch p {
	case WireGuard:
		return "wireguard"
	case QUIC:
		return "quic"
	default:
		return "unknown"
	}
}

// WireGuard message types, carried in the first header byte.
const (
	msgHandshakeInitiation = 0x01
	msgHandshakeResponse   = 0x02
	msgCookieReply         = 0x03
	msgTransportData       = 0x04
)

// Expected datagram lengths for the fixed-size WireGuard message types.
// Used only for diagnostics, never for classification.
const (
	handshakeInitiationLen = 148
	handshakeResponseLen   = 92
	cookieReplyLen         = 64
	transportDataMinLen    = 32
)

// Classify tags a datagram by inspecting its first four header bytes.
// WireGuard messages start with a type byte in [1,4] followed by three
// reserved zero bytes. Everything else, including short or ambiguous
// buffers, resolves to QUIC. The result depends only on the bytes: the
// total datagram length never influences the tag.
func Classify(b []byte) Protocol {
	if len(b) >= 4 &&
		b[0] >= msgHandshakeInitiation && b[0] <= msgTransportData &&
		b[1] == 0x00 && b[2] == 0x00 && b[3] == 0x00 {
		return WireGuard
	}
	return QUIC
}

// MessageKind returns a human-readable sub-classification of a
// WireGuard-tagged datagram for diagnostics. It cross-checks the type
// byte against the expected message length; mismatches report as
// unknown. Returns the empty string for datagrams that do not classify
// as WireGuard.
func MessageKind(b []byte) string {
	if Classify(b) != WireGuard {
		return ""
	}
	switch b[0] {
	case msgHandshakeInitiation:
		if len(b) == handshakeInitiationLen {
			return "handshake_initiation"
		}
	case msgHandshakeResponse:
		if len(b) == handshakeResponseLen {
			return "handshake_response"
		}
	case msgCookieReply:
		if len(b) == cookieReplyLen {
			return "cookie_reply"
		}
	case msgTransportData:
		if len(b) >= transportDataMinLen {
			return "transport_data"
		}
	}
	return "unknown"
}
