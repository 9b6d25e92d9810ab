// Package protocol implements the Lacewing Relay wire format (revision 3).
//
// # Stream frames
//
// Every TCP message is a frame:
//   - 1 byte: message type (high nibble) and variant (low nibble)
//   - length: 1 byte for payloads under 254 bytes, 0xFE + uint16 for
//     payloads under 65535 bytes, otherwise 0xFF + uint32
//   - payload
//
// All integers are little-endian.
//
// # Handshake
//
// A client opens the stream with a one-byte protocol selector followed by a
// connect request carrying the string "revision 3". The server answers with a
// welcome frame containing the assigned peer ID, or a denial.
//
// # Datagrams
//
// UDP payloads carry no length field. The first byte has the same
// type/variant layout as a frame header. Clients announce their UDP port
// with a hello datagram; blasts are relayed best-effort to members whose
// endpoint is known.
//
package protocol
