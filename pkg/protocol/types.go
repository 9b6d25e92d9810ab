package protocol

// Protocol constants
const (
	// Revision is the protocol revision string carried by the connect request
	Revision = "revision 3"

	// PreambleSize is the size of the client handshake preamble:
	// selector(1) + frame header(2) + connect opcode(1) + revision(10)
	PreambleSize = 4 + len(Revision)

	// MaxShortLength is the largest payload length encoded in a single byte
	MaxShortLength = 253

	// MaxNameLength is the longest peer or channel name (one length byte on the wire)
	MaxNameLength = 255

	// MaxDatagramSize is the largest UDP payload over IPv4
	MaxDatagramSize = 65507

	// DefaultMaxFrameSize bounds a single stream frame payload
	DefaultMaxFrameSize = 1 << 20
)

// Length field markers
const (
	lengthMarker16 byte = 0xFE
	lengthMarker32 byte = 0xFF
)

// Stream message types (high nibble of the first frame byte)
const (
	// Client -> server
	TypeRequest       uint8 = 0
	TypeServerMessage uint8 = 1
	TypeChannelMsg    uint8 = 2
	TypePeerMsg       uint8 = 3
	TypePong          uint8 = 9

	// Server -> client
	TypeResponse   uint8 = 0
	TypePeerUpdate uint8 = 9
	TypePing       uint8 = 11
)

// Datagram message types
const (
	DatagramServerBlast  uint8 = 1
	DatagramChannelBlast uint8 = 2
	DatagramPeerBlast    uint8 = 3
	DatagramHello        uint8 = 7
	DatagramWelcome      uint8 = 10
	DatagramPing         uint8 = 11
)

// Request / response opcodes (first payload byte of a type 0 frame)
const (
	OpConnect      uint8 = 0
	OpSetName      uint8 = 1
	OpJoinChannel  uint8 = 2
	OpLeaveChannel uint8 = 3
	OpChannelList  uint8 = 4
)

// Join flags
const (
	FlagHidden       uint8 = 0x01
	FlagCloseOnLeave uint8 = 0x02
)

// preamble is the exact byte sequence a client sends after connecting
var preamble = func() []byte {
	b := []byte{0x00, TypeRequest << 4, byte(1 + len(Revision)), OpConnect}
	return append(b, Revision...)
}()

// Preamble returns a copy of the client handshake preamble
func Preamble() []byte {
	out := make([]byte, len(preamble))
	copy(out, preamble)
	return out
}

// PreambleByte returns the expected preamble byte at offset i
func PreambleByte(i int) byte {
	return preamble[i]
}

// Header byte helpers

// HeaderByte packs a message type and variant into one byte
func HeaderByte(typ, variant uint8) byte {
	return typ<<4 | variant&0x0F
}

// SplitHeader unpacks a header byte into type and variant
func SplitHeader(b byte) (typ, variant uint8) {
	return b >> 4, b & 0x0F
}
