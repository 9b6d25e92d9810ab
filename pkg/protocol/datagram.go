package protocol

import "encoding/binary"

// Datagram is a decoded client datagram. Datagrams carry no length field;
// the whole UDP payload is one message.
type Datagram struct {
	Type       uint8
	Variant    uint8
	Sender     uint16 // Peer ID claimed by the client
	Subchannel uint8
	Channel    uint16
	Target     uint16 // Peer blasts only
	Data       []byte
}

// ParseDatagram decodes a client datagram. ok is false when the datagram is
// too short for its type or the type is not client-originated.
func ParseDatagram(b []byte) (d Datagram, ok bool) {
	if len(b) < 1 {
		return d, false
	}
	d.Type, d.Variant = SplitHeader(b[0])

	switch d.Type {
	case DatagramHello:
		if len(b) < 3 {
			return d, false
		}
		d.Sender = binary.LittleEndian.Uint16(b[1:3])

	case DatagramServerBlast:
		if len(b) < 4 {
			return d, false
		}
		d.Sender = binary.LittleEndian.Uint16(b[1:3])
		d.Subchannel = b[3]
		d.Data = b[4:]

	case DatagramChannelBlast:
		if len(b) < 6 {
			return d, false
		}
		d.Sender = binary.LittleEndian.Uint16(b[1:3])
		d.Subchannel = b[3]
		d.Channel = binary.LittleEndian.Uint16(b[4:6])
		d.Data = b[6:]

	case DatagramPeerBlast:
		if len(b) < 8 {
			return d, false
		}
		d.Sender = binary.LittleEndian.Uint16(b[1:3])
		d.Subchannel = b[3]
		d.Channel = binary.LittleEndian.Uint16(b[4:6])
		d.Target = binary.LittleEndian.Uint16(b[6:8])
		d.Data = b[8:]

	default:
		return d, false
	}

	return d, true
}

// BlastDatagram builds a relayed blast: [type][subchannel][channel:2][sender:2][data].
// The result is truncated to MaxDatagramSize.
func BlastDatagram(typ, variant, subchannel uint8, channel, sender uint16, data []byte) []byte {
	size := 6 + len(data)
	if size > MaxDatagramSize {
		size = MaxDatagramSize
	}
	out := make([]byte, 6, size)
	out[0] = HeaderByte(typ, variant)
	out[1] = subchannel
	binary.LittleEndian.PutUint16(out[2:4], channel)
	binary.LittleEndian.PutUint16(out[4:6], sender)
	return append(out, data[:size-6]...)
}

// HelloDatagram builds the client UDP hello
func HelloDatagram(peerID uint16) []byte {
	out := []byte{HeaderByte(DatagramHello, 0), 0, 0}
	binary.LittleEndian.PutUint16(out[1:], peerID)
	return out
}

// WelcomeDatagram builds the server UDP welcome
func WelcomeDatagram() []byte {
	return []byte{HeaderByte(DatagramWelcome, 0)}
}

// PingDatagram builds the server keepalive probe
func PingDatagram() []byte {
	return []byte{HeaderByte(DatagramPing, 0)}
}
