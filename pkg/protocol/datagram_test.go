package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDatagram(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		ok   bool
		want Datagram
	}{
		{
			name: "hello",
			raw:  []byte{0x70, 0x05, 0x00},
			ok:   true,
			want: Datagram{Type: DatagramHello, Sender: 5},
		},
		{
			name: "hello too short",
			raw:  []byte{0x70, 0x05},
		},
		{
			name: "server blast",
			raw:  []byte{0x13, 0x02, 0x01, 0x09, 'x'},
			ok:   true,
			want: Datagram{Type: DatagramServerBlast, Variant: 3, Sender: 0x0102, Subchannel: 9, Data: []byte("x")},
		},
		{
			name: "channel blast",
			raw:  []byte{0x21, 0x01, 0x00, 0x07, 0x03, 0x00, 'h', 'i'},
			ok:   true,
			want: Datagram{Type: DatagramChannelBlast, Variant: 1, Sender: 1, Subchannel: 7, Channel: 3, Data: []byte("hi")},
		},
		{
			name: "peer blast",
			raw:  []byte{0x30, 0x01, 0x00, 0x00, 0x03, 0x00, 0x02, 0x00},
			ok:   true,
			want: Datagram{Type: DatagramPeerBlast, Sender: 1, Channel: 3, Target: 2, Data: []byte{}},
		},
		{
			name: "peer blast too short",
			raw:  []byte{0x30, 0x01, 0x00, 0x00, 0x03, 0x00, 0x02},
		},
		{
			name: "server-only type",
			raw:  []byte{0xB0},
		},
		{
			name: "empty",
			raw:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseDatagram(tt.raw)
			require.Equal(t, tt.ok, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.want.Type, got.Type)
			assert.Equal(t, tt.want.Variant, got.Variant)
			assert.Equal(t, tt.want.Sender, got.Sender)
			assert.Equal(t, tt.want.Subchannel, got.Subchannel)
			assert.Equal(t, tt.want.Channel, got.Channel)
			assert.Equal(t, tt.want.Target, got.Target)
			assert.True(t, bytes.Equal(tt.want.Data, got.Data))
		})
	}
}

func TestBlastDatagram(t *testing.T) {
	out := BlastDatagram(DatagramChannelBlast, 2, 7, 3, 1, []byte("hi"))
	assert.Equal(t, []byte{0x22, 0x07, 0x03, 0x00, 0x01, 0x00, 'h', 'i'}, out)
}

func TestBlastDatagramTruncates(t *testing.T) {
	out := BlastDatagram(DatagramPeerBlast, 0, 0, 1, 2, make([]byte, MaxDatagramSize))
	assert.Len(t, out, MaxDatagramSize)
}

func TestControlDatagrams(t *testing.T) {
	assert.Equal(t, []byte{0x70, 0x34, 0x12}, HelloDatagram(0x1234))
	assert.Equal(t, []byte{0xA0}, WelcomeDatagram())
	assert.Equal(t, []byte{0xB0}, PingDatagram())
}

func TestPayloadBuilderReader(t *testing.T) {
	b := NewBuilder(16).Byte(OpJoinChannel).Bool(true).ShortString("lobby").Uint16(0x0102).String("tail")
	assert.Equal(t, []byte{2, 1, 5, 'l', 'o', 'b', 'b', 'y', 0x02, 0x01, 't', 'a', 'i', 'l'}, b.Payload())

	r := NewReader(b.Payload())
	op, err := r.Byte()
	require.NoError(t, err)
	assert.Equal(t, OpJoinChannel, op)

	_, err = r.Byte()
	require.NoError(t, err)

	name, err := r.ShortString()
	require.NoError(t, err)
	assert.Equal(t, "lobby", name)

	id, err := r.Uint16()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0102), id)

	assert.Equal(t, []byte("tail"), r.Rest())
	assert.Equal(t, 0, r.Len())

	_, err = r.Byte()
	assert.ErrorIs(t, err, ErrShortPayload)
	_, err = r.Uint16()
	assert.ErrorIs(t, err, ErrShortPayload)
}

func TestReaderShortStringOverrun(t *testing.T) {
	r := NewReader([]byte{10, 'a', 'b'})
	_, err := r.ShortString()
	assert.ErrorIs(t, err, ErrShortPayload)
}
