package transport

import "fmt"

// ProtocolVersion is the only wire version this engine accepts; datagrams
// carrying any other value are silently dropped.
const ProtocolVersion = 0

// HeaderSize is the fixed 3-byte header every datagram carries.
const HeaderSize = 3

// MsgType identifies one of the five delivery disciplines carried in a
// received header.
type MsgType uint8

const (
	MsgUnreliable MsgType = iota
	MsgUnreliableSequenced
	MsgReliable
	MsgReliableSequenced
	MsgReliableOrdered
)

// Header is the decoded form of the 3-byte wire header:
//
//	byte 0: bits 0-1 version, bits 2-4 msgType, bit 5 isAck, bits 6-7 unused
//	byte 1: channel
//	byte 2: sequence
type Header struct {
	Version uint8
	MsgType MsgType
	IsAck   bool
	Channel uint8
	Seq     uint8
}

// Encode packs h into its 3-byte wire form.
func (h Header) Encode() [HeaderSize]byte {
	var b0 uint8
	b0 |= h.Version & 0x03
	b0 |= uint8(h.MsgType&0x07) << 2
	if h.IsAck {
		b0 |= 1 << 5
	}
	return [HeaderSize]byte{b0, h.Channel, h.Seq}
}

// DecodeHeader parses the first 3 bytes of data. Callers must check the
// returned header's Version themselves; DecodeHeader only rejects frames
// shorter than HeaderSize.
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("transport: short datagram (%d bytes)", len(data))
	}
	b0 := data[0]
	return Header{
		Version: b0 & 0x03,
		MsgType: MsgType((b0 >> 2) & 0x07),
		IsAck:   (b0>>5)&1 == 1,
		Channel: data[1],
		Seq:     data[2],
	}, nil
}

// AckHeader builds the header for an acknowledgement of (channel, seq).
// It reuses the Reliable msgType code in the header byte, matching the
// literal wire encoding the design was distilled from; receivers must key
// off IsAck alone, never MsgType, when classifying an ack frame.
func AckHeader(channel, seq uint8) Header {
	return Header{
		Version: ProtocolVersion,
		MsgType: MsgReliable,
		IsAck:   true,
		Channel: channel,
		Seq:     seq,
	}
}
