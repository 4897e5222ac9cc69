package common

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

var (
	ErrMalformedHeader  = errors.New("malformed packet header")
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrUnknownType      = errors.New("unknown packet type")
)

type Packet struct {
	Sequence uint16
	Type     PacketType
	Checksum uint32
	Payload  []byte
}

func Checksum(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

func NewPacket(sequence uint16, pckType PacketType, payload []byte) *Packet {
	return &Packet{
		Sequence: sequence,
		Type:     pckType,
		Checksum: Checksum(payload),
		Payload:  payload,
	}
}

func NewData(sequence uint16, chunk []byte) *Packet {
	return NewPacket(sequence, Data, chunk)
}

func NewError(message string) *Packet {
	return NewPacket(0, Error, []byte(message))
}

// NewTerminal marks the end of a transfer of total segments. The payload
// carries the full count, the sequence only its low 16 bits.
func NewTerminal(total uint32) *Packet {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, total)
	return NewPacket(uint16(total), Terminal, data)
}

// Encode frames payload with a header carrying its checksum.
func Encode(sequence uint16, pckType PacketType, payload []byte) []byte {
	return NewPacket(sequence, pckType, payload).ToBytes()
}

func (pck *Packet) ToBytes() []byte {
	arr := make([]byte, HeaderSize+len(pck.Payload))
	binary.BigEndian.PutUint16(arr[0:2], pck.Sequence)
	arr[2] = byte(pck.Type)
	binary.BigEndian.PutUint32(arr[3:7], pck.Checksum)
	copy(arr[HeaderSize:], pck.Payload)

	return arr
}

// Decode parses and validates a datagram. The payload is copied, so the
// caller may reuse bytes.
func Decode(bytes []byte) (*Packet, error) {
	if len(bytes) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrMalformedHeader, len(bytes), HeaderSize)
	}

	sequence := binary.BigEndian.Uint16(bytes[0:2])
	pckType := PacketType(bytes[2])
	checksum := binary.BigEndian.Uint32(bytes[3:7])

	if !pckType.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, bytes[2])
	}

	payload := make([]byte, len(bytes)-HeaderSize)
	copy(payload, bytes[HeaderSize:])

	if actual := Checksum(payload); actual != checksum {
		return nil, fmt.Errorf("%w: header %08x, payload %08x", ErrChecksumMismatch, checksum, actual)
	}

	return &Packet{
		Sequence: sequence,
		Type:     pckType,
		Checksum: checksum,
		Payload:  payload,
	}, nil
}

// GetTotal returns the segment count announced by a Terminal packet.
func (pck *Packet) GetTotal() (uint32, error) {
	if pck.Type != Terminal {
		return 0, fmt.Errorf("can not get total from %v packet", pck.Type)
	}
	if len(pck.Payload) != 4 {
		return 0, fmt.Errorf("terminal payload has %d bytes, expected 4", len(pck.Payload))
	}
	return binary.BigEndian.Uint32(pck.Payload), nil
}

func (pck *Packet) GetMessage() (string, error) {
	if pck.Type != Error && pck.Type != Request {
		return "", fmt.Errorf("can not get message from %v packet", pck.Type)
	}
	return string(pck.Payload), nil
}
