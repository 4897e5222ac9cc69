package common

import "time"

// MaxDatagramSize is the receive buffer size. Any UDP payload fits.
const MaxDatagramSize = 65535

const HeaderSize int = 2 + 1 + 4

// DefaultChunkSize keeps a Data packet under a 1500 byte datagram.
const DefaultChunkSize = 1465

// MaxSegments is the size of the 16 bit sequence space.
const MaxSegments = 1 << 16

// MaxBatchSize bounds the sequences carried by a single MISSING request.
const MaxBatchSize = 100

const (
	DefaultPort              = 13374
	DefaultTimeout           = 10 * time.Second
	DefaultRetransmitTimeout = 5 * time.Second
)

type PacketType uint8

const (
	Request  PacketType = iota
	Data     PacketType = iota
	Error    PacketType = iota
	Terminal PacketType = iota
)

func (t PacketType) String() string {
	switch t {
	case Request:
		return "Request"
	case Data:
		return "Data"
	case Error:
		return "Error"
	case Terminal:
		return "Terminal"
	default:
		return "Unknown"
	}
}

func (t PacketType) Valid() bool {
	switch t {
	case Request, Data, Error, Terminal:
		return true
	default:
		return false
	}
}
