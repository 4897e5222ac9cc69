package common

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var ErrInvalidRequest = errors.New("invalid request")

type Verb string

const (
	Get     Verb = "GET"
	Missing Verb = "MISSING"
)

// Command is a decoded Request payload.
type Command struct {
	Verb      Verb
	Path      string
	Sequences []uint16
}

func NewGetRequest(path string) *Packet {
	return NewPacket(0, Request, []byte(fmt.Sprintf("%s %s", Get, path)))
}

// NewMissingRequest asks for sequences of path to be sent again. The payload
// reads "MISSING <path>,<seq>,<seq>,...".
func NewMissingRequest(path string, sequences []uint16) *Packet {
	var sb strings.Builder
	sb.WriteString(string(Missing))
	sb.WriteByte(' ')
	sb.WriteString(path)
	for _, seq := range sequences {
		sb.WriteByte(',')
		sb.WriteString(strconv.FormatUint(uint64(seq), 10))
	}
	return NewPacket(0, Request, []byte(sb.String()))
}

func ParseCommand(payload []byte) (*Command, error) {
	text := string(payload)

	switch {
	case strings.HasPrefix(text, string(Get)+" "):
		path := strings.TrimSpace(text[len(Get)+1:])
		if path == "" {
			return nil, fmt.Errorf("%w: empty path", ErrInvalidRequest)
		}
		return &Command{Verb: Get, Path: path}, nil

	case strings.HasPrefix(text, string(Missing)+" "):
		parts := strings.Split(strings.TrimSpace(text[len(Missing)+1:]), ",")
		path := strings.TrimSpace(parts[0])
		if path == "" {
			return nil, fmt.Errorf("%w: empty path", ErrInvalidRequest)
		}
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: no sequences for %q", ErrInvalidRequest, path)
		}

		sequences := make([]uint16, 0, len(parts)-1)
		for _, part := range parts[1:] {
			seq, err := strconv.ParseUint(strings.TrimSpace(part), 10, 16)
			if err != nil {
				return nil, fmt.Errorf("%w: bad sequence %q", ErrInvalidRequest, part)
			}
			sequences = append(sequences, uint16(seq))
		}
		return &Command{Verb: Missing, Path: path, Sequences: sequences}, nil

	default:
		return nil, fmt.Errorf("%w: unknown command", ErrInvalidRequest)
	}
}

// Batches splits sequences into consecutive groups of at most size entries.
func Batches(sequences []uint16, size int) [][]uint16 {
	if size <= 0 {
		size = MaxBatchSize
	}

	batches := make([][]uint16, 0, (len(sequences)+size-1)/size)
	for start := 0; start < len(sequences); start += size {
		end := start + size
		if end > len(sequences) {
			end = len(sequences)
		}
		batches = append(batches, sequences[start:end:end])
	}
	return batches
}
