package client

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/Uget/internal/common"
)

var (
	ErrNoResponse = errors.New("no response from server")
	ErrNoData     = errors.New("server sent no segments")

	errTimeout = errors.New("receive timeout")
)

// ServerError is an Error packet received from the server.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s", e.Message)
}

// IncompleteError reports segments that were still missing after
// retransmission.
type IncompleteError struct {
	Missing  []uint16
	Expected int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("transfer incomplete: %d of %d segments missing", len(e.Missing), e.Expected)
}

type State int

const (
	Idle State = iota
	RequestSent
	Receiving
	GapRecovery
	Reassembling
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case RequestSent:
		return "RequestSent"
	case Receiving:
		return "Receiving"
	case GapRecovery:
		return "GapRecovery"
	case Reassembling:
		return "Reassembling"
	case Done:
		return "Done"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

type Client struct {
	conn    *net.UDPConn
	options *Options
	buf     []byte
}

func New(address string, opts ...func(*Options)) (*Client, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, err
	}

	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}

	return &Client{
		conn:    conn,
		options: options,
		buf:     make([]byte, common.MaxDatagramSize),
	}, nil
}

// Close releases the socket. A blocked Fetch returns with an error.
func (client *Client) Close() error {
	return client.conn.Close()
}

func (client *Client) sendPacket(pck *common.Packet) error {
	_, err := client.conn.Write(pck.ToBytes())
	return err
}

func (client *Client) receivePacket(deadline time.Time) (*common.Packet, error) {
	if err := client.conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	n, err := client.conn.Read(client.buf)
	if err != nil {
		if e, ok := err.(net.Error); ok && e.Timeout() {
			return nil, errTimeout
		}
		return nil, err
	}

	return common.Decode(client.buf[:n])
}

func isDecodeError(err error) bool {
	return errors.Is(err, common.ErrMalformedHeader) ||
		errors.Is(err, common.ErrChecksumMismatch) ||
		errors.Is(err, common.ErrUnknownType)
}

// Fetch transfers filename and writes its bytes to w. Nothing is written
// when the transfer fails, except that with AllowPartial an incomplete
// transfer is written with its gaps left out and an *IncompleteError is
// still returned.
func (client *Client) Fetch(filename string, w io.Writer) error {
	s := &session{
		client:   client,
		filename: filename,
		store:    NewSegmentStore(),
		state:    Idle,
		log: log.WithFields(log.Fields{
			"File":   filename,
			"Server": client.conn.RemoteAddr().String(),
		}),
	}

	err := s.run(w)

	var incomplete *IncompleteError
	if err != nil && !(errors.As(err, &incomplete) && client.options.AllowPartial) {
		s.transition(Failed)
		return err
	}

	s.transition(Done)
	return err
}

// GetFile fetches filename into OutputDir as received_<name> and returns
// the written path. The file is only created once the transfer succeeded.
func (client *Client) GetFile(filename string) (string, error) {
	var buf bytes.Buffer
	fetchErr := client.Fetch(filename, &buf)

	var incomplete *IncompleteError
	if fetchErr != nil && !(errors.As(fetchErr, &incomplete) && client.options.AllowPartial) {
		return "", fetchErr
	}

	out := filepath.Join(client.options.OutputDir, "received_"+filepath.Base(filename))
	if err := os.WriteFile(out, buf.Bytes(), 0o644); err != nil {
		return "", err
	}

	log.WithFields(log.Fields{
		"File Path": out,
		"Bytes":     buf.Len(),
	}).Info("Saved file")

	return out, fetchErr
}

type session struct {
	client   *Client
	filename string
	store    *SegmentStore
	state    State
	log      *log.Entry
}

func (s *session) transition(state State) {
	s.log.WithFields(log.Fields{
		"From": s.state,
		"To":   state,
	}).Debug("Transfer state changed")
	s.state = state
}

func (s *session) run(w io.Writer) error {
	if err := s.client.sendPacket(common.NewGetRequest(s.filename)); err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	s.log.Info("Requested file")
	s.transition(RequestSent)

	if err := s.receive(); err != nil {
		return err
	}

	missing := s.store.Missing()
	if len(missing) > 0 {
		s.transition(GapRecovery)
		s.log.WithField("Missing", len(missing)).Warn("Detected lost segments")

		var err error
		missing, err = s.recoverMissing(missing)
		if err != nil {
			return err
		}
	}

	s.transition(Reassembling)

	if len(missing) > 0 {
		incomplete := &IncompleteError{Missing: missing, Expected: s.store.Expected()}
		if !s.client.options.AllowPartial {
			return incomplete
		}
		s.log.WithError(incomplete).Warn("Writing incomplete file")
		if _, err := s.store.WriteTo(w); err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
		return incomplete
	}

	n, err := s.store.WriteTo(w)
	if err != nil {
		return fmt.Errorf("writing output: %w", err)
	}

	s.log.WithFields(log.Fields{
		"Segments": s.store.Len(),
		"Bytes":    n,
	}).Info("Transfer complete")
	return nil
}

// receive collects the first pass of segments. It ends on a Terminal packet
// or when no packet arrives within the timeout.
func (s *session) receive() error {
	options := s.client.options
	received := false

	for {
		pck, err := s.client.receivePacket(time.Now().Add(options.Timeout))
		if errors.Is(err, errTimeout) {
			if !received {
				return ErrNoResponse
			}
			if s.store.Expected() == 0 {
				return ErrNoData
			}
			s.log.WithField("Segments", s.store.Len()).Debug("Receive timed out")
			return nil
		}

		if !received && (err == nil || isDecodeError(err)) {
			received = true
			s.transition(Receiving)
		}

		if err != nil {
			if isDecodeError(err) {
				s.log.WithError(err).Warn("Discarding invalid packet")
				continue
			}
			return fmt.Errorf("receiving: %w", err)
		}

		switch pck.Type {
		case common.Data:
			if options.SimulateLoss && pck.Sequence%2 == 0 {
				s.log.WithField("Sequence", pck.Sequence).Debug("Simulating loss")
				continue
			}
			s.store.Put(pck.Sequence, pck.Payload)
		case common.Error:
			return &ServerError{Message: string(pck.Payload)}
		case common.Terminal:
			if !options.Terminal {
				s.log.Warn("Ignoring Terminal packet")
				continue
			}
			total, err := pck.GetTotal()
			if err != nil {
				s.log.WithError(err).Warn("Discarding invalid Terminal packet")
				continue
			}
			if !s.store.ExpectTotal(int(total)) {
				s.log.WithField("Total", total).Warn("Discarding Terminal packet beyond sequence space")
				continue
			}
			return nil
		case common.Request:
			s.log.WithField("Packet Type", pck.Type).Warn("Unexpected Packet Type")
		default:
			s.log.WithField("Packet Type", pck.Type).Error("Unhandled Packet Type")
		}
	}
}
