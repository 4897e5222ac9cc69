package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/Uget/internal/common"
)

var (
	ErrFileNotFound = errors.New("file not found")
	ErrFileTooLarge = errors.New("file too large")
)

const (
	msgInvalidRequest = "invalid request"
	msgInternalError  = "internal server error"
)

type Server struct {
	options        *Options
	parentFilePath string

	mu   sync.Mutex
	conn net.PacketConn
	wg   sync.WaitGroup
}

// request is the scope of one inbound datagram. Nothing outlives it.
type request struct {
	conn net.PacketConn
	addr net.Addr
	log  *log.Entry
}

func New(opts ...func(*Options)) (*Server, error) {
	options := NewDefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	if options.ChunkSize <= 0 || options.ChunkSize > common.MaxDatagramSize-common.HeaderSize {
		return nil, fmt.Errorf("invalid chunk size %d", options.ChunkSize)
	}

	parentFilePath, err := filepath.Abs(options.Datapath)
	if err != nil {
		return nil, err
	}

	return &Server{
		options:        options,
		parentFilePath: parentFilePath,
	}, nil
}

func (server *Server) sendPacket(req *request, pck *common.Packet) error {
	if _, err := req.conn.WriteTo(pck.ToBytes(), req.addr); err != nil {
		req.log.WithError(err).Error("Could not write Packet to UDP")
		return err
	}
	return nil
}

func (server *Server) sendError(req *request, message string) {
	req.log.WithField("Message", message).Warn("Sending Error packet")
	_ = server.sendPacket(req, common.NewError(message))
}

func (server *Server) handlePacket(conn net.PacketConn, addr net.Addr, raw []byte) {
	req := &request{
		conn: conn,
		addr: addr,
		log: log.WithFields(log.Fields{
			"RequestID": uuid.NewString(),
			"Client":    addr.String(),
		}),
	}

	defer func() {
		if r := recover(); r != nil {
			req.log.WithField("Panic", r).Error("Request handler panicked")
			server.sendError(req, msgInternalError)
		}
	}()

	pck, err := common.Decode(raw)
	if err != nil {
		req.log.WithError(err).Warn("Received invalid Packet")
		server.sendError(req, msgInvalidRequest)
		return
	}

	switch pck.Type {
	case common.Request:
		server.handleRequest(req, pck)
	case common.Data, common.Error, common.Terminal:
		req.log.WithField("Packet Type", pck.Type).Warn("Unexpected Packet Type")
		server.sendError(req, msgInvalidRequest)
	default:
		req.log.WithField("Packet Type", pck.Type).Error("Unhandled Packet Type")
		server.sendError(req, msgInvalidRequest)
	}
}

func (server *Server) handleRequest(req *request, pck *common.Packet) {
	cmd, err := common.ParseCommand(pck.Payload)
	if err != nil {
		req.log.WithError(err).Warn("Rejected request")
		server.sendError(req, msgInvalidRequest)
		return
	}

	req.log = req.log.WithFields(log.Fields{
		"Command":   cmd.Verb,
		"File Path": cmd.Path,
	})
	req.log.Info("Received request")

	switch cmd.Verb {
	case common.Get:
		err = server.sendFile(req, cmd.Path)
	case common.Missing:
		err = server.retransmit(req, cmd.Path, cmd.Sequences)
	default:
		err = common.ErrInvalidRequest
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrFileNotFound):
		server.sendError(req, ErrFileNotFound.Error())
	case errors.Is(err, ErrFileTooLarge):
		server.sendError(req, ErrFileTooLarge.Error())
	case errors.Is(err, common.ErrInvalidRequest):
		server.sendError(req, msgInvalidRequest)
	default:
		req.log.WithError(err).Error("Could not handle request")
		server.sendError(req, msgInternalError)
	}
}

// resolvePath maps a requested name into the data directory. Names that
// leave it are reported as not found.
func (server *Server) resolvePath(req *request, path string) (string, error) {
	file := filepath.Clean(filepath.Join(server.parentFilePath, path))

	rel, err := filepath.Rel(server.parentFilePath, file)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		req.log.WithFields(log.Fields{
			"ParentFilePath":    server.parentFilePath,
			"RequestedFilePath": path,
			"CleanedFilePath":   file,
		}).WithError(err).Warn("Requesting File out of Path")
		return "", ErrFileNotFound
	}
	return file, nil
}

func (server *Server) handleShutdown() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		<-c
		log.Info("Server is shutting down")
		if err := server.Close(); err != nil {
			log.WithError(err).Error("Could not close UDP Listener")
		}
	}()
}

// Serve listens on the configured address until interrupted.
func (server *Server) Serve() error {
	address := net.JoinHostPort(server.options.Address, fmt.Sprint(server.options.Port))
	conn, err := net.ListenPacket("udp", address)
	if err != nil {
		return fmt.Errorf("could not start listening on %v: %w", address, err)
	}

	log.Infof("Starting server on %v", conn.LocalAddr())
	server.handleShutdown()

	return server.ServeConn(conn)
}

// ServeConn answers requests arriving on conn until it is closed.
func (server *Server) ServeConn(conn net.PacketConn) error {
	server.mu.Lock()
	server.conn = conn
	server.mu.Unlock()

	defer server.wg.Wait()

	log.WithField("Data Path", server.parentFilePath).Info("Started listening")

	buf := make([]byte, common.MaxDatagramSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				log.Info("Stopped listening")
				return nil
			}
			log.WithError(err).Error("Could not retrieve UDP Packet")
			continue
		}

		raw := make([]byte, n)
		copy(raw, buf[:n])

		if server.options.Concurrent {
			server.wg.Add(1)
			go func() {
				defer server.wg.Done()
				server.handlePacket(conn, addr, raw)
			}()
		} else {
			server.handlePacket(conn, addr, raw)
		}
	}
}

func (server *Server) Addr() net.Addr {
	server.mu.Lock()
	defer server.mu.Unlock()
	if server.conn == nil {
		return nil
	}
	return server.conn.LocalAddr()
}

// Close stops ServeConn, which returns once in-flight requests are done.
func (server *Server) Close() error {
	server.mu.Lock()
	conn := server.conn
	server.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
