package server

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/Uget/internal/common"
)

// openFile opens a requested file with a handle owned by the caller.
func (server *Server) openFile(req *request, path string) (*os.File, error) {
	name, err := server.resolvePath(req, path)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(name)
	if err != nil {
		req.log.WithError(err).Warn("Unable to open File")
		return nil, fmt.Errorf("%w: %v", ErrFileNotFound, path)
	}

	fi, err := file.Stat()
	if err != nil || !fi.Mode().IsRegular() {
		closeFile(file)
		req.log.WithError(err).Warn("Not a regular File")
		return nil, fmt.Errorf("%w: %v", ErrFileNotFound, path)
	}

	if fi.Size() > int64(common.MaxSegments)*int64(server.options.ChunkSize) {
		closeFile(file)
		req.log.WithField("Size", fi.Size()).Warn("File exceeds sequence space")
		return nil, fmt.Errorf("%w: %v", ErrFileTooLarge, path)
	}

	return file, nil
}

func closeFile(file *os.File) {
	if err := file.Close(); err != nil {
		log.WithError(err).Error("Could not close File")
	}
}

func (server *Server) pace() {
	if server.options.SendDelay > 0 {
		time.Sleep(server.options.SendDelay)
	}
}

// sendFile streams path as Data packets numbered from 0, followed by a
// Terminal packet when enabled.
func (server *Server) sendFile(req *request, path string) error {
	file, err := server.openFile(req, path)
	if err != nil {
		return err
	}
	defer closeFile(file)

	buf := make([]byte, server.options.ChunkSize)
	var sequence uint32
	for {
		// Full chunks keep segment offsets at sequence * ChunkSize.
		r, err := io.ReadFull(file, buf)
		if r > 0 {
			if sequence >= common.MaxSegments {
				return fmt.Errorf("%w: %v", ErrFileTooLarge, path)
			}
			if err := server.sendPacket(req, common.NewData(uint16(sequence), buf[:r])); err != nil {
				return err
			}
			sequence++
			server.pace()
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("reading %v: %w", path, err)
		}
	}

	if server.options.Terminal {
		if err := server.sendPacket(req, common.NewTerminal(sequence)); err != nil {
			return err
		}
	}

	req.log.WithField("Segments", sequence).Info("Sent File")
	return nil
}

// retransmit sends the requested segments of path again. Sequences beyond
// the end of the file are skipped.
func (server *Server) retransmit(req *request, path string, sequences []uint16) error {
	file, err := server.openFile(req, path)
	if err != nil {
		return err
	}
	defer closeFile(file)

	buf := make([]byte, server.options.ChunkSize)
	sent := 0
	for _, seq := range sequences {
		offset := int64(seq) * int64(server.options.ChunkSize)

		r, err := file.ReadAt(buf, offset)
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading %v at %d: %w", path, offset, err)
		}
		if r == 0 {
			req.log.WithField("Sequence", seq).Debug("Sequence past end of File")
			continue
		}

		if err := server.sendPacket(req, common.NewData(seq, buf[:r])); err != nil {
			return err
		}
		sent++
		server.pace()
	}

	req.log.WithFields(log.Fields{
		"Requested": len(sequences),
		"Sent":      sent,
	}).Info("Retransmitted segments")
	return nil
}
