package client

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/Pablu23/Uget/internal/common"
)

// recoverMissing runs a single retransmission round over missing and returns the
// sequences that are still absent afterwards.
func (s *session) recoverMissing(missing []uint16) ([]uint16, error) {
	batches := common.Batches(missing, s.client.options.BatchSize)

	if s.client.options.SyncRecovery {
		for _, batch := range batches {
			if err := s.requestBatch(batch); err != nil {
				return nil, err
			}
			if err := s.await(batch); err != nil {
				return nil, err
			}
		}
	} else {
		for _, batch := range batches {
			if err := s.requestBatch(batch); err != nil {
				return nil, err
			}
		}
		if err := s.await(missing); err != nil {
			return nil, err
		}
	}

	return s.store.Missing(), nil
}

func (s *session) requestBatch(batch []uint16) error {
	s.log.WithFields(log.Fields{
		"First": batch[0],
		"Last":  batch[len(batch)-1],
		"Count": len(batch),
	}).Info("Requesting retransmission")

	if err := s.client.sendPacket(common.NewMissingRequest(s.filename, batch)); err != nil {
		return fmt.Errorf("requesting retransmission: %w", err)
	}
	return nil
}

// await stores incoming segments until every sequence in wanted is present
// or the retransmission timeout passes.
func (s *session) await(wanted []uint16) error {
	outstanding := make(map[uint16]struct{}, len(wanted))
	for _, seq := range wanted {
		if !s.store.Has(seq) {
			outstanding[seq] = struct{}{}
		}
	}

	deadline := time.Now().Add(s.client.options.RetransmitTimeout)
	for len(outstanding) > 0 {
		pck, err := s.client.receivePacket(deadline)
		if errors.Is(err, errTimeout) {
			s.log.WithField("Outstanding", len(outstanding)).Warn("Retransmission timed out")
			return nil
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
			s.store.Put(pck.Sequence, pck.Payload)
			delete(outstanding, pck.Sequence)
		case common.Error:
			return &ServerError{Message: string(pck.Payload)}
		case common.Terminal, common.Request:
			s.log.WithField("Packet Type", pck.Type).Debug("Ignoring packet during retransmission")
		default:
			s.log.WithField("Packet Type", pck.Type).Error("Unhandled Packet Type")
		}
	}
	return nil
}
