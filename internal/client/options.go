package client

import (
	"time"

	"github.com/Pablu23/Uget/internal/common"
)

type Options struct {
	Timeout           time.Duration
	RetransmitTimeout time.Duration
	BatchSize         int
	// SyncRecovery waits for each MISSING batch before sending the next.
	SyncRecovery bool
	// Terminal ends the receive phase on the sender's Terminal packet.
	// Without it only the inactivity timeout ends it.
	Terminal     bool
	AllowPartial bool
	// SimulateLoss drops even Data packets of the first pass. Testing only.
	SimulateLoss bool
	OutputDir    string
}

func NewDefaultOptions() *Options {
	return &Options{
		Timeout:           common.DefaultTimeout,
		RetransmitTimeout: common.DefaultRetransmitTimeout,
		BatchSize:         common.MaxBatchSize,
		SyncRecovery:      true,
		Terminal:          true,
		AllowPartial:      false,
		SimulateLoss:      false,
		OutputDir:         ".",
	}
}
