package server

import (
	"time"

	"github.com/Pablu23/Uget/internal/common"
)

type Options struct {
	Address   string
	Port      int
	Datapath  string
	ChunkSize int
	// SendDelay paces consecutive Data packets. Zero sends back to back.
	SendDelay time.Duration
	// Terminal sends a Terminal packet after the last segment of a file.
	Terminal bool
	// Concurrent handles every request on its own goroutine.
	Concurrent bool
}

func NewDefaultOptions() *Options {
	return &Options{
		Address:    "0.0.0.0",
		Port:       common.DefaultPort,
		Datapath:   ".",
		ChunkSize:  common.DefaultChunkSize,
		SendDelay:  0,
		Terminal:   true,
		Concurrent: false,
	}
}
