package types

import "errors"

// Error classes shared by the file, network and processing layers. Callers
// match them with errors.Is; the concrete error always carries more context.
var (
	ErrFormat    = errors.New("format error")
	ErrConfig    = errors.New("configuration error")
	ErrProtocol  = errors.New("protocol error")
	ErrNoData    = errors.New("no data")
	ErrQueueFull = errors.New("queue full")
	ErrClosed    = errors.New("closed")
)
