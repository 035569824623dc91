package engine

import "github.com/haw-fu/coap-forward-proxy/internal/coap"

// MemoState is the lifecycle of a single outbound request the engine is
// tracking, from the moment it is sent to the moment it resolves with a
// response, a timeout, or an explicit cancellation.
type MemoState int

const (
	MemoPending MemoState = iota
	MemoResponse
	MemoTimeout
	MemoCancelled
)

func (s MemoState) String() string {
	switch s {
	case MemoPending:
		return "pending"
	case MemoResponse:
		return "response"
	case MemoTimeout:
		return "timeout"
	case MemoCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Memo is one entry in the engine's request table: the token and origin a
// request was sent to, its current state, and (once resolved) the
// response that arrived for it.
type Memo struct {
	Token    []byte
	Origin   coap.OriginEndpoint
	State    MemoState
	Response *coap.Message

	retries int
}
