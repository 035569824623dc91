package proxy

import (
	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/engine"
)

// UpstreamEngine is the narrow surface the Forward-Proxy Orchestrator
// needs from internal/coap/engine: send a request upstream, check whether
// one is already in flight, cancel a tracked one, and reply to a client
// directly. Defined here rather than consumed as *engine.Engine so tests
// can drive the orchestrator against a fake engine.
type UpstreamEngine interface {
	Send(pdu *coap.Message, origin coap.OriginEndpoint) (*engine.Memo, error)
	FindInFlight(token []byte, origin coap.OriginEndpoint) (*engine.Memo, bool)
	Cancel(token []byte, origin coap.OriginEndpoint)
	Reply(msg *coap.Message, to coap.ClientAddr) error
}

// Metrics is the narrow set of observations the orchestrator reports,
// implemented by internal/metrics.Collector. A nil Metrics is valid; all
// methods are called through noopMetrics in that case.
type Metrics interface {
	SetSlotsInUse(n int)
	IncCacheHit()
	IncCacheMiss()
	IncCacheRevalidate()
	IncUpstreamSendError()
	IncRejected(reason string)
}

type noopMetrics struct{}

func (noopMetrics) SetSlotsInUse(int)       {}
func (noopMetrics) IncCacheHit()            {}
func (noopMetrics) IncCacheMiss()           {}
func (noopMetrics) IncCacheRevalidate()     {}
func (noopMetrics) IncUpstreamSendError()   {}
func (noopMetrics) IncRejected(string)      {}
