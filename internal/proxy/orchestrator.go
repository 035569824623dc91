package proxy

import (
	"go.uber.org/zap"

	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/engine"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/proxyuri"
	"github.com/haw-fu/coap-forward-proxy/internal/netif"
	"github.com/haw-fu/coap-forward-proxy/internal/proxy/cache"
)

// Config bundles the orchestrator's knobs; internal/config resolves the
// on-disk/CLI configuration down to this struct.
type Config struct {
	PDUBufSize         int
	ReqWaitingMax      int
	CacheModuleEnabled bool
}

// Orchestrator is the request matcher and handler that drives the client
// endpoint table, the URI resolver, the option rewriter, and the cache
// interface against the engine. It is constructed once and driven from a
// single goroutine ranging over the engine's event channel, so its
// internal bindings map needs no locking.
type Orchestrator struct {
	engine  UpstreamEngine
	table   *Table
	netifs  netif.Registry
	cache   *CacheInterface
	cacheOn bool
	log     *zap.Logger
	metrics Metrics

	bindings map[*engine.Memo]binding
}

// binding ties an in-flight engine.Memo back to the CET slot it belongs
// to, so HandleResponse (which only ever sees an engine.Event) can find
// its way back to the slot, the origin, and the original client request
// (needed to rebuild a client-facing response on proxy-driven
// revalidation, and to restamp Token/MessageID on every forwarded reply).
type binding struct {
	handle      Handle
	origin      coap.OriginEndpoint
	originalReq *coap.Message
}

// NewOrchestrator constructs an Orchestrator. ci may be nil iff
// cfg.CacheModuleEnabled is false, in which case every cache interaction
// is elided and responses are relayed verbatim.
func NewOrchestrator(eng UpstreamEngine, reg netif.Registry, ci *CacheInterface, cfg Config, log *zap.Logger, metrics Metrics) *Orchestrator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Orchestrator{
		engine:   eng,
		table:    NewTable(cfg.ReqWaitingMax),
		netifs:   reg,
		cache:    ci,
		cacheOn:  cfg.CacheModuleEnabled,
		log:      log,
		metrics:  metrics,
		bindings: make(map[*engine.Memo]binding),
	}
}

// Matches reports whether a request is destined for the forward-proxy
// resource: any request carrying a Proxy-Uri option.
func Matches(req *coap.Message) bool {
	_, ok := req.GetOption(coap.ProxyURI)
	return ok
}

// HandleRequest runs the full request-handler path, from slot allocation
// through handing the outbound packet to the engine. It returns the
// response to send to the client immediately (cache hit, or a synthesized
// error), or nil if the request was handed upstream (or silently dropped
// as a duplicate) — the eventual answer, if any, arrives later through
// HandleResponse.
func (o *Orchestrator) HandleRequest(req *coap.Message, from coap.ClientAddr) *coap.Message {
	handle, ok := o.table.Allocate(from)
	if !ok {
		o.metrics.IncRejected("table_full")
		return errorResponse(req, coap.CodeInternalServerError)
	}
	slot := o.table.Get(handle)
	defer func() { o.metrics.SetSlotsInUse(o.table.InUseCount()) }()

	rawURI, ok := req.GetOption(coap.ProxyURI)
	if !ok {
		o.table.Release(handle)
		o.metrics.IncRejected("missing_proxy_uri")
		return errorResponse(req, coap.CodeBadOption)
	}

	parts, err := proxyuri.Parse(string(rawURI))
	if err != nil {
		o.table.Release(handle)
		o.metrics.IncRejected("malformed_proxy_uri")
		return errorResponse(req, coap.CodeBadOption)
	}

	// Cache lookup happens before the scheme/resolution checks: a fresh
	// hit short-circuits regardless of whether the origin would even
	// resolve.
	entry, fresh := o.cacheLookup(req, parts, slot)
	if fresh != nil {
		o.table.Release(handle)
		o.metrics.IncCacheHit()
		return fresh
	}

	if parts.Scheme != "coap" {
		o.table.Release(handle)
		o.metrics.IncRejected("unsupported_scheme")
		return errorResponse(req, coap.CodeProxyingNotSupported)
	}

	origin, err := Resolve(parts, o.netifs)
	if err != nil {
		o.table.Release(handle)
		o.metrics.IncRejected("unresolvable_origin")
		return errorResponse(req, coap.CodeBadOption)
	}

	if _, inFlight := o.engine.FindInFlight(req.Token, origin); inFlight {
		// Duplicate CON retransmission while the original is in flight:
		// drop silently rather than send a second request upstream. A
		// future revision could emit an empty ACK instead to quiesce the
		// client's own retransmission timer.
		o.table.Release(handle)
		o.metrics.IncRejected("duplicate_in_flight")
		return nil
	}

	outbound := Rewrite(req, parts, entry, slot)

	memo, err := o.engine.Send(outbound, origin)
	if err != nil {
		o.table.Release(handle)
		o.metrics.IncUpstreamSendError()
		return errorResponse(req, coap.CodeInternalServerError)
	}

	o.bindings[memo] = binding{handle: handle, origin: origin, originalReq: req.Clone()}
	return nil
}

// cacheLookup consults the Cache Interface when enabled, recording the
// digest into slot.CacheKey either way. It returns (entry, nil) on a
// miss — entry may still be a stale hit, whose ETag the Option Rewriter
// attaches for upstream revalidation — or (nil, resp) on a fresh,
// method-matching hit that short-circuits the request entirely.
func (o *Orchestrator) cacheLookup(req *coap.Message, parts *proxyuri.Parts, slot *ClientEndpoint) (entry *cache.Entry, fresh *coap.Message) {
	if !o.cacheOn {
		return nil, nil
	}
	resp, hit, stale := o.cache.LookupAndProcess(req, req.Code, parts.Path, parts.Query, slot)
	if hit {
		return nil, resp
	}
	o.metrics.IncCacheMiss()
	return stale, nil
}

// HandleResponse is dispatched once per slot, strictly after HandleRequest
// returned for it. It always releases the slot before returning.
func (o *Orchestrator) HandleResponse(ev engine.Event) {
	b, ok := o.bindings[ev.Memo]
	if !ok {
		// A memo we never bound — nothing to release either way; this
		// cannot happen under the single-dispatch-context model since
		// every Send'd memo is bound before HandleRequest returns.
		return
	}
	delete(o.bindings, ev.Memo)
	defer func() {
		o.table.Release(b.handle)
		o.metrics.SetSlotsInUse(o.table.InUseCount())
	}()

	if ev.Memo.State != engine.MemoResponse || ev.Response == nil {
		// Timeout/cancelled: transport-level failures are not synthesized
		// into a client-visible response here.
		return
	}

	slot := o.table.Get(b.handle)
	resp := ev.Response

	if !o.cacheOn || resp.Code != coap.CodeValid || slot.Validating {
		// A fresh non-Valid response from a non-validating client is the
		// only case that also feeds the cache; a client-driven
		// revalidation's own non-Valid reply or a 2.03-Valid forwarded
		// for it must not be re-ingested.
		if o.cacheOn && resp.Code != coap.CodeValid && !slot.Validating {
			o.cache.Ingest(slot.CacheKey, b.originalReq.Code, resp)
		}
		_ = o.engine.Reply(withClientFraming(resp, b.originalReq), slot.Addr)
		return
	}

	// Proxy-driven revalidation: origin returned 2.03 Valid for a
	// request the client did not itself validate.
	built, ok := o.cache.ExtendAndBuild(slot.CacheKey, resp)
	if !ok {
		// The referenced cache entry evicted between dispatch and
		// response. Synthesize 5.04 rather than drop the request silently.
		_ = o.engine.Reply(withClientFraming(errorResponse(b.originalReq, coap.CodeGatewayTimeout), b.originalReq), slot.Addr)
		return
	}
	o.metrics.IncCacheRevalidate()
	// built's Token/MessageID/Type were stamped from the origin's 2.03
	// Valid response, not the client's original request — the client must
	// see its own MessageID acknowledged, so restamp before dispatch.
	_ = o.engine.Reply(withClientFraming(built, b.originalReq), slot.Addr)
}

// withClientFraming re-stamps resp's Type/Token/MessageID to match the
// original client request, since the Event the engine delivers carries
// whatever framing the origin used on its own response.
func withClientFraming(resp *coap.Message, originalReq *coap.Message) *coap.Message {
	out := resp.Clone()
	out.Token = append([]byte(nil), originalReq.Token...)
	out.MessageID = originalReq.MessageID
	out.Type = ackType(originalReq.Type)
	return out
}

func errorResponse(req *coap.Message, code coap.Code) *coap.Message {
	return &coap.Message{
		Type:      ackType(req.Type),
		Code:      code,
		MessageID: req.MessageID,
		Token:     append([]byte(nil), req.Token...),
	}
}
