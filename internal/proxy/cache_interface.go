package proxy

import (
	"bytes"
	"time"

	"github.com/haw-fu/coap-forward-proxy/internal/clock"
	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/proxy/cache"
)

// CacheInterface drives the external cache.Store through the
// request-side protocol the forward proxy needs: lookup, freshness
// evaluation, the 2.03-Valid short-circuit, and freshness extension on
// proxy-driven revalidation. cache.Store is the thin storage contract it
// is built on.
type CacheInterface struct {
	Store          cache.Store
	Clock          clock.Clock
	DefaultMaxAge  time.Duration
}

// LookupAndProcess looks up the cache entry for req: on a fresh,
// method-matching hit it returns a client-facing response built from the
// cache entry (the caller releases the slot without forwarding); on a
// miss it records the digest in the slot and returns hit=false so the
// caller proceeds to forward upstream. The returned entry is whatever was
// found under the key regardless of freshness — even on a miss, a stale
// entry's ETag is what lets the option rewriter attach a conditional
// request for the origin to revalidate.
func (ci *CacheInterface) LookupAndProcess(req *coap.Message, method coap.Code, path, query string, slot *ClientEndpoint) (resp *coap.Message, hit bool, stale *cache.Entry) {
	key := cache.Key(method, path, query, req)
	entry, found := ci.Store.Lookup(key)
	slot.CacheKey = []byte(key)
	if found && entry.RequestMethod == method && entry.MaxAge.After(ci.Clock.Now()) {
		return buildResponse(req, entry), true, entry
	}
	if found {
		return nil, false, entry
	}
	return nil, false, nil
}

// Ingest stores a fresh, cacheable origin response under key, reading its
// freshness lifetime from the response's own Max-Age option and falling
// back to DefaultMaxAge when the option is absent.
func (ci *CacheInterface) Ingest(key []byte, method coap.Code, response *coap.Message) {
	maxAge := ci.DefaultMaxAge
	if v, ok := response.GetOptionUint(coap.MaxAge); ok {
		maxAge = time.Duration(v) * time.Second
	}
	ci.Store.Process(string(key), &cache.Entry{
		RequestMethod: method,
		Response:      response,
		MaxAge:        ci.Clock.Now().Add(maxAge),
	})
}

// ExtendAndBuild handles a 2.03 Valid returned for a request the client
// did not itself revalidate: it looks the entry up by the slot's cache
// key, extends its Max-Age using the origin's response, and builds the
// client-facing response from the now-fresh cached entry. ok is false if
// the entry was evicted between dispatch and response.
func (ci *CacheInterface) ExtendAndBuild(key []byte, originResp *coap.Message) (*coap.Message, bool) {
	entry, found := ci.Store.Lookup(string(key))
	if !found {
		return nil, false
	}
	maxAge := ci.DefaultMaxAge
	if v, ok := originResp.GetOptionUint(coap.MaxAge); ok {
		maxAge = time.Duration(v) * time.Second
	}
	entry.MaxAge = ci.Clock.Now().Add(maxAge)
	ci.Store.Process(string(key), entry)
	return buildResponse(originResp, entry), true
}

// buildResponse builds a client-facing response from a cache entry: for a
// GET/FETCH carrying a client ETag that matches the entry's ETag, it
// returns a bare 2.03 Valid echoing that ETag; otherwise it splices the
// entry's cached code, options, and payload into a response addressed
// with fromReq's type/token/message-id.
//
// fromReq is either the inbound client request (cache-hit path) or the
// origin's own 2.03 Valid response (proxy-driven revalidation path); its
// Token already matches the original client request by construction (the
// option rewriter copies it outbound, and CoAP requires a response to
// echo its request's token). Callers on the revalidation path restamp the
// final Type/MessageID against the client's own request before dispatch.
func buildResponse(fromReq *coap.Message, entry *cache.Entry) *coap.Message {
	if fromReq.Code == coap.GET || fromReq.Code == coap.FETCH {
		if reqETag, ok := fromReq.GetOption(coap.ETag); ok {
			if cacheETag, ok2 := entry.Response.GetOption(coap.ETag); ok2 && bytes.Equal(reqETag, cacheETag) {
				resp := newResponseShell(fromReq, coap.CodeValid)
				resp.AddOption(coap.ETag, cacheETag)
				return resp
			}
		}
	}

	resp := newResponseShell(fromReq, entry.Response.Code)
	resp.Options = cloneOptions(entry.Response.Options)
	resp.Payload = append([]byte(nil), entry.Response.Payload...)
	return resp
}

func newResponseShell(fromReq *coap.Message, code coap.Code) *coap.Message {
	return &coap.Message{
		Type:      ackType(fromReq.Type),
		Code:      code,
		MessageID: fromReq.MessageID,
		Token:     append([]byte(nil), fromReq.Token...),
	}
}

func ackType(reqType coap.Type) coap.Type {
	if reqType == coap.Confirmable {
		return coap.Acknowledgement
	}
	return coap.NonConfirmable
}

func cloneOptions(opts []coap.Option) []coap.Option {
	out := make([]coap.Option, len(opts))
	for i, o := range opts {
		out[i] = coap.Option{Number: o.Number, Value: append([]byte(nil), o.Value...)}
	}
	return out
}
