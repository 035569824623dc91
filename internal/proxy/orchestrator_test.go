package proxy

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/haw-fu/coap-forward-proxy/internal/clock"
	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/engine"
	"github.com/haw-fu/coap-forward-proxy/internal/netif"
	"github.com/haw-fu/coap-forward-proxy/internal/proxy/cache"
)

// fakeEngine is a bare substitute for *engine.Engine, letting the
// orchestrator's request/response handling be driven deterministically
// without a real UDP socket.
type fakeEngine struct {
	sent      []*coap.Message
	origins   []coap.OriginEndpoint
	sendErr   error
	inFlight  map[string]*engine.Memo
	replies   []replyCall
}

type replyCall struct {
	msg *coap.Message
	to  coap.ClientAddr
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{inFlight: map[string]*engine.Memo{}}
}

func (f *fakeEngine) Send(pdu *coap.Message, origin coap.OriginEndpoint) (*engine.Memo, error) {
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, pdu)
	f.origins = append(f.origins, origin)
	m := &engine.Memo{Token: pdu.Token, Origin: origin, State: engine.MemoPending}
	f.inFlight[string(pdu.Token)+origin.String()] = m
	return m, nil
}

func (f *fakeEngine) FindInFlight(token []byte, origin coap.OriginEndpoint) (*engine.Memo, bool) {
	m, ok := f.inFlight[string(token)+origin.String()]
	return m, ok
}

func (f *fakeEngine) Cancel(token []byte, origin coap.OriginEndpoint) {
	delete(f.inFlight, string(token)+origin.String())
}

func (f *fakeEngine) Reply(msg *coap.Message, to coap.ClientAddr) error {
	f.replies = append(f.replies, replyCall{msg: msg, to: to})
	return nil
}

func proxyRequest(method coap.Code, token []byte, uri string) *coap.Message {
	req := &coap.Message{Type: coap.Confirmable, Code: method, MessageID: 1, Token: token}
	req.AddOption(coap.ProxyURI, []byte(uri))
	return req
}

func newTestOrchestrator(cacheOn bool) (*Orchestrator, *fakeEngine, *memStore) {
	eng := newFakeEngine()
	store := newMemStore()
	var ci *CacheInterface
	if cacheOn {
		ci = &CacheInterface{Store: store, Clock: clock.System{}, DefaultMaxAge: 60 * time.Second}
	}
	orch := NewOrchestrator(eng, netif.Static{IDs: []int{1}}, ci, Config{
		PDUBufSize:         256,
		ReqWaitingMax:      4,
		CacheModuleEnabled: cacheOn,
	}, zap.NewNop(), nil)
	return orch, eng, store
}

func TestHandleRequestForwardsToOrigin(t *testing.T) {
	orch, eng, _ := newTestOrchestrator(false)
	req := proxyRequest(coap.GET, []byte{0xAB}, "coap://[fe80::1%1]/a")

	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	assert.Nil(t, resp, "a forwarded request has no immediate response")
	require.Len(t, eng.sent, 1)
	assert.Equal(t, coap.GET, eng.sent[0].Code)
	assert.Equal(t, []byte{0xAB}, eng.sent[0].Token)
	_, hasProxyURI := eng.sent[0].GetOption(coap.ProxyURI)
	assert.False(t, hasProxyURI)
}

func TestHandleRequestTableFullReturns500(t *testing.T) {
	orch, _, _ := newTestOrchestrator(false)
	for i := 0; i < 4; i++ {
		req := proxyRequest(coap.GET, []byte{byte(i)}, "coap://[fe80::1%1]/a")
		resp := orch.HandleRequest(req, coap.ClientAddr{Port: i})
		require.Nil(t, resp)
	}
	fifth := proxyRequest(coap.GET, []byte{9}, "coap://[fe80::1%1]/a")
	resp := orch.HandleRequest(fifth, coap.ClientAddr{Port: 9})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeInternalServerError, resp.Code)
}

func TestHandleRequestUnsupportedSchemeReturns505(t *testing.T) {
	orch, eng, _ := newTestOrchestrator(false)
	req := proxyRequest(coap.GET, []byte{1}, "http://[fe80::1%1]/a")
	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeProxyingNotSupported, resp.Code)
	assert.Empty(t, eng.sent)
}

func TestHandleRequestMissingProxyURIReturns402(t *testing.T) {
	orch, _, _ := newTestOrchestrator(false)
	req := &coap.Message{Code: coap.GET, Token: []byte{1}}
	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeBadOption, resp.Code)
}

func TestHandleRequestRelativeURIReturns402(t *testing.T) {
	orch, _, _ := newTestOrchestrator(false)
	req := &coap.Message{Code: coap.GET, Token: []byte{1}}
	req.AddOption(coap.ProxyURI, []byte("/a/b"))
	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeBadOption, resp.Code)
}

func TestHandleRequestAmbiguousLinkLocalReturns402(t *testing.T) {
	eng := newFakeEngine()
	orch := NewOrchestrator(eng, netif.Static{IDs: []int{1, 2}}, nil, Config{
		PDUBufSize: 256, ReqWaitingMax: 4, CacheModuleEnabled: false,
	}, zap.NewNop(), nil)
	req := proxyRequest(coap.GET, []byte{1}, "coap://[fe80::1]/a")
	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeBadOption, resp.Code)
}

func TestHandleRequestDuplicateInFlightDropped(t *testing.T) {
	orch, eng, _ := newTestOrchestrator(false)
	req := proxyRequest(coap.GET, []byte{0xAB}, "coap://[fe80::1%1]/a")

	resp1 := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	assert.Nil(t, resp1)
	require.Len(t, eng.sent, 1)

	dup := proxyRequest(coap.GET, []byte{0xAB}, "coap://[fe80::1%1]/a")
	resp2 := orch.HandleRequest(dup, coap.ClientAddr{Port: 2})
	assert.Nil(t, resp2, "a duplicate in-flight request must be silently dropped")
	assert.Len(t, eng.sent, 1, "no second upstream send for a duplicate")
}

func TestHandleRequestSendFailureReturns500(t *testing.T) {
	eng := newFakeEngine()
	eng.sendErr = errors.New("boom")
	orch := NewOrchestrator(eng, netif.Static{IDs: []int{1}}, nil, Config{
		PDUBufSize: 256, ReqWaitingMax: 4, CacheModuleEnabled: false,
	}, zap.NewNop(), nil)
	req := proxyRequest(coap.GET, []byte{1}, "coap://[fe80::1%1]/a")
	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeInternalServerError, resp.Code)
}

func TestHandleRequestCacheHitShortCircuits(t *testing.T) {
	orch, eng, store := newTestOrchestrator(true)

	req := proxyRequest(coap.GET, []byte{1}, "coap://[fe80::1%1]/a")
	key := cache.Key(coap.GET, "a", "", req)
	cached := &coap.Message{Code: coap.CodeContent, Payload: []byte("hi")}
	cached.AddOption(coap.ETag, []byte{0xE1})
	store.entries[key] = &cache.Entry{RequestMethod: coap.GET, Response: cached, MaxAge: time.Now().Add(time.Minute)}

	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 1})
	require.NotNil(t, resp)
	assert.Equal(t, coap.CodeContent, resp.Code)
	assert.Equal(t, []byte("hi"), resp.Payload)
	assert.Empty(t, eng.sent, "a fresh cache hit must not reach the upstream send path")
}

func TestHandleResponseRelaysVerbatimWhenCacheDisabled(t *testing.T) {
	orch, eng, _ := newTestOrchestrator(false)
	req := proxyRequest(coap.GET, []byte{0xAB}, "coap://[fe80::1%1]/a")
	req.MessageID = 0x1234

	resp := orch.HandleRequest(req, coap.ClientAddr{Port: 7})
	require.Nil(t, resp)

	var memo *engine.Memo
	for _, m := range eng.inFlight {
		memo = m
	}
	require.NotNil(t, memo)

	origin := &coap.Message{Code: coap.CodeContent, Type: coap.Acknowledgement, Payload: []byte("body")}
	memo.State = engine.MemoResponse
	memo.Response = origin

	orch.HandleResponse(engine.Event{Kind: engine.EventResponse, Response: origin, Memo: memo})

	require.Len(t, eng.replies, 1)
	assert.Equal(t, []byte("body"), eng.replies[0].msg.Payload)
	assert.Equal(t, req.Token, eng.replies[0].msg.Token)
	assert.Equal(t, req.MessageID, eng.replies[0].msg.MessageID)
	assert.Equal(t, coap.ClientAddr{Port: 7}, eng.replies[0].to)
}

func TestHandleResponseTimeoutReleasesSlotSilently(t *testing.T) {
	orch, eng, _ := newTestOrchestrator(false)
	req := proxyRequest(coap.GET, []byte{1}, "coap://[fe80::1%1]/a")
	orch.HandleRequest(req, coap.ClientAddr{Port: 1})

	var memo *engine.Memo
	for _, m := range eng.inFlight {
		memo = m
	}
	memo.State = engine.MemoTimeout

	orch.HandleResponse(engine.Event{Kind: engine.EventResponse, Response: nil, Memo: memo})
	assert.Empty(t, eng.replies, "a timeout produces no proxy-synthesized response")
	assert.Equal(t, 0, orch.table.InUseCount(), "the slot must still be released")
}

func TestHandleResponseProxyDrivenRevalidationExtendsCache(t *testing.T) {
	orch, eng, store := newTestOrchestrator(true)
	req := proxyRequest(coap.GET, []byte{1}, "coap://[fe80::1%1]/a")
	orch.HandleRequest(req, coap.ClientAddr{Port: 1})

	var memo *engine.Memo
	for _, m := range eng.inFlight {
		memo = m
	}

	key := cache.Key(coap.GET, "a", "", req)
	cached := &coap.Message{Code: coap.CodeContent, Payload: []byte("stale-body")}
	store.entries[key] = &cache.Entry{RequestMethod: coap.GET, Response: cached, MaxAge: time.Now().Add(-time.Second)}

	originResp := &coap.Message{Code: coap.CodeValid, Type: coap.Acknowledgement}
	originResp.AddOptionUint(coap.MaxAge, 120)
	memo.State = engine.MemoResponse
	memo.Response = originResp

	orch.HandleResponse(engine.Event{Kind: engine.EventResponse, Response: originResp, Memo: memo})

	require.Len(t, eng.replies, 1)
	assert.Equal(t, []byte("stale-body"), eng.replies[0].msg.Payload)
	assert.True(t, store.entries[key].MaxAge.After(time.Now()), "max_age must be extended")
}

func TestHandleResponseEvictedWhileValidatingSynthesizes504(t *testing.T) {
	orch, eng, _ := newTestOrchestrator(true)
	req := proxyRequest(coap.GET, []byte{1}, "coap://[fe80::1%1]/a")
	orch.HandleRequest(req, coap.ClientAddr{Port: 1})

	var memo *engine.Memo
	for _, m := range eng.inFlight {
		memo = m
	}

	originResp := &coap.Message{Code: coap.CodeValid, Type: coap.Acknowledgement}
	memo.State = engine.MemoResponse
	memo.Response = originResp

	orch.HandleResponse(engine.Event{Kind: engine.EventResponse, Response: originResp, Memo: memo})

	require.Len(t, eng.replies, 1)
	assert.Equal(t, coap.CodeGatewayTimeout, eng.replies[0].msg.Code)
}

func TestHandleResponseClientValidatingForwardsValidUnchanged(t *testing.T) {
	orch, eng, store := newTestOrchestrator(true)
	// Options must be added in ascending number order to model the wire
	// format: ETag (4) comes before Proxy-Uri (35).
	req := &coap.Message{Type: coap.Confirmable, Code: coap.GET, MessageID: 1, Token: []byte{1}}
	req.AddOption(coap.ETag, []byte{0xE0})
	req.AddOption(coap.ProxyURI, []byte("coap://[fe80::1%1]/a"))

	key := cache.Key(coap.GET, "a", "", req)
	cached := &coap.Message{Code: coap.CodeContent}
	cached.AddOption(coap.ETag, []byte{0xE1})
	store.entries[key] = &cache.Entry{RequestMethod: coap.GET, Response: cached, MaxAge: time.Now().Add(-time.Second)}

	orch.HandleRequest(req, coap.ClientAddr{Port: 1})

	var memo *engine.Memo
	for _, m := range eng.inFlight {
		memo = m
	}
	originResp := &coap.Message{Code: coap.CodeValid, Type: coap.Acknowledgement}
	memo.State = engine.MemoResponse
	memo.Response = originResp

	orch.HandleResponse(engine.Event{Kind: engine.EventResponse, Response: originResp, Memo: memo})

	require.Len(t, eng.replies, 1)
	assert.Equal(t, coap.CodeValid, eng.replies[0].msg.Code, "a client-driven revalidation's 2.03 Valid is forwarded unchanged")
}
