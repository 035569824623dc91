// Package engine owns the UDP socket, the request memo table, and
// retransmission, and hands decoded datagrams to whoever is listening on
// its Events channel. The forward-proxy handling in internal/proxy is a
// client of this package, never reaching into its internals.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/transport"
)

// Default retransmission parameters, named after RFC 7252 §4.8's CoAP
// transmission parameters.
const (
	DefaultAckTimeout    = 2 * time.Second
	DefaultMaxRetransmit = 4
)

// ErrInFlight is returned by Send when a request with the same token is
// already outstanding to the same origin, so callers never issue a second
// upstream send for what is really a duplicate in-flight request.
var ErrInFlight = errors.New("engine: request already in flight")

// EventKind distinguishes the two things Engine.Events can deliver.
type EventKind int

const (
	// EventRequest is an inbound datagram whose code falls in the request
	// range — a candidate for the forward-proxy resource matcher.
	EventRequest EventKind = iota
	// EventResponse is a response that matched a pending Memo.
	EventResponse
)

// Event is one item delivered to the single orchestrator goroutine: the
// orchestrator only ever observes inbound requests and upstream responses
// through this channel.
type Event struct {
	Kind EventKind

	Request *coap.Message
	From    coap.ClientAddr

	Response *coap.Message
	Memo     *Memo
}

// Engine owns the UDP socket and the in-flight request table. Its own
// read loop and retransmission timers run on background goroutines, but
// every Event it produces is serialized onto one channel, so a single
// consumer goroutine sees a strictly ordered stream of requests and
// responses without needing its own locking.
type Engine struct {
	conn          transport.Conn
	log           *zap.Logger
	bufSize       int
	ackTimeout    time.Duration
	maxRetransmit int

	events chan Event

	mu    sync.Mutex
	memos map[string]*Memo
}

// New constructs an Engine bound to conn. bufSize is PDUBufSize
// (config.PDUBufSize); ackTimeout/maxRetransmit default to the RFC 7252
// constants above when zero.
func New(conn transport.Conn, log *zap.Logger, bufSize int, ackTimeout time.Duration, maxRetransmit int) *Engine {
	if ackTimeout == 0 {
		ackTimeout = DefaultAckTimeout
	}
	if maxRetransmit == 0 {
		maxRetransmit = DefaultMaxRetransmit
	}
	return &Engine{
		conn:          conn,
		log:           log,
		bufSize:       bufSize,
		ackTimeout:    ackTimeout,
		maxRetransmit: maxRetransmit,
		events:        make(chan Event, 64),
		memos:         make(map[string]*Memo),
	}
}

// Events is the channel the orchestrator ranges over.
func (e *Engine) Events() <-chan Event { return e.events }

// Run drives the socket read loop until ctx is cancelled. It must run on
// its own goroutine; Engine.Events() is read from a different one.
func (e *Engine) Run(ctx context.Context) {
	transport.ReadLoop(ctx, e.conn, e.bufSize, e.log, func(data []byte, from *net.UDPAddr) {
		msg, err := coap.Unmarshal(data)
		if err != nil {
			e.log.Debug("dropping undecodable datagram", zap.String("from", from.String()), zap.Error(err))
			return
		}
		if msg.Code.IsRequest() {
			e.events <- Event{
				Kind:    EventRequest,
				Request: msg,
				From:    coap.ClientAddr{IP: from.IP, Port: from.Port, Zone: zoneOf(from)},
			}
			return
		}
		e.handleResponse(msg, from)
	})
}

func zoneOf(addr *net.UDPAddr) int {
	if addr.Zone == "" {
		return 0
	}
	var z int
	fmt.Sscanf(addr.Zone, "%d", &z)
	return z
}

func (e *Engine) handleResponse(msg *coap.Message, from *net.UDPAddr) {
	key := memoKey(msg.Token, from)

	e.mu.Lock()
	m, ok := e.memos[key]
	if ok {
		delete(e.memos, key)
	}
	e.mu.Unlock()

	if !ok {
		e.log.Debug("dropping response with no matching memo", zap.String("from", from.String()))
		return
	}

	m.State = MemoResponse
	m.Response = msg
	e.events <- Event{Kind: EventResponse, Response: msg, Memo: m}
}

// Send transmits pdu to origin and registers a Memo keyed by
// (token, origin). It returns ErrInFlight without sending if a request
// with the same token is already outstanding to that origin. For a
// Confirmable pdu it arms retransmission; the eventual outcome (response,
// or exhausted retries) is observable only through the Memo and the
// Events channel, never returned synchronously — outbound I/O is
// non-blocking.
func (e *Engine) Send(pdu *coap.Message, origin coap.OriginEndpoint) (*Memo, error) {
	addr := origin.UDPAddr()
	key := memoKey(pdu.Token, addr)

	e.mu.Lock()
	if _, exists := e.memos[key]; exists {
		e.mu.Unlock()
		return nil, ErrInFlight
	}
	m := &Memo{Token: append([]byte(nil), pdu.Token...), Origin: origin, State: MemoPending}
	e.memos[key] = m
	e.mu.Unlock()

	if err := e.write(pdu, addr); err != nil {
		e.mu.Lock()
		delete(e.memos, key)
		e.mu.Unlock()
		return nil, err
	}

	if pdu.Type == coap.Confirmable {
		e.armRetry(pdu, addr, key, m)
	}

	return m, nil
}

func (e *Engine) write(pdu *coap.Message, addr *net.UDPAddr) error {
	data, err := pdu.Marshal()
	if err != nil {
		return err
	}
	_, err = e.conn.WriteToUDP(data, addr)
	return err
}

func (e *Engine) armRetry(pdu *coap.Message, addr *net.UDPAddr, key string, m *Memo) {
	time.AfterFunc(e.ackTimeout, func() {
		e.mu.Lock()
		current, ok := e.memos[key]
		if !ok || current != m || m.State != MemoPending {
			e.mu.Unlock()
			return
		}
		if m.retries >= e.maxRetransmit {
			delete(e.memos, key)
			e.mu.Unlock()
			m.State = MemoTimeout
			e.events <- Event{Kind: EventResponse, Response: nil, Memo: m}
			return
		}
		m.retries++
		e.mu.Unlock()

		if err := e.write(pdu, addr); err != nil {
			e.log.Warn("retransmission failed", zap.Error(err))
		}
		e.armRetry(pdu, addr, key, m)
	})
}

// FindInFlight reports whether a request with token is already
// outstanding to origin, letting the orchestrator recognize a duplicate
// CON retransmission before it would otherwise send it upstream a second
// time.
func (e *Engine) FindInFlight(token []byte, origin coap.OriginEndpoint) (*Memo, bool) {
	key := memoKey(token, origin.UDPAddr())
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.memos[key]
	return m, ok
}

// Cancel removes the memo for token/origin without notifying the
// orchestrator, used when the CET slot it belonged to is torn down for
// another reason (e.g. an error response short-circuited the exchange).
func (e *Engine) Cancel(token []byte, origin coap.OriginEndpoint) {
	key := memoKey(token, origin.UDPAddr())
	e.mu.Lock()
	if m, ok := e.memos[key]; ok {
		m.State = MemoCancelled
		delete(e.memos, key)
	}
	e.mu.Unlock()
}

// Reply writes msg directly to a client address, bypassing the memo
// table entirely — used for every response the proxy itself originates
// (cache hits, synthesized errors, forwarded origin responses) rather
// than tracks as an outstanding upstream request.
func (e *Engine) Reply(msg *coap.Message, to coap.ClientAddr) error {
	return e.write(msg, to.UDPAddr())
}

func memoKey(token []byte, addr *net.UDPAddr) string {
	return string(token) + "|" + addr.String()
}
