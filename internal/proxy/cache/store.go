// Package cache provides the response-cache storage backend: a bounded
// key/value store and the SHA-256 digest used as its key. The
// lookup/build/revalidate algorithm that drives this store lives in the
// proxy package; this one stays a plain storage contract.
package cache

import (
	"crypto/sha256"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/haw-fu/coap-forward-proxy/internal/coap"
)

// Entry is a cached origin response: the method it was obtained for, the
// response itself (options and payload are what get spliced into a
// client-facing response), and an absolute freshness deadline.
type Entry struct {
	RequestMethod coap.Code
	Response      *coap.Message
	MaxAge        time.Time
}

// Store is the storage contract the cache interface consumes: lookup, and
// insert-or-replace on ingestion.
type Store interface {
	Lookup(key string) (*Entry, bool)
	Process(key string, entry *Entry)
}

// Key computes the deterministic cache-key digest for a request: method,
// target URI (path + query, plus req's Proxy-Uri value, which carries the
// origin's authority), and the options that affect representation
// selection (Accept, Content-Format). It is pure — same inputs always
// produce the same key.
func Key(method coap.Code, path, query string, req *coap.Message) string {
	h := sha256.New()
	h.Write([]byte{byte(method)})
	h.Write([]byte(path))
	h.Write([]byte{'?'})
	h.Write([]byte(query))
	if v, ok := req.GetOption(coap.ProxyURI); ok {
		h.Write(v)
	}
	if v, ok := req.GetOption(coap.Accept); ok {
		h.Write(v)
	}
	if v, ok := req.GetOption(coap.ContentFormat); ok {
		h.Write(v)
	}
	sum := h.Sum(nil)
	return string(sum)
}

// KeyLength is the width of a SHA-256 digest, the fixed size of every key
// Key produces.
const KeyLength = sha256.Size

// LRUStore is a Store backed by a bounded least-recently-used map
// (github.com/hashicorp/golang-lru/v2), evicting the oldest entry once
// capacity is reached rather than growing without bound.
type LRUStore struct {
	lru *lru.Cache[string, *Entry]
}

// NewLRUStore constructs an LRUStore bounded to capacity entries.
func NewLRUStore(capacity int) (*LRUStore, error) {
	c, err := lru.New[string, *Entry](capacity)
	if err != nil {
		return nil, err
	}
	return &LRUStore{lru: c}, nil
}

func (s *LRUStore) Lookup(key string) (*Entry, bool) {
	return s.lru.Get(key)
}

func (s *LRUStore) Process(key string, entry *Entry) {
	s.lru.Add(key, entry)
}
