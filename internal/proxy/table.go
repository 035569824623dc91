package proxy

import "github.com/haw-fu/coap-forward-proxy/internal/coap"

// ClientEndpoint is one slot tracking an outstanding proxied request: the
// originating client's address, whether the client itself is revalidating a
// cached representation, and the digest under which the request is (or will
// be) cached.
type ClientEndpoint struct {
	InUse      bool
	Validating bool
	Addr       coap.ClientAddr
	CacheKey   []byte
}

// Handle identifies a slot in a Table without exposing the backing array.
// A zero Handle is never valid; Table.Allocate returns ok=false instead.
type Handle struct {
	idx int
	set bool
}

// Table is a fixed-capacity table of client endpoint slots. Its capacity
// bounds memory on constrained devices and provides backpressure: once
// full, callers must reply 5.00 rather than grow it.
//
// Table is touched only from the single CoAP dispatch context and
// therefore needs no internal locking.
type Table struct {
	slots []ClientEndpoint
}

// NewTable constructs a Table with the given fixed capacity.
func NewTable(capacity int) *Table {
	return &Table{slots: make([]ClientEndpoint, capacity)}
}

// Capacity returns the table's fixed slot count.
func (t *Table) Capacity() int { return len(t.slots) }

// Allocate scans slots left to right and claims the first free one,
// storing the client's address and clearing the validating flag. It
// returns ok=false when every slot is in use.
func (t *Table) Allocate(addr coap.ClientAddr) (Handle, bool) {
	for i := range t.slots {
		if !t.slots[i].InUse {
			t.slots[i] = ClientEndpoint{InUse: true, Addr: addr}
			return Handle{idx: i, set: true}, true
		}
	}
	return Handle{}, false
}

// Release zeroes the slot named by h, restoring InUse=false. h must not
// be used again afterward; the caller is responsible for that discipline.
func (t *Table) Release(h Handle) {
	if !h.set {
		return
	}
	t.slots[h.idx] = ClientEndpoint{}
}

// Get returns a pointer to the slot named by h, for reading or updating
// fields such as Validating and CacheKey during request handling.
func (t *Table) Get(h Handle) *ClientEndpoint {
	if !h.set {
		return nil
	}
	return &t.slots[h.idx]
}

// InUseCount reports how many slots currently hold an outstanding
// request, exported as a gauge by internal/metrics.
func (t *Table) InUseCount() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].InUse {
			n++
		}
	}
	return n
}
