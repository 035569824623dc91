// Package resource lets internal/coap/engine host ordinary CoAP resources
// (health checks, discovery) alongside the forward-proxy catch-all, each
// one a Matcher/Handler pair tried in registration order.
package resource

import (
	"github.com/haw-fu/coap-forward-proxy/internal/coap"
)

// Handler produces a response for a matched request. from is the
// client's transport address, provided for resources that want to log
// it; the built-in /health and /.well-known/core handlers ignore it.
type Handler func(req *coap.Message, from coap.ClientAddr) *coap.Message

// Matcher reports whether a resource claims a given request. The
// forward-proxy resource's matcher is a catch-all keyed on the presence of
// a Proxy-Uri option; ordinary resources match on method and Uri-Path.
type Matcher func(req *coap.Message) bool

// Resource pairs a Matcher with the Handler that serves matched requests,
// plus a human-readable path used only for /.well-known/core discovery.
type Resource struct {
	Path    string
	Matcher Matcher
	Handler Handler
}

// Registry holds the ordered list of resources an engine dispatches
// requests to; Dispatch walks it in registration order and the first
// match wins.
type Registry struct {
	resources []Resource
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends res to the dispatch list. The forward-proxy resource
// should be registered last, since its Matcher claims every request that
// carries a Proxy-Uri option.
func (r *Registry) Register(res Resource) {
	r.resources = append(r.resources, res)
}

// Dispatch returns the first registered Resource whose Matcher claims
// req, and ok=false if none does.
func (r *Registry) Dispatch(req *coap.Message) (Resource, bool) {
	for _, res := range r.resources {
		if res.Matcher(req) {
			return res, true
		}
	}
	return Resource{}, false
}

// All returns the registered resources in registration order, for
// /.well-known/core enumeration.
func (r *Registry) All() []Resource {
	return r.resources
}

// MatchPath builds a Matcher that claims requests with the given method
// whose Uri-Path options join (with "/") to exactly path.
func MatchPath(method coap.Code, path string) Matcher {
	return func(req *coap.Message) bool {
		if req.Code != method {
			return false
		}
		return uriPath(req) == path
	}
}

func uriPath(req *coap.Message) string {
	out := ""
	for _, o := range req.Options {
		if o.Number != coap.URIPath {
			continue
		}
		if out != "" {
			out += "/"
		}
		out += string(o.Value)
	}
	return out
}
