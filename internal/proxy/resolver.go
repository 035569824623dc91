// Package proxy implements the forward-proxy request/response handling:
// the client endpoint table, the Proxy-Uri resolver, the option rewriter,
// and the orchestrator that drives them. Everything this package touches
// outside of those concerns — the wire codec, the UDP transport, the
// interface registry, the clock, and request memoization/retransmission —
// is reached only through narrow interfaces owned by internal/coap,
// internal/netif, internal/clock and internal/proxy/cache, never
// reimplemented here.
package proxy

import (
	"errors"
	"net"
	"strconv"

	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/proxyuri"
	"github.com/haw-fu/coap-forward-proxy/internal/netif"
)

// ErrUnresolvable is returned by Resolve for every rule violation: a
// non-IPv6 host, a bad zone id, an unregistered interface, an ambiguous
// link-local destination, or a zero port.
var ErrUnresolvable = errors.New("proxy: cannot resolve origin endpoint")

// Resolve turns a parsed Proxy-Uri authority into a concrete origin
// transport endpoint, or returns ErrUnresolvable if any rule is violated.
func Resolve(parts *proxyuri.Parts, reg netif.Registry) (coap.OriginEndpoint, error) {
	ip := net.ParseIP(parts.Host)
	if ip == nil || ip.To4() != nil {
		// Hostnames fail ParseIP outright; IPv4 literals parse but are
		// rejected because only AF_INET6 destinations are supported.
		return coap.OriginEndpoint{}, ErrUnresolvable
	}

	var ep coap.OriginEndpoint
	ep.IP = ip

	switch {
	case parts.Zone != "":
		zone, err := strconv.Atoi(parts.Zone)
		if err != nil || zone <= 0 {
			return coap.OriginEndpoint{}, ErrUnresolvable
		}
		if !reg.Lookup(zone) {
			return coap.OriginEndpoint{}, ErrUnresolvable
		}
		ep.Zone = zone
	default:
		if sole, ok := reg.Sole(); ok {
			ep.Zone = sole
		} else {
			ep.AnyInterface = true
		}
	}

	if ep.AnyInterface && ip.IsLinkLocalUnicast() {
		// Ambiguous link-local traffic with no way to pick an
		// interface: reject rather than guess.
		return coap.OriginEndpoint{}, ErrUnresolvable
	}

	if parts.Port != "" {
		port, err := strconv.Atoi(parts.Port)
		if err != nil || port == 0 {
			return coap.OriginEndpoint{}, ErrUnresolvable
		}
		ep.Port = port
	} else {
		ep.Port = coap.DefaultPort
	}

	return ep, nil
}
