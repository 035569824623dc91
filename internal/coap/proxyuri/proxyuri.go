// Package proxyuri parses a CoAP Proxy-Uri option into the parts the
// resolver needs: scheme, an IPv6-literal host, an optional numeric zone
// id, an optional port, and the path/query to splice into the outbound
// request's Uri-Path/Uri-Query options.
//
// Only IPv6-literal authorities are accepted: hostnames and IPv4 literals
// are out of scope for this proxy.
package proxyuri

import (
	"errors"
	"strings"
)

// ErrRelative is returned when the Proxy-Uri value has no scheme, i.e. it
// is not an absolute URI.
var ErrRelative = errors.New("proxyuri: relative URI not allowed")

// ErrMalformed is returned for any other structural violation of the
// expected coap://[host%zone]:port/path?query grammar.
var ErrMalformed = errors.New("proxyuri: malformed URI")

// Parts is the decomposition of an absolute Proxy-Uri value.
type Parts struct {
	Scheme string // e.g. "coap"
	Host   string // IPv6 literal text, without brackets, e.g. "fe80::1"
	Zone   string // decimal interface id, empty if not present
	Port   string // decimal port, empty if not present
	Path   string // raw path, no leading slash, may be empty
	Query  string // raw query, no leading '?', may be empty
}

// Parse decomposes an absolute Proxy-Uri value. It returns ErrRelative if
// the value has no "scheme://" prefix, and ErrMalformed for any other
// structural violation (non-bracketed host, empty brackets, etc).
func Parse(raw string) (*Parts, error) {
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd <= 0 {
		return nil, ErrRelative
	}
	scheme := raw[:schemeEnd]
	for _, r := range scheme {
		if !isSchemeChar(r) {
			return nil, ErrRelative
		}
	}

	rest := raw[schemeEnd+3:]
	if rest == "" {
		return nil, ErrMalformed
	}

	if rest[0] != '[' {
		// Only IPv6-literal authorities are supported; anything else
		// (hostname, IPv4 literal) is rejected outright.
		return nil, ErrMalformed
	}
	closeBracket := strings.IndexByte(rest, ']')
	if closeBracket < 0 {
		return nil, ErrMalformed
	}
	hostAndZone := rest[1:closeBracket]
	host := hostAndZone
	zone := ""
	if idx := strings.IndexByte(hostAndZone, '%'); idx >= 0 {
		host = hostAndZone[:idx]
		zone = hostAndZone[idx+1:]
	}
	if host == "" {
		return nil, ErrMalformed
	}

	after := rest[closeBracket+1:]

	port := ""
	if strings.HasPrefix(after, ":") {
		after = after[1:]
		i := 0
		for i < len(after) && after[i] >= '0' && after[i] <= '9' {
			i++
		}
		if i == 0 {
			return nil, ErrMalformed
		}
		port = after[:i]
		after = after[i:]
	}

	path := ""
	query := ""
	switch {
	case after == "":
		// no path at all
	case after[0] == '/':
		path = after[1:]
		if q := strings.IndexByte(path, '?'); q >= 0 {
			query = path[q+1:]
			path = path[:q]
		}
	case after[0] == '?':
		query = after[1:]
	default:
		return nil, ErrMalformed
	}

	return &Parts{
		Scheme: scheme,
		Host:   host,
		Zone:   zone,
		Port:   port,
		Path:   path,
		Query:  query,
	}, nil
}

func isSchemeChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9') || r == '+' || r == '-' || r == '.'
}
