package proxy

import (
	"strings"

	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/proxyuri"
	"github.com/haw-fu/coap-forward-proxy/internal/proxy/cache"
)

// Rewrite builds the outbound request from the inbound one, copying
// options in ascending option-number order while injecting
// Uri-Path/Uri-Query, stripping Proxy-Uri, and replacing the client's ETag
// with the cache's ETag during revalidation.
//
// slot.Validating is set to true as a side effect if the inbound request
// carried its own ETag — this must happen whether or not a cache entry is
// available, so that any 2.03 Valid the origin returns later is forwarded
// unchanged.
func Rewrite(inbound *coap.Message, parts *proxyuri.Parts, entry *cache.Entry, slot *ClientEndpoint) *coap.Message {
	out := &coap.Message{
		Type:      inbound.Type,
		Code:      inbound.Code,
		MessageID: inbound.MessageID,
		Token:     append([]byte(nil), inbound.Token...),
	}

	uriPathAdded := false
	etagAdded := false

	addURIPath := func() {
		if parts.Path != "" {
			for _, seg := range strings.Split(parts.Path, "/") {
				out.AddOption(coap.URIPath, []byte(seg))
			}
		}
		if parts.Query != "" {
			for _, seg := range strings.Split(parts.Query, "&") {
				out.AddOption(coap.URIQuery, []byte(seg))
			}
		}
		uriPathAdded = true
	}

	addCacheETag := func() {
		if entry != nil {
			if etag, ok := entry.Response.GetOption(coap.ETag); ok {
				out.AddOption(coap.ETag, etag)
			}
		}
		etagAdded = true
	}

	for _, opt := range inbound.Options {
		if !etagAdded && opt.Number >= coap.ETag {
			addCacheETag()
		}
		if opt.Number == coap.ETag {
			// The client is validating its own cached copy; absorb its
			// ETag into the validating flag instead of forwarding it,
			// so a 2.03 Valid response isn't mistakenly cached as-is.
			slot.Validating = true
			continue
		}
		if !uriPathAdded && opt.Number > coap.URIPath {
			addURIPath()
		}
		if opt.Number == coap.ProxyURI {
			continue
		}
		out.AddOption(opt.Number, opt.Value)
	}

	// Proxy-Uri (35) is always >= ETag (4) and > Uri-Path (11), so in
	// practice both latches fire during the loop above. These are kept as
	// a defensive fallback for a request that, unusually, carries no
	// options past Uri-Path at all.
	if !etagAdded {
		addCacheETag()
	}
	if !uriPathAdded {
		addURIPath()
	}

	out.Payload = append([]byte(nil), inbound.Payload...)

	return out
}
