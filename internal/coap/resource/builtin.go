package resource

import (
	"fmt"

	"github.com/haw-fu/coap-forward-proxy/internal/coap"
)

// Health returns a resource answering GET /health with a bare 2.05
// Content "OK" payload, so the engine's resource-dispatch path (as
// opposed to its forward-proxy catch-all) is exercised by something a
// load balancer or operator can poll directly.
func Health() Resource {
	return Resource{
		Path:    "/health",
		Matcher: MatchPath(coap.GET, "health"),
		Handler: func(req *coap.Message, _ coap.ClientAddr) *coap.Message {
			return &coap.Message{
				Type:      ackType(req),
				Code:      coap.CodeContent,
				MessageID: req.MessageID,
				Token:     append([]byte(nil), req.Token...),
				Payload:   []byte("OK"),
			}
		},
	}
}

// WellKnownCore answers GET /.well-known/core with a minimal
// application/link-format listing of every other registered resource,
// per RFC 6690. reg is consulted lazily at request time, after the
// caller has finished registering every other resource.
func WellKnownCore(reg *Registry) Resource {
	return Resource{
		Path:    "/.well-known/core",
		Matcher: func(req *coap.Message) bool { return req.Code == coap.GET && uriPath(req) == ".well-known/core" },
		Handler: func(req *coap.Message, _ coap.ClientAddr) *coap.Message {
			body := ""
			for _, res := range reg.All() {
				if res.Path == "/.well-known/core" {
					continue
				}
				if body != "" {
					body += ","
				}
				body += fmt.Sprintf("<%s>", res.Path)
			}
			resp := &coap.Message{
				Type:      ackType(req),
				Code:      coap.CodeContent,
				MessageID: req.MessageID,
				Token:     append([]byte(nil), req.Token...),
				Payload:   []byte(body),
			}
			resp.AddOptionUint(coap.ContentFormat, 40) // application/link-format
			return resp
		},
	}
}

func ackType(req *coap.Message) coap.Type {
	if req.Type == coap.Confirmable {
		return coap.Acknowledgement
	}
	return coap.NonConfirmable
}
