// Package app wires the leaf packages (engine, transport, netif, cache,
// proxy) into a running proxy: one construction step, one Run loop, clean
// shutdown on context cancellation.
package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/haw-fu/coap-forward-proxy/internal/clock"
	"github.com/haw-fu/coap-forward-proxy/internal/coap"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/engine"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/resource"
	"github.com/haw-fu/coap-forward-proxy/internal/coap/transport"
	"github.com/haw-fu/coap-forward-proxy/internal/config"
	"github.com/haw-fu/coap-forward-proxy/internal/logging"
	"github.com/haw-fu/coap-forward-proxy/internal/metrics"
	"github.com/haw-fu/coap-forward-proxy/internal/netif"
	"github.com/haw-fu/coap-forward-proxy/internal/proxy"
	"github.com/haw-fu/coap-forward-proxy/internal/proxy/cache"
)

// App is the assembled proxy: socket, engine, resource registry, and the
// Forward-Proxy Orchestrator, ready to be driven by Run.
type App struct {
	cfg    config.Config
	log    *zap.Logger
	conn   transport.Conn
	eng    *engine.Engine
	reg    *resource.Registry
	orch   *proxy.Orchestrator
}

// New constructs an App from cfg and binds its UDP socket, but starts no
// goroutines; Run does that.
func New(cfg config.Config, registerer prometheus.Registerer) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	root, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return nil, err
	}

	conn, err := transport.Listen(cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("app: binding %s: %w", cfg.ListenAddr, err)
	}

	eng := engine.New(conn, logging.Named(root, "engine"), cfg.PDUBufSize, 0, 0)

	var netifs netif.Registry = netif.System{}
	if len(cfg.Interfaces) > 0 {
		netifs = netif.Static{IDs: cfg.Interfaces}
	}

	var ci *proxy.CacheInterface
	if cfg.CacheModuleEnabled {
		store, err := cache.NewLRUStore(cfg.CacheMaxEntries)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("app: constructing cache: %w", err)
		}
		ci = &proxy.CacheInterface{
			Store:         store,
			Clock:         clock.System{},
			DefaultMaxAge: cfg.CacheDefaultMaxAge,
		}
	}

	var collector proxy.Metrics
	if registerer != nil {
		collector = metrics.NewCollector(registerer)
	}

	orch := proxy.NewOrchestrator(eng, netifs, ci, cfg.OrchestratorConfig(), logging.Named(root, "forwardproxy"), collector)

	reg := resource.NewRegistry()
	reg.Register(resource.Health())
	reg.Register(resource.WellKnownCore(reg))
	reg.Register(resource.Resource{
		Path:    "*",
		Matcher: proxy.Matches,
		Handler: orch.HandleRequest,
	})

	return &App{cfg: cfg, log: root, conn: conn, eng: eng, reg: reg, orch: orch}, nil
}

// Run drives the engine's socket read loop and dispatches every inbound
// request/response event until ctx is cancelled, then closes the socket.
// Every call into the Registry or the Orchestrator happens from this one
// goroutine, which is the only synchronization the rest of the proxy
// relies on.
func (a *App) Run(ctx context.Context) error {
	defer a.conn.Close()

	go a.eng.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-a.eng.Events():
			if !ok {
				return nil
			}
			a.dispatch(ev)
		}
	}
}

func (a *App) dispatch(ev engine.Event) {
	switch ev.Kind {
	case engine.EventRequest:
		res, ok := a.reg.Dispatch(ev.Request)
		if !ok {
			a.replyNotFound(ev.Request, ev.From)
			return
		}
		if resp := res.Handler(ev.Request, ev.From); resp != nil {
			if err := a.eng.Reply(resp, ev.From); err != nil {
				a.log.Warn("reply failed", zap.Error(err))
			}
		}
	case engine.EventResponse:
		a.orch.HandleResponse(ev)
	}
}

func (a *App) replyNotFound(req *coap.Message, from coap.ClientAddr) {
	t := coap.NonConfirmable
	if req.Type == coap.Confirmable {
		t = coap.Acknowledgement
	}
	resp := &coap.Message{
		Type:      t,
		Code:      coap.NewCode(4, 4),
		MessageID: req.MessageID,
		Token:     append([]byte(nil), req.Token...),
	}
	if err := a.eng.Reply(resp, from); err != nil {
		a.log.Warn("reply failed", zap.Error(err))
	}
}
