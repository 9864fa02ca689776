// Package proxy implements the VOD stream engine: upstream fetches with
// redirect capture, content-length discovery, range-aware relaying, and
// session lifecycle coordination through the shared registry.
package proxy

import (
	"net/url"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"kvod-proxy/work/buffer"
	"kvod-proxy/work/cache"
	"kvod-proxy/work/catalog"
	"kvod-proxy/work/client"
	"kvod-proxy/work/config"
	"kvod-proxy/work/limiter"
	"kvod-proxy/work/logger"
	"kvod-proxy/work/session"
	"kvod-proxy/work/store"
)

// VODProxy is the stream engine shared by all request handlers.
type VODProxy struct {
	Config   *config.Config
	Store    store.Store
	Registry *session.Registry
	Limiter  *limiter.Limiter
	Catalog  *catalog.Catalog

	// resolver follows redirects; direct refuses them, for fetches
	// against an already resolved final URL.
	resolver *client.HeaderSettingClient
	direct   *client.HeaderSettingClient

	buffers *buffer.Pool
	probes  *cache.Cache[string, probeResult]
	workers *ants.Pool
	pacers  *xsync.MapOf[string, ratelimit.Limiter]
}

// New wires the engine together.
func New(cfg *config.Config, s store.Store, reg *session.Registry, lim *limiter.Limiter, cat *catalog.Catalog, workers *ants.Pool) *VODProxy {
	return &VODProxy{
		Config:   cfg,
		Store:    s,
		Registry: reg,
		Limiter:  lim,
		Catalog:  cat,
		resolver: client.NewHeaderSettingClient(cfg),
		direct:   client.NewDirectClient(cfg),
		buffers:  buffer.NewPool(cfg.ChunkSize),
		probes:   cache.New[string, probeResult](4096, cfg.ProbeCacheTTL),
		workers:  workers,
		pacers:   xsync.NewMapOf[string, ratelimit.Limiter](),
	}
}

// pace blocks until the per-provider request budget allows another
// upstream connection to the given URL's host.
func (p *VODProxy) pace(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return
	}
	rl, _ := p.pacers.LoadOrCompute(u.Host, func() ratelimit.Limiter {
		return ratelimit.New(p.Config.ProviderRequestsPerSec)
	})
	rl.Take()
}

// submit runs fn on the background pool, falling back to a goroutine if
// the pool is saturated so store updates are never silently dropped.
func (p *VODProxy) submit(fn func()) {
	if p.workers == nil {
		go fn()
		return
	}
	if err := p.workers.Submit(fn); err != nil {
		logger.Debug("{proxy - submit} pool rejected task, running inline: %v", err)
		go fn()
	}
}
