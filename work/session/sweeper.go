package session

import (
	"context"
	"strings"
	"time"

	"kvod-proxy/work/config"
	"kvod-proxy/work/logger"
	"kvod-proxy/work/store"
)

// Sweeper periodically reclaims sessions whose delayed cleanup timer was
// lost, typically across a worker restart. It is the backstop, not the
// primary teardown path.
type Sweeper struct {
	cfg      *config.Config
	store    store.Store
	registry *Registry
}

// NewSweeper creates a Sweeper over the registry's store.
func NewSweeper(cfg *config.Config, s store.Store, r *Registry) *Sweeper {
	return &Sweeper{cfg: cfg, store: s, registry: r}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	logger.Info("{session - Run} sweeper started (interval=%s max-age=%s)", s.cfg.SweepInterval, s.cfg.SessionMaxAge)
	for {
		select {
		case <-ctx.Done():
			logger.Info("{session - Run} sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep scans every registered session once and tears down the stale
// ones. A session is stale when no relay is in flight and last_activity
// is older than the max-age threshold.
func (s *Sweeper) Sweep(ctx context.Context) {
	var reclaimed, scanned int
	var cursor uint64
	cutoff := time.Now().Add(-s.cfg.SessionMaxAge)

	for {
		keys, next, err := s.store.Scan(ctx, cursor, connKeyPrefix+"*", 100)
		if err != nil {
			logger.Error("{session - Sweep} scan failed: %v", err)
			return
		}

		for _, key := range keys {
			scanned++
			sid := strings.TrimPrefix(key, connKeyPrefix)

			state, err := s.registry.Load(ctx, sid)
			if err != nil {
				continue
			}
			if state.ActiveStreamCount > 0 || state.LastActivity.After(cutoff) {
				continue
			}

			done, err := s.registry.Teardown(ctx, sid, "sweep")
			if err != nil {
				logger.Warn("{session - Sweep} teardown failed for %s: %v", sid, err)
				continue
			}
			if done {
				reclaimed++
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if reclaimed > 0 {
		logger.Info("{session - Sweep} reclaimed %d of %d sessions", reclaimed, scanned)
	} else {
		logger.Debug("{session - Sweep} scanned %d sessions, none stale", scanned)
	}
}
