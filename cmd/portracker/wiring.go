package main

import (
	"fmt"

	"github.com/portracker/portracker/internal/cache"
	"github.com/portracker/portracker/internal/collect"
	"github.com/portracker/portracker/internal/containersource"
	"github.com/portracker/portracker/internal/platform"
	"github.com/portracker/portracker/internal/resolver"
	"github.com/portracker/portracker/internal/socket"
)

// buildCollector wires every source adapter together into a
// collect.Collector, the same dependency-injection pattern the teacher
// uses in cmd/api/main.go (construct adapters, inject into the
// consumer), generalized from a single Docker adapter to the full
// container/system/platform fan-out. The result is wrapped in
// collect.CachedCollector so cacheTimeoutMs governs how often a full
// pass actually re-runs.
func buildCollector() (*collect.CachedCollector, error) {
	c := cache.New()
	c.SetDisabled(cfg.DisableCache)

	containerAdapter, err := containersource.New(cfg, c, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize container source: %w", err)
	}

	enumerator := socket.New(cfg.ProcRoot, logger)
	procResolver := resolver.New(resolver.CandidateRoots(cfg.ProcRoot), c, logger)

	var platformClient collect.PlatformClient
	if pc, ok := platform.New(cfg, logger); ok {
		platformClient = pc
	}

	base := collect.New(cfg, containerAdapter, enumerator, procResolver, platformClient, c, logger)
	return collect.NewCached(base, cfg.CacheTimeout(), cfg.DisableCache), nil
}
