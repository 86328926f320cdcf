// Package selector scores the available collector candidates against
// the host and picks the most specific one, per spec.md §4.6. The
// winner is used only for the report's platform/platformName fields —
// Collect() always queries every source regardless of which candidate
// wins, per spec.md §4.8.
//
// Scoring is grounded on sec-js-witr's internal/source/source.go, which
// walks process ancestry looking for marker commands/paths; generalized
// here into cumulative, capped scoring over kernel-release, os-release,
// marker-path, and credential signals.
package selector

import (
	"context"
	"os"
	"strings"

	"github.com/portracker/portracker/internal/config"
)

// Candidate is one scoreable source kind.
type Candidate struct {
	name        string
	displayName string
	score       func(ctx context.Context, cfg *config.Config) int
}

func (c Candidate) Name() string        { return c.name }
func (c Candidate) DisplayName() string { return c.displayName }
func (c Candidate) IsCompatible(ctx context.Context, cfg *config.Config) int {
	s := c.score(ctx, cfg)
	if s > 100 {
		return 100
	}
	if s < 0 {
		return 0
	}
	return s
}

// Candidates returns the built-in candidates in declaration order:
// platform, container, system. Ties break by this order.
func Candidates() []Candidate {
	return []Candidate{
		{name: "platform", displayName: "Platform", score: scorePlatform},
		{name: "container", displayName: "Container Engine", score: scoreContainer},
		{name: "system", displayName: "Generic Host", score: scoreSystem},
	}
}

func scorePlatform(ctx context.Context, cfg *config.Config) int {
	score := 0
	if cfg.PlatformAPIKey != "" {
		score += 40
	}
	if releaseContains("truenas") {
		score += 40
	}
	if fileExists("/etc/truenas-release") || fileExists("/etc/version") {
		score += 20
	}
	return score
}

func scoreContainer(ctx context.Context, cfg *config.Config) int {
	score := 0
	for _, sock := range []string{"/var/run/docker.sock", "/run/docker.sock"} {
		if fileExists(sock) {
			score += 50
			break
		}
	}
	if cfg.ContainerEndpoint != "" {
		score += 30
	}
	if kernelReleaseContains("moby") || kernelReleaseContains("docker") {
		score += 10
	}
	return score
}

func scoreSystem(ctx context.Context, cfg *config.Config) int {
	// The generic host collector is always minimally viable: if nothing
	// else scores above zero, it is what Detect falls back to.
	return 1
}

// Detect instantiates every candidate, scores it, and returns the
// highest strictly-positive scorer (ties broken by declaration order).
// If every candidate scores 0, the system candidate is returned.
func Detect(ctx context.Context, cfg *config.Config) Candidate {
	candidates := Candidates()
	best := candidates[len(candidates)-1] // system, as the ultimate fallback
	bestScore := 0
	for _, c := range candidates {
		s := c.IsCompatible(ctx, cfg)
		if s > bestScore {
			bestScore = s
			best = c
		}
	}
	return best
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func releaseContains(needle string) bool {
	for _, path := range []string{"/etc/os-release", "/etc/version"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(string(data)), needle) {
			return true
		}
	}
	return false
}

func kernelReleaseContains(needle string) bool {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(string(data)), needle)
}
