// Package ports declares the interfaces the reconciler and orchestrator
// consume, so each concrete source can be swapped or faked in tests
// without the core depending on its implementation.
package ports

import (
	"context"
	"time"

	"github.com/portracker/portracker/internal/core/domain"
)

// SocketEnumerator reads the kernel's listening-socket tables.
type SocketEnumerator interface {
	EnumerateListeners(ctx context.Context, includeUDP bool) ([]domain.Listener, error)
	SystemInfo() domain.SystemInfo
}

// ProcessResolver enriches listeners with pid/owner via the inode map.
type ProcessResolver interface {
	ResolveOwners(ctx context.Context, listeners []domain.Listener) ([]domain.Listener, error)
	StartTimes(pids []int) map[int]string
}

// ContainerSource talks to a container engine.
type ContainerSource interface {
	ListContainers(ctx context.Context, all bool) ([]domain.Container, error)
	InspectContainer(ctx context.Context, id string, withSize bool) (domain.Container, error)
	ContainerHealth(ctx context.Context, id string) (string, error)
	ContainerProcesses(ctx context.Context, id string) ([]int, error)
	ContainerStats(ctx context.Context, id string) (domain.Stats, error)
}

// PlatformSource queries an optional platform control plane.
type PlatformSource interface {
	CollectPlatform(ctx context.Context) (*domain.PlatformResult, error)
}

// Cache is the shared TTL cache contract used by every upstream source.
// *cache.Cache satisfies it; declared here so ports/adapters can depend
// on the contract without importing the concrete package.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
	Delete(key string)
	Clear()
}
