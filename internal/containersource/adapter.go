// Package containersource implements ports.ContainerSource against a
// Docker-compatible engine, extending the teacher's
// internal/adapters/docker/adapter.go with inspect/stats/top/health and
// the TTL-cached reads spec.md §4.3 requires.
package containersource

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-connections/tlsconfig"

	"github.com/portracker/portracker/internal/cache"
	"github.com/portracker/portracker/internal/config"
	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/logging"
)

// TTLs for each read, per spec.md §4.3.
const (
	listTTL    = 4 * time.Second
	inspectTTL = 5 * time.Second
	statsTTL   = 1500 * time.Millisecond
)

// DeploymentPattern describes how the adapter reached the engine, for
// diagnostics, per spec.md §4.3.
type DeploymentPattern string

const (
	PatternSocket DeploymentPattern = "socket"
	PatternNpipe  DeploymentPattern = "npipe"
	PatternProxy  DeploymentPattern = "proxy"
)

// Adapter implements ports.ContainerSource using the Docker engine SDK.
type Adapter struct {
	cli     *client.Client
	cache   *cache.Cache
	logger  *logging.Logger
	pattern DeploymentPattern
}

// New connects to the configured (or OS-default) Docker engine endpoint.
// On TLS material load failure it downgrades to a plaintext connection
// and logs a warning rather than failing, per spec.md §4.3.
func New(cfg *config.Config, c *cache.Cache, logger *logging.Logger) (*Adapter, error) {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.With("containersource")

	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	pattern := PatternSocket

	switch {
	case cfg.ContainerEndpoint == "":
		opts = append(opts, client.FromEnv)
	case strings.HasPrefix(cfg.ContainerEndpoint, "npipe://"):
		pattern = PatternNpipe
		opts = append(opts, client.WithHost(cfg.ContainerEndpoint))
	case strings.HasPrefix(cfg.ContainerEndpoint, "tcp://"):
		pattern = PatternProxy
		opts = append(opts, client.WithHost(cfg.ContainerEndpoint))
		if cfg.TLSVerify {
			if httpClient, err := tlsHTTPClient(cfg.CertPath); err == nil {
				opts = append(opts, client.WithHTTPClient(httpClient))
			} else {
				logger.Warn("TLS material unusable, falling back to plaintext: %v", err)
			}
		}
	default:
		opts = append(opts, client.WithHost(cfg.ContainerEndpoint))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	return &Adapter{cli: cli, cache: c, logger: logger, pattern: pattern}, nil
}

// Pattern reports how this adapter reached the engine.
func (a *Adapter) Pattern() DeploymentPattern { return a.pattern }

func tlsHTTPClient(certPath string) (*http.Client, error) {
	opts := tlsconfig.Options{
		CAFile:   certPath + "/ca.pem",
		CertFile: certPath + "/cert.pem",
		KeyFile:  certPath + "/key.pem",
	}
	tlsCfg, err := tlsconfig.Client(opts)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsCfg},
	}, nil
}

// ListContainers returns every container (or only running ones), cached
// for listTTL.
func (a *Adapter) ListContainers(ctx context.Context, all bool) ([]domain.Container, error) {
	key := fmt.Sprintf("containers:list:%v", all)
	fetch := func() ([]domain.Container, error) {
		raw, err := a.cli.ContainerList(ctx, types.ContainerListOptions{All: all})
		if err != nil {
			return nil, fmt.Errorf("list containers: %w", err)
		}
		out := make([]domain.Container, 0, len(raw))
		for _, c := range raw {
			out = append(out, summaryToDomain(c))
		}
		return out, nil
	}
	if a.cache == nil {
		return fetch()
	}
	return cache.GetOrSetTyped(a.cache, key, listTTL, fetch)
}

func summaryToDomain(c types.Container) domain.Container {
	names := make([]string, 0, len(c.Names))
	for _, n := range c.Names {
		names = append(names, strings.TrimPrefix(n, "/"))
	}
	return domain.Container{
		ID:      c.ID,
		Names:   names,
		Image:   c.Image,
		Command: c.Command,
		Created: time.Unix(c.Created, 0).UTC().Format(time.RFC3339),
		State:   c.State,
	}
}

// InspectContainer returns full container metadata including port
// bindings. withSize is honored only as a cache-bypass signal: the
// engine's inspect endpoint in this SDK generation has no size
// parameter, so the extra cost noted in spec.md §4.3 is simply "always
// re-fetch", not "fetch more".
func (a *Adapter) InspectContainer(ctx context.Context, id string, withSize bool) (domain.Container, error) {
	fetch := func() (domain.Container, error) {
		raw, err := a.cli.ContainerInspect(ctx, id)
		if err != nil {
			return domain.Container{}, fmt.Errorf("inspect container %s: %w", id, err)
		}
		return inspectToDomain(raw), nil
	}
	if a.cache == nil || withSize {
		return fetch()
	}
	return cache.GetOrSetTyped(a.cache, "containers:inspect:"+id, inspectTTL, fetch)
}

func inspectToDomain(raw types.ContainerJSON) domain.Container {
	c := domain.Container{
		ID:           raw.ID,
		Image:        raw.Config.Image,
		PortBindings: map[string][]domain.PortBinding{},
		ExposedPorts: map[string]struct{}{},
	}
	if len(raw.Name) > 0 {
		c.Names = []string{strings.TrimPrefix(raw.Name, "/")}
	}
	if created, err := time.Parse(time.RFC3339Nano, raw.Created); err == nil {
		c.Created = created.UTC().Format(time.RFC3339)
	} else {
		c.Created = raw.Created
	}
	if raw.State != nil {
		c.State = raw.State.Status
		c.PID = raw.State.Pid
	}
	if raw.HostConfig != nil {
		c.NetworkMode = string(raw.HostConfig.NetworkMode)
		for port, bindings := range raw.HostConfig.PortBindings {
			c.PortBindings[string(port)] = natBindingsToDomain(bindings)
		}
	}
	if raw.Config != nil {
		for port := range raw.Config.ExposedPorts {
			c.ExposedPorts[string(port)] = struct{}{}
		}
	}
	return c
}

func natBindingsToDomain(bindings []nat.PortBinding) []domain.PortBinding {
	out := make([]domain.PortBinding, 0, len(bindings))
	for _, b := range bindings {
		hostIP := b.HostIP
		if hostIP == "" {
			hostIP = "0.0.0.0"
		}
		port, err := strconv.Atoi(b.HostPort)
		if err != nil {
			continue
		}
		out = append(out, domain.PortBinding{HostIP: hostIP, HostPort: port})
	}
	return out
}

// ContainerHealth returns the engine-reported health status, if the
// container defines a healthcheck.
func (a *Adapter) ContainerHealth(ctx context.Context, id string) (string, error) {
	raw, err := a.cli.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect for health %s: %w", id, err)
	}
	if raw.State == nil || raw.State.Health == nil {
		return "", nil
	}
	return raw.State.Health.Status, nil
}

// ContainerProcesses returns the host-visible pids of a container, used
// to build the host-networked-container pid map (spec.md §4.7).
func (a *Adapter) ContainerProcesses(ctx context.Context, id string) ([]int, error) {
	top, err := a.cli.ContainerTop(ctx, id, []string{})
	if err != nil {
		return nil, fmt.Errorf("container top %s: %w", id, err)
	}
	pidCol := -1
	for i, title := range top.Titles {
		if strings.EqualFold(title, "PID") {
			pidCol = i
			break
		}
	}
	if pidCol == -1 {
		return nil, fmt.Errorf("container top %s: no PID column", id)
	}
	pids := make([]int, 0, len(top.Processes))
	for _, row := range top.Processes {
		if pidCol >= len(row) {
			continue
		}
		if pid, err := strconv.Atoi(row[pidCol]); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

// ContainerStats computes CPU%/memory% from one non-streaming stats
// snapshot's current and previous samples, per spec.md §4.3.
func (a *Adapter) ContainerStats(ctx context.Context, id string) (domain.Stats, error) {
	fetch := func() (domain.Stats, error) {
		resp, err := a.cli.ContainerStats(ctx, id, false)
		if err != nil {
			return domain.Stats{}, fmt.Errorf("stats %s: %w", id, err)
		}
		defer resp.Body.Close()

		var raw types.StatsJSON
		if err := decodeJSON(resp.Body, &raw); err != nil {
			return domain.Stats{}, fmt.Errorf("decode stats %s: %w", id, err)
		}
		return statsFromJSON(raw), nil
	}
	if a.cache == nil {
		return fetch()
	}
	return cache.GetOrSetTyped(a.cache, "containers:stats:"+id, statsTTL, fetch)
}

func statsFromJSON(raw types.StatsJSON) domain.Stats {
	var out domain.Stats
	out.MemoryUsage = raw.MemoryStats.Usage
	out.MemoryLimit = raw.MemoryStats.Limit
	if raw.MemoryStats.Limit > 0 {
		pct := float64(raw.MemoryStats.Usage) / float64(raw.MemoryStats.Limit) * 100
		out.MemoryPercent = &pct
	}

	cpuDelta := float64(raw.CPUStats.CPUUsage.TotalUsage) - float64(raw.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(raw.CPUStats.SystemUsage) - float64(raw.PreCPUStats.SystemUsage)
	onlineCPUs := float64(raw.CPUStats.OnlineCPUs)
	if onlineCPUs == 0 {
		onlineCPUs = float64(len(raw.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && systemDelta > 0 && onlineCPUs > 0 {
		pct := (cpuDelta / systemDelta) * onlineCPUs * 100
		out.CPUPercent = &pct
	}
	return out
}

// Ping checks connectivity to the engine.
func (a *Adapter) Ping(ctx context.Context) error {
	_, err := a.cli.Ping(ctx)
	return err
}

// Close releases the underlying connection pool.
func (a *Adapter) Close() error {
	return a.cli.Close()
}

func decodeJSON(r io.Reader, v any) error {
	return json.NewDecoder(r).Decode(v)
}
