// Package collect orchestrates one end-to-end Collect() invocation: it
// fans out to the container, system, and optional platform sources
// concurrently, builds the pid-to-container attribution maps, and hands
// everything to the reconciler. Grounded on the teacher's
// cmd/api/main.go wiring, generalized from one-shot HTTP routing into a
// repeatable collection pass, and on netpulse's daemon.go for context
// lifecycle and bounded concurrency idioms (its Scheduler/worker-pool
// pattern, not its storage/PID-file concerns, which belong to
// cmd/portracker instead).
package collect

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/portracker/portracker/internal/cache"
	"github.com/portracker/portracker/internal/config"
	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/core/ports"
	"github.com/portracker/portracker/internal/logging"
	"github.com/portracker/portracker/internal/reconcile"
	"github.com/portracker/portracker/internal/selector"
)

// classify wraps a raw source error into a domain.CollectError, giving
// the log line and any downstream errors.As consumer a recovery
// classification per spec.md §7, instead of a bare error string.
func classify(source string, err error) *domain.CollectError {
	if err == nil {
		return nil
	}
	kind := domain.SourceUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		kind = domain.Timeout
	}
	return domain.NewCollectError(kind, source, err)
}

// hostProcContainerTTL is how long the host-networked-container pid map
// is cached, per spec.md §4.7.
const hostProcContainerTTL = 120 * time.Second

// PlatformClient is satisfied by *platform.Client; declared locally so
// collect does not need to import platform directly and can be tested
// against a fake.
type PlatformClient interface {
	CollectPlatform(ctx context.Context) (*domain.PlatformResult, error)
}

// Collector wires every source together to produce one domain.Report
// per Collect() call, per spec.md §4.8.
type Collector struct {
	cfg        *config.Config
	containers ports.ContainerSource
	enumerator ports.SocketEnumerator
	resolver   ports.ProcessResolver
	platform   PlatformClient // nil when no platform credential is configured
	cache      *cache.Cache
	logger     *logging.Logger
	inspectSem int
}

// New builds a Collector. platform may be nil.
func New(cfg *config.Config, containers ports.ContainerSource, enumerator ports.SocketEnumerator, resolver ports.ProcessResolver, platform PlatformClient, c *cache.Cache, logger *logging.Logger) *Collector {
	concurrency := cfg.InspectConcurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	if concurrency > 16 {
		concurrency = 16
	}
	return &Collector{
		cfg:        cfg,
		containers: containers,
		enumerator: enumerator,
		resolver:   resolver,
		platform:   platform,
		cache:      c,
		logger:     logger.With("collect"),
		inspectSem: concurrency,
	}
}

// platformOutcome carries the platform phase's result across its own
// goroutine, independent of the rest of Collect()'s deadline.
type platformOutcome struct {
	result *domain.PlatformResult
	err    error
}

// Collect runs one full collection+reconciliation pass, per spec.md
// §4.8 steps 1-6. It never returns an error for partial source
// failures — those degrade into an empty slice for that source plus a
// log line. Collect returns an error in two cases: the parent context
// is already canceled on entry (nil report), or both the container and
// system phases failed and no port record was produced (a Fatal
// *domain.CollectError alongside the non-nil, empty report).
func (c *Collector) Collect(ctx context.Context) (*domain.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	platformDone := c.startPlatformPhase(ctx)

	var containers []domain.Container
	var listeners []domain.Listener
	var systemInfo domain.SystemInfo
	var dockerPorts []domain.PortRecord
	var pidToContainer map[int]reconcile.ContainerOwner
	var hostProcToContainer map[int]reconcile.ContainerOwner
	var containerCreations map[string]string
	var processStartTimes map[int]string
	var containersFailed, socketsFailed bool

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		cs, err := c.containers.ListContainers(gctx, true)
		if err != nil {
			c.logger.Warn("%v", classify("containers", err))
			containersFailed = true
			return nil
		}
		cs = c.inspectContainers(gctx, cs)
		containers = cs

		dockerPorts = portsFromContainers(cs)
		pidToContainer, hostProcToContainer = c.buildPidMaps(gctx, cs)
		containerCreations = creationsByID(cs)
		return nil
	})

	g.Go(func() error {
		systemInfo = c.enumerator.SystemInfo()

		l, err := c.enumerator.EnumerateListeners(gctx, c.cfg.IncludeUDP)
		if err != nil {
			c.logger.Warn("%v", classify("sockets", err))
			socketsFailed = true
			return nil
		}
		resolved, err := c.resolver.ResolveOwners(gctx, l)
		if err != nil {
			c.logger.Warn("%v", domain.NewCollectError(domain.PartialAttribution, "resolver", err))
			resolved = l
		}
		listeners = resolved
		processStartTimes = c.resolver.StartTimes(listenerPids(resolved))
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := reconcile.Reconcile(reconcile.Input{
		DockerPorts:         dockerPorts,
		SystemPorts:         listeners,
		PidToContainer:      pidToContainer,
		HostProcToContainer: hostProcToContainer,
		ContainerCreations:  containerCreations,
		ProcessStartTimes:   processStartTimes,
		SelfPort:            c.cfg.ListenPort,
		SelfContainerName:   c.cfg.SelfContainerName,
		Containers:          containers,
		IncludeSystemUDP:    c.cfg.IncludeSystemUDP,
	})

	report := &domain.Report{
		Platform:     detectPlatformKind(ctx, c.cfg),
		PlatformName: "",
		SystemInfo:   systemInfo,
		Ports:        result,
	}

	c.awaitPlatformPhase(platformDone, report)

	if containersFailed && socketsFailed && len(result) == 0 {
		err := domain.NewCollectError(domain.Fatal, "collect", fmt.Errorf("no source produced a port record"))
		return report, err
	}

	return report, nil
}

// listenerPids collects the distinct non-zero pids a resolved listener
// set carries, for the process-start-time lookup that follows
// resolution.
func listenerPids(listeners []domain.Listener) []int {
	seen := make(map[int]bool, len(listeners))
	var out []int
	for _, l := range listeners {
		if l.PID == 0 || seen[l.PID] {
			continue
		}
		seen[l.PID] = true
		out = append(out, l.PID)
	}
	return out
}

func detectPlatformKind(ctx context.Context, cfg *config.Config) string {
	return selector.Detect(ctx, cfg).Name()
}

// startPlatformPhase launches the platform RPC call, if configured, on
// its own fire-and-forget goroutine with its own 15s deadline,
// independent of the rest of Collect()'s lifetime per spec.md §4.4/§4.8
// step 1/5.
func (c *Collector) startPlatformPhase(ctx context.Context) <-chan platformOutcome {
	ch := make(chan platformOutcome, 1)
	if c.platform == nil {
		close(ch)
		return ch
	}
	go func() {
		result, err := c.platform.CollectPlatform(ctx)
		ch <- platformOutcome{result: result, err: err}
		close(ch)
	}()
	return ch
}

// awaitPlatformPhase waits briefly for the platform phase to land and
// merges it into report; on timeout or failure it leaves
// enhancedFeaturesEnabled false, per spec.md §4.4/S6.
func (c *Collector) awaitPlatformPhase(ch <-chan platformOutcome, report *domain.Report) {
	select {
	case outcome, ok := <-ch:
		if !ok {
			return
		}
		if outcome.err != nil {
			c.logger.Warn("%v", outcome.err)
			report.Error = outcome.err.Error()
			return
		}
		report.EnhancedFeaturesEnabled = true
		report.Applications = outcome.result.Apps
		report.VMs = outcome.result.VMs
		report.Ports = reconcile.MergePlatformApps(report.Ports, outcome.result.Apps)
		if outcome.result.SystemInfo != nil {
			if name, ok := outcome.result.SystemInfo["hostname"].(string); ok {
				report.PlatformName = name
			}
		}
	case <-time.After(200 * time.Millisecond):
		// The platform phase carries its own 15s deadline; Collect()
		// does not block the rest of the report waiting on it.
	}
}

// portsFromContainers extracts every PortRecord implied by each
// container's declared bindings/exposed ports, per spec.md §4.3.
func portsFromContainers(containers []domain.Container) []domain.PortRecord {
	var out []domain.PortRecord
	for _, ctr := range containers {
		id := ctr.ShortID()
		owner := ctr.DisplayName()
		created := ctr.Created

		bound := map[string]bool{}
		for spec, bindings := range ctr.PortBindings {
			proto := protocolFromSpec(spec)
			for _, b := range bindings {
				out = append(out, domain.PortRecord{
					Source:      domain.SourceContainer,
					Protocol:    proto,
					HostIP:      b.HostIP,
					HostPort:    b.HostPort,
					Owner:       owner,
					ContainerID: id,
					AppID:       id,
					Created:     created,
				})
				bound[spec] = true
			}
		}

		for spec := range ctr.ExposedPorts {
			if bound[spec] {
				continue
			}
			proto := protocolFromSpec(spec)
			containerPort := containerPortFromSpec(spec)
			target := fmt.Sprintf("%s:%d(internal)", id, containerPort)
			out = append(out, domain.PortRecord{
				Source:      domain.SourceContainer,
				Protocol:    proto,
				HostPort:    containerPort,
				Target:      &target,
				Owner:       owner,
				ContainerID: id,
				AppID:       id,
				Created:     created,
				Internal:    true,
			})
		}
	}
	return out
}

func protocolFromSpec(spec string) domain.Protocol {
	for i := len(spec) - 1; i >= 0; i-- {
		if spec[i] == '/' {
			if spec[i+1:] == "udp" {
				return domain.UDP
			}
			return domain.TCP
		}
	}
	return domain.TCP
}

func containerPortFromSpec(spec string) int {
	port := 0
	for _, r := range spec {
		if r < '0' || r > '9' {
			break
		}
		port = port*10 + int(r-'0')
	}
	return port
}

func creationsByID(containers []domain.Container) map[string]string {
	out := make(map[string]string, len(containers))
	for _, c := range containers {
		out[c.ShortID()] = c.Created
	}
	return out
}

// buildPidMaps builds the two pid-attribution maps spec.md §4.7 needs:
// a direct container-PID-1 map (always fresh) and a host-networked
// pid map (cached 120s, since it requires scanning every
// host-networked container's process list).
func (c *Collector) buildPidMaps(ctx context.Context, containers []domain.Container) (map[int]reconcile.ContainerOwner, map[int]reconcile.ContainerOwner) {
	direct := make(map[int]reconcile.ContainerOwner)
	var hostNetworked []domain.Container

	for _, ctr := range containers {
		owner := reconcile.ContainerOwner{ID: ctr.ShortID(), Name: ctr.DisplayName()}
		if ctr.PID != 0 {
			direct[ctr.PID] = owner
		}
		if ctr.NetworkMode == "host" {
			hostNetworked = append(hostNetworked, ctr)
		}
	}

	if len(hostNetworked) == 0 {
		return direct, map[int]reconcile.ContainerOwner{}
	}

	cached, err := cache.GetOrSetTyped(c.cache, "collect:hostproc", hostProcContainerTTL, func() (map[int]reconcile.ContainerOwner, error) {
		return c.scanHostNetworkedPids(ctx, hostNetworked), nil
	})
	if err != nil {
		c.logger.Warn("%v", classify("hostproc", err))
		return direct, map[int]reconcile.ContainerOwner{}
	}
	return direct, cached
}

// inspectContainers resolves each list-derived summary into its full
// inspect view, per spec.md §4.3: ListContainers never carries
// PortBindings, ExposedPorts, NetworkMode, or PID, only InspectContainer
// does. Bounded by inspectSem, same concurrency pattern as
// scanHostNetworkedPids. A container whose inspect call fails keeps its
// list-derived summary rather than being dropped, so one bad container
// degrades only its own entry.
func (c *Collector) inspectContainers(ctx context.Context, summaries []domain.Container) []domain.Container {
	out := make([]domain.Container, len(summaries))
	sem := make(chan struct{}, c.inspectSem)
	var wg sync.WaitGroup
	wg.Add(len(summaries))
	for i, s := range summaries {
		i, s := i, s
		out[i] = s
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			full, err := c.containers.InspectContainer(ctx, s.ID, false)
			if err != nil {
				c.logger.Warn("%v", domain.NewCollectError(domain.PerItemFailure, "containers:"+s.ShortID(), err))
				return
			}
			out[i] = full
		}()
	}
	wg.Wait()
	return out
}

func (c *Collector) scanHostNetworkedPids(ctx context.Context, hostNetworked []domain.Container) map[int]reconcile.ContainerOwner {
	out := make(map[int]reconcile.ContainerOwner)
	sem := make(chan struct{}, c.inspectSem)
	results := make(chan struct {
		owner reconcile.ContainerOwner
		pids  []int
	}, len(hostNetworked))

	for _, ctr := range hostNetworked {
		ctr := ctr
		sem <- struct{}{}
		go func() {
			defer func() { <-sem }()
			pids, err := c.containers.ContainerProcesses(ctx, ctr.ID)
			if err != nil {
				c.logger.Warn("%v", domain.NewCollectError(domain.PerItemFailure, "containers:"+ctr.ShortID(), err))
				pids = nil
			}
			results <- struct {
				owner reconcile.ContainerOwner
				pids  []int
			}{reconcile.ContainerOwner{ID: ctr.ShortID(), Name: ctr.DisplayName()}, pids}
		}()
	}

	for i := 0; i < len(hostNetworked); i++ {
		r := <-results
		for _, pid := range r.pids {
			out[pid] = r.owner
		}
	}
	return out
}
