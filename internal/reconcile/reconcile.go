// Package reconcile implements the central merge engine: it takes the
// independently-collected container, system, and platform views and
// produces the single canonical port list described in spec.md §4.7.
package reconcile

import (
	"fmt"
	"sort"
	"strings"

	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/socket"
)

// KnownUDPPorts mirrors socket.KnownUDPPorts: spec.md's open question #3
// resolves the enumerator/reconciler list divergence by sharing one
// registry.
var KnownUDPPorts = socket.KnownUDPPorts

// knownServicePorts is the known-service registry used for step 4's
// fuzzy container match (WireGuard, OpenVPN, etc.), keyed by port to a
// set of name/image substrings to prefer.
var knownServicePorts = map[int][]string{
	51820: {"wg-easy", "wireguard"},
	51821: {"wg-easy", "wireguard"},
	51822: {"wg-easy", "wireguard"},
	1194:  {"openvpn"},
	1198:  {"openvpn"},
}

// ContainerOwner pairs a container id with its display name, for the
// pid maps fed into Reconcile.
type ContainerOwner struct {
	ID   string
	Name string
}

// Input bundles every argument Reconcile needs, per the spec.md §4.7
// contract signature.
type Input struct {
	DockerPorts         []domain.PortRecord
	SystemPorts         []domain.Listener
	PidToContainer      map[int]ContainerOwner // container's PID-1 -> owner
	HostProcToContainer map[int]ContainerOwner // any pid of a host-networked container -> owner
	ContainerCreations  map[string]string      // container id -> RFC3339 creation time
	ProcessStartTimes   map[int]string         // pid -> RFC3339 start time
	SelfPort            int
	SelfContainerName   string
	Containers          []domain.Container // full container list, for self/fuzzy attribution
	IncludeSystemUDP    bool
}

// Reconcile merges the four source views into the canonical port list.
func Reconcile(in Input) []domain.PortRecord {
	records := map[string]domain.PortRecord{}

	seedContainerPorts(records, in.DockerPorts)
	mergeSystemPorts(records, in)
	selfAttribute(records, in)
	knownServiceEnrich(records, in.Containers)

	out := filterProtocols(records, in.IncludeSystemUDP)
	normalize(out)
	out = dropBroadcast(out)
	sortRecords(out)
	return out
}

// dedupKey computes the key from spec.md §4.7 step 1/2: internal ports
// key on (container_id, host_port, "internal"); published ports key on
// (host_ip, host_port).
func dedupKey(internal bool, containerID, hostIP string, hostPort int) string {
	if internal {
		return fmt.Sprintf("%s:%d:internal", containerID, hostPort)
	}
	return fmt.Sprintf("%s:%d", hostIP, hostPort)
}

// seedContainerPorts is step 1.
func seedContainerPorts(records map[string]domain.PortRecord, dockerPorts []domain.PortRecord) {
	for _, p := range dockerPorts {
		key := dedupKey(p.Internal, p.ContainerID, p.HostIP, p.HostPort)
		if _, exists := records[key]; exists {
			continue // first wins
		}
		records[key] = p
	}
}

// mergeSystemPorts is step 2.
func mergeSystemPorts(records map[string]domain.PortRecord, in Input) {
	for _, l := range in.SystemPorts {
		key := dedupKey(false, "", l.HostIP, l.HostPort)

		if existing, exists := records[key]; exists {
			if existing.PID == nil && l.PID != 0 {
				pid := l.PID
				existing.PID = &pid
			}
			records[key] = existing
			continue
		}

		rec := domain.PortRecord{
			Source:   domain.SourceSystem,
			Protocol: l.Protocol,
			HostIP:   l.HostIP,
			HostPort: l.HostPort,
			Owner:    l.Owner,
		}
		if l.PID != 0 {
			pid := l.PID
			rec.PID = &pid
		}

		if owner, ok := in.PidToContainer[l.PID]; ok && l.PID != 0 {
			promote(&rec, l.HostPort, owner)
		} else if owner, ok := in.HostProcToContainer[l.PID]; ok && l.PID != 0 {
			promote(&rec, l.HostPort, owner)
		}

		if rec.Source != domain.SourceContainer {
			if t, ok := in.ProcessStartTimes[l.PID]; ok {
				rec.Created = t
			}
		} else if rec.Created == "" {
			if t, ok := in.ContainerCreations[rec.ContainerID]; ok {
				rec.Created = t
			}
		}

		records[key] = rec
	}
}

func promote(rec *domain.PortRecord, hostPort int, owner ContainerOwner) {
	rec.Source = domain.SourceContainer
	rec.ContainerID = owner.ID
	rec.AppID = owner.ID
	rec.Owner = owner.Name
	target := fmt.Sprintf("%d", hostPort)
	rec.Target = &target
}

// selfAttribute is step 3.
func selfAttribute(records map[string]domain.PortRecord, in Input) {
	if in.SelfPort == 0 || in.SelfContainerName == "" {
		return
	}
	for key, rec := range records {
		if rec.HostPort != in.SelfPort || rec.Source != domain.SourceSystem {
			continue
		}
		if rec.Owner != "node" && rec.Owner != "system" {
			continue
		}
		for _, c := range in.Containers {
			if containerMatchesName(c, in.SelfContainerName) {
				rec.Source = domain.SourceContainer
				rec.ContainerID = c.ShortID()
				rec.AppID = c.ShortID()
				rec.Owner = c.DisplayName()
				records[key] = rec
				break
			}
		}
	}
}

func containerMatchesName(c domain.Container, name string) bool {
	for _, n := range c.Names {
		if n == name {
			return true
		}
	}
	return false
}

// knownServiceEnrich is step 4.
func knownServiceEnrich(records map[string]domain.PortRecord, containers []domain.Container) {
	for key, rec := range records {
		if rec.Source != domain.SourceSystem {
			continue
		}
		substrs, ok := knownServicePorts[rec.HostPort]
		if !ok {
			continue
		}

		matches := fuzzyMatchContainers(containers, substrs)
		if len(matches) == 0 {
			continue
		}
		chosen := matches[0]
		if len(matches) > 1 {
			if preferred := preferExactMatch(matches, substrs); preferred != nil {
				chosen = *preferred
			}
		}

		rec.Source = domain.SourceContainer
		rec.ContainerID = chosen.ShortID()
		rec.AppID = chosen.ShortID()
		rec.Owner = chosen.DisplayName()
		records[key] = rec
	}
}

func fuzzyMatchContainers(containers []domain.Container, substrs []string) []domain.Container {
	var out []domain.Container
	for _, c := range containers {
		name := strings.ToLower(c.DisplayName())
		image := strings.ToLower(c.Image)
		for _, s := range substrs {
			if strings.Contains(name, s) || strings.Contains(image, s) {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

func preferExactMatch(matches []domain.Container, substrs []string) *domain.Container {
	for i := range matches {
		name := strings.ToLower(matches[i].DisplayName())
		for _, s := range substrs {
			if name == s {
				return &matches[i]
			}
		}
	}
	return nil
}

// MergePlatformApps folds platform-native app port mappings into an
// already-reconciled port list, per spec.md §4.8 step 5: the platform
// phase is awaited after the reconciler has already run on the
// container/system views, so its ports never pass through Reconcile's
// dedup map and must be merged as a separate pass. A container or
// system entry already occupying a (host_ip, host_port) wins; only
// ports with no existing claim are appended as Source: platform,
// giving spec.md §3's "container_id set -> source is container (or
// platform for platform-native apps)" rule an actual producer.
func MergePlatformApps(ports []domain.PortRecord, apps []domain.PlatformApp) []domain.PortRecord {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		seen[dedupKey(p.Internal, p.ContainerID, p.HostIP, p.HostPort)] = true
	}

	for _, app := range apps {
		for _, p := range app.Ports {
			hostIP := socket.NormalizeHostIP(p.HostIP)
			key := dedupKey(false, "", hostIP, p.HostPort)
			if seen[key] {
				continue
			}
			seen[key] = true

			proto := p.Protocol
			if proto == "" {
				proto = domain.TCP
			}
			target := fmt.Sprintf("%d", p.ContainerPort)
			ports = append(ports, domain.PortRecord{
				Source:      domain.SourcePlatform,
				Protocol:    proto,
				HostIP:      hostIP,
				HostPort:    p.HostPort,
				Target:      &target,
				Owner:       app.Name,
				ContainerID: app.ID,
				AppID:       app.ID,
			})
		}
	}

	sortRecords(ports)
	return ports
}

// filterProtocols is step 5: TCP always kept; UDP kept only if
// container-sourced, known-UDP, or the operator opted in.
func filterProtocols(records map[string]domain.PortRecord, includeSystemUDP bool) []domain.PortRecord {
	out := make([]domain.PortRecord, 0, len(records))
	for _, rec := range records {
		if rec.Protocol == domain.TCP {
			out = append(out, rec)
			continue
		}
		if rec.Source == domain.SourceContainer || rec.Source == domain.SourcePlatform {
			out = append(out, rec)
			continue
		}
		if KnownUDPPorts[rec.HostPort] {
			out = append(out, rec)
			continue
		}
		if includeSystemUDP {
			out = append(out, rec)
		}
	}
	return out
}

// normalize is step 6: map "*" to 0.0.0.0 and fill in internal-port
// target strings.
func normalize(records []domain.PortRecord) {
	for i := range records {
		records[i].HostIP = socket.NormalizeHostIP(records[i].HostIP)
		if records[i].Internal && records[i].Target == nil {
			target := fmt.Sprintf("%s:%d(internal)", records[i].ContainerID, records[i].HostPort)
			records[i].Target = &target
		}
	}
}

func isBroadcast(ip string) bool {
	return strings.HasSuffix(ip, ".255")
}

// dropBroadcast removes .255 broadcast-address entries, the first half
// of step 6/7's normalization.
func dropBroadcast(records []domain.PortRecord) []domain.PortRecord {
	out := records[:0]
	for _, r := range records {
		if isBroadcast(r.HostIP) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// sortRecords is step 7: stable ordering by (host_ip, host_port,
// container_id, protocol).
func sortRecords(records []domain.PortRecord) {
	sort.Slice(records, func(i, j int) bool {
		a, b := records[i], records[j]
		if a.HostIP != b.HostIP {
			return a.HostIP < b.HostIP
		}
		if a.HostPort != b.HostPort {
			return a.HostPort < b.HostPort
		}
		if a.ContainerID != b.ContainerID {
			return a.ContainerID < b.ContainerID
		}
		return a.Protocol < b.Protocol
	})
}
