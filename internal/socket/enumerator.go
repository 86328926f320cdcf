// Package socket enumerates listening TCP/UDP sockets from the kernel's
// /proc/net tables. Grounded on sec-js-witr's internal/proc/net_linux.go:
// the same hex local-address parsing and per-table scanning, generalized
// to the candidate-proc-root probing and UDP allow-list spec.md §4.1 and
// §6 require.
package socket

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/logging"
)

// KnownUDPPorts is the canonical important-UDP-port allow-list from
// spec.md §6, used when includeUDP=false.
var KnownUDPPorts = map[int]bool{
	53: true, 67: true, 68: true, 123: true, 137: true, 138: true,
	161: true, 162: true, 500: true, 514: true, 1194: true, 1198: true,
	4500: true, 51820: true, 51821: true, 51822: true,
}

const listenStateHex = "0A"

// Enumerator reads the kernel's listening-socket tables.
type Enumerator struct {
	// ProcRootOverride, if set, is tried before the built-in candidates.
	ProcRootOverride string
	logger           *logging.Logger

	resolvedRoot string

	// containerized marks that this agent detected it is running inside
	// a container with access to the host init namespace, per spec.md
	// §4.1's containerized-agent special case. /proc/net/* always
	// resolves through the self symlink to the reading process's own
	// network namespace, so a containerized agent must read pid 1's
	// own net tables to see the host's sockets instead.
	containerized bool
}

// New creates an Enumerator. procRootOverride may be empty.
func New(procRootOverride string, logger *logging.Logger) *Enumerator {
	if logger == nil {
		logger = logging.Default()
	}
	e := &Enumerator{ProcRootOverride: procRootOverride, logger: logger.With("socket")}
	e.containerized = detectContainerizedAgent(e.candidateRoots())
	return e
}

// detectContainerizedAgent mirrors resolver.detectContainerizedAgent: a
// container marker file present AND the visible proc tree has more than
// 100 entries, meaning this agent can see the host's full process table
// through a shared proc mount rather than just its own container.
func detectContainerizedAgent(procRoots []string) bool {
	if _, err := os.Stat("/.dockerenv"); err != nil {
		return false
	}
	for _, root := range procRoots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		count := 0
		for _, e := range entries {
			if _, err := strconv.Atoi(e.Name()); err == nil {
				count++
			}
		}
		if count > 100 {
			return true
		}
	}
	return false
}

// netDir returns the directory holding this root's net/{tcp,udp}[6]
// tables: pid 1's own, for a containerized agent, the root's own
// otherwise.
func (e *Enumerator) netDir(root string) string {
	if e.containerized {
		return filepath.Join(root, "1", "net")
	}
	return filepath.Join(root, "net")
}

// candidateRoots returns the proc roots to probe, in priority order, per
// spec.md §4.1: operator override, /host/proc, /hostproc, then /proc.
func (e *Enumerator) candidateRoots() []string {
	var roots []string
	if e.ProcRootOverride != "" {
		roots = append(roots, e.ProcRootOverride)
	}
	roots = append(roots, "/host/proc", "/hostproc", "/proc")
	return roots
}

// ProcRoot returns the proc root the enumerator resolved to, probing
// candidates on first use and caching the result.
func (e *Enumerator) ProcRoot() string {
	if e.resolvedRoot != "" {
		return e.resolvedRoot
	}
	for _, root := range e.candidateRoots() {
		if _, err := os.Stat(filepath.Join(e.netDir(root), "tcp")); err == nil {
			e.resolvedRoot = root
			return root
		}
	}
	e.resolvedRoot = "/proc"
	return e.resolvedRoot
}

// EnumerateListeners reads /proc/net/{tcp,tcp6,udp,udp6} under the
// resolved proc root and returns every retained listener. When the
// agent detected it is containerized with host init namespace access,
// it reads pid 1's own net tables instead, since /proc/net/* otherwise
// resolves through self to this process's own network namespace.
func (e *Enumerator) EnumerateListeners(ctx context.Context, includeUDP bool) ([]domain.Listener, error) {
	root := e.ProcRoot()

	var listeners []domain.Listener
	var readOK bool
	var lastErr error

	tables := []struct {
		file  string
		proto domain.Protocol
		ipv6  bool
		isTCP bool
	}{
		{"tcp", domain.TCP, false, true},
		{"tcp6", domain.TCP, true, true},
		{"udp", domain.UDP, false, false},
		{"udp6", domain.UDP, true, false},
	}

	for _, t := range tables {
		path := filepath.Join(e.netDir(root), t.file)
		rows, err := parseTable(path, t.proto, t.ipv6, t.isTCP)
		if err != nil {
			e.logger.Warn("skipping %s: %v", path, err)
			lastErr = err
			continue
		}
		readOK = true
		for _, row := range rows {
			if row.HostPort <= 0 || row.HostPort > 65535 {
				continue
			}
			if row.Protocol == domain.UDP && !includeUDP && !KnownUDPPorts[row.HostPort] {
				continue
			}
			listeners = append(listeners, row)
		}
	}

	if !readOK {
		return nil, fmt.Errorf("no listening-socket table readable under %s: %w", root, lastErr)
	}
	return listeners, nil
}

func parseTable(path string, proto domain.Protocol, ipv6, isTCP bool) ([]domain.Listener, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []domain.Listener
	scanner := bufio.NewScanner(f)
	scanner.Scan() // header

	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		local := fields[1]
		stateHex := fields[3]
		inode := fields[9]

		if isTCP && !strings.EqualFold(stateHex, listenStateHex) {
			continue
		}

		ip, port, ok := ParseHexAddr(local, ipv6)
		if !ok {
			continue
		}

		out = append(out, domain.Listener{
			Protocol: proto,
			HostIP:   ip,
			HostPort: port,
			Inode:    inode,
		})
	}
	return out, scanner.Err()
}

// ParseHexAddr parses one "<hex-ip>:<hex-port>" field from a /proc/net
// table entry. Returns ok=false for malformed input.
func ParseHexAddr(raw string, ipv6 bool) (ip string, port int, ok bool) {
	parts := strings.Split(raw, ":")
	if len(parts) != 2 {
		return "", 0, false
	}
	portVal, err := strconv.ParseInt(parts[1], 16, 32)
	if err != nil {
		return "", 0, false
	}

	ip, ok = ParseHexIP(parts[0], ipv6)
	return ip, int(portVal), ok
}

// ParseHexIP decodes the little-endian hex IP address format the kernel
// uses in /proc/net/{tcp,udp}[6]. 8 hex chars -> IPv4, 32 -> IPv6.
func ParseHexIP(hexIP string, ipv6 bool) (string, bool) {
	if ipv6 {
		if len(hexIP) != 32 {
			return "", false
		}
		b := make([]byte, 16)
		for i := 0; i < 16; i++ {
			v, err := strconv.ParseUint(hexIP[i*2:i*2+2], 16, 8)
			if err != nil {
				return "", false
			}
			b[i] = byte(v)
		}
		// Stored as four little-endian 32-bit groups; reverse within
		// each 4-byte group to get network byte order.
		out := make([]byte, 16)
		for g := 0; g < 4; g++ {
			out[g*4+0] = b[g*4+3]
			out[g*4+1] = b[g*4+2]
			out[g*4+2] = b[g*4+1]
			out[g*4+3] = b[g*4+0]
		}
		allZero := true
		for _, v := range out {
			if v != 0 {
				allZero = false
				break
			}
		}
		if allZero {
			return "::", true
		}
		return formatIPv6(out), true
	}

	if len(hexIP) != 8 {
		return "", false
	}
	b := make([]byte, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(hexIP[i*2:i*2+2], 16, 8)
		if err != nil {
			return "", false
		}
		b[i] = byte(v)
	}
	// Little-endian: byte 3 is the most-significant octet.
	return fmt.Sprintf("%d.%d.%d.%d", b[3], b[2], b[1], b[0]), true
}

func formatIPv6(b []byte) string {
	groups := make([]string, 8)
	for i := 0; i < 8; i++ {
		groups[i] = strconv.FormatUint(uint64(b[i*2])<<8|uint64(b[i*2+1]), 16)
	}
	return strings.Join(groups, ":")
}

// SystemInfo reads the basic host metrics spec.md §4.8 step 2 collects
// alongside the container and socket phases: memory totals from the
// memory-info file, CPU model from the CPU-info file, and uptime from
// the uptime file, all under the resolved proc root. Grounded on
// bureau's hwinfo.readCPUModel scanning idiom; missing or unreadable
// files produce zero-valued fields rather than an error, the same
// "never fail the probe" contract hwinfo.Probe documents.
func (e *Enumerator) SystemInfo() domain.SystemInfo {
	root := e.ProcRoot()
	var info domain.SystemInfo
	info.MemoryTotalKB, info.MemoryFreeKB = readMemInfo(filepath.Join(root, "meminfo"))
	info.CPUModel = readCPUModel(filepath.Join(root, "cpuinfo"))
	info.UptimeSeconds = readUptime(filepath.Join(root, "uptime"))
	return info
}

func readMemInfo(path string) (totalKB, freeKB uint64) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemFree:":
			freeKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	return totalKB, freeKB
}

func readCPUModel(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return ""
}

func readUptime(path string) uint64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	seconds, _ := strconv.ParseFloat(fields[0], 64)
	return uint64(seconds)
}

// NormalizeHostIP maps "*" (and an empty address) to "0.0.0.0" and
// returns every other address unchanged, per spec.md §4.7 step 6.
// Broadcast (.255) addresses are not touched here; the reconciler drops
// those in a separate pass.
func NormalizeHostIP(ip string) string {
	if ip == "*" || ip == "" {
		return "0.0.0.0"
	}
	return ip
}
