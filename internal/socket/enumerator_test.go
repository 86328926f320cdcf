package socket

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestParseHexIPv4(t *testing.T) {
	cases := map[string]string{
		"00000000": "0.0.0.0",
		"0100007F": "127.0.0.1",
		"0101010A": "10.1.1.1",
	}
	for hex, want := range cases {
		got, ok := ParseHexIP(hex, false)
		if !ok {
			t.Fatalf("ParseHexIP(%q) failed", hex)
		}
		if got != want {
			t.Errorf("ParseHexIP(%q) = %q, want %q", hex, got, want)
		}
	}
}

func TestParseHexIPv6AllZero(t *testing.T) {
	got, ok := ParseHexIP(strings.Repeat("0", 32), true)
	if !ok || got != "::" {
		t.Fatalf("got %q,%v want ::,true", got, ok)
	}
}

// formatHexIPv4 is the inverse of ParseHexIP for IPv4, used to assert
// parseHex(formatHex(ip)) = ip per spec.md §8 property 4.
func formatHexIPv4(ip string) string {
	parts := strings.Split(ip, ".")
	vals := make([]int, 4)
	for i, p := range parts {
		vals[i], _ = strconv.Atoi(p)
	}
	return strings.ToUpper(
		hexByte(vals[3]) + hexByte(vals[2]) + hexByte(vals[1]) + hexByte(vals[0]),
	)
}

func hexByte(v int) string {
	s := strconv.FormatInt(int64(v), 16)
	if len(s) == 1 {
		s = "0" + s
	}
	return s
}

func TestParseHexIPv4IsInverseOfFormat(t *testing.T) {
	ips := []string{"0.0.0.0", "127.0.0.1", "192.168.1.1", "255.255.255.255", "8.8.8.8"}
	for _, ip := range ips {
		hex := formatHexIPv4(ip)
		got, ok := ParseHexIP(hex, false)
		if !ok {
			t.Fatalf("ParseHexIP(%q) failed", hex)
		}
		if got != ip {
			t.Errorf("round trip for %s: got %s", ip, got)
		}
	}
}

func TestParseHexAddr(t *testing.T) {
	ip, port, ok := ParseHexAddr("0100007F:1F90", false)
	if !ok {
		t.Fatal("expected ok")
	}
	if ip != "127.0.0.1" || port != 8080 {
		t.Fatalf("got %s:%d", ip, port)
	}
}

func TestParseTableListenOnly(t *testing.T) {
	dir := t.TempDir()
	netDir := filepath.Join(dir, "net")
	if err := os.MkdirAll(netDir, 0755); err != nil {
		t.Fatal(err)
	}
	// sl local_address rem_address st ... inode
	content := "" +
		"  0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 12345 1 0000000000000000 100 0 0 10 0\n" +
		"  1: 0100007F:0016 00000000:0000 01 00000000:00000000 00:00000000 00000000     0        0 54321 1 0000000000000000 100 0 0 10 0\n"
	if err := os.WriteFile(filepath.Join(netDir, "tcp"), []byte("header\n"+content), 0644); err != nil {
		t.Fatal(err)
	}

	rows, err := parseTable(filepath.Join(netDir, "tcp"), "tcp", false, true)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected exactly 1 LISTEN row, got %d", len(rows))
	}
	if rows[0].HostPort != 8080 {
		t.Fatalf("got port %d, want 8080", rows[0].HostPort)
	}
	if rows[0].Inode != "12345" {
		t.Fatalf("got inode %s", rows[0].Inode)
	}
}

func TestEnumerateListenersFiltersUDPWhenNotIncluded(t *testing.T) {
	dir := t.TempDir()
	netDir := filepath.Join(dir, "net")
	if err := os.MkdirAll(netDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeMinimalTCP(t, filepath.Join(netDir, "tcp"))
	writeMinimalTCP(t, filepath.Join(netDir, "tcp6"))
	// UDP row on port 9999 (not in allow-list) and port 53 (DNS, allow-listed).
	udp := "header\n" +
		"  0: 00000000:270F 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 1 1 0000000000000000 100 0 0 10 0\n" +
		"  1: 00000000:0035 00000000:0000 07 00000000:00000000 00:00000000 00000000     0        0 2 1 0000000000000000 100 0 0 10 0\n"
	if err := os.WriteFile(filepath.Join(netDir, "udp"), []byte(udp), 0644); err != nil {
		t.Fatal(err)
	}
	writeMinimalTCP(t, filepath.Join(netDir, "udp6"))

	e := New(dir, nil)
	listeners, err := e.EnumerateListeners(nil, false)
	if err != nil {
		t.Fatal(err)
	}
	ports := map[int]bool{}
	for _, l := range listeners {
		ports[l.HostPort] = true
	}
	if ports[9999] {
		t.Error("expected port 9999 (not allow-listed) to be filtered out")
	}
	if !ports[53] {
		t.Error("expected port 53 (DNS, allow-listed) to be kept")
	}
}

func writeMinimalTCP(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("header\n"), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestSystemInfoReadsMemCPUUptime(t *testing.T) {
	dir := t.TempDir()
	netDir := filepath.Join(dir, "net")
	if err := os.MkdirAll(netDir, 0755); err != nil {
		t.Fatal(err)
	}
	writeMinimalTCP(t, filepath.Join(netDir, "tcp")) // makes dir a valid ProcRoot candidate

	meminfo := "MemTotal:       16384000 kB\nMemFree:         2048000 kB\nMemAvailable:    4096000 kB\n"
	if err := os.WriteFile(filepath.Join(dir, "meminfo"), []byte(meminfo), 0644); err != nil {
		t.Fatal(err)
	}
	cpuinfo := "processor\t: 0\nmodel name\t: Intel(R) Xeon(R) CPU E5-2600\ncache size\t: 256 KB\n"
	if err := os.WriteFile(filepath.Join(dir, "cpuinfo"), []byte(cpuinfo), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "uptime"), []byte("123456.78 98765.43\n"), 0644); err != nil {
		t.Fatal(err)
	}

	e := New(dir, nil)
	info := e.SystemInfo()
	if info.MemoryTotalKB != 16384000 || info.MemoryFreeKB != 2048000 {
		t.Fatalf("got mem %+v", info)
	}
	if info.CPUModel != "Intel(R) Xeon(R) CPU E5-2600" {
		t.Fatalf("got cpu model %q", info.CPUModel)
	}
	if info.UptimeSeconds != 123456 {
		t.Fatalf("got uptime %d", info.UptimeSeconds)
	}
}

func TestProcRootFallsBackToProc(t *testing.T) {
	e := New("/nonexistent-root-for-test", nil)
	if got := e.ProcRoot(); got != "/proc" {
		t.Fatalf("expected fallback to /proc, got %s", got)
	}
}

func TestDetectContainerizedAgentAbsentMarker(t *testing.T) {
	if detectContainerizedAgent([]string{t.TempDir()}) {
		t.Fatal("expected no detection without /.dockerenv")
	}
}

func TestNetDirUsesPidOneWhenContainerized(t *testing.T) {
	e := &Enumerator{containerized: true}
	got := e.netDir("/proc")
	want := filepath.Join("/proc", "1", "net")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

// TestEnumerateListenersReadsPidOneNetWhenContainerized pins spec.md
// §4.1's MUST: a containerized agent reads pid 1's own net tables, not
// its own namespace's, since /proc/net/* resolves through self.
func TestEnumerateListenersReadsPidOneNetWhenContainerized(t *testing.T) {
	dir := t.TempDir()
	pid1NetDir := filepath.Join(dir, "1", "net")
	if err := os.MkdirAll(pid1NetDir, 0755); err != nil {
		t.Fatal(err)
	}
	content := "header\n" +
		"  0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 12345 1 0000000000000000 100 0 0 10 0\n"
	if err := os.WriteFile(filepath.Join(pid1NetDir, "tcp"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	writeMinimalTCP(t, filepath.Join(pid1NetDir, "tcp6"))
	writeMinimalTCP(t, filepath.Join(pid1NetDir, "udp"))
	writeMinimalTCP(t, filepath.Join(pid1NetDir, "udp6"))

	// The enumerator's own (non-pid-1) net dir exists too, empty, so a
	// bug that reads it instead would silently report zero listeners
	// rather than failing outright.
	if err := os.MkdirAll(filepath.Join(dir, "net"), 0755); err != nil {
		t.Fatal(err)
	}
	writeMinimalTCP(t, filepath.Join(dir, "net", "tcp"))
	writeMinimalTCP(t, filepath.Join(dir, "net", "tcp6"))
	writeMinimalTCP(t, filepath.Join(dir, "net", "udp"))
	writeMinimalTCP(t, filepath.Join(dir, "net", "udp6"))

	e := New(dir, nil)
	e.containerized = true // simulate detection without requiring a real /.dockerenv

	listeners, err := e.EnumerateListeners(nil, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(listeners) != 1 || listeners[0].HostPort != 8080 {
		t.Fatalf("expected the pid-1 net table's listener, got %+v", listeners)
	}
}
