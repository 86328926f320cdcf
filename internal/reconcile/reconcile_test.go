package reconcile

import (
	"testing"

	"github.com/portracker/portracker/internal/core/domain"
)

func intPtr(i int) *int { return &i }

func TestReconcileSeedsContainerPortsAndDedups(t *testing.T) {
	in := Input{
		DockerPorts: []domain.PortRecord{
			{Source: domain.SourceContainer, Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 8080, ContainerID: "abc", Owner: "web"},
			{Source: domain.SourceContainer, Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 8080, ContainerID: "xyz", Owner: "dup"},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("expected dedup to one record, got %d", len(out))
	}
	if out[0].Owner != "web" {
		t.Fatalf("expected first-seen winner, got %s", out[0].Owner)
	}
}

func TestReconcilePromotesSystemPortViaPidMap(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 5432, PID: 111, Owner: "postgres"},
		},
		PidToContainer: map[int]ContainerOwner{
			111: {ID: "deadbeefcafe", Name: "db"},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("expected 1 record, got %d", len(out))
	}
	if out[0].Source != domain.SourceContainer {
		t.Fatalf("expected promotion to container source, got %s", out[0].Source)
	}
	if out[0].ContainerID != "deadbeefcafe" || out[0].Owner != "db" {
		t.Fatalf("got %+v", out[0])
	}
}

func TestReconcileLeavesUnmatchedSystemPortAsSystem(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 22, PID: 1, Owner: "sshd"},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 || out[0].Source != domain.SourceSystem {
		t.Fatalf("got %+v", out)
	}
}

func TestReconcileFiltersUnknownSystemUDPByDefault(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.UDP, HostIP: "0.0.0.0", HostPort: 53, Owner: "systemd-resolved"},  // known
			{Protocol: domain.UDP, HostIP: "0.0.0.0", HostPort: 9999, Owner: "some-daemon"},      // unknown
		},
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("expected only the known UDP port to survive, got %d: %+v", len(out), out)
	}
	if out[0].HostPort != 53 {
		t.Fatalf("got %+v", out[0])
	}
}

func TestReconcileIncludeSystemUDPOptIn(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.UDP, HostIP: "0.0.0.0", HostPort: 9999, Owner: "some-daemon"},
		},
		IncludeSystemUDP: true,
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("expected opt-in UDP port to survive, got %d", len(out))
	}
}

func TestReconcileDropsBroadcastAddresses(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "192.168.1.255", HostPort: 137, Owner: "nmbd"},
			{Protocol: domain.TCP, HostIP: "192.168.1.10", HostPort: 137, Owner: "nmbd"},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 || out[0].HostIP != "192.168.1.10" {
		t.Fatalf("got %+v", out)
	}
}

func TestReconcileNormalizesWildcardHostIP(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "*", HostPort: 80},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 || out[0].HostIP != "0.0.0.0" {
		t.Fatalf("got %+v", out)
	}
}

func TestReconcileSelfAttributesOwnPort(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 8124, PID: 1, Owner: "node"},
		},
		SelfPort:          8124,
		SelfContainerName: "portracker",
		Containers: []domain.Container{
			{ID: "selfcontainerid0001", Names: []string{"portracker"}, Image: "portracker/portracker"},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("got %+v", out)
	}
	if out[0].Source != domain.SourceContainer || out[0].Owner != "portracker" {
		t.Fatalf("expected self-attribution, got %+v", out[0])
	}
}

func TestReconcileKnownServiceFuzzyMatch(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.UDP, HostIP: "0.0.0.0", HostPort: 51820, Owner: "wireguard-go"},
		},
		Containers: []domain.Container{
			{ID: "wgcontainerid000001", Names: []string{"wg-easy"}, Image: "weejewel/wg-easy"},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("got %+v", out)
	}
	if out[0].Source != domain.SourceContainer || out[0].ContainerID != "wgcontaineri" {
		t.Fatalf("expected fuzzy-matched container attribution, got %+v", out[0])
	}
}

func TestReconcileSortIsDeterministic(t *testing.T) {
	in := Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "10.0.0.2", HostPort: 80, PID: 2},
			{Protocol: domain.TCP, HostIP: "10.0.0.1", HostPort: 443, PID: 3},
			{Protocol: domain.TCP, HostIP: "10.0.0.1", HostPort: 80, PID: 4},
		},
	}
	out := Reconcile(in)
	if len(out) != 3 {
		t.Fatalf("got %d records", len(out))
	}
	want := []struct {
		ip   string
		port int
	}{
		{"10.0.0.1", 80},
		{"10.0.0.1", 443},
		{"10.0.0.2", 80},
	}
	for i, w := range want {
		if out[i].HostIP != w.ip || out[i].HostPort != w.port {
			t.Fatalf("index %d: got %s:%d want %s:%d", i, out[i].HostIP, out[i].HostPort, w.ip, w.port)
		}
	}
}

func TestMergePlatformAppsAddsNewPortAsPlatformSource(t *testing.T) {
	existing := Reconcile(Input{
		SystemPorts: []domain.Listener{
			{Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 22, PID: 1, Owner: "sshd"},
		},
	})

	apps := []domain.PlatformApp{
		{ID: "plex", Name: "Plex", Ports: []domain.PlatformPort{
			{HostIP: "*", HostPort: 32400, ContainerPort: 32400, Protocol: domain.TCP},
		}},
	}
	out := MergePlatformApps(existing, apps)
	if len(out) != 2 {
		t.Fatalf("expected 2 records, got %d: %+v", len(out), out)
	}

	var plexRec *domain.PortRecord
	for i := range out {
		if out[i].HostPort == 32400 {
			plexRec = &out[i]
		}
	}
	if plexRec == nil {
		t.Fatalf("expected a port 32400 record, got %+v", out)
	}
	if plexRec.Source != domain.SourcePlatform || plexRec.AppID != "plex" || plexRec.HostIP != "0.0.0.0" {
		t.Fatalf("got %+v", plexRec)
	}
}

func TestMergePlatformAppsYieldsToExistingContainerPort(t *testing.T) {
	existing := Reconcile(Input{
		DockerPorts: []domain.PortRecord{
			{Source: domain.SourceContainer, Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 8080, ContainerID: "web", Owner: "web"},
		},
	})

	apps := []domain.PlatformApp{
		{ID: "plex", Name: "Plex", Ports: []domain.PlatformPort{
			{HostIP: "0.0.0.0", HostPort: 8080, ContainerPort: 80, Protocol: domain.TCP},
		}},
	}
	out := MergePlatformApps(existing, apps)
	if len(out) != 1 {
		t.Fatalf("expected the existing container record to win, got %d: %+v", len(out), out)
	}
	if out[0].Source != domain.SourceContainer {
		t.Fatalf("expected container source to be preserved, got %+v", out[0])
	}
}

func TestReconcileInternalPortGetsTarget(t *testing.T) {
	in := Input{
		DockerPorts: []domain.PortRecord{
			{Source: domain.SourceContainer, Protocol: domain.TCP, HostPort: 9000, ContainerID: "internalbox01", Internal: true},
		},
	}
	out := Reconcile(in)
	if len(out) != 1 {
		t.Fatalf("got %+v", out)
	}
	if out[0].Target == nil || *out[0].Target == "" {
		t.Fatalf("expected target to be set for internal port, got %+v", out[0])
	}
}
