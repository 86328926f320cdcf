package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"

	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/logging"
)

type fakeCollector struct {
	report *domain.Report
	err    error
}

func (f *fakeCollector) Collect(ctx context.Context) (*domain.Report, error) {
	return f.report, f.err
}

func newTestApp(c Collector) *fiber.App {
	app := fiber.New()
	h := New(c, "", logging.Default())
	h.Register(app)
	return app
}

func TestProxyPlatformReturns404WithoutPlatformConfigured(t *testing.T) {
	app := newTestApp(&fakeCollector{})

	req := httptest.NewRequest("GET", "/api/v1/diagnostics/platform/system.info", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}

func TestProxyPlatformForwardsToConfiguredUpstream(t *testing.T) {
	var gotPath string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusTeapot)
	}))
	defer upstream.Close()

	app := fiber.New()
	h := New(&fakeCollector{}, upstream.URL, logging.Default())
	h.Register(app)

	req := httptest.NewRequest("GET", "/api/v1/diagnostics/platform/system.info", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusTeapot {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	if gotPath != "/system.info" {
		t.Fatalf("expected stripped path /system.info, got %q", gotPath)
	}
}

func TestGetReportReturnsReportJSON(t *testing.T) {
	report := &domain.Report{
		Platform: "system",
		Ports: []domain.PortRecord{
			{Source: domain.SourceSystem, Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 22},
		},
	}
	app := newTestApp(&fakeCollector{report: report})

	req := httptest.NewRequest("GET", "/api/v1/report", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}

	body, _ := io.ReadAll(resp.Body)
	var got domain.Report
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got.Ports) != 1 || got.Ports[0].HostPort != 22 {
		t.Fatalf("got %+v", got)
	}
}

func TestGetPortsReturnsOnlyPorts(t *testing.T) {
	report := &domain.Report{
		Ports: []domain.PortRecord{
			{Source: domain.SourceSystem, Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 80},
			{Source: domain.SourceSystem, Protocol: domain.TCP, HostIP: "0.0.0.0", HostPort: 443},
		},
	}
	app := newTestApp(&fakeCollector{report: report})

	req := httptest.NewRequest("GET", "/api/v1/ports", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	body, _ := io.ReadAll(resp.Body)
	var got []domain.PortRecord
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d ports", len(got))
	}
}

func TestGetReportReturns500OnCollectError(t *testing.T) {
	app := newTestApp(&fakeCollector{err: errors.New("boom")})

	req := httptest.NewRequest("GET", "/api/v1/report", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusInternalServerError {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}

func TestHealthzAlwaysOK(t *testing.T) {
	app := newTestApp(&fakeCollector{})

	req := httptest.NewRequest("GET", "/healthz", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
}
