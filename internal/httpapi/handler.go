// Package httpapi exposes the read-only JSON surface described in
// spec.md §8: a report endpoint, a ports-only convenience endpoint, and
// a health check. Grounded on the teacher's
// internal/adapters/http/handler.go — same fiber.Map error-JSON
// convention, same handler-takes-a-service-interface shape, generalized
// from CRUD container routes to a single read-only Collect() call.
package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"

	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/logging"
)

// Collector is satisfied by *collect.Collector; declared locally so
// httpapi does not depend on collect's concrete type.
type Collector interface {
	Collect(ctx context.Context) (*domain.Report, error)
}

// Handler serves the agent's HTTP surface.
type Handler struct {
	collector       Collector
	platformBaseURL string
	logger          *logging.Logger
}

// New builds a Handler. platformBaseURL may be empty, in which case the
// diagnostics passthrough route responds 404.
func New(collector Collector, platformBaseURL string, logger *logging.Logger) *Handler {
	return &Handler{collector: collector, platformBaseURL: platformBaseURL, logger: logger.With("httpapi")}
}

// Register mounts the handler's routes onto app.
func (h *Handler) Register(app *fiber.App) {
	api := app.Group("/api/v1")
	api.Get("/report", h.GetReport)
	api.Get("/ports", h.GetPorts)
	api.All("/diagnostics/platform/*", h.ProxyPlatform)
	app.Get("/healthz", h.Healthz)
}

// GetReport serves the full Collect() output: systemInfo, applications,
// ports, vms, and enhancedFeaturesEnabled.
func (h *Handler) GetReport(c *fiber.Ctx) error {
	report, err := h.collector.Collect(c.Context())
	if err != nil {
		h.logger.Error("collect failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(report)
}

// GetPorts serves just the reconciled port list, for operators who only
// care about the inventory and not the platform metadata.
func (h *Handler) GetPorts(c *fiber.Ctx) error {
	report, err := h.collector.Collect(c.Context())
	if err != nil {
		h.logger.Error("collect failed: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(report.Ports)
}

// Healthz reports liveness without invoking a collection pass.
func (h *Handler) Healthz(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ProxyPlatform reverse-proxies requests under
// /api/v1/diagnostics/platform/* straight to the platform's own API, for
// operators debugging a discrepancy between what the platform reports
// and what reconciliation produced. Same net/http/httputil
// reverse-proxy-wrapped-in-adaptor shape as the teacher's
// ProxyHandler.ProxyRequest, generalized from subdomain-routed container
// IPs to one fixed upstream.
func (h *Handler) ProxyPlatform(c *fiber.Ctx) error {
	if h.platformBaseURL == "" {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "no platform configured",
		})
	}

	remote, err := url.Parse(h.platformBaseURL)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "invalid platform base url",
		})
	}

	proxy := httputil.NewSingleHostReverseProxy(remote)
	originalDirector := proxy.Director
	proxy.Director = func(req *http.Request) {
		originalDirector(req)
		req.URL.Path = stripDiagnosticsPrefix(req.URL.Path)
		req.Host = remote.Host
	}
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusBadGateway)
		fmt.Fprintf(w, "platform proxy error: %v", err)
	}

	return adaptor.HTTPHandler(proxy)(c)
}

func stripDiagnosticsPrefix(path string) string {
	const prefix = "/api/v1/diagnostics/platform"
	if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
		return path[len(prefix):]
	}
	return path
}
