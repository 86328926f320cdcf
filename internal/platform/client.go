// Package platform implements the optional platform control-plane RPC
// client described in spec.md §4.4: when a bearer key is configured,
// Collect() queries a richer metadata source (platform-native apps,
// VMs, system info) alongside the container and system sources.
//
// No JSON-RPC client library appears anywhere in the retrieval pack, so
// this package is built on net/http + encoding/json directly. It is the
// one place in this repo that is stdlib-only by necessity rather than
// by choice; see DESIGN.md.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/portracker/portracker/internal/config"
	"github.com/portracker/portracker/internal/core/domain"
	"github.com/portracker/portracker/internal/logging"
)

// PhaseTimeout is the hard deadline for the whole platform phase, per
// spec.md §4.4/§4.8.
const PhaseTimeout = 15 * time.Second

// Client calls a platform's JSON-RPC-style HTTP endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *logging.Logger
}

// New builds a Client from configuration. It returns (nil, false) when
// no platform credential is configured, so callers can skip the phase
// entirely rather than constructing a client that will always fail.
func New(cfg *config.Config, logger *logging.Logger) (*Client, bool) {
	if cfg.PlatformAPIKey == "" {
		return nil, false
	}
	endpoint := cfg.PlatformBaseURL
	if endpoint == "" {
		endpoint = "http://127.0.0.1:6000/api/v2.0"
	}
	return &Client{
		baseURL: endpoint,
		apiKey:  cfg.PlatformAPIKey,
		httpClient: &http.Client{
			Timeout: PhaseTimeout,
		},
		logger: logger.With("platform"),
	}, true
}

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// call issues one RPC method against the platform endpoint.
func (c *Client) call(ctx context.Context, method string, params []any, out any) error {
	body, err := json.Marshal(rpcRequest{Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("platform: encode request for %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("platform: build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("platform: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("platform: %s returned status %d", method, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("platform: decode response for %s: %w", method, err)
	}
	return nil
}

type systemInfoResponse struct {
	Version    string    `json:"version"`
	Hostname   string    `json:"hostname"`
	PhysMemory uint64    `json:"physmem"`
	LoadAvg    []float64 `json:"loadavg"`
}

type appResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
	Ports []struct {
		HostIP        string `json:"host_ip"`
		HostPort      int    `json:"host_port"`
		ContainerPort int    `json:"container_port"`
		Protocol      string `json:"protocol"`
	} `json:"ports"`
}

type vmResponse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

// CollectPlatform queries system.info, app.query, and
// virt.instance.query and assembles a domain.PlatformResult. Any single
// method failing does not abort the others; CollectPlatform only
// returns an error when every call failed, matching spec.md §4.4's
// graceful-degradation contract.
func (c *Client) CollectPlatform(ctx context.Context) (*domain.PlatformResult, error) {
	ctx, cancel := context.WithTimeout(ctx, PhaseTimeout)
	defer cancel()

	result := &domain.PlatformResult{}
	var failures int
	const totalCalls = 3

	var sysInfo systemInfoResponse
	if err := c.call(ctx, "system.info", nil, &sysInfo); err != nil {
		c.logger.Warn("system.info failed: %v", err)
		failures++
	} else {
		result.SystemInfo = map[string]any{
			"version":    sysInfo.Version,
			"hostname":   sysInfo.Hostname,
			"physmem":    sysInfo.PhysMemory,
			"loadavg":    sysInfo.LoadAvg,
		}
	}

	var apps []appResponse
	if err := c.call(ctx, "app.query", nil, &apps); err != nil {
		c.logger.Warn("app.query failed: %v", err)
		failures++
	} else {
		for _, a := range apps {
			app := domain.PlatformApp{ID: a.ID, Name: a.Name, State: a.State}
			for _, p := range a.Ports {
				hostIP := p.HostIP
				if hostIP == "" {
					hostIP = "*"
				}
				proto := domain.Protocol(p.Protocol)
				if proto == "" {
					proto = domain.TCP
				}
				app.Ports = append(app.Ports, domain.PlatformPort{
					HostIP:        hostIP,
					HostPort:      p.HostPort,
					ContainerPort: p.ContainerPort,
					Protocol:      proto,
				})
			}
			result.Apps = append(result.Apps, app)
		}
	}

	var vms []vmResponse
	if err := c.call(ctx, "virt.instance.query", nil, &vms); err != nil {
		c.logger.Warn("virt.instance.query failed: %v", err)
		failures++
	} else {
		for _, v := range vms {
			result.VMs = append(result.VMs, domain.PlatformVM{ID: v.ID, Name: v.Name, State: v.State})
		}
	}

	if failures == totalCalls {
		kind := domain.SourceUnavailable
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			kind = domain.Timeout
		}
		return nil, domain.NewCollectError(kind, "platform", fmt.Errorf("all RPC calls failed"))
	}
	return result, nil
}
