// Package master talks to the master server, which hands out the remote
// ports for the reverse tunnels.
package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/tunnel"
)

// PortsPath is the API endpoint returning candidate ports.
const PortsPath = "/api/tunnel/ports"

var ErrNoPortSource = errors.New("no master URL and no static remote ports configured")

// ClientConfig configures a Client.
type ClientConfig struct {
	URL       string
	Token     string
	Timeout   time.Duration
	Retries   int
	RetryWait time.Duration // Minimum wait between retries
	Logger    *slog.Logger
}

// Client is a master server API client.
type Client struct {
	baseURL string
	token   string
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// Ports is the master's answer.
type Ports struct {
	SSHForwardPort int `json:"sshForwardPort"`
	CamForwardPort int `json:"camForwardPort"`
}

// NewClient creates a master server client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.URL == "" {
		return nil, errors.New("master: URL is required")
	}
	if _, err := url.Parse(config.URL); err != nil {
		return nil, fmt.Errorf("master: invalid URL %q: %w", config.URL, err)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := cleanhttp.DefaultPooledClient()
	if config.Timeout > 0 {
		httpClient.Timeout = config.Timeout
	}

	retrying := retryablehttp.NewClient()
	retrying.HTTPClient = httpClient
	retrying.RetryMax = config.Retries
	if config.RetryWait > 0 {
		retrying.RetryWaitMin = config.RetryWait
		retrying.RetryWaitMax = 4 * config.RetryWait
	}
	retrying.Logger = logger.With("component", "master")

	return &Client{
		baseURL: strings.TrimRight(config.URL, "/"),
		token:   config.Token,
		http:    retrying,
		logger:  logger,
	}, nil
}

// Ports asks the master for a pair of candidate remote ports.
func (c *Client) Ports(ctx context.Context) (Ports, error) {
	var ports Ports

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+PortsPath, nil)
	if err != nil {
		return ports, fmt.Errorf("master: failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", core.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return ports, fmt.Errorf("master: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return ports, fmt.Errorf("master: failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return ports, fmt.Errorf("master: unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.Unmarshal(body, &ports); err != nil {
		return ports, fmt.Errorf("%w: %v", tunnel.ErrInvalidPorts, err)
	}
	return ports, nil
}

// CandidatePorts returns the master's ports keyed by tunnel session.
func (c *Client) CandidatePorts(ctx context.Context) (map[string]int, error) {
	ports, err := c.Ports(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Received candidate ports", "ssh", ports.SSHForwardPort, "camera", ports.CamForwardPort)
	return map[string]int{
		tunnel.SessionSSH:   ports.SSHForwardPort,
		tunnel.SessionPanel: ports.CamForwardPort,
	}, nil
}

// Allocator picks the port source from the current configuration: the
// master API when a URL is set, otherwise the static remote_ports.
type Allocator struct {
	logger *slog.Logger

	mu     sync.Mutex
	client *Client
	key    core.MasterConfig
}

// NewAllocator creates an allocator. The master client is rebuilt whenever
// the master settings of the passed snapshot change.
func NewAllocator(logger *slog.Logger) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Allocator{logger: logger}
}

// CandidatePorts implements tunnel.PortAllocator.
func (a *Allocator) CandidatePorts(ctx context.Context, cfg *core.Configuration) (map[string]int, error) {
	if cfg.Master.URL != "" {
		client, err := a.clientFor(cfg.Master)
		if err != nil {
			return nil, err
		}
		return client.CandidatePorts(ctx)
	}

	if len(cfg.Tunnel.RemotePorts) == 0 {
		return nil, ErrNoPortSource
	}
	ports := make(map[string]int, len(cfg.Tunnel.RemotePorts))
	for name, port := range cfg.Tunnel.RemotePorts {
		ports[name] = port
	}
	return ports, nil
}

func (a *Allocator) clientFor(m core.MasterConfig) (*Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil && a.key == m {
		return a.client, nil
	}
	client, err := NewClient(ClientConfig{
		URL:     m.URL,
		Token:   m.Token,
		Timeout: m.Timeout,
		Retries: m.Retries,
		Logger:  a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.client = client
	a.key = m
	return client, nil
}
