// ABOUTME: Agent registry with upstream refresh, file bootstrap, and token-indexed auth
// ABOUTME: Rebuilds the token index atomically so readers never observe a partial snapshot

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/2389/byoa-gateway/internal/metrics"
)

// Registry errors
var (
	// ErrNoSource means neither the upstream endpoint nor the local
	// bootstrap file yielded an agent list at startup.
	ErrNoSource = errors.New("no agent configuration source available")
)

// TrustLevel controls whether an agent may receive AI-authored messages.
type TrustLevel string

const (
	TrustStandard TrustLevel = "standard"
	TrustElevated TrustLevel = "elevated"
)

// ReceiveMode controls which room messages an agent sees.
type ReceiveMode string

const (
	ReceiveMentions ReceiveMode = "mentions"
	ReceiveAll      ReceiveMode = "all"
)

// ConnectionType describes how an agent connects to the gateway.
type ConnectionType string

const (
	ConnectSocket  ConnectionType = "socket"
	ConnectWebhook ConnectionType = "webhook"
	ConnectBoth    ConnectionType = "both"
)

// DeliveryMode describes the push path for agents without a live session.
type DeliveryMode string

const (
	DeliverWebhook     DeliveryMode = "webhook"
	DeliverLocalInject DeliveryMode = "local-inject"
)

// AgentStatus is the lifecycle state of an agent registration.
type AgentStatus string

const (
	StatusPending   AgentStatus = "pending"
	StatusActive    AgentStatus = "active"
	StatusSuspended AgentStatus = "suspended"
	StatusRevoked   AgentStatus = "revoked"
)

// Agent is a registered principal. Identity is the ID; the bearer token is
// a rotatable projection with exactly one current value per agent.
type Agent struct {
	ID            string         `json:"id"`
	Username      string         `json:"username"`
	DisplayName   string         `json:"display_name"`
	Emoji         string         `json:"emoji,omitempty"`
	MentionKey    string         `json:"mention_key"`
	TrustLevel    TrustLevel     `json:"trust_level"`
	ReceiveMode   ReceiveMode    `json:"receive_mode"`
	Connection    ConnectionType `json:"connection_type"`
	Delivery      DeliveryMode   `json:"delivery_mode"`
	WebhookURL    string         `json:"webhook_url,omitempty"`
	WebhookSecret string         `json:"webhook_secret,omitempty"`
	Token         string         `json:"token"`
	Status        AgentStatus    `json:"status"`
}

// Active reports whether the agent may authenticate and receive traffic.
func (a *Agent) Active() bool {
	return a.Status == StatusActive
}

// agentList is the wire shape of both the upstream endpoint and the file.
type agentList struct {
	Agents []*Agent `json:"agents"`
}

// snapshot is an immutable view of the agent set. A refresh builds a new
// snapshot and swaps the pointer; readers hold at most one consistent view.
type snapshot struct {
	agents     []*Agent
	byToken    map[string]*Agent
	byUsername map[string]*Agent
}

func buildSnapshot(agents []*Agent) *snapshot {
	s := &snapshot{
		agents:     agents,
		byToken:    make(map[string]*Agent, len(agents)),
		byUsername: make(map[string]*Agent, len(agents)),
	}
	for _, a := range agents {
		if a.Token != "" {
			s.byToken[a.Token] = a
		}
		s.byUsername[a.Username] = a
	}
	return s
}

// Service loads and refreshes the authoritative agent set.
type Service struct {
	endpoint     string
	gatewayToken string
	filePath     string
	interval     time.Duration
	client       *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics

	mu   sync.RWMutex
	snap *snapshot
}

// Options configures a registry Service.
type Options struct {
	// UpstreamBaseURL is the chat server base URL; the agent list is
	// served at {base}/api/gateway/agents.
	UpstreamBaseURL string
	GatewayToken    string

	// AgentsFile is the local bootstrap fallback, used only when the
	// endpoint is unavailable at startup.
	AgentsFile string

	RefreshInterval time.Duration
	HTTPClient      *http.Client
	Logger          *slog.Logger
	Metrics         *metrics.Metrics
}

// New creates a registry Service. Call Bootstrap before serving traffic.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	interval := opts.RefreshInterval
	if interval == 0 {
		interval = 60 * time.Second
	}

	return &Service{
		endpoint:     opts.UpstreamBaseURL + "/api/gateway/agents",
		gatewayToken: opts.GatewayToken,
		filePath:     opts.AgentsFile,
		interval:     interval,
		client:       client,
		logger:       logger.With("component", "registry"),
		metrics:      opts.Metrics,
	}
}

// Bootstrap loads the initial agent set. The upstream endpoint is preferred;
// the local file is a fallback. If neither is available the gateway must not
// start, so ErrNoSource is returned.
func (s *Service) Bootstrap(ctx context.Context) error {
	agents, err := s.fetchUpstream(ctx)
	if err == nil {
		s.install(agents)
		s.logger.Info("registry bootstrapped from upstream", "agents", len(agents))
		return nil
	}
	s.logger.Warn("upstream agent config unavailable, trying bootstrap file", "error", err)

	if s.filePath != "" {
		agents, ferr := s.loadFile()
		if ferr == nil {
			s.install(agents)
			s.logger.Info("registry bootstrapped from file", "path", s.filePath, "agents", len(agents))
			return nil
		}
		s.logger.Warn("bootstrap file unavailable", "path", s.filePath, "error", ferr)
	}

	return fmt.Errorf("%w: endpoint %s failed and no usable file", ErrNoSource, s.endpoint)
}

// Refresh re-reads the agent set from upstream. On failure the previous
// snapshot stays in place and the failure counter is incremented.
func (s *Service) Refresh(ctx context.Context) error {
	agents, err := s.fetchUpstream(ctx)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RegistryRefreshFail.Inc()
		}
		s.logger.Warn("registry refresh failed, keeping previous snapshot", "error", err)
		return err
	}

	s.install(agents)
	s.logger.Debug("registry refreshed", "agents", len(agents))
	return nil
}

// Run refreshes the registry on the configured interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.Refresh(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// install atomically replaces the current snapshot.
func (s *Service) install(agents []*Agent) {
	snap := buildSnapshot(agents)
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

func (s *Service) current() *snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Authenticate resolves a bearer token to an active agent. Returns nil if
// the token is unknown or the agent is not active. Callers must not cache
// the result past a single request: token validity changes between refreshes.
func (s *Service) Authenticate(token string) *Agent {
	snap := s.current()
	if snap == nil || token == "" {
		return nil
	}
	agent, ok := snap.byToken[token]
	if !ok || !agent.Active() {
		return nil
	}
	return agent
}

// ByUsername returns the agent with the given username, or nil.
func (s *Service) ByUsername(username string) *Agent {
	snap := s.current()
	if snap == nil {
		return nil
	}
	return snap.byUsername[username]
}

// All returns the full agent list from one consistent snapshot.
func (s *Service) All() []*Agent {
	snap := s.current()
	if snap == nil {
		return nil
	}
	return snap.agents
}

// WebhookAgents returns active agents that have a webhook URL configured.
func (s *Service) WebhookAgents() []*Agent {
	snap := s.current()
	if snap == nil {
		return nil
	}
	var out []*Agent
	for _, a := range snap.agents {
		if a.Active() && a.WebhookURL != "" {
			out = append(out, a)
		}
	}
	return out
}

// fetchUpstream retrieves the agent list from the configuration endpoint
// using the gateway's own credentials.
func (s *Service) fetchUpstream(ctx context.Context) ([]*Agent, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.gatewayToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching agent config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("agent config endpoint returned %d: %s", resp.StatusCode, body)
	}

	return decodeAgents(resp.Body)
}

// loadFile reads the bootstrap agent file.
func (s *Service) loadFile() ([]*Agent, error) {
	f, err := os.Open(s.filePath)
	if err != nil {
		return nil, fmt.Errorf("opening agents file: %w", err)
	}
	defer f.Close()
	return decodeAgents(f)
}

func decodeAgents(r io.Reader) ([]*Agent, error) {
	var list agentList
	if err := json.NewDecoder(r).Decode(&list); err != nil {
		return nil, fmt.Errorf("decoding agent list: %w", err)
	}
	return list.Agents, nil
}
