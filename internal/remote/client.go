// Package remote is the HTTP client for the external agents service.
// Every failure it returns is an *apierr.Error.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/soyeahso/unisync/internal/apierr"
	"github.com/soyeahso/unisync/internal/domain"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/soyeahso/unisync/internal/metrics"
	"github.com/soyeahso/unisync/internal/version"
)

// Options configures a Client.
type Options struct {
	BaseURL       string
	Enabled       bool
	Timeout       time.Duration // per request, default 15s
	HealthTimeout time.Duration // health probe, default and max 5s
	TokenSource   oauth2.TokenSource
	Transport     http.RoundTripper // base transport, for tests
	Now           func() time.Time
}

// Client talks to the external service.
type Client struct {
	baseURL       string
	enabled       bool
	healthTimeout time.Duration
	http          *http.Client // bounded by Timeout
	stream        *http.Client // bounded per read by streamIdle, see InvokeStream
	streamIdle    time.Duration
	now           func() time.Time
	log           *logging.Logger
}

// New creates a Client. With a token source, requests carry a bearer token.
func New(opts Options, log *logging.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.HealthTimeout <= 0 || opts.HealthTimeout > 5*time.Second {
		opts.HealthTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	transport := base
	if opts.TokenSource != nil {
		transport = &oauth2.Transport{Source: opts.TokenSource, Base: base}
	}
	return &Client{
		baseURL:       strings.TrimSuffix(opts.BaseURL, "/"),
		enabled:       opts.Enabled,
		healthTimeout: opts.HealthTimeout,
		http:          &http.Client{Timeout: opts.Timeout, Transport: transport},
		stream:        &http.Client{Transport: transport},
		streamIdle:    opts.Timeout,
		now:           opts.Now,
		log:           log.Sub("remote"),
	}
}

// Enabled reports whether calls are allowed by configuration.
func (c *Client) Enabled() bool { return c.enabled }

// Probe issues GET /health. Any non-2xx answer is an error.
func (c *Client) Probe(ctx context.Context) error {
	if !c.enabled {
		return apierr.ErrDisabled
	}
	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()
	return c.do(ctx, "health", http.MethodGet, "/health", nil, nil)
}

// CreateAgent posts a new agent and returns the remote representation.
func (c *Client) CreateAgent(ctx context.Context, a *domain.Agent) (*domain.Agent, error) {
	dto := agentToDTO(a)
	var out agentDTO
	if err := c.do(ctx, "agents.create", http.MethodPost, "/api/agents", dto, &out); err != nil {
		return nil, err
	}
	return agentFromDTO(out, c.now()), nil
}

// UpdateAgent replaces the remote agent identified by externalID.
func (c *Client) UpdateAgent(ctx context.Context, externalID string, a *domain.Agent) (*domain.Agent, error) {
	dto := agentToDTO(a)
	dto.UUID = externalID
	var out agentDTO
	if err := c.do(ctx, "agents.update", http.MethodPut, "/api/agents/"+url.PathEscape(externalID), dto, &out); err != nil {
		return nil, err
	}
	return agentFromDTO(out, c.now()), nil
}

// GetAgent fetches one agent by external id.
func (c *Client) GetAgent(ctx context.Context, externalID string) (*domain.Agent, error) {
	var out agentDTO
	if err := c.do(ctx, "agents.get", http.MethodGet, "/api/agents/"+url.PathEscape(externalID), nil, &out); err != nil {
		return nil, err
	}
	return agentFromDTO(out, c.now()), nil
}

// ListAgents fetches agents matching filter.
func (c *Client) ListAgents(ctx context.Context, filter domain.AgentFilter) ([]*domain.Agent, error) {
	q := url.Values{}
	if filter.UserID != "" {
		q.Set("user_id", filter.UserID)
	}
	if filter.IsPublic != nil {
		q.Set("is_public", strconv.FormatBool(*filter.IsPublic))
	}
	path := "/api/agents"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out []agentDTO
	if err := c.do(ctx, "agents.list", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	now := c.now()
	agents := make([]*domain.Agent, 0, len(out))
	for _, d := range out {
		agents = append(agents, agentFromDTO(d, now))
	}
	return agents, nil
}

// DeleteAgent removes the remote agent.
func (c *Client) DeleteAgent(ctx context.Context, externalID string) error {
	return c.do(ctx, "agents.delete", http.MethodDelete, "/api/agents/"+url.PathEscape(externalID), nil, nil)
}

// CreateConversation posts a conversation owned by the remote agent agentExternalID.
func (c *Client) CreateConversation(ctx context.Context, conv *domain.Conversation, agentExternalID string) (*domain.Conversation, error) {
	in := conversationDTO{
		AgentID:   agentExternalID,
		AgentUUID: agentExternalID,
		UserUUID:  conv.UserID,
		Title:     conv.Title,
		Metadata:  &metadata{LocalID: conv.ID, UserID: conv.UserID},
	}
	var out conversationDTO
	if err := c.do(ctx, "conversations.create", http.MethodPost, "/api/conversations", in, &out); err != nil {
		return nil, err
	}
	return conversationFromDTO(out, c.now()), nil
}

// GetConversation fetches a conversation and any messages the service embeds.
func (c *Client) GetConversation(ctx context.Context, externalID string) (*domain.Conversation, []domain.Message, error) {
	var out conversationDTO
	if err := c.do(ctx, "conversations.get", http.MethodGet, "/api/conversations/"+url.PathEscape(externalID), nil, &out); err != nil {
		return nil, nil, err
	}
	now := c.now()
	conv := conversationFromDTO(out, now)
	msgs := make([]domain.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, messageFromDTO(m, now))
	}
	return conv, msgs, nil
}

// Invoke sends a message to a remote agent and waits for the reply.
func (c *Client) Invoke(ctx context.Context, agentExternalID, message, conversationID string) (*domain.Message, error) {
	in := invokeRequest{Message: message, ConversationID: conversationID}
	var out messageDTO
	path := "/api/agents/" + url.PathEscape(agentExternalID) + "/invoke"
	if err := c.do(ctx, "agents.invoke", http.MethodPost, path, in, &out); err != nil {
		return nil, err
	}
	m := messageFromDTO(out, c.now())
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
	return &m, nil
}

// do performs one JSON request. in and out may be nil.
func (c *Client) do(ctx context.Context, endpoint, method, path string, in, out any) error {
	resp, err := c.send(ctx, c.http, endpoint, method, path, in)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		e := apierr.FromDecode(err)
		apierr.Log(c.log, e, endpoint)
		return e
	}
	return nil
}

// send returns a 2xx response or a classified error. The caller closes the body.
func (c *Client) send(ctx context.Context, hc *http.Client, endpoint, method, path string, in any) (*http.Response, error) {
	if !c.enabled {
		return nil, apierr.ErrDisabled
	}

	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s request: %w", endpoint, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("creating %s request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := hc.Do(req)
	metrics.ExternalLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		e := apierr.FromTransport(err)
		metrics.ExternalRequests.WithLabelValues(endpoint, string(e.Kind)).Inc()
		if endpoint != "health" {
			apierr.Log(c.log, e, endpoint)
		}
		return nil, e
	}
	if resp.StatusCode/100 != 2 {
		e := apierr.FromResponse(resp)
		metrics.ExternalRequests.WithLabelValues(endpoint, string(e.Kind)).Inc()
		if endpoint != "health" {
			apierr.Log(c.log, e, endpoint)
		}
		return nil, e
	}
	metrics.ExternalRequests.WithLabelValues(endpoint, "ok").Inc()
	return resp, nil
}
