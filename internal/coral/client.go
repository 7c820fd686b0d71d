package coral

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/reefline/coralctl/internal/backoff"
	"github.com/reefline/coralctl/internal/observability"
)

var (
	ErrServerURLRequired = errors.New("coral: server url required")
	ErrRejected          = errors.New("coral: registration rejected")
)

// RegistrationError reports a registration that exhausted its retry budget
// or was rejected outright.
type RegistrationError struct {
	AgentID  string
	Attempts int
	Err      error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("coral: registration failed agent=%q attempts=%d: %v", e.AgentID, e.Attempts, e.Err)
}

func (e *RegistrationError) Unwrap() error {
	return e.Err
}

// ClientConfig configures transport and retry behavior for one server.
type ClientConfig struct {
	ServerURL      string
	APIKey         string
	RequestTimeout time.Duration
	// MaxAttempts bounds register retries. Rejections are never retried.
	MaxAttempts       int
	Backoff           backoff.Config
	HeartbeatInterval time.Duration
	// MissedThreshold is how many consecutive unacknowledged heartbeats
	// trigger a re-registration attempt.
	MissedThreshold int
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RequestTimeout:    5 * time.Second,
		MaxAttempts:       5,
		Backoff:           backoff.DefaultConfig(),
		HeartbeatInterval: 5 * time.Second,
		MissedThreshold:   3,
	}
}

func (c ClientConfig) withDefaults() ClientConfig {
	def := DefaultClientConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.Backoff.InitialDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	if c.MissedThreshold <= 0 {
		c.MissedThreshold = def.MissedThreshold
	}
	return c
}

// Client talks to the coordination server. The underlying http.Client pools
// connections shared by every registration.
type Client struct {
	cfg  ClientConfig
	http *http.Client
	rng  *rand.Rand
}

func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimSpace(cfg.ServerURL)
	if base == "" {
		return nil, ErrServerURLRequired
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("coral: invalid server url %q: %w", base, err)
	}
	cfg.ServerURL = strings.TrimRight(base, "/")
	cfg = cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.RequestTimeout},
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (c *Client) Config() ClientConfig {
	return c.cfg
}

type registerRequest struct {
	AgentID     string `json:"agent_id"`
	Endpoint    string `json:"endpoint"`
	Description string `json:"description,omitempty"`
}

type ack struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Register announces one agent's identity and endpoint. Transport failures
// retry with exponential backoff up to the configured attempt budget; a
// rejection by the server fails immediately.
func (c *Client) Register(ctx context.Context, agentID, endpoint string) error {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		err := c.registerOnce(ctx, agentID, endpoint)
		if err == nil {
			observability.RecordRegistrationAttempt(agentID, true)
			return nil
		}
		observability.RecordRegistrationAttempt(agentID, false)
		lastErr = err

		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return &RegistrationError{AgentID: agentID, Attempts: attempt, Err: err}
		}
		if attempt == c.cfg.MaxAttempts {
			break
		}

		delay := backoff.NextDelay(c.cfg.Backoff, attempt, c.rng)
		log.Warn().
			Str("agent", agentID).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("register failed, retrying")
		if err := sleepCtx(ctx, delay); err != nil {
			return &RegistrationError{AgentID: agentID, Attempts: attempt, Err: err}
		}
	}
	return &RegistrationError{AgentID: agentID, Attempts: c.cfg.MaxAttempts, Err: lastErr}
}

func (c *Client) registerOnce(ctx context.Context, agentID, endpoint string) error {
	payload := registerRequest{AgentID: agentID, Endpoint: endpoint}
	resp, err := c.post(ctx, "/agents/register", payload)
	if err != nil {
		return err
	}
	if resp.Status != "" && resp.Status != "accepted" && resp.Status != "ok" {
		return fmt.Errorf("%w: status=%q message=%q", ErrRejected, resp.Status, resp.Message)
	}
	return nil
}

// Heartbeat refreshes one agent's registration. A non-ack response or
// transport failure counts as a missed heartbeat; the caller decides when
// misses cross the re-registration threshold.
func (c *Client) Heartbeat(ctx context.Context, agentID string) error {
	_, err := c.post(ctx, "/agents/"+url.PathEscape(agentID)+"/heartbeat", struct{}{})
	return err
}

// Deregister removes one agent's registration. Best effort on shutdown.
func (c *Client) Deregister(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.cfg.ServerURL+"/agents/"+url.PathEscape(agentID), nil)
	if err != nil {
		return err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("coral: deregister failed agent=%q status=%d", agentID, resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) (ack, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return ack{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServerURL+path, bytes.NewReader(body))
	if err != nil {
		return ack{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return ack{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return ack{}, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return ack{}, fmt.Errorf("%w: status=%d body=%q", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 300 {
		return ack{}, fmt.Errorf("coral: unexpected status=%d path=%s", resp.StatusCode, path)
	}

	var out ack
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return ack{}, fmt.Errorf("coral: unparsable ack path=%s: %w", path, err)
		}
	}
	return out, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
