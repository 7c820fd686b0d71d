package controlapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/reefline/coralctl/internal/journal"
)

// Client consumes the control API. Used by CLI status/stop/events commands
// against a running controller.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(addr string) *Client {
	base := strings.TrimSpace(addr)
	if !strings.Contains(base, "://") {
		if strings.HasPrefix(base, ":") {
			base = "127.0.0.1" + base
		}
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// Agents fetches every agent status.
func (c *Client) Agents(ctx context.Context) ([]AgentStatus, error) {
	var out struct {
		Agents []AgentStatus `json:"agents"`
	}
	if err := c.get(ctx, "/agents", &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// Agent fetches one agent status.
func (c *Client) Agent(ctx context.Context, agentID string) (AgentStatus, error) {
	var out AgentStatus
	if err := c.get(ctx, "/agents/"+url.PathEscape(agentID), &out); err != nil {
		return AgentStatus{}, err
	}
	return out, nil
}

// Stop requests shutdown of one agent.
func (c *Client) Stop(ctx context.Context, agentID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/agents/"+url.PathEscape(agentID)+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Events fetches recent journal events, optionally filtered by agent.
func (c *Client) Events(ctx context.Context, agentID string, limit int) ([]journal.Event, error) {
	path := "/events?limit=" + strconv.Itoa(limit)
	if agentID != "" {
		path += "&agent=" + url.QueryEscape(agentID)
	}
	var out struct {
		Events []journal.Event `json:"events"`
	}
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return fmt.Errorf("controlapi: %s (status=%d)", body.Error, resp.StatusCode)
	}
	return fmt.Errorf("controlapi: unexpected status=%d", resp.StatusCode)
}
