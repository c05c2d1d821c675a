// Package client talks to a running ascendd over its HTTP API. Reads need no
// credentials; every POST carries the admin bearer token.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
)

// ErrNotDurable is returned with a successful Transcendence the server could
// not save. The reset happened and the save is retried server-side.
var ErrNotDurable = errors.New("transcendence not durably saved")

// APIError is a non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s returned %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Status mirrors GET /api/v1/status.
type Status struct {
	Name             string   `json:"name"`
	Uptime           string   `json:"uptime"`
	Tick             uint64   `json:"tick"`
	Running          bool     `json:"running"`
	ActiveLanes      int      `json:"active_lanes"`
	Courses          int      `json:"courses"`
	Categories       []string `json:"categories"`
	AdminEnabled     bool     `json:"admin_enabled"`
	PendingSaves     int      `json:"pending_saves"`
	CachedPlayers    int      `json:"cached_players"`
	AnalyticsDropped int64    `json:"analytics_dropped"`
}

// SummitLevel is one category of Player.Summit.
type SummitLevel struct {
	Category string  `json:"category"`
	Level    int     `json:"level"`
	Bonus    float64 `json:"bonus"`
}

// Player mirrors the fields of GET /api/v1/players/{id} that tools need.
type Player struct {
	ID                    string        `json:"id"`
	Volt                  string        `json:"volt"`
	VoltDisplay           string        `json:"volt_display"`
	Coins                 string        `json:"coins"`
	ElevationMultiplier   int           `json:"elevation_multiplier"`
	TranscendenceCount    int           `json:"transcendence_count"`
	Summit                []SummitLevel `json:"summit"`
	ChallengeRewards      []string      `json:"challenge_rewards"`
	BreakAscensionEnabled bool          `json:"break_ascension_enabled"`
	Achievements          []string      `json:"achievements"`
	Run                   struct {
		State  string `json:"state"`
		Course string `json:"course"`
	} `json:"run"`
}

// SummitPreview mirrors GET /api/v1/players/{id}/summit/preview.
type SummitPreview struct {
	Category     string  `json:"category"`
	CurrentLevel int     `json:"current_level"`
	NewLevel     int     `json:"new_level"`
	LevelGain    int     `json:"level_gain"`
	CurrentBonus float64 `json:"current_bonus"`
	NewBonus     float64 `json:"new_bonus"`
}

// SummitResult is the response of POST .../summit.
type SummitResult struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
	Category  string `json:"category"`
	Level     int    `json:"level"`
	LevelGain int    `json:"level_gain"`
}

// TranscendResult is the response of POST .../transcend.
type TranscendResult struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
	Count   int    `json:"count"`
	Durable bool   `json:"durable"`
}

// Grant is the body of POST .../grant. Empty fields grant nothing.
type Grant struct {
	Volt         string `json:"volt,omitempty"`
	Coins        string `json:"coins,omitempty"`
	Category     string `json:"category,omitempty"`
	SummitLevels int    `json:"summit_levels,omitempty"`
}

// GrantResult is the balance after a grant.
type GrantResult struct {
	Volt        string `json:"volt"`
	Coins       string `json:"coins"`
	SummitLevel int    `json:"summit_level"`
}

// Client is an ascendd API client.
type Client struct {
	BaseURL    string
	AdminKey   string
	HTTPClient *http.Client
}

// New creates a Client targeting baseURL.
func New(baseURL, adminKey string) *Client {
	return &Client{
		BaseURL:  baseURL,
		AdminKey: adminKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func playerPath(id uuid.UUID, suffix string) string {
	return "/api/v1/players/" + id.String() + suffix
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	var s Status
	if err := c.get(ctx, "/api/v1/status", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *Client) Player(ctx context.Context, id uuid.UUID) (*Player, error) {
	var p Player
	if err := c.get(ctx, playerPath(id, ""), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) PreviewSummit(ctx context.Context, id uuid.UUID, category string) (*SummitPreview, error) {
	var p SummitPreview
	q := url.Values{"category": {category}}
	if err := c.get(ctx, playerPath(id, "/summit/preview?"+q.Encode()), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (c *Client) Summit(ctx context.Context, id uuid.UUID, category string) (*SummitResult, error) {
	var r SummitResult
	if err := c.post(ctx, playerPath(id, "/summit"), map[string]string{"category": category}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Transcend requests a Transcendence. A committed but unsaved reset returns
// the result together with ErrNotDurable.
func (c *Client) Transcend(ctx context.Context, id uuid.UUID) (*TranscendResult, error) {
	var r TranscendResult
	err := c.post(ctx, playerPath(id, "/transcend"), nil, &r)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable {
		if jerr := json.Unmarshal([]byte(apiErr.Body), &r); jerr == nil && r.Outcome == "success" {
			return &r, fmt.Errorf("%w: %w", ErrNotDurable, err)
		}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (c *Client) Grant(ctx context.Context, id uuid.UUID, g Grant) (*GrantResult, error) {
	var r GrantResult
	if err := c.post(ctx, playerPath(id, "/grant"), g, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Save forces a flush of every pending player.
func (c *Client) Save(ctx context.Context) error {
	return c.post(ctx, "/api/v1/save", nil, nil)
}

// WaitReady polls the status endpoint with exponential backoff until it
// answers or maxWait passes.
func (c *Client) WaitReady(ctx context.Context, maxWait time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, func() (*Status, error) {
		return c.Status(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(maxWait),
	)
	if err != nil {
		return fmt.Errorf("api not ready after %s: %w", maxWait, err)
	}
	return nil
}

// get GETs a path and decodes the JSON response into target.
func (c *Client) get(ctx context.Context, path string, target any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	return c.do(req, path, target)
}

func (c *Client) post(ctx context.Context, path string, body, target any) error {
	var buf bytes.Buffer
	if body == nil {
		buf.WriteString("{}")
	} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AdminKey)
	return c.do(req, path, target)
}

func (c *Client) do(req *http.Request, path string, target any) error {
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return &APIError{Method: req.Method, Path: path, Status: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}
	if target == nil {
		return nil
	}
	if err := json.Unmarshal(body, target); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
