package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the agent API for interactive tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided agent base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4600"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid agent base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the agent.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent request failed with status %d", e.Status)
	}
	return fmt.Sprintf("agent request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// TenantStatus summarises one tenant's enrollment for display.
type TenantStatus struct {
	TenantID          string   `json:"tenant_id"`
	TenantName        string   `json:"tenant_name"`
	Role              string   `json:"role"`
	Email             string   `json:"email,omitempty"`
	Teams             []string `json:"teams"`
	CredentialExpired bool     `json:"credential_expired"`
}

// Status is the agent's overall state summary.
type Status struct {
	Phase      string         `json:"phase"`
	TotalPairs int            `json:"total_pairs"`
	MaxPairs   int            `json:"max_pairs"`
	Tenants    []TenantStatus `json:"tenants"`
}

// GetStatus returns the agent state summary.
func (c *Client) GetStatus(ctx context.Context, token string) (Status, error) {
	var status Status
	if err := c.do(ctx, http.MethodGet, "/state/status", nil, token, &status); err != nil {
		return Status{}, err
	}
	return status, nil
}

// Enrollment is the redacted read projection of a device enrollment.
type Enrollment struct {
	TenantID   string   `json:"tenant_id"`
	TenantName string   `json:"tenant_name"`
	Role       string   `json:"role"`
	Email      string   `json:"email,omitempty"`
	TeamIDs    []string `json:"team_ids"`
}

// ListEnrollments returns the current enrollments.
func (c *Client) ListEnrollments(ctx context.Context, token string) ([]Enrollment, error) {
	var enrollments []Enrollment
	if err := c.do(ctx, http.MethodGet, "/enrollments", nil, token, &enrollments); err != nil {
		return nil, err
	}
	return enrollments, nil
}

// EnrollInput captures the payload for a new registration.
type EnrollInput struct {
	TenantSlug string   `json:"tenant_slug"`
	TeamCodes  []string `json:"team_codes"`
	Email      string   `json:"email,omitempty"`
}

// Enroll registers the device for teams at a tenant.
func (c *Client) Enroll(ctx context.Context, token string, input EnrollInput) ([]Enrollment, error) {
	var enrollments []Enrollment
	if err := c.do(ctx, http.MethodPost, "/enrollments", input, token, &enrollments); err != nil {
		return nil, err
	}
	return enrollments, nil
}

// RemoveTeam stops following a single team.
func (c *Client) RemoveTeam(ctx context.Context, token, tenantID, teamID string) error {
	path := fmt.Sprintf("/enrollments/%s/teams/%s", url.PathEscape(tenantID), url.PathEscape(teamID))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// RemoveTenant drops every enrollment for a tenant.
func (c *Client) RemoveTenant(ctx context.Context, token, tenantID string) error {
	path := fmt.Sprintf("/enrollments/%s", url.PathEscape(tenantID))
	return c.do(ctx, http.MethodDelete, path, nil, token, nil)
}

// Shift mirrors the agent's cached shift payload.
type Shift struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	TeamID     string    `json:"team_id"`
	Name       string    `json:"name"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Location   string    `json:"location,omitempty"`
	Volunteers []string  `json:"volunteers"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// ListShifts returns the cached shift list.
func (c *Client) ListShifts(ctx context.Context, token string) ([]Shift, error) {
	var shifts []Shift
	if err := c.do(ctx, http.MethodGet, "/shifts", nil, token, &shifts); err != nil {
		return nil, err
	}
	return shifts, nil
}

// RefreshShifts pulls fresh shift data from the backend.
func (c *Client) RefreshShifts(ctx context.Context, token string) ([]Shift, error) {
	var shifts []Shift
	if err := c.do(ctx, http.MethodPost, "/shifts/refresh", nil, token, &shifts); err != nil {
		return nil, err
	}
	return shifts, nil
}

// AddVolunteer signs a volunteer up for a shift.
func (c *Client) AddVolunteer(ctx context.Context, token, shiftID, name string) (Shift, error) {
	path := fmt.Sprintf("/shifts/%s/volunteers", url.PathEscape(shiftID))
	var shift Shift
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"name": name}, token, &shift); err != nil {
		return Shift{}, err
	}
	return shift, nil
}

// RemoveVolunteer withdraws a volunteer from a shift.
func (c *Client) RemoveVolunteer(ctx context.Context, token, shiftID, name string) (Shift, error) {
	path := fmt.Sprintf("/shifts/%s/volunteers/%s", url.PathEscape(shiftID), url.PathEscape(name))
	var shift Shift
	if err := c.do(ctx, http.MethodDelete, path, nil, token, &shift); err != nil {
		return Shift{}, err
	}
	return shift, nil
}

// Reset wipes all local enrollments and shifts.
func (c *Client) Reset(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/state/reset", nil, token, nil)
}
