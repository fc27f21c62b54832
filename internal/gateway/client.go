package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kantinekoning/agent/internal/domain"
)

var (
	// ErrNetwork wraps transport-level failures: timeouts, no connectivity.
	// Callers retry only on explicit user action, never silently.
	ErrNetwork = errors.New("gateway: network failure")
	// ErrMalformedResponse marks backend JSON missing required fields or
	// failing to decode. No partial state is committed downstream.
	ErrMalformedResponse = errors.New("gateway: malformed response")
)

// Client provides typed access to the Kantine Koning backend.
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

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// New constructs a Client pointing at the provided backend base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "https://api.kantinekoning.com"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "https://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid backend base url: %w", err)
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

// APIError represents a non-2xx response from the backend.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend request failed with status %d", e.Status)
	}
	return fmt.Sprintf("backend request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
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
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
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

// RegisterInput carries the device registration payload.
type RegisterInput struct {
	DeviceID    string   `json:"device_id"`
	DeviceToken string   `json:"device_token"`
	TenantSlug  string   `json:"tenant_slug"`
	TeamCodes   []string `json:"team_codes"`
	Email       string   `json:"email,omitempty"`
}

type registerResponse struct {
	TenantSlug string   `json:"tenant_slug"`
	TenantName string   `json:"tenant_name"`
	TeamCodes  []string `json:"team_codes"`
	Email      string   `json:"email"`
	Role       string   `json:"role"`
	APIToken   string   `json:"api_token"`
}

// Register confirms a device registration and maps the response into a
// candidate enrollment. The role defaults to manager when the backend leaves
// it unspecified.
func (c *Client) Register(ctx context.Context, input RegisterInput) (domain.Enrollment, error) {
	var resp registerResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/devices/register", input, "", &resp); err != nil {
		return domain.Enrollment{}, err
	}
	if resp.TenantSlug == "" || resp.APIToken == "" || len(resp.TeamCodes) == 0 {
		return domain.Enrollment{}, fmt.Errorf("%w: registration missing tenant, token or teams", ErrMalformedResponse)
	}
	role := resp.Role
	switch role {
	case domain.RoleManager, domain.RoleMember:
	case "":
		role = domain.RoleManager
	default:
		return domain.Enrollment{}, fmt.Errorf("%w: unknown role %q", ErrMalformedResponse, resp.Role)
	}
	return domain.Enrollment{
		DeviceID:          input.DeviceID,
		DeviceToken:       input.DeviceToken,
		TenantID:          resp.TenantSlug,
		TenantName:        resp.TenantName,
		TeamIDs:           resp.TeamCodes,
		Email:             resp.Email,
		Role:              role,
		SignedDeviceToken: resp.APIToken,
	}, nil
}

type shiftsResponse struct {
	Shifts []shiftPayload `json:"shifts"`
}

type shiftPayload struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	TeamID     string    `json:"team_id"`
	Name       string    `json:"name"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	Location   string    `json:"location"`
	Volunteers []string  `json:"volunteers"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (p shiftPayload) toDomain() (domain.Shift, error) {
	if p.ID == "" || p.TenantID == "" || p.TeamID == "" {
		return domain.Shift{}, fmt.Errorf("%w: shift missing id, tenant or team", ErrMalformedResponse)
	}
	return domain.Shift{
		ID:         p.ID,
		TenantID:   p.TenantID,
		TeamID:     p.TeamID,
		Name:       p.Name,
		StartsAt:   p.StartsAt,
		EndsAt:     p.EndsAt,
		Location:   p.Location,
		Volunteers: p.Volunteers,
		UpdatedAt:  p.UpdatedAt,
	}, nil
}

// FetchShifts returns upcoming shifts for the tenant the token is scoped to.
func (c *Client) FetchShifts(ctx context.Context, token, tenantID string) ([]domain.Shift, error) {
	path := fmt.Sprintf("/api/v1/shifts?tenant=%s", url.QueryEscape(tenantID))
	var resp shiftsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, token, &resp); err != nil {
		return nil, err
	}
	shifts := make([]domain.Shift, 0, len(resp.Shifts))
	for _, p := range resp.Shifts {
		s, err := p.toDomain()
		if err != nil {
			return nil, err
		}
		shifts = append(shifts, s)
	}
	return shifts, nil
}

// AddVolunteer assigns a volunteer to a shift and returns the updated shift.
func (c *Client) AddVolunteer(ctx context.Context, token, shiftID, name string) (domain.Shift, error) {
	body := map[string]string{"name": name}
	path := fmt.Sprintf("/api/v1/shifts/%s/volunteers", url.PathEscape(shiftID))
	var payload shiftPayload
	if err := c.do(ctx, http.MethodPost, path, body, token, &payload); err != nil {
		return domain.Shift{}, err
	}
	return payload.toDomain()
}

// RemoveVolunteer removes a volunteer from a shift and returns the updated shift.
func (c *Client) RemoveVolunteer(ctx context.Context, token, shiftID, name string) (domain.Shift, error) {
	path := fmt.Sprintf("/api/v1/shifts/%s/volunteers/%s", url.PathEscape(shiftID), url.PathEscape(name))
	var payload shiftPayload
	if err := c.do(ctx, http.MethodDelete, path, nil, token, &payload); err != nil {
		return domain.Shift{}, err
	}
	return payload.toDomain()
}
