package queue

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

	"github.com/google/uuid"
)

// ServiceWriter runs engine writes against an in-process Service on behalf
// of one actor.
type ServiceWriter struct {
	Service *Service
	Actor   string
}

func (w ServiceWriter) CreateTickets(ctx context.Context, institutionID uuid.UUID, tickets []NewTicket) ([]Item, error) {
	return w.Service.Create(ctx, w.Actor, institutionID, tickets)
}

func (w ServiceWriter) TransitionTicket(ctx context.Context, id string, to Status) (*Item, error) {
	return w.Service.Transition(ctx, w.Actor, id, to)
}

func (w ServiceWriter) ListDay(ctx context.Context, institutionID uuid.UUID, date string) ([]Item, error) {
	return w.Service.ListDay(ctx, institutionID, date)
}

// APIError is a non-2xx answer from the scheduling API.
type APIError struct {
	StatusCode int
	Code       string `json:"error"`
	Details    string `json:"details"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("api %d %s: %s", e.StatusCode, e.Code, e.Details)
	}
	return fmt.Sprintf("api %d %s", e.StatusCode, e.Code)
}

// HTTPClient is the remote Writer and Loader used by desk consoles.
type HTTPClient struct {
	baseURL string
	userID  string
	http    *http.Client
}

func NewHTTPClient(baseURL, userID string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *HTTPClient) CreateTickets(ctx context.Context, institutionID uuid.UUID, tickets []NewTicket) ([]Item, error) {
	var out []Item
	path := "/institutions/" + institutionID.String() + "/queue"
	if err := c.do(ctx, http.MethodPost, path, map[string]any{"tickets": tickets}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *HTTPClient) TransitionTicket(ctx context.Context, id string, to Status) (*Item, error) {
	var out Item
	path := "/queue/" + url.PathEscape(id) + "/status"
	if err := c.do(ctx, http.MethodPatch, path, map[string]any{"status": to}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) ListDay(ctx context.Context, institutionID uuid.UUID, date string) ([]Item, error) {
	var out []Item
	path := "/institutions/" + institutionID.String() + "/queue/" + url.PathEscape(date)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Visibility fetches what the client's user may see in the institution.
func (c *HTTPClient) Visibility(ctx context.Context, institutionID uuid.UUID) (Visibility, error) {
	var out Visibility
	path := "/institutions/" + institutionID.String() + "/visibility"
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return Visibility{}, err
	}
	return out, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-User-ID", c.userID)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
