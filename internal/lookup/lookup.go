package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnavailable marks a lookup that could not be completed. Callers treat
// the participant status as unknown and flag it rather than silently passing.
var ErrUnavailable = errors.New("lookup unavailable")

// Result is the sanctions/PEP status of one participant.
type Result struct {
	Listed bool     `json:"listed"`
	Lists  []string `json:"lists,omitempty"`
}

// Service checks participants against external sanction/PEP lists.
type Service interface {
	CheckParticipant(ctx context.Context, identifier string) (*Result, error)
}

// Config configures the HTTP lookup client.
type Config struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// HTTPClient queries an external list service over HTTP.
type HTTPClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPClient creates a lookup client.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("lookup URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(cfg.URL, "/"),
		apiKey:   cfg.APIKey,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

// CheckParticipant queries the list service for one identifier. Transport
// failures and server errors map to ErrUnavailable.
func (c *HTTPClient) CheckParticipant(ctx context.Context, identifier string) (*Result, error) {
	target := c.endpoint + "/check?identifier=" + url.QueryEscape(identifier)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create lookup request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("lookup request for %s: %w", identifier, ErrUnavailable)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("lookup returned %s: %w", resp.Status, ErrUnavailable)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("lookup returned status %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode lookup response: %w", err)
	}
	return &result, nil
}
