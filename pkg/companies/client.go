// Package companies is a client for a company-profile lookup service that
// matches a batch of organization names against the companies register.
package companies

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.company-information.service.gov.uk"

// Client matches organization names to registered company profiles.
type Client interface {
	Lookup(ctx context.Context, names []string) ([]Match, error)
}

// Match is a best-effort profile match for one queried name.
type Match struct {
	Query         string  `json:"query"`
	Name          string  `json:"name"`
	CompanyNumber string  `json:"company_number"`
	Status        string  `json:"status"`
	Score         float64 `json:"score"`
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = u }
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a profile lookup client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type lookupRequest struct {
	Names []string `json:"names"`
}

type lookupResponse struct {
	Matches []Match `json:"matches"`
}

func (c *httpClient) Lookup(ctx context.Context, names []string) ([]Match, error) {
	if len(names) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(lookupRequest{Names: names})
	if err != nil {
		return nil, eris.Wrap(err, "companies: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/match", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "companies: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.SetBasicAuth(c.apiKey, "")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "companies: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "companies: read response")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("companies: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result lookupResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "companies: unmarshal response")
	}
	return result.Matches, nil
}
