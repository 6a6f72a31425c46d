package dns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"vpsforge/internal/provider"
)

const (
	providerName    = "dns"
	applicationJSON = "application/json"
	requestTimeout  = 15 * time.Second
	defaultTTL      = 300
)

// RESTClient talks to the managed-DNS provider API. Record creation is not
// idempotent, so it goes through a single-shot HTTP client; deletes retry
// with backoff.
type RESTClient struct {
	baseURL string
	token   string
	zoneID  string

	// retrying is used for idempotent calls only
	retrying *retryablehttp.Client
	oneShot  *retryablehttp.Client
}

// NewRESTClient creates a DNS client for the given zone
func NewRESTClient(baseURL, token, zoneID string) *RESTClient {
	retrying := retryablehttp.NewClient()
	retrying.RetryMax = 3
	retrying.Logger = nil
	retrying.HTTPClient.Timeout = requestTimeout

	oneShot := retryablehttp.NewClient()
	oneShot.RetryMax = 0
	oneShot.Logger = nil
	oneShot.HTTPClient.Timeout = requestTimeout

	return &RESTClient{
		baseURL:  baseURL,
		token:    token,
		zoneID:   zoneID,
		retrying: retrying,
		oneShot:  oneShot,
	}
}

type recordRequest struct {
	ZoneID string `json:"zone_id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	Value  string `json:"value"`
	TTL    int    `json:"ttl"`
}

type recordResponse struct {
	Record struct {
		ID string `json:"id"`
	} `json:"record"`
}

// CreateAddressRecord creates an A record and returns its provider ID
func (c *RESTClient) CreateAddressRecord(ctx context.Context, hostname, ip string) (string, error) {
	body, err := json.Marshal(recordRequest{
		ZoneID: c.zoneID,
		Type:   "A",
		Name:   hostname,
		Value:  ip,
		TTL:    defaultTTL,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal record request: %w", err)
	}

	resp, err := c.do(ctx, c.oneShot, http.MethodPost, "/records", body)
	if err != nil {
		return "", provider.Classify(providerName, "create_record", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", provider.Classify(providerName, "create_record", resp.StatusCode, apiError(resp))
	}

	var out recordResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", provider.Classify(providerName, "create_record", resp.StatusCode, fmt.Errorf("failed to decode record response: %w", err))
	}
	if out.Record.ID == "" {
		return "", provider.Classify(providerName, "create_record", resp.StatusCode, fmt.Errorf("provider returned empty record ID"))
	}
	return out.Record.ID, nil
}

// DeleteRecord deletes a record by ID, treating 404 as success
func (c *RESTClient) DeleteRecord(ctx context.Context, recordID string) error {
	resp, err := c.do(ctx, c.retrying, http.MethodDelete, "/records/"+recordID, nil)
	if err != nil {
		return provider.Classify(providerName, "delete_record", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.Classify(providerName, "delete_record", resp.StatusCode, apiError(resp))
	}
	return nil
}

func (c *RESTClient) do(ctx context.Context, client *retryablehttp.Client, method, path string, body []byte) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build DNS request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", applicationJSON)

	return client.Do(req)
}

func apiError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if len(data) == 0 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(data))
}
