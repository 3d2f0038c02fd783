// Package hassio talks to the Home Assistant Supervisor REST API: it is
// the source of truth for the installed OS version, the broker credentials
// of the Mosquitto add-on, and the persistent-notification service.
package hassio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultBaseURL is the in-container Supervisor endpoint.
	DefaultBaseURL = "http://supervisor"

	// TokenEnv is the environment variable carrying the Supervisor
	// bearer token. The daemon refuses to start without it.
	TokenEnv = "SUPERVISOR_TOKEN"

	requestTimeout = 10 * time.Second
)

// APIError describes a failed Supervisor request.
type APIError struct {
	Endpoint   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("supervisor request %s: status %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("supervisor request %s: %v", e.Endpoint, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// MQTTService is the broker connection info published by the Mosquitto
// add-on through the services API.
type MQTTService struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Client is a minimal Supervisor API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a Supervisor client with the given bearer token.
func NewClient(token string) *Client {
	return &Client{
		baseURL:    DefaultBaseURL,
		token:      token,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// WithBaseURL overrides the Supervisor endpoint.
func (c *Client) WithBaseURL(baseURL string) *Client {
	c.baseURL = baseURL
	return c
}

// OSVersion returns the installed operating-system version, or an error
// when the Supervisor is unreachable or the payload is malformed.
func (c *Client) OSVersion(ctx context.Context) (string, error) {
	var resp struct {
		Data struct {
			Version string `json:"version"`
		} `json:"data"`
	}
	if err := c.get(ctx, "/os/info", &resp); err != nil {
		return "", err
	}
	if resp.Data.Version == "" {
		return "", &APIError{Endpoint: "/os/info", Err: fmt.Errorf("no version in response")}
	}
	return resp.Data.Version, nil
}

// MQTTServiceInfo returns the Mosquitto connection info. A 400 from the
// services API means the broker add-on is not up yet, which is normal
// shortly after boot; it is reported as a regular error for the caller to
// retry on the next cycle.
func (c *Client) MQTTServiceInfo(ctx context.Context) (*MQTTService, error) {
	var resp struct {
		Data MQTTService `json:"data"`
	}
	if err := c.get(ctx, "/services/mqtt", &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusBadRequest {
			log.Debugf("mqtt service not ready yet (400 from supervisor)")
		}
		return nil, err
	}
	return &resp.Data, nil
}

// Notify creates a persistent notification in Home Assistant.
func (c *Client) Notify(ctx context.Context, title, message string) error {
	payload, err := json.Marshal(map[string]string{
		"title":   title,
		"message": message,
	})
	if err != nil {
		return err
	}

	endpoint := "/core/api/services/persistent_notification/create"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	defer closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	return nil
}

func (c *Client) get(ctx context.Context, endpoint string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &APIError{Endpoint: endpoint, Err: err}
	}
	defer closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &APIError{Endpoint: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		log.Warnf("error closing response body: %v", err)
	}
}
