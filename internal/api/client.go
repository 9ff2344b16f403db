// Package api is the client for the Perceptr control plane and the
// pre-signed upload data plane.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/perceptr/perceptr-go/internal/domain"
)

// Environment selects the control-plane host.
type Environment string

const (
	EnvLocal Environment = "local"
	EnvDev   Environment = "dev"
	EnvStg   Environment = "stg"
	EnvProd  Environment = "prod"
)

// BaseURL maps the environment to its control-plane host. Unknown values
// fall back to production.
func (e Environment) BaseURL() string {
	switch e {
	case EnvLocal:
		return "http://localhost:8000"
	case EnvDev:
		return "https://api-dev.perceptr.io"
	case EnvStg:
		return "https://api-stg.perceptr.io"
	default:
		return "https://api.perceptr.io"
	}
}

const defaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	Environment Environment
	Compress    bool
	HTTPClient  *http.Client // nil uses a client with the default timeout
}

// Client talks to the Perceptr ingestion service for one project.
type Client struct {
	http      *http.Client
	baseURL   string
	projectID string
	compress  bool
}

func NewClient(projectID string, opts Options) *Client {
	return NewClientWithBaseURL(projectID, opts.Environment.BaseURL(), opts)
}

// NewClientWithBaseURL is NewClient with an explicit host, for tests and
// self-hosted control planes.
func NewClientWithBaseURL(projectID, baseURL string, opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	return &Client{
		http:      httpClient,
		baseURL:   baseURL,
		projectID: projectID,
		compress:  opts.Compress,
	}
}

// BaseURL returns the resolved control-plane host.
func (c *Client) BaseURL() string { return c.baseURL }

// CheckValidProjectID validates the project credential. Any transport or
// decode error reads as invalid.
func (c *Client) CheckValidProjectID(ctx context.Context) bool {
	url := fmt.Sprintf("%s/api/v1/per/%s/check", c.baseURL, c.projectID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Msg("api: project check request failed")
		return false
	}
	defer resp.Body.Close()

	var body struct {
		Success bool `json:"success"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false
	}
	return body.Success
}

// GetUploadBufferURL obtains the pre-signed upload URL for one batch of the
// session. Returns "" without error when the session is already terminal
// (the server answered 400 with detail "processing already started").
func (c *Client) GetUploadBufferURL(ctx context.Context, sessionID string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/per/%s/r/%s/batch", c.baseURL, c.projectID, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("api.Client.GetUploadBufferURL: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("api.Client.GetUploadBufferURL: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("api.Client.GetUploadBufferURL: read body: %w", err)
	}

	if resp.StatusCode == http.StatusBadRequest {
		var detail struct {
			Detail string `json:"detail"`
		}
		if err := json.Unmarshal(raw, &detail); err == nil && detail.Detail == "processing already started" {
			return "", nil
		}
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("api.Client.GetUploadBufferURL: status %d", resp.StatusCode)
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("api.Client.GetUploadBufferURL: decode: %w", err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("api.Client.GetUploadBufferURL: empty upload url")
	}
	return body.URL, nil
}

// SendEvents uploads one batch: pre-signed URL fetch, PUT, and for terminal
// batches a best-effort process trigger. A terminal session on the server
// (no upload URL issued) returns nil silently.
func (c *Client) SendEvents(ctx context.Context, batch *domain.Batch) error {
	uploadURL, err := c.GetUploadBufferURL(ctx, batch.SessionID)
	if err != nil {
		return fmt.Errorf("api.Client.SendEvents: %w", err)
	}
	if uploadURL == "" {
		log.Debug().Str("session_id", batch.SessionID).Msg("api: processing already started, skipping upload")
		return nil
	}

	batch.Metadata.Compressed = c.compress

	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("api.Client.SendEvents: encode batch: %w", err)
	}

	body := payload
	encoding := ""
	if c.compress {
		gz, gzErr := gzipBytes(payload)
		if gzErr != nil {
			// Compression is best-effort; ship uncompressed instead.
			log.Warn().Err(gzErr).Msg("api: gzip failed, uploading uncompressed")
			batch.Metadata.Compressed = false
			if payload, err = json.Marshal(batch); err != nil {
				return fmt.Errorf("api.Client.SendEvents: encode batch: %w", err)
			}
			body = payload
		} else {
			body = gz
			encoding = "gzip"
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("api.Client.SendEvents: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api.Client.SendEvents: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("api.Client.SendEvents: upload status %d", resp.StatusCode)
	}

	log.Debug().
		Str("session_id", batch.SessionID).
		Str("batch_id", batch.BatchID).
		Int("events", len(batch.Data)).
		Str("payload", humanize.Bytes(uint64(len(body)))).
		Bool("compressed", encoding != "").
		Msg("api: batch uploaded")

	if batch.IsSessionEnded {
		c.triggerProcessing(ctx, batch.SessionID)
	}
	return nil
}

// triggerProcessing fires the terminal process trigger. Best-effort: the
// server deduplicates by session, so failures are logged and swallowed.
func (c *Client) triggerProcessing(ctx context.Context, sessionID string) {
	url := fmt.Sprintf("%s/api/v1/per/%s/r/%s/process", c.baseURL, c.projectID, sessionID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("api: process trigger request failed")
		return
	}
	resp, err := c.http.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("api: process trigger failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Warn().Int("status", resp.StatusCode).Str("session_id", sessionID).Msg("api: process trigger rejected")
	}
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(raw); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
