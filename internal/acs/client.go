package acs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Outcome is the SMTP-facing result of submitting an envelope to ACS.
type Outcome struct {
	// Code is the SMTP reply code to send: 250 on success, 451 on
	// transient upstream failure, 554 on permanent upstream failure.
	Code int

	// EnhancedStatus is the RFC 3463 enhanced status code accompanying
	// Code (e.g. "2.0.0", "4.7.1").
	EnhancedStatus string

	// Message is the human-readable text to append to the SMTP reply.
	Message string

	// OperationID is the ACS-assigned operation id, present on success.
	OperationID string
}

// Sender submits a built envelope to ACS and maps the HTTP result to an
// SMTP-facing Outcome. Implemented by Client; tests substitute in-process
// fakes.
type Sender interface {
	Send(ctx context.Context, env *Envelope) (*Outcome, error)
}

// Client is the ACS Sender backed by a real HTTPS POST. A single Client is
// constructed once per process and shared across all sessions; http.Client
// pools and reuses connections internally and is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	endpoint   string // scheme://host, no trailing slash
	host       string // host only, no scheme or port
	accessKey  []byte
	now        func() time.Time
}

const apiPath = "/emails:send?api-version=2023-03-31"

// NewClient builds a Client targeting endpoint (scheme://host[:port]) and
// signing requests with accessKey. httpClient is the shared singleton HTTP
// client; if nil, http.DefaultClient is used.
func NewClient(endpoint, host string, accessKey []byte, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		endpoint:   endpoint,
		host:       host,
		accessKey:  accessKey,
		now:        time.Now,
	}
}

// Send builds and submits the signed POST for env, and maps the HTTP
// result to an Outcome. It never retries; the SMTP client owns retry.
func (c *Client) Send(ctx context.Context, env *Envelope) (*Outcome, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshaling envelope: %w", err)
	}

	headers := Sign(apiPath, c.host, body, c.accessKey, c.now)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+apiPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("x-ms-date", headers.Date)
	req.Header.Set("x-ms-content-sha256", headers.ContentSHA256)
	req.Header.Set("Authorization", headers.Authorization)
	req.Header.Set("Content-Type", headers.ContentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Outcome{
			Code:           451,
			EnhancedStatus: "4.7.1",
			Message:        "Temporary failure, try again later",
		}, nil
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	return mapOutcome(resp.StatusCode, respBody), nil
}

// mapOutcome maps an ACS HTTP status to an SMTP Outcome per the relay's
// outcome mapping: 2xx -> 250, 4xx (other than 429) -> 554, 429/5xx -> 451.
func mapOutcome(status int, body []byte) *Outcome {
	switch {
	case status >= 200 && status < 300:
		return &Outcome{
			Code:           250,
			EnhancedStatus: "2.0.0",
			Message:        "OK",
			OperationID:    operationID(body),
		}
	case status == 429 || status >= 500:
		return &Outcome{
			Code:           451,
			EnhancedStatus: "4.7.1",
			Message:        "Temporary failure, try again later",
		}
	default:
		return &Outcome{
			Code:           554,
			EnhancedStatus: "5.7.1",
			Message:        "Transaction failed",
		}
	}
}

// operationID extracts the "id" field ACS returns on a successful submit,
// if present. Absence is not an error; the SMTP reply simply omits it.
func operationID(body []byte) string {
	var v struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return v.ID
}
