// Package upload sends location samples to the ingestion endpoint and
// classifies each attempt as a success, a retryable failure or an auth failure.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"tracking-service/internal/location"
)

type Outcome int

const (
	Success Outcome = iota
	TransientFailure
	AuthFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case TransientFailure:
		return "transient-failure"
	case AuthFailure:
		return "auth-failure"
	}
	return "unknown"
}

// Payload is the body of one upload.
type Payload struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	Speed     float64 `json:"speed"`
	IsMoving  bool    `json:"is_moving"`
	Timestamp string  `json:"timestamp"`
	DeviceID  string  `json:"device_id,omitempty"`
}

func NewPayload(s location.Sample, moving bool) Payload {
	return Payload{
		Latitude:  s.Latitude,
		Longitude: s.Longitude,
		Accuracy:  s.AccuracyM,
		Speed:     s.SpeedMPS,
		IsMoving:  moving,
		Timestamp: s.Timestamp.UTC().Format(time.RFC3339),
	}
}

type Client struct {
	endpoint string
	token    string
	deviceID string
	http     *http.Client
	logger   zerolog.Logger
}

func New(endpoint, token, deviceID string, timeout time.Duration, logger zerolog.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		token:    token,
		deviceID: deviceID,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "upload").Logger(),
	}
}

// Classify maps an HTTP status or transport error to an outcome.
func Classify(status int, err error) Outcome {
	switch {
	case err != nil:
		return TransientFailure
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return AuthFailure
	case status >= 200 && status < 300:
		return Success
	}
	return TransientFailure
}

// Send performs one upload and blocks until it completes.
func (c *Client) Send(ctx context.Context, p Payload) (Outcome, error) {
	if c.endpoint == "" {
		return TransientFailure, fmt.Errorf("no upload endpoint configured")
	}
	p.DeviceID = c.deviceID

	body, err := json.Marshal(p)
	if err != nil {
		return TransientFailure, fmt.Errorf("failed to encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return TransientFailure, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Classify(0, err), fmt.Errorf("upload request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	outcome := Classify(resp.StatusCode, nil)
	if outcome != Success {
		return outcome, fmt.Errorf("upload rejected: %s", resp.Status)
	}
	return Success, nil
}

// Upload runs Send on its own goroutine and reports the outcome to done.
func (c *Client) Upload(ctx context.Context, p Payload, done func(Outcome)) {
	go func() {
		outcome, err := c.Send(ctx, p)
		if err != nil {
			c.logger.Warn().Err(err).Str("outcome", outcome.String()).Msg("upload failed")
		}
		done(outcome)
	}()
}
