package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/arturfalcao/qa-dashboard-sub001/internal/models"
)

// const ...
const (
	headerDeviceSecret   = "X-Device-Secret"
	headerIdempotencyKey = "X-Idempotency-Key"
	maxErrorBodyLen      = 512
)

// APIError is raised for any non-2xx response that is not tolerated by the
// operation. Retrying it may or may not ever succeed; callers treat it the
// same as a transient fault.
type APIError struct {
	Body   string
	Status int
}

// Error ...
func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Body)
}

// Config ...
type Config struct {
	BaseURL        string
	DeviceSecret   string
	RequestTimeout time.Duration
	RetryAttempts  int
	RetryBackoff   time.Duration
}

// Client performs individual remote operations against the central server.
// Each call is stateless, bounded by a request timeout and retried a small
// fixed number of times on transient faults before surfacing one failure.
// The client knows nothing about queueing.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// NewClient ...
func NewClient(cfg Config) *Client {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
	}
}

// Ping reports whether the central server is reachable.
func (c *Client) Ping(ctx context.Context) bool {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/edge/ping", nil)
	})
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 300
}

// GetCurrentSession returns the active inspection session, or nil when the
// server reports no active session. 204/304 and 404/409 all mean legitimate
// absence, not failure.
func (c *Client) GetCurrentSession(ctx context.Context) (*models.Session, error) {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/edge/session/current", nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusNotModified, http.StatusNotFound, http.StatusConflict:
		return nil, nil
	}
	if err = checkStatus(resp); err != nil {
		return nil, err
	}

	var session models.Session
	if err = json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return nil, fmt.Errorf("failed to decode session: %w", err)
	}
	return &session, nil
}

// UploadPhoto sends the captured photo as a multipart form. The file is read
// per attempt so a retried request never reuses a drained body.
func (c *Client) UploadPhoto(ctx context.Context, path, sessionID, pieceID, idempotencyKey string) error {
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open photo: %w", err)
		}
		defer f.Close()

		var body bytes.Buffer
		w := multipart.NewWriter(&body)

		part, err := w.CreateFormFile("photo", filepath.Base(path))
		if err != nil {
			return nil, err
		}
		if _, err = io.Copy(part, f); err != nil {
			return nil, fmt.Errorf("failed to read photo: %w", err)
		}
		if err = w.WriteField("sessionId", sessionID); err != nil {
			return nil, err
		}
		if pieceID != "" {
			if err = w.WriteField("pieceId", pieceID); err != nil {
				return nil, err
			}
		}
		if err = w.Close(); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/edge/photo/upload", &body)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// FlagDefect ...
func (c *Client) FlagDefect(ctx context.Context, pieceID, transcript, idempotencyKey string) error {
	return c.postJSON(ctx, "/edge/defect/flag", map[string]string{
		"pieceId":         pieceID,
		"audioTranscript": transcript,
	}, idempotencyKey)
}

// FlagPotential ...
func (c *Client) FlagPotential(ctx context.Context, pieceID, transcript, idempotencyKey string) error {
	return c.postJSON(ctx, "/edge/defect/potential", map[string]string{
		"pieceId":         pieceID,
		"audioTranscript": transcript,
	}, idempotencyKey)
}

// CompletePiece ...
func (c *Client) CompletePiece(ctx context.Context, sessionID, pieceID, status, idempotencyKey string) error {
	return c.postJSON(ctx, "/edge/piece/complete", map[string]string{
		"sessionId": sessionID,
		"pieceId":   pieceID,
		"status":    status,
	}, idempotencyKey)
}

// postJSON ...
func (c *Client) postJSON(ctx context.Context, path string, payload any, idempotencyKey string) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(headerIdempotencyKey, idempotencyKey)
		return req, nil
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// doWithRetry executes the request with a small fixed micro-retry for
// transient faults only: connection errors, timeouts and 5xx. Backoff doubles
// per attempt (1s/2s/4s at defaults) and is interruptible by ctx. Anything
// else is returned as-is for the caller to classify.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt < c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			delay := c.cfg.RetryBackoff * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		req, err := build()
		if err != nil {
			// request construction failures (e.g. missing local file) are
			// never transient, do not burn attempts on them
			return nil, err
		}
		req.Header.Set(headerDeviceSecret, c.cfg.DeviceSecret)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			log.WithFields(log.Fields{
				"url":     req.URL.String(),
				"attempt": attempt + 1,
			}).WithError(err).Warn("transient request failure")
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = newAPIError(resp)
			resp.Body.Close()
			log.WithFields(log.Fields{
				"url":     req.URL.String(),
				"status":  resp.StatusCode,
				"attempt": attempt + 1,
			}).Warn("server error, retrying")
			continue
		}

		return resp, nil
	}

	return nil, lastErr
}

// checkStatus ...
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return newAPIError(resp)
}

// newAPIError drains up to maxErrorBodyLen bytes of the response body into
// the error.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
	return &APIError{Status: resp.StatusCode, Body: string(body)}
}
