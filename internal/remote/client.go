// Package remote talks to the Pad-i server over HTTP. A Client satisfies every
// collaborator the session engine needs: thread store, message fetcher and
// writer, streaming transport, title generator and usage source.
package remote

import (
	"bufio"
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

	"go.uber.org/zap"

	"github.com/RichardoC/Pad-i/internal/models"
	"github.com/RichardoC/Pad-i/internal/usage"
)

// StatusError is a non-2xx answer from the server.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap lets callers match a refused send with errors.Is(err, usage.ErrQuotaExceeded).
func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusTooManyRequests && e.Code == "quota_exceeded" {
		return usage.ErrQuotaExceeded
	}
	return nil
}

type Client struct {
	baseURL string
	http    *http.Client
	stream  *http.Client
	logger  *zap.Logger
}

func New(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		// Streams are bounded by the caller's context and the server's own timeout.
		stream: &http.Client{},
		logger: logger,
	}
}

func (c *Client) CreateThread(ctx context.Context, id, model, ownerID string) (models.Thread, error) {
	var t models.Thread
	err := c.do(ctx, http.MethodPost, "/api/threads", map[string]string{
		"id":       id,
		"model":    model,
		"owner_id": ownerID,
	}, &t)
	return t, err
}

func (c *Client) UpdateThreadTitle(ctx context.Context, id, title string) error {
	return c.do(ctx, http.MethodPatch, "/api/threads/"+url.PathEscape(id), map[string]string{"title": title}, nil)
}

func (c *Client) UpdateThreadModel(ctx context.Context, id, model string) error {
	return c.do(ctx, http.MethodPatch, "/api/threads/"+url.PathEscape(id), map[string]string{"model": model}, nil)
}

func (c *Client) DeleteThread(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/threads/"+url.PathEscape(id), nil, nil)
}

func (c *Client) ListThreads(ctx context.Context, ownerID string) ([]models.Thread, error) {
	threads := []models.Thread{}
	err := c.do(ctx, http.MethodGet, "/api/threads?owner="+url.QueryEscape(ownerID), nil, &threads)
	return threads, err
}

func (c *Client) FetchMessages(ctx context.Context, threadID string) ([]models.Message, error) {
	msgs := []models.Message{}
	err := c.do(ctx, http.MethodGet, "/api/threads/"+url.PathEscape(threadID)+"/messages", nil, &msgs)
	return msgs, err
}

func (c *Client) ReplaceMessages(ctx context.Context, threadID string, msgs []models.Message) error {
	if msgs == nil {
		msgs = []models.Message{}
	}
	return c.do(ctx, http.MethodPut, "/api/threads/"+url.PathEscape(threadID)+"/messages", msgs, nil)
}

func (c *Client) GenerateTitle(ctx context.Context, prompt string) (string, error) {
	var resp struct {
		Title string `json:"title"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/title", map[string]string{"prompt": prompt}, &resp); err != nil {
		return "", err
	}
	return resp.Title, nil
}

func (c *Client) Usage(ctx context.Context, identity string) (usage.Usage, error) {
	var u usage.Usage
	err := c.do(ctx, http.MethodGet, "/api/usage?identity="+url.QueryEscape(identity), nil, &u)
	return u, err
}

// Send posts the conversation and decodes the NDJSON reply into a channel.
// A stream that breaks off is reported as a final error event.
func (c *Client) Send(ctx context.Context, conv models.Conversation) (<-chan models.StreamEvent, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/chat", conv)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := c.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to start stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readStatusError(resp)
	}

	events := make(chan models.StreamEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()

		emit := func(ev models.StreamEvent) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var ev models.StreamEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				c.logger.Warn("Skipping malformed stream line", zap.Error(err))
				continue
			}
			if !emit(ev) {
				return
			}
			if ev.Type == models.EventDone || ev.Type == models.EventError {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			emit(models.StreamEvent{Type: models.EventError, Error: err.Error()})
		}
	}()
	return events, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readStatusError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s %s response: %w", method, path, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request: %w", err)
		}
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func readStatusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	se := &StatusError{StatusCode: resp.StatusCode}
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		se.Code = body.Code
		se.Message = body.Error
	} else {
		se.Message = strings.TrimSpace(string(raw))
	}
	return se
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusNotFound
}
