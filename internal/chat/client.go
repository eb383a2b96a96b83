package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/tutor-chat/internal/domain"
)

// maxErrorBodySize caps how much of an error response is read for its detail.
const maxErrorBodySize = 64 << 10

// API paths of the tutor backend.
const (
	StreamPath     = "/api/chat/lc_stream"
	StreamWSPath   = "/api/chat/ws"
	HistoryPath    = "/api/chat/history/"
	AppendTurnPath = "/api/chat/append_turn"
)

// TokenSource supplies the bearer credential for each request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource returning a fixed credential.
type StaticToken string

// Token implements TokenSource.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// StreamRequest is the body of a chat stream request.
type StreamRequest struct {
	Messages []domain.StoredMessage `json:"messages"`
	domain.CurriculumContext
}

// NewStreamRequest builds a request carrying the whole transcript.
func NewStreamRequest(cc domain.CurriculumContext, msgs []domain.Message) StreamRequest {
	out := StreamRequest{
		Messages:          make([]domain.StoredMessage, 0, len(msgs)),
		CurriculumContext: cc,
	}
	for _, m := range msgs {
		out.Messages = append(out.Messages, domain.StoredMessage{Role: string(m.Role), Content: m.Content})
	}
	return out
}

// StreamOpener opens a streamed chat response. The returned body must be
// closed by the caller.
type StreamOpener interface {
	OpenStream(ctx context.Context, req StreamRequest) (io.ReadCloser, error)
}

// HistorySource loads persisted chat history for a curriculum.
type HistorySource interface {
	FetchHistory(ctx context.Context, curriculumID string) ([]domain.HistoryMessage, error)
}

// ClientConfig holds configuration for the HTTP client.
type ClientConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:        "http://localhost:8000",
		RequestTimeout: 30 * time.Second,
	}
}

// Client talks to the chat endpoints of the tutor backend over HTTP.
type Client struct {
	base    *url.URL
	http    *http.Client
	tokens  TokenSource
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a client for the backend at cfg.BaseURL.
func NewClient(cfg ClientConfig, tokens TokenSource, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		// No client-wide timeout: streams stay open for as long as the model
		// produces output. Short calls use cfg.RequestTimeout instead.
		httpClient = &http.Client{}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultClientConfig().BaseURL
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultClientConfig().RequestTimeout
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url %q must be http or https", cfg.BaseURL)
	}
	return &Client{
		base:    base,
		http:    httpClient,
		tokens:  tokens,
		timeout: cfg.RequestTimeout,
		logger:  logger,
	}, nil
}

// BaseURL returns the backend base URL.
func (c *Client) BaseURL() *url.URL {
	u := *c.base
	return &u
}

func (c *Client) endpoint(path string) string {
	return c.base.String() + path
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, err
	}
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), rdr)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// OpenStream posts the chat request and returns the streamed body once the
// response headers indicate success.
func (c *Client) OpenStream(ctx context.Context, sr StreamRequest) (io.ReadCloser, error) {
	req, err := c.newRequest(ctx, http.MethodPost, StreamPath, sr)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat stream request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("chat stream", resp)
	}
	c.logger.Debug("chat stream opened", "curriculum_id", sr.CurriculumID, "messages", len(sr.Messages))
	return resp.Body, nil
}

type historyResponse struct {
	Messages []domain.HistoryMessage `json:"messages"`
}

// FetchHistory loads the stored messages for a curriculum.
func (c *Client) FetchHistory(ctx context.Context, curriculumID string) ([]domain.HistoryMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodGet, HistoryPath+url.PathEscape(curriculumID), nil)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat history request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close history response body", "error", closeErr)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError("chat history", resp)
	}

	var out historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode chat history: %w", err)
	}
	return out.Messages, nil
}

type appendTurnRequest struct {
	CurriculumID string `json:"curriculum_id"`
	domain.Turn
}

// AppendTurn persists a completed turn.
func (c *Client) AppendTurn(ctx context.Context, curriculumID string, turn domain.Turn) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodPost, AppendTurnPath, appendTurnRequest{
		CurriculumID: curriculumID,
		Turn:         turn,
	})
	if err != nil {
		return fmt.Errorf("append turn: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("append turn request failed: %w", err)
	}
	defer func() {
		if _, drainErr := io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodySize)); drainErr != nil {
			c.logger.Debug("failed to drain append turn response", "error", drainErr)
		}
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close append turn response body", "error", closeErr)
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError("append turn", resp)
	}
	return nil
}

// statusError reads the error detail from a failed response and closes it.
func statusError(op string, resp *http.Response) error {
	defer func() { _ = resp.Body.Close() }()
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Detail: errorDetail(data)}
}

func errorDetail(data []byte) string {
	var body struct {
		Detail any    `json:"detail"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	switch d := body.Detail.(type) {
	case string:
		return d
	case nil:
	default:
		if enc, err := json.Marshal(d); err == nil {
			return string(enc)
		}
	}
	return body.Error
}

var (
	_ StreamOpener  = (*Client)(nil)
	_ HistorySource = (*Client)(nil)
	_ TurnStore     = (*Client)(nil)
)
