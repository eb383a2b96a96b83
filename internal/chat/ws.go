package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
)

// wsReadLimit bounds a single websocket frame from the server.
const wsReadLimit = 1 << 20

// WSOpener opens chat streams over a websocket. The request is sent as the
// first text frame and the server replies with line-protocol text frames,
// closing normally after the final line.
type WSOpener struct {
	base   *url.URL
	tokens TokenSource
	http   *http.Client
	logger *slog.Logger
}

// NewWSOpener derives the websocket endpoint from an HTTP client's base URL.
func NewWSOpener(c *Client) *WSOpener {
	return &WSOpener{
		base:   c.BaseURL(),
		tokens: c.tokens,
		http:   c.http,
		logger: c.logger,
	}
}

func (o *WSOpener) endpoint(token string) string {
	u := *o.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += StreamWSPath
	q := url.Values{}
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// OpenStream dials the websocket endpoint and sends the request. The returned
// reader yields the concatenated text frames and reports io.EOF when the
// server closes normally.
func (o *WSOpener) OpenStream(ctx context.Context, sr StreamRequest) (io.ReadCloser, error) {
	token, err := o.tokens.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}

	conn, resp, err := websocket.Dial(ctx, o.endpoint(token), &websocket.DialOptions{HTTPClient: o.http})
	if err != nil {
		if resp != nil && resp.StatusCode >= 400 {
			return nil, statusError("chat stream", resp)
		}
		return nil, fmt.Errorf("chat stream dial failed: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	payload, err := json.Marshal(sr)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "encode failed")
		return nil, fmt.Errorf("encode request body: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("send chat request: %w", err)
	}
	o.logger.Debug("chat websocket opened", "curriculum_id", sr.CurriculumID, "messages", len(sr.Messages))

	return websocket.NetConn(ctx, conn, websocket.MessageText), nil
}

var _ StreamOpener = (*WSOpener)(nil)
