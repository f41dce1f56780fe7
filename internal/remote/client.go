package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client talks to the backend's row endpoints over HTTP. Every request gets
// a hard deadline; an unbounded hang is treated as a transient failure by
// the caller's retry path.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	timeout time.Duration
}

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	HTTP    *http.Client
}

// NewClient creates a backend client.
func NewClient(opts ClientOptions) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	return &Client{
		baseURL: opts.BaseURL,
		apiKey:  opts.APIKey,
		http:    opts.HTTP,
		timeout: opts.Timeout,
	}
}

var _ Backend = (*Client)(nil)

// MessagesBefore implements Backend.
func (c *Client) MessagesBefore(ctx context.Context, channelID string, cur Cursor, limit int) ([]MessageRow, error) {
	q := url.Values{}
	q.Set("channel_id", channelID)
	q.Set("limit", strconv.Itoa(limit))
	if !cur.Zero() {
		q.Set("before_created_at", strconv.FormatInt(cur.BeforeCreatedAt, 10))
		q.Set("before_id", cur.BeforeID)
	}
	var rows []MessageRow
	if err := c.do(ctx, http.MethodGet, "/rows/messages?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	return rows, nil
}

// SendMessage implements Backend.
func (c *Client) SendMessage(ctx context.Context, msg OutboundMessage) (*MessageRow, error) {
	var row MessageRow
	if err := c.do(ctx, http.MethodPost, "/rows/messages", msg, &row); err != nil {
		return nil, fmt.Errorf("send message: %w", err)
	}
	return &row, nil
}

// Channel implements Backend.
func (c *Client) Channel(ctx context.Context, id string) (*ChannelRow, error) {
	var rows []ChannelRow
	q := url.Values{}
	q.Set("id", id)
	if err := c.do(ctx, http.MethodGet, "/rows/channels?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch channel: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// PostsWithin implements Backend.
func (c *Client) PostsWithin(ctx context.Context, box BoundingBox, category string, limit int) ([]PostRow, error) {
	q := url.Values{}
	q.Set("min_lat", strconv.FormatFloat(box.MinLat, 'f', -1, 64))
	q.Set("max_lat", strconv.FormatFloat(box.MaxLat, 'f', -1, 64))
	q.Set("min_lon", strconv.FormatFloat(box.MinLon, 'f', -1, 64))
	q.Set("max_lon", strconv.FormatFloat(box.MaxLon, 'f', -1, 64))
	q.Set("limit", strconv.Itoa(limit))
	if category != "" {
		q.Set("category", category)
	}
	var rows []PostRow
	if err := c.do(ctx, http.MethodGet, "/rows/posts?"+q.Encode(), nil, &rows); err != nil {
		return nil, fmt.Errorf("fetch posts: %w", err)
	}
	return rows, nil
}

// MarkRead implements Backend. Best-effort single write, no retry machinery.
func (c *Client) MarkRead(ctx context.Context, channelID, userID string) error {
	body := map[string]any{
		"channel_id": channelID,
		"user_id":    userID,
		"read_at":    time.Now().UnixMilli(),
	}
	if err := c.do(ctx, http.MethodPost, "/rows/read_receipts", body, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if isPermanentStatus(resp.StatusCode) {
			return &PermanentError{Status: resp.StatusCode, Msg: string(msg)}
		}
		return fmt.Errorf("remote status %d: %s", resp.StatusCode, msg)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// 4xx responses are permanent rejections except timeouts and throttling,
// which the retry path may still recover from.
func isPermanentStatus(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	return code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
