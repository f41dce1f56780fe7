package remote

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Feed subscribes to the backend's row-change stream over a WebSocket and
// republishes decoded events on a Go channel. Reconnects with capped
// exponential backoff; events are at-least-once, which is safe because every
// consumer applies them idempotently.
type Feed struct {
	url     string
	apiKey  string
	tables  []string
	logger  *zap.Logger
	events  chan ChangeEvent
	cancel  context.CancelFunc
	done    chan struct{}
	backoff time.Duration
}

// FeedOptions configures a Feed.
type FeedOptions struct {
	URL    string
	APIKey string
	Tables []string
	Buffer int
}

// NewFeed creates a change feed client. Start must be called before Events
// yields anything.
func NewFeed(opts FeedOptions, logger *zap.Logger) *Feed {
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{
		url:     opts.URL,
		apiKey:  opts.APIKey,
		tables:  opts.Tables,
		logger:  logger,
		events:  make(chan ChangeEvent, opts.Buffer),
		done:    make(chan struct{}),
		backoff: time.Second,
	}
}

var _ ChangeFeed = (*Feed)(nil)

// Start begins the connect/read loop in the background.
func (f *Feed) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	go f.run(ctx)
}

// Events implements ChangeFeed.
func (f *Feed) Events() <-chan ChangeEvent {
	return f.events
}

// Close implements ChangeFeed. Stops the read loop and closes the event
// channel once the in-flight read finishes.
func (f *Feed) Close() error {
	if f.cancel != nil {
		f.cancel()
		<-f.done
	}
	return nil
}

func (f *Feed) run(ctx context.Context) {
	defer close(f.done)
	defer close(f.events)

	delay := f.backoff
	for {
		if ctx.Err() != nil {
			return
		}
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("change feed disconnected", zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

type subscribeCommand struct {
	Type   string   `json:"type"`
	Tables []string `json:"tables"`
	APIKey string   `json:"api_key,omitempty"`
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, f.url, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	sub, err := json.Marshal(subscribeCommand{Type: "subscribe", Tables: f.tables, APIKey: f.apiKey})
	if err != nil {
		return err
	}
	if err := conn.Write(ctx, websocket.MessageText, sub); err != nil {
		return err
	}
	f.logger.Info("change feed subscribed", zap.Strings("tables", f.tables))

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var evt ChangeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			// One malformed frame must not kill the feed.
			f.logger.Warn("malformed change event", zap.Error(err))
			continue
		}
		select {
		case f.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
