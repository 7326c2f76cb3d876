// Package pricefeed maintains a live cache of pyth prices from a hermes
// endpoint. It speaks both hermes transports: the websocket subscription
// at /ws and the SSE price stream, chosen by URL scheme, and reconnects
// with a fixed delay on any failure.
package pricefeed

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	websocketReadLimitBytes = 16 << 20
	websocketWriteTimeout   = 5 * time.Second
	handshakeTimeout        = 10 * time.Second
)

// Update is one decoded price point for a feed.
type Update struct {
	FeedID      string
	Price       decimal.Decimal
	Conf        decimal.Decimal
	Expo        int32
	PublishTime int64
	ReceivedAt  int64
}

type Config struct {
	StreamURL         string
	FeedIDs           []string
	ReconnectInterval time.Duration
}

// Feed runs the stream and caches the latest update per feed id.
type Feed struct {
	cfg     Config
	logger  *slog.Logger
	handler func(Update)

	mu     sync.RWMutex
	latest map[string]Update
}

// New builds a feed. The handler, if non-nil, is called for every update
// after the cache is refreshed.
func New(cfg Config, logger *slog.Logger, handler func(Update)) *Feed {
	return &Feed{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		latest:  make(map[string]Update),
	}
}

// Latest returns the most recent update for a feed id.
func (f *Feed) Latest(feedID string) (Update, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	update, ok := f.latest[strings.ToLower(feedID)]
	return update, ok
}

// Run streams until the context is canceled, reconnecting on failure.
func (f *Feed) Run(ctx context.Context) error {
	endpoint := strings.TrimSpace(f.cfg.StreamURL)
	if endpoint == "" || len(f.cfg.FeedIDs) == 0 {
		return errors.New("pricefeed: endpoint and feed ids are required")
	}
	reconnectDelay := f.cfg.ReconnectInterval
	if reconnectDelay <= 0 {
		reconnectDelay = 3 * time.Second
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("parse stream endpoint: %w", err)
	}
	useWebsocket := parsed.Scheme == "ws" || parsed.Scheme == "wss"

	f.logger.Info("price stream enabled",
		"endpoint", endpoint,
		"feeds", len(f.cfg.FeedIDs),
		"transport", map[bool]string{true: "websocket", false: "sse"}[useWebsocket],
		"reconnect_delay", reconnectDelay.String(),
	)

	client := &http.Client{}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if useWebsocket {
			err = f.consumeWebsocket(ctx, endpoint)
		} else {
			err = f.consumeSSE(ctx, client, endpoint)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			f.logger.Warn("price stream disconnected", "err", err, "retry_in", reconnectDelay.String())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Hermes websocket messages.

type wsSubscribeRequest struct {
	Type string   `json:"type"`
	IDs  []string `json:"ids"`
}

type wsMessage struct {
	Type      string      `json:"type"`
	PriceFeed wsPriceFeed `json:"price_feed"`
}

type wsPriceFeed struct {
	ID    string        `json:"id"`
	Price priceSnapshot `json:"price"`
}

type priceSnapshot struct {
	Price       string `json:"price"`
	Conf        string `json:"conf"`
	Expo        int32  `json:"expo"`
	PublishTime int64  `json:"publish_time"`
}

func (f *Feed) consumeWebsocket(ctx context.Context, endpoint string) error {
	dialer := websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  handshakeTimeout,
		EnableCompression: true,
	}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial price stream: %w", err)
	}
	conn.SetReadLimit(websocketReadLimitBytes)
	defer conn.Close()
	stop := closeConnOnContextDone(ctx, conn)
	defer stop()

	if err := conn.SetWriteDeadline(time.Now().Add(websocketWriteTimeout)); err != nil {
		return err
	}
	if err := conn.WriteJSON(wsSubscribeRequest{Type: "subscribe", IDs: f.cfg.FeedIDs}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read price stream: %w", err)
		}
		if msg.Type != "price_update" {
			continue
		}
		f.apply(msg.PriceFeed.ID, msg.PriceFeed.Price)
	}
}

func closeConnOnContextDone(ctx context.Context, conn *websocket.Conn) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	return func() {
		close(done)
	}
}

// SSE envelope from /v2/updates/price/stream.

type sseEnvelope struct {
	Parsed []sseUpdate `json:"parsed"`
}

type sseUpdate struct {
	ID    string        `json:"id"`
	Price priceSnapshot `json:"price"`
}

func (f *Feed) consumeSSE(ctx context.Context, client *http.Client, endpoint string) error {
	streamURL, err := buildSSEURL(endpoint, f.cfg.FeedIDs)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return fmt.Errorf("build stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("open price stream: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("open price stream: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 1024), 64*1024*1024)

	var eventData strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			if eventData.Len() == 0 {
				continue
			}
			f.processSSEEvent(eventData.String())
			eventData.Reset()
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		if eventData.Len() > 0 {
			eventData.WriteByte('\n')
		}
		eventData.WriteString(payload)
	}
	if eventData.Len() > 0 {
		f.processSSEEvent(eventData.String())
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read price stream: %w", err)
	}
	return io.EOF
}

func (f *Feed) processSSEEvent(rawEvent string) {
	payload := strings.TrimSpace(rawEvent)
	if payload == "" || payload == "[DONE]" {
		return
	}
	var event sseEnvelope
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		f.logger.Warn("failed to decode price stream event", "err", err)
		return
	}
	for _, update := range event.Parsed {
		f.apply(update.ID, update.Price)
	}
}

// apply decodes one snapshot, refreshes the cache and invokes the
// handler. Snapshots for feeds outside the subscription, or with
// non-positive prices, are dropped.
func (f *Feed) apply(feedID string, snapshot priceSnapshot) {
	id := strings.ToLower(strings.TrimSpace(feedID))
	if id == "" || !f.subscribed(id) {
		return
	}
	price, err := decodeScaled(snapshot.Price, snapshot.Expo)
	if err != nil || price.Sign() <= 0 {
		return
	}
	conf, err := decodeScaled(snapshot.Conf, snapshot.Expo)
	if err != nil {
		conf = decimal.Zero
	}
	now := time.Now().Unix()
	publishTime := snapshot.PublishTime
	if publishTime <= 0 {
		publishTime = now
	}

	update := Update{
		FeedID:      id,
		Price:       price,
		Conf:        conf,
		Expo:        snapshot.Expo,
		PublishTime: publishTime,
		ReceivedAt:  now,
	}
	f.mu.Lock()
	f.latest[id] = update
	f.mu.Unlock()

	if f.handler != nil {
		f.handler(update)
	}
}

func (f *Feed) subscribed(id string) bool {
	for _, candidate := range f.cfg.FeedIDs {
		if strings.EqualFold(candidate, id) {
			return true
		}
	}
	return false
}

func buildSSEURL(endpoint string, feedIDs []string) (string, error) {
	parsedURL, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return "", fmt.Errorf("parse stream endpoint: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return "", fmt.Errorf("invalid stream endpoint: %q", endpoint)
	}

	query := parsedURL.Query()
	query.Del("ids[]")
	for _, id := range feedIDs {
		query.Add("ids[]", strings.ToLower(strings.TrimSpace(id)))
	}
	if strings.TrimSpace(query.Get("parsed")) == "" {
		query.Set("parsed", "true")
	}
	parsedURL.RawQuery = query.Encode()

	return parsedURL.String(), nil
}

func decodeScaled(raw string, expo int32) (decimal.Decimal, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Decimal{}, errors.New("empty price")
	}
	value, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return value.Shift(expo), nil
}
