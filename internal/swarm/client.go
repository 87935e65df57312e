package swarm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/scoootscooob/aegis-protocol/internal/engine"
)

// reconnectDelay paces websocket reconnect attempts.
const reconnectDelay = 5 * time.Second

// Client subscribes a proxy to an aggregator's consensus pushes and
// reports local block events upstream.
type Client struct {
	baseURL  string // http(s)://host:port of the aggregator
	wsURL    string
	sourceID string
	onMerge  func(engine.FeedSnapshot)

	httpClient *http.Client
}

// NewClient builds a client against an aggregator base URL. onMerge is
// invoked for every received snapshot.
func NewClient(baseURL, wsURL string, onMerge func(engine.FeedSnapshot)) *Client {
	return &Client{
		baseURL:    baseURL,
		wsURL:      wsURL,
		sourceID:   uuid.NewString(),
		onMerge:    onMerge,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// Run maintains the subscription until the context is cancelled,
// reconnecting on failure.
func (c *Client) Run(ctx context.Context) {
	for {
		if err := c.subscribe(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("swarm subscription lost", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Client) subscribe(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial aggregator: %w", err)
	}
	defer conn.Close()
	slog.Info("swarm subscription established", "url", c.wsURL)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var snap engine.FeedSnapshot
		if err := json.Unmarshal(data, &snap); err != nil {
			slog.Warn("malformed swarm snapshot", "err", err)
			continue
		}
		c.onMerge(snap)
	}
}

// Report submits one indicator observation. Failures are logged only;
// reporting is best effort and never blocks local enforcement.
func (c *Client) Report(ctx context.Context, address, selector string, chainID int64, confidence float64) {
	report := IOCReport{
		Address:    address,
		Selector:   selector,
		ChainID:    chainID,
		Confidence: confidence,
		Timestamp:  time.Now(),
		SourceID:   c.sourceID,
	}
	body, err := json.Marshal(report)
	if err != nil {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("swarm report failed", "err", err)
		return
	}
	resp.Body.Close()
}
