package swarm

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
)

// reportJournalKey is the Redis list accepted reports are appended to.
const reportJournalKey = "aegis:swarm:reports"

// IOCReport is one anonymous indicator-of-compromise report. SourceID is
// a stable anonymous hash of the reporting agent, never an address.
type IOCReport struct {
	Address    string    `json:"address,omitempty"`
	Selector   string    `json:"selector,omitempty"`
	ChainID    int64     `json:"chain_id"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	SourceID   string    `json:"source_id"`
}

// Aggregator ingests reports, gates them for Sybil resistance, and
// pushes consensus snapshots to websocket subscribers.
type Aggregator struct {
	gate   *Gate
	filter *ConsensusFilter
	rdb    *redis.Client // optional journal

	subMu       sync.RWMutex
	subscribers map[string]chan []byte

	upgrader websocket.Upgrader
}

// NewAggregator builds an aggregator. rdb may be nil to run without the
// report journal.
func NewAggregator(cfg GateConfig, rdb *redis.Client) *Aggregator {
	return &Aggregator{
		gate:        NewGate(cfg),
		filter:      NewConsensusFilter(),
		rdb:         rdb,
		subscribers: make(map[string]chan []byte),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Filter exposes the consensus filter.
func (a *Aggregator) Filter() *ConsensusFilter { return a.filter }

// Ingest processes one report. It returns true when the indicator
// reached consensus and entered the filter.
func (a *Aggregator) Ingest(ctx context.Context, report IOCReport) bool {
	indicator := report.Address
	if indicator == "" {
		indicator = report.Selector
	}
	if indicator == "" {
		return false
	}

	a.journal(ctx, report)
	a.gate.Record(indicator, report.SourceID, report.Timestamp)
	if !a.gate.MeetsThreshold(indicator) {
		return false
	}
	if report.Address != "" {
		a.filter.AddAddress(report.Address)
	} else {
		a.filter.AddSelector(report.Selector)
	}
	slog.Info("indicator reached consensus",
		"indicator", indicator, "version", a.filter.Version())
	a.push()
	return true
}

func (a *Aggregator) journal(ctx context.Context, report IOCReport) {
	if a.rdb == nil {
		return
	}
	raw, err := json.Marshal(report)
	if err != nil {
		return
	}
	if err := a.rdb.LPush(ctx, reportJournalKey, raw).Err(); err != nil {
		slog.Warn("swarm report journal failed", "err", err)
	}
}

// Subscribe registers a push channel under id.
func (a *Aggregator) Subscribe(id string) chan []byte {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	ch := make(chan []byte, 16)
	a.subscribers[id] = ch
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (a *Aggregator) Unsubscribe(id string) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	if ch, ok := a.subscribers[id]; ok {
		close(ch)
		delete(a.subscribers, id)
	}
}

// push fans the current snapshot out to all subscribers. Slow consumers
// are skipped; they catch up on the next push.
func (a *Aggregator) push() {
	data, err := a.filter.Serialize()
	if err != nil {
		slog.Error("serialize consensus filter", "err", err)
		return
	}
	a.subMu.RLock()
	defer a.subMu.RUnlock()
	for id, ch := range a.subscribers {
		select {
		case ch <- data:
		default:
			slog.Warn("subscriber too slow, skipping push", "subscriber", id)
		}
	}
}

// Router wires the aggregator's HTTP surface.
func (a *Aggregator) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ingest", a.handleIngest).Methods(http.MethodPost)
	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ws", a.handleWS).Methods(http.MethodGet)
	return r
}

func (a *Aggregator) handleIngest(w http.ResponseWriter, r *http.Request) {
	var report IOCReport
	if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if report.Timestamp.IsZero() {
		report.Timestamp = time.Now()
	}
	added := a.Ingest(r.Context(), report)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"accepted":        true,
		"added_to_filter": added,
	})
}

func (a *Aggregator) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"filter_size":    a.filter.Len(),
		"filter_version": a.filter.Version(),
	})
}

// handleWS upgrades a subscriber connection. The current snapshot is
// sent immediately, then every consensus change is pushed.
func (a *Aggregator) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}
	id := conn.RemoteAddr().String()
	ch := a.Subscribe(id)
	defer a.Unsubscribe(id)
	defer conn.Close()

	if data, err := a.filter.Serialize(); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	// Reader goroutine detects client close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case data, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
