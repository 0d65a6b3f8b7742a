// Package realtime subscribes to the backend's change feed and invalidates
// read-cache entries when other clients modify data. It is a freshness
// optimization only: offline detection stays with the connectivity oracle,
// and a dropped socket is never treated as proof of being offline.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sitedock/sitedock/internal/cache"
	"github.com/sitedock/sitedock/internal/connectivity"
)

const maxReconnectDelay = 30 * time.Second

// Event is one change notification from the backend.
type Event struct {
	Resource string `json:"resource"`
	Kind     string `json:"kind"`
	RecordID string `json:"record_id,omitempty"`
}

// Subscriber maintains the websocket to the change feed.
type Subscriber struct {
	url    string
	apiKey string
	cache  *cache.Store
	oracle *connectivity.Oracle
	logger *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a subscriber for the change feed at url.
func New(url, apiKey string, store *cache.Store, oracle *connectivity.Oracle, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{
		url:    url,
		apiKey: apiKey,
		cache:  store,
		oracle: oracle,
		logger: logger.With("component", "realtime"),
	}
}

// Start launches the subscribe loop. It reconnects with capped backoff until
// Stop is called or ctx is cancelled.
func (s *Subscriber) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop tears down the subscription and waits for the loop to exit.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Subscriber) run(ctx context.Context) {
	defer s.wg.Done()

	delay := time.Second
	for {
		if err := s.subscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Debug("change feed disconnected", "error", err, "retry_in", delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// subscribe dials the feed and pumps events until the socket drops.
func (s *Subscriber) subscribe(ctx context.Context) error {
	opts := &websocket.DialOptions{HTTPHeader: http.Header{}}
	if s.apiKey != "" {
		opts.HTTPHeader.Set("apikey", s.apiKey)
	}
	conn, _, err := websocket.Dial(ctx, s.url, opts)
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "") //nolint:errcheck

	s.logger.Info("change feed connected")
	// A live socket means the backend answered; treat it as an online hint.
	s.oracle.SetOnline()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("unparseable change event", "error", err)
			continue
		}
		if ev.Resource == "" {
			continue
		}

		s.cache.InvalidatePrefix(ev.Resource)
		s.logger.Debug("cache invalidated by change event",
			"resource", ev.Resource, "kind", ev.Kind)
	}
}
