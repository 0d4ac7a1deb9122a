package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// LiveWSFeed is the streaming-quote seam a real NSE/BSE broker adapter
// hangs off of: a single managed websocket connection feeding a
// callback, in the same shape the grounding source's exchange adapter
// used for its own market-data socket. A concrete live Broker
// implementation embeds this for its GetQuote/GetLTP fast path and
// falls back to REST polling when the socket is down; wiring a specific
// broker's wire protocol on top of it is outside the core (SPEC_FULL §1).
type LiveWSFeed struct {
	logger *zap.Logger
	url    string

	mu      sync.Mutex
	conn    *websocket.Conn
	onTick  func(raw []byte)
}

// NewLiveWSFeed creates a feed bound to the given websocket endpoint.
func NewLiveWSFeed(logger *zap.Logger, url string, onTick func(raw []byte)) *LiveWSFeed {
	return &LiveWSFeed{logger: logger.Named("live-ws-feed"), url: url, onTick: onTick}
}

// Connect dials the feed and starts the read pump in a background goroutine.
func (f *LiveWSFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return nil
	}
	dialer := websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dialing live feed %s: %w", f.url, err)
	}
	f.conn = conn
	go f.readPump()
	return nil
}

func (f *LiveWSFeed) readPump() {
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			f.logger.Warn("live feed read failed, closing", zap.Error(err))
			f.Close()
			return
		}
		if f.onTick != nil {
			f.onTick(msg)
		}
	}
}

// Close tears down the websocket connection.
func (f *LiveWSFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return nil
	}
	err := f.conn.Close()
	f.conn = nil
	return err
}

// Connected reports whether the feed currently has a live socket.
func (f *LiveWSFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil
}
