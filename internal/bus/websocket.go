package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second
)

// wsFrame is the wire shape of one published message. Payload is embedded
// verbatim so the event JSON the outbox committed is the JSON on the wire.
type wsFrame struct {
	Topic   string            `json:"topic"`
	Key     string            `json:"key"`
	Headers map[string]string `json:"headers,omitempty"`
	Payload json.RawMessage   `json:"payload"`
}

// WebSocketPublisher publishes outbox messages to an external broker over a
// websocket connection. Connection failures surface to the caller; the outbox
// dispatcher owns retry and backoff, so this type never retries internally.
type WebSocketPublisher struct {
	url  string
	log  zerolog.Logger
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketPublisher creates a publisher for the given broker URL. The
// connection is established lazily on first publish.
func NewWebSocketPublisher(url string, log zerolog.Logger) *WebSocketPublisher {
	return &WebSocketPublisher{
		url: url,
		log: log.With().Str("component", "ws_publisher").Logger(),
	}
}

// Publish writes one message frame. A write failure drops the connection so
// the next publish redials.
func (p *WebSocketPublisher) Publish(ctx context.Context, msg Message) error {
	frame, err := json.Marshal(wsFrame{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Headers: msg.Headers,
		Payload: json.RawMessage(msg.Payload),
	})
	if err != nil {
		return fmt.Errorf("failed to encode message frame: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		if err := p.connect(ctx); err != nil {
			return err
		}
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	if err := p.conn.Write(writeCtx, websocket.MessageText, frame); err != nil {
		p.dropConnLocked()
		return fmt.Errorf("websocket write failed: %w", err)
	}
	return nil
}

// Close shuts the connection down gracefully.
func (p *WebSocketPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(websocket.StatusNormalClosure, "shutting down")
	p.conn = nil
	return err
}

func (p *WebSocketPublisher) connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, p.url, nil)
	if err != nil {
		return fmt.Errorf("websocket dial %s failed: %w", p.url, err)
	}
	p.conn = conn
	p.log.Info().Str("url", p.url).Msg("Connected to message broker")
	return nil
}

func (p *WebSocketPublisher) dropConnLocked() {
	if p.conn != nil {
		_ = p.conn.Close(websocket.StatusInternalError, "write failed")
		p.conn = nil
	}
	p.log.Warn().Str("url", p.url).Msg("Dropped broker connection, will redial on next publish")
}
