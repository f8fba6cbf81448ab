package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	mainnetStreamHost = "fstream.binance.com"
	testnetStreamHost = "stream.binancefuture.com"
)

// UserStreamURL builds the user data stream endpoint for a listen key.
func UserStreamURL(testnet bool, listenKey string) string {
	host := mainnetStreamHost
	if testnet {
		host = testnetStreamHost
	}
	return fmt.Sprintf("wss://%s/ws/%s", host, listenKey)
}

// MarkPriceStreamURL builds a combined mark-price stream for a symbol set.
func MarkPriceStreamURL(testnet bool, symbols []string) string {
	host := mainnetStreamHost
	if testnet {
		host = testnetStreamHost
	}
	streams := make([]string, 0, len(symbols))
	for _, s := range symbols {
		streams = append(streams, strings.ToLower(s)+"@markPrice")
	}
	return fmt.Sprintf("wss://%s/stream?streams=%s", host, strings.Join(streams, "/"))
}

// MessageHandler receives the payload of one stream event.
type MessageHandler func(message json.RawMessage)

// StreamClient is a single websocket session against a Binance futures
// stream endpoint. Events are dispatched to handlers by their "e" field;
// combined-stream wrappers are unwrapped first. A session is one-shot:
// after a disconnect the owner dials a fresh client (and a fresh listen
// key where one is needed).
type StreamClient struct {
	url      string
	logger   *logrus.Logger
	conn     *websocket.Conn
	mu       sync.Mutex
	handlers map[string]MessageHandler

	done     chan struct{}
	doneOnce sync.Once
}

func NewStreamClient(url string, logger *logrus.Logger) *StreamClient {
	return &StreamClient{
		url:      url,
		logger:   logger,
		handlers: make(map[string]MessageHandler),
		done:     make(chan struct{}),
	}
}

// RegisterHandler binds a handler to an event type. Call before Connect.
func (s *StreamClient) RegisterHandler(eventType string, handler MessageHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[eventType] = handler
}

func (s *StreamClient) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to stream: %w", err)
	}
	s.conn = conn

	go s.readLoop(ctx)
	go s.keepAlive(ctx)

	return nil
}

// Done is closed when the session ends, whatever the cause.
func (s *StreamClient) Done() <-chan struct{} {
	return s.done
}

func (s *StreamClient) Close() {
	s.markDone()
}

func (s *StreamClient) markDone() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
		close(s.done)
	})
}

type streamEnvelope struct {
	// Combined-stream wrapper.
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	// Direct event.
	EventType string `json:"e"`
}

func (s *StreamClient) readLoop(ctx context.Context) {
	defer s.markDone()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				s.logger.WithError(err).Error("Stream read failed")
			}
			return
		}
		s.dispatch(msg)
	}
}

func (s *StreamClient) dispatch(msg []byte) {
	var env streamEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		s.logger.WithError(err).Error("Failed to decode stream message")
		return
	}

	payload := json.RawMessage(msg)
	eventType := env.EventType
	if len(env.Data) > 0 {
		payload = env.Data
		var inner struct {
			EventType string `json:"e"`
		}
		if err := json.Unmarshal(env.Data, &inner); err != nil {
			s.logger.WithError(err).Error("Failed to decode stream payload")
			return
		}
		eventType = inner.EventType
	}
	if eventType == "" {
		return
	}

	s.mu.Lock()
	handler, ok := s.handlers[eventType]
	s.mu.Unlock()
	if ok {
		handler(payload)
	}
}

func (s *StreamClient) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			conn := s.conn
			s.mu.Unlock()
			if conn == nil {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.logger.WithError(err).Error("Failed to send ping")
				s.markDone()
				return
			}
		}
	}
}
