package authgate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	reconnectInterval = 10 * time.Second
	pingInterval      = 50 * time.Second
	readDeadline      = 60 * time.Second
)

// EventType identifies a session lifecycle event.
type EventType string

const (
	EventSignedIn  EventType = "SIGNED_IN"
	EventSignedOut EventType = "SIGNED_OUT"
)

// Event is a sign-in/sign-out notification for one account.
type Event struct {
	Type   EventType `json:"event"`
	UserID string    `json:"user_id"`
}

// EventHandler receives auth events. Handlers must not block; slow work
// belongs in the handler's own goroutine.
type EventHandler func(Event)

// EventStream subscribes to the auth service's realtime websocket and
// delivers sign-in/sign-out events. It reconnects forever until the context
// is cancelled.
type EventStream struct {
	url        string
	serviceKey string

	mu      sync.Mutex
	conn    *websocket.Conn
	handler EventHandler
}

// NewEventStream creates a stream against the given websocket URL.
func NewEventStream(url, serviceKey string) *EventStream {
	return &EventStream{
		url:        url,
		serviceKey: serviceKey,
	}
}

// Start runs the subscription loop until ctx is cancelled. Events are
// delivered to handler in the read goroutine's order.
func (s *EventStream) Start(ctx context.Context, handler EventHandler) {
	s.handler = handler
	log.Info().Str("url", s.url).Msg("Starting auth event stream...")

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := s.run(ctx); err != nil {
				log.Error().Err(err).Msg("Auth event stream error, reconnecting in 10s...")
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(reconnectInterval):
			}
		}
	}
}

func (s *EventStream) run(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.Dial(s.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	conn.SetReadLimit(64 * 1024)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	// Keepalive ping loop.
	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.conn == nil {
					s.mu.Unlock()
					return
				}
				err := s.conn.WriteMessage(websocket.PingMessage, []byte{})
				s.mu.Unlock()
				if err != nil {
					log.Warn().Err(err).Msg("Failed to send ping")
					return
				}
			}
		}
	}()

	// Authenticate the subscription with the service-role key.
	authPayload := map[string]any{
		"subscribe": map[string]string{
			"token":  s.serviceKey,
			"topics": "auth",
		},
	}
	if err := conn.WriteJSON(authPayload); err != nil {
		return fmt.Errorf("subscribe send failed: %w", err)
	}

	var subResponse map[string]any
	if err := conn.ReadJSON(&subResponse); err != nil {
		return fmt.Errorf("subscribe read failed: %w", err)
	}
	if errVal, ok := subResponse["error"]; ok && errVal != nil {
		return fmt.Errorf("subscribe failed: %v", errVal)
	}
	log.Info().Msg("Auth event stream subscribed")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			return fmt.Errorf("read failed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		if event.UserID == "" {
			continue
		}

		switch event.Type {
		case EventSignedIn, EventSignedOut:
			if s.handler != nil {
				s.handler(event)
			}
		default:
			// Other topics are not interesting here.
		}
	}
}
