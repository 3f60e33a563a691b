package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Gateway manages a WebSocket connection to the chat gateway service.
// It implements Transport.
type Gateway struct {
	baseURL    string
	token      string
	httpClient *http.Client
	conn       *websocket.Conn
	connMu     sync.Mutex
	connected  atomic.Bool
	msgID      atomic.Int64

	// Response channels keyed by message ID
	pending   map[int64]chan gwResponse
	pendingMu sync.Mutex

	// Inbound chat messages
	messages chan Inbound

	logger *slog.Logger
}

// gwMessage is the generic gateway frame format.
type gwMessage struct {
	ID      int64           `json:"id,omitempty"`
	Type    string          `json:"type"`
	Success bool            `json:"success,omitempty"`
	Message *Inbound        `json:"message,omitempty"`
	Error   *gwError        `json:"error,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type gwError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// gwResponse wraps a request acknowledgement for the response channel.
type gwResponse struct {
	Success bool
	Error   *gwError
}

// NewGateway creates a WebSocket client for the chat gateway.
func NewGateway(baseURL, token string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		pending:    make(map[int64]chan gwResponse),
		messages:   make(chan Inbound, 100),
		logger:     logger,
	}
}

// Connect establishes the WebSocket connection and authenticates.
func (g *Gateway) Connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	u, err := url.Parse(g.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}

	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/api/v1/ws"

	g.logger.Info("connecting to chat gateway", "url", u.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial websocket: %w", err)
	}

	// Read auth_required message
	var authReq gwMessage
	if err := conn.ReadJSON(&authReq); err != nil {
		conn.Close()
		return fmt.Errorf("read auth_required: %w", err)
	}
	if authReq.Type != "auth_required" {
		conn.Close()
		return fmt.Errorf("expected auth_required, got %s", authReq.Type)
	}

	authMsg := map[string]string{
		"type":  "auth",
		"token": g.token,
	}
	if err := conn.WriteJSON(authMsg); err != nil {
		conn.Close()
		return fmt.Errorf("send auth: %w", err)
	}

	var authResp gwMessage
	if err := conn.ReadJSON(&authResp); err != nil {
		conn.Close()
		return fmt.Errorf("read auth response: %w", err)
	}

	if authResp.Type == "auth_invalid" {
		conn.Close()
		return fmt.Errorf("authentication failed")
	}
	if authResp.Type != "auth_ok" {
		conn.Close()
		return fmt.Errorf("unexpected auth response: %s", authResp.Type)
	}

	g.logger.Info("chat gateway authenticated")
	g.conn = conn
	g.connected.Store(true)

	go g.readLoop(conn)

	return nil
}

// Connected reports whether the WebSocket is currently established.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Ping probes the gateway's health endpoint. It fails when the service
// is unreachable or the WebSocket is down, so a watcher probing it can
// trigger a reconnect either way.
func (g *Gateway) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway health: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway health: HTTP %d", resp.StatusCode)
	}

	if !g.connected.Load() {
		return fmt.Errorf("websocket not connected")
	}
	return nil
}

// Close closes the WebSocket connection.
func (g *Gateway) Close() error {
	g.connMu.Lock()
	defer g.connMu.Unlock()

	g.connected.Store(false)
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// Reconnect closes the existing connection (if any) and re-establishes
// the WebSocket, authenticating again. Safe to call from any goroutine.
func (g *Gateway) Reconnect(ctx context.Context) error {
	g.logger.Info("reconnecting chat gateway")

	// Close the old connection. Ignore errors, it may already be dead.
	g.connMu.Lock()
	if g.conn != nil {
		g.conn.Close()
		g.conn = nil
	}
	g.connMu.Unlock()

	return g.Connect(ctx)
}

// Messages returns the channel of inbound chat messages.
func (g *Gateway) Messages() <-chan Inbound {
	return g.messages
}

// SendText delivers an HTML reply to a chat and waits for the gateway
// acknowledgement.
func (g *Gateway) SendText(ctx context.Context, chatID, html string) error {
	id := g.msgID.Add(1)

	msg := map[string]any{
		"id":         id,
		"type":       "send_message",
		"chat_id":    chatID,
		"text":       html,
		"parse_mode": "HTML",
	}

	if err := g.sendAndWait(ctx, id, msg); err != nil {
		return fmt.Errorf("send to chat %s: %w", chatID, err)
	}
	return nil
}

// SendTyping toggles the typing indicator in a chat.
func (g *Gateway) SendTyping(ctx context.Context, chatID string, stop bool) error {
	id := g.msgID.Add(1)

	msg := map[string]any{
		"id":      id,
		"type":    "typing",
		"chat_id": chatID,
		"stop":    stop,
	}

	if err := g.sendAndWait(ctx, id, msg); err != nil {
		return fmt.Errorf("typing indicator for chat %s: %w", chatID, err)
	}
	return nil
}

// sendAndWait sends a request frame and waits for its acknowledgement.
func (g *Gateway) sendAndWait(ctx context.Context, id int64, msg any) error {
	respCh := make(chan gwResponse, 1)
	g.pendingMu.Lock()
	g.pending[id] = respCh
	g.pendingMu.Unlock()

	defer func() {
		g.pendingMu.Lock()
		delete(g.pending, id)
		g.pendingMu.Unlock()
	}()

	// connMu is held across the write: gorilla/websocket allows at most
	// one concurrent writer per connection, and Run handles messages in
	// parallel goroutines.
	g.connMu.Lock()
	conn := g.conn
	var err error
	if conn != nil {
		err = conn.WriteJSON(msg)
	}
	g.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	if err != nil {
		return fmt.Errorf("send frame: %w", err)
	}

	select {
	case resp := <-respCh:
		if !resp.Success {
			if resp.Error != nil {
				return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
			}
			return fmt.Errorf("request failed")
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(30 * time.Second):
		return fmt.Errorf("timeout waiting for acknowledgement")
	}
}

// readLoop continuously reads frames from one WebSocket connection.
// It only clears the connected flag if its connection is still the
// current one, so an old loop exiting after a reconnect does not mark
// the fresh connection as down.
func (g *Gateway) readLoop(conn *websocket.Conn) {
	defer func() {
		g.connMu.Lock()
		if g.conn == conn {
			g.connected.Store(false)
		}
		g.connMu.Unlock()
	}()

	for {
		var msg gwMessage

		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Info("gateway WebSocket closed normally")
				return
			}
			g.logger.Error("gateway WebSocket read error, connection lost", "error", err)
			return
		}

		switch msg.Type {
		case "result":
			g.pendingMu.Lock()
			if ch, ok := g.pending[msg.ID]; ok {
				ch <- gwResponse{
					Success: msg.Success,
					Error:   msg.Error,
				}
			}
			g.pendingMu.Unlock()

		case "message":
			if msg.Message != nil {
				// Never block here: a stalled read loop would also stall
				// the result frames that pending sends are waiting on.
				select {
				case g.messages <- *msg.Message:
				default:
					g.logger.Warn("message channel full, dropping message",
						"chat_id", msg.Message.ChatID,
						"sender_id", msg.Message.SenderID,
						"sender", msg.Message.SenderNickname,
					)
				}
			}

		case "pong":
			// Ping/pong keepalive, ignore

		default:
			g.logger.Debug("unhandled gateway frame type", "type", msg.Type)
		}
	}
}
