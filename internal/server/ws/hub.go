// Package ws implements the push channel: an authenticated WebSocket fan-out
// of engine events, one logical subscription per strategy plus a GUI
// firehose.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/at6132/com/internal/crypto"
	"github.com/at6132/com/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends transport pings at this interval. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// authWait is how long a fresh connection has to authenticate.
	authWait = 10 * time.Second

	// maxMessageSize is the maximum size of an incoming message.
	maxMessageSize = 4096

	// sendBufferSize is the channel buffer for outgoing messages per client.
	sendBufferSize = 256
)

// firehoseChannel is the bus channel carrying every event exactly once.
const firehoseChannel = "events:GUI"

// errAuthUnavailable rejects AUTH frames on a hub running without a
// keystore password.
var errAuthUnavailable = errors.New("ws: keystore not configured, authentication unavailable")

// GUISubscription is the client subscription target that receives all
// strategies' events.
const GUISubscription = "GUI"

// upgrader configures the WebSocket upgrade parameters.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMsg is any message a client may send.
type clientMsg struct {
	Type       string `json:"type"`
	KeyID      string `json:"key_id,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Signature  string `json:"signature,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`
}

// serverMsg is a control frame sent to the client. Event frames are the raw
// journal event JSON and bypass this envelope.
type serverMsg struct {
	Type       string `json:"type"`
	Reason     string `json:"reason,omitempty"`
	StrategyID string `json:"strategy_id,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}

// client represents a single WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	keyID  string
	authed bool
	closed bool // send is closed; set under mu before closing
	subs   map[string]bool // strategy ids, or GUI
	mu     sync.RWMutex
}

// Config tunes the hub.
type Config struct {
	// AuthWindow is the accepted clock drift for AUTH timestamps.
	AuthWindow time.Duration

	// HeartbeatInterval is how often HEARTBEAT frames go to authenticated
	// clients.
	HeartbeatInterval time.Duration
}

func (c *Config) defaults() {
	if c.AuthWindow <= 0 {
		c.AuthWindow = crypto.DefaultAuthWindow
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
}

// Hub manages authenticated WebSocket clients and routes engine events to
// them by strategy subscription.
type Hub struct {
	cfg        Config
	bus        domain.SignalBus
	keys       domain.APIKeyStore
	keystore   *crypto.Keystore
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	logger     *slog.Logger
}

// NewHub creates a hub over the given signal bus and credential store.
func NewHub(cfg Config, bus domain.SignalBus, keys domain.APIKeyStore, keystore *crypto.Keystore, logger *slog.Logger) *Hub {
	cfg.defaults()
	return &Hub{
		cfg:        cfg,
		bus:        bus,
		keys:       keys,
		keystore:   keystore,
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run is the hub's main loop: client registration, event routing, and the
// heartbeat. It exits when the context is cancelled, after sending every
// client a SHUTDOWN frame.
func (h *Hub) Run(ctx context.Context) error {
	if h.bus != nil {
		go h.consumeFirehose(ctx)
	}

	heartbeat := time.NewTicker(h.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdownClients()
			return ctx.Err()

		case c := <-h.register:
			h.clients[c] = true
			h.logger.Info("ws: client connected", slog.Int("total_clients", len(h.clients)))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
			}
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", len(h.clients)))

		case data := <-h.broadcast:
			h.route(data)

		case <-heartbeat.C:
			frame := marshalControl(serverMsg{
				Type:      string(domain.EventHeartbeat),
				Timestamp: time.Now().Unix(),
			})
			for c := range h.clients {
				if c.isAuthed() {
					c.trySend(frame)
				}
			}
		}
	}
}

// consumeFirehose forwards every bus event into the hub's routing loop.
func (h *Hub) consumeFirehose(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, firehoseChannel)
	if err != nil {
		h.logger.Error("ws: firehose subscribe failed", slog.Any("error", err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: firehose subscription closed")
				return
			}
			h.broadcast <- data
		}
	}
}

// route delivers one event to every authenticated client subscribed to its
// strategy, plus GUI subscribers.
func (h *Hub) route(data []byte) {
	var envelope struct {
		StrategyID string `json:"strategy_id"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		h.logger.Warn("ws: dropping unparseable event", slog.Any("error", err))
		return
	}

	for c := range h.clients {
		if !c.isAuthed() {
			continue
		}
		if c.isSubscribed(envelope.StrategyID) {
			c.trySend(data)
		}
	}
}

// shutdownClients sends a terminal SHUTDOWN frame and drops every client.
func (h *Hub) shutdownClients() {
	frame := marshalControl(serverMsg{
		Type:      string(domain.EventShutdown),
		Timestamp: time.Now().Unix(),
	})
	for c := range h.clients {
		c.trySend(frame)
		c.closeSend()
		delete(h.clients, c)
	}
}

// HandleWS upgrades the connection and starts the client pumps. The client
// must authenticate before any subscription is accepted.
// GET /api/v1/ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.Any("error", err))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),
	}
	h.register <- c

	go c.writePump()
	go c.readPump()
}

// verifyAuth resolves the key id, decrypts the stored secret, and checks the
// HMAC signature and timestamp window.
func (h *Hub) verifyAuth(ctx context.Context, msg clientMsg) error {
	if msg.KeyID == "" || msg.Timestamp == "" || msg.Signature == "" {
		return domain.ErrValidation
	}
	if h.keystore == nil {
		// No keystore password was configured, so stored secrets cannot be
		// opened and no credential can verify.
		return errAuthUnavailable
	}
	key, err := h.keys.GetByKeyID(ctx, msg.KeyID)
	if err != nil {
		return err
	}
	secret, err := h.keystore.Open(key.EncryptedSecret)
	if err != nil {
		return err
	}
	return crypto.VerifyAuth(secret, msg.KeyID, msg.Timestamp, msg.Signature, time.Now().UTC(), h.cfg.AuthWindow)
}

// readPump reads client frames: AUTH first, then subscription management and
// application-level pings.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(authWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.Any("error", err))
			}
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(message, &msg); err != nil {
			c.trySend(marshalControl(serverMsg{Type: "ERROR", Reason: "invalid frame"}))
			continue
		}

		if !c.isAuthed() {
			if msg.Type != "AUTH" {
				c.trySend(marshalControl(serverMsg{
					Type:   "AUTH_NACK",
					Reason: string(domain.ReasonAuthFailed),
				}))
				return
			}
			c.handleAuth(msg)
			if !c.isAuthed() {
				return
			}
			continue
		}

		switch msg.Type {
		case "SUBSCRIBE":
			c.subscribe(msg.StrategyID)
		case "UNSUBSCRIBE":
			c.unsubscribe(msg.StrategyID)
		case "PING":
			c.trySend(marshalControl(serverMsg{Type: "PONG", Timestamp: time.Now().Unix()}))
		case "AUTH":
			// Already authenticated; acknowledge again.
			c.trySend(marshalControl(serverMsg{Type: "AUTH_ACK"}))
		default:
			c.trySend(marshalControl(serverMsg{Type: "ERROR", Reason: "unknown message type " + strconv.Quote(msg.Type)}))
		}
	}
}

// handleAuth verifies the credentials and transitions the client to the
// authenticated state, or rejects and leaves it for the caller to close.
func (c *client) handleAuth(msg clientMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.hub.verifyAuth(ctx, msg); err != nil {
		reason := domain.ReasonAuthFailed
		if errors.Is(err, crypto.ErrClockSkew) {
			reason = domain.ReasonClockSkew
		}
		c.hub.logger.Warn("ws: auth rejected",
			slog.String("key_id", msg.KeyID),
			slog.Any("error", err),
		)
		c.trySend(marshalControl(serverMsg{Type: "AUTH_NACK", Reason: string(reason)}))
		return
	}

	c.mu.Lock()
	c.authed = true
	c.keyID = msg.KeyID
	c.mu.Unlock()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.trySend(marshalControl(serverMsg{Type: "AUTH_ACK"}))
	c.hub.logger.Info("ws: client authenticated", slog.String("key_id", msg.KeyID))
}

func (c *client) subscribe(strategyID string) {
	if strategyID == "" {
		c.trySend(marshalControl(serverMsg{Type: "ERROR", Reason: "strategy_id required"}))
		return
	}
	c.mu.Lock()
	c.subs[strategyID] = true
	c.mu.Unlock()
	c.trySend(marshalControl(serverMsg{Type: "SUBSCRIBED", StrategyID: strategyID}))
}

func (c *client) unsubscribe(strategyID string) {
	c.mu.Lock()
	delete(c.subs, strategyID)
	c.mu.Unlock()
	c.trySend(marshalControl(serverMsg{Type: "UNSUBSCRIBED", StrategyID: strategyID}))
}

func (c *client) isAuthed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authed
}

// isSubscribed reports whether the client should receive events for the
// strategy. GUI subscribers receive everything.
func (c *client) isSubscribed(strategyID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[GUISubscription] || c.subs[strategyID]
}

// trySend queues a frame, dropping it when the client's buffer is full or
// the client is already torn down. A slow consumer loses frames rather than
// stalling the hub.
func (c *client) trySend(data []byte) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.hub.logger.Warn("ws: dropping frame for slow client")
	}
}

// closeSend closes the outgoing channel exactly once. Holding the write
// lock excludes any in-flight trySend, so the channel is never closed under
// a sender.
func (c *client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// writePump pumps queued frames to the connection with periodic transport
// pings for keepalive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func marshalControl(msg serverMsg) []byte {
	data, _ := json.Marshal(msg)
	return data
}
