package api

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/SimplyPrint/pcsc-agent/internal/core"
	"github.com/SimplyPrint/pcsc-agent/internal/logging"
)

// WSMessage represents a WebSocket message
type WSMessage struct {
	Type    string          `json:"type"`              // Message type
	ID      string          `json:"id,omitempty"`      // Request ID for request/response matching
	Payload json.RawMessage `json:"payload,omitempty"` // Message payload
	Error   string          `json:"error,omitempty"`   // Error message if any
	Kind    string          `json:"kind,omitempty"`    // PC/SC error kind if any
	Code    string          `json:"code,omitempty"`    // PC/SC return code if any
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *WSHub
	srv  *Server

	mu         sync.Mutex
	all        bool            // subscribed to every reader
	subscribed map[string]bool // reader names
}

// wants reports whether the client subscribed to events of reader.
func (c *WSClient) wants(reader string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.all || c.subscribed[reader]
}

// WSHub manages all WebSocket connections
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan core.Event
	register   chan *WSClient
	unregister chan *WSClient
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan core.Event),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the hub's main loop
func (h *WSHub) Run() {
	// Re-panic after logging since hub crash is fatal
	defer logging.RecoverAndLog("WebSocket hub", true)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		case ev := <-h.broadcast:
			h.deliver(ev)
		}
	}
}

// deliver sends an event to the subscribed clients. A client that cannot
// keep up is dropped.
func (h *WSHub) deliver(ev core.Event) {
	message := encodeMessage(string(ev.Type), "", ev)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.wants(ev.Reader) {
			continue
		}
		select {
		case client.send <- message:
		default:
			logging.Warn(logging.CatWebSocket, "Client too slow, dropping", map[string]any{
				"client": client.id,
			})
			close(client.send)
			delete(h.clients, client)
		}
	}
}

// Forward publishes monitor events to subscribed clients until events is
// closed.
func (h *WSHub) Forward(events <-chan core.Event) {
	defer logging.RecoverAndLog("WebSocket event forwarder", false)
	for ev := range events {
		h.broadcast <- ev
	}
}

// Clients returns the number of connected clients.
func (h *WSHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(s.origins, r.Header.Get("Origin"))
		},
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		logging.Error(logging.CatWebSocket, "WebSocket upgrade failed", map[string]any{
			"error":      err.Error(),
			"remoteAddr": r.RemoteAddr,
		})
		return
	}

	client := &WSClient{
		id:         uuid.NewString(),
		conn:       conn,
		send:       make(chan []byte, 256),
		hub:        s.hub,
		srv:        s,
		subscribed: make(map[string]bool),
	}
	logging.Info(logging.CatWebSocket, "Client connected", map[string]any{
		"client":     client.id,
		"remoteAddr": r.RemoteAddr,
	})

	s.hub.register <- client
	client.send <- encodeMessage("welcome", "", map[string]string{
		"clientId": client.id,
		"version":  Version,
	})

	go client.writePump()
	go client.readPump()
}

func (c *WSClient) readPump() {
	// Recover from panics (runs last due to LIFO)
	defer logging.RecoverAndLog("WebSocket readPump", false)
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logging.Warn(logging.CatWebSocket, "WebSocket unexpected close", map[string]any{
					"client": c.id,
					"error":  err.Error(),
				})
			} else {
				logging.Debug(logging.CatWebSocket, "Client disconnected", map[string]any{"client": c.id})
			}
			break
		}

		var msg WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			c.sendError("", "invalid message format")
			continue
		}

		c.handleMessage(msg)
	}
}

func (c *WSClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer logging.RecoverAndLog("WebSocket writePump", false)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WSClient) handleMessage(msg WSMessage) {
	logging.Debug(logging.CatWebSocket, "Received message", map[string]any{
		"client": c.id,
		"type":   msg.Type,
		"id":     msg.ID,
	})

	switch msg.Type {
	case "list_readers":
		c.handleListReaders(msg.ID)
	case "read_card":
		c.handleReadCard(msg.ID, msg.Payload)
	case "transmit":
		c.handleTransmit(msg.ID, msg.Payload)
	case "control":
		c.handleControl(msg.ID, msg.Payload)
	case "subscribe":
		c.handleSubscribe(msg.ID, msg.Payload)
	case "unsubscribe":
		c.handleUnsubscribe(msg.ID, msg.Payload)
	case "version":
		c.handleVersion(msg.ID)
	case "health":
		c.handleHealth(msg.ID)
	default:
		logging.Warn(logging.CatWebSocket, "Unknown message type", map[string]any{
			"type": msg.Type,
		})
		c.sendError(msg.ID, "unknown message type: "+msg.Type)
	}
}

func encodeMessage(msgType, id string, payload interface{}) []byte {
	payloadBytes, _ := json.Marshal(payload)
	responseBytes, _ := json.Marshal(WSMessage{
		Type:    msgType,
		ID:      id,
		Payload: payloadBytes,
	})
	return responseBytes
}

// queue hands a message to the write pump. It gives up if the client is
// gone or not reading.
func (c *WSClient) queue(message []byte) {
	defer func() {
		// send is closed once the hub dropped the client.
		_ = recover()
	}()
	select {
	case c.send <- message:
	case <-time.After(10 * time.Second):
		logging.Warn(logging.CatWebSocket, "Response dropped", map[string]any{"client": c.id})
	}
}

func (c *WSClient) sendResponse(id string, msgType string, payload interface{}) {
	c.queue(encodeMessage(msgType, id, payload))
}

func (c *WSClient) sendError(id string, errMsg string) {
	responseBytes, _ := json.Marshal(WSMessage{
		Type:  "error",
		ID:    id,
		Error: errMsg,
	})
	c.queue(responseBytes)
}

// sendFailure reports a service error with its PC/SC kind and code.
func (c *WSClient) sendFailure(id string, err error) {
	body := newErrorBody(err)
	responseBytes, _ := json.Marshal(WSMessage{
		Type:  "error",
		ID:    id,
		Error: body.Error,
		Kind:  body.Kind,
		Code:  body.Code,
	})
	c.queue(responseBytes)
}

// readerRequest is embedded by every reader-bound payload.
type readerRequest struct {
	ReaderIndex int `json:"readerIndex"`
}

// resolve decodes payload into req and returns the reader it names.
func (c *WSClient) resolve(id string, payload json.RawMessage, req interface{ index() int }) (string, bool) {
	if err := json.Unmarshal(payload, req); err != nil {
		c.sendError(id, "invalid payload")
		return "", false
	}
	name, err := c.srv.svc.ReaderName(req.index())
	if err != nil {
		c.sendFailure(id, err)
		return "", false
	}
	return name, true
}

func (r *readerRequest) index() int { return r.ReaderIndex }

func (c *WSClient) handleListReaders(id string) {
	readers, err := c.srv.svc.ListReaders()
	if err != nil {
		c.sendFailure(id, err)
		return
	}
	c.sendResponse(id, "readers", readers)
}

func (c *WSClient) handleReadCard(id string, payload json.RawMessage) {
	var req readerRequest
	name, ok := c.resolve(id, payload, &req)
	if !ok {
		return
	}

	card, err := c.srv.svc.CardInfo(name)
	if err != nil {
		c.sendFailure(id, err)
		return
	}
	c.sendResponse(id, "card", card)
}

type dataRequest struct {
	readerRequest
	Data string `json:"data"`
	Code uint32 `json:"code"`
}

func (c *WSClient) handleTransmit(id string, payload json.RawMessage) {
	var req dataRequest
	name, ok := c.resolve(id, payload, &req)
	if !ok {
		return
	}
	apdu, err := hex.DecodeString(strings.ReplaceAll(req.Data, " ", ""))
	if err != nil {
		c.sendError(id, "data must be a hex string")
		return
	}

	rsp, err := c.srv.svc.Transmit(name, apdu)
	if err != nil {
		c.sendFailure(id, err)
		return
	}
	c.sendResponse(id, "response", core.NewResponse(rsp))
}

func (c *WSClient) handleControl(id string, payload json.RawMessage) {
	var req dataRequest
	name, ok := c.resolve(id, payload, &req)
	if !ok {
		return
	}
	data, err := hex.DecodeString(strings.ReplaceAll(req.Data, " ", ""))
	if err != nil {
		c.sendError(id, "data must be a hex string")
		return
	}

	out, err := c.srv.svc.Control(name, req.Code, data)
	if err != nil {
		c.sendFailure(id, err)
		return
	}
	c.sendResponse(id, "control", map[string]string{"data": hex.EncodeToString(out)})
}

// subscribeRequest selects one reader, or all when ReaderIndex is absent.
type subscribeRequest struct {
	ReaderIndex *int `json:"readerIndex"`
}

func (c *WSClient) parseSubscription(id string, payload json.RawMessage) (string, bool) {
	var req subscribeRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			c.sendError(id, "invalid payload")
			return "", false
		}
	}
	if req.ReaderIndex == nil {
		return "", true
	}
	name, err := c.srv.svc.ReaderName(*req.ReaderIndex)
	if err != nil {
		c.sendFailure(id, err)
		return "", false
	}
	return name, true
}

func (c *WSClient) handleSubscribe(id string, payload json.RawMessage) {
	name, ok := c.parseSubscription(id, payload)
	if !ok {
		return
	}

	c.mu.Lock()
	if name == "" {
		c.all = true
	} else {
		c.subscribed[name] = true
	}
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client subscribed", map[string]any{
		"client": c.id,
		"reader": name,
	})
	c.sendResponse(id, "subscribed", map[string]string{"reader": name})
}

func (c *WSClient) handleUnsubscribe(id string, payload json.RawMessage) {
	name, ok := c.parseSubscription(id, payload)
	if !ok {
		return
	}

	c.mu.Lock()
	if name == "" {
		c.all = false
		clear(c.subscribed)
	} else {
		delete(c.subscribed, name)
	}
	c.mu.Unlock()

	logging.Info(logging.CatWebSocket, "Client unsubscribed", map[string]any{
		"client": c.id,
		"reader": name,
	})
	c.sendResponse(id, "unsubscribed", map[string]string{"reader": name})
}

func (c *WSClient) handleVersion(id string) {
	c.sendResponse(id, "version", map[string]string{
		"version":   Version,
		"buildTime": BuildTime,
		"gitCommit": GitCommit,
	})
}

func (c *WSClient) handleHealth(id string) {
	_, body := c.srv.health()
	c.sendResponse(id, "health", body)
}
