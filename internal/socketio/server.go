// Package socketio serves the push channel browsers use to follow pairing
// progress. It speaks Engine.IO v4 over websocket only.
package socketio

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"wamator/internal/auth"
	"wamator/internal/hub"
	"wamator/internal/model"
)

const (
	maxPayload    int64 = 1000000
	writeTimeout        = 10 * time.Second
	pingInterval        = 25 * time.Second
	pingTimeout         = 20 * time.Second
	lookupTimeout       = 5 * time.Second

	// APIKeyCookie carries the tenant key for browser clients.
	APIKeyCookie = "wamator_api_key"
)

type Tenants interface {
	ConsumerByAPIKey(ctx context.Context, apiKey string) (model.Consumer, error)
	UserOwned(ctx context.Context, tenantID, userID int64) (bool, error)
}

type Deps struct {
	Tenants     Tenants
	TokenConfig auth.TokenConfig
	Hub         *hub.Hub
	Logger      zerolog.Logger
	// CheckOrigin defaults to accepting every origin.
	CheckOrigin func(r *http.Request) bool
}

type Server struct {
	tenants     Tenants
	tokenConfig auth.TokenConfig
	hub         *hub.Hub
	log         zerolog.Logger

	upgrader websocket.Upgrader
}

func NewServer(deps Deps) *Server {
	h := deps.Hub
	if h == nil {
		h = hub.New()
	}
	checkOrigin := deps.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}
	return &Server{
		tenants:     deps.Tenants,
		tokenConfig: deps.TokenConfig,
		hub:         h,
		log:         deps.Logger.With().Str("component", "socketio").Logger(),
		upgrader:    websocket.Upgrader{CheckOrigin: checkOrigin},
	}
}

// Emit pushes event to every socket bound to userID.
func (s *Server) Emit(userID int64, event string, payload any) {
	packet, err := buildEventPacket("/", event, payload)
	if err != nil {
		s.log.Error().Err(err).Str("event", event).Msg("encode push")
		return
	}
	n := s.hub.Broadcast(userID, []byte(packet))
	s.log.Debug().Int64("user_id", userID).Str("event", event).Int("sockets", n).Msg("push")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var tenantID int64
	if cookie, err := r.Cookie(APIKeyCookie); err == nil && cookie.Value != "" && s.tenants != nil {
		ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
		consumer, err := s.tenants.ConsumerByAPIKey(ctx, cookie.Value)
		cancel()
		if err == nil {
			tenantID = consumer.ID
		}
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ws.SetReadLimit(maxPayload)

	c := newConn(ws)
	c.tenantID = tenantID
	defer s.disconnect(c)

	openBytes, _ := json.Marshal(map[string]any{
		"sid":          c.sid,
		"upgrades":     []string{},
		"pingInterval": pingInterval.Milliseconds(),
		"pingTimeout":  pingTimeout.Milliseconds(),
		"maxPayload":   maxPayload,
	})
	_ = c.writeText(string(engineOpen) + string(openBytes))

	go c.pingLoop()
	c.readLoop(func(msg string) {
		s.handleMessage(c, msg)
	})
}

func (s *Server) disconnect(c *conn) {
	for _, m := range c.leaveAll() {
		s.hub.Unregister(m)
	}
	c.close()
}

func (s *Server) handleMessage(c *conn, msg string) {
	if msg == "" {
		return
	}
	switch enginePacketType(msg[0]) {
	case enginePong:
		c.markPong()
	case engineMessage:
		s.handleSocketPayload(c, msg[1:])
	case engineClose:
		c.close()
	}
}

func (s *Server) handleSocketPayload(c *conn, payload string) {
	if payload == "" {
		return
	}
	switch socketPacketType(payload[0]) {
	case socketConnect:
		s.handleConnect(c, payload)
	case socketEvent:
		s.handleEvent(c, payload)
	case socketDisconnect:
		c.close()
	}
}

type connectAuth struct {
	Token string `json:"token"`
}

func (s *Server) handleConnect(c *conn, payload string) {
	if c.connected.Load() {
		return
	}

	ns, rest := splitNamespace(payload[1:])
	var authObj connectAuth
	if rest != "" {
		if err := json.Unmarshal([]byte(rest), &authObj); err != nil {
			s.refuse(c, ns, "Invalid auth")
			return
		}
	}

	if authObj.Token != "" {
		claims, err := auth.VerifyPushToken(authObj.Token, s.tokenConfig)
		if err != nil {
			s.refuse(c, ns, "Invalid authentication token")
			return
		}
		userID, _ := claims.UserID()
		if c.tenantID != 0 && c.tenantID != claims.TenantID {
			s.refuse(c, ns, "Token does not match API key")
			return
		}
		c.tenantID = claims.TenantID
		c.tokenUserID = userID
	}
	if c.tenantID == 0 {
		s.refuse(c, ns, "API Key required")
		return
	}

	c.namespace = ns
	c.connected.Store(true)
	if c.tokenUserID != 0 {
		s.join(c, c.tokenUserID)
	}

	packet, err := buildConnectPacket(ns, c.sid)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
}

func (s *Server) refuse(c *conn, ns, message string) {
	packet, err := buildConnectErrorPacket(ns, message)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
	c.close()
}

func (s *Server) join(c *conn, userID int64) {
	if m := c.join(userID); m != nil {
		s.hub.Register(m)
		s.log.Debug().Str("sid", c.sid).Int64("user_id", userID).Msg("socket registered")
	}
}

func (s *Server) handleEvent(c *conn, payload string) {
	if !c.connected.Load() {
		return
	}
	pkt, err := parseEventPacket(payload)
	if err != nil {
		return
	}

	switch pkt.Event {
	case "ping":
		s.ack(c, pkt)
	case "register_user":
		var userID model.ID
		if len(pkt.Args) < 1 || json.Unmarshal(pkt.Args[0], &userID) != nil || userID <= 0 {
			s.ack(c, pkt, gin.H{"ok": false, "error": "Invalid user id"})
			return
		}
		if !s.mayRegister(c, int64(userID)) {
			s.ack(c, pkt, gin.H{"ok": false, "error": "User not associated with this API consumer"})
			return
		}
		s.join(c, int64(userID))
		s.ack(c, pkt, gin.H{"ok": true, "user_id": int64(userID)})
	}
}

func (s *Server) mayRegister(c *conn, userID int64) bool {
	if c.tokenUserID != 0 {
		return userID == c.tokenUserID
	}
	if s.tenants == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	owned, err := s.tenants.UserOwned(ctx, c.tenantID, userID)
	if err != nil {
		s.log.Warn().Err(err).Int64("user_id", userID).Msg("register_user lookup")
		return false
	}
	return owned
}

// ack answers pkt when the client asked for an acknowledgement.
func (s *Server) ack(c *conn, pkt eventPacket, args ...any) {
	if pkt.ID == nil {
		return
	}
	packet, err := buildAckPacket(pkt.Namespace, *pkt.ID, args...)
	if err == nil {
		_ = c.writeText(string(engineMessage) + packet)
	}
}

type conn struct {
	ws  *websocket.Conn
	sid string

	connected   atomic.Bool
	namespace   string
	tenantID    int64
	tokenUserID int64

	roomsMu sync.Mutex
	rooms   map[int64]*hub.Connection

	sendMu sync.Mutex

	pingMu       sync.Mutex
	awaitingPong bool
	pingSentAt   time.Time
	nextPingAt   time.Time

	closed atomic.Bool
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:         ws,
		sid:        uuid.NewString(),
		rooms:      make(map[int64]*hub.Connection),
		nextPingAt: time.Now().Add(pingInterval),
	}
}

// join returns the new membership, or nil when the socket already is in the room.
func (c *conn) join(userID int64) *hub.Connection {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	if _, ok := c.rooms[userID]; ok {
		return nil
	}
	m := &hub.Connection{UserID: userID, Writer: roomWriter{c: c}}
	c.rooms[userID] = m
	return m
}

func (c *conn) leaveAll() []*hub.Connection {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()
	out := make([]*hub.Connection, 0, len(c.rooms))
	for id, m := range c.rooms {
		out = append(out, m)
		delete(c.rooms, id)
	}
	return out
}

// roomWriter frames hub broadcasts as Engine.IO messages on the namespace the socket joined.
type roomWriter struct{ c *conn }

func (w roomWriter) Write(message []byte) error {
	msg := string(message)
	if ns := w.c.namespace; ns != "" && ns != "/" && len(msg) > 0 {
		msg = msg[:1] + ns + "," + msg[1:]
	}
	return w.c.writeText(string(engineMessage) + msg)
}

func (w roomWriter) Close() error {
	w.c.close()
	return nil
}

func (c *conn) close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.ws.Close()
}

func (c *conn) writeText(msg string) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *conn) readLoop(onMessage func(string)) {
	defer c.close()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		onMessage(string(data))
	}
}

func (c *conn) pingLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for range ticker.C {
		if c.closed.Load() {
			return
		}
		now := time.Now()
		c.pingMu.Lock()
		if c.awaitingPong && now.Sub(c.pingSentAt) > pingTimeout {
			c.pingMu.Unlock()
			c.close()
			return
		}
		if !c.awaitingPong && !now.Before(c.nextPingAt) {
			c.awaitingPong = true
			c.pingSentAt = now
			c.nextPingAt = now.Add(pingInterval)
			c.pingMu.Unlock()
			_ = c.writeText(string(enginePing))
			continue
		}
		c.pingMu.Unlock()
	}
}

func (c *conn) markPong() {
	c.pingMu.Lock()
	c.awaitingPong = false
	c.pingMu.Unlock()
}
