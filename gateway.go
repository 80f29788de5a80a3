package main

import (
	"crypto/rand"
	"encoding/hex"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
	"github.com/skip2/go-qrcode"
)

// Messages coming from clients. One envelope for the whole catalog; the
// type field selects which payload fields are meaningful.
type clientMessage struct {
	Type     string   `json:"type"`               // "createRoom", "joinRoom", "checkEnterPlayerHome", "startSession", "beginToss", "setToss", "respondToss", "closeToss", "leaveRoom"
	RoomCode string   `json:"roomCode,omitempty"` // all but createRoom
	Username string   `json:"username,omitempty"` // joinRoom
	Question Question `json:"question,omitempty"` // setToss
	Answer   string   `json:"answer,omitempty"`   // setToss
	Response string   `json:"response,omitempty"` // respondToss
}

// Messages sent to clients.

type successMessage struct {
	Type     string `json:"type"` // "successMessage"
	RoomCode string `json:"roomCode"`
}

type errorMessage struct {
	Type  string `json:"type"`  // "errorMessage"
	Error string `json:"error"` // "roomCode", "username", "unauthorized", ...
}

type joinedMessage struct {
	Type      string `json:"type"` // "joined"
	StudentID string `json:"studentId"`
}

type checkFailMessage struct {
	Type    string `json:"type"` // "checkFail"
	Message string `json:"message"`
}

// simpleMessage covers notifications with no payload ("startSession").
type simpleMessage struct {
	Type string `json:"type"`
}

type forceSetTossMessage struct {
	Type string `json:"type"` // "forceSetToss"
}

type tossQuestionMessage struct {
	Type     string   `json:"type"` // "tossQuestion"
	Question Question `json:"question"`
}

type tossAnswerMessage struct {
	Type      string `json:"type"` // "tossAnswer"
	IsCorrect bool   `json:"isCorrect"`
	Answer    string `json:"answer"`
}

// ReturnedResponse is one row of the aggregate results broadcast when a
// round closes.
type ReturnedResponse struct {
	Student string `json:"student"`
	Answer  string `json:"answer"`
	Correct bool   `json:"correct"`
}

type returnTossMessage struct {
	Type      string             `json:"type"` // "returnToss"
	Responses []ReturnedResponse `json:"responses"`
}

// RosterEntry is one row of the teacher's membership view.
type RosterEntry struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Responded bool   `json:"responded"`
}

type roomRosterMessage struct {
	Type     string        `json:"type"` // "roomRoster"
	Students []RosterEntry `json:"students"`
}

// Client is one websocket connection. participantID is the cookie identity
// and never changes; room is bound on createRoom/joinRoom/checkEnterPlayerHome
// and only touched from the connection's read pump.
type Client struct {
	conn          *websocket.Conn
	send          chan any
	participantID string
	room          *Room

	mu   sync.Mutex
	dead bool
}

// enqueue attempts a non-blocking delivery, reporting failure when the
// client is dead or its buffer is full. The send channel is never closed,
// only abandoned with the client; rooms and the read pump may both deliver
// concurrently, so a close would race a send and panic.
func (c *Client) enqueue(msg any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dead {
		return false
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// kill marks the client unusable and tears down its socket so both pumps
// exit. Safe to call from any goroutine, repeatedly.
func (c *Client) kill() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return !c.dead
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	participantCookieName = "tossit_id"

	pingInterval = 54 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

func getOrSetParticipantID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(participantCookieName); err == nil && c.Value != "" {
		return c.Value
	}

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	id := hex.EncodeToString(buf)

	http.SetCookie(w, &http.Cookie{
		Name:     participantCookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

func serveWS(cfg *Config, registry *RoomRegistry) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		participantID := getOrSetParticipantID(w, r)
		if participantID == "" {
			http.Error(w, "unable to assign participant id", http.StatusInternalServerError)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logf(cfg, "GATEWAY: Upgrade error from %s: %v", realIP(r), err)
			return
		}

		client := &Client{
			conn:          conn,
			send:          make(chan any, 8),
			participantID: participantID,
		}

		go client.writePump()
		client.readPump(cfg, registry)
	}
}

func (c *Client) readPump(cfg *Config, registry *RoomRegistry) {
	defer func() {
		if c.room != nil {
			c.room.unregister(c)
		}
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "createRoom":
			c.handleCreateRoom(registry)
		case "joinRoom":
			c.handleJoinRoom(registry, msg)
		case "checkEnterPlayerHome":
			c.handleCheckEnter(registry, msg)
		case "leaveRoom":
			c.handleLeaveRoom(registry, msg)
		case "startSession", "beginToss", "setToss", "respondToss", "closeToss":
			c.handleRoomCommand(registry, msg)
		default:
			// ignore unknown types
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply queues a message directly on this connection, outside any room.
func (c *Client) reply(msg any) {
	c.enqueue(msg)
}

func (c *Client) handleCreateRoom(registry *RoomRegistry) {
	room, err := registry.createRoom(c.participantID)
	if err != nil {
		c.reply(errorMessage{Type: "errorMessage", Error: wireError(err)})
		return
	}

	c.room = room
	room.register(c)

	c.reply(successMessage{Type: "successMessage", RoomCode: room.code})
}

func (c *Client) handleJoinRoom(registry *RoomRegistry, msg clientMessage) {
	room, err := registry.getRoom(msg.RoomCode)
	if err != nil {
		c.reply(errorMessage{Type: "errorMessage", Error: wireError(err)})
		return
	}

	studentID, err := room.join(c, msg.Username)
	if err != nil {
		c.reply(errorMessage{Type: "errorMessage", Error: wireError(err)})
		return
	}

	c.room = room

	c.reply(joinedMessage{Type: "joined", StudentID: studentID})
}

// handleCheckEnter validates that a room still exists before the client
// enters its play view; it is also the reconnect path, re-binding a cookie
// to its seat before any grace timer fires.
func (c *Client) handleCheckEnter(registry *RoomRegistry, msg clientMessage) {
	room, err := registry.getRoom(msg.RoomCode)
	if err != nil {
		c.reply(checkFailMessage{Type: "checkFail", Message: "room " + normalizeCode(msg.RoomCode) + " no longer exists"})
		return
	}

	c.room = room
	room.register(c)
}

func (c *Client) handleLeaveRoom(registry *RoomRegistry, msg clientMessage) {
	room := c.resolveRoom(registry, msg.RoomCode)
	if room == nil {
		return
	}

	room.mu.Lock()
	studentID, ok := room.byParticipant[c.participantID]
	room.mu.Unlock()

	room.unregister(c)
	c.room = nil

	// Explicit leave skips the reconnect grace.
	if ok {
		room.removeStudent(studentID)
	}
}

// resolveRoom returns the room this connection is bound to, verifying the
// claimed room code. An unbound connection (fresh reconnect) is resolved and
// registered through the registry.
func (c *Client) resolveRoom(registry *RoomRegistry, roomCode string) *Room {
	if c.room != nil {
		if roomCode != "" && normalizeCode(roomCode) != c.room.code {
			c.reply(errorMessage{Type: "errorMessage", Error: "roomCode"})
			return nil
		}
		return c.room
	}

	room, err := registry.getRoom(roomCode)
	if err != nil {
		c.reply(errorMessage{Type: "errorMessage", Error: wireError(err)})
		return nil
	}

	c.room = room
	room.register(c)

	return room
}

func (c *Client) handleRoomCommand(registry *RoomRegistry, msg clientMessage) {
	room := c.resolveRoom(registry, msg.RoomCode)
	if room == nil {
		return
	}

	var err error
	switch msg.Type {
	case "startSession":
		err = room.startSession(c)
	case "beginToss":
		err = room.beginToss(c)
	case "setToss":
		err = room.setToss(c, msg.Question, msg.Answer)
	case "respondToss":
		err = room.respondToss(c, msg.Response)
	case "closeToss":
		err = room.closeToss(c)
	}

	if err != nil {
		c.reply(errorMessage{Type: "errorMessage", Error: wireError(err)})
	}
}

// roomPage is the landing target for scanned QR codes. The frontend is
// served separately; this keeps the link from dead-ending when it is not.
func roomPage(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		code := normalizeCode(ps.ByName("roomcode"))

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		securityHeaders(cfg, w)

		io.WriteString(w, newPage("tossit", "Room "+code))
	}
}

// qrHandler generates a PNG QR code pointing at a room's join URL, for
// projecting next to the room code.
func qrHandler(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	roomCode := ps.ByName("roomcode")
	if roomCode == "" {
		http.Error(w, "missing room code", http.StatusBadRequest)
		return
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	path := strings.TrimSuffix(r.URL.Path, "/qr")

	url := scheme + "://" + r.Host + path

	const qrSize = 320 // mobile-friendly size
	png, err := qrcode.Encode(url, qrcode.Medium, qrSize)
	if err != nil {
		http.Error(w, "qr generation failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// registerToss sets up routes so that:
//   - /ws                   → the protocol websocket
//   - $path/:roomcode       → landing page for scanned QR codes
//   - $path/:roomcode/qr    → PNG QR code linking to that room
func registerToss(cfg *Config, path string, mux *httprouter.Router) {
	registry := newRoomRegistry(cfg)

	mux.GET(cfg.prefix+"/ws", serveWS(cfg, registry))

	mux.GET(cfg.prefix+path+"/:roomcode", roomPage(cfg))

	mux.GET(cfg.prefix+path+"/:roomcode/qr", qrHandler)
}
