/*
Copyright © 2026 The matchroom authors
*/

// Matchroom session gateway
//
// Each client holds one websocket connection and is subscribed to at most
// one room at a time. All inbound intents funnel into a single dispatcher
// goroutine that applies them to the registry in arrival order and fans the
// resulting room snapshot out to every session subscribed to that room.
//
// Outbound contract:
// - roomCreated: requester only, on createRoom
// - userJoined:  whole group (full snapshot, not a delta), on joinRoom
// - userLeft:    remaining group, on leaveRoom (nothing if the room died)
// - roomNotFound: requester only, when a code/id does not resolve
// - roomUpdated: whole group, on every like/dislike
// - roomClosed:  whole group, when the idle reaper destroys a room
//
// Disconnects are treated as leaveRoom for whatever room the session was in.

package main

import (
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/julienschmidt/httprouter"
)

type ClientMessage struct {
	Type     string            `json:"type"` // "createRoom", "joinRoom", "leaveRoom", "likeItem", "dislikeItem"
	User     *User             `json:"user,omitempty"`     // createRoom / joinRoom
	Criteria SelectionCriteria `json:"criteria,omitempty"` // createRoom
	RoomCode string            `json:"roomCode,omitempty"` // joinRoom
	RoomID   string            `json:"roomId,omitempty"`   // leaveRoom / likeItem / dislikeItem
	UserID   string            `json:"userId,omitempty"`   // leaveRoom / likeItem / dislikeItem
	Item     *Item             `json:"item,omitempty"`     // likeItem
	ItemID   string            `json:"itemId,omitempty"`   // dislikeItem
}

// RoomMessage carries a full room snapshot to clients.
type RoomMessage struct {
	Type string       `json:"type"`
	Room RoomSnapshot `json:"room"`
}

// SimpleMessage is for payload-free notifications ("roomNotFound",
// "roomClosed") and validation errors.
type SimpleMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// Per-intent shapes checked before anything reaches the registry. A message
// failing these is rejected at the boundary, never partially applied.
type createRoomIntent struct {
	User     User `validate:"required"`
	Criteria SelectionCriteria
}

type joinRoomIntent struct {
	RoomCode string `validate:"required,len=6"`
	User     User   `validate:"required"`
}

type leaveRoomIntent struct {
	RoomID string `validate:"required"`
	UserID string `validate:"required"`
}

type likeItemIntent struct {
	RoomID  string `validate:"required"`
	UserID  string `validate:"required"`
	ItemKey string `validate:"required"`
}

type dislikeItemIntent struct {
	RoomID string `validate:"required"`
	UserID string `validate:"required"`
	ItemID string `validate:"required"`
}

func (m *ClientMessage) validateUser() error {
	if m.User == nil || m.User.ID == "" || m.User.Name == "" {
		return errors.New("user requires id and name")
	}
	return nil
}

type session struct {
	conn *websocket.Conn
	send chan any

	// roomID/userID are only touched by the dispatcher goroutine.
	roomID string
	userID string
}

type intent struct {
	sess *session
	msg  ClientMessage
}

// Gateway owns the broadcast groups and the single dispatcher loop.
type Gateway struct {
	registry *Registry
	validate *validator.Validate

	sessions map[*session]struct{}
	subs     map[string]map[*session]struct{}

	register chan *session
	unreg    chan *session
	intents  chan intent

	roomTimeout time.Duration
}

func newGateway(registry *Registry, roomTimeout time.Duration) *Gateway {
	return &Gateway{
		registry:    registry,
		validate:    validator.New(),
		sessions:    make(map[*session]struct{}),
		subs:        make(map[string]map[*session]struct{}),
		register:    make(chan *session),
		unreg:       make(chan *session),
		intents:     make(chan intent, 64),
		roomTimeout: roomTimeout,
	}
}

// run is the gateway's only mutator. One event is carried to completion
// (registry call, then broadcast) before the next is picked up, so intents
// for the same room are applied in arrival order.
func (g *Gateway) run(cfg *Config) {
	var reap <-chan time.Time
	if g.roomTimeout > 0 {
		ticker := time.NewTicker(g.roomTimeout / 2)
		defer ticker.Stop()
		reap = ticker.C
	}

	for {
		select {
		case s := <-g.register:
			g.sessions[s] = struct{}{}
			connectionsActive.Inc()

		case s := <-g.unreg:
			g.dropSession(cfg, s)
			connectionsActive.Dec()

		case in := <-g.intents:
			g.handleIntent(cfg, in.sess, in.msg)

		case <-reap:
			g.reapIdleRooms(cfg)
		}
	}
}

func (g *Gateway) handleIntent(cfg *Config, s *session, msg ClientMessage) {
	// readPump queues intents and unreg on separate channels, so an intent
	// can still arrive after its session was dropped. Acting on it would
	// mutate rooms on behalf of a dead connection or reply into a closed
	// channel; discard it instead.
	if _, ok := g.sessions[s]; !ok {
		return
	}

	switch msg.Type {
	case "createRoom":
		g.handleCreate(cfg, s, msg)
	case "joinRoom":
		g.handleJoin(cfg, s, msg)
	case "leaveRoom":
		g.handleLeave(cfg, s, msg)
	case "likeItem":
		g.handleVote(cfg, s, msg, true)
	case "dislikeItem":
		g.handleVote(cfg, s, msg, false)
	default:
		// ignore unknown types
	}
}

func (g *Gateway) handleCreate(cfg *Config, s *session, msg ClientMessage) {
	if err := msg.validateUser(); err != nil {
		g.rejectIntent(s, err)
		return
	}
	if err := g.validate.Struct(createRoomIntent{User: *msg.User, Criteria: msg.Criteria}); err != nil {
		g.rejectIntent(s, err)
		return
	}

	snap, err := g.registry.CreateRoom(*msg.User, msg.Criteria)
	if err != nil {
		log.Printf("%s | ERROR: createRoom: %v", time.Now().Format(logDate), err)
		g.sendTo(s, SimpleMessage{Type: "error", Message: "room creation failed"})
		return
	}

	g.subscribe(s, snap.ID, msg.User.ID)
	g.sendTo(s, RoomMessage{Type: "roomCreated", Room: snap})

	logf(cfg, "ROOMS: %q created room %s (%s)", msg.User.Name, snap.Code, snap.ID)
}

func (g *Gateway) handleJoin(cfg *Config, s *session, msg ClientMessage) {
	if err := msg.validateUser(); err != nil {
		g.rejectIntent(s, err)
		return
	}
	if err := g.validate.Struct(joinRoomIntent{RoomCode: msg.RoomCode, User: *msg.User}); err != nil {
		g.rejectIntent(s, err)
		return
	}

	snap, err := g.registry.JoinRoom(msg.RoomCode, *msg.User)
	if errors.Is(err, ErrRoomNotFound) {
		g.sendTo(s, SimpleMessage{Type: "roomNotFound"})
		return
	}

	g.subscribe(s, snap.ID, msg.User.ID)
	g.broadcast(snap.ID, RoomMessage{Type: "userJoined", Room: snap})

	logf(cfg, "ROOMS: %q joined room %s", msg.User.Name, snap.Code)
}

func (g *Gateway) handleLeave(cfg *Config, s *session, msg ClientMessage) {
	if err := g.validate.Struct(leaveRoomIntent{RoomID: msg.RoomID, UserID: msg.UserID}); err != nil {
		g.rejectIntent(s, err)
		return
	}

	if s.roomID == msg.RoomID {
		g.unsubscribe(s)
	}

	snap, err := g.registry.LeaveRoom(msg.RoomID, msg.UserID)
	if errors.Is(err, ErrRoomNotFound) {
		g.sendTo(s, SimpleMessage{Type: "roomNotFound"})
		return
	}

	// A destroyed room has nobody left to notify.
	if len(snap.Members) > 0 {
		g.broadcast(snap.ID, RoomMessage{Type: "userLeft", Room: snap})
	}

	logf(cfg, "ROOMS: %q left room %s", msg.UserID, snap.Code)
}

func (g *Gateway) handleVote(cfg *Config, s *session, msg ClientMessage, liked bool) {
	var item Item
	if liked {
		if msg.Item == nil {
			g.rejectIntent(s, errors.New("likeItem requires an item"))
			return
		}
		if err := g.validate.Struct(likeItemIntent{RoomID: msg.RoomID, UserID: msg.UserID, ItemKey: msg.Item.Key}); err != nil {
			g.rejectIntent(s, err)
			return
		}
		item = *msg.Item
	} else {
		if err := g.validate.Struct(dislikeItemIntent{RoomID: msg.RoomID, UserID: msg.UserID, ItemID: msg.ItemID}); err != nil {
			g.rejectIntent(s, err)
			return
		}
		item = Item{Key: msg.ItemID}
	}

	snap, err := g.registry.VoteItem(msg.RoomID, msg.UserID, item, liked)
	if errors.Is(err, ErrRoomNotFound) {
		g.sendTo(s, SimpleMessage{Type: "roomNotFound"})
		return
	}

	g.broadcast(snap.ID, RoomMessage{Type: "roomUpdated", Room: snap})
}

func (g *Gateway) rejectIntent(s *session, err error) {
	g.sendTo(s, SimpleMessage{Type: "error", Message: err.Error()})
}

// subscribe moves a session into a room's broadcast group, leaving any
// previous room first.
func (g *Gateway) subscribe(s *session, roomID, userID string) {
	if s.roomID != "" && s.roomID != roomID {
		g.leaveCurrentRoom(s)
	}

	group, ok := g.subs[roomID]
	if !ok {
		group = make(map[*session]struct{})
		g.subs[roomID] = group
	}
	group[s] = struct{}{}

	s.roomID = roomID
	s.userID = userID
}

func (g *Gateway) unsubscribe(s *session) {
	if s.roomID == "" {
		return
	}

	if group, ok := g.subs[s.roomID]; ok {
		delete(group, s)
		if len(group) == 0 {
			delete(g.subs, s.roomID)
		}
	}

	s.roomID = ""
	s.userID = ""
}

// leaveCurrentRoom applies the full leave contract for a session's current
// room: unsubscribe, registry removal, userLeft to whoever remains.
func (g *Gateway) leaveCurrentRoom(s *session) {
	roomID, userID := s.roomID, s.userID
	g.unsubscribe(s)

	snap, err := g.registry.LeaveRoom(roomID, userID)
	if err != nil {
		return
	}

	if len(snap.Members) > 0 {
		g.broadcast(snap.ID, RoomMessage{Type: "userLeft", Room: snap})
	}
}

// dropSession handles a disconnect: implicit leaveRoom, then the send
// channel is closed so the write pump unwinds.
func (g *Gateway) dropSession(cfg *Config, s *session) {
	if s.roomID != "" {
		logf(cfg, "WS: %q disconnected from room %s", s.userID, s.roomID)
		g.leaveCurrentRoom(s)
	}
	g.closeSession(s)
}

// closeSession closes the send channel exactly once, however many paths
// (disconnect, full buffer during fan-out) try to get rid of a session.
func (g *Gateway) closeSession(s *session) {
	if _, ok := g.sessions[s]; !ok {
		return
	}
	delete(g.sessions, s)
	g.unsubscribe(s)
	close(s.send)
}

func (g *Gateway) sendTo(s *session, msg any) {
	// A session closed mid-event (overflow during an earlier fan-out)
	// must not be written to again: sending on its closed channel would
	// panic the dispatcher and take the whole process down.
	if _, ok := g.sessions[s]; !ok {
		return
	}

	select {
	case s.send <- msg:
	default:
		g.closeSession(s)
	}
}

func (g *Gateway) broadcast(roomID string, msg any) {
	for s := range g.subs[roomID] {
		select {
		case s.send <- msg:
		default:
			g.closeSession(s)
		}
	}
}

// reapIdleRooms destroys rooms with no recent activity and notifies any
// sessions still subscribed to them.
func (g *Gateway) reapIdleRooms(cfg *Config) {
	cutoff := time.Now().Add(-g.roomTimeout)

	for _, id := range g.registry.IdleRooms(cutoff) {
		g.registry.DestroyRoom(id)
		g.broadcast(id, SimpleMessage{Type: "roomClosed"})

		for s := range g.subs[id] {
			s.roomID = ""
			s.userID = ""
		}
		delete(g.subs, id)

		logf(cfg, "ROOMS: Reaped idle room %s", id)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// serveWS upgrades the connection and wires it into the dispatcher.
func serveWS(cfg *Config, g *Gateway) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Println("upgrade error:", err)
			return
		}

		s := &session{
			conn: conn,
			send: make(chan any, 16),
		}

		g.register <- s

		go s.writePump()
		s.readPump(g)
	}
}

func (s *session) readPump(g *Gateway) {
	defer func() {
		g.unreg <- s
		_ = s.conn.Close()
	}()

	for {
		var msg ClientMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}

		g.intents <- intent{sess: s, msg: msg}
	}
}

func (s *session) writePump() {
	defer s.conn.Close()

	for msg := range s.send {
		if err := s.conn.WriteJSON(msg); err != nil {
			return
		}
	}
}
