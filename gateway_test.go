/*
Copyright © 2026 The matchroom authors
*/

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestGateway wires a gateway without the dispatcher goroutine; tests
// call handleIntent and dropSession directly, which is exactly what run()
// does, one event at a time.
func newTestGateway(roomTimeout time.Duration) (*Gateway, *Config) {
	g := newGateway(newRegistry(), roomTimeout)
	cfg := &Config{}
	return g, cfg
}

func addSession(g *Gateway) *session {
	s := &session{send: make(chan any, 16)}
	g.sessions[s] = struct{}{}
	return s
}

// drain empties a session's send buffer without blocking.
func drain(s *session) []any {
	var msgs []any
	for {
		select {
		case msg := <-s.send:
			msgs = append(msgs, msg)
		default:
			return msgs
		}
	}
}

func createRoomVia(t *testing.T, g *Gateway, cfg *Config, s *session, user User) RoomSnapshot {
	t.Helper()

	g.handleIntent(cfg, s, ClientMessage{Type: "createRoom", User: &user})

	msgs := drain(s)
	require.Len(t, msgs, 1)

	created, ok := msgs[0].(RoomMessage)
	require.True(t, ok)
	require.Equal(t, "roomCreated", created.Type)

	return created.Room
}

func TestGateway_CreateRoom_RepliesToRequesterOnly(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	bystander := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})

	require.Equal(t, "u1", creator.userID)
	require.Equal(t, room.ID, creator.roomID)
	require.Empty(t, drain(bystander))
}

func TestGateway_JoinRoom_BroadcastsFullSnapshotToGroup(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	joiner := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})

	g.handleIntent(cfg, joiner, ClientMessage{
		Type:     "joinRoom",
		RoomCode: room.Code,
		User:     &User{ID: "u2", Name: "Bob"},
	})

	for _, s := range []*session{creator, joiner} {
		msgs := drain(s)
		require.Len(t, msgs, 1)

		joined, ok := msgs[0].(RoomMessage)
		require.True(t, ok)
		require.Equal(t, "userJoined", joined.Type)
		require.Equal(t, []string{"u1", "u2"}, memberIDs(joined.Room))
	}
}

func TestGateway_JoinRoom_UnknownCodeNotifiesRequesterOnly(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	joiner := addSession(g)

	createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})

	g.handleIntent(cfg, joiner, ClientMessage{
		Type:     "joinRoom",
		RoomCode: "ZZZZZZ",
		User:     &User{ID: "u2", Name: "Bob"},
	})

	msgs := drain(joiner)
	require.Len(t, msgs, 1)
	require.Equal(t, SimpleMessage{Type: "roomNotFound"}, msgs[0])

	require.Empty(t, drain(creator))
}

func TestGateway_Vote_BroadcastsRoomUpdatedToGroup(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	joiner := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})
	g.handleIntent(cfg, joiner, ClientMessage{
		Type:     "joinRoom",
		RoomCode: room.Code,
		User:     &User{ID: "u2", Name: "Bob"},
	})
	drain(creator)
	drain(joiner)

	g.handleIntent(cfg, creator, ClientMessage{
		Type:   "likeItem",
		RoomID: room.ID,
		UserID: "u1",
		Item:   &Item{Key: "X", Title: "X"},
	})
	g.handleIntent(cfg, joiner, ClientMessage{
		Type:   "likeItem",
		RoomID: room.ID,
		UserID: "u2",
		Item:   &Item{Key: "X", Title: "X"},
	})

	// Both sessions see both updates; the second one carries the match.
	for _, s := range []*session{creator, joiner} {
		msgs := drain(s)
		require.Len(t, msgs, 2)

		first, ok := msgs[0].(RoomMessage)
		require.True(t, ok)
		require.Equal(t, "roomUpdated", first.Type)
		require.Empty(t, first.Room.Matched)

		second, ok := msgs[1].(RoomMessage)
		require.True(t, ok)
		require.Equal(t, "roomUpdated", second.Type)
		require.Len(t, second.Room.Matched, 1)
		require.Equal(t, "X", second.Room.Matched[0].Key)
	}
}

func TestGateway_Dislike_BroadcastsWithoutMatching(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	joiner := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})
	g.handleIntent(cfg, joiner, ClientMessage{
		Type:     "joinRoom",
		RoomCode: room.Code,
		User:     &User{ID: "u2", Name: "Bob"},
	})
	drain(creator)
	drain(joiner)

	g.handleIntent(cfg, creator, ClientMessage{
		Type:   "dislikeItem",
		RoomID: room.ID,
		UserID: "u1",
		ItemID: "X",
	})

	msgs := drain(joiner)
	require.Len(t, msgs, 1)

	updated, ok := msgs[0].(RoomMessage)
	require.True(t, ok)
	require.Equal(t, "roomUpdated", updated.Type)
	require.Empty(t, updated.Room.Matched)
}

func TestGateway_LeaveRoom_NotifiesRemainingOnly(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	joiner := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})
	g.handleIntent(cfg, joiner, ClientMessage{
		Type:     "joinRoom",
		RoomCode: room.Code,
		User:     &User{ID: "u2", Name: "Bob"},
	})
	drain(creator)
	drain(joiner)

	g.handleIntent(cfg, joiner, ClientMessage{
		Type:   "leaveRoom",
		RoomID: room.ID,
		UserID: "u2",
	})

	msgs := drain(creator)
	require.Len(t, msgs, 1)

	left, ok := msgs[0].(RoomMessage)
	require.True(t, ok)
	require.Equal(t, "userLeft", left.Type)
	require.Equal(t, []string{"u1"}, memberIDs(left.Room))

	// The leaver was unsubscribed before the broadcast.
	require.Empty(t, drain(joiner))
	require.Empty(t, joiner.roomID)
}

func TestGateway_LeaveRoom_LastMemberNoBroadcast(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})

	g.handleIntent(cfg, creator, ClientMessage{
		Type:   "leaveRoom",
		RoomID: room.ID,
		UserID: "u1",
	})

	require.Empty(t, drain(creator))

	_, err := g.registry.Room(room.ID)
	require.ErrorIs(t, err, ErrRoomNotFound)
}

func TestGateway_Disconnect_ActsAsLeaveRoom(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)
	joiner := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})
	g.handleIntent(cfg, joiner, ClientMessage{
		Type:     "joinRoom",
		RoomCode: room.Code,
		User:     &User{ID: "u2", Name: "Bob"},
	})
	drain(creator)
	drain(joiner)

	g.dropSession(cfg, joiner)

	msgs := drain(creator)
	require.Len(t, msgs, 1)

	left, ok := msgs[0].(RoomMessage)
	require.True(t, ok)
	require.Equal(t, "userLeft", left.Type)
	require.Equal(t, []string{"u1"}, memberIDs(left.Room))

	// Send channel is closed exactly once even if another path races.
	_, open := <-joiner.send
	require.False(t, open)
}

func TestGateway_Validation_RejectsMalformedIntents(t *testing.T) {
	g, cfg := newTestGateway(0)
	s := addSession(g)

	cases := []ClientMessage{
		{Type: "createRoom"},
		{Type: "createRoom", User: &User{ID: "u1"}},
		{Type: "joinRoom", User: &User{ID: "u1", Name: "Alice"}},
		{Type: "joinRoom", RoomCode: "TOOLONG", User: &User{ID: "u1", Name: "Alice"}},
		{Type: "leaveRoom", RoomID: "r1"},
		{Type: "likeItem", RoomID: "r1", UserID: "u1"},
		{Type: "likeItem", RoomID: "r1", UserID: "u1", Item: &Item{}},
		{Type: "dislikeItem", RoomID: "r1", UserID: "u1"},
	}

	for _, msg := range cases {
		g.handleIntent(cfg, s, msg)

		msgs := drain(s)
		require.Len(t, msgs, 1, "intent %+v", msg)

		reject, ok := msgs[0].(SimpleMessage)
		require.True(t, ok)
		require.Equal(t, "error", reject.Type)
	}

	// Nothing reached the registry.
	require.Empty(t, g.registry.rooms)
}

func TestGateway_UnknownIntentType_Ignored(t *testing.T) {
	g, cfg := newTestGateway(0)
	s := addSession(g)

	g.handleIntent(cfg, s, ClientMessage{Type: "shrug"})

	require.Empty(t, drain(s))
}

func TestGateway_SendTo_ClosedSessionDoesNotPanic(t *testing.T) {
	g, cfg := newTestGateway(0)
	s := addSession(g)

	// Fill the send buffer so the next write takes the overflow path and
	// closes the session.
	for i := 0; i < cap(s.send); i++ {
		s.send <- SimpleMessage{Type: "roomClosed"}
	}
	g.sendTo(s, SimpleMessage{Type: "roomClosed"})
	require.NotContains(t, g.sessions, s)

	// Later writes to the dead session are dropped, not sent on the
	// closed channel.
	require.NotPanics(t, func() {
		g.sendTo(s, SimpleMessage{Type: "roomClosed"})
	})
	require.NotPanics(t, func() {
		g.handleIntent(cfg, s, ClientMessage{Type: "createRoom"})
	})
}

func TestGateway_IntentAfterDisconnectIsDiscarded(t *testing.T) {
	g, cfg := newTestGateway(0)
	creator := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})

	// The client wrote a vote and then disconnected; the disconnect can be
	// serviced first, so the vote arrives for an already-dropped session.
	g.dropSession(cfg, creator)

	require.NotPanics(t, func() {
		g.handleIntent(cfg, creator, ClientMessage{
			Type:   "likeItem",
			RoomID: room.ID,
			UserID: "u1",
			Item:   &Item{Key: "X"},
		})
		g.handleIntent(cfg, creator, ClientMessage{Type: "createRoom", User: &User{ID: "u1", Name: "Alice"}})
	})

	// No room was created on behalf of the dead connection.
	require.Empty(t, g.registry.rooms)
	require.Empty(t, g.subs)
}

func TestGateway_ReapIdleRooms_ClosesAndUnsubscribes(t *testing.T) {
	g, cfg := newTestGateway(time.Millisecond)
	creator := addSession(g)

	room := createRoomVia(t, g, cfg, creator, User{ID: "u1", Name: "Alice"})

	time.Sleep(5 * time.Millisecond)
	g.reapIdleRooms(cfg)

	msgs := drain(creator)
	require.Len(t, msgs, 1)
	require.Equal(t, SimpleMessage{Type: "roomClosed"}, msgs[0])
	require.Empty(t, creator.roomID)

	_, err := g.registry.Room(room.ID)
	require.ErrorIs(t, err, ErrRoomNotFound)
}
