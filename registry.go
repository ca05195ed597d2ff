/*
Copyright © 2026 The matchroom authors
*/

package main

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrRoomNotFound       = errors.New("no live room with that code or id")
	ErrCodeSpaceExhausted = errors.New("unable to allocate an unused room code")
)

// User is supplied by the client that introduces it; ids are opaque here.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Item is one catalog entry voted on in a room. Key is the only field the
// registry reads; the rest rides along for display.
type Item struct {
	Key           string   `json:"key"`
	Title         string   `json:"title,omitempty"`
	Year          int      `json:"year,omitempty"`
	Summary       string   `json:"summary,omitempty"`
	PosterURL     string   `json:"posterUrl,omitempty"`
	Tagline       string   `json:"tagline,omitempty"`
	Genres        []string `json:"genres,omitempty"`
	Duration      int      `json:"duration,omitempty"`
	ContentRating string   `json:"contentRating,omitempty"`
	Rating        float64  `json:"rating,omitempty"`
}

// SelectionCriteria is stored and echoed back to clients verbatim; the
// registry never interprets it. The catalog handlers forward the equivalent
// filters to the catalog server.
type SelectionCriteria struct {
	Libraries      []SelectedLibrary `json:"selectedLibraries,omitempty"`
	Genres         []string          `json:"selectedGenres,omitempty"`
	YearMin        int               `json:"yearMin,omitempty"`
	YearMax        int               `json:"yearMax,omitempty"`
	DurationMin    int               `json:"durationMin,omitempty"`
	DurationMax    int               `json:"durationMax,omitempty"`
	ContentRatings []string          `json:"selectedContentRatings,omitempty"`
	SortOrder      string            `json:"sortOrder,omitempty"`
}

type SelectedLibrary struct {
	Key  string `json:"key"`
	Type string `json:"type"`
}

// Room holds all mutable state for one swipe session. Members keeps join
// order; voteTally maps item key to the set of member ids that liked it and
// only ever grows; matched keeps first-match order with no duplicates.
type Room struct {
	id       string
	code     string
	members  []User
	criteria SelectionCriteria

	voteTally map[string]map[string]struct{}
	items     map[string]Item
	matched   []Item

	createdAt  time.Time
	lastActive time.Time
}

// RoomSnapshot is the wire-facing copy of a room, safe to hand to other
// goroutines after the registry lock is released.
type RoomSnapshot struct {
	ID       string            `json:"id"`
	Code     string            `json:"code"`
	Members  []User            `json:"members"`
	Criteria SelectionCriteria `json:"selectionCriteria"`
	Matched  []Item            `json:"matchedItems"`
}

func (r *Room) snapshot() RoomSnapshot {
	members := make([]User, len(r.members))
	copy(members, r.members)

	matched := make([]Item, len(r.matched))
	copy(matched, r.matched)

	return RoomSnapshot{
		ID:       r.id,
		Code:     r.code,
		Members:  members,
		Criteria: r.criteria,
		Matched:  matched,
	}
}

func (r *Room) memberIndex(userID string) int {
	for i, m := range r.members {
		if m.ID == userID {
			return i
		}
	}
	return -1
}

// Registry owns every live room, keyed both by internal id and by short
// code. A single mutex serializes all mutation; no operation spans rooms.
type Registry struct {
	mu     sync.Mutex
	rooms  map[string]*Room
	byCode map[string]*Room
}

func newRegistry() *Registry {
	return &Registry{
		rooms:  make(map[string]*Room),
		byCode: make(map[string]*Room),
	}
}

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6

	// 36^6 codes; hitting this bound means something is deeply wrong.
	codeAttempts = 100
)

// newRoomCode samples random codes until one is unused among live rooms.
// Caller must hold r.mu.
func (r *Registry) newRoomCode() (string, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		buf := make([]byte, codeLength)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}

		out := make([]byte, codeLength)
		for i := range out {
			out[i] = codeAlphabet[int(buf[i])%len(codeAlphabet)]
		}
		code := string(out)

		if _, exists := r.byCode[code]; !exists {
			return code, nil
		}
	}

	return "", ErrCodeSpaceExhausted
}

// CreateRoom allocates a fresh room with the creator as its only member.
func (r *Registry) CreateRoom(creator User, criteria SelectionCriteria) (RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	code, err := r.newRoomCode()
	if err != nil {
		return RoomSnapshot{}, err
	}

	now := time.Now()
	room := &Room{
		id:         uuid.NewString(),
		code:       code,
		members:    []User{creator},
		criteria:   criteria,
		voteTally:  make(map[string]map[string]struct{}),
		items:      make(map[string]Item),
		createdAt:  now,
		lastActive: now,
	}

	r.rooms[room.id] = room
	r.byCode[room.code] = room

	roomsActive.Inc()

	return room.snapshot(), nil
}

// JoinRoom resolves a short code and appends the user to the member list.
// Joining a room the user is already in is a no-op.
func (r *Registry) JoinRoom(code string, user User) (RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.byCode[code]
	if !ok {
		return RoomSnapshot{}, ErrRoomNotFound
	}

	room.lastActive = time.Now()

	if room.memberIndex(user.ID) == -1 {
		room.members = append(room.members, user)
	}

	return room.snapshot(), nil
}

// LeaveRoom removes the user from the room. Removing the last member
// destroys the room and frees its code immediately; the emptied snapshot is
// still returned so the caller can make one final broadcast decision.
func (r *Registry) LeaveRoom(id, userID string) (RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return RoomSnapshot{}, ErrRoomNotFound
	}

	i := room.memberIndex(userID)
	if i == -1 {
		return RoomSnapshot{}, ErrRoomNotFound
	}

	room.members = append(room.members[:i], room.members[i+1:]...)
	room.lastActive = time.Now()

	if len(room.members) == 0 {
		r.destroyLocked(room)
	}

	return room.snapshot(), nil
}

// VoteItem records a like in the tally and checks for a new match. Dislikes
// touch nothing match-relevant: an earlier like is never retracted. The
// current snapshot is returned either way.
func (r *Registry) VoteItem(id, userID string, item Item, liked bool) (RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return RoomSnapshot{}, ErrRoomNotFound
	}
	if room.memberIndex(userID) == -1 {
		return RoomSnapshot{}, ErrRoomNotFound
	}

	room.lastActive = time.Now()

	if liked {
		votesTotal.WithLabelValues("like").Inc()

		likes, ok := room.voteTally[item.Key]
		if !ok {
			likes = make(map[string]struct{})
			room.voteTally[item.Key] = likes
		}
		likes[userID] = struct{}{}
		room.items[item.Key] = item

		if r.evaluateMatchLocked(room, item.Key) {
			matchesTotal.Inc()
		}
	} else {
		votesTotal.WithLabelValues("dislike").Inc()
	}

	return room.snapshot(), nil
}

// evaluateMatchLocked applies the match rule for one item against the
// room's membership as it stands right now. A single-member room never
// matches. Membership changes do not trigger re-evaluation; a vote set that
// becomes complete only because someone left is picked up by the next vote.
func (r *Registry) evaluateMatchLocked(room *Room, itemKey string) bool {
	if len(room.members) < 2 {
		return false
	}

	likes := room.voteTally[itemKey]
	for _, m := range room.members {
		if _, ok := likes[m.ID]; !ok {
			return false
		}
	}

	for _, it := range room.matched {
		if it.Key == itemKey {
			return false
		}
	}

	room.matched = append(room.matched, room.items[itemKey])

	return true
}

// Room returns the snapshot for a live room by internal id.
func (r *Registry) Room(id string) (RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.rooms[id]
	if !ok {
		return RoomSnapshot{}, ErrRoomNotFound
	}

	return room.snapshot(), nil
}

// RoomByCode returns the snapshot for a live room by short code.
func (r *Registry) RoomByCode(code string) (RoomSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.byCode[code]
	if !ok {
		return RoomSnapshot{}, ErrRoomNotFound
	}

	return room.snapshot(), nil
}

// DestroyRoom removes a room regardless of membership (used by the idle
// reaper).
func (r *Registry) DestroyRoom(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if room, ok := r.rooms[id]; ok {
		r.destroyLocked(room)
	}
}

// IdleRooms returns the ids of rooms that have seen no activity since the
// cutoff.
func (r *Registry) IdleRooms(cutoff time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for id, room := range r.rooms {
		if room.lastActive.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Registry) destroyLocked(room *Room) {
	delete(r.rooms, room.id)
	delete(r.byCode, room.code)

	roomsActive.Dec()
	roomsDestroyed.Inc()
}
