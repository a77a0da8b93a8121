// Package room implements Room, the named channel: membership, a bounded
// message history, and the per-room broadcast primitive. Rooms never
// mutate themselves directly from the outside; the Hub holds the
// exclusive mutation guard and calls into Room methods only while holding
// it, then performs the resulting notifications after releasing it.
package room

import (
	"container/list"
	"context"
	"sync"
	"time"

	"chatsignal/internal/metrics"
)

// MaxHistory is the bound on a room's in-memory message history; the
// oldest entry is evicted once it is exceeded.
const MaxHistory = 100

// Sender is the minimal interface a Hub member must satisfy to receive
// enqueued frames. It is implemented by *chatsession.Session; kept as an
// interface here so room has no import-time dependency on the session
// package.
type Sender interface {
	ID() string
	DisplayName() string
	Enqueue(frame []byte) bool
}

// HistoryEntry is one recorded chat message.
type HistoryEntry struct {
	SenderName string    `json:"sender_name"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
}

// Room is a named channel: a membership set, a creation record, and a
// bounded history.
type Room struct {
	Name      string
	CreatedBy string
	CreatedAt time.Time

	mu      sync.RWMutex
	members map[string]Sender // session id -> sender
	history *list.List        // of HistoryEntry, oldest at Front

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an empty room. Membership is populated by the Hub via Add.
func New(name, createdBy string) *Room {
	r := &Room{
		Name:      name,
		CreatedBy: createdBy,
		CreatedAt: time.Now().UTC(),
		members:   make(map[string]Sender),
		history:   list.New(),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Context is cancelled when the room is torn down (used to stop any
// background Redis subscription started for this room).
func (r *Room) Context() context.Context { return r.ctx }

// Close cancels the room's context. Called by the Hub when a non-default
// room becomes empty and is removed from the registry.
func (r *Room) Close() { r.cancel() }

// Add inserts session into the room's membership. Returns false if
// already a member. The caller (Hub) is expected to hold its own
// exclusive guard around the surrounding create/join sequence; Room's own
// mutex protects the members/history fields from concurrent reads (e.g.
// MembersSnapshot called for an unrelated room_users refresh).
func (r *Room) Add(s Sender) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[s.ID()]; ok {
		return false
	}
	r.members[s.ID()] = s
	return true
}

// Remove deletes session from the room's membership. Returns false if it
// was not a member.
func (r *Room) Remove(sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[sessionID]; !ok {
		return false
	}
	delete(r.members, sessionID)
	return true
}

// Has reports whether sessionID is currently a member.
func (r *Room) Has(sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[sessionID]
	return ok
}

// MemberIDs returns the session ids of current members. Used by the Hub
// to resolve concrete *chatsession.Session values for notification
// recipient lists, since Room only ever holds the narrower Sender view.
func (r *Room) MemberIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.members))
	for id := range r.members {
		ids = append(ids, id)
	}
	return ids
}

// MemberCount returns the number of current members.
func (r *Room) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// MembersSnapshot returns the display names of current members. Every
// recipient of a given room_users event must see the same snapshot;
// callers get a fresh copy each call, so build it once per event and
// reuse it for all recipients.
func (r *Room) MembersSnapshot() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.members))
	for _, s := range r.members {
		names = append(names, s.DisplayName())
	}
	return names
}

// AppendHistory records a chat message, evicting the oldest entry once
// MaxHistory is exceeded.
func (r *Room) AppendHistory(senderName, content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history.PushBack(HistoryEntry{SenderName: senderName, Content: content, Timestamp: time.Now().UTC()})
	for r.history.Len() > MaxHistory {
		r.history.Remove(r.history.Front())
	}
}

// HistoryLen reports the current history length.
func (r *Room) HistoryLen() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.history.Len()
}

// Broadcast enqueues frame to every member except the session whose id
// equals exclude (pass "" to exclude no one). Broadcast is fire-and-forget:
// a full outbound queue drops the frame for that one recipient and is
// counted by the session's slow-consumer accounting, never aborting the
// broadcast to the rest of the room.
func (r *Room) Broadcast(frame []byte, exclude string) {
	r.mu.RLock()
	targets := make([]Sender, 0, len(r.members))
	for id, s := range r.members {
		if id == exclude {
			continue
		}
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	for _, s := range targets {
		if !s.Enqueue(frame) {
			metrics.DroppedFramesTotal.WithLabelValues("outbound_full").Inc()
		}
	}
	metrics.MessagesTotal.WithLabelValues(r.Name).Inc()
}
