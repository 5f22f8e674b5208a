// Package realtime keeps websocket clients, their chat rooms and delivers chat events to them.
package realtime

import (
	"github.com/rs/xid"
	"go.uber.org/zap"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/storage"
	"strconv"
	"sync"
)

// Client is one websocket connection of an authenticated user
type Client struct {
	id       string
	userID   int64
	username string
	send     chan []byte

	// guarded by Router.mu
	chats map[int64]struct{}
	rooms map[string]struct{}
}

// NewClient returns client for principal p with outbound buffer of the given size
func NewClient(id string, p chat.Principal, buffer int) *Client {
	c := &Client{
		id:       id,
		userID:   p.ID,
		username: p.Username,
		send:     make(chan []byte, buffer),
		chats:    make(map[int64]struct{}, len(p.ChatIDs)),
		rooms:    make(map[string]struct{}),
	}
	for _, id := range p.ChatIDs {
		c.chats[id] = struct{}{}
	}
	return c
}

// RoomName returns name of the room of a chat
func RoomName(chatID int64) string {
	return "chat_" + strconv.FormatInt(chatID, 10)
}

// Router tracks clients and rooms of a single process
type Router struct {
	logger *zap.SugaredLogger

	mu      sync.RWMutex
	clients map[string]*Client
	users   map[int64]map[string]*Client
	rooms   map[string]map[string]*Client
}

func NewRouter(logger *zap.SugaredLogger) *Router {
	return &Router{
		logger:  logger,
		clients: make(map[string]*Client),
		users:   make(map[int64]map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

// Register adds client to the router
func (r *Router) Register(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.clients[c.id] = c
	if r.users[c.userID] == nil {
		r.users[c.userID] = make(map[string]*Client)
	}
	r.users[c.userID][c.id] = c
}

// Unregister removes client from every room and closes its send channel
func (r *Router) Unregister(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[c.id]; !ok {
		return
	}

	for room := range c.rooms {
		r.leave(c, room)
	}
	delete(r.clients, c.id)
	delete(r.users[c.userID], c.id)
	if len(r.users[c.userID]) == 0 {
		delete(r.users, c.userID)
	}

	close(c.send)
}

// Member reports whether the client is allowed to act on the chat
func (r *Router) Member(c *Client, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.chats[chatID]
	return ok
}

// Joined reports whether the client is in the chat room
func (r *Router) Joined(c *Client, chatID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := c.rooms[RoomName(chatID)]
	return ok
}

// Join puts client into the chat room. Joining twice changes nothing.
func (r *Router) Join(c *Client, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[c.id]; !ok {
		return
	}
	r.join(c, RoomName(chatID))
}

// Leave takes client out of the chat room. Leaving a room not joined changes nothing.
func (r *Router) Leave(c *Client, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leave(c, RoomName(chatID))
}

func (r *Router) join(c *Client, room string) {
	if r.rooms[room] == nil {
		r.rooms[room] = make(map[string]*Client)
	}
	r.rooms[room][c.id] = c
	c.rooms[room] = struct{}{}
}

func (r *Router) leave(c *Client, room string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	delete(members, c.id)
	if len(members) == 0 {
		delete(r.rooms, room)
	}
	delete(c.rooms, room)
}

// BroadcastMessage sends message to every client in the chat room except excludeConn
func (r *Router) BroadcastMessage(chatID int64, msg storage.Message, excludeConn string) {
	frame, err := encode(EventNewMessage, msg)
	if err != nil {
		r.logger.Errorf("encoding %s: %v", EventNewMessage, err)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for id, c := range r.rooms[RoomName(chatID)] {
		if id == excludeConn {
			continue
		}
		r.deliver(c, frame)
	}
}

// FanOutLastMessage sends summary to members of the chat that are connected but not in its room.
// Recipients are gathered in an ephemeral room that is disbanded right after the emission.
func (r *Router) FanOutLastMessage(chatID int64, summary chat.LastMessage) {
	frame, err := encode(EventNewLastMessage, summary)
	if err != nil {
		r.logger.Errorf("encoding %s: %v", EventNewLastMessage, err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chatRoom := r.rooms[RoomName(chatID)]
	ephemeral := "last_" + strconv.FormatInt(chatID, 10) + "_" + xid.New().String()
	for id, c := range r.clients {
		if _, ok := c.chats[chatID]; !ok {
			continue
		}
		if _, ok := chatRoom[id]; ok {
			continue
		}
		r.join(c, ephemeral)
	}

	for _, c := range r.rooms[ephemeral] {
		r.deliver(c, frame)
	}

	for _, c := range r.rooms[ephemeral] {
		r.leave(c, ephemeral)
	}
}

// Grant allows every connection of the user to act on the chat
func (r *Router) Grant(userID, chatID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.users[userID] {
		c.chats[chatID] = struct{}{}
	}
}

// MemberAdded grants the chat to the user and tells their connections
func (r *Router) MemberAdded(chatID, userID int64) {
	frame, _ := encode(EventAddedToChat, struct{}{})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.users[userID] {
		c.chats[chatID] = struct{}{}
		r.deliver(c, frame)
	}
}

// PushedOut revokes the chat from the user and tells their connections
func (r *Router) PushedOut(chatID, userID int64) {
	frame, _ := encode(EventPushedOutChat, chatRef{ChatID: chatID})

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.users[userID] {
		r.revoke(c, chatID)
		r.deliver(c, frame)
	}
}

// Left revokes the chat from the user
func (r *Router) Left(chatID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.users[userID] {
		r.revoke(c, chatID)
	}
}

// ChatDeleted revokes the chat from the given users and from any client still in its room
func (r *Router) ChatDeleted(chatID int64, userIDs []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, userID := range userIDs {
		for _, c := range r.users[userID] {
			r.revoke(c, chatID)
		}
	}
	for _, c := range r.rooms[RoomName(chatID)] {
		r.revoke(c, chatID)
	}
}

func (r *Router) revoke(c *Client, chatID int64) {
	delete(c.chats, chatID)
	r.leave(c, RoomName(chatID))
}

// deliver never blocks; frames for a full buffer are dropped. Caller holds r.mu.
func (r *Router) deliver(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		r.logger.Warnf("Dropping frame for connection %s of user %d: buffer full", c.id, c.userID)
	}
}

// Sessions returns number of registered connections of the user
func (r *Router) Sessions(userID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// RoomSize returns number of clients in the chat room
func (r *Router) RoomSize(chatID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[RoomName(chatID)])
}
