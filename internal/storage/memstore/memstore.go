// Package memstore keeps users, chats and messages in process memory.
// It follows the same contract as storage.Store and is meant for local runs and tests.
package memstore

import (
	"context"
	"realtime-chat/internal/storage"
	"sort"
	"sync"
	"time"
)

type membership struct {
	chatID, userID int64
}

// Store is a mutex guarded in-memory implementation of the chat repository
type Store struct {
	mu       sync.Mutex
	now      func() time.Time
	seq      int64
	users    map[int64]storage.User
	chats    map[int64]storage.Chat
	messages map[int64]storage.Message
	// rel is the membership relation in join order
	rel []membership
}

// New returns empty Store
func New() *Store {
	return &Store{
		now:      func() time.Time { return time.Now().UTC() },
		users:    make(map[int64]storage.User),
		chats:    make(map[int64]storage.Chat),
		messages: make(map[int64]storage.Message),
	}
}

// WithClock replaces the time source
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) nextID() int64 {
	s.seq++
	return s.seq
}

func (s *Store) chatIDsOf(userID int64) []int64 {
	ids := []int64{}
	for _, m := range s.rel {
		if m.userID == userID {
			ids = append(ids, m.chatID)
		}
	}
	return ids
}

func (s *Store) userIDsOf(chatID int64) []int64 {
	ids := []int64{}
	for _, m := range s.rel {
		if m.chatID == chatID {
			ids = append(ids, m.userID)
		}
	}
	return ids
}

func (s *Store) isMember(chatID, userID int64) bool {
	for _, m := range s.rel {
		if m.chatID == chatID && m.userID == userID {
			return true
		}
	}
	return false
}

func (s *Store) unlink(chatID, userID int64) bool {
	for i, m := range s.rel {
		if m.chatID == chatID && m.userID == userID {
			s.rel = append(s.rel[:i], s.rel[i+1:]...)
			return true
		}
	}
	return false
}

func (s *Store) user(id int64) (storage.User, error) {
	u, ok := s.users[id]
	if !ok {
		return storage.User{}, storage.ErrUserNotExist
	}
	u.ChatIDs = s.chatIDsOf(id)
	return u, nil
}

func (s *Store) chat(id int64) (storage.Chat, error) {
	c, ok := s.chats[id]
	if !ok {
		return storage.Chat{}, storage.ErrChatNotExist
	}
	c.UserIDs = s.userIDsOf(id)
	return c, nil
}

func (s *Store) message(id int64) (storage.Message, error) {
	m, ok := s.messages[id]
	if !ok {
		return storage.Message{}, storage.ErrMessageNotExist
	}
	if u, ok := s.users[m.UserID]; ok {
		m.User = storage.Author{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
	}
	return m, nil
}

func (s *Store) CreateUser(_ context.Context, nu storage.NewUser) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == nu.Username {
			return storage.User{}, storage.ErrUserExists
		}
	}

	u := storage.User{
		ID:           s.nextID(),
		Username:     nu.Username,
		PasswordHash: nu.PasswordHash,
		Avatar:       nu.Avatar,
		Status:       nu.Status,
		CreatedAt:    s.now(),
	}
	s.users[u.ID] = u

	return s.user(u.ID)
}

func (s *Store) UserByID(_ context.Context, id int64) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user(id)
}

func (s *Store) UserByUsername(_ context.Context, username string) (storage.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, u := range s.users {
		if u.Username == username {
			return s.user(id)
		}
	}
	return storage.User{}, storage.ErrUserNotExist
}

func (s *Store) SetPresence(_ context.Context, userID int64, connected bool, lastConnection *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotExist
	}
	u.Connected = connected
	u.LastConnection = lastConnection
	s.users[userID] = u

	return nil
}

func (s *Store) CreateChat(_ context.Context, nc storage.NewChat) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[nc.CreatorID]; !ok {
		return storage.Chat{}, storage.ErrUserNotExist
	}

	c := storage.Chat{
		ID:          s.nextID(),
		Title:       nc.Title,
		Description: nc.Description,
		Avatar:      nc.Avatar,
		CreatedBy:   nc.CreatedBy,
		CreatedAt:   s.now(),
	}
	s.chats[c.ID] = c
	s.rel = append(s.rel, membership{chatID: c.ID, userID: nc.CreatorID})

	return s.chat(c.ID)
}

func (s *Store) ChatByID(_ context.Context, id int64) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chat(id)
}

func (s *Store) ChatsByUserID(_ context.Context, userID int64) ([]storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[userID]; !ok {
		return nil, storage.ErrUserNotExist
	}

	chats := []storage.Chat{}
	for _, id := range s.chatIDsOf(userID) {
		c, err := s.chat(id)
		if err != nil {
			return nil, err
		}
		c.LastMessage = s.lastMessage(id)
		chats = append(chats, c)
	}

	sort.SliceStable(chats, func(i, j int) bool {
		a, b := chats[i].LastMessageSendingAt, chats[j].LastMessageSendingAt
		switch {
		case a != nil && b != nil:
			return a.After(*b)
		case a != nil:
			return true
		case b != nil:
			return false
		default:
			return chats[i].CreatedAt.After(chats[j].CreatedAt)
		}
	})

	return chats, nil
}

// lastMessage returns preview of the newest message of the chat, nil for a chat without messages
func (s *Store) lastMessage(chatID int64) *storage.MessagePreview {
	var (
		last  storage.Message
		found bool
	)
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		if !found || m.CreatedAt.After(last.CreatedAt) || (m.CreatedAt.Equal(last.CreatedAt) && m.ID > last.ID) {
			last, found = m, true
		}
	}
	if !found {
		return nil
	}

	last, _ = s.message(last.ID)
	return &storage.MessagePreview{
		Content:   last.Content,
		CreatedAt: last.CreatedAt,
		User:      storage.PreviewAuthor{Username: last.User.Username},
	}
}

func (s *Store) UpdateChat(_ context.Context, id int64, upd storage.ChatUpdate) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[id]
	if !ok {
		return storage.Chat{}, storage.ErrChatNotExist
	}
	if upd.Title != nil {
		c.Title = *upd.Title
	}
	if upd.Description != nil {
		c.Description = *upd.Description
	}
	if upd.Avatar != nil {
		c.Avatar = *upd.Avatar
	}
	s.chats[id] = c

	return s.chat(id)
}

func (s *Store) AddMember(_ context.Context, chatID, userID int64) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return storage.Chat{}, storage.ErrChatNotExist
	}
	u, ok := s.users[userID]
	if !ok {
		return storage.Chat{}, storage.ErrUserNotExist
	}
	if u.Deleted {
		return storage.Chat{}, storage.ErrUserDeleted
	}
	if s.isMember(chatID, userID) {
		return storage.Chat{}, storage.ErrAlreadyMember
	}
	s.rel = append(s.rel, membership{chatID: chatID, userID: userID})

	return s.chat(chatID)
}

func (s *Store) RemoveMember(_ context.Context, chatID, userID int64) (storage.Removal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeMember(chatID, userID)
}

func (s *Store) removeMember(chatID, userID int64) (storage.Removal, error) {
	if _, ok := s.chats[chatID]; !ok {
		return storage.Removal{}, storage.ErrChatNotExist
	}
	if !s.unlink(chatID, userID) {
		return storage.Removal{}, storage.ErrNotMember
	}

	c, err := s.chat(chatID)
	if err != nil {
		return storage.Removal{}, err
	}
	if len(c.UserIDs) > 0 {
		return storage.Removal{Chat: c}, nil
	}

	s.deleteChat(chatID)
	return storage.Removal{Chat: c, ChatDeleted: true}, nil
}

func (s *Store) DeleteChat(_ context.Context, chatID int64) (storage.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := s.chat(chatID)
	if err != nil {
		return storage.Chat{}, err
	}
	s.deleteChat(chatID)

	return c, nil
}

// deleteChat tombstones chat messages, drops its memberships and the chat itself
func (s *Store) deleteChat(chatID int64) {
	now := s.now()
	for id, m := range s.messages {
		if m.ChatID == chatID && !m.Deleted {
			s.messages[id] = tombstone(m, now)
		}
	}

	rel := s.rel[:0]
	for _, m := range s.rel {
		if m.chatID != chatID {
			rel = append(rel, m)
		}
	}
	s.rel = rel

	delete(s.chats, chatID)
}

func (s *Store) CreateMessage(_ context.Context, nm storage.NewMessage) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.chats[nm.ChatID]
	if !ok {
		return storage.Message{}, storage.ErrChatNotExist
	}
	if _, ok := s.users[nm.UserID]; !ok {
		return storage.Message{}, storage.ErrUserNotExist
	}

	at := nm.CreatedAt
	if at.IsZero() {
		at = s.now()
	}
	c.LastMessageSendingAt = &at
	s.chats[c.ID] = c

	m := storage.Message{
		ID:        s.nextID(),
		ChatID:    nm.ChatID,
		UserID:    nm.UserID,
		Content:   nm.Content,
		CreatedAt: at,
	}
	s.messages[m.ID] = m

	return s.message(m.ID)
}

func (s *Store) MessageByID(_ context.Context, id int64) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message(id)
}

func (s *Store) MessagesByChatID(_ context.Context, chatID int64) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chats[chatID]; !ok {
		return nil, storage.ErrChatNotExist
	}

	messages := []storage.Message{}
	for id, m := range s.messages {
		if m.ChatID == chatID {
			m, _ = s.message(id)
			messages = append(messages, m)
		}
	}
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].CreatedAt.Equal(messages[j].CreatedAt) {
			return messages[i].ID < messages[j].ID
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})

	return messages, nil
}

func (s *Store) SoftDeleteMessage(_ context.Context, id int64) (storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return storage.Message{}, storage.ErrMessageNotExist
	}
	s.messages[id] = tombstone(m, s.now())

	return s.message(id)
}

func (s *Store) SoftDeleteUser(_ context.Context, userID int64) (storage.UserRemoval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.UserRemoval{}, storage.ErrUserNotExist
	}
	if u.Deleted {
		return storage.UserRemoval{}, storage.ErrUserDeleted
	}

	var out storage.UserRemoval
	chatIDs := s.chatIDsOf(userID)
	sort.Slice(chatIDs, func(i, j int) bool { return chatIDs[i] < chatIDs[j] })
	for _, chatID := range chatIDs {
		r, err := s.removeMember(chatID, userID)
		if err != nil {
			return storage.UserRemoval{}, err
		}
		if r.ChatDeleted {
			out.DeletedChats = append(out.DeletedChats, r.Chat)
		} else {
			out.LeftChats = append(out.LeftChats, r.Chat)
		}
	}

	now := s.now()
	u.Deleted = true
	u.DeletedAt = &now
	u.Connected = false
	s.users[userID] = u

	out.User, _ = s.user(userID)
	return out, nil
}

func tombstone(m storage.Message, at time.Time) storage.Message {
	m.Deleted = true
	m.DeletedAt = &at
	m.Content = storage.MessagePlaceholder
	return m
}
