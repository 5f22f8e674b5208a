package storage

import "time"

// MessagePlaceholder replaces the content of a tombstoned message
const MessagePlaceholder = "Mensaje eliminado"

type User struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	PasswordHash   string     `json:"-"`
	Avatar         string     `json:"avatar"`
	Status         string     `json:"status"`
	Connected      bool       `json:"connected"`
	LastConnection *time.Time `json:"lastConnection"`
	ChatIDs        []int64    `json:"chatIDs"`
	Deleted        bool       `json:"deleted"`
	DeletedAt      *time.Time `json:"deletedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// HasChat reports whether the user is a member of the chat
func (u User) HasChat(chatID int64) bool {
	return containsID(u.ChatIDs, chatID)
}

type Chat struct {
	ID                   int64      `json:"id"`
	Title                string     `json:"title"`
	Description          string     `json:"description"`
	Avatar               string     `json:"avatar"`
	CreatedBy            string     `json:"createdBy"`
	UserIDs              []int64    `json:"userIDs"`
	LastMessageSendingAt *time.Time `json:"lastMessageSendingAt"`
	CreatedAt            time.Time  `json:"createdAt"`
	// LastMessage is filled by chat listings only
	LastMessage *MessagePreview `json:"lastMessage,omitempty"`
}

// MessagePreview is the latest message of a chat shown next to it in chat lists
type MessagePreview struct {
	Content   string        `json:"content"`
	CreatedAt time.Time     `json:"createdAt"`
	User      PreviewAuthor `json:"user"`
}

type PreviewAuthor struct {
	Username string `json:"username"`
}

// HasMember reports whether the user belongs to the chat
func (c Chat) HasMember(userID int64) bool {
	return containsID(c.UserIDs, userID)
}

// Author is the public part of the user who wrote a message
type Author struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

type Message struct {
	ID        int64      `json:"id"`
	ChatID    int64      `json:"chatId"`
	UserID    int64      `json:"userId"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"createdAt"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	User      Author     `json:"user"`
}

// NewUser holds fields required to register a user
type NewUser struct {
	Username     string
	PasswordHash string
	Avatar       string
	Status       string
}

// NewChat holds fields required to create a chat with its creator as the only member
type NewChat struct {
	Title       string
	Description string
	Avatar      string
	CreatorID   int64
	CreatedBy   string
}

// ChatUpdate lists optional chat fields; nil fields are left untouched
type ChatUpdate struct {
	Title       *string
	Description *string
	Avatar      *string
}

type NewMessage struct {
	ChatID    int64
	UserID    int64
	Content   string
	CreatedAt time.Time
}

// Removal describes the outcome of removing a member from a chat.
// Chat.UserIDs lists the remaining members and is empty when ChatDeleted is set.
type Removal struct {
	Chat        Chat
	ChatDeleted bool
}

// UserRemoval describes the outcome of soft-deleting a user
type UserRemoval struct {
	User         User
	LeftChats    []Chat
	DeletedChats []Chat
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
