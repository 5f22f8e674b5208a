// Package chat implements chat lifecycle: creation, messages and membership changes.
// It composes storage, the realtime room router, the notification service and the asset store.
package chat

import (
	"context"
	"errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"net/url"
	"realtime-chat/internal/notify"
	"realtime-chat/internal/storage"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	maxTitleLength   = 35
	summaryMaxLength = 25
)

// Repository is the persistence contract used by Service
type Repository interface {
	CreateUser(ctx context.Context, nu storage.NewUser) (storage.User, error)
	UserByID(ctx context.Context, id int64) (storage.User, error)
	UserByUsername(ctx context.Context, username string) (storage.User, error)
	SoftDeleteUser(ctx context.Context, userID int64) (storage.UserRemoval, error)

	CreateChat(ctx context.Context, nc storage.NewChat) (storage.Chat, error)
	ChatByID(ctx context.Context, id int64) (storage.Chat, error)
	ChatsByUserID(ctx context.Context, userID int64) ([]storage.Chat, error)
	UpdateChat(ctx context.Context, id int64, upd storage.ChatUpdate) (storage.Chat, error)
	AddMember(ctx context.Context, chatID, userID int64) (storage.Chat, error)
	RemoveMember(ctx context.Context, chatID, userID int64) (storage.Removal, error)
	DeleteChat(ctx context.Context, chatID int64) (storage.Chat, error)

	CreateMessage(ctx context.Context, nm storage.NewMessage) (storage.Message, error)
	MessageByID(ctx context.Context, id int64) (storage.Message, error)
	MessagesByChatID(ctx context.Context, chatID int64) ([]storage.Message, error)
	SoftDeleteMessage(ctx context.Context, id int64) (storage.Message, error)
}

// Broadcaster delivers realtime events to connected clients
type Broadcaster interface {
	BroadcastMessage(chatID int64, msg storage.Message, excludeConn string)
	FanOutLastMessage(chatID int64, summary LastMessage)
	Grant(userID, chatID int64)
	MemberAdded(chatID, userID int64)
	Left(chatID, userID int64)
	PushedOut(chatID, userID int64)
	ChatDeleted(chatID int64, userIDs []int64)
}

// AssetStore removes uploaded images
type AssetStore interface {
	DeleteAsset(ctx context.Context, assetURL string) error
}

// LastMessage is the short form of a new message sent to members not viewing the chat
type LastMessage struct {
	ChatID    int64           `json:"chatId"`
	Content   string          `json:"content"`
	CreatedAt time.Time       `json:"createdAt"`
	User      LastMessageUser `json:"user"`
}

type LastMessageUser struct {
	Username string `json:"username"`
}

// ChatInput holds user provided chat fields. Nil fields are not changed on update.
type ChatInput struct {
	Title       *string
	Description *string
	Avatar      *string
}

// Service implements chat operations
type Service struct {
	logger     *zap.SugaredLogger
	repo       Repository
	rooms      Broadcaster
	notifier   notify.Notifier
	dispatcher *notify.Dispatcher
	assets     AssetStore
	bcryptCost int
}

// NewService returns Service wired to its collaborators
func NewService(logger *zap.SugaredLogger, repo Repository, rooms Broadcaster, notifier notify.Notifier,
	dispatcher *notify.Dispatcher, assets AssetStore, opts ...Option) *Service {
	s := &Service{
		logger:     logger,
		repo:       repo,
		rooms:      rooms,
		notifier:   notifier,
		dispatcher: dispatcher,
		assets:     assets,
		bcryptCost: bcrypt.DefaultCost,
	}

	for _, opt := range opts {
		opt.apply(s)
	}

	return s
}

type Option interface {
	apply(s *Service)
}

type optionFunc func(s *Service)

func (f optionFunc) apply(s *Service) {
	f(s)
}

// BcryptCost sets the cost used to hash passwords
func BcryptCost(cost int) Option {
	return optionFunc(func(s *Service) {
		s.bcryptCost = cost
	})
}

// Truncate cuts s to n runes and appends an ellipsis when something was cut
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n]) + "…"
}

func validateChatInput(in ChatInput, create bool) error {
	if create && in.Title == nil {
		return Validation("title es un campo obligatorio")
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return Validation("title es un campo obligatorio")
		}
		if utf8.RuneCountInString(title) > maxTitleLength {
			return Validation("title no puede tener más de %d caracteres", maxTitleLength)
		}
	}
	if in.Avatar != nil && *in.Avatar != "" {
		u, err := url.Parse(*in.Avatar)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			return Validation("avatar debe ser una URL con protocolo https")
		}
	}
	return nil
}

func valueOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// chatByID maps missing chat to NotFound
func (s *Service) chatByID(ctx context.Context, chatID int64) (storage.Chat, error) {
	c, err := s.repo.ChatByID(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotExist) {
			return storage.Chat{}, notFound("Chat con id %d no encontrado", chatID)
		}
		return storage.Chat{}, err
	}
	return c, nil
}

// CreateChat creates chat with actor as the only member and provisions its notification topic
func (s *Service) CreateChat(ctx context.Context, actor Principal, in ChatInput) (storage.Chat, error) {
	if err := validateChatInput(in, true); err != nil {
		return storage.Chat{}, err
	}

	c, err := s.repo.CreateChat(ctx, storage.NewChat{
		Title:       strings.TrimSpace(*in.Title),
		Description: valueOf(in.Description),
		Avatar:      valueOf(in.Avatar),
		CreatorID:   actor.ID,
		CreatedBy:   actor.Username,
	})
	if err != nil {
		return storage.Chat{}, conflict(err, "Error al crear el chat")
	}

	s.rooms.Grant(actor.ID, c.ID)

	topic := notify.TopicKey(c.ID)
	s.dispatcher.Go(ctx, "create topic", func(ctx context.Context) error {
		if err := s.notifier.CreateTopic(ctx, topic, c.Title); err != nil {
			return err
		}
		return s.notifier.AddSubscribers(ctx, topic, notify.SubscriberIDs(c.UserIDs))
	})

	return c, nil
}

// Chat returns chat by id
func (s *Service) Chat(ctx context.Context, chatID int64) (storage.Chat, error) {
	return s.chatByID(ctx, chatID)
}

// UserChats returns chats of the user, most recently active first
func (s *Service) UserChats(ctx context.Context, userID int64) ([]storage.Chat, error) {
	chats, err := s.repo.ChatsByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return nil, notFound("Usuario no encontrado")
		}
		return nil, err
	}
	return chats, nil
}

// Messages returns chat history, tombstones included
func (s *Service) Messages(ctx context.Context, chatID int64) ([]storage.Message, error) {
	messages, err := s.repo.MessagesByChatID(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotExist) {
			return nil, notFound("Chat no encontrado")
		}
		return nil, err
	}
	return messages, nil
}

// UpdateChat changes chat fields and releases the replaced avatar
func (s *Service) UpdateChat(ctx context.Context, chatID int64, in ChatInput) (storage.Chat, error) {
	if err := validateChatInput(in, false); err != nil {
		return storage.Chat{}, err
	}

	old, err := s.chatByID(ctx, chatID)
	if err != nil {
		return storage.Chat{}, err
	}

	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		in.Title = &title
	}

	c, err := s.repo.UpdateChat(ctx, chatID, storage.ChatUpdate{
		Title:       in.Title,
		Description: in.Description,
		Avatar:      in.Avatar,
	})
	if err != nil {
		if errors.Is(err, storage.ErrChatNotExist) {
			return storage.Chat{}, notFound("Chat con id %d no encontrado", chatID)
		}
		return storage.Chat{}, conflict(err, "Error al actualizar el chat")
	}

	if in.Avatar != nil && old.Avatar != "" && old.Avatar != *in.Avatar {
		s.deleteAsset(ctx, old.Avatar)
	}

	return c, nil
}

// SubmitMessage stores the message, delivers it to the chat room, signals members that are not
// viewing the chat and triggers a push notification. excludeConn is the sender connection, if any.
func (s *Service) SubmitMessage(ctx context.Context, actor Principal, chatID int64, content, excludeConn string) (storage.Message, error) {
	if strings.TrimSpace(content) == "" {
		return storage.Message{}, Validation("content es un campo obligatorio")
	}

	m, err := s.repo.CreateMessage(ctx, storage.NewMessage{
		ChatID:  chatID,
		UserID:  actor.ID,
		Content: content,
	})
	if err != nil {
		if errors.Is(err, storage.ErrChatNotExist) {
			return storage.Message{}, notFound("Chat con id %d no encontrado", chatID)
		}
		return storage.Message{}, conflict(err, "Error al crear el mensaje")
	}

	summary := LastMessage{
		ChatID:    chatID,
		Content:   Truncate(m.Content, summaryMaxLength),
		CreatedAt: m.CreatedAt,
		User:      LastMessageUser{Username: m.User.Username},
	}

	s.rooms.BroadcastMessage(chatID, m, excludeConn)
	s.rooms.FanOutLastMessage(chatID, summary)

	s.dispatcher.Go(ctx, "trigger new message", func(ctx context.Context) error {
		return s.notifier.Trigger(ctx, notify.EventNewMessage, notify.Trigger{
			TopicKey: notify.TopicKey(chatID),
			ActorID:  notify.SubscriberID(actor.ID),
			Payload: map[string]interface{}{
				"chatId":    chatID,
				"messageId": m.ID,
				"content":   summary.Content,
				"username":  summary.User.Username,
			},
		})
	})

	return m, nil
}

// DeleteMessage tombstones a message written by actor
func (s *Service) DeleteMessage(ctx context.Context, actor Principal, messageID int64) (storage.Message, error) {
	m, err := s.repo.MessageByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, storage.ErrMessageNotExist) {
			return storage.Message{}, notFound("Mensaje con id %d no encontrado", messageID)
		}
		return storage.Message{}, err
	}

	if m.UserID != actor.ID {
		return storage.Message{}, unauthorized("Solo el creador del mensaje puede eliminarlo")
	}

	if m.Deleted {
		return storage.Message{}, conflict(nil, "El mensaje ya fue eliminado")
	}

	m, err = s.repo.SoftDeleteMessage(ctx, messageID)
	if err != nil {
		return storage.Message{}, conflict(err, "Error al eliminar el mensaje")
	}

	return m, nil
}

func (s *Service) deleteAsset(ctx context.Context, assetURL string) {
	s.dispatcher.Go(ctx, "delete asset", func(ctx context.Context) error {
		return s.assets.DeleteAsset(ctx, assetURL)
	})
}
