package chat

import (
	"context"
	"errors"
	"golang.org/x/crypto/bcrypt"
	"realtime-chat/internal/notify"
	"realtime-chat/internal/storage"
	"strings"
)

// Register creates user with a hashed password
func (s *Service) Register(ctx context.Context, username, password, avatar, status string) (storage.User, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.User{}, Validation("username es un campo obligatorio")
	}
	if password == "" {
		return storage.User{}, Validation("password es un campo obligatorio")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.bcryptCost)
	if err != nil {
		return storage.User{}, err
	}

	u, err := s.repo.CreateUser(ctx, storage.NewUser{
		Username:     username,
		PasswordHash: string(hash),
		Avatar:       avatar,
		Status:       status,
	})
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return storage.User{}, conflict(err, "El username %s ya se encuentra en uso", username)
		}
		return storage.User{}, err
	}

	subscriber, username := notify.SubscriberID(u.ID), u.Username
	s.dispatcher.Go(ctx, "identify subscriber", func(ctx context.Context) error {
		return s.notifier.IdentifySubscriber(ctx, subscriber, username)
	})

	return u, nil
}

// DeleteAccount tombstones actor after checking the password. Actor leaves every chat;
// chats left without members are deleted.
func (s *Service) DeleteAccount(ctx context.Context, actor Principal, password string) (storage.UserRemoval, error) {
	u, err := s.repo.UserByID(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.UserRemoval{}, notFound("Usuario no encontrado")
		}
		return storage.UserRemoval{}, err
	}

	if u.Deleted {
		return storage.UserRemoval{}, newError(KindUserDeleted, nil, "El usuario %s ha sido eliminado", u.Username)
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return storage.UserRemoval{}, unauthorized("Las credenciales son inválidas")
	}

	r, err := s.repo.SoftDeleteUser(ctx, actor.ID)
	if err != nil {
		if errors.Is(err, storage.ErrUserDeleted) {
			return storage.UserRemoval{}, newError(KindUserDeleted, err, "El usuario %s ha sido eliminado", u.Username)
		}
		return storage.UserRemoval{}, conflict(err, "Error al eliminar el usuario")
	}

	subscriber := notify.SubscriberID(actor.ID)
	for _, c := range r.LeftChats {
		chatID := c.ID
		s.rooms.Left(chatID, actor.ID)
		s.dispatcher.Go(ctx, "remove subscriber", func(ctx context.Context) error {
			return s.notifier.RemoveSubscribers(ctx, notify.TopicKey(chatID), []string{subscriber})
		})
	}
	for _, c := range r.DeletedChats {
		s.logger.Infof("Chat (id: %d) has no members left and was deleted", c.ID)
		s.rooms.ChatDeleted(c.ID, []int64{actor.ID})
		s.releaseChat(ctx, c)
	}

	s.dispatcher.Go(ctx, "remove subscriber account", func(ctx context.Context) error {
		return s.notifier.RemoveSubscriber(ctx, subscriber)
	})

	return r, nil
}
