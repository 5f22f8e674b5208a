package chat

import (
	"context"
	"errors"
	"realtime-chat/internal/notify"
	"realtime-chat/internal/storage"
)

// AddIntegrant adds user with the given username to the chat
func (s *Service) AddIntegrant(ctx context.Context, chatID int64, username string) (storage.Chat, error) {
	c, err := s.chatByID(ctx, chatID)
	if err != nil {
		return storage.Chat{}, err
	}

	u, err := s.userByUsername(ctx, username)
	if err != nil {
		return storage.Chat{}, err
	}

	if u.Deleted {
		return storage.Chat{}, newError(KindUserDeleted, nil, "El usuario %s ha sido eliminado", u.Username)
	}

	if c.HasMember(u.ID) {
		return storage.Chat{}, conflict(nil, "El usuario %s ya pertenece al chat", username)
	}

	c, err = s.repo.AddMember(ctx, chatID, u.ID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyMember):
			return storage.Chat{}, conflict(err, "El usuario %s ya pertenece al chat", username)
		case errors.Is(err, storage.ErrUserDeleted):
			return storage.Chat{}, newError(KindUserDeleted, err, "El usuario %s ha sido eliminado", username)
		case errors.Is(err, storage.ErrChatNotExist):
			return storage.Chat{}, notFound("Chat con id %d no encontrado", chatID)
		default:
			return storage.Chat{}, conflict(err, "Error al añadir el usuario al chat")
		}
	}

	s.rooms.MemberAdded(chatID, u.ID)

	s.dispatcher.Go(ctx, "add subscriber", func(ctx context.Context) error {
		return s.notifier.AddSubscribers(ctx, notify.TopicKey(chatID), []string{notify.SubscriberID(u.ID)})
	})

	return c, nil
}

// LeaveChat removes actor from the chat. The chat is deleted when actor was its last member.
func (s *Service) LeaveChat(ctx context.Context, actor Principal, chatID int64) (storage.Removal, error) {
	c, err := s.chatByID(ctx, chatID)
	if err != nil {
		return storage.Removal{}, err
	}

	return s.removeIntegrant(ctx, c, actor.ID, false, "Error al abandonar el chat")
}

// PushOut removes another member from the chat. Only the chat creator may do it.
// The chat is deleted when the pushed out user was its last member.
func (s *Service) PushOut(ctx context.Context, actor Principal, chatID int64, username string) (storage.Removal, error) {
	c, err := s.chatByID(ctx, chatID)
	if err != nil {
		return storage.Removal{}, err
	}

	if c.CreatedBy != actor.Username {
		return storage.Removal{}, unauthorized("Solo el creador del chat puede realizar esta acción")
	}

	u, err := s.userByUsername(ctx, username)
	if err != nil {
		return storage.Removal{}, err
	}

	if !c.HasMember(u.ID) {
		return storage.Removal{}, conflict(nil, "El usuario %s no pertenece a este chat", username)
	}

	return s.removeIntegrant(ctx, c, u.ID, true, "Error al expulsar del chat")
}

// DeleteChat deletes the chat on behalf of its creator
func (s *Service) DeleteChat(ctx context.Context, actor Principal, chatID int64) (storage.Chat, error) {
	c, err := s.chatByID(ctx, chatID)
	if err != nil {
		return storage.Chat{}, err
	}

	if c.CreatedBy != actor.Username {
		return storage.Chat{}, unauthorized("Solo el creador del chat puede realizar esta acción")
	}

	deleted, err := s.repo.DeleteChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, storage.ErrChatNotExist) {
			return storage.Chat{}, notFound("Chat con id %d no encontrado", chatID)
		}
		return storage.Chat{}, conflict(err, "Error al eliminar el chat")
	}

	s.rooms.ChatDeleted(chatID, deleted.UserIDs)
	s.releaseChat(ctx, deleted)

	return deleted, nil
}

// removeIntegrant is shared by leave and push out so both follow the same empty-chat policy
func (s *Service) removeIntegrant(ctx context.Context, c storage.Chat, userID int64, pushed bool, failure string) (storage.Removal, error) {
	r, err := s.repo.RemoveMember(ctx, c.ID, userID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrChatNotExist):
			return storage.Removal{}, notFound("Chat con id %d no encontrado", c.ID)
		case errors.Is(err, storage.ErrNotMember):
			return storage.Removal{}, conflict(err, "El usuario no pertenece a este chat")
		default:
			return storage.Removal{}, conflict(err, failure)
		}
	}

	if pushed {
		s.rooms.PushedOut(c.ID, userID)
	} else {
		s.rooms.Left(c.ID, userID)
	}

	if r.ChatDeleted {
		s.logger.Infof("Chat (id: %d) has no members left and was deleted", c.ID)
		s.rooms.ChatDeleted(c.ID, []int64{userID})
		s.releaseChat(ctx, c)
		return r, nil
	}

	s.dispatcher.Go(ctx, "remove subscriber", func(ctx context.Context) error {
		return s.notifier.RemoveSubscribers(ctx, notify.TopicKey(c.ID), []string{notify.SubscriberID(userID)})
	})

	return r, nil
}

// releaseChat frees external resources of a deleted chat
func (s *Service) releaseChat(ctx context.Context, c storage.Chat) {
	s.dispatcher.Go(ctx, "delete topic", func(ctx context.Context) error {
		return s.notifier.DeleteTopic(ctx, notify.TopicKey(c.ID))
	})

	if c.Avatar != "" {
		s.deleteAsset(ctx, c.Avatar)
	}
}

func (s *Service) userByUsername(ctx context.Context, username string) (storage.User, error) {
	u, err := s.repo.UserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return storage.User{}, notFound("Usuario con username %s no encontrado", username)
		}
		return storage.User{}, err
	}
	return u, nil
}
