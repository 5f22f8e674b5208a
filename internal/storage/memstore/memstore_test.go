package memstore

import (
	"context"
	"github.com/stretchr/testify/require"
	"realtime-chat/internal/storage"
	"testing"
)

func seed(t *testing.T, s *Store, names ...string) []storage.User {
	users := make([]storage.User, 0, len(names))
	for _, name := range names {
		u, err := s.CreateUser(context.Background(), storage.NewUser{Username: name, PasswordHash: "x"})
		require.NoError(t, err)
		users = append(users, u)
	}
	return users
}

// requireAgreement checks that chat members and user chat lists describe the same relation
func requireAgreement(t *testing.T, s *Store) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for chatID := range s.chats {
		c, err := s.chat(chatID)
		require.NoError(t, err)
		require.NotEmpty(t, c.UserIDs)
		for _, userID := range c.UserIDs {
			u, err := s.user(userID)
			require.NoError(t, err)
			require.True(t, u.HasChat(chatID))
		}
	}
	for userID := range s.users {
		u, err := s.user(userID)
		require.NoError(t, err)
		for _, chatID := range u.ChatIDs {
			c, err := s.chat(chatID)
			require.NoError(t, err)
			require.True(t, c.HasMember(userID))
		}
	}
}

func TestCreateUserExists(t *testing.T) {
	s := New()
	seed(t, s, "ana")

	_, err := s.CreateUser(context.Background(), storage.NewUser{Username: "ana"})
	require.Equal(t, storage.ErrUserExists, err)
}

func TestMembershipAgreement(t *testing.T) {
	s := New()
	ctx := context.Background()
	users := seed(t, s, "ana", "beto", "carla")

	c, err := s.CreateChat(ctx, storage.NewChat{Title: "t", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)
	requireAgreement(t, s)

	_, err = s.AddMember(ctx, c.ID, users[1].ID)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, c.ID, users[2].ID)
	require.NoError(t, err)
	_, err = s.AddMember(ctx, c.ID, users[2].ID)
	require.Equal(t, storage.ErrAlreadyMember, err)
	requireAgreement(t, s)

	r, err := s.RemoveMember(ctx, c.ID, users[1].ID)
	require.NoError(t, err)
	require.False(t, r.ChatDeleted)
	require.Equal(t, []int64{users[0].ID, users[2].ID}, r.Chat.UserIDs)
	requireAgreement(t, s)

	_, err = s.RemoveMember(ctx, c.ID, users[1].ID)
	require.Equal(t, storage.ErrNotMember, err)
}

func TestRemoveLastMemberDeletesChat(t *testing.T) {
	s := New()
	ctx := context.Background()
	users := seed(t, s, "ana")

	c, err := s.CreateChat(ctx, storage.NewChat{Title: "t", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)
	m, err := s.CreateMessage(ctx, storage.NewMessage{ChatID: c.ID, UserID: users[0].ID, Content: "hola"})
	require.NoError(t, err)

	r, err := s.RemoveMember(ctx, c.ID, users[0].ID)
	require.NoError(t, err)
	require.True(t, r.ChatDeleted)

	_, err = s.ChatByID(ctx, c.ID)
	require.Equal(t, storage.ErrChatNotExist, err)

	m, err = s.MessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, m.Deleted)
	require.Equal(t, storage.MessagePlaceholder, m.Content)
	requireAgreement(t, s)
}

func TestSoftDeleteUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	users := seed(t, s, "ana", "beto")

	shared, err := s.CreateChat(ctx, storage.NewChat{Title: "shared", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)
	_, err = s.AddMember(ctx, shared.ID, users[1].ID)
	require.NoError(t, err)
	own, err := s.CreateChat(ctx, storage.NewChat{Title: "own", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)

	r, err := s.SoftDeleteUser(ctx, users[0].ID)
	require.NoError(t, err)
	require.True(t, r.User.Deleted)
	require.Empty(t, r.User.ChatIDs)
	require.Len(t, r.LeftChats, 1)
	require.Equal(t, shared.ID, r.LeftChats[0].ID)
	require.Len(t, r.DeletedChats, 1)
	require.Equal(t, own.ID, r.DeletedChats[0].ID)
	requireAgreement(t, s)

	_, err = s.SoftDeleteUser(ctx, users[0].ID)
	require.Equal(t, storage.ErrUserDeleted, err)

	// tombstoned users are still readable
	u, err := s.UserByUsername(ctx, "ana")
	require.NoError(t, err)
	require.True(t, u.Deleted)
}

func TestAddMemberDeletedUser(t *testing.T) {
	s := New()
	ctx := context.Background()
	users := seed(t, s, "ana", "beto")

	c, err := s.CreateChat(ctx, storage.NewChat{Title: "t", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)

	_, err = s.SoftDeleteUser(ctx, users[1].ID)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, c.ID, users[1].ID)
	require.Equal(t, storage.ErrUserDeleted, err)

	u, err := s.UserByID(ctx, users[1].ID)
	require.NoError(t, err)
	require.Empty(t, u.ChatIDs)

	c, err = s.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{users[0].ID}, c.UserIDs)
	requireAgreement(t, s)
}

func TestChatsByUserIDOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	users := seed(t, s, "ana")

	first, err := s.CreateChat(ctx, storage.NewChat{Title: "a", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)
	second, err := s.CreateChat(ctx, storage.NewChat{Title: "b", CreatorID: users[0].ID, CreatedBy: "ana"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, storage.NewMessage{ChatID: first.ID, UserID: users[0].ID, Content: "hola"})
	require.NoError(t, err)
	last, err := s.CreateMessage(ctx, storage.NewMessage{ChatID: first.ID, UserID: users[0].ID, Content: "adiós"})
	require.NoError(t, err)

	chats, err := s.ChatsByUserID(ctx, users[0].ID)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, first.ID, chats[0].ID)
	require.Equal(t, second.ID, chats[1].ID)

	require.Equal(t, &storage.MessagePreview{
		Content:   "adiós",
		CreatedAt: last.CreatedAt,
		User:      storage.PreviewAuthor{Username: "ana"},
	}, chats[0].LastMessage)
	require.Nil(t, chats[1].LastMessage)

	// previews only appear in listings
	c, err := s.ChatByID(ctx, first.ID)
	require.NoError(t, err)
	require.Nil(t, c.LastMessage)
}
