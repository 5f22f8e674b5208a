package storage

import (
	"context"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"os"
	mytesting "realtime-chat/internal/testing"
	"testing"
	"time"
)

// bootstrap connects to the database referenced by TEST_DB_URL and applies migrations.
// Tests are skipped when the variable is not set.
func bootstrap(t *testing.T) *Store {
	url := os.Getenv("TEST_DB_URL")
	if url == "" {
		t.Skip("TEST_DB_URL is not set")
	}

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := Config{URL: url}
	require.NoError(t, Migrate(cfg))

	s, err := New(context.Background(), logger.Sugar(), cfg, ConnectionTimeout(5*time.Second))
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s
}

func createUser(t *testing.T, s *Store) User {
	u, err := s.CreateUser(context.Background(), NewUser{Username: mytesting.RandString(), PasswordHash: "hash"})
	require.NoError(t, err)
	return u
}

func createChat(t *testing.T, s *Store, creator User) Chat {
	c, err := s.CreateChat(context.Background(), NewChat{
		Title:     mytesting.RandString(),
		CreatorID: creator.ID,
		CreatedBy: creator.Username,
	})
	require.NoError(t, err)
	return c
}

func TestCreateUserExists(t *testing.T) {
	s := bootstrap(t)

	u := createUser(t, s)
	_, err := s.CreateUser(context.Background(), NewUser{Username: u.Username, PasswordHash: "hash"})
	require.Equal(t, ErrUserExists, err)
}

func TestSetPresence(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	require.NoError(t, s.SetPresence(ctx, u.ID, true, nil))

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, got.Connected)
	require.Nil(t, got.LastConnection)

	now := time.Now().UTC()
	require.NoError(t, s.SetPresence(ctx, u.ID, false, &now))

	got, err = s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.False(t, got.Connected)
	require.NotNil(t, got.LastConnection)

	require.Equal(t, ErrUserNotExist, s.SetPresence(ctx, -1, true, nil))
}

func TestCreateChatRegistersCreator(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	c := createChat(t, s, u)
	require.Equal(t, []int64{u.ID}, c.UserIDs)

	got, err := s.UserByID(ctx, u.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{c.ID}, got.ChatIDs)
}

func TestAddMember(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	v := createUser(t, s)
	c := createChat(t, s, u)

	c, err := s.AddMember(ctx, c.ID, v.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{u.ID, v.ID}, c.UserIDs)

	got, err := s.UserByID(ctx, v.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{c.ID}, got.ChatIDs)

	_, err = s.AddMember(ctx, c.ID, v.ID)
	require.Equal(t, ErrAlreadyMember, err)

	_, err = s.AddMember(ctx, -1, v.ID)
	require.Equal(t, ErrChatNotExist, err)

	_, err = s.AddMember(ctx, c.ID, -1)
	require.Equal(t, ErrUserNotExist, err)
}

func TestAddMemberDeletedUser(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	v := createUser(t, s)
	c := createChat(t, s, u)

	_, err := s.SoftDeleteUser(ctx, v.ID)
	require.NoError(t, err)

	_, err = s.AddMember(ctx, c.ID, v.ID)
	require.Equal(t, ErrUserDeleted, err)

	got, err := s.UserByID(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	require.Empty(t, got.ChatIDs)

	c, err = s.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, []int64{u.ID}, c.UserIDs)
}

func TestRemoveLastMemberDeletesChat(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	c := createChat(t, s, u)
	m, err := s.CreateMessage(ctx, NewMessage{ChatID: c.ID, UserID: u.ID, Content: "hola"})
	require.NoError(t, err)

	r, err := s.RemoveMember(ctx, c.ID, u.ID)
	require.NoError(t, err)
	require.True(t, r.ChatDeleted)
	require.Empty(t, r.Chat.UserIDs)

	_, err = s.ChatByID(ctx, c.ID)
	require.Equal(t, ErrChatNotExist, err)

	got, err := s.MessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	require.Equal(t, MessagePlaceholder, got.Content)

	_, err = s.RemoveMember(ctx, c.ID, u.ID)
	require.Equal(t, ErrChatNotExist, err)
}

func TestRemoveMemberNotMember(t *testing.T) {
	s := bootstrap(t)

	u := createUser(t, s)
	v := createUser(t, s)
	c := createChat(t, s, u)

	_, err := s.RemoveMember(context.Background(), c.ID, v.ID)
	require.Equal(t, ErrNotMember, err)
}

func TestCreateMessage(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	c := createChat(t, s, u)
	require.Nil(t, c.LastMessageSendingAt)

	m, err := s.CreateMessage(ctx, NewMessage{ChatID: c.ID, UserID: u.ID, Content: "hola"})
	require.NoError(t, err)
	require.Equal(t, "hola", m.Content)
	require.False(t, m.Deleted)
	require.Equal(t, u.Username, m.User.Username)

	c, err = s.ChatByID(ctx, c.ID)
	require.NoError(t, err)
	require.NotNil(t, c.LastMessageSendingAt)

	_, err = s.CreateMessage(ctx, NewMessage{ChatID: -1, UserID: u.ID, Content: "hola"})
	require.Equal(t, ErrChatNotExist, err)
}

func TestSoftDeleteMessage(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	c := createChat(t, s, u)
	m, err := s.CreateMessage(ctx, NewMessage{ChatID: c.ID, UserID: u.ID, Content: "secreto"})
	require.NoError(t, err)

	_, err = s.SoftDeleteMessage(ctx, m.ID)
	require.NoError(t, err)

	got, err := s.MessageByID(ctx, m.ID)
	require.NoError(t, err)
	require.True(t, got.Deleted)
	require.NotNil(t, got.DeletedAt)
	require.Equal(t, MessagePlaceholder, got.Content)

	_, err = s.SoftDeleteMessage(ctx, -1)
	require.Equal(t, ErrMessageNotExist, err)
}

func TestDeleteChat(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	v := createUser(t, s)
	c := createChat(t, s, u)
	_, err := s.AddMember(ctx, c.ID, v.ID)
	require.NoError(t, err)

	for _, text := range []string{"uno", "dos"} {
		_, err := s.CreateMessage(ctx, NewMessage{ChatID: c.ID, UserID: v.ID, Content: text})
		require.NoError(t, err)
	}

	deleted, err := s.DeleteChat(ctx, c.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, []int64{u.ID, v.ID}, deleted.UserIDs)

	for _, id := range []int64{u.ID, v.ID} {
		got, err := s.UserByID(ctx, id)
		require.NoError(t, err)
		require.Empty(t, got.ChatIDs)
	}

	_, err = s.MessagesByChatID(ctx, c.ID)
	require.Equal(t, ErrChatNotExist, err)

	_, err = s.DeleteChat(ctx, c.ID)
	require.Equal(t, ErrChatNotExist, err)
}

func TestSoftDeleteUser(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	v := createUser(t, s)
	shared := createChat(t, s, u)
	_, err := s.AddMember(ctx, shared.ID, v.ID)
	require.NoError(t, err)
	own := createChat(t, s, u)

	r, err := s.SoftDeleteUser(ctx, u.ID)
	require.NoError(t, err)
	require.True(t, r.User.Deleted)
	require.NotNil(t, r.User.DeletedAt)
	require.Empty(t, r.User.ChatIDs)
	require.Len(t, r.LeftChats, 1)
	require.Equal(t, shared.ID, r.LeftChats[0].ID)
	require.Equal(t, []int64{v.ID}, r.LeftChats[0].UserIDs)
	require.Len(t, r.DeletedChats, 1)
	require.Equal(t, own.ID, r.DeletedChats[0].ID)

	_, err = s.ChatByID(ctx, own.ID)
	require.Equal(t, ErrChatNotExist, err)

	_, err = s.SoftDeleteUser(ctx, u.ID)
	require.Equal(t, ErrUserDeleted, err)
}

func TestChatsByUserID(t *testing.T) {
	s := bootstrap(t)
	ctx := context.Background()

	u := createUser(t, s)
	first := createChat(t, s, u)
	second := createChat(t, s, u)
	_, err := s.CreateMessage(ctx, NewMessage{ChatID: first.ID, UserID: u.ID, Content: "hola"})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, NewMessage{ChatID: first.ID, UserID: u.ID, Content: "adiós"})
	require.NoError(t, err)

	chats, err := s.ChatsByUserID(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	require.Equal(t, first.ID, chats[0].ID)
	require.Equal(t, second.ID, chats[1].ID)

	require.NotNil(t, chats[0].LastMessage)
	require.Equal(t, "adiós", chats[0].LastMessage.Content)
	require.Equal(t, u.Username, chats[0].LastMessage.User.Username)
	require.False(t, chats[0].LastMessage.CreatedAt.IsZero())
	require.Nil(t, chats[1].LastMessage)

	_, err = s.ChatsByUserID(ctx, -1)
	require.Equal(t, ErrUserNotExist, err)
}
