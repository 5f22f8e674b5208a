package realtime

import (
	"context"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"net/http"
	"net/http/httptest"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/media"
	"realtime-chat/internal/notify"
	"realtime-chat/internal/presence"
	"realtime-chat/internal/storage/memstore"
	"strconv"
	"strings"
	"testing"
	"time"
)

type gatewayFixture struct {
	url      string
	gateway  *Gateway
	router   *Router
	presence *presence.Registry
	service  *chat.Service
	store    *memstore.Store
}

// bootstrapGateway serves the gateway behind a fake auth guard reading the "user" query parameter
func bootstrapGateway(t *testing.T) *gatewayFixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	sugar := logger.Sugar()

	f := &gatewayFixture{store: memstore.New()}
	f.router = NewRouter(sugar)
	f.presence = presence.NewRegistry(sugar, f.store)
	dispatcher := notify.NewDispatcher(sugar, time.Second)
	f.service = chat.NewService(sugar, f.store, f.router, notify.Discard{}, dispatcher, media.Discard{}, chat.BcryptCost(4))
	f.gateway = NewGateway(sugar, f.router, f.presence, f.service)

	guard := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(r.URL.Query().Get("user"), 10, 64)
		if err != nil {
			http.Error(w, "bad user", http.StatusUnauthorized)
			return
		}
		u, err := f.store.UserByID(r.Context(), id)
		if err != nil {
			http.Error(w, "bad user", http.StatusUnauthorized)
			return
		}
		p := chat.Principal{ID: u.ID, Username: u.Username, ChatIDs: u.ChatIDs}
		f.gateway.ServeHTTP(w, r.WithContext(chat.NewContext(r.Context(), p)))
	})

	srv := httptest.NewServer(guard)
	t.Cleanup(func() {
		srv.Close()
		dispatcher.Wait()
	})
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *gatewayFixture) register(t *testing.T, username string) chat.Principal {
	u, err := f.service.Register(context.Background(), username, "secret", "", "")
	require.NoError(t, err)
	return chat.Principal{ID: u.ID, Username: u.Username}
}

func (f *gatewayFixture) dial(t *testing.T, userID int64) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(f.url+"?user="+strconv.FormatInt(userID, 10), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(frame)))
}

func receive(t *testing.T, conn *websocket.Conn) *fastjson.Value {
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	v, err := fastjson.ParseBytes(frame)
	require.NoError(t, err)
	return v
}

func TestGatewayRejectsNonMemberJoin(t *testing.T) {
	f := bootstrapGateway(t)
	alice := f.register(t, "alice")
	bob := f.register(t, "bob")
	title := "team"
	c, err := f.service.CreateChat(context.Background(), alice, chat.ChatInput{Title: &title})
	require.NoError(t, err)

	conn := f.dial(t, bob.ID)
	send(t, conn, `{"event":"join","data":{"chatId":`+strconv.FormatInt(c.ID, 10)+`}}`)

	v := receive(t, conn)
	require.Equal(t, EventException, string(v.GetStringBytes("event")))
	require.Equal(t, "Unauthorized", string(v.GetStringBytes("data", "kind")))
	require.Equal(t, "No perteneces a este chat", string(v.GetStringBytes("data", "message")))
	require.Equal(t, 0, f.router.RoomSize(c.ID))
}

func TestGatewayMalformedFrame(t *testing.T) {
	f := bootstrapGateway(t)
	alice := f.register(t, "alice")

	conn := f.dial(t, alice.ID)
	send(t, conn, `{"event":"join"}`)

	v := receive(t, conn)
	require.Equal(t, "ValidationError", string(v.GetStringBytes("data", "kind")))
}

func TestGatewaySubmitMessage(t *testing.T) {
	f := bootstrapGateway(t)
	alice := f.register(t, "alice")
	f.register(t, "bob")
	title := "team"
	c, err := f.service.CreateChat(context.Background(), alice, chat.ChatInput{Title: &title})
	require.NoError(t, err)
	_, err = f.service.AddIntegrant(context.Background(), c.ID, "bob")
	require.NoError(t, err)
	chatID := strconv.FormatInt(c.ID, 10)

	bob, err := f.store.UserByUsername(context.Background(), "bob")
	require.NoError(t, err)

	viewer := f.dial(t, alice.ID)
	idle := f.dial(t, alice.ID)
	sender := f.dial(t, bob.ID)
	require.Eventually(t, func() bool { return f.router.Sessions(alice.ID) == 2 }, 5*time.Second, 10*time.Millisecond)

	send(t, viewer, `{"event":"join","data":{"chatId":`+chatID+`}}`)
	send(t, sender, `{"event":"join","data":{"chatId":`+chatID+`}}`)
	require.Eventually(t, func() bool { return f.router.RoomSize(c.ID) == 2 }, 5*time.Second, 10*time.Millisecond)

	content := "hola a todos, este mensaje es largo"
	send(t, sender, `{"event":"submit_message","data":{"chatId":`+chatID+`,"content":"`+content+`"}}`)

	v := receive(t, viewer)
	require.Equal(t, EventNewMessage, string(v.GetStringBytes("event")))
	require.Equal(t, content, string(v.GetStringBytes("data", "content")))
	require.Equal(t, "bob", string(v.GetStringBytes("data", "user", "username")))

	v = receive(t, idle)
	require.Equal(t, EventNewLastMessage, string(v.GetStringBytes("event")))
	require.Equal(t, chat.Truncate(content, 25), string(v.GetStringBytes("data", "content")))
	require.Equal(t, c.ID, v.GetInt64("data", "chatId"))

	messages, err := f.service.Messages(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.False(t, messages[0].Deleted)
}

func TestGatewayPresence(t *testing.T) {
	f := bootstrapGateway(t)
	alice := f.register(t, "alice")
	ctx := context.Background()

	connected := func() bool {
		u, err := f.store.UserByID(ctx, alice.ID)
		return err == nil && u.Connected
	}

	conn := f.dial(t, alice.ID)
	require.Eventually(t, connected, 5*time.Second, 10*time.Millisecond)
	require.True(t, f.presence.Online(alice.ID))

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return !connected() }, 5*time.Second, 10*time.Millisecond)
	require.False(t, f.presence.Online(alice.ID))
	require.Equal(t, 0, f.router.Sessions(alice.ID))

	u, err := f.store.UserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, u.LastConnection)
}

func TestGatewayClose(t *testing.T) {
	f := bootstrapGateway(t)
	alice := f.register(t, "alice")
	ctx := context.Background()

	conn := f.dial(t, alice.ID)
	require.Eventually(t, func() bool { return f.presence.Online(alice.ID) }, 5*time.Second, 10*time.Millisecond)

	f.gateway.Close()

	// teardown has finished once Close returns
	require.False(t, f.presence.Online(alice.ID))
	require.Equal(t, 0, f.router.Sessions(alice.ID))
	u, err := f.store.UserByID(ctx, alice.ID)
	require.NoError(t, err)
	require.False(t, u.Connected)
	require.NotNil(t, u.LastConnection)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "unexpected read error: %v", err)

	_, resp, err := websocket.DefaultDialer.Dial(f.url+"?user="+strconv.FormatInt(alice.ID, 10), nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
