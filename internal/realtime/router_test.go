package realtime

import (
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/storage"
	"testing"
	"time"
)

func newRouter(t *testing.T) *Router {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewRouter(logger.Sugar())
}

func newClient(r *Router, id string, userID int64, chatIDs ...int64) *Client {
	c := NewClient(id, chat.Principal{ID: userID, Username: id, ChatIDs: chatIDs}, 8)
	r.Register(c)
	return c
}

// frames drains buffered frames of c and returns their event names
func frames(t *testing.T, c *Client) []string {
	var events []string
	for {
		select {
		case frame, ok := <-c.send:
			if !ok {
				return events
			}
			v, err := fastjson.ParseBytes(frame)
			require.NoError(t, err)
			events = append(events, string(v.GetStringBytes("event")))
		default:
			return events
		}
	}
}

func TestJoinLeaveIdempotent(t *testing.T) {
	r := newRouter(t)
	c := newClient(r, "a", 1, 10)

	r.Join(c, 10)
	r.Join(c, 10)
	require.True(t, r.Joined(c, 10))
	require.Equal(t, 1, r.RoomSize(10))

	r.Leave(c, 10)
	r.Leave(c, 10)
	require.False(t, r.Joined(c, 10))
	require.Equal(t, 0, r.RoomSize(10))

	r.Leave(c, 99)
	require.Equal(t, 0, r.RoomSize(99))
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := newRouter(t)
	a := newClient(r, "a", 1, 10)
	b := newClient(r, "b", 2, 10)
	outsider := newClient(r, "c", 3)
	r.Join(a, 10)
	r.Join(b, 10)
	r.Join(outsider, 11)

	r.BroadcastMessage(10, storage.Message{ID: 1, ChatID: 10, Content: "hola"}, "a")

	require.Empty(t, frames(t, a))
	require.Equal(t, []string{EventNewMessage}, frames(t, b))
	require.Empty(t, frames(t, outsider))
}

func TestFanOutLastMessage(t *testing.T) {
	r := newRouter(t)
	viewing := newClient(r, "viewing", 1, 10)
	idle := newClient(r, "idle", 2, 10, 11)
	stranger := newClient(r, "stranger", 3, 11)
	r.Join(viewing, 10)
	r.Join(idle, 11)

	r.FanOutLastMessage(10, chat.LastMessage{ChatID: 10, Content: "hola", CreatedAt: time.Now()})

	require.Empty(t, frames(t, viewing))
	require.Equal(t, []string{EventNewLastMessage}, frames(t, idle))
	require.Empty(t, frames(t, stranger))

	// the ephemeral room is gone and regular rooms are untouched
	r.mu.RLock()
	require.Len(t, r.rooms, 2)
	require.Len(t, idle.rooms, 1)
	r.mu.RUnlock()
}

func TestMemberAddedAndPushedOut(t *testing.T) {
	r := newRouter(t)
	first := newClient(r, "first", 2)
	second := newClient(r, "second", 2)

	r.MemberAdded(10, 2)
	require.True(t, r.Member(first, 10))
	require.True(t, r.Member(second, 10))
	require.Equal(t, []string{EventAddedToChat}, frames(t, first))
	require.Equal(t, []string{EventAddedToChat}, frames(t, second))

	r.Join(first, 10)
	r.PushedOut(10, 2)
	require.False(t, r.Member(first, 10))
	require.False(t, r.Joined(first, 10))
	require.Equal(t, []string{EventPushedOutChat}, frames(t, first))
}

func TestLeftAndChatDeletedAreSilent(t *testing.T) {
	r := newRouter(t)
	a := newClient(r, "a", 1, 10)
	b := newClient(r, "b", 2, 10)
	r.Join(a, 10)
	r.Join(b, 10)

	r.Left(10, 1)
	require.False(t, r.Member(a, 10))
	require.Equal(t, 1, r.RoomSize(10))

	r.ChatDeleted(10, nil)
	require.False(t, r.Member(b, 10))
	require.Equal(t, 0, r.RoomSize(10))

	require.Empty(t, frames(t, a))
	require.Empty(t, frames(t, b))
}

func TestGrant(t *testing.T) {
	r := newRouter(t)
	c := newClient(r, "a", 1)

	require.False(t, r.Member(c, 10))
	r.Grant(1, 10)
	require.True(t, r.Member(c, 10))
}

func TestUnregisterLeavesRooms(t *testing.T) {
	r := newRouter(t)
	c := newClient(r, "a", 1, 10, 11)
	r.Join(c, 10)
	r.Join(c, 11)

	r.Unregister(c)
	require.Equal(t, 0, r.RoomSize(10))
	require.Equal(t, 0, r.RoomSize(11))
	require.Equal(t, 0, r.Sessions(1))

	_, ok := <-c.send
	require.False(t, ok)

	// a second unregister must not close the channel again
	r.Unregister(c)
}

func TestSlowClientDropsFrames(t *testing.T) {
	r := newRouter(t)
	c := NewClient("slow", chat.Principal{ID: 1, ChatIDs: []int64{10}}, 1)
	r.Register(c)
	r.Join(c, 10)

	r.BroadcastMessage(10, storage.Message{ID: 1}, "")
	r.BroadcastMessage(10, storage.Message{ID: 2}, "")

	require.Len(t, frames(t, c), 1)
}
