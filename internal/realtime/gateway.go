package realtime

import (
	"context"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"net/http"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/zapadapter"
	"sync"
	"time"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 64
)

// Service is the part of chat.Service reachable from websocket events
type Service interface {
	SubmitMessage(ctx context.Context, actor chat.Principal, chatID int64, content, excludeConn string) (storage.Message, error)
	AddIntegrant(ctx context.Context, chatID int64, username string) (storage.Chat, error)
	PushOut(ctx context.Context, actor chat.Principal, chatID int64, username string) (storage.Removal, error)
}

// Presence records connection sessions
type Presence interface {
	Connect(ctx context.Context, userID int64, connID string)
	Disconnect(ctx context.Context, userID int64, connID string)
}

// Gateway upgrades authenticated requests to websocket connections and serves chat events on them
type Gateway struct {
	logger   *zap.SugaredLogger
	router   *Router
	presence Presence
	service  Service
	upgrader websocket.Upgrader
	decoder  decoder

	mu     sync.Mutex
	closed bool
	conns  map[*websocket.Conn]struct{}
	// active counts connections whose teardown has not finished
	active sync.WaitGroup
}

func NewGateway(logger *zap.SugaredLogger, router *Router, presence Presence, service Service) *Gateway {
	return &Gateway{
		logger:   logger,
		router:   router,
		presence: presence,
		service:  service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP handles HTTP requests on "/ws" endpoint.
// The request context must carry chat.Principal.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p, ok := chat.FromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	if g.isClosed() {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Debugf("upgrading connection: %v", err)
		return
	}

	if !g.track(conn) {
		_ = conn.WriteControl(websocket.CloseMessage, goingAway, time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer g.untrack(conn)

	connID := xid.New().String()
	ctx := zapadapter.NewContextWithConnID(context.WithoutCancel(r.Context()), connID)

	c := NewClient(connID, p, sendBuffer)
	g.router.Register(c)
	g.presence.Connect(ctx, p.ID, connID)
	g.logger.Debugf("Connection %s of user %d opened", connID, p.ID)

	go g.writePump(conn, c)
	g.readPump(ctx, conn, c, chat.Principal{ID: p.ID, Username: p.Username})

	g.router.Unregister(c)
	g.presence.Disconnect(ctx, p.ID, connID)
	g.logger.Debugf("Connection %s of user %d closed", connID, p.ID)
}

var goingAway = websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")

// Close refuses new connections, closes open ones and waits until each of them
// has left its rooms and recorded its disconnection
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	conns := make([]*websocket.Conn, 0, len(g.conns))
	for conn := range g.conns {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	g.logger.Infof("Closing %d websocket connections", len(conns))
	for _, conn := range conns {
		_ = conn.WriteControl(websocket.CloseMessage, goingAway, time.Now().Add(writeWait))
		conn.Close()
	}

	g.active.Wait()
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *Gateway) track(conn *websocket.Conn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.conns[conn] = struct{}{}
	g.active.Add(1)
	return true
}

func (g *Gateway) untrack(conn *websocket.Conn) {
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
	g.active.Done()
}

func (g *Gateway) readPump(ctx context.Context, conn *websocket.Conn, c *Client, actor chat.Principal) {
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Desugar().Warn("reading websocket frame", append(zapadapter.Fields(ctx), zap.Error(err))...)
			}
			return
		}

		event, err := g.decoder.Decode(frame)
		if err != nil {
			g.reply(c, exceptionFrame(err))
			continue
		}

		if err := g.handle(ctx, c, actor, event); err != nil {
			if chat.KindOf(err) == chat.KindInternal {
				g.logger.Desugar().Error("handling websocket event", append(zapadapter.Fields(ctx), zap.Error(err))...)
			}
			g.reply(c, exceptionFrame(err))
		}
	}
}

// handle runs one inbound event; every event requires the connection to belong to the chat
func (g *Gateway) handle(ctx context.Context, c *Client, actor chat.Principal, event Inbound) error {
	if !g.router.Member(c, event.Chat()) {
		return chat.Authorize(actor, event.Chat())
	}

	switch e := event.(type) {
	case JoinEvent:
		g.router.Join(c, e.ChatID)
	case LeaveEvent:
		g.router.Leave(c, e.ChatID)
	case SubmitMessageEvent:
		_, err := g.service.SubmitMessage(ctx, actor, e.ChatID, e.Content, c.id)
		return err
	case AddIntegrantEvent:
		_, err := g.service.AddIntegrant(ctx, e.ChatID, e.Username)
		return err
	case PushOutIntegrantEvent:
		_, err := g.service.PushOut(ctx, actor, e.ChatID, e.Username)
		return err
	}
	return nil
}

// reply queues frame for the client without blocking the read loop
func (g *Gateway) reply(c *Client, frame []byte) {
	select {
	case c.send <- frame:
	default:
		g.logger.Warnf("Dropping reply for connection %s: buffer full", c.id)
	}
}

func (g *Gateway) writePump(conn *websocket.Conn, c *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
