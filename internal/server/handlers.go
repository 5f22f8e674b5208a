package server

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"io"
	"net/http"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/zapadapter"
)

// Service is the chat core consumed by HTTP handlers
type Service interface {
	Register(ctx context.Context, username, password, avatar, status string) (storage.User, error)
	DeleteAccount(ctx context.Context, actor chat.Principal, password string) (storage.UserRemoval, error)

	CreateChat(ctx context.Context, actor chat.Principal, in chat.ChatInput) (storage.Chat, error)
	UserChats(ctx context.Context, userID int64) ([]storage.Chat, error)
	Chat(ctx context.Context, chatID int64) (storage.Chat, error)
	UpdateChat(ctx context.Context, chatID int64, in chat.ChatInput) (storage.Chat, error)
	DeleteChat(ctx context.Context, actor chat.Principal, chatID int64) (storage.Chat, error)
	LeaveChat(ctx context.Context, actor chat.Principal, chatID int64) (storage.Removal, error)
	AddIntegrant(ctx context.Context, chatID int64, username string) (storage.Chat, error)
	PushOut(ctx context.Context, actor chat.Principal, chatID int64, username string) (storage.Removal, error)

	SubmitMessage(ctx context.Context, actor chat.Principal, chatID int64, content, excludeConn string) (storage.Message, error)
	Messages(ctx context.Context, chatID int64) ([]storage.Message, error)
	DeleteMessage(ctx context.Context, actor chat.Principal, messageID int64) (storage.Message, error)
}

type handler struct {
	logger  *zap.SugaredLogger
	service Service
	parsers fastjson.ParserPool
}

type errorBody struct {
	StatusCode int    `json:"statusCode"`
	Kind       string `json:"kind"`
	Message    string `json:"message"`
}

type removalBody struct {
	Chat        storage.Chat `json:"chat"`
	ChatDeleted bool         `json:"chatDeleted"`
}

// statusOf maps error kinds to HTTP status codes
func statusOf(kind chat.Kind) int {
	switch kind {
	case chat.KindNotFound:
		return http.StatusNotFound
	case chat.KindConflict, chat.KindUserDeleted:
		return http.StatusConflict
	case chat.KindUnauthorized:
		return http.StatusUnauthorized
	case chat.KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes classified error as JSON; internal errors are logged and hidden from the client
func writeError(w http.ResponseWriter, logger *zap.Logger, r *http.Request, err error) {
	kind := chat.KindOf(err)
	status := statusOf(kind)

	fields := append(zapadapter.Fields(r.Context()), zap.Error(err))
	if status == http.StatusInternalServerError {
		logger.Error("handling http request", fields...)
	} else {
		logger.Debug("rejecting http request", fields...)
	}

	payload, _ := json.Marshal(errorBody{StatusCode: status, Kind: kind.String(), Message: chat.PublicMessage(err)})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func (h *handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, h.logger.Desugar(), r, err)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		h.logger.Error(err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(payload)
	if err != nil {
		h.logger.Errorf("writing marshaled data to ResponseWriter: %v", err)
	}
}

// parse runs fn over the request body; values taken from v must be copied before fn returns
func (h *handler) parse(r *http.Request, fn func(v *fastjson.Value) error) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	parser := h.parsers.Get()
	defer h.parsers.Put(parser)

	v, err := parser.ParseBytes(body)
	if err != nil {
		return chat.Validation("JSON mal formado")
	}
	if v.Type() != fastjson.TypeObject {
		return chat.Validation("El cuerpo debe ser un objeto JSON")
	}

	return fn(v)
}

// idField reads a required positive 64-bit integer field
func idField(v *fastjson.Value, name string) (int64, error) {
	if !v.Exists(name) {
		return 0, chat.Validation("Falta el campo %q", name)
	}

	id, err := v.Get(name).Int64()
	if err != nil {
		return 0, chat.Validation("El campo %q debe ser un entero de 64 bits", name)
	}

	if id < 1 {
		return 0, chat.Validation("El campo %q debe ser un identificador mayor que cero", name)
	}

	return id, nil
}

// stringField reads an optional string field; nil means absent
func stringField(v *fastjson.Value, name string) (*string, error) {
	if !v.Exists(name) {
		return nil, nil
	}

	value := v.Get(name)
	if value.Type() != fastjson.TypeString {
		return nil, chat.Validation("El campo %q debe ser un texto", name)
	}

	s := string(value.GetStringBytes())
	return &s, nil
}

// requiredString reads a string field that must be present and non-empty
func requiredString(v *fastjson.Value, name string) (string, error) {
	s, err := stringField(v, name)
	if err != nil {
		return "", err
	}
	if s == nil {
		return "", chat.Validation("Falta el campo %q", name)
	}
	if *s == "" {
		return "", chat.Validation("El campo %q no puede estar vacío", name)
	}
	return *s, nil
}

func chatInput(v *fastjson.Value) (chat.ChatInput, error) {
	var (
		in  chat.ChatInput
		err error
	)
	if in.Title, err = stringField(v, "title"); err != nil {
		return in, err
	}
	if in.Description, err = stringField(v, "description"); err != nil {
		return in, err
	}
	if in.Avatar, err = stringField(v, "avatar"); err != nil {
		return in, err
	}
	return in, nil
}

// member parses "chatId" and checks that the principal belongs to that chat
func member(r *http.Request, v *fastjson.Value) (chat.Principal, int64, error) {
	p, _ := chat.FromContext(r.Context())

	chatID, err := idField(v, "chatId")
	if err != nil {
		return p, 0, err
	}

	return p, chatID, chat.Authorize(p, chatID)
}

// createUser handles HTTP requests on "/users/add" endpoint
func (h *handler) createUser(w http.ResponseWriter, r *http.Request) {
	var username, password, avatar, status string
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if username, err = requiredString(v, "username"); err != nil {
			return err
		}
		if password, err = requiredString(v, "password"); err != nil {
			return err
		}
		if s, err := stringField(v, "avatar"); err != nil {
			return err
		} else if s != nil {
			avatar = *s
		}
		if s, err := stringField(v, "status"); err != nil {
			return err
		} else if s != nil {
			status = *s
		}
		return nil
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	u, err := h.service.Register(r.Context(), username, password, avatar, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, u)
}

// deleteUser handles HTTP requests on "/users/delete" endpoint
func (h *handler) deleteUser(w http.ResponseWriter, r *http.Request) {
	p, _ := chat.FromContext(r.Context())

	var password string
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		password, err = requiredString(v, "password")
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	removal, err := h.service.DeleteAccount(r.Context(), p, password)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, removal.User)
}

// createChat handles HTTP requests on "/chats/add" endpoint
func (h *handler) createChat(w http.ResponseWriter, r *http.Request) {
	p, _ := chat.FromContext(r.Context())

	var in chat.ChatInput
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		in, err = chatInput(v)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.CreateChat(r.Context(), p, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, c)
}

// userChats handles HTTP requests on "/chats/get" endpoint
func (h *handler) userChats(w http.ResponseWriter, r *http.Request) {
	p, _ := chat.FromContext(r.Context())

	chats, err := h.service.UserChats(r.Context(), p.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, chats)
}

// chatInfo handles HTTP requests on "/chats/info" endpoint
func (h *handler) chatInfo(w http.ResponseWriter, r *http.Request) {
	var chatID int64
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		_, chatID, err = member(r, v)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.Chat(r.Context(), chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// updateChat handles HTTP requests on "/chats/update" endpoint
func (h *handler) updateChat(w http.ResponseWriter, r *http.Request) {
	var (
		chatID int64
		in     chat.ChatInput
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if _, chatID, err = member(r, v); err != nil {
			return err
		}
		in, err = chatInput(v)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.UpdateChat(r.Context(), chatID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// deleteChat handles HTTP requests on "/chats/delete" endpoint
func (h *handler) deleteChat(w http.ResponseWriter, r *http.Request) {
	var (
		p      chat.Principal
		chatID int64
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		p, chatID, err = member(r, v)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.DeleteChat(r.Context(), p, chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// leaveChat handles HTTP requests on "/chats/leave" endpoint
func (h *handler) leaveChat(w http.ResponseWriter, r *http.Request) {
	var (
		p      chat.Principal
		chatID int64
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		p, chatID, err = member(r, v)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	removal, err := h.service.LeaveChat(r.Context(), p, chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, removalBody{Chat: removal.Chat, ChatDeleted: removal.ChatDeleted})
}

// addIntegrant handles HTTP requests on "/chats/integrants/add" endpoint
func (h *handler) addIntegrant(w http.ResponseWriter, r *http.Request) {
	var (
		chatID   int64
		username string
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if _, chatID, err = member(r, v); err != nil {
			return err
		}
		username, err = requiredString(v, "username")
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	c, err := h.service.AddIntegrant(r.Context(), chatID, username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// pushOutIntegrant handles HTTP requests on "/chats/integrants/remove" endpoint
func (h *handler) pushOutIntegrant(w http.ResponseWriter, r *http.Request) {
	var (
		p        chat.Principal
		chatID   int64
		username string
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if p, chatID, err = member(r, v); err != nil {
			return err
		}
		username, err = requiredString(v, "username")
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	removal, err := h.service.PushOut(r.Context(), p, chatID, username)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, removalBody{Chat: removal.Chat, ChatDeleted: removal.ChatDeleted})
}

// createMessage handles HTTP requests on "/messages/add" endpoint
func (h *handler) createMessage(w http.ResponseWriter, r *http.Request) {
	var (
		p       chat.Principal
		chatID  int64
		content string
	)
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		if p, chatID, err = member(r, v); err != nil {
			return err
		}
		content, err = requiredString(v, "content")
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.service.SubmitMessage(r.Context(), p, chatID, content, "")
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, m)
}

// messagesByChatID handles HTTP requests on "/messages/get" endpoint
func (h *handler) messagesByChatID(w http.ResponseWriter, r *http.Request) {
	var chatID int64
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		_, chatID, err = member(r, v)
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	messages, err := h.service.Messages(r.Context(), chatID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, messages)
}

// deleteMessage handles HTTP requests on "/messages/delete" endpoint
func (h *handler) deleteMessage(w http.ResponseWriter, r *http.Request) {
	p, _ := chat.FromContext(r.Context())

	var messageID int64
	err := h.parse(r, func(v *fastjson.Value) error {
		var err error
		messageID, err = idField(v, "messageId")
		return err
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	m, err := h.service.DeleteMessage(r.Context(), p, messageID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}
