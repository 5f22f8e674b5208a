package realtime

import (
	"encoding/json"
	"github.com/valyala/fastjson"
	"realtime-chat/internal/chat"
	"strconv"
)

// Inbound event names
const (
	EventJoin             = "join"
	EventLeave            = "leave"
	EventSubmitMessage    = "submit_message"
	EventAddIntegrant     = "add_integrant"
	EventPushOutIntegrant = "push_out_integrant"
)

// Outbound event names
const (
	EventNewMessage     = "new_message"
	EventNewLastMessage = "new_last_message"
	EventAddedToChat    = "added_to_chat"
	EventPushedOutChat  = "pushed_out_chat"
	EventException      = "exception"
)

// Envelope is the frame exchanged over the websocket
type Envelope struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data"`
}

type chatRef struct {
	ChatID int64 `json:"chatId"`
}

type exception struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Inbound is one of JoinEvent, LeaveEvent, SubmitMessageEvent, AddIntegrantEvent, PushOutIntegrantEvent
type Inbound interface {
	Chat() int64
}

type JoinEvent struct {
	ChatID int64
}

type LeaveEvent struct {
	ChatID int64
}

type SubmitMessageEvent struct {
	ChatID  int64
	Content string
}

type AddIntegrantEvent struct {
	ChatID   int64
	Username string
}

type PushOutIntegrantEvent struct {
	ChatID   int64
	Username string
}

func (e JoinEvent) Chat() int64 { return e.ChatID }
func (e LeaveEvent) Chat() int64 { return e.ChatID }
func (e SubmitMessageEvent) Chat() int64 { return e.ChatID }
func (e AddIntegrantEvent) Chat() int64 { return e.ChatID }
func (e PushOutIntegrantEvent) Chat() int64 { return e.ChatID }

// decoder validates inbound frames
type decoder struct {
	pool fastjson.ParserPool
}

// Decode parses frame into a tagged inbound event; malformed frames yield a validation error
func (d *decoder) Decode(frame []byte) (Inbound, error) {
	parser := d.pool.Get()
	defer d.pool.Put(parser)

	v, err := parser.ParseBytes(frame)
	if err != nil {
		return nil, chat.Validation("JSON mal formado")
	}

	if v.Type() != fastjson.TypeObject {
		return nil, chat.Validation("El mensaje debe ser un objeto JSON")
	}

	event := string(v.GetStringBytes("event"))
	if event == "" {
		return nil, chat.Validation("Falta el campo \"event\"")
	}

	data := v.Get("data")
	if data == nil || data.Type() != fastjson.TypeObject {
		return nil, chat.Validation("El campo \"data\" debe ser un objeto")
	}

	chatID, err := chatIDOf(data)
	if err != nil {
		return nil, err
	}

	switch event {
	case EventJoin:
		return JoinEvent{ChatID: chatID}, nil
	case EventLeave:
		return LeaveEvent{ChatID: chatID}, nil
	case EventSubmitMessage:
		content, err := stringField(data, "content")
		if err != nil {
			return nil, err
		}
		return SubmitMessageEvent{ChatID: chatID, Content: content}, nil
	case EventAddIntegrant:
		username, err := stringField(data, "username")
		if err != nil {
			return nil, err
		}
		return AddIntegrantEvent{ChatID: chatID, Username: username}, nil
	case EventPushOutIntegrant:
		username, err := stringField(data, "username")
		if err != nil {
			return nil, err
		}
		return PushOutIntegrantEvent{ChatID: chatID, Username: username}, nil
	default:
		return nil, chat.Validation("Evento %s desconocido", strconv.Quote(event))
	}
}

func chatIDOf(data *fastjson.Value) (int64, error) {
	v := data.Get("chatId")
	if v == nil {
		return 0, chat.Validation("Falta el campo \"chatId\"")
	}

	var (
		id  int64
		err error
	)
	switch v.Type() {
	case fastjson.TypeNumber:
		id, err = v.Int64()
	case fastjson.TypeString:
		id, err = strconv.ParseInt(string(v.GetStringBytes()), 10, 64)
	default:
		return 0, chat.Validation("El campo \"chatId\" debe ser un número")
	}
	if err != nil || id <= 0 {
		return 0, chat.Validation("El campo \"chatId\" debe ser un identificador válido")
	}

	return id, nil
}

func stringField(data *fastjson.Value, name string) (string, error) {
	v := data.Get(name)
	if v == nil {
		return "", chat.Validation("Falta el campo %q", name)
	}
	if v.Type() != fastjson.TypeString {
		return "", chat.Validation("El campo %q debe ser un texto", name)
	}
	s := string(v.GetStringBytes())
	if s == "" {
		return "", chat.Validation("El campo %q no puede estar vacío", name)
	}
	return s, nil
}

func encode(event string, data interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: data})
}

func exceptionFrame(err error) []byte {
	frame, _ := encode(EventException, exception{
		Kind:    chat.KindOf(err).String(),
		Message: chat.PublicMessage(err),
	})
	return frame
}
