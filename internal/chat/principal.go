package chat

import "context"

// Principal is the authenticated user attached to a request or connection by the auth guard.
// The core trusts these fields without re-reading the user.
type Principal struct {
	ID       int64
	Username string
	ChatIDs  []int64
}

// Member reports whether the principal belongs to the chat
func (p Principal) Member(chatID int64) bool {
	for _, id := range p.ChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// Authorize rejects principals that do not belong to the chat
func Authorize(p Principal, chatID int64) error {
	if !p.Member(chatID) {
		return unauthorized("No perteneces a este chat")
	}
	return nil
}

type principalKey struct{}

// NewContext returns ctx carrying p
func NewContext(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns principal stored by NewContext
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
