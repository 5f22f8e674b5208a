package server

import (
	"context"
	"errors"
	"fmt"
	"github.com/golang-jwt/jwt/v5"
	"net/http"
	"realtime-chat/internal/chat"
	"realtime-chat/internal/storage"
	"strings"
)

var (
	ErrNoToken      = errors.New("no token provided")
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownUser  = errors.New("token user does not exist")
)

// Claims is the payload of access tokens issued for users
type Claims struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// UserLoader fetches the user a token was issued for
type UserLoader interface {
	UserByID(ctx context.Context, id int64) (storage.User, error)
}

// Authenticator verifies HS256 access tokens and resolves the principal behind them
type Authenticator struct {
	secret []byte
	users  UserLoader
}

func NewAuthenticator(secret string, users UserLoader) *Authenticator {
	return &Authenticator{secret: []byte(secret), users: users}
}

// Principal verifies token and loads the current membership of its user.
// Deleted users and tokens whose username no longer matches are rejected.
func (a *Authenticator) Principal(ctx context.Context, token string) (chat.Principal, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return chat.Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	u, err := a.users.UserByID(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotExist) {
			return chat.Principal{}, ErrUnknownUser
		}
		return chat.Principal{}, err
	}

	if u.Deleted || u.Username != claims.Username {
		return chat.Principal{}, ErrUnknownUser
	}

	return chat.Principal{ID: u.ID, Username: u.Username, ChatIDs: u.ChatIDs}, nil
}

// tokenFromRequest reads bearer token from Authorization header, "token" header or "token" query parameter
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", ErrInvalidToken
		}
		return token, nil
	}

	if token := r.Header.Get("token"); token != "" {
		return token, nil
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}

	return "", ErrNoToken
}
