package storage

import (
	"context"
	"errors"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgtype"
	"github.com/jackc/pgx/v4"
	"time"
)

const userColumns = `u.id, u.username, u.password_hash, u.avatar, u.status, u.connected, u.last_connection,
	   u.deleted, u.deleted_at, u.created_at,
	   array(select cu.chat_id from chat_users cu where cu.user_id = u.id order by cu.joined_at, cu.chat_id)`

func scanUser(row pgx.Row) (User, error) {
	var (
		u       User
		chatIDs pgtype.Int8Array
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Avatar, &u.Status, &u.Connected, &u.LastConnection,
		&u.Deleted, &u.DeletedAt, &u.CreatedAt, &chatIDs)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotExist
		}
		return User{}, err
	}

	u.ChatIDs = make([]int64, 0, len(chatIDs.Elements))
	if err := chatIDs.AssignTo(&u.ChatIDs); err != nil {
		return User{}, err
	}

	return u, nil
}

func userByID(ctx context.Context, q querier, id int64) (User, error) {
	sql := "select " + userColumns + " from users u where u.id = $1"
	return scanUser(q.QueryRow(ctx, sql, id))
}

// CreateUser inserts user record and returns it
func (s *Store) CreateUser(ctx context.Context, nu NewUser) (User, error) {
	s.logger.Debugf("Creating user (%s)", nu.Username)

	u := User{
		Username:     nu.Username,
		PasswordHash: nu.PasswordHash,
		Avatar:       nu.Avatar,
		Status:       nu.Status,
		ChatIDs:      []int64{},
		CreatedAt:    s.now(),
	}

	sql := "insert into users (username, password_hash, avatar, status, created_at) values ($1, $2, $3, $4, $5) returning id"
	err := s.db.QueryRow(ctx, sql, u.Username, u.PasswordHash, u.Avatar, u.Status, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		if code, _, ok := pgErrCode(err); ok && code == pgerrcode.UniqueViolation {
			return User{}, ErrUserExists
		}
		return User{}, err
	}

	s.logger.Debugf("Created user (%s) with id %d", u.Username, u.ID)

	return u, nil
}

// UserByID returns user with its chat ids
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	return userByID(ctx, s.db, id)
}

// UserByUsername returns user with its chat ids
func (s *Store) UserByUsername(ctx context.Context, username string) (User, error) {
	sql := "select " + userColumns + " from users u where u.username = $1"
	return scanUser(s.db.QueryRow(ctx, sql, username))
}

// SetPresence persists a presence transition. lastConnection is nil while the user is connected.
func (s *Store) SetPresence(ctx context.Context, userID int64, connected bool, lastConnection *time.Time) error {
	sql := "update users set connected = $2, last_connection = $3 where id = $1"
	tag, err := s.db.Exec(ctx, sql, userID, connected, lastConnection)
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 0 {
		return ErrUserNotExist
	}

	return nil
}
