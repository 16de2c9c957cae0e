package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/model"
	"github.com/sakif/credential-service/internal/repository"
)

// compile-time check that *DB implements repository.Store
var _ repository.Store = (*DB)(nil)

const (
	selectUserByEmail = `
		SELECT id::text, email, email_key, password_hash, full_name, created_at
		FROM users WHERE email_key = $1`

	selectUserByID = `
		SELECT id::text, email, email_key, password_hash, full_name, created_at
		FROM users WHERE id = $1`

	// ON CONFLICT DO NOTHING leaves the command tag at "INSERT 0 0" when the
	// email key is taken, which is how a lost race is detected.
	insertUser = `
		INSERT INTO users (id, email, email_key, password_hash, full_name, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email_key) DO NOTHING`

	deleteUser = `DELETE FROM users WHERE id = $1`
)

func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	key := model.EmailKey(email)
	return scanUser(db.pool.QueryRow(ctx, selectUserByEmail, key), "find user by email", key)
}

// GetByID looks a user up by id. An id that is not a UUID cannot exist, so
// it is reported as not found without a round trip.
func (db *DB) GetByID(ctx context.Context, id string) (*model.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, apperror.NotFound("user", id)
	}
	return scanUser(db.pool.QueryRow(ctx, selectUserByID, id), "get user", id)
}

func (db *DB) InsertIfAbsent(ctx context.Context, user *model.User) (string, error) {
	id := uuid.NewString()
	key := model.EmailKey(user.Email)
	createdAt := time.Now().UTC()

	tag, err := db.pool.Exec(ctx, insertUser,
		id, user.Email, key, user.PasswordHash, user.FullName, createdAt,
	)
	if err != nil {
		return "", classify("insert user", err)
	}
	if tag.RowsAffected() == 0 {
		return "", apperror.DuplicateEmail()
	}

	user.ID = id
	user.EmailKey = key
	user.CreatedAt = createdAt
	return id, nil
}

func (db *DB) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperror.NotFound("user", id)
	}

	tag, err := db.pool.Exec(ctx, deleteUser, id)
	if err != nil {
		return classify("delete user", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func scanUser(row pgx.Row, op, key string) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.EmailKey, &u.PasswordHash, &u.FullName, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperror.NotFound("user", key)
		}
		return nil, classify(op, err)
	}
	return &u, nil
}
