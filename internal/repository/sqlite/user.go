package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/model"
	"github.com/sakif/credential-service/internal/repository"
)

// compile-time check that *DB implements repository.Store
var _ repository.Store = (*DB)(nil)

const userColumns = `id, email, email_key, password_hash, full_name, created_at`

// FindByEmail looks a user up by email, ignoring case and surrounding space.
// Returns apperror.ErrNotFound if no user has that address.
func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	key := model.EmailKey(email)
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email_key = ?`,
		key,
	)
	return scanUser(row, "find user by email", key)
}

// GetByID retrieves a user by their internal ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetByID(ctx context.Context, id string) (*model.User, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ?`,
		id,
	)
	return scanUser(row, "get user", id)
}

// InsertIfAbsent stores a new user unless the email key is already taken.
//
// ON CONFLICT DO NOTHING:
// The UNIQUE(email_key) constraint decides the race. When the key exists the
// statement succeeds but writes nothing, so RowsAffected() == 0 means
// "someone else got there first". There is no check-then-insert window.
//
// The ID is an xid: 20 chars, URL-safe, and sortable by creation time.
func (db *DB) InsertIfAbsent(ctx context.Context, user *model.User) (string, error) {
	id := xid.New().String()
	key := model.EmailKey(user.Email)
	createdAt := time.Now().UTC()

	result, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email_key) DO NOTHING`,
		id,
		user.Email,
		key,
		user.PasswordHash,
		user.FullName,
		createdAt,
	)
	if err != nil {
		return "", classify("insert user", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return "", classify("checking rows affected", err)
	}
	if rowsAffected == 0 {
		return "", apperror.DuplicateEmail()
	}

	user.ID = id
	user.EmailKey = key
	user.CreatedAt = createdAt
	return id, nil
}

// Delete removes a user by ID.
//
// Check RowsAffected to detect "not found".
func (db *DB) Delete(ctx context.Context, id string) error {
	result, err := db.conn.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return classify("delete user", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return classify("checking rows affected", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

// scanUser reads one users row. sql.ErrNoRows becomes apperror.NotFound.
func scanUser(row *sql.Row, op, key string) (*model.User, error) {
	var u model.User
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.EmailKey,
		&u.PasswordHash,
		&u.FullName,
		&u.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", key)
		}
		return nil, classify(op, err)
	}
	return &u, nil
}
