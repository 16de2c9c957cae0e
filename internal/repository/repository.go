// Package repository defines the persistence contract for user records.
//
// Every backend (sqlite, postgres, mongo) implements Store. The service layer
// depends only on UserRepository, so backends can be swapped by configuration
// and tests can use an in-memory fake.
package repository

import (
	"context"

	"github.com/sakif/credential-service/internal/model"
)

// UserRepository is the set of user-record operations the credential service needs.
//
// Email lookups match on model.EmailKey(email), so "Ann@X.com" and "ann@x.com"
// name the same record. Implementations return:
//   - apperror.ErrNotFound when no record matches
//   - apperror.ErrDuplicateEmail from InsertIfAbsent when the email key is taken
//   - apperror.ErrStoreUnavailable for connection and timeout failures
type UserRepository interface {
	FindByEmail(ctx context.Context, email string) (*model.User, error)
	GetByID(ctx context.Context, id string) (*model.User, error)

	// InsertIfAbsent stores user and returns its new id, unless a record with
	// the same email key already exists. The existence check and the write are
	// one atomic step: of N concurrent inserts for one email, exactly one succeeds.
	// ID, EmailKey and CreatedAt are filled in by the store.
	InsertIfAbsent(ctx context.Context, user *model.User) (string, error)

	Delete(ctx context.Context, id string) error
}

// Store is a UserRepository backed by a connection that can be health-checked
// and released.
type Store interface {
	UserRepository
	Ping(ctx context.Context) error
	Close() error
}
