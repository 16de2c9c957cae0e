// Package mongo implements repository.Store on MongoDB (or DocumentDB).
//
// Users live in one collection. A unique index on email_key is what makes
// InsertIfAbsent atomic; the index is created on Open and creating it again
// is a no-op.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sakif/credential-service/internal/apperror"
)

const (
	// DefaultTimeout bounds server selection and the initial TCP connect.
	DefaultTimeout = 5 * time.Second

	usersCollection = "users"
	emailKeyIndex   = "email_key_unique"
)

// DB is a Mongo-backed user store.
type DB struct {
	client *mongo.Client
	users  *mongo.Collection
}

// Open connects to uri, selects database dbName, and ensures the unique
// email index exists.
//
// An unparseable URI is a configuration error. An unreachable cluster is
// StoreUnavailable.
func Open(ctx context.Context, uri, dbName string, logger *slog.Logger) (*DB, error) {
	if dbName == "" {
		return nil, apperror.Configuration("mongo database name is required", nil)
	}

	opts := options.Client().
		ApplyURI(uri).
		SetServerSelectionTimeout(DefaultTimeout).
		SetConnectTimeout(DefaultTimeout)

	client, err := mongo.Connect(opts)
	if err != nil {
		return nil, apperror.Configuration("invalid mongo connection string", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, classify("ping", err)
	}

	db := &DB{
		client: client,
		users:  client.Database(dbName).Collection(usersCollection),
	}

	if err := db.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}

	logger.Info("mongo store ready", "database", dbName)
	return db, nil
}

func (db *DB) ensureIndexes(ctx context.Context) error {
	_, err := db.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email_key", Value: 1}},
		Options: options.Index().SetUnique(true).SetName(emailKeyIndex),
	})
	if err != nil {
		return classify("create index", err)
	}
	return nil
}

// Ping checks that a server is selectable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.client.Ping(ctx, nil); err != nil {
		return classify("ping", err)
	}
	return nil
}

// Close disconnects, waiting up to DefaultTimeout for in-use connections.
func (db *DB) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), DefaultTimeout)
	defer cancel()
	return db.client.Disconnect(ctx)
}

// classify maps timeouts (server selection included) and network failures to
// StoreUnavailable, and a duplicate key on the email index to DuplicateEmail.
func classify(op string, err error) error {
	switch {
	case mongo.IsDuplicateKeyError(err):
		return apperror.DuplicateEmail()
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, mongo.ErrClientDisconnected),
		mongo.IsTimeout(err),
		mongo.IsNetworkError(err):
		return apperror.StoreUnavailable("mongo "+op, err)
	}

	return fmt.Errorf("mongo: %s: %w", op, err)
}
