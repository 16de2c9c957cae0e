package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/sakif/credential-service/internal/apperror"
	"github.com/sakif/credential-service/internal/model"
	"github.com/sakif/credential-service/internal/repository"
)

// compile-time check that *DB implements repository.Store
var _ repository.Store = (*DB)(nil)

// userDoc is the stored shape of a user. The id is a native ObjectID; the
// rest of the service sees its hex form.
type userDoc struct {
	ID           bson.ObjectID `bson:"_id"`
	Email        string        `bson:"email"`
	EmailKey     string        `bson:"email_key"`
	PasswordHash string        `bson:"password_hash"`
	FullName     string        `bson:"full_name"`
	CreatedAt    time.Time     `bson:"created_at"`
}

func (d *userDoc) toModel() *model.User {
	return &model.User{
		ID:           d.ID.Hex(),
		Email:        d.Email,
		EmailKey:     d.EmailKey,
		PasswordHash: d.PasswordHash,
		FullName:     d.FullName,
		CreatedAt:    d.CreatedAt,
	}
}

func newUserDoc(u *model.User, now time.Time) userDoc {
	return userDoc{
		ID:           bson.NewObjectID(),
		Email:        u.Email,
		EmailKey:     model.EmailKey(u.Email),
		PasswordHash: u.PasswordHash,
		FullName:     u.FullName,
		// BSON dates have millisecond precision.
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}
}

func (db *DB) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	key := model.EmailKey(email)
	return db.findOne(ctx, bson.D{{Key: "email_key", Value: key}}, "find user by email", key)
}

// GetByID looks a user up by its hex ObjectID. Anything that is not a valid
// ObjectID cannot exist and is reported as not found.
func (db *DB) GetByID(ctx context.Context, id string) (*model.User, error) {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return nil, apperror.NotFound("user", id)
	}
	return db.findOne(ctx, bson.D{{Key: "_id", Value: oid}}, "get user", id)
}

// InsertIfAbsent relies on the unique email_key index: the losing writer of
// a race gets a duplicate key error, reported as DuplicateEmail.
func (db *DB) InsertIfAbsent(ctx context.Context, user *model.User) (string, error) {
	doc := newUserDoc(user, time.Now())

	if _, err := db.users.InsertOne(ctx, doc); err != nil {
		return "", classify("insert user", err)
	}

	user.ID = doc.ID.Hex()
	user.EmailKey = doc.EmailKey
	user.CreatedAt = doc.CreatedAt
	return user.ID, nil
}

func (db *DB) Delete(ctx context.Context, id string) error {
	oid, err := bson.ObjectIDFromHex(id)
	if err != nil {
		return apperror.NotFound("user", id)
	}

	res, err := db.users.DeleteOne(ctx, bson.D{{Key: "_id", Value: oid}})
	if err != nil {
		return classify("delete user", err)
	}
	if res.DeletedCount == 0 {
		return apperror.NotFound("user", id)
	}
	return nil
}

func (db *DB) findOne(ctx context.Context, filter bson.D, op, key string) (*model.User, error) {
	var doc userDoc
	if err := db.users.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, apperror.NotFound("user", key)
		}
		return nil, classify(op, err)
	}
	return doc.toModel(), nil
}
