// Package mongostore is a store.Store backed by MongoDB, accessed via the
// official mongo-go driver.
//
// Unique keys are enforced with unique indexes, and token expiry with TTL
// indexes on the creation timestamp. MongoDB's TTL monitor only runs about
// once a minute, so lookups also filter out expired tokens, and inserts purge
// expired tokens that would collide.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/icza/emailauth/store"
)

const (
	// DefaultDBName is the default for Config.DBName.
	DefaultDBName = "auth"

	// DefaultUsersCollectionName is the default for Config.UsersCollectionName.
	DefaultUsersCollectionName = "users"

	// DefaultLoginTokensCollectionName is the default for Config.LoginTokensCollectionName.
	DefaultLoginTokensCollectionName = "login-tokens"

	// DefaultEmailChangeTokensCollectionName is the default for Config.EmailChangeTokensCollectionName.
	DefaultEmailChangeTokensCollectionName = "email-tokens"

	// DefaultTokenTTL is the default for Config.TokenTTL.
	DefaultTokenTTL = 15 * time.Minute
)

// Config holds Store configuration.
// A zero value is a valid configuration, see constants for default values.
type Config struct {
	// DBName is the name of the database used by the Store.
	DBName string

	UsersCollectionName             string
	LoginTokensCollectionName       string
	EmailChangeTokensCollectionName string

	// TokenTTL tells how long login and email change tokens live.
	// Whole seconds are used for the TTL indexes.
	TokenTTL time.Duration
}

// Store is a MongoDB backed store.Store.
// It's safe to use it concurrently from multiple goroutines.
type Store struct {
	cu  *mongo.Collection // users
	cl  *mongo.Collection // login tokens
	ce  *mongo.Collection // email change tokens
	ttl time.Duration
}

// New creates a new Store and ensures the required indexes exist.
// This function panics if client is nil.
func New(ctx context.Context, client *mongo.Client, cfg Config) (*Store, error) {
	if client == nil {
		panic("client must be provided")
	}

	if cfg.DBName == "" {
		cfg.DBName = DefaultDBName
	}
	if cfg.UsersCollectionName == "" {
		cfg.UsersCollectionName = DefaultUsersCollectionName
	}
	if cfg.LoginTokensCollectionName == "" {
		cfg.LoginTokensCollectionName = DefaultLoginTokensCollectionName
	}
	if cfg.EmailChangeTokensCollectionName == "" {
		cfg.EmailChangeTokensCollectionName = DefaultEmailChangeTokensCollectionName
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}

	db := client.Database(cfg.DBName)
	s := &Store{
		cu:  db.Collection(cfg.UsersCollectionName),
		cl:  db.Collection(cfg.LoginTokensCollectionName),
		ce:  db.Collection(cfg.EmailChangeTokensCollectionName),
		ttl: cfg.TokenTTL,
	}

	if err := s.initIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) initIndexes(ctx context.Context) error {
	unique := func(key string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: key, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}
	expiring := mongo.IndexModel{
		Keys:    bson.D{{Key: "c", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(s.ttl / time.Second)),
	}

	if _, err := s.cu.Indexes().CreateMany(ctx, []mongo.IndexModel{unique("email")}); err != nil {
		return fmt.Errorf("creating users indexes: %w", err)
	}
	if _, err := s.cl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("email"), unique("codeh"), unique("nonceh"), expiring,
	}); err != nil {
		return fmt.Errorf("creating login token indexes: %w", err)
	}
	if _, err := s.ce.Indexes().CreateMany(ctx, []mongo.IndexModel{
		unique("email"), unique("newemail"), expiring,
	}); err != nil {
		return fmt.Errorf("creating email change token indexes: %w", err)
	}
	return nil
}

func (s *Store) Users() store.Users                         { return users{s.cu} }
func (s *Store) LoginTokens() store.LoginTokens             { return loginTokens{s} }
func (s *Store) EmailChangeTokens() store.EmailChangeTokens { return changeTokens{s} }

// live returns a filter on the creation timestamp selecting unexpired tokens.
func (s *Store) live() bson.M {
	return bson.M{"$gt": time.Now().Add(-s.ttl)}
}

// purgeExpired removes expired tokens matching any of the given field values.
func (s *Store) purgeExpired(ctx context.Context, c *mongo.Collection, fields bson.M) error {
	var or bson.A
	for k, v := range fields {
		or = append(or, bson.M{k: v})
	}
	_, err := c.DeleteMany(ctx, bson.M{
		"$or": or,
		"c":   bson.M{"$lte": time.Now().Add(-s.ttl)},
	})
	return err
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return store.ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

func findOne[T any](ctx context.Context, c *mongo.Collection, filter bson.M) (*T, error) {
	var v *T
	if err := c.FindOne(ctx, filter).Decode(&v); err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

type users struct{ c *mongo.Collection }

func (r users) FindByID(ctx context.Context, id string) (*store.User, error) {
	return findOne[store.User](ctx, r.c, bson.M{"_id": id})
}

func (r users) FindByEmail(ctx context.Context, email string) (*store.User, error) {
	return findOne[store.User](ctx, r.c, bson.M{"email": email})
}

func (r users) Insert(ctx context.Context, u *store.User) error {
	u.ID = bson.NewObjectID().Hex()
	if u.SessionNonces == nil {
		u.SessionNonces = []string{}
	}
	if _, err := r.c.InsertOne(ctx, u); err != nil {
		u.ID = ""
		return mapErr(err)
	}
	return nil
}

func (r users) Save(ctx context.Context, u *store.User) error {
	nonces := u.SessionNonces
	if nonces == nil {
		nonces = []string{}
	}
	res, err := r.c.UpdateOne(ctx,
		bson.M{"_id": u.ID},
		bson.M{"$set": bson.M{
			"email":    u.EmailAddress,
			"nonces":   nonces,
			"verified": u.Verified,
		}},
	)
	if err != nil {
		return mapErr(err)
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r users) Delete(ctx context.Context, id string) error {
	res, err := r.c.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

type loginTokens struct{ s *Store }

func (r loginTokens) FindByEmail(ctx context.Context, email string) (*store.LoginToken, error) {
	return findOne[store.LoginToken](ctx, r.s.cl, bson.M{"email": email, "c": r.s.live()})
}

func (r loginTokens) Insert(ctx context.Context, t *store.LoginToken) error {
	if err := r.s.purgeExpired(ctx, r.s.cl, bson.M{"email": t.EmailAddress}); err != nil {
		return err
	}
	t.ID = bson.NewObjectID().Hex()
	if _, err := r.s.cl.InsertOne(ctx, t); err != nil {
		t.ID = ""
		return mapErr(err)
	}
	return nil
}

func (r loginTokens) Delete(ctx context.Context, id string) error {
	_, err := r.s.cl.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

type changeTokens struct{ s *Store }

func (r changeTokens) FindByEmail(ctx context.Context, email string) (*store.EmailChangeToken, error) {
	return findOne[store.EmailChangeToken](ctx, r.s.ce, bson.M{"email": email, "auth": false, "c": r.s.live()})
}

func (r changeTokens) FindByNewEmail(ctx context.Context, newEmail string) (*store.EmailChangeToken, error) {
	return findOne[store.EmailChangeToken](ctx, r.s.ce, bson.M{"newemail": newEmail, "auth": false, "c": r.s.live()})
}

func (r changeTokens) Insert(ctx context.Context, t *store.EmailChangeToken) error {
	if err := r.s.purgeExpired(ctx, r.s.ce, bson.M{"email": t.EmailAddress, "newemail": t.NewEmailAddress}); err != nil {
		return err
	}
	t.ID = bson.NewObjectID().Hex()
	if _, err := r.s.ce.InsertOne(ctx, t); err != nil {
		t.ID = ""
		return mapErr(err)
	}
	return nil
}

func (r changeTokens) Delete(ctx context.Context, id string) error {
	_, err := r.s.ce.DeleteOne(ctx, bson.M{"_id": id})
	return err
}

func (r changeTokens) DeleteByEmail(ctx context.Context, email string) (int64, error) {
	res, err := r.s.ce.DeleteMany(ctx, bson.M{"email": email})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}
