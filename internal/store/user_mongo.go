package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/joehospital/apiserver/types"
	"github.com/jonboulle/clockwork"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const usersCollection = "users"

// MongoUserRepository handles persistence for users in MongoDB.
type MongoUserRepository struct {
	coll  *mongo.Collection
	clock clockwork.Clock
}

func NewMongoUserRepository(db *mongo.Database, clock clockwork.Clock) *MongoUserRepository {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MongoUserRepository{coll: db.Collection(usersCollection), clock: clock}
}

type userDocument struct {
	ID                     string     `bson:"_id"`
	Email                  string     `bson:"email"`
	Name                   string     `bson:"name"`
	Phone                  string     `bson:"phone,omitempty"`
	Age                    int        `bson:"age,omitempty"`
	Gender                 string     `bson:"gender,omitempty"`
	Role                   string     `bson:"role"`
	PasswordHash           string     `bson:"passwordHash"`
	FailedLoginCount       int        `bson:"failedLoginCount"`
	LockUntil              *time.Time `bson:"lockUntil"`
	RefreshTokenHashes     []string   `bson:"refreshTokenHashes"`
	PasswordResetTokenHash *string    `bson:"passwordResetTokenHash"`
	PasswordResetExpiresAt *time.Time `bson:"passwordResetExpiresAt"`
	IsActive               bool       `bson:"isActive"`
	LastLogin              *time.Time `bson:"lastLogin"`
	CreatedAt              time.Time  `bson:"createdAt"`
	UpdatedAt              time.Time  `bson:"updatedAt"`
}

func newUserDocument(u types.User) userDocument {
	hashes := u.RefreshTokenHashes
	if hashes == nil {
		hashes = []string{}
	}
	return userDocument{
		ID:                     u.ID,
		Email:                  u.Email,
		Name:                   u.Name,
		Phone:                  u.Phone,
		Age:                    u.Age,
		Gender:                 u.Gender,
		Role:                   string(u.Role),
		PasswordHash:           u.PasswordHash,
		FailedLoginCount:       u.FailedLoginCount,
		LockUntil:              u.LockUntil,
		RefreshTokenHashes:     hashes,
		PasswordResetTokenHash: u.PasswordResetTokenHash,
		PasswordResetExpiresAt: u.PasswordResetExpiresAt,
		IsActive:               u.IsActive,
		LastLogin:              u.LastLogin,
		CreatedAt:              u.CreatedAt,
		UpdatedAt:              u.UpdatedAt,
	}
}

func (d userDocument) toUser() types.User {
	hashes := d.RefreshTokenHashes
	if hashes == nil {
		hashes = []string{}
	}
	return types.User{
		ID:                     d.ID,
		Email:                  d.Email,
		Name:                   d.Name,
		Phone:                  d.Phone,
		Age:                    d.Age,
		Gender:                 d.Gender,
		Role:                   types.Role(d.Role),
		PasswordHash:           d.PasswordHash,
		FailedLoginCount:       d.FailedLoginCount,
		LockUntil:              d.LockUntil,
		RefreshTokenHashes:     hashes,
		PasswordResetTokenHash: d.PasswordResetTokenHash,
		PasswordResetExpiresAt: d.PasswordResetExpiresAt,
		IsActive:               d.IsActive,
		LastLogin:              d.LastLogin,
		CreatedAt:              d.CreatedAt,
		UpdatedAt:              d.UpdatedAt,
	}
}

// EnsureIndexes creates the unique email index and the sparse reset-token
// index. It is safe to call on every start.
func (r *MongoUserRepository) EnsureIndexes(ctx context.Context) error {
	_, err := r.coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "email", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("users_email_key"),
		},
		{
			Keys: bson.D{{Key: "passwordResetTokenHash", Value: 1}},
			Options: options.Index().
				SetName("users_password_reset_token_hash_idx").
				SetPartialFilterExpression(bson.M{"passwordResetTokenHash": bson.M{"$type": "string"}}),
		},
	})
	return err
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string) (types.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *MongoUserRepository) GetByEmail(ctx context.Context, email string) (types.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *MongoUserRepository) GetByResetTokenHash(ctx context.Context, digest string, now time.Time) (types.User, error) {
	return r.findOne(ctx, bson.M{
		"passwordResetTokenHash": digest,
		"passwordResetExpiresAt": bson.M{"$gt": now},
	})
}

func (r *MongoUserRepository) Create(ctx context.Context, user types.User) (types.User, error) {
	now := r.clock.Now()
	user.ID = uuid.NewString()
	user.CreatedAt = now
	user.UpdatedAt = now
	if user.RefreshTokenHashes == nil {
		user.RefreshTokenHashes = []string{}
	}

	if _, err := r.coll.InsertOne(ctx, newUserDocument(user)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return types.User{}, ErrDuplicate
		}
		return types.User{}, err
	}
	return user, nil
}

func (r *MongoUserRepository) AddRefreshToken(ctx context.Context, id, digest string) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"refreshTokenHashes": digest},
		"$set":  bson.M{"updatedAt": r.clock.Now()},
	})
}

// RecordFailedLogin applies one failed attempt with a single
// pipeline update so concurrent failures cannot lose increments.
func (r *MongoUserRepository) RecordFailedLogin(ctx context.Context, id string, attempt FailedLogin) (types.User, error) {
	lockElapsed := bson.M{"$and": bson.A{
		bson.M{"$eq": bson.A{bson.M{"$type": "$lockUntil"}, "date"}},
		bson.M{"$lte": bson.A{"$lockUntil", attempt.At}},
	}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"failedLoginCount": bson.M{"$cond": bson.A{
				lockElapsed,
				1,
				bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$failedLoginCount", 0}}, 1}},
			}},
			"lockUntil": bson.M{"$cond": bson.A{lockElapsed, nil, "$lockUntil"}},
			"updatedAt": attempt.At,
		}}},
		{{Key: "$set", Value: bson.M{
			"lockUntil": bson.M{"$cond": bson.A{
				bson.M{"$gte": bson.A{"$failedLoginCount", attempt.Threshold}},
				attempt.LockUntil(),
				"$lockUntil",
			}},
		}}},
	}
	return r.findOneAndUpdate(ctx, bson.M{"_id": id}, pipeline)
}

func (r *MongoUserRepository) RecordLogin(ctx context.Context, id string, at time.Time, digest string) (types.User, error) {
	return r.findOneAndUpdate(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"failedLoginCount": 0,
			"lockUntil":        nil,
			"lastLogin":        at,
			"updatedAt":        at,
		},
		"$push": bson.M{"refreshTokenHashes": digest},
	})
}

// RotateRefreshToken swaps oldDigest for newDigest only if oldDigest is
// still present, so a replayed refresh token loses the race.
func (r *MongoUserRepository) RotateRefreshToken(ctx context.Context, id, oldDigest, newDigest string) error {
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"refreshTokenHashes": bson.M{"$concatArrays": bson.A{
				bson.M{"$filter": bson.M{
					"input": bson.M{"$ifNull": bson.A{"$refreshTokenHashes", bson.A{}}},
					"cond":  bson.M{"$ne": bson.A{"$$this", oldDigest}},
				}},
				bson.A{newDigest},
			}},
			"updatedAt": r.clock.Now(),
		}}},
	}
	return r.updateOne(ctx, bson.M{"_id": id, "refreshTokenHashes": oldDigest}, pipeline)
}

func (r *MongoUserRepository) RemoveRefreshToken(ctx context.Context, id, digest string) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{
		"$pull": bson.M{"refreshTokenHashes": digest},
		"$set":  bson.M{"updatedAt": r.clock.Now()},
	})
}

func (r *MongoUserRepository) SetPasswordReset(ctx context.Context, id, digest string, expiresAt time.Time) error {
	return r.updateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{
			"passwordResetTokenHash": digest,
			"passwordResetExpiresAt": expiresAt,
			"updatedAt":              r.clock.Now(),
		},
	})
}

func (r *MongoUserRepository) ClearPasswordReset(ctx context.Context, id, digest string) error {
	err := r.updateOne(ctx, bson.M{"_id": id, "passwordResetTokenHash": digest}, bson.M{
		"$set": bson.M{
			"passwordResetTokenHash": nil,
			"passwordResetExpiresAt": nil,
			"updatedAt":              r.clock.Now(),
		},
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

func (r *MongoUserRepository) ConsumePasswordReset(ctx context.Context, id, digest string, now time.Time, passwordHash string) error {
	filter := bson.M{
		"_id":                    id,
		"passwordResetTokenHash": digest,
		"passwordResetExpiresAt": bson.M{"$gt": now},
	}
	return r.updateOne(ctx, filter, bson.M{
		"$set": bson.M{
			"passwordHash":           passwordHash,
			"passwordResetTokenHash": nil,
			"passwordResetExpiresAt": nil,
			"refreshTokenHashes":     bson.A{},
			"updatedAt":              now,
		},
	})
}

func (r *MongoUserRepository) findOne(ctx context.Context, filter any) (types.User, error) {
	var doc userDocument
	if err := r.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return doc.toUser(), nil
}

func (r *MongoUserRepository) findOneAndUpdate(ctx context.Context, filter, update any) (types.User, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var doc userDocument
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return types.User{}, ErrNotFound
		}
		return types.User{}, err
	}
	return doc.toUser(), nil
}

func (r *MongoUserRepository) updateOne(ctx context.Context, filter, update any) error {
	result, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
