package user

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	iam "github.com/chimerakang/iam-pipeline"
)

// MongoBackend stores accounts in a MongoDB collection keyed by subject with
// a unique index on email.
type MongoBackend struct {
	coll *mongo.Collection
}

var _ Backend = (*MongoBackend)(nil)

// NewMongoBackend wraps coll.
func NewMongoBackend(coll *mongo.Collection) *MongoBackend {
	return &MongoBackend{coll: coll}
}

// Connect dials uri and returns a backend over database.collection.
func Connect(ctx context.Context, uri, database, collection string) (*MongoBackend, *mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetConnectTimeout(10*time.Second))
	if err != nil {
		return nil, nil, fmt.Errorf("iam/user: connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("iam/user: ping mongo: %w", err)
	}
	return NewMongoBackend(client.Database(database).Collection(collection)), client, nil
}

// EnsureIndexes creates the unique email index.
func (m *MongoBackend) EnsureIndexes(ctx context.Context) error {
	_, err := m.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetName("email_1").SetUnique(true),
	})
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("iam/user: create email index: %w", err)
	}
	return nil
}

type userDoc struct {
	Subject          string            `bson:"_id"`
	Email            string            `bson:"email"`
	EmailVerified    bool              `bson:"email_verified"`
	GivenName        string            `bson:"given_name,omitempty"`
	Attributes       map[string]string `bson:"attributes,omitempty"`
	PasswordHash     []byte            `bson:"password_hash"`
	ConfirmationCode string            `bson:"confirmation_code,omitempty"`
	CodeExpiresAt    time.Time         `bson:"code_expires_at,omitempty"`
	CreatedAt        time.Time         `bson:"created_at"`
}

func toDoc(rec *Record) userDoc {
	return userDoc{
		Subject:          rec.Account.Subject,
		Email:            rec.Account.Email,
		EmailVerified:    rec.Account.EmailVerified,
		GivenName:        rec.Account.GivenName,
		Attributes:       rec.Account.Attributes,
		PasswordHash:     rec.PasswordHash,
		ConfirmationCode: rec.ConfirmationCode,
		CodeExpiresAt:    rec.CodeExpiresAt,
		CreatedAt:        rec.Account.CreatedAt,
	}
}

func (d userDoc) record() *Record {
	return &Record{
		Account: iam.Account{
			Subject:       d.Subject,
			Email:         d.Email,
			EmailVerified: d.EmailVerified,
			GivenName:     d.GivenName,
			Attributes:    d.Attributes,
			CreatedAt:     d.CreatedAt,
		},
		PasswordHash:     d.PasswordHash,
		ConfirmationCode: d.ConfirmationCode,
		CodeExpiresAt:    d.CodeExpiresAt,
	}
}

func (m *MongoBackend) Create(ctx context.Context, rec *Record) error {
	if _, err := m.coll.InsertOne(ctx, toDoc(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrExists
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (m *MongoBackend) GetByEmail(ctx context.Context, email string) (*Record, error) {
	return m.findOne(ctx, bson.M{"email": email})
}

func (m *MongoBackend) GetBySubject(ctx context.Context, subject string) (*Record, error) {
	return m.findOne(ctx, bson.M{"_id": subject})
}

func (m *MongoBackend) Update(ctx context.Context, rec *Record) error {
	res, err := m.coll.ReplaceOne(ctx, bson.M{"_id": rec.Account.Subject}, toDoc(rec))
	if err != nil {
		return fmt.Errorf("replace account: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *MongoBackend) findOne(ctx context.Context, filter bson.M) (*Record, error) {
	var doc userDoc
	if err := m.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return doc.record(), nil
}
