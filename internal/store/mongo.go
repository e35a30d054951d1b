package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/ahmetcoskunkizilkaya/otpgate/internal/models"
	"github.com/ahmetcoskunkizilkaya/otpgate/internal/roles"
)

const systemLogsCollection = "system_logs"

// accountDoc is the document shape of an account. Optional fields use
// omitempty so that cleared values are absent rather than null.
type accountDoc struct {
	ID             string            `bson:"_id"`
	Email          string            `bson:"email"`
	PasswordHash   string            `bson:"password"`
	IsVerified     bool              `bson:"isVerified"`
	OTPCode        *string           `bson:"otp,omitempty"`
	OTPExpiresAt   *time.Time        `bson:"otpExpires,omitempty"`
	OTPPurpose     string            `bson:"otpPurpose,omitempty"`
	ResetExpiresAt *time.Time        `bson:"resetExpires,omitempty"`
	RefreshToken   *string           `bson:"refreshToken,omitempty"`
	AvatarURL      string            `bson:"avatar"`
	AvatarRef      string            `bson:"avatarPublicId,omitempty"`
	UniqueKey      *string           `bson:"uniqueKey,omitempty"`
	Profile        map[string]string `bson:"profile,omitempty"`
	CreatedAt      time.Time         `bson:"createdAt"`
	UpdatedAt      time.Time         `bson:"updatedAt"`
}

func toDoc(a *models.Account) accountDoc {
	return accountDoc{
		ID:             a.ID,
		Email:          a.Email,
		PasswordHash:   a.PasswordHash,
		IsVerified:     a.IsVerified,
		OTPCode:        a.OTPCode,
		OTPExpiresAt:   a.OTPExpiresAt,
		OTPPurpose:     a.OTPPurpose,
		ResetExpiresAt: a.ResetExpiresAt,
		RefreshToken:   a.RefreshToken,
		AvatarURL:      a.AvatarURL,
		AvatarRef:      a.AvatarRef,
		UniqueKey:      a.UniqueKey,
		Profile:        a.Profile,
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
	}
}

func (d *accountDoc) toAccount(role string) *models.Account {
	a := &models.Account{
		ID:             d.ID,
		Role:           role,
		Email:          d.Email,
		PasswordHash:   d.PasswordHash,
		IsVerified:     d.IsVerified,
		OTPCode:        d.OTPCode,
		OTPExpiresAt:   d.OTPExpiresAt,
		OTPPurpose:     d.OTPPurpose,
		ResetExpiresAt: d.ResetExpiresAt,
		RefreshToken:   d.RefreshToken,
		AvatarURL:      d.AvatarURL,
		AvatarRef:      d.AvatarRef,
		UniqueKey:      d.UniqueKey,
		Profile:        d.Profile,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
	if a.OTPExpiresAt != nil {
		t := a.OTPExpiresAt.UTC()
		a.OTPExpiresAt = &t
	}
	if a.ResetExpiresAt != nil {
		t := a.ResetExpiresAt.UTC()
		a.ResetExpiresAt = &t
	}
	return a
}

// MongoStore keeps one collection per role in a MongoDB database.
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	registry *roles.Registry
	now      func() time.Time
}

func NewMongoStore(client *mongo.Client, database string, registry *roles.Registry) *MongoStore {
	return &MongoStore{
		client:   client,
		db:       client.Database(database),
		registry: registry,
		now:      time.Now,
	}
}

func (s *MongoStore) collectionFor(role string) *mongo.Collection {
	name := role
	if d := s.registry.Get(role); d != nil {
		name = d.Collection
	}
	return s.db.Collection(name)
}

func (s *MongoStore) Accounts(role string) Accounts {
	return &mongoAccounts{store: s, role: role, coll: s.collectionFor(role)}
}

// EnsureSchema creates the unique indexes: email per collection, plus the
// role's unique key where it has one.
func (s *MongoStore) EnsureSchema(ctx context.Context, descriptors []*roles.Descriptor) error {
	for _, d := range descriptors {
		indexes := []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "email", Value: 1}},
				Options: options.Index().SetUnique(true).SetName("uniq_email"),
			},
		}
		if d.UniqueKey != "" {
			indexes = append(indexes, mongo.IndexModel{
				Keys: bson.D{{Key: "uniqueKey", Value: 1}},
				Options: options.Index().
					SetUnique(true).
					SetName("uniq_unique_key").
					SetPartialFilterExpression(bson.D{{Key: "uniqueKey", Value: bson.D{{Key: "$exists", Value: true}}}}),
			})
		}
		if _, err := s.db.Collection(d.Collection).Indexes().CreateMany(ctx, indexes); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", d.Collection, err)
		}
	}

	_, err := s.db.Collection(systemLogsCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "timestamp", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create log index: %w", err)
	}
	return nil
}

func (s *MongoStore) WriteLogs(ctx context.Context, logs []models.SystemLog) error {
	if len(logs) == 0 {
		return nil
	}
	docs := make([]any, len(logs))
	for i := range logs {
		docs[i] = logs[i]
	}
	_, err := s.db.Collection(systemLogsCollection).InsertMany(ctx, docs)
	return err
}

func (s *MongoStore) PurgeLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.Collection(systemLogsCollection).DeleteMany(ctx, bson.D{
		{Key: "timestamp", Value: bson.D{{Key: "$lt", Value: before}}},
	})
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

type mongoAccounts struct {
	store *MongoStore
	role  string
	coll  *mongo.Collection
}

func (m *mongoAccounts) findOne(ctx context.Context, filter bson.D) (*models.Account, error) {
	var doc accountDoc
	if err := m.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return doc.toAccount(m.role), nil
}

func (m *mongoAccounts) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	return m.findOne(ctx, bson.D{{Key: "email", Value: models.NormalizeEmail(email)}})
}

func (m *mongoAccounts) FindByID(ctx context.Context, id string) (*models.Account, error) {
	return m.findOne(ctx, bson.D{{Key: "_id", Value: id}})
}

func (m *mongoAccounts) FindByUniqueKey(ctx context.Context, key string) (*models.Account, error) {
	return m.findOne(ctx, bson.D{{Key: "uniqueKey", Value: key}})
}

func (m *mongoAccounts) Create(ctx context.Context, a *models.Account) error {
	if err := prepareCreate(a, m.store.now()); err != nil {
		return err
	}
	if _, err := m.coll.InsertOne(ctx, toDoc(a)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert account: %w", err)
	}
	return nil
}

func (m *mongoAccounts) Save(ctx context.Context, a *models.Account, opts SaveOptions) error {
	if err := prepareSave(a, opts, m.store.now()); err != nil {
		return err
	}
	res, err := m.coll.ReplaceOne(ctx, bson.D{{Key: "_id", Value: a.ID}}, toDoc(a))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to save account: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (m *mongoAccounts) UpdateFields(ctx context.Context, id string, p Patch) (*models.Account, error) {
	set := bson.D{{Key: "updatedAt", Value: m.store.now()}}
	for k, v := range p.Profile {
		set = append(set, bson.E{Key: "profile." + k, Value: v})
	}
	if p.AvatarURL != nil {
		set = append(set, bson.E{Key: "avatar", Value: *p.AvatarURL})
	}
	if p.AvatarRef != nil {
		set = append(set, bson.E{Key: "avatarPublicId", Value: *p.AvatarRef})
	}
	if p.IsVerified != nil {
		set = append(set, bson.E{Key: "isVerified", Value: *p.IsVerified})
	}

	update := bson.D{{Key: "$set", Value: set}}
	if p.ClearRefreshToken {
		update = append(update, bson.E{Key: "$unset", Value: bson.D{{Key: "refreshToken", Value: ""}}})
	}

	var doc accountDoc
	err := m.coll.FindOneAndUpdate(ctx, bson.D{{Key: "_id", Value: id}}, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update account: %w", err)
	}
	return doc.toAccount(m.role), nil
}
