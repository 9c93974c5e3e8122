package repository

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/okian/coinledger/internal/domain/account"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mopts "go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names.
const (
	colUsers = "users"
	colTasks = "tasks"
)

// MongoStore keeps accounts in the users collection and reads tasks from the
// tasks collection. Update is a compare-and-swap on the version field.
type MongoStore struct {
	client *mongo.Client
	users  *mongo.Collection
	tasks  *mongo.Collection
}

var (
	_ Store   = (*MongoStore)(nil)
	_ Catalog = (*MongoStore)(nil)
)

// OpenMongo connects to uri, verifies the connection and prepares indexes.
func OpenMongo(ctx context.Context, uri string, opts ...Option) (*MongoStore, error) {
	o := applyOptions(opts)
	client, err := mongo.Connect(mopts.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: ping: %w", err)
	}

	db := client.Database(o.database)
	s := &MongoStore{
		client: client,
		users:  db.Collection(colUsers),
		tasks:  db.Collection(colTasks),
	}

	if _, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "active_feature.expires_at", Value: 1}},
	}); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("mongo: create index: %w", err)
	}

	for id, points := range o.seedTasks {
		_, err := s.tasks.UpdateOne(ctx,
			bson.M{"_id": id},
			bson.M{"$setOnInsert": bson.M{"point": points}},
			mopts.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			_ = client.Disconnect(ctx)
			return nil, fmt.Errorf("mongo: seed task %s: %w", id, err)
		}
	}
	return s, nil
}

type referralDoc struct {
	BonusAwarded int64     `bson:"bonus_awarded"`
	SnapshotName string    `bson:"snapshot_name"`
	ReferredAt   time.Time `bson:"referred_at"`
}

type dailyDoc struct {
	LastClaimedAt *time.Time `bson:"last_claimed_at,omitempty"`
	StreakDay     int        `bson:"streak_day"`
}

type featureDoc struct {
	Name        string    `bson:"name"`
	Cost        int64     `bson:"cost"`
	ActivatedAt time.Time `bson:"activated_at"`
	ExpiresAt   time.Time `bson:"expires_at"`
}

type userDoc struct {
	ID             string                 `bson:"_id"`
	DisplayName    string                 `bson:"display_name"`
	Handle         string                 `bson:"handle"`
	LanguageCode   string                 `bson:"language_code"`
	Privileged     bool                   `bson:"privileged"`
	Balance        int64                  `bson:"balance"`
	ReferredBy     string                 `bson:"referred_by,omitempty"`
	Referrals      map[string]referralDoc `bson:"referrals"`
	CompletedTasks []string               `bson:"completed_tasks"`
	Daily          dailyDoc               `bson:"daily"`
	ActiveFeature  *featureDoc            `bson:"active_feature,omitempty"`
	CreatedAt      time.Time              `bson:"created_at"`
	UpdatedAt      time.Time              `bson:"updated_at"`
	Version        int64                  `bson:"version"`
}

func toUserDoc(a *account.Account) userDoc {
	d := userDoc{
		ID:             a.ID,
		DisplayName:    a.DisplayName,
		Handle:         a.Handle,
		LanguageCode:   a.LanguageCode,
		Privileged:     a.Privileged,
		Balance:        a.Balance,
		ReferredBy:     a.ReferredBy,
		Referrals:      make(map[string]referralDoc, len(a.Referrals)),
		CompletedTasks: a.CompletedTasks.List(),
		Daily:          dailyDoc{LastClaimedAt: a.Daily.LastClaimedAt, StreakDay: a.Daily.StreakDay},
		CreatedAt:      a.CreatedAt,
		UpdatedAt:      a.UpdatedAt,
		Version:        a.Version,
	}
	for id, e := range a.Referrals {
		d.Referrals[id] = referralDoc(e)
	}
	if f := a.ActiveFeature; f != nil {
		d.ActiveFeature = &featureDoc{Name: f.Name, Cost: f.Cost, ActivatedAt: f.ActivatedAt, ExpiresAt: f.ExpiresAt}
	}
	return d
}

func (d userDoc) toAccount() *account.Account {
	a := &account.Account{
		ID:             d.ID,
		DisplayName:    d.DisplayName,
		Handle:         d.Handle,
		LanguageCode:   d.LanguageCode,
		Privileged:     d.Privileged,
		Balance:        d.Balance,
		ReferredBy:     d.ReferredBy,
		Referrals:      make(map[string]account.ReferralEntry, len(d.Referrals)),
		CompletedTasks: account.NewTaskSet(d.CompletedTasks...),
		Daily:          account.DailyClaim{LastClaimedAt: d.Daily.LastClaimedAt, StreakDay: d.Daily.StreakDay},
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		Version:        d.Version,
	}
	for id, e := range d.Referrals {
		a.Referrals[id] = account.ReferralEntry(e)
	}
	if f := d.ActiveFeature; f != nil {
		a.ActiveFeature = &account.ActiveFeature{Name: f.Name, Cost: f.Cost, ActivatedAt: f.ActivatedAt, ExpiresAt: f.ExpiresAt}
	}
	return a
}

func (s *MongoStore) Get(ctx context.Context, id string) (*account.Account, error) {
	var doc userDoc
	if err := s.users.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("mongo: get user %s: %w", id, err)
	}
	return doc.toAccount(), nil
}

func (s *MongoStore) Create(ctx context.Context, a *account.Account) (*account.Account, error) {
	rec := a.Clone()
	rec.Normalize()
	rec.Version = 1
	if _, err := s.users.InsertOne(ctx, toUserDoc(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("mongo: create user %s: %w", rec.ID, err)
	}
	return rec, nil
}

func (s *MongoStore) Update(ctx context.Context, id string, fn UpdateFunc) (*account.Account, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	version := a.Version
	if err := fn(a); err != nil {
		return nil, err
	}
	a.ID = id
	a.Version = version + 1

	res, err := s.users.ReplaceOne(ctx, bson.M{"_id": id, "version": version}, toUserDoc(a))
	if err != nil {
		return nil, fmt.Errorf("mongo: update user %s: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return nil, ErrConflict
	}
	return a, nil
}

func (s *MongoStore) ExpiredFeatures(ctx context.Context, now time.Time) ([]string, error) {
	cursor, err := s.users.Find(ctx,
		bson.M{"active_feature.expires_at": bson.M{"$lte": now}},
		mopts.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongo: find expired features: %w", err)
	}
	var rows []struct {
		ID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("mongo: decode expired features: %w", err)
	}
	ids := make([]string, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

func (s *MongoStore) Count(ctx context.Context) (int, error) {
	n, err := s.users.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("mongo: count users: %w", err)
	}
	return int(n), nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Task implements Catalog. The point field is curated by hand, so any
// non-integral or negative value is reported as ErrInvalidTask.
func (s *MongoStore) Task(ctx context.Context, id string) (account.Task, error) {
	var doc struct {
		Point interface{} `bson:"point"`
	}
	if err := s.tasks.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return account.Task{}, ErrNotFound
		}
		return account.Task{}, fmt.Errorf("mongo: get task %s: %w", id, err)
	}
	points, ok := pointValue(doc.Point)
	if !ok || points < 0 {
		return account.Task{}, ErrInvalidTask
	}
	return account.Task{ID: id, Points: points}, nil
}

func pointValue(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return 0, false
		}
		return int64(n), true
	default:
		return 0, false
	}
}
