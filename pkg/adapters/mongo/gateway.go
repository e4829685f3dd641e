// Package mongo implements the session gateway on MongoDB, one document per session.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	DefaultDatabase   = "draftkeeper"
	DefaultCollection = "drafting_sessions"
	defaultOpTimeout  = 5 * time.Second
)

// Options configures the Mongo gateway.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

// Gateway implements ports.Gateway on a MongoDB collection.
type Gateway struct {
	client  *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns a Gateway and makes sure the collection indexes exist.
func New(opts Options) (*Gateway, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	database := opts.Database
	if database == "" {
		database = DefaultDatabase
	}
	collection := opts.Collection
	if collection == "" {
		collection = DefaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	g := &Gateway{
		client:  opts.Client,
		coll:    opts.Client.Database(database).Collection(collection),
		timeout: timeout,
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := ensureIndexes(ctx, g.coll); err != nil {
		return nil, err
	}
	return g, nil
}

// Connect dials uri and returns a Gateway owning the client.
func Connect(ctx context.Context, uri string, opts Options) (*Gateway, error) {
	client, err := mongodriver.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	opts.Client = client
	g, err := New(opts)
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return g, nil
}

func ensureIndexes(ctx context.Context, coll *mongodriver.Collection) error {
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "status", Value: 1}, {Key: "created_at", Value: 1}},
		},
		{
			Keys: bson.D{{Key: "status", Value: 1}, {Key: "last_updated_at", Value: 1}},
		},
	})
	return err
}

// Ping checks connectivity to the primary.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.client.Ping(ctx, readpref.Primary())
}

// Close disconnects the client.
func (g *Gateway) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
	defer cancel()
	return g.client.Disconnect(ctx)
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, g.timeout)
}

// Insert stores a new document with version 0.
func (g *Gateway) Insert(ctx context.Context, rec domain.Record) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	doc := fromRecord(rec)
	doc.ID = primitive.NewObjectID()
	doc.Version = 0
	if _, err := g.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return "", domain.ErrDuplicateSession
		}
		return "", err
	}
	return doc.ID.Hex(), nil
}

func (g *Gateway) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (domain.Record, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	var doc sessionDocument
	if err := g.coll.FindOne(ctx, filter, opts...).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return domain.Record{}, domain.ErrSessionNotFound
		}
		return domain.Record{}, err
	}
	return doc.toRecord(), nil
}

func (g *Gateway) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]domain.Record, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	cur, err := g.coll.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []domain.Record
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toRecord())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// GetByID retrieves a record by its hex ObjectID.
func (g *Gateway) GetByID(ctx context.Context, databaseID string) (domain.Record, error) {
	oid, err := primitive.ObjectIDFromHex(databaseID)
	if err != nil {
		return domain.Record{}, domain.ErrSessionNotFound
	}
	return g.findOne(ctx, bson.M{"_id": oid})
}

// GetBySessionID retrieves a record by session ID.
func (g *Gateway) GetBySessionID(ctx context.Context, sessionID string) (domain.Record, error) {
	rec, err := g.findOne(ctx, bson.M{"session_id": sessionID})
	if errors.Is(err, domain.ErrSessionNotFound) {
		return domain.Record{}, domain.NewNotFoundError(sessionID)
	}
	return rec, err
}

// GetBySessionIDs runs one $in query.
func (g *Gateway) GetBySessionIDs(ctx context.Context, sessionIDs []string) (map[string]domain.Record, error) {
	out := make(map[string]domain.Record, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	recs, err := g.find(ctx, bson.M{"session_id": bson.M{"$in": sessionIDs}})
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.SessionID] = rec
	}
	return out, nil
}

// Update replaces the document matching both the ID and the expected version.
func (g *Gateway) Update(ctx context.Context, databaseID string, rec domain.Record) error {
	oid, err := primitive.ObjectIDFromHex(databaseID)
	if err != nil {
		return domain.NewNotFoundError(rec.SessionID)
	}

	doc := fromRecord(rec)
	doc.ID = oid
	doc.Version = rec.Version + 1

	opCtx, cancel := g.withTimeout(ctx)
	defer cancel()
	res, err := g.coll.ReplaceOne(opCtx, bson.M{"_id": oid, "version": rec.Version}, doc)
	if err != nil {
		return err
	}
	if res.MatchedCount == 1 {
		return nil
	}

	current, err := g.GetByID(ctx, databaseID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			return domain.NewNotFoundError(rec.SessionID)
		}
		return err
	}
	return &domain.ConcurrentModificationError{SessionID: current.SessionID, Expected: rec.Version, Actual: current.Version}
}

// Delete removes the document.
func (g *Gateway) Delete(ctx context.Context, databaseID string) error {
	oid, err := primitive.ObjectIDFromHex(databaseID)
	if err != nil {
		return domain.ErrSessionNotFound
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	res, err := g.coll.DeleteOne(ctx, bson.M{"_id": oid})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return domain.ErrSessionNotFound
	}
	return nil
}

// GetExpired uses the (status, last_updated_at) index.
func (g *Gateway) GetExpired(ctx context.Context, olderThan time.Time) ([]domain.Record, error) {
	return g.find(ctx,
		bson.M{"status": domain.StatusActive, "last_updated_at": bson.M{"$lt": olderThan.UTC()}},
		options.Find().SetSort(bson.D{{Key: "last_updated_at", Value: 1}}),
	)
}

// BatchAbandon is a single UpdateMany restricted to active documents still idle
// at olderThan, so repeating it changes nothing.
func (g *Gateway) BatchAbandon(ctx context.Context, sessionIDs []string, olderThan, at time.Time, reason string) (int, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()

	at = at.UTC()
	filter := bson.M{
		"session_id":      bson.M{"$in": sessionIDs},
		"status":          domain.StatusActive,
		"last_updated_at": bson.M{"$lt": olderThan.UTC()},
	}
	update := bson.M{
		"$set": bson.M{
			"status":          domain.StatusAbandoned,
			"last_updated_at": at,
		},
		"$unset": bson.M{"paused_from_state": ""},
		"$push": bson.M{"state_history": domain.StateTransition{
			FromState: domain.StatusActive,
			ToState:   domain.StatusAbandoned,
			Reason:    reason,
			Timestamp: at,
		}},
		"$inc": bson.M{"version": 1},
	}
	res, err := g.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return int(res.ModifiedCount), nil
}

// CountActiveForUser counts with the (user_id, status, created_at) index.
func (g *Gateway) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	n, err := g.coll.CountDocuments(ctx, bson.M{"user_id": userID, "status": domain.StatusActive})
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// GetOldestActiveForUser returns the first active document by creation time.
func (g *Gateway) GetOldestActiveForUser(ctx context.Context, userID string) (domain.Record, error) {
	return g.findOne(ctx,
		bson.M{"user_id": userID, "status": domain.StatusActive},
		options.FindOne().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

// ListForUser returns all the user's documents by creation time.
func (g *Gateway) ListForUser(ctx context.Context, userID string) ([]domain.Record, error) {
	return g.find(ctx,
		bson.M{"user_id": userID},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}}),
	)
}

var _ ports.Gateway = (*Gateway)(nil)
