package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/google/uuid"
	backend "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the gateway writes.
const DefaultPrefix = "draftkeeper:session:"

const maxTxRetries = 3

// Gateway implements ports.Gateway using Redis.
//
// Layout under the prefix:
//
//	<id>               JSON record
//	db:<dbID>          session ID alias
//	user:<uid>         ZSET of all the user's sessions by creation time
//	user:<uid>:active  ZSET of the user's active sessions by creation time
//	active             ZSET of active sessions by last update time
type Gateway struct {
	client *backend.Client
	prefix string
}

type Option func(*Gateway)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(g *Gateway) {
		g.prefix = prefix
	}
}

// New creates a Redis gateway with its own client.
func New(address, password string, db int, opts ...Option) *Gateway {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a Redis gateway from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Gateway {
	g := &Gateway{
		client: client,
		prefix: DefaultPrefix,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Client exposes the underlying client, e.g. to build a Locker on the same connection.
func (g *Gateway) Client() *backend.Client { return g.client }

func (g *Gateway) key(sessionID string) string     { return g.prefix + sessionID }
func (g *Gateway) dbKey(dbID string) string        { return g.prefix + "db:" + dbID }
func (g *Gateway) userKey(userID string) string    { return g.prefix + "user:" + userID }
func (g *Gateway) activeKey() string               { return g.prefix + "active" }
func (g *Gateway) userActiveKey(uid string) string { return g.prefix + "user:" + uid + ":active" }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// index keeps the secondary ZSETs in line with rec.
func (g *Gateway) index(ctx context.Context, pipe backend.Pipeliner, rec domain.Record) {
	pipe.ZAdd(ctx, g.userKey(rec.UserID), backend.Z{Score: score(rec.CreatedAt), Member: rec.SessionID})
	if rec.Status == domain.StatusActive {
		pipe.ZAdd(ctx, g.userActiveKey(rec.UserID), backend.Z{Score: score(rec.CreatedAt), Member: rec.SessionID})
		pipe.ZAdd(ctx, g.activeKey(), backend.Z{Score: score(rec.LastUpdatedAt), Member: rec.SessionID})
		return
	}
	pipe.ZRem(ctx, g.userActiveKey(rec.UserID), rec.SessionID)
	pipe.ZRem(ctx, g.activeKey(), rec.SessionID)
}

func decode(raw string) (domain.Record, error) {
	var rec domain.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.Record{}, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return rec, nil
}

// Insert stores a new record. The record, its alias and its index entries are
// written in one MULTI guarded by a WATCH on the session key, so a failed
// insert leaves nothing behind and an existing key rejects the duplicate.
func (g *Gateway) Insert(ctx context.Context, rec domain.Record) (string, error) {
	rec.DatabaseID = uuid.NewString()
	rec.Version = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	key := g.key(rec.SessionID)

	txf := func(tx *backend.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ErrDuplicateSession
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.Set(ctx, g.dbKey(rec.DatabaseID), rec.SessionID, 0)
			g.index(ctx, pipe, rec)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := g.client.Watch(ctx, txf, key)
		if err == nil {
			return rec.DatabaseID, nil
		}
		if errors.Is(err, domain.ErrDuplicateSession) {
			return "", err
		}
		if !errors.Is(err, backend.TxFailedErr) {
			return "", fmt.Errorf("failed to insert into redis: %w", err)
		}
	}
	return "", fmt.Errorf("insert: %w", backend.TxFailedErr)
}

// GetBySessionID retrieves a record by session ID.
func (g *Gateway) GetBySessionID(ctx context.Context, sessionID string) (domain.Record, error) {
	val, err := g.client.Get(ctx, g.key(sessionID)).Result()
	if err != nil {
		if err == backend.Nil {
			return domain.Record{}, domain.NewNotFoundError(sessionID)
		}
		return domain.Record{}, fmt.Errorf("failed to get from redis: %w", err)
	}
	return decode(val)
}

// GetByID resolves the database ID alias and loads the record.
func (g *Gateway) GetByID(ctx context.Context, databaseID string) (domain.Record, error) {
	sessionID, err := g.client.Get(ctx, g.dbKey(databaseID)).Result()
	if err != nil {
		if err == backend.Nil {
			return domain.Record{}, domain.ErrSessionNotFound
		}
		return domain.Record{}, fmt.Errorf("failed to resolve database id: %w", err)
	}
	return g.GetBySessionID(ctx, sessionID)
}

// GetBySessionIDs loads many records with a single MGET.
func (g *Gateway) GetBySessionIDs(ctx context.Context, sessionIDs []string) (map[string]domain.Record, error) {
	out := make(map[string]domain.Record, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	recs, err := g.mget(ctx, g.client, sessionIDs)
	if err != nil {
		return nil, err
	}
	for _, rec := range recs {
		out[rec.SessionID] = rec
	}
	return out, nil
}

type multiGetter interface {
	MGet(ctx context.Context, keys ...string) *backend.SliceCmd
}

func (g *Gateway) mget(ctx context.Context, c multiGetter, sessionIDs []string) ([]domain.Record, error) {
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = g.key(id)
	}
	vals, err := c.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to mget from redis: %w", err)
	}
	recs := make([]domain.Record, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decode(s)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Update writes rec inside a WATCH transaction guarded by the stored version.
// A transaction aborted by a concurrent writer is reported as a conflict.
func (g *Gateway) Update(ctx context.Context, databaseID string, rec domain.Record) error {
	sessionID, err := g.client.Get(ctx, g.dbKey(databaseID)).Result()
	if err != nil {
		if err == backend.Nil {
			return domain.NewNotFoundError(rec.SessionID)
		}
		return fmt.Errorf("failed to resolve database id: %w", err)
	}
	key := g.key(sessionID)

	err = g.client.Watch(ctx, func(tx *backend.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if err == backend.Nil {
			return domain.NewNotFoundError(sessionID)
		}
		if err != nil {
			return err
		}
		current, err := decode(val)
		if err != nil {
			return err
		}
		if current.Version != rec.Version {
			return &domain.ConcurrentModificationError{SessionID: sessionID, Expected: rec.Version, Actual: current.Version}
		}

		next := rec
		next.DatabaseID = databaseID
		next.SessionID = sessionID
		next.Version = rec.Version + 1
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if current.UserID != next.UserID {
				pipe.ZRem(ctx, g.userKey(current.UserID), sessionID)
				pipe.ZRem(ctx, g.userActiveKey(current.UserID), sessionID)
			}
			g.index(ctx, pipe, next)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, backend.TxFailedErr) {
		return &domain.ConcurrentModificationError{SessionID: sessionID, Expected: rec.Version, Actual: -1}
	}
	return err
}

// Delete removes the record, its alias and its index entries.
func (g *Gateway) Delete(ctx context.Context, databaseID string) error {
	rec, err := g.GetByID(ctx, databaseID)
	if err != nil {
		return err
	}

	pipe := g.client.TxPipeline()
	pipe.Del(ctx, g.key(rec.SessionID), g.dbKey(databaseID))
	pipe.ZRem(ctx, g.userKey(rec.UserID), rec.SessionID)
	pipe.ZRem(ctx, g.userActiveKey(rec.UserID), rec.SessionID)
	pipe.ZRem(ctx, g.activeKey(), rec.SessionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// GetExpired queries the active index by last update time.
func (g *Gateway) GetExpired(ctx context.Context, olderThan time.Time) ([]domain.Record, error) {
	ids, err := g.client.ZRangeByScore(ctx, g.activeKey(), &backend.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query expired sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	recs, err := g.mget(ctx, g.client, ids)
	if err != nil {
		return nil, err
	}
	out := recs[:0]
	for _, rec := range recs {
		if rec.Status == domain.StatusActive && rec.LastUpdatedAt.Before(olderThan) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// BatchAbandon abandons every still-idle active session in one WATCH/MULTI
// transaction, retrying when another writer touches one of the keys.
func (g *Gateway) BatchAbandon(ctx context.Context, sessionIDs []string, olderThan, at time.Time, reason string) (int, error) {
	if len(sessionIDs) == 0 {
		return 0, nil
	}
	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = g.key(id)
	}

	var changed int
	txf := func(tx *backend.Tx) error {
		changed = 0
		recs, err := g.mget(ctx, tx, sessionIDs)
		if err != nil {
			return err
		}
		var updates []domain.Record
		for _, rec := range recs {
			if ports.AbandonRecord(&rec, olderThan, at, reason) {
				updates = append(updates, rec)
			}
		}
		if len(updates) == 0 {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			for _, rec := range updates {
				data, err := json.Marshal(rec)
				if err != nil {
					return fmt.Errorf("failed to marshal record: %w", err)
				}
				pipe.Set(ctx, g.key(rec.SessionID), data, 0)
				g.index(ctx, pipe, rec)
			}
			return nil
		})
		if err == nil {
			changed = len(updates)
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := g.client.Watch(ctx, txf, keys...)
		if err == nil {
			return changed, nil
		}
		if !errors.Is(err, backend.TxFailedErr) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("batch abandon: %w", backend.TxFailedErr)
}

// CountActiveForUser is the cardinality of the user's active index.
func (g *Gateway) CountActiveForUser(ctx context.Context, userID string) (int, error) {
	n, err := g.client.ZCard(ctx, g.userActiveKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return int(n), nil
}

// GetOldestActiveForUser reads the lowest-scored member of the user's active index.
func (g *Gateway) GetOldestActiveForUser(ctx context.Context, userID string) (domain.Record, error) {
	ids, err := g.client.ZRange(ctx, g.userActiveKey(userID), 0, 0).Result()
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to query oldest session: %w", err)
	}
	if len(ids) == 0 {
		return domain.Record{}, domain.ErrSessionNotFound
	}
	return g.GetBySessionID(ctx, ids[0])
}

// ListForUser returns the user's sessions in creation order.
func (g *Gateway) ListForUser(ctx context.Context, userID string) ([]domain.Record, error) {
	ids, err := g.client.ZRange(ctx, g.userKey(userID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	return g.mget(ctx, g.client, ids)
}

// Close closes the redis client.
func (g *Gateway) Close() error {
	return g.client.Close()
}

var _ ports.Gateway = (*Gateway)(nil)
