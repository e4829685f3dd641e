package redis_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/adapters/redis"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisGateway_Contract(t *testing.T) {
	ports.RunGatewayContract(t, func(t *testing.T) ports.Gateway {
		_, client := newMiniredis(t)
		return redis.NewFromClient(client)
	})
}

func TestRedisGateway_KeyLayout(t *testing.T) {
	mr, client := newMiniredis(t)
	gw := redis.NewFromClient(client, redis.WithPrefix("dk:"))
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	dbID, err := gw.Insert(ctx, domain.Record{
		SessionID: "s-1", UserID: "u-1", Status: domain.StatusActive,
		CreatedAt: created, LastUpdatedAt: created,
	})
	require.NoError(t, err)

	assert.True(t, mr.Exists("dk:s-1"))
	assert.True(t, mr.Exists("dk:db:"+dbID))
	members, err := mr.ZMembers("dk:user:u-1:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, members)
	members, err = mr.ZMembers("dk:active")
	require.NoError(t, err)
	assert.Equal(t, []string{"s-1"}, members)
}

func TestRedisGateway_StatusChangeMaintainsIndexes(t *testing.T) {
	mr, client := newMiniredis(t)
	gw := redis.NewFromClient(client, redis.WithPrefix("dk:"))
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	rec := domain.Record{SessionID: "s-1", UserID: "u-1", Status: domain.StatusActive, CreatedAt: created, LastUpdatedAt: created}
	dbID, err := gw.Insert(ctx, rec)
	require.NoError(t, err)

	rec.DatabaseID = dbID
	rec.Status = domain.StatusPaused
	require.NoError(t, gw.Update(ctx, dbID, rec))

	n, err := gw.CountActiveForUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.False(t, mr.Exists("dk:active"))

	all, err := gw.ListForUser(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, domain.StatusPaused, all[0].Status)

	require.NoError(t, gw.Delete(ctx, dbID))
	assert.False(t, mr.Exists("dk:user:u-1"))
	assert.False(t, mr.Exists("dk:db:"+dbID))
}

// failBatchedWrites rejects any pipelined or MULTI/EXEC batch containing a SET
// before it reaches the server. Single commands pass through.
type failBatchedWrites struct{}

func (failBatchedWrites) DialHook(next backend.DialHook) backend.DialHook { return next }

func (failBatchedWrites) ProcessHook(next backend.ProcessHook) backend.ProcessHook { return next }

func (failBatchedWrites) ProcessPipelineHook(next backend.ProcessPipelineHook) backend.ProcessPipelineHook {
	return func(ctx context.Context, cmds []backend.Cmder) error {
		for _, cmd := range cmds {
			if cmd.Name() == "set" {
				return errors.New("connection reset")
			}
		}
		return next(ctx, cmds)
	}
}

func TestRedisGateway_FailedInsertLeavesNoKey(t *testing.T) {
	mr, client := newMiniredis(t)
	client.AddHook(failBatchedWrites{})
	gw := redis.NewFromClient(client, redis.WithPrefix("dk:"))
	ctx := context.Background()
	created := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	rec := domain.Record{SessionID: "s-1", UserID: "u-1", Status: domain.StatusActive, CreatedAt: created, LastUpdatedAt: created}

	_, err := gw.Insert(ctx, rec)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrDuplicateSession)
	assert.False(t, mr.Exists("dk:s-1"))
	assert.False(t, mr.Exists("dk:user:u-1"))

	healthy := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = healthy.Close() })
	_, err = redis.NewFromClient(healthy, redis.WithPrefix("dk:")).Insert(ctx, rec)
	require.NoError(t, err)
	assert.True(t, mr.Exists("dk:s-1"))
}
