package middleware_test

import (
	"context"
	"testing"

	"github.com/aretw0/draftkeeper/pkg/adapters/memory"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/persistence/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIIMiddleware_Masking(t *testing.T) {
	underlying := memory.NewGateway()
	mw, err := middleware.NewPIIMiddleware([]string{"password", "ssn"})
	require.NoError(t, err)
	secure := mw(underlying)
	ctx := context.Background()

	rec := domain.Record{
		SessionID: "pii",
		UserID:    "u",
		Status:    domain.StatusActive,
		ContextData: map[string]any{
			"username":      "jdoe",
			"user_password": "secret123",
			"details": map[string]any{
				"address":    "123 St",
				"ssn_number": "999-99-9999",
			},
		},
		CreatedAt: created,
	}
	_, err = secure.Insert(ctx, rec)
	require.NoError(t, err)

	assert.Equal(t, "secret123", rec.ContextData["user_password"], "caller record must not be modified")

	stored, err := underlying.GetBySessionID(ctx, "pii")
	require.NoError(t, err)
	assert.Equal(t, "jdoe", stored.ContextData["username"])
	assert.Equal(t, middleware.Mask, stored.ContextData["user_password"])
	details := stored.ContextData["details"].(map[string]any)
	assert.Equal(t, middleware.Mask, details["ssn_number"])
	assert.Equal(t, "123 St", details["address"])
}

func TestPIIMiddleware_InvalidPattern(t *testing.T) {
	_, err := middleware.NewPIIMiddleware([]string{"("})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestChain_Order(t *testing.T) {
	underlying := memory.NewGateway()
	pii, err := middleware.NewPIIMiddleware([]string{"password"})
	require.NoError(t, err)
	enc, err := middleware.NewEncryptionMiddleware(middleware.EncryptionConfig{ActiveKey: generateKey(t)})
	require.NoError(t, err)

	gw := middleware.Chain(underlying, pii, enc)
	ctx := context.Background()
	_, err = gw.Insert(ctx, domain.Record{
		SessionID: "c", UserID: "u", Status: domain.StatusActive,
		ContextData: map[string]any{"password": "hunter2"}, CreatedAt: created,
	})
	require.NoError(t, err)

	loaded, err := gw.GetBySessionID(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, middleware.Mask, loaded.ContextData["password"])
}
