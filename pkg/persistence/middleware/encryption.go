package middleware

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
)

// EnvelopeKey is the context-data key that holds the sealed payload.
const EnvelopeKey = "__encrypted__"

// ErrMissingEnvelope is returned when a stored record was not written through the encryption middleware.
var ErrMissingEnvelope = errors.New("record is missing encrypted data envelope")

// EncryptionConfig holds the keys for encryption and decryption.
type EncryptionConfig struct {
	// ActiveKey encrypts new data. Must be 32 bytes for AES-256.
	ActiveKey []byte

	// FallbackKeys are tried in order when the active key cannot decrypt.
	FallbackKeys [][]byte
}

// sealed is what gets encrypted. Identity, status and timestamps stay in the
// clear so the gateway can still index and query them.
type sealed struct {
	ContextData map[string]any   `json:"context_data"`
	Messages    []domain.Message `json:"messages"`
	Metadata    map[string]any   `json:"metadata"`
}

type encryptionMiddleware struct {
	ports.Gateway
	config EncryptionConfig
}

// NewEncryptionMiddleware seals context data, messages and metadata with AES-GCM.
func NewEncryptionMiddleware(config EncryptionConfig) (Middleware, error) {
	if len(config.ActiveKey) != 32 {
		return nil, domain.NewValidationError("encryption key", "active key must be 32 bytes (AES-256)")
	}
	for i, k := range config.FallbackKeys {
		if len(k) != 32 {
			return nil, domain.NewValidationError("encryption key", fmt.Sprintf("fallback key %d must be 32 bytes", i))
		}
	}
	return func(next ports.Gateway) ports.Gateway {
		return &encryptionMiddleware{Gateway: next, config: config}
	}, nil
}

func (m *encryptionMiddleware) seal(rec domain.Record) (domain.Record, error) {
	plainText, err := json.Marshal(sealed{
		ContextData: rec.ContextData,
		Messages:    rec.Messages,
		Metadata:    rec.Metadata,
	})
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to marshal record payload: %w", err)
	}
	ciphertext, err := encrypt(plainText, m.config.ActiveKey)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to encrypt record payload: %w", err)
	}

	envelope := rec
	envelope.ContextData = map[string]any{EnvelopeKey: base64.StdEncoding.EncodeToString(ciphertext)}
	envelope.Messages = nil
	envelope.Metadata = nil
	return envelope, nil
}

func (m *encryptionMiddleware) open(envelope domain.Record) (domain.Record, error) {
	encoded, ok := envelope.ContextData[EnvelopeKey].(string)
	if !ok {
		return domain.Record{}, ErrMissingEnvelope
	}
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to decode ciphertext base64: %w", err)
	}
	plainText, err := decryptWithRotation(ciphertext, m.config.ActiveKey, m.config.FallbackKeys)
	if err != nil {
		return domain.Record{}, fmt.Errorf("failed to decrypt record payload: %w", err)
	}

	var payload sealed
	if err := json.Unmarshal(plainText, &payload); err != nil {
		return domain.Record{}, fmt.Errorf("failed to unmarshal decrypted payload: %w", err)
	}
	rec := envelope
	rec.ContextData = payload.ContextData
	rec.Messages = payload.Messages
	rec.Metadata = payload.Metadata
	return rec, nil
}

func (m *encryptionMiddleware) openAll(envelopes []domain.Record) ([]domain.Record, error) {
	out := make([]domain.Record, 0, len(envelopes))
	for _, e := range envelopes {
		rec, err := m.open(e)
		if err != nil {
			return nil, fmt.Errorf("session '%s': %w", e.SessionID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (m *encryptionMiddleware) Insert(ctx context.Context, rec domain.Record) (string, error) {
	envelope, err := m.seal(rec)
	if err != nil {
		return "", err
	}
	return m.Gateway.Insert(ctx, envelope)
}

func (m *encryptionMiddleware) Update(ctx context.Context, databaseID string, rec domain.Record) error {
	envelope, err := m.seal(rec)
	if err != nil {
		return err
	}
	return m.Gateway.Update(ctx, databaseID, envelope)
}

func (m *encryptionMiddleware) GetByID(ctx context.Context, databaseID string) (domain.Record, error) {
	envelope, err := m.Gateway.GetByID(ctx, databaseID)
	if err != nil {
		return domain.Record{}, err
	}
	return m.open(envelope)
}

func (m *encryptionMiddleware) GetBySessionID(ctx context.Context, sessionID string) (domain.Record, error) {
	envelope, err := m.Gateway.GetBySessionID(ctx, sessionID)
	if err != nil {
		return domain.Record{}, err
	}
	return m.open(envelope)
}

func (m *encryptionMiddleware) GetBySessionIDs(ctx context.Context, sessionIDs []string) (map[string]domain.Record, error) {
	envelopes, err := m.Gateway.GetBySessionIDs(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string]domain.Record, len(envelopes))
	for id, e := range envelopes {
		rec, err := m.open(e)
		if err != nil {
			return nil, fmt.Errorf("session '%s': %w", id, err)
		}
		out[id] = rec
	}
	return out, nil
}

func (m *encryptionMiddleware) GetExpired(ctx context.Context, olderThan time.Time) ([]domain.Record, error) {
	envelopes, err := m.Gateway.GetExpired(ctx, olderThan)
	if err != nil {
		return nil, err
	}
	return m.openAll(envelopes)
}

func (m *encryptionMiddleware) GetOldestActiveForUser(ctx context.Context, userID string) (domain.Record, error) {
	envelope, err := m.Gateway.GetOldestActiveForUser(ctx, userID)
	if err != nil {
		return domain.Record{}, err
	}
	return m.open(envelope)
}

func (m *encryptionMiddleware) ListForUser(ctx context.Context, userID string) ([]domain.Record, error) {
	envelopes, err := m.Gateway.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.openAll(envelopes)
}

// Helpers

func encrypt(plaintext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func decryptWithRotation(ciphertext []byte, activeKey []byte, fallbackKeys [][]byte) ([]byte, error) {
	if plain, err := decrypt(ciphertext, activeKey); err == nil {
		return plain, nil
	}
	for _, key := range fallbackKeys {
		if plain, err := decrypt(ciphertext, key); err == nil {
			return plain, nil
		}
	}
	return nil, errors.New("decryption failed with all available keys")
}

func decrypt(ciphertext []byte, key []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
