package mongo

import (
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type sessionDocument struct {
	ID              primitive.ObjectID       `bson:"_id,omitempty"`
	SessionID       string                   `bson:"session_id"`
	UserID          string                   `bson:"user_id"`
	ContextType     string                   `bson:"context_type"`
	Status          domain.LifecycleStatus   `bson:"status"`
	CurrentState    string                   `bson:"current_state"`
	StateHistory    []domain.StateTransition `bson:"state_history"`
	ContextData     map[string]any           `bson:"context_data"`
	Progress        float64                  `bson:"progress"`
	ConfidenceScore float64                  `bson:"confidence_score"`
	Messages        []domain.Message         `bson:"messages"`
	Metadata        map[string]any           `bson:"metadata"`
	TotalTokens     int64                    `bson:"total_tokens"`
	TotalCost       float64                  `bson:"total_cost"`
	CreatedAt       time.Time                `bson:"created_at"`
	LastUpdatedAt   time.Time                `bson:"last_updated_at"`
	PausedFromState *domain.LifecycleStatus  `bson:"paused_from_state,omitempty"`
	Version         int64                    `bson:"version"`
}

func fromRecord(rec domain.Record) sessionDocument {
	rec = rec.Clone()
	history := rec.StateHistory
	if history == nil {
		history = []domain.StateTransition{}
	}
	for i := range history {
		history[i].Timestamp = history[i].Timestamp.UTC()
	}
	msgs := rec.Messages
	for i := range msgs {
		msgs[i].Timestamp = msgs[i].Timestamp.UTC()
	}
	return sessionDocument{
		SessionID:       rec.SessionID,
		UserID:          rec.UserID,
		ContextType:     rec.ContextType,
		Status:          rec.Status,
		CurrentState:    rec.CurrentState,
		StateHistory:    history,
		ContextData:     rec.ContextData,
		Progress:        rec.Progress,
		ConfidenceScore: rec.ConfidenceScore,
		Messages:        msgs,
		Metadata:        rec.Metadata,
		TotalTokens:     rec.TotalTokens,
		TotalCost:       rec.TotalCost,
		CreatedAt:       rec.CreatedAt.UTC(),
		LastUpdatedAt:   rec.LastUpdatedAt.UTC(),
		PausedFromState: rec.PausedFromState,
		Version:         rec.Version,
	}
}

func (doc sessionDocument) toRecord() domain.Record {
	msgs := make([]domain.Message, len(doc.Messages))
	for i, m := range doc.Messages {
		m.Metadata = normalizeMap(m.Metadata)
		msgs[i] = m
	}
	return domain.Record{
		DatabaseID:      doc.ID.Hex(),
		SessionID:       doc.SessionID,
		UserID:          doc.UserID,
		ContextType:     doc.ContextType,
		Status:          doc.Status,
		CurrentState:    doc.CurrentState,
		StateHistory:    doc.StateHistory,
		ContextData:     normalizeMap(doc.ContextData),
		Progress:        doc.Progress,
		ConfidenceScore: doc.ConfidenceScore,
		Messages:        msgs,
		Metadata:        normalizeMap(doc.Metadata),
		TotalTokens:     doc.TotalTokens,
		TotalCost:       doc.TotalCost,
		CreatedAt:       doc.CreatedAt,
		LastUpdatedAt:   doc.LastUpdatedAt,
		PausedFromState: doc.PausedFromState,
		Version:         doc.Version,
	}
}

// normalizeMap turns driver container types back into plain maps and slices
// so documents compare and copy like JSON-decoded data.
func normalizeMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return normalizeMap(t)
	case bson.M:
		return normalizeMap(t)
	case bson.D:
		return normalizeMap(t.Map())
	case bson.A:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeValue(e)
		}
		return out
	case primitive.DateTime:
		return t.Time().UTC()
	default:
		return v
	}
}
