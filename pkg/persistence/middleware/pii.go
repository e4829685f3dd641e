package middleware

import (
	"context"
	"regexp"

	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
)

// Mask replaces values whose key matches a PII pattern.
const Mask = "***"

type piiMiddleware struct {
	ports.Gateway
	patterns []*regexp.Regexp
}

// NewPIIMiddleware masks context-data and metadata values whose keys match any pattern.
// Masking happens on write only; the caller's record is never modified.
func NewPIIMiddleware(patternStrings []string) (Middleware, error) {
	patterns := make([]*regexp.Regexp, len(patternStrings))
	for i, p := range patternStrings {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, domain.NewValidationError("pii pattern", err.Error())
		}
		patterns[i] = re
	}
	return func(next ports.Gateway) ports.Gateway {
		return &piiMiddleware{Gateway: next, patterns: patterns}
	}, nil
}

func (m *piiMiddleware) mask(rec domain.Record) domain.Record {
	masked := rec.Clone()
	maskMap(masked.ContextData, m.patterns)
	maskMap(masked.Metadata, m.patterns)
	return masked
}

func (m *piiMiddleware) Insert(ctx context.Context, rec domain.Record) (string, error) {
	return m.Gateway.Insert(ctx, m.mask(rec))
}

func (m *piiMiddleware) Update(ctx context.Context, databaseID string, rec domain.Record) error {
	return m.Gateway.Update(ctx, databaseID, m.mask(rec))
}

func maskMap(m map[string]any, patterns []*regexp.Regexp) {
	for k, v := range m {
		masked := false
		for _, p := range patterns {
			if p.MatchString(k) {
				m[k] = Mask
				masked = true
				break
			}
		}
		if masked {
			continue
		}
		switch t := v.(type) {
		case map[string]any:
			maskMap(t, patterns)
		case []any:
			for _, e := range t {
				if sub, ok := e.(map[string]any); ok {
					maskMap(sub, patterns)
				}
			}
		}
	}
}
