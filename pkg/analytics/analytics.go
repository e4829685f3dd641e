// Package analytics derives engagement and completion estimates from a session.
// All functions are pure and take the evaluation time explicitly.
package analytics

import (
	"math"
	"time"

	"github.com/aretw0/draftkeeper/pkg/domain"
)

const (
	messageWeight  = 0.4
	progressWeight = 0.6

	likelihoodProgress    = 0.5
	likelihoodEngagement  = 0.3
	likelihoodTransitions = 0.2

	// transitionSaturation is the transition count at which that signal maxes out.
	transitionSaturation = 10.0
)

// Report bundles the estimates for one session.
type Report struct {
	SessionID            string                 `json:"session_id"`
	Status               domain.LifecycleStatus `json:"status"`
	DurationMinutes      float64                `json:"duration_minutes"`
	MessageCount         int                    `json:"message_count"`
	TransitionCount      int                    `json:"transition_count"`
	Progress             float64                `json:"progress"`
	Engagement           float64                `json:"engagement"`
	CompletionLikelihood float64                `json:"completion_likelihood"`
	TotalTokens          int64                  `json:"total_tokens"`
	TotalCost            float64                `json:"total_cost"`
}

// durationMinutes is the session age in minutes, floored at one.
func durationMinutes(s *domain.Session, now time.Time) float64 {
	d := now.Sub(s.CreatedAt()).Minutes()
	if math.IsNaN(d) || d < 1 {
		return 1
	}
	return d
}

// Engagement combines message rate and progress rate into a score in [0,1].
func Engagement(s *domain.Session, now time.Time) float64 {
	minutes := durationMinutes(s, now)
	perMinute := float64(s.MessageCount()) / minutes
	perHour := s.Progress() / (minutes / 60)
	return domain.Clamp01(messageWeight*perMinute + progressWeight*perHour)
}

// CompletionLikelihood estimates how likely the session is to complete, in [0,1].
func CompletionLikelihood(s *domain.Session, now time.Time) float64 {
	transitions := math.Min(float64(s.TransitionCount())/transitionSaturation, 1)
	return domain.Clamp01(
		likelihoodProgress*domain.Clamp01(s.Progress()) +
			likelihoodEngagement*Engagement(s, now) +
			likelihoodTransitions*transitions,
	)
}

// Summarize computes a Report for s at now.
func Summarize(s *domain.Session, now time.Time) Report {
	return Report{
		SessionID:            s.ID(),
		Status:               s.Status(),
		DurationMinutes:      durationMinutes(s, now),
		MessageCount:         s.MessageCount(),
		TransitionCount:      s.TransitionCount(),
		Progress:             s.Progress(),
		Engagement:           Engagement(s, now),
		CompletionLikelihood: CompletionLikelihood(s, now),
		TotalTokens:          s.TotalTokens(),
		TotalCost:            s.TotalCost(),
	}
}
