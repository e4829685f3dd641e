package session_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aretw0/draftkeeper/pkg/adapters/memory"
	"github.com/aretw0/draftkeeper/pkg/domain"
	"github.com/aretw0/draftkeeper/pkg/ports"
	"github.com/aretw0/draftkeeper/pkg/session"
)

var epoch = time.Date(2026, 7, 1, 8, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("sess-%03d", n)
	}
}

func newManager(t *testing.T, gw ports.Gateway, opts ...session.Option) (*session.Manager, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: epoch}
	base := []session.Option{
		session.WithClock(clock.Now),
		session.WithIDGenerator(sequentialIDs()),
	}
	return session.NewManager(gw, append(base, opts...)...), clock
}

func create(t *testing.T, m *session.Manager, userID string) *domain.Session {
	t.Helper()
	s, err := m.Create(context.Background(), session.CreateRequest{UserID: userID, ContextType: "course_creation"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	return s
}

// faultyGateway fails selected calls.
type faultyGateway struct {
	ports.Gateway
	mu        sync.Mutex
	insertErr error
	updateErr error
	deleteErr error
}

func newFaulty() (*faultyGateway, *memory.Gateway) {
	mem := memory.NewGateway()
	return &faultyGateway{Gateway: mem}, mem
}

func (f *faultyGateway) set(fn func(*faultyGateway)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *faultyGateway) Insert(ctx context.Context, rec domain.Record) (string, error) {
	f.mu.Lock()
	err := f.insertErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	return f.Gateway.Insert(ctx, rec)
}

func (f *faultyGateway) Update(ctx context.Context, id string, rec domain.Record) error {
	f.mu.Lock()
	err := f.updateErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Gateway.Update(ctx, id, rec)
}

func (f *faultyGateway) Delete(ctx context.Context, id string) error {
	f.mu.Lock()
	err := f.deleteErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Gateway.Delete(ctx, id)
}
