package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/models"
)

func setupManager(t *testing.T) (*Manager, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)
	store := docstore.NewRedisStore(client, logger)
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	return NewManager(store, clk, logger, time.Hour), mr
}

func TestCreateOrResumeIsIdempotent(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	first, created, err := m.CreateOrResume(ctx, "st1", "c1")
	if err != nil || !created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if first.Playback.FontSize != 36 || first.Script.Content != "" || !first.Active() {
		t.Fatalf("unexpected defaults: %+v", first)
	}

	if _, err := m.Mutate(ctx, first.ID, func(s *models.Session) error {
		s.Script.Content = "Hello"
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	second, created, err := m.CreateOrResume(ctx, "st1", "c1")
	if err != nil || created {
		t.Fatalf("created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("session id changed: %s != %s", second.ID, first.ID)
	}
	if second.Script.Content != "Hello" {
		t.Fatalf("script reset to %q", second.Script.Content)
	}
}

func TestCreateOrResumeConcurrent(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := m.CreateOrResume(ctx, "st1", "c1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			ids[s.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(ids) != 1 {
		t.Fatalf("got %d distinct sessions, want 1", len(ids))
	}
}

func TestCreateOrResumeSeparatesTenants(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	a, _, _ := m.CreateOrResume(ctx, "st1", "c1")
	b, _, _ := m.CreateOrResume(ctx, "st1", "c2")
	if a.ID == b.ID {
		t.Fatal("two tenants share a session")
	}
}

func TestPreconditions(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	if _, _, err := m.CreateOrResume(ctx, "", "c1"); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Attach(ctx, "s1", models.Participant{Role: models.RoleViewer}); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Mutate(ctx, "", func(*models.Session) error { return nil }); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("err = %v", err)
	}
	if _, err := m.Get(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestAttachCoalescesByUser(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	s, _, _ := m.CreateOrResume(ctx, "st1", "c1")

	if _, err := m.Attach(ctx, s.ID, models.Participant{UserID: "u1", Name: "Ann", Role: models.RoleViewer}); err != nil {
		t.Fatal(err)
	}
	m.clock.(*clock.FakeClock).Advance(time.Minute)
	got, err := m.Attach(ctx, s.ID, models.Participant{UserID: "u1", Name: "Ann", Role: models.RoleController})
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Participants) != 1 {
		t.Fatalf("roster = %+v", got.Participants)
	}
	p := got.Participants[0]
	if p.Role != models.RoleController || !p.JoinedAt.Equal(time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)) {
		t.Fatalf("participant = %+v", p)
	}

	if _, err := m.Attach(ctx, s.ID, models.Participant{UserID: "u2", Role: "owner"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v", err)
	}
}

func TestDetachReleasesLock(t *testing.T) {
	m, _ := setupManager(t)
	ctx := context.Background()
	s, _, _ := m.CreateOrResume(ctx, "st1", "c1")
	m.Attach(ctx, s.ID, models.Participant{UserID: "a", Role: models.RoleController})
	m.Attach(ctx, s.ID, models.Participant{UserID: "b", Role: models.RoleViewer})
	m.Mutate(ctx, s.ID, func(s *models.Session) error {
		s.Editing, s.EditorID = true, "a"
		return nil
	})

	if err := m.Detach(ctx, s.ID, "b"); err != nil {
		t.Fatal(err)
	}
	got, _ := m.Get(ctx, s.ID)
	if !got.Editing {
		t.Fatal("lock released by non-holder")
	}

	if err := m.Detach(ctx, s.ID, "a"); err != nil {
		t.Fatal(err)
	}
	got, _ = m.Get(ctx, s.ID)
	if got.Editing || got.EditorID != "" || len(got.Participants) != 0 {
		t.Fatalf("after detach: %+v", got)
	}
}

func TestEndIsTerminal(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	s, _, _ := m.CreateOrResume(ctx, "st1", "c1")

	var ended *models.Session
	m.SetEndedHandler(func(_ context.Context, s *models.Session) { ended = s })

	final, err := m.End(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.SessionTerminal || final.EndedAt == nil {
		t.Fatalf("final = %+v", final)
	}
	if ended == nil || ended.ID != s.ID {
		t.Fatal("ended handler not called")
	}

	if _, err := m.Mutate(ctx, s.ID, func(*models.Session) error { return nil }); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("mutate after end: %v", err)
	}
	if _, err := m.End(ctx, s.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("second end: %v", err)
	}
	if err := m.Detach(ctx, s.ID, "anyone"); err != nil {
		t.Fatalf("detach after end: %v", err)
	}

	fresh, created, err := m.CreateOrResume(ctx, "st1", "c1")
	if err != nil || !created || fresh.ID == s.ID {
		t.Fatalf("resume after end: created=%v id=%s err=%v", created, fresh.ID, err)
	}

	mr.FastForward(2 * time.Hour)
	if _, err := m.Get(ctx, s.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("ended session not dropped after retention: %v", err)
	}
}

func TestResumeReplacesStaleBinding(t *testing.T) {
	m, mr := setupManager(t)
	ctx := context.Background()
	s, _, _ := m.CreateOrResume(ctx, "st1", "c1")
	mr.Del(SessionKey(s.ID))

	fresh, created, err := m.CreateOrResume(ctx, "st1", "c1")
	if err != nil || !created || fresh.ID == s.ID {
		t.Fatalf("created=%v err=%v", created, err)
	}
	again, _, _ := m.CreateOrResume(ctx, "st1", "c1")
	if again.ID != fresh.ID {
		t.Fatal("stale binding not replaced")
	}
}

func TestWatchDeliversFinalState(t *testing.T) {
	m, _ := setupManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, _, _ := m.CreateOrResume(ctx, "st1", "c1")

	feed, err := m.Watch(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	first := <-feed
	if first.ID != s.ID || !first.Active() {
		t.Fatalf("first = %+v", first)
	}
	m.End(ctx, s.ID)
	select {
	case last := <-feed:
		if last.Status != models.SessionTerminal || last.Revision <= first.Revision {
			t.Fatalf("last = %+v", last)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no final state")
	}

	if _, err := m.Watch(ctx, "missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}
}
