package messagebus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
)

type busFixture struct {
	bus  *Bus
	mgr  *sessions.Manager
	sess *models.Session
	mr   *miniredis.Miniredis
	clk  *clock.FakeClock
}

func newBusFixture(t *testing.T, limit int) *busFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)
	store := docstore.NewRedisStore(client, logger)
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	mgr := sessions.NewManager(store, clk, logger, 0)
	s, _, err := mgr.CreateOrResume(context.Background(), "st1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	return &busFixture{bus: NewBus(store, mgr, clk, logger, limit), mgr: mgr, sess: s, mr: mr, clk: clk}
}

func setupBus(t *testing.T, limit int) (*Bus, *sessions.Manager, *models.Session) {
	f := newBusFixture(t, limit)
	return f.bus, f.mgr, f.sess
}

func TestPublishValidation(t *testing.T) {
	bus, mgr, s := setupBus(t, 10)
	ctx := context.Background()

	if _, err := bus.Publish(ctx, "", msg("", 0)); !errors.Is(err, ErrMissingIdentifier) {
		t.Fatalf("err = %v", err)
	}
	if _, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "  "}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("err = %v", err)
	}
	if _, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "x", Duration: -1}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("err = %v", err)
	}
	if _, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "x", Duration: MaxDuration + 1}); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("overflowing duration: err = %v", err)
	}
	if _, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "x", Type: "fatal"}); !errors.Is(err, ErrInvalidSeverity) {
		t.Fatal("unknown severity accepted")
	}
	if _, err := bus.Publish(ctx, "missing", models.FloatingMessage{Content: "x"}); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("err = %v", err)
	}

	m, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "Saved", Sender: &models.Sender{UserID: "u1", UserName: "Ann"}})
	if err != nil {
		t.Fatal(err)
	}
	if m.ID == "" || m.Type != models.SeverityInfo || m.CreatedAt.IsZero() {
		t.Fatalf("published = %+v", m)
	}

	mgr.End(ctx, s.ID)
	if _, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "late"}); !errors.Is(err, sessions.ErrSessionEnded) {
		t.Fatalf("err = %v", err)
	}
}

func TestPublishAssignsFreshIDs(t *testing.T) {
	bus, _, s := setupBus(t, 10)
	ctx := context.Background()

	first, err := bus.Publish(ctx, s.ID, models.FloatingMessage{ID: "dup", Content: "first"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := bus.Publish(ctx, s.ID, models.FloatingMessage{ID: "dup", Content: "second"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == "dup" || second.ID == "dup" || first.ID == second.ID {
		t.Fatalf("ids = %q, %q", first.ID, second.ID)
	}

	list, _ := bus.List(ctx, s.ID)
	in := NewInbox(clock.Fake(time.Unix(0, 0)), 8)
	in.Sync(list)
	got := in.Messages()
	if len(got) != 2 || got[0].Content != "first" || got[1].Content != "second" {
		t.Fatalf("display = %+v", got)
	}
}

func TestQueueIsBoundedAndDismissible(t *testing.T) {
	bus, _, s := setupBus(t, 2)
	ctx := context.Background()
	var published []string
	for _, content := range []string{"a", "b", "c"} {
		m, err := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: content})
		if err != nil {
			t.Fatal(err)
		}
		published = append(published, m.ID)
	}
	list, _ := bus.List(ctx, s.ID)
	if got := ids(list); !equal(got, published[1:]) {
		t.Fatalf("queue = %v", got)
	}
	if err := bus.Dismiss(ctx, s.ID, published[1]); err != nil {
		t.Fatal(err)
	}
	if err := bus.Dismiss(ctx, s.ID, published[1]); err != nil {
		t.Fatalf("second dismiss: %v", err)
	}
	list, _ = bus.List(ctx, s.ID)
	if got := ids(list); !equal(got, published[2:]) {
		t.Fatalf("queue = %v", got)
	}
	if err := bus.Clear(ctx, s.ID); err != nil {
		t.Fatal(err)
	}
	list, _ = bus.List(ctx, s.ID)
	if len(list) != 0 {
		t.Fatalf("queue after clear = %v", ids(list))
	}
}

func TestSubscribeRedeliversAndInboxDeduplicates(t *testing.T) {
	bus, _, s := setupBus(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m1, _ := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "one"})
	feed, err := bus.Subscribe(ctx, s.ID)
	if err != nil {
		t.Fatal(err)
	}
	in := NewInbox(clock.Fake(time.Unix(0, 0)), 8)

	deliveries := 0
	observe := func(m models.FloatingMessage) {
		if m.ID == m1.ID {
			deliveries++
		}
		in.Observe(m)
	}
	select {
	case m := <-feed:
		observe(m)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	m2, _ := bus.Publish(ctx, s.ID, models.FloatingMessage{Content: "two"})
	deadline := time.After(2 * time.Second)
	for !in.Seen(m2.ID) {
		select {
		case m := <-feed:
			observe(m)
		case <-deadline:
			t.Fatal("second message never delivered")
		}
	}
	if deliveries < 2 {
		t.Fatalf("first message delivered %d times", deliveries)
	}
	if got := ids(in.Messages()); !equal(got, []string{m1.ID, m2.ID}) {
		t.Fatalf("display = %v", got)
	}
}

func TestDeliverRewatchesDroppedFeed(t *testing.T) {
	f := newBusFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := NewInbox(clock.Fake(time.Unix(0, 0)), 8)
	done := make(chan error, 1)
	go func() { done <- f.bus.Deliver(ctx, f.sess.ID, in, 3, time.Second) }()

	waitShown := func(id string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !in.Seen(id) {
			if time.Now().After(deadline) {
				t.Fatalf("%s never displayed; display = %v", id, ids(in.Messages()))
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	m1, err := f.bus.Publish(ctx, f.sess.ID, models.FloatingMessage{Content: "one"})
	if err != nil {
		t.Fatal(err)
	}
	waitShown(m1.ID)

	// A failed read after a change notification closes the feed.
	f.mr.SetError("ERR transient")
	f.mr.Publish("feed:"+QueueKey(f.sess.ID), "changed")
	f.clk.WaitForTimers(1)
	f.mr.SetError("")
	f.clk.Advance(time.Second)

	m2, err := f.bus.Publish(ctx, f.sess.ID, models.FloatingMessage{Content: "two"})
	if err != nil {
		t.Fatal(err)
	}
	waitShown(m2.ID)

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("deliver = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliver did not stop")
	}
}

func TestDeliverGivesUp(t *testing.T) {
	f := newBusFixture(t, 10)
	f.mr.SetError("ERR down")

	done := make(chan error, 1)
	go func() { done <- f.bus.Deliver(context.Background(), f.sess.ID, NewInbox(nil, 0), 2, time.Second) }()
	for attempt := 1; attempt <= 2; attempt++ {
		f.clk.WaitForTimers(1)
		f.clk.Advance(time.Duration(attempt) * time.Second)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrFeedLost) {
			t.Fatalf("deliver = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("deliver kept retrying")
	}
}
