package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"

	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/docstore"
	"github.com/aura-tokprompt/backend/internal/messagebus"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/queue"
)

type fakeArchive struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
	calls   int
}

func (f *fakeArchive) Upload(_ context.Context, bucket, key, _ string, body io.Reader, _ int64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	data, _ := io.ReadAll(body)
	if f.objects == nil {
		f.objects = map[string][]byte{}
	}
	f.objects[bucket+"/"+key] = data
	return "s3://" + bucket + "/" + key, nil
}

func (f *fakeArchive) ArchiveBucket() string { return "archive" }

type recorder struct {
	mu    sync.Mutex
	ended []string
}

func (r *recorder) SessionEnded(_ context.Context, s *models.Session) {
	r.mu.Lock()
	r.ended = append(r.ended, s.ID)
	r.mu.Unlock()
}

type fixture struct {
	mgr  *sessions.Manager
	bus  *messagebus.Bus
	jobs *queue.Queue
	arch *fakeArchive
	rec  *recorder
	proc *CleanupProcessor
	sess *models.Session
}

func setup(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	logger := zaptest.NewLogger(t)
	store := docstore.NewRedisStore(client, logger)
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	mgr := sessions.NewManager(store, clk, logger, time.Hour)
	bus := messagebus.NewBus(store, mgr, clk, logger, 0)
	jobs := queue.NewQueue(client, logger)
	arch := &fakeArchive{}
	rec := &recorder{}
	proc := NewCleanupProcessor(jobs, mgr, bus, rec, arch, logger)
	proc.SetBackoff(time.Millisecond)

	s, _, err := mgr.CreateOrResume(context.Background(), "st1", "c1")
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{mgr: mgr, bus: bus, jobs: jobs, arch: arch, rec: rec, proc: proc, sess: s}
}

func (f *fixture) end(t *testing.T) *queue.Job {
	t.Helper()
	ctx := context.Background()
	if _, err := f.mgr.Mutate(ctx, f.sess.ID, func(s *models.Session) error {
		s.Script.Content = "Final words"
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.bus.Publish(ctx, f.sess.ID, models.FloatingMessage{Content: "bye", Duration: 0}); err != nil {
		t.Fatal(err)
	}
	ended, err := f.mgr.End(ctx, f.sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	job, err := f.jobs.EnqueueSessionCleanup(ctx, queue.CleanupPayload{
		SessionID: ended.ID, StreamID: ended.StreamID, CompanyID: ended.CompanyID, EndedAt: *ended.EndedAt,
	})
	if err != nil {
		t.Fatal(err)
	}
	return job
}

func TestProcessArchivesAndClears(t *testing.T) {
	f := setup(t)
	job := f.end(t)
	ctx := context.Background()

	if err := f.proc.Process(ctx, job); err != nil {
		t.Fatal(err)
	}
	raw, ok := f.arch.objects["archive/sessions/c1/"+f.sess.ID+".json"]
	if !ok {
		t.Fatalf("objects = %v", f.arch.objects)
	}
	var a Archive
	if err := json.Unmarshal(raw, &a); err != nil {
		t.Fatal(err)
	}
	if a.Script.Content != "Final words" || a.EndedAt == nil || a.Playback.FontSize != 36 {
		t.Fatalf("archive = %+v", a)
	}
	msgs, _ := f.bus.List(ctx, f.sess.ID)
	if len(msgs) != 0 {
		t.Fatalf("messages not cleared: %+v", msgs)
	}
	if len(f.rec.ended) != 1 || f.rec.ended[0] != f.sess.ID {
		t.Fatalf("ended = %v", f.rec.ended)
	}
}

func TestProcessSkipsActiveSession(t *testing.T) {
	f := setup(t)
	job, _ := f.jobs.EnqueueSessionCleanup(context.Background(), queue.CleanupPayload{SessionID: f.sess.ID})
	if err := f.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if f.arch.calls != 0 || len(f.rec.ended) != 0 {
		t.Fatal("active session was cleaned up")
	}
}

func TestProcessMissingSessionStillRecords(t *testing.T) {
	f := setup(t)
	job, _ := f.jobs.EnqueueSessionCleanup(context.Background(), queue.CleanupPayload{SessionID: "gone", StreamID: "st9", CompanyID: "c1"})
	if err := f.proc.Process(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if f.arch.calls != 0 {
		t.Fatal("archived a missing session")
	}
	if len(f.rec.ended) != 1 || f.rec.ended[0] != "gone" {
		t.Fatalf("ended = %v", f.rec.ended)
	}
}

func TestProcessRejectsUnknownJob(t *testing.T) {
	f := setup(t)
	if err := f.proc.Process(context.Background(), &queue.Job{Type: "email"}); err == nil {
		t.Fatal("unknown job type accepted")
	}
}

func TestRunDeadLettersFailingJob(t *testing.T) {
	f := setup(t)
	f.arch.err = errors.New("bucket unavailable")
	f.end(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.proc.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		dlq, err := f.jobs.DeadLetters(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if len(dlq) == 1 {
			f.arch.mu.Lock()
			calls := f.arch.calls
			f.arch.mu.Unlock()
			if calls != queue.MaxRetries {
				t.Fatalf("upload attempts = %d", calls)
			}
			if dlq[0].LastError == "" {
				t.Fatal("last error not kept")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("job never reached the DLQ")
}
