package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

func setupQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewQueue(client, zaptest.NewLogger(t))
}

func TestEnqueueDequeue(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()

	if _, err := q.EnqueueSessionCleanup(ctx, CleanupPayload{}); err == nil {
		t.Fatal("empty session id accepted")
	}
	sent, err := q.EnqueueSessionCleanup(ctx, CleanupPayload{SessionID: "s1", StreamID: "st1", CompanyID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len = %d", n)
	}

	job, err := q.Dequeue(ctx, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if job == nil || job.ID != sent.ID || job.Type != JobTypeSessionCleanup || job.Attempt != 0 {
		t.Fatalf("job = %+v", job)
	}
	var p CleanupPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil || p.SessionID != "s1" {
		t.Fatalf("payload = %+v err=%v", p, err)
	}
}

func TestRetryDeadLettersAfterMaxRetries(t *testing.T) {
	q := setupQueue(t)
	ctx := context.Background()
	if _, err := q.EnqueueSessionCleanup(ctx, CleanupPayload{SessionID: "s1"}); err != nil {
		t.Fatal(err)
	}

	cause := errors.New("s3 down")
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		job, err := q.Dequeue(ctx, time.Second)
		if err != nil || job == nil {
			t.Fatalf("attempt %d: job=%v err=%v", attempt, job, err)
		}
		dead, err := q.Retry(ctx, job, cause)
		if err != nil {
			t.Fatal(err)
		}
		if dead != (attempt == MaxRetries) {
			t.Fatalf("attempt %d dead=%v", attempt, dead)
		}
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("pending = %d", n)
	}
	dlq, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(dlq) != 1 || dlq[0].Attempt != MaxRetries || dlq[0].LastError != "s3 down" {
		t.Fatalf("dlq = %+v", dlq)
	}
}
