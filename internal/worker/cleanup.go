// Package worker runs background jobs for ended sessions.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/queue"
	"github.com/aura-tokprompt/backend/pkg/storage"
)

// Jobs is the queue the processor drains.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job, cause error) (bool, error)
}

// Archiver stores session snapshots. Nil disables archiving.
type Archiver interface {
	Upload(ctx context.Context, bucket, key, contentType string, body io.Reader, contentLength int64) (string, error)
	ArchiveBucket() string
}

// SessionReader loads the ended session.
type SessionReader interface {
	Get(ctx context.Context, sessionID string) (*models.Session, error)
}

// MessageClearer empties a session's message queue.
type MessageClearer interface {
	Clear(ctx context.Context, sessionID string) error
}

// ActivityRecorder records end_session.
type ActivityRecorder interface {
	SessionEnded(ctx context.Context, s *models.Session)
}

// Archive is the document written for an ended session. Messages are not archived.
type Archive struct {
	SessionID  string               `json:"session_id"`
	StreamID   string               `json:"stream_id"`
	CompanyID  string               `json:"company_id"`
	Script     models.Script        `json:"script"`
	Playback   models.PlaybackState `json:"playback"`
	CreatedAt  time.Time            `json:"created_at"`
	EndedAt    *time.Time           `json:"ended_at,omitempty"`
	ArchivedAt time.Time            `json:"archived_at"`
}

// CleanupProcessor archives ended sessions and clears their ephemeral state.
type CleanupProcessor struct {
	jobs     Jobs
	sessions SessionReader
	messages MessageClearer
	activity ActivityRecorder
	archive  Archiver
	backoff  time.Duration
	logger   *zap.Logger
}

// NewCleanupProcessor creates a cleanup processor. archive may be nil.
func NewCleanupProcessor(jobs Jobs, sessions SessionReader, messages MessageClearer, activity ActivityRecorder, archive Archiver, logger *zap.Logger) *CleanupProcessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CleanupProcessor{
		jobs:     jobs,
		sessions: sessions,
		messages: messages,
		activity: activity,
		archive:  archive,
		backoff:  queue.RetryBackoff,
		logger:   logger,
	}
}

// SetBackoff overrides the pause after a failed job.
func (p *CleanupProcessor) SetBackoff(d time.Duration) { p.backoff = d }

// Process executes one cleanup job.
func (p *CleanupProcessor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionCleanup {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}

	s, err := p.sessions.Get(ctx, payload.SessionID)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		p.logger.Warn("session gone before cleanup, skipping archive", zap.String("session_id", payload.SessionID))
		s = &models.Session{ID: payload.SessionID, StreamID: payload.StreamID, CompanyID: payload.CompanyID, Status: models.SessionTerminal}
		if !payload.EndedAt.IsZero() {
			ended := payload.EndedAt
			s.EndedAt = &ended
		}
	case err != nil:
		return fmt.Errorf("load session: %w", err)
	case s.Active():
		p.logger.Info("session resumed before cleanup, skipping", zap.String("session_id", s.ID))
		return nil
	default:
		if err := p.store(ctx, s); err != nil {
			return err
		}
	}

	if err := p.messages.Clear(ctx, s.ID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if p.activity != nil {
		p.activity.SessionEnded(ctx, s)
	}
	p.logger.Info("session cleanup completed", zap.String("session_id", s.ID))
	return nil
}

func (p *CleanupProcessor) store(ctx context.Context, s *models.Session) error {
	if p.archive == nil {
		return nil
	}
	body, err := json.Marshal(Archive{
		SessionID:  s.ID,
		StreamID:   s.StreamID,
		CompanyID:  s.CompanyID,
		Script:     s.Script,
		Playback:   s.Playback,
		CreatedAt:  s.CreatedAt,
		EndedAt:    s.EndedAt,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	key := storage.SessionArchiveKey(s.CompanyID, s.ID)
	url, err := p.archive.Upload(ctx, p.archive.ArchiveBucket(), key, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("archive upload: %w", err)
	}
	p.logger.Info("session archived", zap.String("session_id", s.ID), zap.String("url", url))
	return nil
}

// Run starts the worker loop: dequeue, process, retry on error.
func (p *CleanupProcessor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("cleanup worker stopping")
			return
		default:
		}

		job, err := p.jobs.Dequeue(ctx, 5*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		if err := p.Process(ctx, job); err != nil {
			p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Error(err))
			if _, reErr := p.jobs.Retry(ctx, job, err); reErr != nil {
				p.logger.Error("retry enqueue failed", zap.Error(reErr))
			}
			p.sleep(ctx)
		}
	}
}

func (p *CleanupProcessor) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(p.backoff):
	}
}
