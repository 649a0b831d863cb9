package sessionlog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap/zaptest"

	"github.com/aura-tokprompt/backend/internal/auth"
	"github.com/aura-tokprompt/backend/internal/clock"
	"github.com/aura-tokprompt/backend/internal/middleware"
	"github.com/aura-tokprompt/backend/internal/models"
	"github.com/aura-tokprompt/backend/internal/sessions"
	"github.com/aura-tokprompt/backend/pkg/database"
)

type memStore struct {
	entries []models.ActivityEntry
	fail    bool
}

func (m *memStore) Record(_ context.Context, e models.ActivityEntry) (int64, error) {
	if m.fail {
		return 0, errors.New("db down")
	}
	e.ID = int64(len(m.entries) + 1)
	m.entries = append(m.entries, e)
	return e.ID, nil
}

func (m *memStore) RecordLeave(_ context.Context, e models.ActivityEntry) error {
	if m.fail {
		return errors.New("db down")
	}
	for i := len(m.entries) - 1; i >= 0; i-- {
		j := &m.entries[i]
		if j.Action == models.ActionJoinSession && j.UserID == e.UserID && j.LeftAt == nil {
			at := e.At
			j.LeftAt = &at
			j.WatchSeconds = int64(e.At.Sub(j.At).Seconds())
			break
		}
	}
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) ListBySession(_ context.Context, id string) ([]models.ActivityEntry, error) {
	var out []models.ActivityEntry
	for _, e := range m.entries {
		if e.SessionID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Summarize(_ context.Context, id string) (*Summary, error) {
	s := &Summary{}
	users := map[string]bool{}
	for _, e := range m.entries {
		if e.SessionID == id && e.Action == models.ActionJoinSession {
			s.Joins++
			users[e.UserID] = true
			s.TotalWatchSeconds += e.WatchSeconds
		}
	}
	s.DistinctUsers = len(users)
	return s, nil
}

type sessionMap map[string]*models.Session

func (m sessionMap) Get(_ context.Context, id string) (*models.Session, error) {
	if s, ok := m[id]; ok {
		return s, nil
	}
	return nil, sessions.ErrSessionNotFound
}

func testSession() *models.Session {
	return models.NewSession("s1", "st1", "c1", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
}

func TestTrackerJoinLeaveWatchTime(t *testing.T) {
	store := &memStore{}
	clk := clock.Fake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	tr := NewTracker(store, clk, zaptest.NewLogger(t))
	s := testSession()
	ctx := context.Background()

	tr.SessionCreated(ctx, s)
	p := models.Participant{UserID: "u1", Role: models.RoleViewer, JoinedAt: clk.Now()}
	tr.Joined(ctx, s, p)
	clk.Advance(90 * time.Second)
	tr.Left(ctx, s, p)

	if len(store.entries) != 3 {
		t.Fatalf("entries = %+v", store.entries)
	}
	join := store.entries[1]
	if join.Action != models.ActionJoinSession || join.WatchSeconds != 90 || join.LeftAt == nil {
		t.Fatalf("join = %+v", join)
	}
	if store.entries[2].Action != models.ActionLeaveSession || store.entries[2].Role != "viewer" {
		t.Fatalf("leave = %+v", store.entries[2])
	}
}

func TestTrackerSwallowsStoreErrors(t *testing.T) {
	tr := NewTracker(&memStore{fail: true}, nil, zaptest.NewLogger(t))
	s := testSession()
	tr.SessionCreated(context.Background(), s)
	tr.Left(context.Background(), s, models.Participant{UserID: "u1"})
	tr.InviteAccepted(context.Background(), s, "", models.RoleViewer)
}

func TestActivityHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &memStore{}
	tr := NewTracker(store, nil, nil)
	s := testSession()
	tr.SessionCreated(context.Background(), s)

	jwtSvc := auth.NewJWTService("secret", 1, 1)
	h := NewHandler(store, sessionMap{"s1": s}, zaptest.NewLogger(t))
	r := gin.New()
	r.GET("/sessions/:id/activity", middleware.JWT(jwtSvc), h.Activity)

	owner, _ := jwtSvc.Generate(models.Principal{UserID: "u1", CompanyID: "c1", Role: models.PrincipalMember}, "")
	viewer, _ := jwtSvc.GenerateSession(models.Principal{UserID: "g1", Role: models.PrincipalGuest},
		auth.SessionGrant{SessionID: "s1", StreamID: "st1", Role: models.RoleViewer})

	tests := []struct {
		name  string
		path  string
		token string
		want  int
	}{
		{"owner", "/sessions/s1/activity", owner, http.StatusOK},
		{"viewer", "/sessions/s1/activity", viewer, http.StatusForbidden},
		{"missing", "/sessions/nope/activity", owner, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("code = %d body=%s", w.Code, w.Body)
			}
			if tt.want != http.StatusOK {
				return
			}
			var body struct {
				Data struct {
					Activity []models.ActivityEntry `json:"activity"`
				} `json:"data"`
			}
			json.Unmarshal(w.Body.Bytes(), &body)
			if len(body.Data.Activity) != 1 || body.Data.Activity[0].Action != models.ActionCreateSession {
				t.Fatalf("body = %s", w.Body)
			}
		})
	}
}

func TestRepositoryJoinLeave(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, url, 2, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(pool.Close)
	if err := database.Migrate(ctx, pool, nil); err != nil {
		t.Fatal(err)
	}
	repo := NewRepository(pool)
	sid := "it-" + time.Now().Format("150405.000000")
	t.Cleanup(func() { pool.Exec(ctx, `DELETE FROM session_activity WHERE session_id = $1`, sid) })

	joined := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	e := models.ActivityEntry{SessionID: sid, StreamID: "st1", CompanyID: "c1", UserID: "u1", Action: models.ActionJoinSession, Role: "viewer", At: joined}
	if _, err := repo.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	e.At = joined.Add(45 * time.Second)
	if err := repo.RecordLeave(ctx, e); err != nil {
		t.Fatal(err)
	}
	list, err := repo.ListBySession(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 || list[0].WatchSeconds != 45 || list[1].Action != models.ActionLeaveSession {
		t.Fatalf("list = %+v", list)
	}
	sum, err := repo.Summarize(ctx, sid)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Joins != 1 || sum.TotalWatchSeconds != 45 {
		t.Fatalf("summary = %+v", sum)
	}
}
