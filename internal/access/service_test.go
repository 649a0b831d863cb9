package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/aura-tokprompt/backend/internal/models"
)

type memGrants struct {
	mu     sync.Mutex
	grants map[string]*models.AccessGrant
}

func newMemGrants(gs ...*models.AccessGrant) *memGrants {
	m := &memGrants{grants: make(map[string]*models.AccessGrant)}
	for _, g := range gs {
		m.grants[g.Code] = g
	}
	return m
}

func (m *memGrants) Create(_ context.Context, g *models.AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.grants[g.Code]; ok {
		return ErrCodeExists
	}
	cp := *g
	m.grants[g.Code] = &cp
	return nil
}

func (m *memGrants) Get(_ context.Context, code string) (*models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[code]
	if !ok {
		return nil, nil
	}
	cp := *g
	return &cp, nil
}

func (m *memGrants) ConsumeUse(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[code]
	if !ok || g.Revoked() || g.Exhausted() {
		return false, nil
	}
	g.Uses++
	return true, nil
}

func (m *memGrants) Revoke(_ context.Context, code string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[code]
	if !ok || g.Revoked() {
		return false, nil
	}
	g.RevokedAt = &at
	return true, nil
}

func (m *memGrants) ListByStream(_ context.Context, companyID, streamID string) ([]models.AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AccessGrant
	for _, g := range m.grants {
		if g.CompanyID == companyID && g.StreamID == streamID {
			out = append(out, *g)
		}
	}
	return out, nil
}

type fakePerms map[string]*models.PermissionEntry

func (f fakePerms) Resolve(_ context.Context, companyID, streamID string) (*models.PermissionEntry, error) {
	return f[companyID+"/"+streamID], nil
}

type fakeSessions struct {
	sessions map[string]*models.Session
	created  int
}

func (f *fakeSessions) Get(_ context.Context, id string) (*models.Session, error) {
	s, ok := f.sessions[id]
	if !ok {
		return nil, errors.New("session not found")
	}
	return s, nil
}

func (f *fakeSessions) CreateOrResume(_ context.Context, streamID, companyID string) (*models.Session, bool, error) {
	for _, s := range f.sessions {
		if s.StreamID == streamID && s.CompanyID == companyID && s.Active() {
			return s, false, nil
		}
	}
	f.created++
	s := models.NewSession("new-"+streamID, streamID, companyID, time.Now())
	f.sessions[s.ID] = s
	return s, true, nil
}

func entry(companyID, streamID string, auths ...models.Authority) *models.PermissionEntry {
	e := &models.PermissionEntry{CompanyID: companyID, StreamID: streamID, Principals: auths}
	for _, a := range auths {
		if e.RoleCeiling == "" {
			e.RoleCeiling = a.RoleCeiling
		}
		e.RoleCeiling = models.MaxRole(e.RoleCeiling, a.RoleCeiling)
	}
	return e
}

type fixture struct {
	svc      *Service
	grants   *memGrants
	perms    fakePerms
	sessions *fakeSessions
}

func newFixture(t *testing.T, gs ...*models.AccessGrant) *fixture {
	t.Helper()
	f := &fixture{
		grants: newMemGrants(gs...),
		perms: fakePerms{
			"c1/st1": entry("c1", "st1", models.Authority{PrincipalID: "issuer", RoleCeiling: models.RoleController}),
		},
		sessions: &fakeSessions{sessions: map[string]*models.Session{
			"s1": models.NewSession("s1", "st1", "c1", time.Now()),
		}},
	}
	f.svc = NewService(f.grants, f.perms, f.sessions, Config{CodeLength: 6}, zaptest.NewLogger(t))
	return f
}

func viewerGrant(code string) *models.AccessGrant {
	return &models.AccessGrant{Code: code, CompanyID: "c1", StreamID: "st1", SessionID: "s1", Role: models.RoleViewer, IssuedBy: "issuer"}
}

func TestJoinViaCode(t *testing.T) {
	f := newFixture(t, viewerGrant("ABC123"))
	res, err := f.svc.RequestAccess(context.Background(), "c1", "ABC123")
	if err != nil {
		t.Fatal(err)
	}
	want := Result{Granted: true, Role: models.RoleViewer, SessionID: "s1", StreamID: "st1", CompanyID: "c1"}
	if res != want {
		t.Fatalf("got %+v, want %+v", res, want)
	}
}

func TestCodeIsNormalised(t *testing.T) {
	f := newFixture(t, viewerGrant("ABC123"))
	res, _ := f.svc.RequestAccess(context.Background(), "", "  abc123 ")
	if !res.Granted {
		t.Fatalf("got %+v", res)
	}
}

func TestInvalidCodesDoNotLeakTenant(t *testing.T) {
	f := newFixture(t, viewerGrant("ABC123"))
	ctx := context.Background()
	notFound, _ := f.svc.RequestAccess(ctx, "c2", "ZZZ999")
	wrongTenant, _ := f.svc.RequestAccess(ctx, "c2", "ABC123")
	empty, _ := f.svc.RequestAccess(ctx, "c2", "")
	for _, r := range []Result{notFound, wrongTenant, empty} {
		if r != (Result{Reason: ReasonInvalidCode}) {
			t.Fatalf("got %+v", r)
		}
	}
}

func TestGuestWithoutTenantMayRedeem(t *testing.T) {
	f := newFixture(t, viewerGrant("ABC123"))
	res, _ := f.svc.RequestAccess(context.Background(), "", "ABC123")
	if !res.Granted {
		t.Fatalf("got %+v", res)
	}
}

func TestDeadCodes(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	revoked := viewerGrant("REV001")
	revoked.RevokedAt = &past
	expired := viewerGrant("EXP001")
	expired.ExpiresAt = &past
	used := viewerGrant("USE001")
	used.MaxUses, used.Uses = 1, 1

	f := newFixture(t, revoked, expired, used)
	for _, code := range []string{"REV001", "EXP001", "USE001"} {
		res, err := f.svc.RequestAccess(context.Background(), "c1", code)
		if err != nil || res.Granted || res.Reason != ReasonInvalidCode {
			t.Fatalf("%s: %+v %v", code, res, err)
		}
	}
}

func TestNoPermission(t *testing.T) {
	orphan := viewerGrant("ORP001")
	orphan.StreamID = "st2"
	tooHigh := viewerGrant("HIGH01")
	tooHigh.Role = models.RoleController

	f := newFixture(t, orphan, tooHigh)
	f.perms["c1/st1"] = entry("c1", "st1", models.Authority{PrincipalID: "issuer", RoleCeiling: models.RoleViewer})

	for _, code := range []string{"ORP001", "HIGH01"} {
		res, _ := f.svc.RequestAccess(context.Background(), "c1", code)
		if res.Granted || res.Reason != ReasonNoPermission {
			t.Fatalf("%s: %+v", code, res)
		}
	}
}

func TestIssuerLosingAuthorityRevokesCodes(t *testing.T) {
	privileged := viewerGrant("ROOT01")
	privileged.IssuedBy, privileged.IssuerPrivileged = "root", true

	f := newFixture(t, viewerGrant("ABC123"), privileged)
	f.perms["c1/st1"] = entry("c1", "st1", models.Authority{PrincipalID: "someone-else", RoleCeiling: models.RoleViewer})

	res, _ := f.svc.RequestAccess(context.Background(), "c1", "ABC123")
	if res.Granted || res.Reason != ReasonInvalidCode {
		t.Fatalf("got %+v", res)
	}
	res, _ = f.svc.RequestAccess(context.Background(), "c1", "ROOT01")
	if !res.Granted {
		t.Fatalf("privileged code denied: %+v", res)
	}
}

func TestEndedPinnedSessionFallsBackToStream(t *testing.T) {
	f := newFixture(t, viewerGrant("ABC123"))
	f.sessions.sessions["s1"].Status = models.SessionTerminal

	res, _ := f.svc.RequestAccess(context.Background(), "c1", "ABC123")
	if !res.Granted || res.SessionID != "new-st1" || res.StreamID != "st1" {
		t.Fatalf("got %+v", res)
	}
	if f.sessions.created != 1 {
		t.Fatalf("created = %d", f.sessions.created)
	}
}

func TestSingleUseCode(t *testing.T) {
	g := viewerGrant("ONE001")
	g.MaxUses = 1
	f := newFixture(t, g)

	var granted []Result
	f.svc.SetGrantedHandler(func(_ context.Context, r Result) { granted = append(granted, r) })

	first, _ := f.svc.RequestAccess(context.Background(), "c1", "ONE001")
	second, _ := f.svc.RequestAccess(context.Background(), "c1", "ONE001")
	if !first.Granted || second.Granted || second.Reason != ReasonInvalidCode {
		t.Fatalf("first=%+v second=%+v", first, second)
	}
	if len(granted) != 1 {
		t.Fatalf("granted handler called %d times", len(granted))
	}
}

func TestIssueCode(t *testing.T) {
	f := newFixture(t)
	f.svc.cfg.DefaultTTL = 24 * time.Hour
	ctx := context.Background()
	issuer := models.Principal{UserID: "issuer", CompanyID: "c1", Role: models.PrincipalMember}

	g, err := f.svc.IssueCode(ctx, issuer, IssueRequest{StreamID: "st1", Role: models.RoleController, SessionID: "s1", MaxUses: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(g.Code) != 6 || g.IssuerPrivileged || g.ExpiresAt == nil || g.MaxUses != 3 {
		t.Fatalf("grant = %+v", g)
	}
	res, _ := f.svc.RequestAccess(ctx, "", g.Code)
	if !res.Granted || res.Role != models.RoleController || res.SessionID != "s1" {
		t.Fatalf("redeem = %+v", res)
	}

	stranger := models.Principal{UserID: "stranger", CompanyID: "c1", Role: models.PrincipalMember}
	if _, err := f.svc.IssueCode(ctx, stranger, IssueRequest{StreamID: "st1", Role: models.RoleViewer}); !errors.Is(err, ErrNoAuthority) {
		t.Fatalf("err = %v", err)
	}
	f.perms["c1/st1"] = entry("c1", "st1", models.Authority{PrincipalID: "issuer", RoleCeiling: models.RoleViewer})
	if _, err := f.svc.IssueCode(ctx, issuer, IssueRequest{StreamID: "st1", Role: models.RoleController}); !errors.Is(err, ErrAboveCeiling) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.IssueCode(ctx, issuer, IssueRequest{StreamID: "st1", Role: models.RoleViewer, SessionID: "missing"}); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("err = %v", err)
	}
	if _, err := f.svc.IssueCode(ctx, issuer, IssueRequest{StreamID: "st1", Role: "owner"}); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("err = %v", err)
	}

	root := models.Principal{UserID: "root", CompanyID: "c1", Role: models.PrincipalSuperAdmin}
	g, err = f.svc.IssueCode(ctx, root, IssueRequest{StreamID: "st1", Role: models.RoleViewer})
	if err != nil || !g.IssuerPrivileged {
		t.Fatalf("grant=%+v err=%v", g, err)
	}
}

func TestRevokeCode(t *testing.T) {
	f := newFixture(t, viewerGrant("ABC123"))
	ctx := context.Background()

	other := models.Principal{UserID: "other", CompanyID: "c1", Role: models.PrincipalMember}
	if err := f.svc.RevokeCode(ctx, other, "ABC123"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v", err)
	}
	foreign := models.Principal{UserID: "issuer", CompanyID: "c2", Role: models.PrincipalMember}
	if err := f.svc.RevokeCode(ctx, foreign, "ABC123"); !errors.Is(err, ErrCodeNotFound) {
		t.Fatalf("err = %v", err)
	}
	issuer := models.Principal{UserID: "issuer", CompanyID: "c1", Role: models.PrincipalMember}
	if err := f.svc.RevokeCode(ctx, issuer, "abc123"); err != nil {
		t.Fatal(err)
	}
	res, _ := f.svc.RequestAccess(ctx, "c1", "ABC123")
	if res.Granted || res.Reason != ReasonInvalidCode {
		t.Fatalf("got %+v", res)
	}
}
