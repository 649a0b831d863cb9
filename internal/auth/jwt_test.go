package auth

import (
	"errors"
	"testing"

	"github.com/aura-tokprompt/backend/internal/models"
)

func TestGenerateAndValidate(t *testing.T) {
	svc := NewJWTService("test-secret", 1, 1)
	p := models.Principal{UserID: "u1", CompanyID: "c1", Name: "Ada", Role: models.PrincipalAdmin}

	token, err := svc.Generate(p, "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Principal() != p {
		t.Fatalf("principal = %+v", claims.Principal())
	}
	if claims.IsSessionToken() {
		t.Fatal("principal token reported as session token")
	}
}

func TestSessionToken(t *testing.T) {
	svc := NewJWTService("test-secret", 1, 2)
	p := models.Principal{UserID: "guest-1", Name: "Guest", Role: models.PrincipalGuest}
	token, err := svc.GenerateSession(p, SessionGrant{SessionID: "s1", StreamID: "st1", Role: models.RoleViewer})
	if err != nil {
		t.Fatal(err)
	}
	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatal(err)
	}
	if !claims.IsSessionToken() || claims.SessionID != "s1" || claims.StreamID != "st1" || claims.SessionRole != "viewer" {
		t.Fatalf("claims = %+v", claims)
	}
}

func TestValidateRejectsForeignSecret(t *testing.T) {
	token, _ := NewJWTService("a", 1, 1).Generate(models.Principal{UserID: "u"}, "")
	if _, err := NewJWTService("b", 1, 1).Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v", err)
	}
}
