package jwt

import (
	"errors"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

func TestGenerateAndParse(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"), 24, 2)

	token, err := tm.GenerateToken("admin1", "alice", []string{"g1", "g2"}, false)
	if err != nil {
		t.Fatalf("GenerateToken failed: %v", err)
	}
	if token == "" {
		t.Fatal("Generated token is empty")
	}

	claims, err := tm.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if claims.AdminID != "admin1" || claims.Username != "alice" {
		t.Errorf("unexpected identity %q/%q", claims.AdminID, claims.Username)
	}
	if !claims.CanManage("g2") {
		t.Error("expected access to g2")
	}
	if claims.CanManage("g3") {
		t.Error("unexpected access to g3")
	}
}

func TestSuperAdminCanManageAnyGuild(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"), 1, 1)
	token, _ := tm.GenerateToken("root", "root", nil, true)

	claims, err := tm.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if !claims.CanManage("anything") {
		t.Error("super admin should manage every guild")
	}
}

func TestParseToken_WrongSecret(t *testing.T) {
	issuerTM := NewTokenManager([]byte("secret-a"), 1, 1)
	otherTM := NewTokenManager([]byte("secret-b"), 1, 1)

	token, _ := issuerTM.GenerateToken("admin1", "alice", nil, false)
	if _, err := otherTM.ParseToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestParseToken_Expired(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"), 1, 1)
	tm.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _ := tm.GenerateToken("admin1", "alice", nil, false)

	tm.now = time.Now
	if _, err := tm.ParseToken(token); !errors.Is(err, ErrExpiredToken) {
		t.Errorf("expected ErrExpiredToken, got %v", err)
	}
}

func TestParseToken_RejectsNoneAlgorithm(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"), 1, 1)
	claims := Claims{
		AdminID:    "admin1",
		SuperAdmin: true,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := tm.ParseToken(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestRefreshToken(t *testing.T) {
	tm := NewTokenManager([]byte("test-secret"), 24, 2)

	fresh, _ := tm.GenerateToken("admin1", "alice", []string{"g1"}, false)
	if _, err := tm.RefreshToken(fresh); !errors.Is(err, ErrNotRefreshable) {
		t.Errorf("fresh token should not refresh, got %v", err)
	}

	tm.now = func() time.Time { return time.Now().Add(-23 * time.Hour) }
	old, _ := tm.GenerateToken("admin1", "alice", []string{"g1"}, false)
	tm.now = time.Now

	refreshed, err := tm.RefreshToken(old)
	if err != nil {
		t.Fatalf("RefreshToken failed: %v", err)
	}
	claims, err := tm.ParseToken(refreshed)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if !claims.CanManage("g1") {
		t.Error("refreshed token lost guild scope")
	}
}
