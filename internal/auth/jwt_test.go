package auth

import (
	"context"
	"strings"
	"testing"
	"time"
)

// newTestTokenService uses a fixed secret so tests are deterministic.
func newTestTokenService(t *testing.T) *TokenService {
	t.Helper()
	ts, err := NewTokenService("test-secret-at-least-16-chars!!")
	if err != nil {
		t.Fatalf("NewTokenService: %v", err)
	}
	return ts
}

var asha = Identity{UID: "firebase-uid-asha", Email: "asha@example.com", Name: "Asha"}

func TestNewTokenService_ShortSecret(t *testing.T) {
	_, err := NewTokenService("short")
	if err == nil {
		t.Fatal("NewTokenService() should reject secrets shorter than 16 chars")
	}
}

func TestGenerate_LooksLikeJWT(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Generate(asha, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got := strings.Count(token, "."); got != 2 {
		t.Errorf("Generate() token doesn't look like a JWT (expected 2 dots, got %d)", got)
	}
}

func TestGenerate_RequiresSubject(t *testing.T) {
	ts := newTestTokenService(t)
	if _, err := ts.Generate(Identity{Email: "x@example.com"}, time.Hour); err == nil {
		t.Fatal("Generate() should reject an identity without UID")
	}
}

func TestVerify_RoundTrip(t *testing.T) {
	ts := newTestTokenService(t)

	token, err := ts.Generate(asha, time.Hour)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}

	got, err := ts.Verify(context.Background(), token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if got != asha {
		t.Errorf("Verify() = %+v, want %+v", got, asha)
	}
}

func TestVerify_Rejects(t *testing.T) {
	ts := newTestTokenService(t)
	other, _ := NewTokenService("wrong-secret-32-chars-long!!!!!!")

	valid, _ := ts.Generate(asha, time.Hour)
	expired, _ := ts.Generate(asha, -time.Second)
	foreign, _ := other.Generate(asha, time.Hour)

	tests := []struct {
		name  string
		token string
	}{
		{"expired", expired},
		{"tampered signature", valid[:len(valid)-3] + "xxx"},
		{"signed with another secret", foreign},
		{"empty", ""},
		{"garbage", "not.a.jwt.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ts.Verify(context.Background(), tt.token); err == nil {
				t.Fatal("Verify() should have returned an error")
			}
		})
	}
}
