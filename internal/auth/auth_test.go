package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueVerify(t *testing.T) {
	tok, err := Issue("s3cret", "alice", time.Hour)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	claims, err := Verify("s3cret", tok)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.Subject != "alice" {
		t.Errorf("expected subject alice, got %q", claims.Subject)
	}
}

func TestVerify_Rejects(t *testing.T) {
	good, _ := Issue("s3cret", "alice", time.Hour)
	expired, _ := Issue("s3cret", "alice", -time.Minute)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "mallory"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}

	tests := []struct {
		name, secret, token string
	}{
		{"wrong secret", "other", good},
		{"expired", "s3cret", expired},
		{"alg none", "s3cret", unsigned},
		{"garbage", "s3cret", "abc.def.ghi"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Verify(tt.secret, tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
}

func TestNoSecret(t *testing.T) {
	if _, err := Issue("", "x", time.Hour); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Issue: expected ErrNoSecret, got %v", err)
	}
	if _, err := Verify("", "x"); !errors.Is(err, ErrNoSecret) {
		t.Errorf("Verify: expected ErrNoSecret, got %v", err)
	}
}

func TestFileToken(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(path, []byte("  abc.def.ghi\n"), 0600); err != nil {
		t.Fatal(err)
	}
	tok, err := FileToken{Path: path}.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "abc.def.ghi" {
		t.Errorf("unexpected token %q", tok)
	}

	os.WriteFile(path, []byte("\n"), 0600)
	if _, err := (FileToken{Path: path}).Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("expected ErrNoToken, got %v", err)
	}
}
