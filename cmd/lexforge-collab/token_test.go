package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/franciszver/lexforge-sub002/internal/auth"
)

func TestTokenCommandIssuesValidSessionToken(t *testing.T) {
	rootCmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs([]string{"token", "--signing-secret", "cli-secret", "--user-id", "user-9", "--email", "user9@example.com"})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("token command failed: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: []byte("cli-secret")})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	claims, err := validator.ValidateToken(strings.TrimSpace(stdout.String()))
	if err != nil {
		t.Fatalf("issued token did not validate: %v", err)
	}
	if claims.UserID != "user-9" || claims.UserEmail != "user9@example.com" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if !strings.Contains(stderr.String(), "expires") {
		t.Fatalf("expected expiry on stderr, got %q", stderr.String())
	}
}
