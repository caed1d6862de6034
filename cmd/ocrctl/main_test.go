package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/auth"
)

func TestParseFilter(t *testing.T) {
	owner := uuid.New()
	tests := []struct {
		name    string
		owner   string
		from    string
		to      string
		wantErr bool
	}{
		{"empty", "", "", "", false},
		{"full", owner.String(), "2025-01-01", "2025-01-31", false},
		{"bad owner", "nope", "", "", true},
		{"bad date", "", "01/02/2025", "", true},
		{"inverted range", "", "2025-02-01", "2025-01-01", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := parseFilter(tt.owner, tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.name == "full" {
				if f.Owner == nil || *f.Owner != owner {
					t.Errorf("owner = %v", f.Owner)
				}
				if f.From == nil || !f.From.Equal(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)) {
					t.Errorf("from = %v", f.From)
				}
			}
		})
	}
}

func TestTokenIssue(t *testing.T) {
	t.Setenv("OCRPIPE_CONFIG", "")
	t.Setenv("TOKEN_SECRET", "cli-secret")
	configPath = ""
	user := uuid.New()

	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"token", "issue", "--user", user.String(), "--role", "admin"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}

	token := strings.TrimSpace(stdout.String())
	claims, err := auth.NewSigner([]byte("cli-secret"), time.Hour).Validate(token)
	if err != nil {
		t.Fatalf("validate issued token: %v", err)
	}
	if claims.UserID != user || claims.Role != auth.RoleAdmin {
		t.Errorf("claims = %+v", claims)
	}
	if !strings.Contains(stderr.String(), "role=Admin") {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestTokenIssueRequiresSecret(t *testing.T) {
	t.Setenv("OCRPIPE_CONFIG", "")
	t.Setenv("TOKEN_SECRET", "")
	configPath = ""

	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"token", "issue"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected error without a secret")
	}
}
