package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSecret(t *testing.T, dir, name, value string, perm os.FileMode) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(value), perm); err != nil {
		t.Fatal(err)
	}
	// WriteFile is subject to the umask; set the mode explicitly.
	if err := os.Chmod(filepath.Join(dir, name), perm); err != nil {
		t.Fatal(err)
	}
}

func TestEnvProvider(t *testing.T) {
	t.Setenv("SPENDGATE_SECRET_WEBHOOK_HMAC", "from-env")
	p := NewEnvProvider("SPENDGATE_SECRET_")

	if got := p.EnvVar("webhook-hmac"); got != "SPENDGATE_SECRET_WEBHOOK_HMAC" {
		t.Errorf("Expected SPENDGATE_SECRET_WEBHOOK_HMAC, got %q", got)
	}

	value, err := p.GetSecret(context.Background(), "webhook-hmac")
	if err != nil {
		t.Fatalf("GetSecret failed: %v", err)
	}
	if value != "from-env" {
		t.Errorf("Expected from-env, got %q", value)
	}

	_, err = p.GetSecret(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestFileProvider(t *testing.T) {
	dir := t.TempDir()
	writeSecret(t, dir, "db-password", "s3cret\n", 0o600)
	writeSecret(t, dir, "loose", "visible", 0o644)

	p, err := NewFileProvider(dir)
	if err != nil {
		t.Fatalf("NewFileProvider failed: %v", err)
	}

	tests := []struct {
		name     string
		secret   string
		want     string
		notFound bool
		wantErr  bool
	}{
		{name: "trims whitespace", secret: "db-password", want: "s3cret"},
		{name: "missing", secret: "nope", notFound: true, wantErr: true},
		{name: "insecure permissions", secret: "loose", wantErr: true},
		{name: "traversal", secret: "../db-password", wantErr: true},
		{name: "hidden", secret: ".env", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.GetSecret(context.Background(), tt.secret)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected an error")
				}
				if errors.Is(err, ErrNotFound) != tt.notFound {
					t.Errorf("Expected ErrNotFound=%v, got %v", tt.notFound, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetSecret failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}

	if _, err := NewFileProvider(filepath.Join(dir, "db-password")); err == nil {
		t.Error("Expected an error for a file path")
	}
}

func TestResolver(t *testing.T) {
	dir := t.TempDir()
	writeSecret(t, dir, "db-password", "from-file", 0o600)
	writeSecret(t, dir, "shared", "file-wins", 0o400)
	t.Setenv("SPENDGATE_SECRET_SHARED", "env-loses")
	t.Setenv("SPENDGATE_SECRET_SMTP", "from-env")

	fp, err := NewFileProvider(dir)
	if err != nil {
		t.Fatal(err)
	}
	r := NewResolver(fp, NewEnvProvider("SPENDGATE_SECRET_"))
	ctx := context.Background()

	if v, err := r.GetSecret(ctx, "shared"); err != nil || v != "file-wins" {
		t.Errorf("Expected the first provider to win, got %q, %v", v, err)
	}

	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{name: "plain", input: "literal", want: "literal"},
		{name: "whole value", input: "${secret:db-password}", want: "from-file"},
		{name: "fallback provider", input: "${secret:smtp}", want: "from-env"},
		{name: "embedded", input: "user:${secret:db-password}@host", want: "user:from-file@host"},
		{name: "missing", input: "${secret:nope}", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Resolve(ctx, tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("Expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestResolver_ResolveAll(t *testing.T) {
	t.Setenv("SPENDGATE_SECRET_A", "alpha")
	r := NewResolver(NewEnvProvider("SPENDGATE_SECRET_"))

	a, b, c := "${secret:a}", "plain", "${secret:missing}"
	err := r.ResolveAll(context.Background(), &a, &b, nil, &c)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Errorf("Expected an error naming the missing secret, got %v", err)
	}
	if a != "alpha" {
		t.Errorf("Expected alpha, got %q", a)
	}
	if b != "plain" {
		t.Errorf("Expected plain to be untouched, got %q", b)
	}
	if c != "${secret:missing}" {
		t.Errorf("Expected the unresolved reference to be kept, got %q", c)
	}
}

func TestRedactName(t *testing.T) {
	if got := redactName("abc"); got != "***" {
		t.Errorf("Expected ***, got %q", got)
	}
	if got := redactName("webhook-hmac"); got != "we...ac" {
		t.Errorf("Expected we...ac, got %q", got)
	}
}
