package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rxd90/CommandBridge/internal/platform/auth"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CB_JWT_SECRET", "cli-test-secret")
	var out, errOut bytes.Buffer
	root := newRootCmd(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}, args...))
	err := root.Execute()
	return out.String(), err
}

func writeUsers(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	body := "users:\n  - email: Ops@Example.com\n    name: Ops\n    role: L1-operator\n    team: sre\n  - email: lead@example.com\n    name: Lead\n    role: L3-admin\n    team: sre\n    active: false\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write users err: %v", err)
	}
	return path
}

func TestCatalogCheck(t *testing.T) {
	out, err := runCLI(t, "catalog", "check")
	if err != nil {
		t.Fatalf("catalog check err: %v", err)
	}
	if out != "catalog ok: 3 roles, 15 actions\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	bad := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(bad, []byte("roles: [\n"), 0o600); err != nil {
		t.Fatalf("write catalog err: %v", err)
	}
	if _, err := runCLI(t, "catalog", "check", "--file", bad); err == nil {
		t.Fatalf("expected malformed catalog to fail")
	}
}

func TestCatalogList(t *testing.T) {
	out, err := runCLI(t, "catalog", "list", "--role", "L1-operator")
	if err != nil {
		t.Fatalf("catalog list err: %v", err)
	}
	var pullLogs string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "pull-logs ") {
			pullLogs = line
		}
	}
	if !strings.HasSuffix(strings.TrimSpace(pullLogs), "run") {
		t.Fatalf("pull-logs should be runnable by L1, got line %q in:\n%s", pullLogs, out)
	}
	if _, err := runCLI(t, "catalog", "list", "--role", "L9-wizard"); err == nil {
		t.Fatalf("expected unknown role to fail")
	}
}

func TestUsersValidate(t *testing.T) {
	path := writeUsers(t)
	out, err := runCLI(t, "users", "validate", "--file", path)
	if err != nil {
		t.Fatalf("users validate err: %v", err)
	}
	if !strings.Contains(out, "ops@example.com") || !strings.Contains(out, path+" ok: 2 users") {
		t.Fatalf("unexpected output:\n%s", out)
	}

	t.Setenv("CB_USERS_FILE", "")
	if _, err := runCLI(t, "users", "validate"); err == nil || !strings.Contains(err.Error(), "users file is required") {
		t.Fatalf("expected missing file error, got=%v", err)
	}
}

func TestDatabaseCommandsNeedURL(t *testing.T) {
	t.Setenv("CB_DATABASE_URL", "")
	if _, err := runCLI(t, "migrate"); err == nil || !strings.Contains(err.Error(), "database url is required") {
		t.Fatalf("migrate without url err=%v", err)
	}
	if _, err := runCLI(t, "users", "seed", "--file", writeUsers(t)); err == nil || !strings.Contains(err.Error(), "database url is required") {
		t.Fatalf("seed without url err=%v", err)
	}
}

func TestTokenMint(t *testing.T) {
	out, err := runCLI(t, "token", "mint", "--email", " Ops@Example.com ", "--ttl", "5m")
	if err != nil {
		t.Fatalf("token mint err: %v", err)
	}
	id, err := auth.NewJWTVerifier("cli-test-secret").ParseIdentity(strings.TrimSpace(out))
	if err != nil || id.Email != "ops@example.com" {
		t.Fatalf("minted token: %+v err=%v", id, err)
	}

	if _, err := runCLI(t, "token", "mint", "--email", "ops@example.com", "--kid", "nope"); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
	if _, err := runCLI(t, "token", "mint", "--email", "not-an-email"); err == nil {
		t.Fatalf("expected invalid email to fail")
	}
}
