package perms

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/animus-labs/appbootstrap/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustWrite(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("x"), mode); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatalf("chmod %s: %v", path, err)
	}
}

func modeOf(t *testing.T, path string) os.FileMode {
	t.Helper()
	info, err := os.Lstat(path)
	if err != nil {
		t.Fatalf("lstat %s: %v", path, err)
	}
	return info.Mode().Perm()
}

func currentOwnerPolicy() Policy {
	p := DefaultPolicy()
	p.UID = os.Getuid()
	p.GID = os.Getgid()
	return p
}

func TestFinalize_Modes(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "composer.json"), 0o600)
	mustWrite(t, filepath.Join(root, "artisan"), 0o700)
	mustWrite(t, filepath.Join(root, "app", "Kernel.php"), 0o666)
	mustWrite(t, filepath.Join(root, "storage", "logs", "app.log"), 0o600)

	if err := Finalize(context.Background(), root, currentOwnerPolicy(), testLogger()); err != nil {
		t.Fatalf("Finalize() err=%v", err)
	}

	cases := map[string]os.FileMode{
		"composer.json":        0o644,
		"artisan":              0o755,
		"app":                  0o755,
		"app/Kernel.php":       0o644,
		"storage":              0o775,
		"storage/logs":         0o775,
		"storage/logs/app.log": 0o664,
		"bootstrap/cache":      0o775,
	}
	for rel, want := range cases {
		if got := modeOf(t, filepath.Join(root, rel)); got != want {
			t.Fatalf("%s mode=%o, want %o", rel, got, want)
		}
	}
}

func TestFinalize_DoesNotFollowSymlinks(t *testing.T) {
	outside := filepath.Join(t.TempDir(), "secret")
	mustWrite(t, outside, 0o600)

	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "composer.json"), 0o644)
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	if err := Finalize(context.Background(), root, currentOwnerPolicy(), testLogger()); err != nil {
		t.Fatalf("Finalize() err=%v", err)
	}
	if got := modeOf(t, outside); got != 0o600 {
		t.Fatalf("symlink target mode=%o, want untouched 600", got)
	}
}

func TestFinalize_SkipOwnership(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, "index.php"), 0o600)
	p := DefaultPolicy()
	p.UID, p.GID = Skip, Skip
	if err := Finalize(context.Background(), root, p, testLogger()); err != nil {
		t.Fatalf("Finalize() err=%v", err)
	}
	if got := modeOf(t, filepath.Join(root, "index.php")); got != 0o644 {
		t.Fatalf("mode=%o, want 644", got)
	}
}

func TestFinalize_KeepsPinnedConfigMode(t *testing.T) {
	root := t.TempDir()
	mustWrite(t, filepath.Join(root, ".env"), 0o640)
	mustWrite(t, filepath.Join(root, "index.php"), 0o600)
	p := DefaultPolicy()
	p.UID, p.GID = Skip, Skip
	p.Overrides = map[string]os.FileMode{".env": 0o640, "missing.env": 0o600}

	for i := 0; i < 2; i++ {
		if err := Finalize(context.Background(), root, p, testLogger()); err != nil {
			t.Fatalf("Finalize() err=%v", err)
		}
	}
	if got := modeOf(t, filepath.Join(root, ".env")); got != 0o640 {
		t.Fatalf(".env mode=%o, want 640", got)
	}
	if got := modeOf(t, filepath.Join(root, "index.php")); got != 0o644 {
		t.Fatalf("index.php mode=%o, want 644", got)
	}
	if _, err := os.Lstat(filepath.Join(root, "missing.env")); !os.IsNotExist(err) {
		t.Fatalf("override created a file: %v", err)
	}
}

func TestFinalize_MissingRoot(t *testing.T) {
	err := Finalize(context.Background(), filepath.Join(t.TempDir(), "missing"), currentOwnerPolicy(), testLogger())
	if domain.KindOf(err) != domain.KindPermission {
		t.Fatalf("kind=%q, want permission", domain.KindOf(err))
	}
}

func TestPolicyValidate(t *testing.T) {
	cases := map[string]func(*Policy){
		"negative uid":       func(p *Policy) { p.UID = -2 },
		"owner cannot enter": func(p *Policy) { p.DirMode = 0o644 },
		"absolute writable":  func(p *Policy) { p.WritablePaths = []string{"/tmp"} },
		"escaping writable":  func(p *Policy) { p.WritablePaths = []string{"../shared"} },
		"escaping override":  func(p *Policy) { p.Overrides = map[string]os.FileMode{"../.env": 0o600} },
	}
	for name, mutate := range cases {
		p := DefaultPolicy()
		mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestPolicyFromEnv(t *testing.T) {
	t.Setenv("OWNER_UID", "1000")
	t.Setenv("OWNER_GID", "-1")
	t.Setenv("FILE_MODE", "0640")
	t.Setenv("WRITABLE_PATHS", "storage, var/cache")
	p, err := PolicyFromEnv()
	if err != nil {
		t.Fatalf("PolicyFromEnv() err=%v", err)
	}
	if p.UID != 1000 || p.GID != Skip || p.FileMode != 0o640 {
		t.Fatalf("policy=%+v", p)
	}
	if len(p.WritablePaths) != 2 || p.WritablePaths[1] != "var/cache" {
		t.Fatalf("WritablePaths=%v", p.WritablePaths)
	}
}

func TestModeFor(t *testing.T) {
	if got := modeFor(0o700, 0o644); got != 0o755 {
		t.Fatalf("modeFor(700, 644)=%o, want 755", got)
	}
	if got := modeFor(0o600, 0o644); got != 0o644 {
		t.Fatalf("modeFor(600, 644)=%o, want 644", got)
	}
	if got := modeFor(0o755, 0o640); got != 0o750 {
		t.Fatalf("modeFor(755, 640)=%o, want 750", got)
	}
}
