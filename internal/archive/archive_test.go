package archive

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/fetch"
)

type entry struct {
	name string
	body string
	link string
	hard string
	dir  bool
}

func tarBytes(t *testing.T, entries []entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		hdr := &tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		switch {
		case e.dir:
			hdr.Typeflag, hdr.Mode, hdr.Size = tar.TypeDir, 0o755, 0
		case e.link != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeSymlink, e.link, 0
		case e.hard != "":
			hdr.Typeflag, hdr.Linkname, hdr.Size = tar.TypeLink, e.hard, 0
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header %s: %v", e.name, err)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("tar body %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func writeArtifact(t *testing.T, format fetch.Format, entries []entry) fetch.Artifact {
	t.Helper()
	var buf bytes.Buffer
	switch format {
	case fetch.FormatTarGz:
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(tarBytes(t, entries)); err != nil {
			t.Fatalf("gzip: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("gzip close: %v", err)
		}
	case fetch.FormatTarZst:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			t.Fatalf("zstd: %v", err)
		}
		if _, err := zw.Write(tarBytes(t, entries)); err != nil {
			t.Fatalf("zstd write: %v", err)
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("zstd close: %v", err)
		}
	case fetch.FormatZip:
		zw := zip.NewWriter(&buf)
		for _, e := range entries {
			name := e.name
			if e.dir && !strings.HasSuffix(name, "/") {
				name += "/"
			}
			w, err := zw.Create(name)
			if err != nil {
				t.Fatalf("zip create %s: %v", name, err)
			}
			if _, err := w.Write([]byte(e.body)); err != nil {
				t.Fatalf("zip write %s: %v", name, err)
			}
		}
		if err := zw.Close(); err != nil {
			t.Fatalf("zip close: %v", err)
		}
	}
	path := filepath.Join(t.TempDir(), "artifact."+format.Extension())
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	return fetch.Artifact{Path: path, Size: int64(buf.Len()), Format: format}
}

func newInstaller() *Installer {
	in := New("", slog.New(slog.NewTextHandler(io.Discard, nil)))
	in.RunID = "test"
	return in
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir(%s): %v", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func release() []entry {
	return []entry{
		{name: "composer.json", body: `{"name":"acme/app"}`},
		{name: "artisan", body: "#!/usr/bin/env php"},
		{name: "app/", dir: true},
		{name: "app/Kernel.php", body: "<?php"},
	}
}

func TestExtract_Formats(t *testing.T) {
	for _, format := range []fetch.Format{fetch.FormatTarGz, fetch.FormatTarZst, fetch.FormatZip} {
		t.Run(string(format), func(t *testing.T) {
			root := t.TempDir()
			tree, err := newInstaller().Extract(context.Background(), writeArtifact(t, format, release()), root)
			if err != nil {
				t.Fatalf("Extract() err=%v", err)
			}
			if got, want := listDir(t, root), []string{"app", "artisan", "composer.json"}; strings.Join(got, ",") != strings.Join(want, ",") {
				t.Fatalf("root entries=%v, want %v", got, want)
			}
			if len(tree.Promoted) != 3 {
				t.Fatalf("Promoted=%v, want 3 entries", tree.Promoted)
			}
			body, err := os.ReadFile(filepath.Join(root, "app", "Kernel.php"))
			if err != nil || string(body) != "<?php" {
				t.Fatalf("Kernel.php=%q err=%v", body, err)
			}
		})
	}
}

func TestExtract_StripsWrapperDirectory(t *testing.T) {
	root := t.TempDir()
	art := writeArtifact(t, fetch.FormatTarGz, []entry{
		{name: "app-1.4.0/", dir: true},
		{name: "app-1.4.0/composer.json", body: "{}"},
		{name: "app-1.4.0/public/index.php", body: "<?php"},
	})
	if _, err := newInstaller().Extract(context.Background(), art, root); err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "composer.json")); err != nil {
		t.Fatalf("manifest not at root: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "public", "index.php")); err != nil {
		t.Fatalf("nested file not promoted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "app-1.4.0")); !os.IsNotExist(err) {
		t.Fatalf("wrapper directory promoted: %v", err)
	}
}

func TestExtract_MissingManifest(t *testing.T) {
	root := t.TempDir()
	art := writeArtifact(t, fetch.FormatTarGz, []entry{{name: "README.md", body: "hi"}})
	_, err := newInstaller().Extract(context.Background(), art, root)
	if !errors.Is(err, ErrManifestMissing) {
		t.Fatalf("err=%v, want ErrManifestMissing", err)
	}
	if domain.KindOf(err) != domain.KindValidation {
		t.Fatalf("kind=%q, want validation", domain.KindOf(err))
	}
	if got := listDir(t, root); len(got) != 0 {
		t.Fatalf("install root changed: %v", got)
	}
}

func TestExtract_RejectsUnsafeEntries(t *testing.T) {
	cases := map[string][]entry{
		"parent traversal": {{name: "composer.json", body: "{}"}, {name: "../evil.php", body: "x"}},
		"nested traversal": {{name: "composer.json", body: "{}"}, {name: "app/../../evil.php", body: "x"}},
		"absolute path":    {{name: "composer.json", body: "{}"}, {name: "/etc/cron.d/evil", body: "x"}},
		"escaping symlink": {{name: "composer.json", body: "{}"}, {name: "public/etc", link: "../../etc"}},
		"absolute symlink": {{name: "composer.json", body: "{}"}, {name: "passwd", link: "/etc/passwd"}},
		"symlink chain": {
			{name: "composer.json", body: "{}"},
			{name: "x", link: "."},
			{name: "y", link: "x/.."},
			{name: "z", link: "y/.."},
			{name: "z/pwned.txt", body: "outside"},
		},
		"link escaping once its target appears": {
			{name: "composer.json", body: "{}"},
			{name: "a", link: "b/.."},
			{name: "b", link: "."},
		},
		"hard link outside": {{name: "composer.json", body: "{}"}, {name: "stolen", hard: "../html/keep.txt"}},
	}
	for name, entries := range cases {
		t.Run(name, func(t *testing.T) {
			parent := t.TempDir()
			root := filepath.Join(parent, "html")
			if err := os.MkdirAll(root, 0o755); err != nil {
				t.Fatalf("mkdir: %v", err)
			}
			if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("keep"), 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}

			_, err := newInstaller().Extract(context.Background(), writeArtifact(t, fetch.FormatTarGz, entries), root)
			if !errors.Is(err, ErrUnsafePath) {
				t.Fatalf("err=%v, want ErrUnsafePath", err)
			}
			if domain.KindOf(err) != domain.KindExtraction {
				t.Fatalf("kind=%q, want extraction", domain.KindOf(err))
			}
			if got := listDir(t, root); strings.Join(got, ",") != "keep.txt" {
				t.Fatalf("install root changed: %v", got)
			}
			if got := listDir(t, parent); strings.Join(got, ",") != "html" {
				t.Fatalf("entry written outside the root: %v", got)
			}
		})
	}
}

func TestExtract_InternalSymlinkAllowed(t *testing.T) {
	root := t.TempDir()
	art := writeArtifact(t, fetch.FormatTarGz, []entry{
		{name: "composer.json", body: "{}"},
		{name: "storage/app/public/", dir: true},
		{name: "public/storage", link: "../storage/app/public"},
		{name: "public/index.php", body: "<?php"},
		{name: "index.php", hard: "public/index.php"},
	})
	if _, err := newInstaller().Extract(context.Background(), art, root); err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if body, err := os.ReadFile(filepath.Join(root, "index.php")); err != nil || string(body) != "<?php" {
		t.Fatalf("hard link body=%q err=%v", body, err)
	}
	got, err := os.Readlink(filepath.Join(root, "public", "storage"))
	if err != nil || got != "../storage/app/public" {
		t.Fatalf("Readlink()=%q err=%v", got, err)
	}
}

func TestExtract_CorruptArchive(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(t.TempDir(), "broken.tar.gz")
	if err := os.WriteFile(path, []byte{0x1f, 0x8b, 0x00, 0x01, 0x02}, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := newInstaller().Extract(context.Background(), fetch.Artifact{Path: path, Format: fetch.FormatTarGz}, root)
	if domain.KindOf(err) != domain.KindExtraction {
		t.Fatalf("kind=%q, want extraction (err=%v)", domain.KindOf(err), err)
	}
	if got := listDir(t, root); len(got) != 0 {
		t.Fatalf("install root changed: %v", got)
	}
}

func TestExtract_ReplacesExistingEntries(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "app"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "app", "stale.php"), []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := newInstaller().Extract(context.Background(), writeArtifact(t, fetch.FormatTarGz, release()), root); err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "app", "stale.php")); !os.IsNotExist(err) {
		t.Fatalf("stale entry survived: %v", err)
	}
}

func TestTreeRemove(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "keep.txt"), []byte("keep"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	tree, err := newInstaller().Extract(context.Background(), writeArtifact(t, fetch.FormatZip, release()), root)
	if err != nil {
		t.Fatalf("Extract() err=%v", err)
	}
	if err := tree.Remove(); err != nil {
		t.Fatalf("Remove() err=%v", err)
	}
	if got := listDir(t, root); strings.Join(got, ",") != "keep.txt" {
		t.Fatalf("root after Remove=%v, want keep.txt only", got)
	}
}

func TestExtract_UnsupportedFormat(t *testing.T) {
	_, err := newInstaller().Extract(context.Background(), fetch.Artifact{Path: "x", Format: fetch.FormatAuto}, t.TempDir())
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err=%v, want ErrUnsupportedFormat", err)
	}
}

func TestExtract_WrapperSymlinkEscapingAfterStrip(t *testing.T) {
	root := t.TempDir()
	art := writeArtifact(t, fetch.FormatTarGz, []entry{
		{name: "app/composer.json", body: "{}"},
		{name: "app/config", link: "../outside"},
	})
	_, err := newInstaller().Extract(context.Background(), art, root)
	if !errors.Is(err, ErrUnsafePath) {
		t.Fatalf("err=%v, want ErrUnsafePath", err)
	}
}
