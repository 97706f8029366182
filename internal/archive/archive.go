// Package archive unpacks a release artifact into the install root.
//
// Entries are first written to a staging directory inside the root, through
// an os.Root so no entry or link chain can reach outside of it. The
// tree is promoted only after every entry was written safely and the
// application manifest was found, so a failed extraction leaves the root as
// it was.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/animus-labs/appbootstrap/internal/domain"
	"github.com/animus-labs/appbootstrap/internal/fetch"
	"github.com/animus-labs/appbootstrap/internal/platform/runid"
)

const (
	DefaultManifest = "composer.json"
	stagingPrefix   = ".bootstrap-staging-"
)

var (
	ErrUnsafePath        = errors.New("archive entry escapes the install root")
	ErrManifestMissing   = errors.New("application manifest missing from archive")
	ErrUnsupportedFormat = errors.New("unsupported archive format")
)

// Tree is the set of top-level entries promoted into the install root.
type Tree struct {
	Root     string
	Promoted []string
}

// Remove deletes every promoted entry. It is used to undo a failed install.
func (t Tree) Remove() error {
	var errs []error
	for _, p := range t.Promoted {
		if err := os.RemoveAll(p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type Installer struct {
	Manifest string
	RunID    string
	Logger   *slog.Logger
}

func New(manifest string, logger *slog.Logger) *Installer {
	if manifest == "" {
		manifest = DefaultManifest
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Installer{Manifest: manifest, Logger: logger}
}

// StagingDir is where Extract unpacks before promotion.
func (i *Installer) StagingDir(targetDir string) string {
	id := i.RunID
	if id == "" {
		id = runid.New()
	}
	return filepath.Join(targetDir, stagingPrefix+id)
}

// Extract unpacks art and promotes its contents into targetDir. It is never
// retried. On a promotion failure the returned Tree lists what was already
// moved.
func (i *Installer) Extract(ctx context.Context, art fetch.Artifact, targetDir string) (Tree, error) {
	tree := Tree{Root: targetDir}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return tree, domain.Errorf(domain.KindExtraction, "create install root: %w", err)
	}

	staging := i.StagingDir(targetDir)
	if err := os.RemoveAll(staging); err != nil {
		return tree, domain.Errorf(domain.KindExtraction, "clear staging dir: %w", err)
	}
	if err := os.Mkdir(staging, 0o755); err != nil {
		return tree, domain.Errorf(domain.KindExtraction, "create staging dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(staging); err != nil {
			i.Logger.Warn("staging dir not removed", "path", staging, "error", err)
		}
	}()

	sr, err := os.OpenRoot(staging)
	if err != nil {
		return tree, domain.Errorf(domain.KindExtraction, "open staging dir: %w", err)
	}
	defer sr.Close()

	switch art.Format {
	case fetch.FormatTarGz:
		err = extractTarGz(ctx, art.Path, sr)
	case fetch.FormatTarZst:
		err = extractTarZst(ctx, art.Path, sr)
	case fetch.FormatZip:
		err = extractZip(ctx, art.Path, sr)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedFormat, art.Format)
	}
	if err != nil {
		return tree, domain.Wrap(domain.KindExtraction, err)
	}

	root, err := locateRoot(staging, i.Manifest)
	if err != nil {
		return tree, err
	}
	if root != staging {
		i.Logger.Info("archive wrapper directory stripped", "dir", filepath.Base(root))
	}
	// Links are checked again against the tree that gets promoted, which is
	// narrower than the staging dir when a wrapper was stripped.
	if err := verifyLinks(root); err != nil {
		return tree, domain.Wrap(domain.KindExtraction, err)
	}

	promoted, err := promote(root, targetDir)
	tree.Promoted = promoted
	if err != nil {
		return tree, domain.Errorf(domain.KindExtraction, "promote into %s: %w", targetDir, err)
	}
	i.Logger.Info("archive extracted", "root", targetDir, "entries", len(promoted), "format", string(art.Format))
	return tree, nil
}

// locateRoot returns dir when it holds the manifest, or its single child
// directory when that one does.
func locateRoot(dir, manifest string) (string, error) {
	if fileExists(filepath.Join(dir, manifest)) {
		return dir, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", domain.Errorf(domain.KindExtraction, "read staging dir: %w", err)
	}
	if len(entries) == 1 && entries[0].IsDir() {
		inner := filepath.Join(dir, entries[0].Name())
		if fileExists(filepath.Join(inner, manifest)) {
			return inner, nil
		}
	}
	return "", domain.Errorf(domain.KindValidation, "%w: %s not found", ErrManifestMissing, manifest)
}

func promote(src, dst string) ([]string, error) {
	entries, err := os.ReadDir(src)
	if err != nil {
		return nil, err
	}
	promoted := make([]string, 0, len(entries))
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), stagingPrefix) {
			continue
		}
		target := filepath.Join(dst, e.Name())
		if err := os.RemoveAll(target); err != nil {
			return promoted, err
		}
		if err := os.Rename(filepath.Join(src, e.Name()), target); err != nil {
			return promoted, err
		}
		promoted = append(promoted, target)
	}
	return promoted, nil
}

func fileExists(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.Mode().IsRegular()
}

// entryName cleans an archive entry name into a path relative to the
// staging root.
func entryName(name string) (string, error) {
	name = strings.TrimPrefix(filepath.ToSlash(name), "./")
	if name == "" {
		return ".", nil
	}
	if strings.HasPrefix(name, "/") || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %q", ErrUnsafePath, name)
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	return clean, nil
}

func verifyLinks(dir string) error {
	root, err := os.OpenRoot(dir)
	if err != nil {
		return err
	}
	defer root.Close()
	return fs.WalkDir(root.FS(), ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		name := filepath.FromSlash(p)
		target, err := root.Readlink(name)
		if err != nil {
			return err
		}
		return checkLink(root, name, target)
	})
}

// checkLink rejects the symlink name -> target when the target is absolute,
// climbs out of root as written, or resolves outside root once earlier links
// on its path are followed. A target that does not exist yet is accepted.
func checkLink(root *os.Root, name, target string) error {
	if filepath.IsAbs(target) || strings.HasPrefix(target, "/") {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, target)
	}
	resolved := filepath.Join(filepath.Dir(name), filepath.FromSlash(target))
	if !filepath.IsLocal(resolved) {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, target)
	}
	if _, err := root.Stat(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: symlink %s -> %s: %v", ErrUnsafePath, name, target, err)
	}
	return nil
}
