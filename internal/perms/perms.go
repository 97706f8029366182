// Package perms brings ownership and modes of the install root in line with
// the runtime user. It runs on every start, including restarts of an
// already-installed volume.
package perms

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
	"github.com/animus-labs/appbootstrap/internal/platform/env"
)

// Skip as a UID or GID leaves that half of the ownership untouched.
const Skip = -1

type Policy struct {
	UID              int
	GID              int
	DirMode          os.FileMode
	FileMode         os.FileMode
	WritablePaths    []string
	WritableDirMode  os.FileMode
	WritableFileMode os.FileMode
	// Overrides pins the mode of single files, relative to the root, such
	// as the rendered configuration holding credentials.
	Overrides map[string]os.FileMode
}

func DefaultPolicy() Policy {
	return Policy{
		UID:              33,
		GID:              33,
		DirMode:          0o755,
		FileMode:         0o644,
		WritablePaths:    []string{"storage", "bootstrap/cache"},
		WritableDirMode:  0o775,
		WritableFileMode: 0o664,
	}
}

func PolicyFromEnv() (Policy, error) {
	def := DefaultPolicy()
	uid, err := env.Int("OWNER_UID", def.UID)
	if err != nil {
		return Policy{}, err
	}
	gid, err := env.Int("OWNER_GID", def.GID)
	if err != nil {
		return Policy{}, err
	}
	dirMode, err := env.FileMode("DIR_MODE", def.DirMode)
	if err != nil {
		return Policy{}, err
	}
	fileMode, err := env.FileMode("FILE_MODE", def.FileMode)
	if err != nil {
		return Policy{}, err
	}
	wDirMode, err := env.FileMode("WRITABLE_DIR_MODE", def.WritableDirMode)
	if err != nil {
		return Policy{}, err
	}
	wFileMode, err := env.FileMode("WRITABLE_FILE_MODE", def.WritableFileMode)
	if err != nil {
		return Policy{}, err
	}
	p := Policy{
		UID:              uid,
		GID:              gid,
		DirMode:          dirMode,
		FileMode:         fileMode,
		WritablePaths:    env.List("WRITABLE_PATHS", def.WritablePaths),
		WritableDirMode:  wDirMode,
		WritableFileMode: wFileMode,
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) Validate() error {
	if p.UID < Skip || p.GID < Skip {
		return errors.New("OWNER_UID and OWNER_GID must be >= -1")
	}
	if p.DirMode&0o700 != 0o700 || p.WritableDirMode&0o700 != 0o700 {
		return errors.New("directory modes must grant the owner rwx")
	}
	for _, wp := range p.WritablePaths {
		if filepath.IsAbs(wp) || !filepath.IsLocal(filepath.Clean(wp)) {
			return fmt.Errorf("writable path %q must be relative to the install root", wp)
		}
	}
	for rel := range p.Overrides {
		if filepath.IsAbs(rel) || !filepath.IsLocal(filepath.Clean(rel)) {
			return fmt.Errorf("mode override %q must be relative to the install root", rel)
		}
	}
	return nil
}

// Finalize walks root once, then again over each writable path. Symlinks are
// re-owned but never followed. Writable paths that do not exist are created.
// Files named in p.Overrides get their pinned mode on every walk.
func Finalize(ctx context.Context, root string, p Policy, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := p.Validate(); err != nil {
		return domain.Wrap(domain.KindConfiguration, err)
	}
	if _, err := os.Stat(root); err != nil {
		return domain.Errorf(domain.KindPermission, "install root: %w", err)
	}

	for _, wp := range p.WritablePaths {
		dir := filepath.Join(root, filepath.Clean(wp))
		if err := os.MkdirAll(dir, p.WritableDirMode); err != nil {
			return domain.Errorf(domain.KindPermission, "create %s: %w", wp, err)
		}
	}

	pinned := make(map[string]os.FileMode, len(p.Overrides))
	for rel, mode := range p.Overrides {
		pinned[filepath.Join(root, filepath.Clean(rel))] = mode
	}

	count, err := apply(ctx, root, p.UID, p.GID, p.DirMode, p.FileMode, pinned)
	if err != nil {
		return err
	}
	for _, wp := range p.WritablePaths {
		n, err := apply(ctx, filepath.Join(root, filepath.Clean(wp)), p.UID, p.GID, p.WritableDirMode, p.WritableFileMode, pinned)
		if err != nil {
			return err
		}
		logger.Debug("writable path finalized", "path", wp, "entries", n)
	}
	logger.Info("permissions finalized",
		"root", root,
		"entries", count,
		"owner", fmt.Sprintf("%d:%d", p.UID, p.GID),
		"writable", strings.Join(p.WritablePaths, ","),
	)
	return nil
}

func apply(ctx context.Context, root string, uid, gid int, dirMode, fileMode os.FileMode, pinned map[string]os.FileMode) (int, error) {
	count := 0
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		count++
		if uid != Skip || gid != Skip {
			if err := os.Lchown(path, uid, gid); err != nil {
				return err
			}
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			return nil
		case d.IsDir():
			return os.Chmod(path, dirMode)
		case d.Type().IsRegular():
			if mode, ok := pinned[path]; ok {
				return os.Chmod(path, mode)
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			return os.Chmod(path, modeFor(info.Mode(), fileMode))
		default:
			return nil
		}
	})
	if err != nil {
		return count, domain.Errorf(domain.KindPermission, "finalize %s: %w", root, err)
	}
	return count, nil
}

// modeFor applies base and keeps execute bits wherever the file already had
// one, mirrored across the classes base grants read to.
func modeFor(current, base os.FileMode) os.FileMode {
	if current&0o111 == 0 {
		return base
	}
	exec := (base & 0o444) >> 2
	return base | exec
}
