package archive

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

func extractTarGz(ctx context.Context, path string, dst *os.Root) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	return untar(ctx, zr, dst)
}

func extractTarZst(ctx context.Context, path string, dst *os.Root) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return fmt.Errorf("zstd: %w", err)
	}
	defer zr.Close()
	return untar(ctx, zr, dst)
}

func untar(ctx context.Context, r io.Reader, dst *os.Root) error {
	tr := tar.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %q", ErrUnsafePath, hdr.Name)
		}
		if err != nil {
			return fmt.Errorf("tar: %w", err)
		}

		name, err := entryName(hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := dst.MkdirAll(name, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(dst, name, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
		case tar.TypeSymlink:
			if err := writeSymlink(dst, name, hdr.Linkname); err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
		case tar.TypeLink:
			source, err := entryName(hdr.Linkname)
			if err != nil {
				return err
			}
			if err := clearEntry(dst, name); err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
			if err := dst.Link(source, name); err != nil {
				return fmt.Errorf("%s: %w", hdr.Name, err)
			}
		default:
			// Devices, fifos and pax global headers have no place in a release.
		}
	}
}

// clearEntry makes room for name, creating its parent directories.
func clearEntry(root *os.Root, name string) error {
	if err := root.MkdirAll(filepath.Dir(name), 0o755); err != nil {
		return err
	}
	if err := root.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func writeFile(root *os.Root, name string, r io.Reader, perm os.FileMode) error {
	if err := clearEntry(root, name); err != nil {
		return err
	}
	f, err := root.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_EXCL, perm|0o600)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func writeSymlink(root *os.Root, name, target string) error {
	if err := clearEntry(root, name); err != nil {
		return err
	}
	if err := root.Symlink(target, name); err != nil {
		return err
	}
	if err := checkLink(root, name, target); err != nil {
		_ = root.Remove(name)
		return err
	}
	return nil
}
