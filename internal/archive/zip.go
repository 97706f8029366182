package archive

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zip"
)

const maxSymlinkTarget = 4096

func extractZip(ctx context.Context, path string, dst *os.Root) error {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		name, err := entryName(f.Name)
		if err != nil {
			return err
		}
		if err := extractZipEntry(dst, name, f); err != nil {
			return fmt.Errorf("%s: %w", f.Name, err)
		}
	}
	return nil
}

func extractZipEntry(root *os.Root, name string, f *zip.File) error {
	mode := f.Mode()
	switch {
	case mode.IsDir():
		return root.MkdirAll(name, 0o755)
	case mode&os.ModeSymlink != 0:
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		link, err := io.ReadAll(io.LimitReader(rc, maxSymlinkTarget))
		if err != nil {
			return err
		}
		return writeSymlink(root, name, string(link))
	case mode.IsRegular():
		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()
		return writeFile(root, name, rc, mode.Perm())
	default:
		return nil
	}
}
