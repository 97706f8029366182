package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path"

	"github.com/animus-labs/appbootstrap/internal/platform/objectstore"
)

// Mirror is an object store holding previously downloaded releases.
type Mirror interface {
	Download(ctx context.Context, name, path string) error
	Upload(ctx context.Context, name, path, contentType string) error
}

var _ Mirror = (*objectstore.Store)(nil)

// mirrorName keys releases by version and a digest of the license so the key
// itself never appears in bucket listings.
func mirrorName(version, license string, format Format) string {
	sum := sha256.Sum256([]byte(license))
	return path.Join(version, hex.EncodeToString(sum[:])[:16]+"."+format.Extension())
}

func (f *Fetcher) fromMirror(ctx context.Context, name string) (Artifact, bool) {
	file, err := os.CreateTemp(f.cfg.DownloadDir, "artifact-*.mirror")
	if err != nil {
		f.logger.Warn("artifact mirror skipped", "error", err)
		return Artifact{}, false
	}
	p := file.Name()
	_ = file.Close()

	discard := func() {
		_ = os.Remove(p)
	}
	if err := f.Mirror.Download(ctx, name, p); err != nil {
		discard()
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			f.logger.Info("artifact not in mirror", "object", name)
		} else {
			f.logger.Warn("artifact mirror lookup failed", "object", name, "error", err)
		}
		return Artifact{}, false
	}

	art, err := f.inspect(p)
	if err != nil {
		discard()
		f.logger.Warn("mirrored artifact rejected", "object", name, "error", err)
		return Artifact{}, false
	}
	f.logger.Info("artifact served from mirror", "object", name, "path", p, "sha256", art.SHA256)
	return art, true
}

// inspect validates a file already on disk the same way Fetch validates a
// fresh download.
func (f *Fetcher) inspect(p string) (Artifact, error) {
	file, err := os.Open(p)
	if err != nil {
		return Artifact{}, err
	}
	defer file.Close()

	h := sha256.New()
	n, err := io.Copy(h, file)
	if err != nil {
		return Artifact{}, err
	}
	if n == 0 {
		return Artifact{}, ErrEmptyArtifact
	}
	format, err := f.checkSignature(file)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: p, Size: n, Format: format, SHA256: hex.EncodeToString(h.Sum(nil))}, nil
}
