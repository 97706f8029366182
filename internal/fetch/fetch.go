// Package fetch downloads the licensed release archive.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/juju/clock"
	"github.com/juju/retry"

	"github.com/animus-labs/appbootstrap/internal/domain"
)

var (
	ErrEmptyArtifact = errors.New("downloaded artifact is empty")
	ErrBadSignature  = errors.New("downloaded artifact has an unrecognised signature")
	ErrRejected      = errors.New("download rejected")
)

// Artifact is a fully downloaded, signature-checked archive on local disk.
type Artifact struct {
	Path   string
	Size   int64
	Format Format
	SHA256 string
}

// Remove deletes the downloaded file.
func (a Artifact) Remove() error {
	if a.Path == "" {
		return nil
	}
	if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

type Fetcher struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger

	Clock  clock.Clock
	Mirror Mirror
}

func New(cfg Config, client *http.Client, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{cfg: cfg, client: client, logger: logger, Clock: clock.WallClock}
}

// FetchRelease downloads the configured version for license into the
// download directory, consulting the mirror first when one is set.
func (f *Fetcher) FetchRelease(ctx context.Context, license string) (Artifact, error) {
	rawURL, err := BuildURL(f.cfg.URLTemplate, license, f.cfg.Version)
	if err != nil {
		return Artifact{}, domain.Wrap(domain.KindConfiguration, err)
	}
	if err := os.MkdirAll(f.cfg.DownloadDir, 0o755); err != nil {
		return Artifact{}, domain.Errorf(domain.KindConfiguration, "download dir: %w", err)
	}

	name := mirrorName(f.cfg.Version, license, f.cfg.Format)
	if f.Mirror != nil {
		if art, ok := f.fromMirror(ctx, name); ok {
			return art, nil
		}
	}

	art, err := f.Fetch(ctx, rawURL, f.cfg.DownloadDir)
	if err != nil {
		return Artifact{}, err
	}
	if f.Mirror != nil {
		if err := f.Mirror.Upload(ctx, name, art.Path, art.Format.ContentType()); err != nil {
			f.logger.Warn("artifact mirror upload failed", "object", name, "error", err)
		} else {
			f.logger.Info("artifact mirrored", "object", name)
		}
	}
	return art, nil
}

// Fetch downloads rawURL into a new file under destDir. Transport errors,
// 5xx, 429 and truncated bodies are retried; other 4xx responses are not.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, destDir string) (Artifact, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Artifact{}, domain.Errorf(domain.KindConfiguration, "artifact url is not valid")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if !f.cfg.AllowInsecure {
			return Artifact{}, domain.Errorf(domain.KindConfiguration, "artifact url %s must use https", redact(u))
		}
	default:
		return Artifact{}, domain.Errorf(domain.KindConfiguration, "artifact url scheme %q not supported", u.Scheme)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	file, err := os.CreateTemp(destDir, "artifact-*.download")
	if err != nil {
		return Artifact{}, domain.Errorf(domain.KindConfiguration, "create download file: %w", err)
	}
	path := file.Name()
	keep := false
	defer func() {
		_ = file.Close()
		if !keep {
			_ = os.Remove(path)
		}
	}()

	started := time.Now()
	var (
		lastErr error
		sum     string
		size    int64
	)
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			size, sum, lastErr = f.attempt(ctx, u, file)
			return lastErr
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrRejected) || ctx.Err() != nil
		},
		NotifyFunc: func(err error, attempt int) {
			f.logger.Warn("artifact download attempt failed", "url", redact(u), "attempt", attempt, "error", err)
		},
		Attempts:    f.cfg.MaxRetries + 1,
		Delay:       f.cfg.RetryDelay,
		MaxDelay:    f.cfg.MaxRetryDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       f.clock(),
		Stop:        ctx.Done(),
	})
	if err != nil {
		if lastErr == nil {
			lastErr = err
		}
		if errors.Is(lastErr, ErrRejected) {
			return Artifact{}, domain.Wrap(domain.KindValidation, lastErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(lastErr, ctxErr) {
			lastErr = fmt.Errorf("%w (last error: %v)", ctxErr, lastErr)
		}
		return Artifact{}, domain.Errorf(domain.KindTransientNetwork, "download %s failed after %d attempts: %w", redact(u), f.cfg.MaxRetries+1, lastErr)
	}

	if size == 0 {
		return Artifact{}, domain.Wrap(domain.KindValidation, ErrEmptyArtifact)
	}
	format, err := f.checkSignature(file)
	if err != nil {
		keep = true
		f.logger.Error("artifact kept for inspection", "path", path)
		return Artifact{}, domain.Wrap(domain.KindValidation, err)
	}
	if err := file.Sync(); err != nil {
		return Artifact{}, domain.Errorf(domain.KindTransientNetwork, "sync download: %w", err)
	}

	keep = true
	art := Artifact{Path: path, Size: size, Format: format, SHA256: sum}
	f.logger.Info("artifact downloaded",
		"url", redact(u),
		"path", path,
		"size", humanize.Bytes(uint64(size)),
		"format", string(format),
		"sha256", sum,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return art, nil
}

func (f *Fetcher) attempt(ctx context.Context, u *url.URL, file *os.File) (int64, string, error) {
	if err := file.Truncate(0); err != nil {
		return 0, "", err
	}
	if _, err := file.Seek(0, io.SeekStart); err != nil {
		return 0, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		// The transport error embeds the full URL.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return 0, "", fmt.Errorf("get %s: %w", redact(u), uerr.Err)
		}
		return 0, "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return 0, "", fmt.Errorf("server returned %s", resp.Status)
	case resp.StatusCode >= 400:
		return 0, "", fmt.Errorf("%w: server returned %s", ErrRejected, resp.Status)
	default:
		return 0, "", fmt.Errorf("unexpected response %s", resp.Status)
	}

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(file, h), resp.Body)
	if err != nil {
		return 0, "", fmt.Errorf("read body after %d bytes: %w", n, err)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return 0, "", fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

func (f *Fetcher) checkSignature(file *os.File) (Format, error) {
	header := make([]byte, 4)
	n, err := file.ReadAt(header, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read signature: %w", err)
	}
	detected := Detect(header[:n])
	if detected == "" {
		return "", fmt.Errorf("%w: % x", ErrBadSignature, header[:n])
	}
	if f.cfg.Format != FormatAuto && f.cfg.Format != "" && f.cfg.Format != detected {
		return "", fmt.Errorf("%w: expected %s, found %s", ErrBadSignature, f.cfg.Format, detected)
	}
	return detected, nil
}

func (f *Fetcher) clock() clock.Clock {
	if f.Clock == nil {
		return clock.WallClock
	}
	return f.Clock
}

// redact drops the query string, which carries the license key.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	c.Fragment = ""
	return c.String()
}
