package fetch

import (
	"errors"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/animus-labs/appbootstrap/internal/platform/env"
)

const DefaultURLTemplate = "https://downloads.example.com/releases/{version}.tar.gz?license={license}"

type Config struct {
	URLTemplate   string
	Version       string
	DownloadDir   string
	Timeout       time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	Format        Format
	AllowInsecure bool
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("FETCH_TIMEOUT", 10*time.Minute)
	if err != nil {
		return Config{}, err
	}
	maxRetries, err := env.Int("FETCH_MAX_RETRIES", 3)
	if err != nil {
		return Config{}, err
	}
	retryDelay, err := env.Duration("FETCH_RETRY_DELAY", 2*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxRetryDelay, err := env.Duration("FETCH_MAX_RETRY_DELAY", 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	format, err := ParseFormat(env.String("ARTIFACT_FORMAT", string(FormatAuto)))
	if err != nil {
		return Config{}, err
	}
	insecure, err := env.Bool("ARTIFACT_ALLOW_INSECURE", false)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		URLTemplate:   env.String("ARTIFACT_URL", DefaultURLTemplate),
		Version:       env.String("APP_VERSION", "latest"),
		DownloadDir:   env.String("FETCH_DOWNLOAD_DIR", os.TempDir()),
		Timeout:       timeout,
		MaxRetries:    maxRetries,
		RetryDelay:    retryDelay,
		MaxRetryDelay: maxRetryDelay,
		Format:        format,
		AllowInsecure: insecure,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.URLTemplate) == "" {
		return errors.New("ARTIFACT_URL is required")
	}
	if !strings.Contains(c.URLTemplate, "{license}") {
		return errors.New("ARTIFACT_URL must contain a {license} placeholder")
	}
	if strings.TrimSpace(c.Version) == "" {
		return errors.New("APP_VERSION is required")
	}
	if c.Timeout <= 0 {
		return errors.New("FETCH_TIMEOUT must be positive")
	}
	if c.MaxRetries < 0 {
		return errors.New("FETCH_MAX_RETRIES must be >= 0")
	}
	if c.RetryDelay <= 0 {
		return errors.New("FETCH_RETRY_DELAY must be positive")
	}
	if c.MaxRetryDelay < c.RetryDelay {
		return errors.New("FETCH_MAX_RETRY_DELAY must be >= FETCH_RETRY_DELAY")
	}
	if _, err := ParseFormat(string(c.Format)); err != nil {
		return err
	}
	return nil
}

// BuildURL substitutes the {license} and {version} placeholders. Both values
// are query-escaped.
func BuildURL(template, license, version string) (string, error) {
	if strings.TrimSpace(license) == "" {
		return "", errors.New("license key is empty")
	}
	r := strings.NewReplacer(
		"{license}", url.QueryEscape(license),
		"{version}", url.QueryEscape(version),
	)
	raw := r.Replace(template)
	if _, err := url.Parse(raw); err != nil {
		// The parse error echoes the URL, which carries the license.
		return "", errors.New("artifact url template does not produce a valid URL")
	}
	return raw, nil
}
