package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/animus-labs/appbootstrap/internal/platform/env"
)

// Config describes the optional artifact mirror bucket.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// ConfigFromEnv returns ok=false when no mirror endpoint is configured.
func ConfigFromEnv() (Config, bool, error) {
	endpoint := env.String("ARTIFACT_MIRROR_ENDPOINT", "")
	if endpoint == "" {
		return Config{}, false, nil
	}
	useSSL, err := env.Bool("ARTIFACT_MIRROR_USE_SSL", true)
	if err != nil {
		return Config{}, false, err
	}
	cfg := Config{
		Endpoint:  endpoint,
		AccessKey: env.String("ARTIFACT_MIRROR_ACCESS_KEY", ""),
		SecretKey: env.String("ARTIFACT_MIRROR_SECRET_KEY", ""),
		Region:    env.String("ARTIFACT_MIRROR_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("ARTIFACT_MIRROR_BUCKET", "artifacts"),
		Prefix:    strings.Trim(env.String("ARTIFACT_MIRROR_PREFIX", "releases"), "/"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, false, err
	}
	return cfg, true, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}

// ObjectKey joins the configured prefix with name.
func (c Config) ObjectKey(name string) string {
	name = strings.TrimLeft(name, "/")
	if c.Prefix == "" {
		return name
	}
	return c.Prefix + "/" + name
}
