package env

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Lookup returns the trimmed value of key. A variable that is set but blank
// counts as absent.
func Lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false
	}
	return v, true
}

func String(key string, def string) string {
	if v, ok := Lookup(key); ok {
		return v
	}
	return def
}

func Duration(key string, def time.Duration) (time.Duration, error) {
	if v, ok := Lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return d, nil
	}
	return def, nil
}

func Bool(key string, def bool) (bool, error) {
	if v, ok := Lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("parse %s: %w", key, err)
		}
		return b, nil
	}
	return def, nil
}

func Int(key string, def int) (int, error) {
	if v, ok := Lookup(key); ok {
		i, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		return i, nil
	}
	return def, nil
}

// FileMode parses an octal permission string such as "0755" or "755".
func FileMode(key string, def os.FileMode) (os.FileMode, error) {
	if v, ok := Lookup(key); ok {
		m, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return 0, fmt.Errorf("parse %s: %w", key, err)
		}
		if m > 0o7777 {
			return 0, fmt.Errorf("parse %s: mode %q out of range", key, v)
		}
		return os.FileMode(m), nil
	}
	return def, nil
}

// List splits a comma separated value, dropping blank items.
func List(key string, def []string) []string {
	v, ok := Lookup(key)
	if !ok {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Snapshot returns every non-blank variable named in keys. Values are kept
// verbatim so secrets with surrounding whitespace survive.
func Snapshot(keys []string) map[string]string {
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		v, ok := os.LookupEnv(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		out[key] = v
	}
	return out
}
