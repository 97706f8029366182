// Package marker persists the "installation completed" fact for an install
// root. Only the orchestrator creates or inspects it.
package marker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio"
)

const DefaultName = ".installed"

type Marker struct {
	Path string
}

func New(root, name string) Marker {
	name = strings.TrimSpace(name)
	if name == "" {
		name = DefaultName
	}
	if filepath.IsAbs(name) {
		return Marker{Path: name}
	}
	return Marker{Path: filepath.Join(root, name)}
}

func (m Marker) Exists() (bool, error) {
	info, err := os.Stat(m.Path)
	if err == nil {
		if info.IsDir() {
			return false, fmt.Errorf("marker %s is a directory", m.Path)
		}
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("stat marker: %w", err)
}

// Write records completion at now. The file appears atomically.
func (m Marker) Write(now time.Time) error {
	if err := os.MkdirAll(filepath.Dir(m.Path), 0o755); err != nil {
		return fmt.Errorf("create marker dir: %w", err)
	}
	content := now.UTC().Format(time.RFC3339) + "\n"
	if err := renameio.WriteFile(m.Path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write marker: %w", err)
	}
	return nil
}

// CompletedAt parses the timestamp written by Write. Markers created by
// hand may be empty; that is reported as a zero time without error.
func (m Marker) CompletedAt() (time.Time, error) {
	data, err := os.ReadFile(m.Path)
	if err != nil {
		return time.Time{}, fmt.Errorf("read marker: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse marker: %w", err)
	}
	return ts, nil
}
