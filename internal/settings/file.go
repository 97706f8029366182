package settings

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/google/renameio"
)

const DefaultFileMode os.FileMode = 0o640

// WriteFile atomically replaces path with the encoded configuration.
func WriteFile(path string, r Rendered, mode os.FileMode) error {
	if mode == 0 {
		mode = DefaultFileMode
	}
	if err := renameio.WriteFile(path, r.Encode(), mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// UpdateFile rewrites a single key in an existing dotenv file, keeping every
// other line as it was. The key is appended when missing.
func UpdateFile(path, key, value string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	current, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	var out bytes.Buffer
	replaced := false
	scanner := bufio.NewScanner(bytes.NewReader(current))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if lineKey(line) == key {
			if !replaced {
				out.WriteString(formatLine(key, value))
				out.WriteByte('\n')
				replaced = true
			}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan %s: %w", path, err)
	}
	if !replaced {
		out.WriteString(formatLine(key, value))
		out.WriteByte('\n')
	}
	if err := renameio.WriteFile(path, out.Bytes(), info.Mode().Perm()); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func lineKey(line string) string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return ""
	}
	trimmed = strings.TrimPrefix(trimmed, "export ")
	key, _, ok := strings.Cut(trimmed, "=")
	if !ok {
		return ""
	}
	return strings.TrimSpace(key)
}
