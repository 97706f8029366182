package fetch

import (
	"bytes"
	"fmt"
	"strings"
)

type Format string

const (
	FormatAuto   Format = "auto"
	FormatTarGz  Format = "tar.gz"
	FormatTarZst Format = "tar.zst"
	FormatZip    Format = "zip"
)

var signatures = []struct {
	format Format
	magic  []byte
}{
	{FormatTarGz, []byte{0x1f, 0x8b}},
	{FormatTarZst, []byte{0x28, 0xb5, 0x2f, 0xfd}},
	{FormatZip, []byte{0x50, 0x4b, 0x03, 0x04}},
}

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatAuto:
		return FormatAuto, nil
	case "tgz":
		return FormatTarGz, nil
	case FormatTarGz, FormatTarZst, FormatZip:
		return f, nil
	default:
		return "", fmt.Errorf("unsupported artifact format %q", s)
	}
}

// Detect returns the format whose magic bytes prefix header, or "".
func Detect(header []byte) Format {
	for _, sig := range signatures {
		if bytes.HasPrefix(header, sig.magic) {
			return sig.format
		}
	}
	return ""
}

func (f Format) Extension() string {
	if f == FormatAuto || f == "" {
		return "bin"
	}
	return string(f)
}

func (f Format) ContentType() string {
	switch f {
	case FormatTarGz:
		return "application/gzip"
	case FormatTarZst:
		return "application/zstd"
	case FormatZip:
		return "application/zip"
	default:
		return "application/octet-stream"
	}
}
