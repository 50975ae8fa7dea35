package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxFileSize caps a configuration layer.
const maxFileSize = 1 << 20

type fileFormat int

const (
	formatJSON fileFormat = iota
	formatYAML
)

// formatOf picks the decoder from the file extension.
func formatOf(path string) (fileFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return formatJSON, nil
	case ".yaml", ".yml":
		return formatYAML, nil
	default:
		return 0, fmt.Errorf("%s: configuration must be .json, .yaml or .yml", path)
	}
}

// readFile reads one layer. Only regular files up to maxFileSize are accepted.
func readFile(path string) ([]byte, fileFormat, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("config layer: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, 0, fmt.Errorf("%s: not a regular file", path)
	}
	if info.Size() > maxFileSize {
		return nil, 0, fmt.Errorf("%s: %d bytes exceeds the %d byte limit", path, info.Size(), maxFileSize)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("config layer: %w", err)
	}
	return data, format, nil
}
