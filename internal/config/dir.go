package config

import (
	"os"
	"path/filepath"
	"strings"
)

const envConfigDir = "SOCKTERM_CONFIG_DIR"

// Dir is where settings and the history database live.
func Dir() string {
	if dir := strings.TrimSpace(os.Getenv(envConfigDir)); dir != "" {
		return dir
	}
	if base, err := os.UserConfigDir(); err == nil && base != "" {
		return filepath.Join(base, "sockterm")
	}
	return filepath.Join(".", ".sockterm")
}
