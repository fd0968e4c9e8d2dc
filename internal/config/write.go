package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Write encodes cfg as TOML to path. An existing file is first copied to a
// timestamped backup. The write is atomic (temp file + rename).
func Write(path string, cfg *Config) error {
	var buf bytes.Buffer
	buf.WriteString("# athena-dhcplisten configuration\n\n")
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if old, err := os.ReadFile(path); err == nil {
		backupPath := path + ".bak." + time.Now().Format("20060102T150405")
		if err := os.WriteFile(backupPath, old, 0600); err != nil {
			return fmt.Errorf("backing up %s: %w", path, err)
		}
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "athena-config-*.toml.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming config: %w", err)
	}
	return nil
}
