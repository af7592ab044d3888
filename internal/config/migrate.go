package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/KDE/kdenlive-sub010/internal/fsutil"
)

// upgrade backs the file up, migrates cfg step by step and writes it back.
func upgrade(cfg *Config, fromVersion int) error {
	if cfg.configFilePath == "" {
		return fmt.Errorf("unknown config path: cannot back up before upgrade")
	}

	backupPath, err := backup(cfg.configFilePath)
	if err != nil {
		return fmt.Errorf("backup before upgrade failed: %w", err)
	}

	if err := migrate(cfg, fromVersion); err != nil {
		return fmt.Errorf("migrating config from version %d: %w", fromVersion, err)
	}
	cfg.normalize()
	cfg.ConfigVersion = CurrentConfigVersion

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode migrated config: %w", err)
	}
	if err := fsutil.WriteFileAtomic(cfg.configFilePath, b, 0o644); err != nil {
		_ = fsutil.WriteFileAtomic(cfg.configFilePath, fsutil.ReadFileOrEmpty(backupPath), 0o644)
		return fmt.Errorf("write migrated config %s: %w", cfg.configFilePath, err)
	}
	return nil
}

func backup(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read for backup: %w", err)
	}
	dst := path + ".bak." + time.Now().Format("20060102T150405")
	if err := fsutil.WriteFileAtomic(dst, data, 0o644); err != nil {
		return "", fmt.Errorf("write backup %s: %w", dst, err)
	}
	return dst, nil
}

func migrate(cfg *Config, from int) error {
	for v := from; v < CurrentConfigVersion; v++ {
		switch v {
		case 0:
			// unversioned files predate the preview cache
			cfg.PreviewDB = ""
		case 1:
			// version 1 used workers: 0 for "one per CPU"
			if cfg.Workers == 0 {
				cfg.Workers = runtime.NumCPU()
			}
		}
	}
	return nil
}
