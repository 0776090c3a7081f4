package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// QuarantineDir is the state subdirectory holding documents that failed to load.
const QuarantineDir = "quarantine"

// Quarantine moves path into <stateDir>/quarantine and returns the new location.
func Quarantine(stateDir, path string) (string, error) {
	dir := filepath.Join(stateDir, QuarantineDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	dst := filepath.Join(dir, fmt.Sprintf("%s.%s", filepath.Base(path), time.Now().UTC().Format("20060102T150405.000000000")))
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	zap.L().Warn("state_file_quarantined", zap.String("file", path), zap.String("dest", dst))
	return dst, nil
}

// Salvage handles a document that failed to load with kind: it is quarantined
// and the backup restored when the backup itself reads cleanly. restored is
// false when nothing usable remains, leaving path absent.
func Salvage(stateDir, path, kind string) (restored bool, err error) {
	if _, err := Quarantine(stateDir, path); err != nil {
		return false, err
	}

	backup := path + BackupSuffix
	var h Header
	switch err := Read(backup, kind, &h); {
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	case err != nil:
		zap.L().Warn("state_backup_unusable", zap.String("file", backup), zap.Error(err))
		if _, qerr := Quarantine(stateDir, backup); qerr != nil {
			return false, qerr
		}
		return false, nil
	}

	data, err := os.ReadFile(backup)
	if err != nil {
		return false, fmt.Errorf("read backup: %w", err)
	}
	if err := WriteRaw(path, data); err != nil {
		return false, fmt.Errorf("restore backup: %w", err)
	}
	zap.L().Info("state_restored_from_backup", zap.String("file", path))
	return true, nil
}
