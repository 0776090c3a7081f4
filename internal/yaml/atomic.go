// Package yaml reads and writes the orchestrator's YAML state documents so a
// crash at any point leaves either the old or the new content on disk.
package yaml

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	yamlv3 "gopkg.in/yaml.v3"
)

// BackupSuffix names the copy of the previous content kept next to a document.
const BackupSuffix = ".bak"

// Write marshals doc and atomically replaces path with it.
func Write(path string, doc any) error {
	content, err := yamlv3.Marshal(doc)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return WriteRaw(path, content)
}

// WriteRaw replaces path with content through a synced temp file and a rename.
// Content that does not parse as YAML is refused. The replaced file is moved to
// path + BackupSuffix.
func WriteRaw(path string, content []byte) error {
	var probe any
	if err := yamlv3.Unmarshal(content, &probe); err != nil {
		return fmt.Errorf("refusing to write invalid yaml to %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Link(path, path+BackupSuffix+".new"); err == nil {
		if err := os.Rename(path+BackupSuffix+".new", path+BackupSuffix); err != nil {
			return fmt.Errorf("rotate backup: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		_ = os.Remove(path + BackupSuffix + ".new")
		if err := copyBackup(path); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	committed = true
	return syncDir(dir)
}

// copyBackup is the fallback for filesystems without hard links.
func copyBackup(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path+BackupSuffix, data, 0644)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return nil
	}
	defer d.Close()
	// not every filesystem supports fsync on directories
	_ = d.Sync()
	return nil
}

// Read decodes path into out and verifies its header against kind. out must
// embed Header inline. A missing file returns an error matching os.ErrNotExist;
// a file that cannot be decoded or has the wrong header returns *CorruptError.
func Read(path, kind string, out any) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var h Header
	if err := yamlv3.Unmarshal(content, &h); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	if err := h.check(kind); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	if err := yamlv3.Unmarshal(content, out); err != nil {
		return &CorruptError{Path: path, Err: err}
	}
	return nil
}

// CorruptError reports a state document that exists but cannot be used.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt state file %s: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

func IsCorrupt(err error) bool {
	var ce *CorruptError
	return errors.As(err, &ce)
}
