package worker

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// ExtractZip unpacks an archive into dest, rejecting entries that would
// escape it. Admission already bounds size and entry count; this guard is
// about path traversal only.
func ExtractZip(data []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("op=worker.extract: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("op=worker.extract: %w", err)
	}
	for _, f := range zr.File {
		target, err := sanitizePath(dest, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("op=worker.extract: %w", err)
			}
			continue
		}
		if f.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("op=worker.extract: symlink entry %q rejected", f.Name)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("op=worker.extract: %w", err)
		}
		if err := writeEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func sanitizePath(dest, name string) (string, error) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || strings.Contains(name, "..") {
		return "", fmt.Errorf("op=worker.extract: entry %q escapes destination", name)
	}
	target := filepath.Join(dest, name)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("op=worker.extract: entry %q escapes destination", name)
	}
	return target, nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return fmt.Errorf("op=worker.extract: %w", err)
	}
	defer func() { _ = rc.Close() }()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("op=worker.extract: %w", err)
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return fmt.Errorf("op=worker.extract: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("op=worker.extract: %w", err)
	}
	return nil
}
