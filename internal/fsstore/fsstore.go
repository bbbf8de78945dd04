// Package fsstore persists small state files with atomic replacement, so a
// crash mid-write never leaves a torn file behind.
package fsstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidPath  = errors.New("fsstore: invalid path")
	ErrDecodeFailed = errors.New("fsstore: decode failed")
	ErrEncodeFailed = errors.New("fsstore: encode failed")
)

// FileOptions sets the permissions of files and directories the store
// creates. Zero values fall back to owner-only access, which suits the
// key material kept here.
type FileOptions struct {
	FileMode os.FileMode
	DirMode  os.FileMode
}

func (o FileOptions) fileMode() os.FileMode {
	if o.FileMode == 0 {
		return 0o600
	}
	return o.FileMode
}

func (o FileOptions) dirMode() os.FileMode {
	if o.DirMode == 0 {
		return 0o700
	}
	return o.DirMode
}

func normalizePath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	return filepath.Clean(trimmed), nil
}

// ReadJSON decodes the JSON file at path into out. It reports false with a
// nil error when the file does not exist or is empty.
func ReadJSON(path string, out any) (bool, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, ok, err := readFile(normalizedPath)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalizedPath, err)
	}
	return true, nil
}

// ReadJSONStrict behaves like ReadJSON but rejects unknown fields and
// trailing data. Use it for files whose schema the caller fully owns, so
// a foreign or corrupt file fails loudly instead of decoding to zeros.
func ReadJSONStrict(path string, out any) (bool, error) {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return false, err
	}
	data, ok, err := readFile(normalizedPath)
	if err != nil || !ok {
		return false, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return false, fmt.Errorf("%w: decode %s: %v", ErrDecodeFailed, normalizedPath, err)
	}
	var trailing struct{}
	if err := dec.Decode(&trailing); err != io.EOF {
		return false, fmt.Errorf("%w: decode %s: trailing data", ErrDecodeFailed, normalizedPath)
	}
	return true, nil
}

// WriteJSONAtomic marshals v and replaces the file at path in one rename,
// creating parent directories as needed.
func WriteJSONAtomic(path string, v any, opts FileOptions) error {
	normalizedPath, err := normalizePath(path)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encode %s: %v", ErrEncodeFailed, normalizedPath, err)
	}
	data = append(data, '\n')
	return writeAtomic(normalizedPath, data, opts)
}

func readFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// writeAtomic stages data in a temp file beside path and renames it into
// place. The temp file carries the final mode before the rename.
func writeAtomic(path string, data []byte, opts FileOptions) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, opts.dirMode()); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := tmp.Chmod(opts.fileMode()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("stage %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
