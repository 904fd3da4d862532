// Package staging owns the transient staging directory where uploaded and
// downloaded audio lands before a worker consumes it. It adapts the
// attachment-store write discipline (create the temp file in the target
// directory, write, close, hand off a stable path) to transcription inputs.
package staging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"transcribeengine/internal/logging"
)

const defaultSuffix = ".tmp"

// Dir is a staging directory. Safe for concurrent use: every Stage call
// creates its own uniquely named file.
type Dir struct {
	path   string
	logger logging.Logger
}

// New ensures path exists and returns a Dir over it.
func New(path string, logger logging.Logger) (*Dir, error) {
	if path == "" {
		path = os.TempDir()
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("staging: create dir %q: %w", path, err)
	}
	return &Dir{path: path, logger: logging.OrNop(logger)}, nil
}

// Path returns the staging directory's path.
func (d *Dir) Path() string {
	return d.path
}

// Stage writes r to a fresh file in the staging directory, preserving the
// last dotted token of name as the file's suffix so downstream format
// sniffing keeps working. The partial file is removed if the copy fails.
func (d *Dir) Stage(name string, r io.Reader) (string, error) {
	suffix := filepath.Ext(name)
	if suffix == "" {
		suffix = defaultSuffix
	}
	f, err := os.CreateTemp(d.path, "intake-*"+suffix)
	if err != nil {
		return "", fmt.Errorf("staging: create temp file: %w", err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("staging: write %q: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", fmt.Errorf("staging: close %q: %w", name, err)
	}
	return f.Name(), nil
}

// Remove deletes a staged file. Missing files are not an error; a staged
// input is deleted exactly once but the deleting side may have crashed
// between unlink and bookkeeping.
func (d *Dir) Remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.logger.Warn("remove staged file %s failed: %v", path, err)
	}
}
