package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"reconstruction-service/internal/models"
)

// allowedExtensions is the upload allow-list. Only still-image formats the
// reconstruction pipeline can ingest are accepted.
var allowedExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
}

// ValidationError reports a rejected upload. It is surfaced synchronously to
// the caller before any file is durably placed.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + e.Reason
}

// Limits bounds a single job's upload set.
type Limits struct {
	MaxFiles      int
	MaxFileBytes  int64
	MaxTotalBytes int64
}

// Manager owns the per-job directory tree under a shared root:
// <root>/<jobID>/inputs for uploaded images and <root>/<jobID>/outputs for
// pipeline artifacts. Each job's subtree belongs to that job alone, so
// concurrent jobs never contend on files.
type Manager struct {
	root   string
	limits Limits
}

// NewManager creates the workspace root if needed.
func NewManager(root string, limits Limits) (*Manager, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	if limits.MaxFiles == 0 {
		limits.MaxFiles = 10
	}
	if limits.MaxFileBytes == 0 {
		limits.MaxFileBytes = 50 * 1024 * 1024
	}
	if limits.MaxTotalBytes == 0 {
		limits.MaxTotalBytes = limits.MaxFileBytes * int64(limits.MaxFiles)
	}
	return &Manager{root: abs, limits: limits}, nil
}

// Input is one uploaded file prior to placement.
type Input struct {
	OriginalName string
	ContentType  string
	Size         int64
	Reader       io.Reader
}

// Dir returns the job's workspace directory. Deterministic; the directory
// may or may not exist.
func (m *Manager) Dir(jobID string) string {
	return filepath.Join(m.root, jobID)
}

// InputDir returns the directory holding a job's uploaded images.
func (m *Manager) InputDir(jobID string) string {
	return filepath.Join(m.root, jobID, "inputs")
}

// OutputDir returns the job's output directory, creating it lazily.
func (m *Manager) OutputDir(jobID string) (string, error) {
	dir := filepath.Join(m.root, jobID, "outputs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// Exists reports whether the job's workspace directory is present.
func (m *Manager) Exists(jobID string) bool {
	info, err := os.Stat(m.Dir(jobID))
	return err == nil && info.IsDir()
}

// Create validates the upload set and materializes the job's workspace.
// Validation runs in full before any byte is written; a failure mid-copy
// removes the whole job directory so no partial workspace is left behind.
func (m *Manager) Create(jobID string, inputs []Input) ([]models.InputFile, error) {
	if err := m.validate(inputs); err != nil {
		return nil, err
	}

	inputDir := m.InputDir(jobID)
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}

	placed := make([]models.InputFile, 0, len(inputs))
	for _, in := range inputs {
		ext := strings.ToLower(filepath.Ext(in.OriginalName))
		dest := filepath.Join(inputDir, uuid.New().String()+ext)

		written, err := m.copyCapped(dest, in.Reader)
		if err != nil {
			_ = m.Destroy(jobID)
			return nil, err
		}
		placed = append(placed, models.InputFile{
			Path:         dest,
			OriginalName: in.OriginalName,
			Size:         written,
			ContentType:  in.ContentType,
		})
	}
	return placed, nil
}

func (m *Manager) validate(inputs []Input) error {
	if len(inputs) == 0 {
		return &ValidationError{Reason: "at least one image is required"}
	}
	if len(inputs) > m.limits.MaxFiles {
		return &ValidationError{Reason: fmt.Sprintf("at most %d images are allowed", m.limits.MaxFiles)}
	}
	var total int64
	for _, in := range inputs {
		ext := strings.ToLower(filepath.Ext(in.OriginalName))
		if !allowedExtensions[ext] {
			return &ValidationError{Reason: fmt.Sprintf("unsupported file type %q for %s", ext, in.OriginalName)}
		}
		if in.ContentType != "" && !strings.HasPrefix(in.ContentType, "image/") {
			return &ValidationError{Reason: fmt.Sprintf("unsupported content type %q for %s", in.ContentType, in.OriginalName)}
		}
		if in.Size > m.limits.MaxFileBytes {
			return &ValidationError{Reason: fmt.Sprintf("%s exceeds the %d byte file limit", in.OriginalName, m.limits.MaxFileBytes)}
		}
		total += in.Size
	}
	if total > m.limits.MaxTotalBytes {
		return &ValidationError{Reason: fmt.Sprintf("upload exceeds the %d byte total limit", m.limits.MaxTotalBytes)}
	}
	return nil
}

// copyCapped writes the reader to dest, enforcing the per-file ceiling on the
// actual stream rather than trusting the declared size.
func (m *Manager) copyCapped(dest string, r io.Reader) (int64, error) {
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create input file: %w", err)
	}
	defer f.Close()

	written, err := io.Copy(f, io.LimitReader(r, m.limits.MaxFileBytes+1))
	if err != nil {
		return 0, fmt.Errorf("write input file: %w", err)
	}
	if written > m.limits.MaxFileBytes {
		return 0, &ValidationError{Reason: fmt.Sprintf("%s exceeds the %d byte file limit", filepath.Base(dest), m.limits.MaxFileBytes)}
	}
	return written, nil
}

// Destroy removes the job's entire workspace subtree. Removing a workspace
// that does not exist is a no-op, so cleanup after failed creation or
// repeated deletion stays idempotent.
func (m *Manager) Destroy(jobID string) error {
	dir := m.Dir(jobID)
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("destroy workspace: %w", err)
	}
	return nil
}
