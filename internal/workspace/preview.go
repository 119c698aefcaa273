package workspace

import (
	"fmt"
	"path/filepath"

	"github.com/disintegration/imaging"
)

const previewWidth = 300

// PreviewPath returns where a job's preview thumbnail lives once generated.
func (m *Manager) PreviewPath(jobID string) string {
	return filepath.Join(m.Dir(jobID), "preview.jpg")
}

// GeneratePreview renders a thumbnail of one input image into the job
// workspace. Callers treat failures as non-fatal; a job without a preview is
// still reconstructable.
func (m *Manager) GeneratePreview(jobID, sourcePath string) (string, error) {
	src, err := imaging.Open(sourcePath, imaging.AutoOrientation(true))
	if err != nil {
		return "", fmt.Errorf("open preview source: %w", err)
	}

	thumb := imaging.Resize(src, previewWidth, 0, imaging.Lanczos)
	dest := m.PreviewPath(jobID)
	if err := imaging.Save(thumb, dest, imaging.JPEGQuality(85)); err != nil {
		return "", fmt.Errorf("save preview: %w", err)
	}
	return dest, nil
}
