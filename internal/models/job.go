package models

import (
	"path/filepath"
	"strings"
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusPending    = "pending"
	StatusUploaded   = "uploaded"
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Artifact kinds recognized in a job's output directory.
const (
	ArtifactModel   = "model"
	ArtifactTexture = "texture"
	ArtifactLog     = "log"
)

// transitions holds the allowed forward edges of the job state machine.
// completed and failed are terminal; nothing leaves them.
var transitions = map[string][]string{
	StatusPending:    {StatusUploaded},
	StatusUploaded:   {StatusQueued},
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether moving from one status to another follows the
// state graph. Backward and self transitions are rejected.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status that may legally transition into target.
func AllowedFrom(target string) []string {
	var out []string
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == target {
				out = append(out, from)
			}
		}
	}
	return out
}

// IsTerminal reports whether a status admits no further transitions.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s string) bool {
	switch s {
	case StatusPending, StatusUploaded, StatusQueued, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job is one reconstruction request persisted in Postgres.
type Job struct {
	ID          string      `json:"id"`
	Title       string      `json:"title"`
	Description string      `json:"description"`
	Status      string      `json:"status"`
	Progress    int         `json:"progress"`
	Message     string      `json:"message,omitempty"`
	ErrorDetail string      `json:"error_detail,omitempty"`
	PreviewPath string      `json:"-"`
	Inputs      []InputFile `json:"inputs,omitempty"`
	Artifacts   []Artifact  `json:"artifacts,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// InputFile describes one uploaded image placed in the job workspace.
// The slice order on Job.Inputs is the upload order.
type InputFile struct {
	Path         string `json:"path"`
	OriginalName string `json:"original_name"`
	Size         int64  `json:"size"`
	ContentType  string `json:"content_type"`
}

// Artifact is one pipeline output registered after a successful run.
type Artifact struct {
	Kind string `json:"kind"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// PrimaryModel returns the model artifact, if one was registered.
func (j Job) PrimaryModel() (Artifact, bool) {
	for _, a := range j.Artifacts {
		if a.Kind == ArtifactModel {
			return a, true
		}
	}
	return Artifact{}, false
}

var artifactKinds = map[string]string{
	".obj":  ArtifactModel,
	".glb":  ArtifactModel,
	".gltf": ArtifactModel,
	".ply":  ArtifactModel,
	".fbx":  ArtifactModel,
	".png":  ArtifactTexture,
	".jpg":  ArtifactTexture,
	".jpeg": ArtifactTexture,
	".webp": ArtifactTexture,
	".txt":  ArtifactLog,
	".log":  ArtifactLog,
}

// ArtifactKind classifies an output file by extension. Unknown extensions
// return empty and are skipped by the output scan.
func ArtifactKind(path string) string {
	return artifactKinds[strings.ToLower(filepath.Ext(path))]
}
