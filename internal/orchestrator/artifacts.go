package orchestrator

import (
	"io/fs"
	"os"
	"path/filepath"

	"reconstruction-service/internal/models"
)

// scanOutputs walks a job's output directory and classifies files into
// artifact kinds. modelHint, when the pipeline printed an explicit
// FINAL_MODEL_PATH line, is trusted as the model even if its extension is
// not in the known set.
func scanOutputs(outputDir, modelHint string) []models.Artifact {
	var artifacts []models.Artifact
	seen := map[string]bool{}

	if modelHint != "" {
		if info, err := os.Stat(modelHint); err == nil && !info.IsDir() {
			artifacts = append(artifacts, models.Artifact{
				Kind: models.ArtifactModel,
				Path: modelHint,
				Size: info.Size(),
			})
			seen[modelHint] = true
		}
	}

	_ = filepath.WalkDir(outputDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || seen[path] {
			return nil
		}
		kind := models.ArtifactKind(path)
		if kind == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		artifacts = append(artifacts, models.Artifact{
			Kind: kind,
			Path: path,
			Size: info.Size(),
		})
		seen[path] = true
		return nil
	})

	return artifacts
}

func primaryModel(artifacts []models.Artifact) (models.Artifact, bool) {
	for _, a := range artifacts {
		if a.Kind == models.ArtifactModel {
			return a, true
		}
	}
	return models.Artifact{}, false
}
