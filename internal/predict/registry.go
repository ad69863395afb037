// Package predict implements the Prediction Engine: versioned model
// loading, inference over FeatureVectors, and a bounded result cache with
// in-flight deduplication.
package predict

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"agrosentinel/internal/types"
)

// Manifest is the on-disk model registry (models.yaml). Each entry binds a
// versioned model ID to an artifact file.
//
// Example:
//
//	models:
//	  - id: "wheat_yield:v1"
//	    kind: linear
//	    artifact: artifacts/wheat_yield_v1.yaml
type Manifest struct {
	Models []ManifestEntry `yaml:"models"`
}

// ManifestEntry is one model binding in the manifest.
type ManifestEntry struct {
	ID       string `yaml:"id"`
	Kind     string `yaml:"kind"`
	Artifact string `yaml:"artifact"`
}

// Registry holds the loaded models keyed by versioned ID. The registry is
// populated once at startup and read-only afterwards; a corrupt artifact at
// load time is fatal to the process, while an unknown ID at predict time is
// a per-request model_not_found error.
type Registry struct {
	models map[string]types.Model
}

// LoadRegistry reads the manifest and loads every listed artifact.
// Artifact paths are resolved relative to the manifest's directory.
func LoadRegistry(manifestPath string) (*Registry, error) {
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("reading model manifest %s", manifestPath), err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("parsing model manifest %s", manifestPath), err)
	}
	if len(manifest.Models) == 0 {
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("model manifest %s lists no models", manifestPath), nil)
	}

	baseDir := filepath.Dir(manifestPath)
	r := &Registry{models: make(map[string]types.Model, len(manifest.Models))}
	for _, entry := range manifest.Models {
		if entry.ID == "" {
			return nil, types.NewAppError(types.ErrCodeModelLoadError, "manifest entry missing model id", nil)
		}
		if _, exists := r.models[entry.ID]; exists {
			return nil, types.NewAppError(types.ErrCodeModelLoadError,
				fmt.Sprintf("duplicate model id %q in manifest", entry.ID), nil)
		}

		model, err := loadModel(entry, baseDir)
		if err != nil {
			return nil, err
		}
		r.models[entry.ID] = model
	}
	return r, nil
}

// NewRegistryFromModels builds a registry directly from model instances.
// Used by tests and by embedded default models.
func NewRegistryFromModels(models ...types.Model) *Registry {
	r := &Registry{models: make(map[string]types.Model, len(models))}
	for _, m := range models {
		r.models[m.ID()] = m
	}
	return r
}

// Get returns the model for the versioned ID, or a model_not_found error.
func (r *Registry) Get(modelID string) (types.Model, error) {
	model, ok := r.models[modelID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeModelNotFound,
			fmt.Sprintf("no model registered for id %q", modelID), nil)
	}
	return model, nil
}

// IDs returns the registered model IDs.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.models))
	for id := range r.models {
		ids = append(ids, id)
	}
	return ids
}

// loadModel dispatches on the manifest kind. Kinds are a closed set; adding
// one means adding a loader and an adapter type here.
func loadModel(entry ManifestEntry, baseDir string) (types.Model, error) {
	artifactPath := entry.Artifact
	if !filepath.IsAbs(artifactPath) {
		artifactPath = filepath.Join(baseDir, artifactPath)
	}

	switch entry.Kind {
	case "linear", "":
		return loadLinearModel(entry.ID, artifactPath)
	default:
		return nil, types.NewAppError(types.ErrCodeModelLoadError,
			fmt.Sprintf("unsupported model kind %q for %s", entry.Kind, entry.ID), nil)
	}
}
