// Package paths maps AIR identifiers onto the on-disk layout expected by
// image-generation front ends (ComfyUI style model folders).
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	"go-air-download/internal/helpers"
	"go-air-download/internal/urn"
)

// MetadataSuffix is appended to an artifact path to name its sidecar.
const MetadataSuffix = ".metadata.json"

// DefaultFormat is the extension used when the identifier carries no format hint.
const DefaultFormat = "safetensors"

// typeDirs maps lower-cased AIR model types onto model folder names.
var typeDirs = map[string]string{
	"checkpoint":       "checkpoints",
	"lora":             "loras",
	"locon":            "loras",
	"lycoris":          "loras",
	"dora":             "loras",
	"vae":              "vae",
	"embedding":        "embeddings",
	"textualinversion": "embeddings",
	"hypernetwork":     "hypernetworks",
	"controlnet":       "controlnet",
	"upscaler":         "upscale_models",
	"clip":             "clip",
	"unet":             "unet",
	"motionmodule":     "animatediff_models",
}

// TypeDir returns the folder a model type lands in. Unknown types use their own slug.
func TypeDir(modelType string) string {
	key := strings.ToLower(modelType)
	if dir, ok := typeDirs[key]; ok {
		return dir
	}
	if slug := helpers.ConvertToSlug(modelType); slug != "" {
		return slug
	}
	return "other"
}

// FileName derives the artifact file name from source, id, version and layer.
func FileName(u urn.URN) string {
	version := "latest"
	if u.HasVersion() {
		version = fmt.Sprintf("v%d", u.Version)
	}
	name := fmt.Sprintf("%s_%d_%s", slugOr(u.Source, "source"), u.ID, version)
	if u.Layer != "" {
		name += "_" + slugOr(u.Layer, "layer")
	}
	format := DefaultFormat
	if u.Format != "" {
		format = slugOr(u.Format, DefaultFormat)
	}
	return name + "." + format
}

// Resolve returns the artifact path and its sidecar path under baseDir.
// It never touches the filesystem.
func Resolve(u urn.URN, baseDir string) (artifactPath, metadataPath string) {
	dir := filepath.Join(baseDir, TypeDir(u.Type), slugOr(u.Ecosystem, "unknown"))
	artifactPath = filepath.Join(dir, FileName(u))
	return artifactPath, MetadataPathFor(artifactPath)
}

// MetadataPathFor returns the sidecar path belonging to an artifact.
func MetadataPathFor(artifactPath string) string {
	return artifactPath + MetadataSuffix
}

// ArtifactPathFor inverts MetadataPathFor. ok is false if metadataPath lacks the suffix.
func ArtifactPathFor(metadataPath string) (string, bool) {
	if !strings.HasSuffix(metadataPath, MetadataSuffix) {
		return "", false
	}
	artifact := strings.TrimSuffix(metadataPath, MetadataSuffix)
	if artifact == "" || strings.HasSuffix(artifact, string(filepath.Separator)) {
		return "", false
	}
	return artifact, true
}

func slugOr(s, fallback string) string {
	if slug := helpers.ConvertToSlug(s); slug != "" {
		return slug
	}
	return fallback
}
