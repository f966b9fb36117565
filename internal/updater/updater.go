// Package updater re-checks a previously fetched artifact against the remote
// and refreshes it only when the remote content has changed.
package updater

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go-air-download/internal/api"
	"go-air-download/internal/downloader"
	"go-air-download/internal/helpers"
	"go-air-download/internal/metadata"
	"go-air-download/internal/paths"
	"go-air-download/internal/urn"

	log "github.com/sirupsen/logrus"
)

// ErrInvalidMetadata covers sidecars that are missing, corrupt or name an unusable identifier.
var ErrInvalidMetadata = errors.New("invalid metadata")

// Status is the outcome of a successful update.
type Status string

const (
	StatusUpToDate Status = "up-to-date"
	StatusUpdated  Status = "updated"
)

// Result describes a completed update check.
type Result struct {
	Status       Status
	URN          urn.URN
	Descriptor   api.Descriptor
	ArtifactPath string
	MetadataPath string
	Metadata     metadata.Metadata // the sidecar as it stands after the update
	Reason       string            // why a download was needed; empty when up to date
	Download     *downloader.Result
}

// Updater compares stored sidecars with the remote and re-downloads on change.
type Updater struct {
	downloader  *downloader.Downloader
	verifyLocal bool
}

// Option configures an Updater.
type Option func(*Updater)

// WithVerifyLocal hashes the artifact on disk instead of trusting the sidecar's content_hash.
func WithVerifyLocal(verify bool) Option {
	return func(u *Updater) { u.verifyLocal = verify }
}

// NewUpdater creates an Updater fetching through d.
func NewUpdater(d *downloader.Downloader, opts ...Option) *Updater {
	up := &Updater{downloader: d}
	for _, opt := range opts {
		opt(up)
	}
	return up
}

// Update checks the artifact described by the sidecar at metadataPath. When the remote hash
// equals the local one nothing is transferred; otherwise the artifact and its sidecar are
// replaced in place. Download errors are returned unchanged.
func (up *Updater) Update(ctx context.Context, metadataPath string, token string) (Result, error) {
	md, err := metadata.Load(metadataPath)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) || errors.Is(err, metadata.ErrCorrupt) {
			return Result{}, fmt.Errorf("%w: %w", ErrInvalidMetadata, err)
		}
		return Result{}, fmt.Errorf("%w: %w", downloader.ErrIO, err)
	}

	u, err := urn.Parse(md.URN)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s: %w", ErrInvalidMetadata, metadataPath, err)
	}

	artifactPath, ok := paths.ArtifactPathFor(metadataPath)
	if !ok {
		return Result{}, fmt.Errorf("%w: %s does not end in %s", ErrInvalidMetadata, metadataPath, paths.MetadataSuffix)
	}

	logger := log.WithFields(log.Fields{"urn": u.String(), "path": artifactPath})
	logger.Debug("Checking for updates")

	desc, err := up.downloader.Resolve(ctx, u, token)
	if err != nil {
		return Result{}, err
	}

	result := Result{
		URN:          u,
		Descriptor:   desc,
		ArtifactPath: artifactPath,
		MetadataPath: metadataPath,
	}

	reason, err := up.staleReason(md, desc, artifactPath)
	if err != nil {
		return Result{}, err
	}
	if reason == "" {
		logger.Info("Artifact is up to date")
		result.Status = StatusUpToDate
		result.Metadata = md
		return result, nil
	}

	logger.Infof("Updating artifact: %s", reason)
	dl, err := up.downloader.Fetch(ctx, u, desc, artifactPath, token)
	if err != nil {
		return Result{}, err
	}
	result.Status = StatusUpdated
	result.Reason = reason
	result.Metadata = dl.Metadata
	result.Download = &dl
	return result, nil
}

// staleReason returns why the local artifact must be fetched again, or "" if it is current.
func (up *Updater) staleReason(md metadata.Metadata, desc api.Descriptor, artifactPath string) (string, error) {
	if !helpers.FileExists(artifactPath) {
		return "artifact missing", nil
	}
	if !desc.HasHash() {
		return "remote exposes no content hash", nil
	}

	// The sidecar only records SHA-256, so a BLAKE3-only remote needs the file itself.
	if !up.verifyLocal && md.ContentHash != "" && desc.RemoteHash != "" {
		if strings.EqualFold(md.ContentHash, desc.RemoteHash) {
			return "", nil
		}
		return "remote content hash changed", nil
	}

	local, err := helpers.HashFile(artifactPath)
	if err != nil {
		return "", fmt.Errorf("%w: %w", downloader.ErrIO, err)
	}
	if match, _ := helpers.MatchesHashes(local, desc.Hashes()); match {
		return "", nil
	}
	return "local content differs from remote", nil
}
