package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"go-air-download/index"
	"go-air-download/internal/api"
	"go-air-download/internal/database"
	"go-air-download/internal/downloader"
	"go-air-download/internal/models"
	"go-air-download/internal/paths"
	"go-air-download/internal/updater"
	"go-air-download/internal/urn"
)

// runner carries what a single download or update invocation needs.
type runner struct {
	cfg          models.Config
	apiClient    *api.Client
	fileClient   *http.Client
	out          io.Writer
	showProgress bool
	now          func() time.Time
}

func newRunner(cfg models.Config, transport http.RoundTripper, out io.Writer) *runner {
	if transport == nil {
		transport = http.DefaultTransport
	}
	apiHTTP := &http.Client{
		Transport: transport,
		Timeout:   time.Duration(cfg.ApiClientTimeoutSec) * time.Second,
	}
	return &runner{
		cfg:       cfg,
		apiClient: api.NewClient(apiHTTP, cfg.ApiBaseURL),
		// Artifact bodies can take arbitrarily long; only the transport's own timeouts apply.
		fileClient: &http.Client{Transport: transport},
		out:        out,
		now:        time.Now,
	}
}

func (r *runner) newDownloader(name string) (*downloader.Downloader, func()) {
	opts := []downloader.Option{
		downloader.WithClock(r.now),
		downloader.WithLockTimeout(time.Duration(r.cfg.LockTimeoutSec) * time.Second),
	}
	stop := func() {}
	if r.showProgress {
		p := newProgressPrinter(r.out, name)
		opts = append(opts, downloader.WithProgress(p.Update))
		stop = p.Stop
	}
	return downloader.NewDownloader(r.fileClient, r.apiClient, opts...), stop
}

// download fetches rawURN into the configured base directory.
func (r *runner) download(ctx context.Context, rawURN string, token string) error {
	u, err := urn.Parse(rawURN)
	if err != nil {
		return err
	}
	log.WithField("urn", u.String()).Debug("Starting download")

	d, stop := r.newDownloader(paths.FileName(u))
	res, err := d.Download(ctx, u, r.cfg.BaseDir, token)
	stop()
	if err != nil {
		artifactPath, metadataPath := paths.Resolve(u, r.cfg.BaseDir)
		r.recordFailure(u, artifactPath, metadataPath, err)
		return err
	}

	entry := historyEntry(res.URN, res.Descriptor, res.ArtifactPath, res.MetadataPath, res.ContentHash, res.Bytes,
		models.StatusDownloaded, res.Metadata.Datetime.Time, r.now())
	r.record(entry)

	fmt.Fprintf(r.out, "Downloaded %s\n  artifact: %s\n  metadata: %s\n", u, res.ArtifactPath, res.MetadataPath)
	return nil
}

// update re-checks the artifact described by the sidecar at metadataPath.
func (r *runner) update(ctx context.Context, metadataPath string, token string) error {
	d, stop := r.newDownloader(filepath.Base(metadataPath))
	up := updater.NewUpdater(d, updater.WithVerifyLocal(r.cfg.VerifyLocal))
	res, err := up.Update(ctx, metadataPath, token)
	stop()
	if err != nil {
		if !errors.Is(err, updater.ErrInvalidMetadata) {
			if artifactPath, ok := paths.ArtifactPathFor(metadataPath); ok {
				r.recordFailure(urn.URN{}, artifactPath, metadataPath, err)
			}
		}
		return err
	}

	switch res.Status {
	case updater.StatusUpToDate:
		var size int64
		if info, statErr := os.Stat(res.ArtifactPath); statErr == nil {
			size = info.Size()
		}
		r.record(historyEntry(res.URN, res.Descriptor, res.ArtifactPath, res.MetadataPath, res.Metadata.ContentHash, size,
			models.StatusUpToDate, res.Metadata.Datetime.Time, r.now()))
		fmt.Fprintf(r.out, "Up to date: %s\n", res.ArtifactPath)
	case updater.StatusUpdated:
		r.record(historyEntry(res.URN, res.Descriptor, res.ArtifactPath, res.MetadataPath, res.Download.ContentHash, res.Download.Bytes,
			models.StatusUpdated, res.Metadata.Datetime.Time, r.now()))
		fmt.Fprintf(r.out, "Updated %s (%s)\n  artifact: %s\n  metadata: %s\n", res.URN, res.Reason, res.ArtifactPath, res.MetadataPath)
	}
	return nil
}

func historyEntry(u urn.URN, desc api.Descriptor, artifactPath, metadataPath, contentHash string, size int64, status string, fetchedAt, checkedAt time.Time) models.HistoryEntry {
	return models.HistoryEntry{
		URN:          u.String(),
		Ecosystem:    u.Ecosystem,
		ModelType:    u.Type,
		Source:       u.Source,
		ModelID:      u.ID,
		VersionID:    desc.VersionID,
		ModelName:    desc.ModelName,
		VersionName:  desc.VersionName,
		FileName:     desc.FileName,
		ArtifactPath: artifactPath,
		MetadataPath: metadataPath,
		ContentHash:  contentHash,
		SizeBytes:    size,
		Status:       status,
		FetchedAt:    fetchedAt,
		CheckedAt:    checkedAt,
	}
}

// record stores a successful fetch in the history database and search index.
// Failures here are logged, never returned: the artifact on disk is what matters.
func (r *runner) record(entry models.HistoryEntry) {
	if r.cfg.DisableHistory {
		return
	}
	db, err := database.Open(r.cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Warn("Fetch history not recorded")
		return
	}
	if err := db.RecordFetch(entry); err != nil {
		log.WithError(err).Warn("Fetch history not recorded")
	}
	if err := db.Close(); err != nil {
		log.WithError(err).Warn("Error closing history database")
	}

	idx, err := index.OpenOrCreateIndex(r.cfg.IndexPath)
	if err != nil {
		log.WithError(err).Warn("Search index not updated")
		return
	}
	defer idx.Close()
	if err := index.IndexItem(idx, index.ItemFromHistory(entry)); err != nil {
		log.WithError(err).Warn("Search index not updated")
	}
}

// recordFailure marks a failed fetch in history, keeping what was known about the artifact.
func (r *runner) recordFailure(u urn.URN, artifactPath, metadataPath string, cause error) {
	if r.cfg.DisableHistory {
		return
	}
	db, err := database.Open(r.cfg.DatabasePath)
	if err != nil {
		log.WithError(err).Debug("Failure not recorded in history")
		return
	}
	defer db.Close()

	entry, err := db.GetFetch(artifactPath)
	if err != nil {
		if u.ID == 0 {
			// Nothing known about this artifact yet.
			return
		}
		entry = models.HistoryEntry{
			URN:          u.String(),
			Ecosystem:    u.Ecosystem,
			ModelType:    u.Type,
			Source:       u.Source,
			ModelID:      u.ID,
			VersionID:    u.Version,
			ArtifactPath: artifactPath,
			MetadataPath: metadataPath,
		}
	}
	entry.Status = models.StatusError
	entry.ErrorDetails = cause.Error()
	entry.CheckedAt = r.now()
	if err := db.RecordFetch(entry); err != nil {
		log.WithError(err).Debug("Failure not recorded in history")
	}
}
