package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go-air-download/internal/api"
	"go-air-download/internal/helpers"
	"go-air-download/internal/lock"
	"go-air-download/internal/metadata"
	"go-air-download/internal/paths"
	"go-air-download/internal/urn"

	log "github.com/sirupsen/logrus"
)

// Custom Downloader Errors.
// ErrIncompleteTransfer and ErrHashMismatch also match ErrNetwork: both are safe to retry.
var (
	ErrModelNotFound      = errors.New("model not found")
	ErrAuth               = errors.New("authentication failed")
	ErrNetwork            = errors.New("network error")
	ErrIncompleteTransfer = errors.New("incomplete transfer")
	ErrHashMismatch       = errors.New("downloaded file hash mismatch")
	ErrIO                 = errors.New("filesystem error")
)

const (
	DefaultChunkSize   = 256 * 1024
	DefaultLockTimeout = 5 * time.Second
)

// Resolver turns an identifier into a download descriptor.
type Resolver interface {
	Resolve(ctx context.Context, u urn.URN, token string) (api.Descriptor, error)
}

// ProgressFunc observes a transfer. total is negative when the size is unknown.
type ProgressFunc func(done, total int64)

// Result describes a committed download.
type Result struct {
	URN          urn.URN
	Descriptor   api.Descriptor
	ArtifactPath string
	MetadataPath string
	Bytes        int64
	ContentHash  string
	Metadata     metadata.Metadata
}

// Downloader streams model files to disk and commits them with their sidecar.
type Downloader struct {
	client      *http.Client
	resolver    Resolver
	progress    ProgressFunc
	now         func() time.Time
	lockTimeout time.Duration
	chunkSize   int
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithProgress installs a progress observer.
func WithProgress(fn ProgressFunc) Option {
	return func(d *Downloader) {
		if fn != nil {
			d.progress = fn
		}
	}
}

// WithClock overrides the time source used for sidecar timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Downloader) { d.now = now }
}

// WithLockTimeout bounds how long to wait for another process working on the same path.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		if timeout > 0 {
			d.lockTimeout = timeout
		}
	}
}

// WithChunkSize sets the read buffer size.
func WithChunkSize(n int) Option {
	return func(d *Downloader) {
		if n > 0 {
			d.chunkSize = n
		}
	}
}

// NewDownloader creates a new Downloader instance.
// The client should not carry an overall timeout: large bodies take as long as they take.
func NewDownloader(client *http.Client, resolver Resolver, opts ...Option) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	d := &Downloader{
		client:      client,
		resolver:    resolver,
		progress:    func(int64, int64) {},
		now:         time.Now,
		lockTimeout: DefaultLockTimeout,
		chunkSize:   DefaultChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Resolve looks the identifier up remotely, mapping client errors onto this package's errors.
func (d *Downloader) Resolve(ctx context.Context, u urn.URN, token string) (api.Descriptor, error) {
	desc, err := d.resolver.Resolve(ctx, u, token)
	if err != nil {
		return api.Descriptor{}, classify(err)
	}
	return desc, nil
}

// Download resolves u, streams it under baseDir and records its sidecar.
func (d *Downloader) Download(ctx context.Context, u urn.URN, baseDir string, token string) (Result, error) {
	desc, err := d.Resolve(ctx, u, token)
	if err != nil {
		return Result{}, err
	}
	artifactPath, _ := paths.Resolve(u, baseDir)
	return d.Fetch(ctx, u, desc, artifactPath, token)
}

// Fetch streams desc to artifactPath. The artifact only becomes visible through an
// atomic rename after the byte count and any remote hash check out; the sidecar is
// written afterwards with the same discipline.
func (d *Downloader) Fetch(ctx context.Context, u urn.URN, desc api.Descriptor, artifactPath string, token string) (Result, error) {
	metadataPath := paths.MetadataPathFor(artifactPath)
	targetDir := filepath.Dir(artifactPath)
	logger := log.WithFields(log.Fields{"urn": u.String(), "path": artifactPath})

	if err := helpers.CheckAndMakeDir(targetDir); err != nil {
		return Result{}, fmt.Errorf("%w: creating target directory %s: %w", ErrIO, targetDir, err)
	}

	held, err := lock.Acquire(ctx, metadataPath, d.lockTimeout)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrIO, err)
	}
	defer func() {
		if err := held.Release(); err != nil {
			logger.WithError(err).Warn("Failed to release lock")
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating download request for %s: %w", ErrNetwork, desc.URL, err)
	}
	api.SetAuth(req, token)

	logger.Infof("Downloading %s", desc.FileName)
	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: performing request for %s: %w", ErrNetwork, desc.URL, err)
	}
	defer resp.Body.Close()

	if err := api.CheckStatus(resp); err != nil {
		return Result{}, classify(err)
	}

	expected := desc.ExpectedSize
	if expected < 0 && resp.ContentLength >= 0 {
		expected = resp.ContentLength
	}

	tempFile, err := os.CreateTemp(targetDir, filepath.Base(artifactPath)+".*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("%w: creating temporary file for %s: %w", ErrIO, artifactPath, err)
	}
	shouldCleanupTemp := true
	defer func() {
		if shouldCleanupTemp {
			tempFile.Close()
			logger.Debugf("Cleaning up temporary file %s", tempFile.Name())
			if removeErr := os.Remove(tempFile.Name()); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				logger.WithError(removeErr).Warnf("Failed to remove temporary file %s", tempFile.Name())
			}
		}
	}()

	sizeLabel := "unknown size"
	if expected >= 0 {
		sizeLabel = helpers.BytesToSize(uint64(expected))
	}
	logger.Debugf("Streaming to %s (%s)", tempFile.Name(), sizeLabel)

	digest := helpers.NewDigestWriter()
	written, readErr, writeErr := d.stream(resp.Body, tempFile, digest, expected)
	switch {
	case writeErr != nil:
		return Result{}, fmt.Errorf("%w: writing %s: %w", ErrIO, tempFile.Name(), writeErr)
	case readErr != nil && expected >= 0 && written < expected:
		return Result{}, fmt.Errorf("%w (%w): received %d of %d bytes: %w", ErrIncompleteTransfer, ErrNetwork, written, expected, readErr)
	case readErr != nil:
		return Result{}, fmt.Errorf("%w: reading body from %s: %w", ErrNetwork, desc.URL, readErr)
	case expected >= 0 && written != expected:
		return Result{}, fmt.Errorf("%w (%w): received %d of %d bytes", ErrIncompleteTransfer, ErrNetwork, written, expected)
	}

	digests := digest.Sum()
	if match, ok := helpers.MatchesHashes(digests, desc.Hashes()); ok && !match {
		logger.Errorf("Hash mismatch: expected %s, got %s", desc.RemoteHash, digests.SHA256)
		return Result{}, fmt.Errorf("%w (%w): %s", ErrHashMismatch, ErrNetwork, desc.URL)
	}

	if err := tempFile.Sync(); err != nil {
		return Result{}, fmt.Errorf("%w: syncing %s: %w", ErrIO, tempFile.Name(), err)
	}
	if err := tempFile.Close(); err != nil {
		return Result{}, fmt.Errorf("%w: closing %s: %w", ErrIO, tempFile.Name(), err)
	}
	if err := os.Chmod(tempFile.Name(), 0644); err != nil {
		return Result{}, fmt.Errorf("%w: chmod %s: %w", ErrIO, tempFile.Name(), err)
	}

	// Commit point.
	if err := os.Rename(tempFile.Name(), artifactPath); err != nil {
		return Result{}, fmt.Errorf("%w: renaming %s to %s: %w", ErrIO, tempFile.Name(), artifactPath, err)
	}
	shouldCleanupTemp = false

	md := metadata.New(u.String(), d.now(), digests.SHA256)
	if err := metadata.Save(metadataPath, md); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrIO, err)
	}

	logger.Infof("Downloaded %s (%s)", filepath.Base(artifactPath), helpers.BytesToSize(uint64(written)))
	return Result{
		URN:          u,
		Descriptor:   desc,
		ArtifactPath: artifactPath,
		MetadataPath: metadataPath,
		Bytes:        written,
		ContentHash:  digests.SHA256,
		Metadata:     md,
	}, nil
}

// stream copies body into out in bounded chunks, hashing and reporting as it goes.
func (d *Downloader) stream(body io.Reader, out io.Writer, digest io.Writer, expected int64) (written int64, readErr, writeErr error) {
	buf := make([]byte, d.chunkSize)
	d.progress(0, expected)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, nil, werr
			}
			digest.Write(buf[:n])
			written += int64(n)
			d.progress(written, expected)
		}
		if err == io.EOF {
			return written, nil, nil
		}
		if err != nil {
			return written, err, nil
		}
	}
}

// classify maps api client errors onto the download taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, api.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrAuth, err)
	case errors.Is(err, api.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrModelNotFound, err)
	default:
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}
}

// IsRetryable reports whether re-running the same invocation may succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
