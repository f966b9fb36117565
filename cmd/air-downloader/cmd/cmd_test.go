package cmd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/anacrolix/torrent/metainfo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-air-download/internal/database"
	"go-air-download/internal/downloader"
	"go-air-download/internal/lock"
	"go-air-download/internal/metadata"
	"go-air-download/internal/models"
	"go-air-download/internal/paths"
	"go-air-download/internal/updater"
	"go-air-download/internal/urn"
)

const (
	testURN   = "urn:air:flux1:lora:civitai:1075055@1206817"
	testToken = "secret"
)

var modelBody = []byte(strings.Repeat("lora-weights-", 1000))

func sha(b []byte) string {
	s := sha256.Sum256(b)
	return hex.EncodeToString(s[:])
}

// fakeCivitai serves one model version and its file.
func fakeCivitai(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	fileHits := new(int)
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/model-versions/1206817":
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(models.ModelVersion{
				ID:      1206817,
				ModelId: 1075055,
				Name:    "v1.0",
				Model:   models.BaseModelInfo{Name: "Pixel Art", Type: "LORA"},
				Files: []models.File{{
					ID:          1,
					Name:        "pixel_art.safetensors",
					Primary:     true,
					Hashes:      models.Hashes{SHA256: strings.ToUpper(sha(modelBody))},
					DownloadUrl: srv.URL + "/files/1",
				}},
			})
		case "/files/1":
			*fileHits++
			w.Write(modelBody)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, fileHits
}

func testConfig(t *testing.T, apiURL string) models.Config {
	base := t.TempDir()
	return models.Config{
		ApiBaseURL:          apiURL,
		ApiClientTimeoutSec: 5,
		BaseDir:             base,
		DatabasePath:        filepath.Join(base, ".air-history.db"),
		IndexPath:           filepath.Join(base, ".air-index.bleve"),
		LockTimeoutSec:      1,
	}
}

func TestExitCodeFor(t *testing.T) {
	_, parseErr := urn.Parse("air:flux1:lora:civitai:1")
	require.Error(t, parseErr)

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"Success", nil, ExitOK},
		{"Usage", newUsageError("bad"), ExitUsage},
		{"Parse", parseErr, ExitParse},
		{"Auth", fmt.Errorf("%w: nope", downloader.ErrAuth), ExitAuth},
		{"Not found", downloader.ErrModelNotFound, ExitNotFound},
		{"Network", downloader.ErrNetwork, ExitNetwork},
		{"Incomplete transfer", fmt.Errorf("%w (%w)", downloader.ErrIncompleteTransfer, downloader.ErrNetwork), ExitNetwork},
		{"IO", downloader.ErrIO, ExitIO},
		{"Locked", fmt.Errorf("%w: %w", downloader.ErrIO, lock.ErrLocked), ExitIO},
		{"Invalid metadata", fmt.Errorf("%w: %w", updater.ErrInvalidMetadata, metadata.ErrCorrupt), ExitInvalidMetadata},
		{"Metadata with bad URN", fmt.Errorf("%w: %w", updater.ErrInvalidMetadata, parseErr), ExitInvalidMetadata},
		{"Unexpected", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCodeFor(tt.err))
		})
	}
}

func TestValidateMode(t *testing.T) {
	assert.NoError(t, validateMode(testURN, ""))
	assert.NoError(t, validateMode("", "x.metadata.json"))

	err := validateMode(testURN, "x.metadata.json")
	assert.Equal(t, ExitUsage, ExitCodeFor(err))
	err = validateMode("", "")
	assert.Equal(t, ExitUsage, ExitCodeFor(err))
}

func TestFormatProgress(t *testing.T) {
	assert.Equal(t, "model.safetensors  50.0% (512.00B / 1.00KB)", formatProgress("model.safetensors", 512, 1024, 0, 0))
	assert.Equal(t, "model.safetensors 100.0% (0B / 0B)", formatProgress("model.safetensors", 0, 0, 0, 0))
	assert.Equal(t, "/ model.safetensors 2.00KB 1.00KB/s", formatProgress("model.safetensors", 2048, -1, 1, 2*time.Second))
}

func TestRunnerDownloadThenUpdate(t *testing.T) {
	srv, fileHits := fakeCivitai(t)
	cfg := testConfig(t, srv.URL)
	var out bytes.Buffer
	r := newRunner(cfg, nil, &out)

	require.NoError(t, r.download(context.Background(), testURN, testToken))
	artifact, meta := paths.Resolve(urn.MustParse(testURN), cfg.BaseDir)
	assert.Equal(t, filepath.Join(cfg.BaseDir, "loras", "flux1", "civitai_1075055_v1206817.safetensors"), artifact)
	data, err := os.ReadFile(artifact)
	require.NoError(t, err)
	assert.Equal(t, modelBody, data)
	assert.Contains(t, out.String(), "Downloaded "+testURN)
	assert.Equal(t, 1, *fileHits)

	md, err := metadata.Load(meta)
	require.NoError(t, err)
	assert.Equal(t, testURN, md.URN)
	assert.Equal(t, sha(modelBody), md.ContentHash)

	out.Reset()
	require.NoError(t, r.update(context.Background(), meta, testToken))
	assert.Contains(t, out.String(), "Up to date")
	assert.Equal(t, 1, *fileHits, "an unchanged remote must not be downloaded again")

	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	entry, err := db.GetFetch(artifact)
	require.NoError(t, err)
	require.NoError(t, db.Close())
	assert.Equal(t, models.StatusUpToDate, entry.Status)
	assert.Equal(t, "Pixel Art", entry.ModelName)
	assert.Equal(t, int64(len(modelBody)), entry.SizeBytes)

	out.Reset()
	require.NoError(t, runSearch(&out, cfg.IndexPath, "+ecosystem:flux1", 10))
	assert.Contains(t, out.String(), "1 result(s)")
	assert.Contains(t, out.String(), testURN)
}

func TestRunnerUpdateRefetchesMissingArtifact(t *testing.T) {
	srv, fileHits := fakeCivitai(t)
	cfg := testConfig(t, srv.URL)
	r := newRunner(cfg, nil, &bytes.Buffer{})

	require.NoError(t, r.download(context.Background(), testURN, testToken))
	artifact, meta := paths.Resolve(urn.MustParse(testURN), cfg.BaseDir)
	require.NoError(t, os.Remove(artifact))

	require.NoError(t, r.update(context.Background(), meta, testToken))
	assert.FileExists(t, artifact)
	assert.Equal(t, 2, *fileHits)
}

func TestRunnerErrors(t *testing.T) {
	srv, _ := fakeCivitai(t)
	cfg := testConfig(t, srv.URL)
	r := newRunner(cfg, nil, &bytes.Buffer{})
	ctx := context.Background()

	err := r.download(ctx, "air:flux1:lora:civitai:1", testToken)
	assert.Equal(t, ExitParse, ExitCodeFor(err))

	err = r.download(ctx, testURN, "wrong")
	assert.Equal(t, ExitAuth, ExitCodeFor(err))

	err = r.download(ctx, "urn:air:flux1:lora:civitai:1075055@999", testToken)
	assert.Equal(t, ExitNotFound, ExitCodeFor(err))

	err = r.update(ctx, filepath.Join(cfg.BaseDir, "missing.safetensors.metadata.json"), testToken)
	assert.Equal(t, ExitInvalidMetadata, ExitCodeFor(err))

	// The failed download was recorded.
	db, err := database.Open(cfg.DatabasePath)
	require.NoError(t, err)
	defer db.Close()
	entries, err := db.ListFetches("")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for _, e := range entries {
		assert.Equal(t, models.StatusError, e.Status)
		assert.NotEmpty(t, e.ErrorDetails)
	}
}

func TestRunnerNoHistory(t *testing.T) {
	srv, _ := fakeCivitai(t)
	cfg := testConfig(t, srv.URL)
	cfg.DisableHistory = true
	r := newRunner(cfg, nil, &bytes.Buffer{})

	require.NoError(t, r.download(context.Background(), testURN, testToken))
	assert.NoDirExists(t, cfg.DatabasePath)
	assert.NoDirExists(t, cfg.IndexPath)
}

func TestPrintHistory(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printHistory(&out, nil, false))
	assert.Contains(t, out.String(), "No matching history entries.")

	out.Reset()
	entries := []models.HistoryEntry{{URN: testURN, Status: models.StatusDownloaded, ArtifactPath: "/m/a.safetensors", SizeBytes: 2048}}
	require.NoError(t, printHistory(&out, entries, false))
	assert.Contains(t, out.String(), "[1] "+testURN)
	assert.Contains(t, out.String(), "2.00KB")

	out.Reset()
	require.NoError(t, printHistory(&out, entries, true))
	var decoded []models.HistoryEntry
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, entries[0].URN, decoded[0].URN)
}

func TestVerifyHistory(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.safetensors")
	changed := filepath.Join(dir, "changed.safetensors")
	require.NoError(t, os.WriteFile(good, modelBody, 0644))
	require.NoError(t, os.WriteFile(changed, []byte("edited"), 0644))

	entries := []models.HistoryEntry{
		{URN: "urn:air:sd1:lora:civitai:1", ArtifactPath: good, ContentHash: sha(modelBody), Status: models.StatusDownloaded},
		{URN: "urn:air:sd1:lora:civitai:2", ArtifactPath: changed, ContentHash: sha(modelBody), Status: models.StatusUpToDate},
		{URN: "urn:air:sd1:lora:civitai:3", ArtifactPath: filepath.Join(dir, "gone.safetensors"), Status: models.StatusUpdated},
		{URN: "urn:air:sd1:lora:civitai:4", ArtifactPath: filepath.Join(dir, "never.safetensors"), Status: models.StatusError},
	}

	report := verifyHistory(entries, false)
	assert.Equal(t, 3, report.Total)
	assert.Equal(t, 2, report.OK)
	require.Len(t, report.Problems, 1)
	assert.Equal(t, "Missing", report.Problems[0].Reason)

	report = verifyHistory(entries, true)
	assert.Equal(t, 1, report.OK)
	require.Len(t, report.Problems, 2)
	assert.Equal(t, "Hash Mismatch", report.Problems[0].Reason)
	assert.Equal(t, changed, report.Problems[0].Entry.ArtifactPath)

	var out bytes.Buffer
	report.print(&out)
	assert.Contains(t, out.String(), "Verified 3 artifact(s): 1 OK, 2 need attention")
	assert.Contains(t, out.String(), "[Missing] urn:air:sd1:lora:civitai:3")
}

func TestSearchWithoutIndex(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runSearch(&out, filepath.Join(t.TempDir(), "none.bleve"), "anything", 10))
	assert.Contains(t, out.String(), "No models have been indexed yet.")
}

func TestCleanDir(t *testing.T) {
	root := t.TempDir()
	files := []struct {
		rel     string
		survive bool
	}{
		{"loras/flux1/a.safetensors", true},
		{"loras/flux1/a.safetensors.123.tmp", false},
		{"loras/flux1/a.safetensors.torrent", false},
		{"loras/flux1/a.safetensors-magnet.txt", true},
		{"checkpoints/sdxl/b.safetensors.metadata.json.9.tmp", false},
		{".air-history.db/keep.tmp", true},
	}
	for _, f := range files {
		p := filepath.Join(root, f.rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0644))
	}

	summary, err := cleanDir(root, true, false, filepath.Join(root, ".air-history.db"))
	require.NoError(t, err)
	assert.Equal(t, cleanSummary{Tmp: 2, Torrents: 1}, summary)
	assert.Equal(t, "Clean complete. Removed: 2 .tmp file(s), 1 .torrent file(s)", summary.String())

	for _, f := range files {
		if f.survive {
			assert.FileExists(t, filepath.Join(root, f.rel))
		} else {
			assert.NoFileExists(t, filepath.Join(root, f.rel))
		}
	}
}

func TestGenerateTorrentFile(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "civitai_1_v2.safetensors")
	require.NoError(t, os.WriteFile(source, modelBody, 0644))

	trackers := []string{"udp://tracker.example:1337/announce"}
	res, err := generateTorrentFile(source, trackers, "", false, true)
	require.NoError(t, err)
	assert.Equal(t, source+".torrent", res.TorrentPath)
	assert.True(t, strings.HasPrefix(res.MagnetURI, "magnet:?xt=urn:btih:"))
	assert.Contains(t, res.MagnetURI, "dn=civitai_1_v2.safetensors")

	mi, err := metainfo.LoadFromFile(res.TorrentPath)
	require.NoError(t, err)
	info, err := mi.UnmarshalInfo()
	require.NoError(t, err)
	assert.Equal(t, "civitai_1_v2.safetensors", info.Name)
	assert.Equal(t, int64(len(modelBody)), info.Length)
	assert.Equal(t, trackers[0], mi.Announce)
	assert.Contains(t, res.MagnetURI, mi.HashInfoBytes().HexString())

	magnet, err := os.ReadFile(filepath.Join(dir, "civitai_1_v2.safetensors-magnet.txt"))
	require.NoError(t, err)
	assert.Equal(t, res.MagnetURI, string(magnet))

	// Existing torrents are kept unless overwriting.
	before, err := os.ReadFile(res.TorrentPath)
	require.NoError(t, err)
	again, err := generateTorrentFile(source, []string{"udp://other.example/announce"}, "", false, false)
	require.NoError(t, err)
	after, err := os.ReadFile(again.TorrentPath)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = generateTorrentFile(dir, trackers, "", true, false)
	assert.Error(t, err)
}
