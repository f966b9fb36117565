package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go-air-download/internal/models"
	"go-air-download/internal/urn"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "secret-token"

func testVersion(id, modelID int) models.ModelVersion {
	return models.ModelVersion{
		ID:      id,
		ModelId: modelID,
		Name:    "v1",
		Model:   models.BaseModelInfo{Name: "Test LoRA", Type: "LORA"},
		Files: []models.File{
			{
				ID: 11, Name: "training.zip", Type: "Training Data",
				DownloadUrl: "https://example.invalid/training",
			},
			{
				ID: 12, Name: "test_lora.safetensors", Type: "Model", Primary: true, SizeKB: 1.5,
				Metadata:    models.FileMetadata{Format: "SafeTensor"},
				Hashes:      models.Hashes{SHA256: "ABCDEF", BLAKE3: "b3b3"},
				DownloadUrl: "https://example.invalid/primary",
			},
			{
				ID: 13, Name: "test_lora.ckpt", Type: "Model",
				Metadata:    models.FileMetadata{Format: "PickleTensor"},
				DownloadUrl: "https://example.invalid/pickle",
			},
		},
	}
}

type fakeCivitai struct {
	t        *testing.T
	requests []string
}

func (f *fakeCivitai) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.requests = append(f.requests, r.URL.Path)
	if r.Header.Get("Authorization") != "Bearer "+testToken {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"unauthorized"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	switch r.URL.Path {
	case "/model-versions/1206817":
		json.NewEncoder(w).Encode(testVersion(1206817, 1075055))
	case "/models/1075055":
		newer := testVersion(1300000, 1075055)
		newer.Name = "v2"
		json.NewEncoder(w).Encode(models.Model{
			ID: 1075055, Name: "Test LoRA",
			ModelVersions: []models.ModelVersion{newer, testVersion(1206817, 1075055)},
		})
	case "/models/42":
		json.NewEncoder(w).Encode(models.Model{ID: 42, Name: "Empty"})
	case "/model-versions/500":
		w.WriteHeader(http.StatusInternalServerError)
	case "/model-versions/600":
		w.Write([]byte(`{not json`))
	default:
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"No model found"}`))
	}
}

func newTestClient(t *testing.T) (*Client, *fakeCivitai) {
	fake := &fakeCivitai{t: t}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewClient(srv.Client(), srv.URL+"/"), fake
}

func TestResolvePinnedVersion(t *testing.T) {
	c, fake := newTestClient(t)
	desc, err := c.Resolve(context.Background(), urn.MustParse("urn:air:flux1:lora:civitai:1075055@1206817"), testToken)
	require.NoError(t, err)

	assert.Equal(t, []string{"/model-versions/1206817"}, fake.requests)
	assert.Equal(t, "https://example.invalid/primary", desc.URL)
	assert.Equal(t, "test_lora.safetensors", desc.FileName)
	assert.Equal(t, uint64(1075055), desc.ModelID)
	assert.Equal(t, uint64(1206817), desc.VersionID)
	assert.Equal(t, "Test LoRA", desc.ModelName)
	assert.Equal(t, int64(-1), desc.ExpectedSize)
	assert.Equal(t, "abcdef", desc.RemoteHash)
	assert.Equal(t, "B3B3", desc.RemoteBLAKE3)
	assert.True(t, desc.HasHash())
}

func TestResolveLatestVersion(t *testing.T) {
	c, fake := newTestClient(t)
	desc, err := c.Resolve(context.Background(), urn.MustParse("urn:air:flux1:lora:civitai:1075055"), testToken)
	require.NoError(t, err)

	assert.Equal(t, []string{"/models/1075055"}, fake.requests)
	assert.Equal(t, uint64(1300000), desc.VersionID)
	assert.Equal(t, "v2", desc.VersionName)
}

func TestResolveErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		token   string
		wantErr error
	}{
		{"Bad token", "urn:air:flux1:lora:civitai:1075055@1206817", "wrong", ErrUnauthorized},
		{"Missing token", "urn:air:flux1:lora:civitai:1075055@1206817", "", ErrUnauthorized},
		{"Unknown version", "urn:air:flux1:lora:civitai:1075055@999", testToken, ErrNotFound},
		{"Unknown model", "urn:air:flux1:lora:civitai:999", testToken, ErrNotFound},
		{"Version of another model", "urn:air:flux1:lora:civitai:7@1206817", testToken, ErrNotFound},
		{"Model without versions", "urn:air:flux1:lora:civitai:42", testToken, ErrNotFound},
		{"Unknown layer", "urn:air:flux1:lora:civitai:1075055@1206817:nope", testToken, ErrNotFound},
		{"Unsupported source", "urn:air:flux1:lora:huggingface:1075055@1206817", testToken, ErrNotFound},
		{"Server error", "urn:air:flux1:lora:civitai:1@500", testToken, ErrNetwork},
		{"Bad JSON", "urn:air:flux1:lora:civitai:1@600", testToken, ErrBadResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t)
			_, err := c.Resolve(context.Background(), urn.MustParse(tt.input), tt.token)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestResolveNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(nil, url)
	_, err := c.Resolve(context.Background(), urn.MustParse("urn:air:flux1:lora:civitai:1@2"), testToken)
	assert.ErrorIs(t, err, ErrNetwork)
}

func TestSelectFile(t *testing.T) {
	files := testVersion(1, 1).Files
	tests := []struct {
		name   string
		input  string
		wantID int
		wantOK bool
	}{
		{"Primary by default", "urn:air:sd1:lora:civitai:1@1", 12, true},
		{"Layer by file id", "urn:air:sd1:lora:civitai:1@1:13", 13, true},
		{"Layer by name", "urn:air:sd1:lora:civitai:1@1:TRAINING.zip", 11, true},
		{"Layer by type", "urn:air:sd1:lora:civitai:1@1:training data", 11, true},
		{"Format hint pickle", "urn:air:sd1:lora:civitai:1@1.ckpt", 13, true},
		{"Format hint safetensors", "urn:air:sd1:lora:civitai:1@1.safetensors", 12, true},
		{"Unknown format falls back to primary", "urn:air:sd1:lora:civitai:1@1.gguf", 12, true},
		{"Unknown layer", "urn:air:sd1:lora:civitai:1@1:missing", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, ok := SelectFile(files, urn.MustParse(tt.input))
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, f.ID)
		})
	}

	_, ok := SelectFile(nil, urn.MustParse("urn:air:sd1:lora:civitai:1"))
	assert.False(t, ok)

	// Without a primary file the first candidate wins.
	noPrimary := []models.File{{ID: 1, Name: "a.safetensors"}, {ID: 2, Name: "b.safetensors"}}
	f, ok := SelectFile(noPrimary, urn.MustParse("urn:air:sd1:lora:civitai:1"))
	assert.True(t, ok)
	assert.Equal(t, 1, f.ID)
}

func TestLoggingTransportMasksToken(t *testing.T) {
	fake := &fakeCivitai{t: t}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	logPath := filepath.Join(t.TempDir(), "api.log")
	lt, err := NewLoggingTransport(srv.Client().Transport, logPath)
	require.NoError(t, err)

	c := NewClient(&http.Client{Transport: lt}, srv.URL)
	_, err = c.Resolve(context.Background(), urn.MustParse("urn:air:flux1:lora:civitai:1075055@1206817"), testToken)
	require.NoError(t, err)
	require.NoError(t, lt.Close())

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	logged := string(data)
	assert.Contains(t, logged, "GET /model-versions/1206817")
	assert.Contains(t, logged, "Bearer ***")
	assert.NotContains(t, logged, testToken)
	assert.True(t, strings.Contains(logged, "test_lora.safetensors"), "JSON body should be logged")
}
