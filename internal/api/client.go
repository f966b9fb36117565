package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go-air-download/internal/models"
	"go-air-download/internal/urn"

	log "github.com/sirupsen/logrus"
)

// Custom Error Types
var (
	ErrUnauthorized = errors.New("API request unauthorized (check token)")
	ErrNotFound     = errors.New("API resource not found")
	ErrNetwork      = errors.New("API request failed")
	ErrBadResponse  = errors.New("API returned an unreadable response")
)

const CivitaiApiBaseUrl = "https://civitai.com/api/v1"

// SourceCivitai is the only AIR source this client resolves.
const SourceCivitai = "civitai"

// maxErrorBody caps how much of a non-200 body is kept for error messages.
const maxErrorBody = 512

// Descriptor says where a model file lives and what it should look like once fetched.
type Descriptor struct {
	URL          string
	FileName     string
	ModelID      uint64
	VersionID    uint64
	ModelName    string
	VersionName  string
	ExpectedSize int64   // -1 when unknown
	SizeKB       float64 // advisory size reported by the API
	RemoteHash   string  // lowercase hex SHA-256, empty when the API exposes none
	RemoteBLAKE3 string  // uppercase hex BLAKE3, empty when the API exposes none
}

// Hashes returns the descriptor's remote hashes in the shape the helpers expect.
func (d Descriptor) Hashes() models.Hashes {
	return models.Hashes{SHA256: d.RemoteHash, BLAKE3: d.RemoteBLAKE3}
}

// HasHash reports whether the remote exposes any content hash.
func (d Descriptor) HasHash() bool {
	return d.RemoteHash != "" || d.RemoteBLAKE3 != ""
}

// Client struct for interacting with the Civitai API
type Client struct {
	BaseURL    string
	HttpClient *http.Client
}

// NewClient creates a new API client. The token is not stored; every call takes it explicitly.
func NewClient(httpClient *http.Client, baseURL string) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if baseURL == "" {
		baseURL = CivitaiApiBaseUrl
	}
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HttpClient: httpClient,
	}
}

// Resolve turns an identifier into a Descriptor for the file it names.
// Unpinned identifiers resolve to the newest version of the model.
func (c *Client) Resolve(ctx context.Context, u urn.URN, token string) (Descriptor, error) {
	if !strings.EqualFold(u.Source, SourceCivitai) {
		return Descriptor{}, fmt.Errorf("%w: unsupported source %q", ErrNotFound, u.Source)
	}

	var version models.ModelVersion
	var modelName string
	if u.HasVersion() {
		v, err := c.GetModelVersion(ctx, u.Version, token)
		if err != nil {
			return Descriptor{}, err
		}
		if v.ModelId != 0 && uint64(v.ModelId) != u.ID {
			return Descriptor{}, fmt.Errorf("%w: version %d belongs to model %d, not %d", ErrNotFound, u.Version, v.ModelId, u.ID)
		}
		version = v
		modelName = v.Model.Name
	} else {
		m, err := c.GetModel(ctx, u.ID, token)
		if err != nil {
			return Descriptor{}, err
		}
		if len(m.ModelVersions) == 0 {
			return Descriptor{}, fmt.Errorf("%w: model %d has no versions", ErrNotFound, u.ID)
		}
		version = m.ModelVersions[0]
		modelName = m.Name
	}

	file, ok := SelectFile(version.Files, u)
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: no file in version %d matches %s", ErrNotFound, version.ID, u)
	}

	downloadURL := file.DownloadUrl
	if downloadURL == "" {
		downloadURL = version.DownloadUrl
	}
	if downloadURL == "" {
		return Descriptor{}, fmt.Errorf("%w: file %q of version %d has no download URL", ErrBadResponse, file.Name, version.ID)
	}

	desc := Descriptor{
		URL:          downloadURL,
		FileName:     file.Name,
		ModelID:      u.ID,
		VersionID:    uint64(version.ID),
		ModelName:    modelName,
		VersionName:  version.Name,
		ExpectedSize: -1,
		SizeKB:       file.SizeKB,
		RemoteHash:   strings.ToLower(strings.TrimSpace(file.Hashes.SHA256)),
		RemoteBLAKE3: strings.ToUpper(strings.TrimSpace(file.Hashes.BLAKE3)),
	}
	log.WithFields(log.Fields{
		"urn":       u.String(),
		"versionID": desc.VersionID,
		"file":      desc.FileName,
	}).Debug("Resolved download descriptor")
	return desc, nil
}

// SelectFile picks the file an identifier refers to within a version.
// A layer matches by file id, name or type; otherwise the format hint, then the
// primary flag, then list order decide.
func SelectFile(files []models.File, u urn.URN) (models.File, bool) {
	if len(files) == 0 {
		return models.File{}, false
	}

	if u.Layer != "" {
		// A dotted file name arrives split into layer and format.
		fullName := u.Layer
		if u.Format != "" {
			fullName += "." + u.Format
		}
		for _, f := range files {
			if strconv.Itoa(f.ID) == u.Layer || strings.EqualFold(f.Name, u.Layer) ||
				strings.EqualFold(f.Name, fullName) || strings.EqualFold(f.Type, u.Layer) {
				return f, true
			}
		}
		return models.File{}, false
	}

	candidates := files
	if u.Format != "" {
		var matching []models.File
		for _, f := range files {
			if formatMatches(f, u.Format) {
				matching = append(matching, f)
			}
		}
		if len(matching) > 0 {
			candidates = matching
		}
	}
	for _, f := range candidates {
		if f.Primary {
			return f, true
		}
	}
	return candidates[0], true
}

// formatMatches compares a format hint against the API's format label ("SafeTensor",
// "PickleTensor") and the file extension.
func formatMatches(f models.File, hint string) bool {
	hint = strings.ToLower(hint)
	label := strings.ToLower(f.Metadata.Format)
	if label != "" && (strings.HasPrefix(hint, label) || strings.HasPrefix(label, hint)) {
		return true
	}
	return strings.HasSuffix(strings.ToLower(f.Name), "."+hint)
}

// GetModel fetches /models/{id}.
func (c *Client) GetModel(ctx context.Context, id uint64, token string) (models.Model, error) {
	var m models.Model
	err := c.getJSON(ctx, fmt.Sprintf("/models/%d", id), token, &m)
	return m, err
}

// GetModelVersion fetches /model-versions/{id}.
func (c *Client) GetModelVersion(ctx context.Context, id uint64, token string) (models.ModelVersion, error) {
	var v models.ModelVersion
	err := c.getJSON(ctx, fmt.Sprintf("/model-versions/%d", id), token, &v)
	return v, err
}

func (c *Client) getJSON(ctx context.Context, path string, token string, out interface{}) error {
	reqURL := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("%w: creating request for %s: %w", ErrNetwork, reqURL, err)
	}
	req.Header.Set("Accept", "application/json")
	SetAuth(req, token)

	log.Debugf("Requesting %s", reqURL)
	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrNetwork, reqURL, err)
	}
	defer resp.Body.Close()

	if err := CheckStatus(resp); err != nil {
		return err
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s: %v", ErrBadResponse, reqURL, err)
	}
	return nil
}

// SetAuth adds the bearer token, if any, to req.
func SetAuth(req *http.Request, token string) {
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// CheckStatus maps a non-200 response onto the package errors. It does not close the body.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	detail := readErrorDetail(resp.Body)
	where := "remote"
	if resp.Request != nil && resp.Request.URL != nil {
		where = resp.Request.URL.Redacted()
	}
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: status %d from %s%s", ErrUnauthorized, resp.StatusCode, where, detail)
	case http.StatusNotFound:
		return fmt.Errorf("%w: status %d from %s%s", ErrNotFound, resp.StatusCode, where, detail)
	default:
		return fmt.Errorf("%w: status %d from %s%s", ErrNetwork, resp.StatusCode, where, detail)
	}
}

func readErrorDetail(body io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return ""
	}
	return ": " + msg
}
