package models

import "time"

type (
	Config struct {
		// Connection/Auth
		Token               string `toml:"Token"`
		ApiBaseURL          string `toml:"ApiBaseURL"`
		ApiClientTimeoutSec int    `toml:"ApiClientTimeoutSec"` // Metadata calls only; artifact bodies are not time-limited

		// Paths
		BaseDir      string `toml:"BaseDir"`
		DatabasePath string `toml:"DatabasePath"`
		IndexPath    string `toml:"IndexPath"`

		// Behaviour
		LockTimeoutSec int  `toml:"LockTimeoutSec"`
		VerifyLocal    bool `toml:"VerifyLocal"` // Hash the local artifact on update instead of trusting the sidecar
		DisableHistory bool `toml:"DisableHistory"`

		// Other
		LogApiRequests bool `toml:"LogApiRequests"`
	}

	// Api responses (Civitai REST v1)

	Model struct {
		ID            int            `json:"id"`
		Name          string         `json:"name"`
		Type          string         `json:"type"`
		Nsfw          bool           `json:"nsfw"`
		Creator       Creator        `json:"creator"`
		ModelVersions []ModelVersion `json:"modelVersions"`
	}

	Creator struct {
		Username string `json:"username"`
	}

	// BaseModelInfo is the nested 'model' field of a /model-versions/{id} response.
	BaseModelInfo struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Nsfw bool   `json:"nsfw"`
	}

	ModelVersion struct {
		ID          int           `json:"id"`
		ModelId     int           `json:"modelId"`
		Name        string        `json:"name"`
		BaseModel   string        `json:"baseModel"`
		PublishedAt string        `json:"publishedAt"`
		Files       []File        `json:"files"`
		DownloadUrl string        `json:"downloadUrl"`
		Model       BaseModelInfo `json:"model"`
	}

	File struct {
		Name        string       `json:"name"`
		ID          int          `json:"id"`
		SizeKB      float64      `json:"sizeKB"`
		Type        string       `json:"type"`
		Metadata    FileMetadata `json:"metadata"`
		Hashes      Hashes       `json:"hashes"`
		DownloadUrl string       `json:"downloadUrl"`
		Primary     bool         `json:"primary"`
	}

	FileMetadata struct {
		Fp     string `json:"fp"`
		Size   string `json:"size"`
		Format string `json:"format"`
	}

	Hashes struct {
		AutoV2 string `json:"AutoV2"`
		SHA256 string `json:"SHA256"`
		CRC32  string `json:"CRC32"`
		BLAKE3 string `json:"BLAKE3"`
	}

	// HistoryEntry is the fetch history record stored in the database.
	HistoryEntry struct {
		URN          string    `json:"urn"`
		Ecosystem    string    `json:"ecosystem"`
		ModelType    string    `json:"modelType"`
		Source       string    `json:"source"`
		ModelID      uint64    `json:"modelId"`
		VersionID    uint64    `json:"versionId"`
		ModelName    string    `json:"modelName,omitempty"`
		VersionName  string    `json:"versionName,omitempty"`
		FileName     string    `json:"fileName,omitempty"`
		ArtifactPath string    `json:"artifactPath"`
		MetadataPath string    `json:"metadataPath"`
		ContentHash  string    `json:"contentHash"`
		SizeBytes    int64     `json:"sizeBytes"`
		Status       string    `json:"status"`
		FetchedAt    time.Time `json:"fetchedAt"`
		CheckedAt    time.Time `json:"checkedAt"`
		ErrorDetails string    `json:"errorDetails,omitempty"`
	}
)

// History status constants
const (
	StatusDownloaded = "Downloaded"
	StatusUpdated    = "Updated"
	StatusUpToDate   = "UpToDate"
	StatusError      = "Error"
)
