package index

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go-air-download/internal/database"
	"go-air-download/internal/models"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
)

const defaultIndexPath = "air.bleve"

// ItemTypeModelFile marks a fetched model artifact.
const ItemTypeModelFile = "model_file"

// Item represents a fetched artifact in the search index.
// All fields are indexed and searchable by their JSON tag names
// (e.g. '+ecosystem:flux1' or '+modelType:lora').
type Item struct {
	ID            string    `json:"id"`   // History key of the artifact
	Type          string    `json:"type"` // Type of item (e.g., "model_file")
	URN           string    `json:"urn"`
	Ecosystem     string    `json:"ecosystem"`
	ModelType     string    `json:"modelType"`
	Source        string    `json:"source"`
	ModelID       uint64    `json:"modelId"`
	VersionID     uint64    `json:"versionId,omitempty"`
	Name          string    `json:"name"` // File name on disk
	ModelName     string    `json:"modelName,omitempty"`
	VersionName   string    `json:"versionName,omitempty"`
	RemoteName    string    `json:"remoteName,omitempty"` // File name as published remotely
	FilePath      string    `json:"filePath"`
	DirectoryPath string    `json:"directoryPath,omitempty"`
	MetadataPath  string    `json:"metadataPath,omitempty"`
	ContentHash   string    `json:"contentHash,omitempty"`
	SizeBytes     int64     `json:"sizeBytes,omitempty"`
	FetchedAt     time.Time `json:"fetchedAt"`

	// Torrent Information (populated by the 'torrent' command)
	TorrentPath string `json:"torrentPath,omitempty"`
	MagnetLink  string `json:"magnetLink,omitempty"`
}

// ItemFromHistory builds the index entry for a recorded fetch.
func ItemFromHistory(entry models.HistoryEntry) Item {
	return Item{
		ID:            string(database.HistoryKey(entry.ArtifactPath)),
		Type:          ItemTypeModelFile,
		URN:           entry.URN,
		Ecosystem:     entry.Ecosystem,
		ModelType:     entry.ModelType,
		Source:        entry.Source,
		ModelID:       entry.ModelID,
		VersionID:     entry.VersionID,
		Name:          filepath.Base(entry.ArtifactPath),
		ModelName:     entry.ModelName,
		VersionName:   entry.VersionName,
		RemoteName:    entry.FileName,
		FilePath:      entry.ArtifactPath,
		DirectoryPath: filepath.Dir(entry.ArtifactPath),
		MetadataPath:  entry.MetadataPath,
		ContentHash:   entry.ContentHash,
		SizeBytes:     entry.SizeBytes,
		FetchedAt:     entry.FetchedAt,
	}
}

// OpenOrCreateIndex opens an existing Bleve index or creates a new one if it doesn't exist.
func OpenOrCreateIndex(indexPath string) (bleve.Index, error) {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}

	index, err := bleve.Open(indexPath)
	if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		log.Debugf("Creating new index at: %s", indexPath)
		mapping := bleve.NewIndexMapping()
		index, err = bleve.New(indexPath, mapping)
		if err != nil {
			return nil, fmt.Errorf("creating index at %s: %w", indexPath, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("opening index at %s: %w", indexPath, err)
	} else {
		log.Debugf("Opened existing index at: %s", indexPath)
	}
	return index, nil
}

// IndexItem adds or updates an item in the Bleve index.
func IndexItem(index bleve.Index, item Item) error {
	return index.Index(item.ID, item)
}

// SearchIndex performs a query string search. A size of 0 keeps bleve's default page size.
func SearchIndex(index bleve.Index, query string, size int) (*bleve.SearchResult, error) {
	searchQuery := bleve.NewQueryStringQuery(query)
	searchRequest := bleve.NewSearchRequest(searchQuery)
	if size > 0 {
		searchRequest.Size = size
	}
	searchRequest.Fields = []string{"*"}
	return index.Search(searchRequest)
}

// DeleteIndex removes the index directory. Use with caution!
func DeleteIndex(indexPath string) error {
	if indexPath == "" {
		indexPath = defaultIndexPath
	}
	log.Infof("Deleting index at: %s", indexPath)
	return os.RemoveAll(indexPath)
}
