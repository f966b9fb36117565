package database

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"go-air-download/internal/models"

	log "github.com/sirupsen/logrus"
)

// historyKeyPrefix namespaces fetch records. Keys stay well under bitcask's key size limit
// because the artifact path is hashed.
const historyKeyPrefix = "fetch_"

// HistoryKey returns the database key for the artifact at path.
func HistoryKey(artifactPath string) []byte {
	if abs, err := filepath.Abs(artifactPath); err == nil {
		artifactPath = abs
	}
	sum := sha256.Sum256([]byte(artifactPath))
	return []byte(historyKeyPrefix + hex.EncodeToString(sum[:16]))
}

// RecordFetch stores entry under its artifact path. A zero FetchedAt keeps the time of the
// previous record, so up-to-date checks do not reset when the bytes last arrived.
func (d *DB) RecordFetch(entry models.HistoryEntry) error {
	if entry.ArtifactPath == "" {
		return errors.New("cannot record fetch: artifact path is empty")
	}
	key := HistoryKey(entry.ArtifactPath)

	if entry.FetchedAt.IsZero() {
		if prev, err := d.GetFetch(entry.ArtifactPath); err == nil {
			entry.FetchedAt = prev.FetchedAt
		} else if !errors.Is(err, ErrNotFound) {
			log.WithError(err).Warnf("Could not read previous history for %s", entry.ArtifactPath)
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("error marshalling history entry for %s: %w", entry.ArtifactPath, err)
	}
	log.WithFields(log.Fields{"key": string(key), "status": entry.Status}).Debug("Recording fetch history")
	return d.Put(key, data)
}

// GetFetch returns the record for the artifact at path.
func (d *DB) GetFetch(artifactPath string) (models.HistoryEntry, error) {
	data, err := d.Get(HistoryKey(artifactPath))
	if err != nil {
		return models.HistoryEntry{}, err
	}
	var entry models.HistoryEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return models.HistoryEntry{}, fmt.Errorf("error unmarshalling history entry for %s: %w", artifactPath, err)
	}
	return entry, nil
}

// ListFetches returns all fetch records, most recently checked first.
// A non-empty urnFilter keeps only entries whose URN matches it case-insensitively.
func (d *DB) ListFetches(urnFilter string) ([]models.HistoryEntry, error) {
	var entries []models.HistoryEntry
	err := d.Fold(func(key []byte, value []byte) error {
		if !strings.HasPrefix(string(key), historyKeyPrefix) {
			return nil
		}
		var entry models.HistoryEntry
		if err := json.Unmarshal(value, &entry); err != nil {
			log.WithError(err).Warnf("Skipping unreadable history entry %s", string(key))
			return nil
		}
		if urnFilter != "" && !strings.EqualFold(entry.URN, urnFilter) {
			return nil
		}
		entries = append(entries, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error listing fetch history: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CheckedAt.Equal(entries[j].CheckedAt) {
			return entries[i].CheckedAt.After(entries[j].CheckedAt)
		}
		return entries[i].ArtifactPath < entries[j].ArtifactPath
	})
	return entries, nil
}
