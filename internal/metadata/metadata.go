// Package metadata reads and writes the JSON sidecar stored next to every
// fetched artifact.
package metadata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	ErrNotFound = errors.New("metadata file not found")
	ErrCorrupt  = errors.New("metadata file is corrupt")
	ErrIO       = errors.New("metadata file I/O error")
)

// TimestampLayout is the sidecar datetime format: UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

// Timestamp marshals as TimestampLayout and accepts any RFC 3339 time on input.
type Timestamp struct {
	time.Time
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.UTC().Format(TimestampLayout))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	t.Time = parsed.UTC()
	return nil
}

// Metadata is the sidecar record. ContentHash is the lowercase hex SHA-256 of the artifact;
// sidecars written by older tools may lack it.
type Metadata struct {
	URN         string    `json:"urn"`
	Datetime    Timestamp `json:"datetime"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// New builds a record stamped with fetchedAt truncated to milliseconds.
func New(rawURN string, fetchedAt time.Time, contentHash string) Metadata {
	return Metadata{
		URN:         rawURN,
		Datetime:    Timestamp{fetchedAt.UTC().Truncate(time.Millisecond)},
		ContentHash: contentHash,
	}
}

// wire mirrors Metadata with pointers so absent fields can be told apart from empty ones.
type wire struct {
	URN         *string    `json:"urn"`
	Datetime    *Timestamp `json:"datetime"`
	ContentHash *string    `json:"content_hash"`
}

// Load reads the sidecar at path. A missing file yields ErrNotFound; unreadable JSON or a
// missing required field yields ErrCorrupt.
func Load(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Metadata{}, fmt.Errorf("%w: reading %s: %w", ErrIO, path, err)
	}

	var w wire
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return Metadata{}, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if dec.More() {
		return Metadata{}, fmt.Errorf("%w: %s: trailing data after JSON object", ErrCorrupt, path)
	}
	switch {
	case w.URN == nil || *w.URN == "":
		return Metadata{}, fmt.Errorf("%w: %s: missing urn", ErrCorrupt, path)
	case w.Datetime == nil || w.Datetime.IsZero():
		return Metadata{}, fmt.Errorf("%w: %s: missing datetime", ErrCorrupt, path)
	}

	md := Metadata{URN: *w.URN, Datetime: *w.Datetime}
	if w.ContentHash != nil {
		md.ContentHash = *w.ContentHash
	}
	return md, nil
}

// Save writes md to path atomically: the JSON goes to a temporary file in the
// same directory which is then renamed over path.
func Save(path string, md Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding %s: %w", ErrIO, path, err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: creating directory %s: %w", ErrIO, dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temporary file for %s: %w", ErrIO, path, err)
	}
	committed := false
	defer func() {
		if !committed {
			if removeErr := os.Remove(tmp.Name()); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				log.WithError(removeErr).Warnf("Failed to remove temporary metadata file %s", tmp.Name())
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: writing %s: %w", ErrIO, tmp.Name(), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: syncing %s: %w", ErrIO, tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrIO, tmp.Name(), err)
	}
	if err := os.Chmod(tmp.Name(), 0644); err != nil {
		return fmt.Errorf("%w: chmod %s: %w", ErrIO, tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("%w: renaming %s to %s: %w", ErrIO, tmp.Name(), path, err)
	}
	committed = true
	log.WithField("path", path).Debug("Metadata saved")
	return nil
}
