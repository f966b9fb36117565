package helpers

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"strings"

	"go-air-download/internal/models"

	log "github.com/sirupsen/logrus"
	"lukechampine.com/blake3"
)

// Digests holds the hex encoded digests produced by a DigestWriter.
type Digests struct {
	SHA256 string // lowercase
	BLAKE3 string // uppercase, the way Civitai reports it
}

// DigestWriter computes SHA-256 and BLAKE3 over everything written to it.
type DigestWriter struct {
	sha    hash.Hash
	blake  *blake3.Hasher
	writer io.Writer
}

// NewDigestWriter returns a DigestWriter with fresh hash states.
func NewDigestWriter() *DigestWriter {
	d := &DigestWriter{
		sha:   sha256.New(),
		blake: blake3.New(32, nil),
	}
	d.writer = io.MultiWriter(d.sha, d.blake)
	return d
}

// Write implements io.Writer. Hash writes never fail.
func (d *DigestWriter) Write(p []byte) (int, error) {
	return d.writer.Write(p)
}

// Sum returns the digests of the data written so far.
func (d *DigestWriter) Sum() Digests {
	return Digests{
		SHA256: hex.EncodeToString(d.sha.Sum(nil)),
		BLAKE3: strings.ToUpper(hex.EncodeToString(d.blake.Sum(nil))),
	}
}

// HashFile streams the file at path through a DigestWriter.
func HashFile(path string) (Digests, error) {
	f, err := os.Open(path)
	if err != nil {
		return Digests{}, err
	}
	defer f.Close()

	d := NewDigestWriter()
	if _, err := io.Copy(d, f); err != nil {
		return Digests{}, fmt.Errorf("hashing %s: %w", path, err)
	}
	return d.Sum(), nil
}

// MatchesHashes reports whether the digests agree with the expected hashes.
// SHA-256 wins when present; BLAKE3 is consulted only without it.
// ok is false when hashes carries nothing to compare against.
func MatchesHashes(got Digests, want models.Hashes) (match bool, ok bool) {
	if want.SHA256 != "" {
		return strings.EqualFold(strings.TrimSpace(want.SHA256), got.SHA256), true
	}
	if want.BLAKE3 != "" {
		return strings.EqualFold(strings.TrimSpace(want.BLAKE3), got.BLAKE3), true
	}
	return false, false
}

// CheckHash verifies a file against the provided hashes.
// It returns false when the file is missing, unreadable, or no hash is provided.
func CheckHash(filepath string, hashes models.Hashes) bool {
	digests, err := HashFile(filepath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Error reading file %s for hash check", filepath)
		}
		return false
	}
	match, ok := MatchesHashes(digests, hashes)
	if ok && match {
		log.WithField("file", filepath).Debug("Hash match")
	}
	return ok && match
}

// BytesToSize converts a byte count into a human-readable string (KB, MB, GB, etc.).
func BytesToSize(bytes uint64) string {
	sizes := []string{"B", "KB", "MB", "GB", "TB"}
	if bytes == 0 {
		return "0B"
	}
	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	if i >= len(sizes) {
		i = len(sizes) - 1 // Handle very large sizes
	}
	return fmt.Sprintf("%.2f%s", float64(bytes)/math.Pow(1024, float64(i)), sizes[i])
}

// ConvertToSlug converts a string into a filesystem-friendly slug.
func ConvertToSlug(str string) string {
	str = strings.ReplaceAll(str, " ", "_")
	str = strings.ReplaceAll(str, ":", "-")
	str = strings.ToLower(str)

	allowedChars := "0123456789abcdefghijklmnopqrstuvwxyz._-"

	var filtered strings.Builder
	for _, ch := range str {
		if strings.ContainsRune(allowedChars, ch) {
			filtered.WriteRune(ch)
		}
	}
	str = filtered.String()

	// Simplify repeated separators
	for strings.Contains(str, "--") {
		str = strings.ReplaceAll(str, "--", "-")
	}
	for strings.Contains(str, "__") {
		str = strings.ReplaceAll(str, "__", "_")
	}
	str = strings.ReplaceAll(str, "-_", "-")
	str = strings.ReplaceAll(str, "_-", "-")

	return strings.Trim(str, "_-.")
}

// CheckAndMakeDir ensures a directory exists, creating it if necessary.
func CheckAndMakeDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		log.WithError(err).Errorf("Error creating directory %s", dir)
		return err
	}
	return nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
