package cmd

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/anacrolix/torrent/bencode"
	"github.com/anacrolix/torrent/metainfo"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-air-download/index"
	"go-air-download/internal/database"
	"go-air-download/internal/helpers"
	"go-air-download/internal/metadata"
	"go-air-download/internal/models"
	"go-air-download/internal/paths"
)

// torrentJob holds the parameters for one artifact.
type torrentJob struct {
	SourcePath     string
	Trackers       []string
	OutputDir      string
	Overwrite      bool
	GenerateMagnet bool
	LogFields      log.Fields
}

// torrentResult is what a worker produced for one job.
type torrentResult struct {
	SourcePath  string
	TorrentPath string
	MagnetURI   string
}

// torrentWorker function
func torrentWorker(id int, jobs <-chan torrentJob, results chan<- torrentResult, wg *sync.WaitGroup, failureCounter *atomic.Int64) {
	defer wg.Done()
	log.Debugf("Torrent Worker %d starting", id)
	for job := range jobs {
		log.WithFields(job.LogFields).Debugf("Worker %d: Processing torrent job for %s", id, job.SourcePath)
		res, err := generateTorrentFile(job.SourcePath, job.Trackers, job.OutputDir, job.Overwrite, job.GenerateMagnet)
		if err != nil {
			log.WithFields(job.LogFields).WithError(err).Errorf("Worker %d: Failed to generate torrent for %s", id, job.SourcePath)
			failureCounter.Add(1)
			continue
		}
		results <- res
	}
	log.Debugf("Torrent Worker %d finished", id)
}

var (
	torrentMetadataPaths []string
	torrentAll           bool
	announceURLs         []string
	torrentOutputDir     string
	overwriteTorrents    bool
	generateMagnetLinks  bool
	torrentConcurrency   int
)

var torrentCmd = &cobra.Command{
	Use:   "torrent",
	Short: "Generate .torrent files for fetched models",
	Long: `Generates BitTorrent metainfo (.torrent) files for models fetched earlier.
Name artifacts by their .metadata.json files with --metadata, or use --all to
cover everything in the history database. At least one tracker --announce URL
is required. Generated paths and magnet links are added to the search index.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(announceURLs) == 0 {
			return newUsageError("at least one --announce URL is required")
		}
		if len(torrentMetadataPaths) == 0 && !torrentAll {
			return newUsageError("specify --metadata <file> or --all")
		}
		concurrency := torrentConcurrency
		if concurrency <= 0 {
			log.Warnf("Invalid concurrency value %d, defaulting to 4", concurrency)
			concurrency = 4
		}

		sources, err := torrentSources(torrentMetadataPaths, torrentAll)
		if err != nil {
			return err
		}
		if len(sources) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No fetched models to generate torrents for.")
			return nil
		}

		log.Infof("Generating torrents for %d artifact(s) using %d workers...", len(sources), concurrency)

		// --- Worker Pool Setup ---
		jobs := make(chan torrentJob, concurrency)
		results := make(chan torrentResult, len(sources))
		var wg sync.WaitGroup
		var failureCounter atomic.Int64

		for i := 1; i <= concurrency; i++ {
			wg.Add(1)
			go torrentWorker(i, jobs, results, &wg, &failureCounter)
		}

		for _, src := range sources {
			jobs <- torrentJob{
				SourcePath:     src,
				Trackers:       announceURLs,
				OutputDir:      torrentOutputDir,
				Overwrite:      overwriteTorrents,
				GenerateMagnet: generateMagnetLinks,
				LogFields:      log.Fields{"artifact": src},
			}
		}
		close(jobs)
		wg.Wait()
		close(results)

		var generated []torrentResult
		for res := range results {
			generated = append(generated, res)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", res.TorrentPath)
			if res.MagnetURI != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", res.MagnetURI)
			}
		}
		indexTorrents(generated)

		failCount := failureCounter.Load()
		log.Infof("Torrent generation complete. Success: %d, Failed: %d", len(generated), failCount)
		if failCount > 0 {
			return fmt.Errorf("%d torrents failed to generate", failCount)
		}
		return nil
	},
}

// torrentSources resolves the artifacts to build torrents for. Duplicates are dropped.
func torrentSources(metadataPaths []string, all bool) ([]string, error) {
	seen := make(map[string]bool)
	var sources []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			sources = append(sources, p)
		}
	}

	for _, mp := range metadataPaths {
		if _, err := metadata.Load(mp); err != nil {
			return nil, err
		}
		artifact, ok := paths.ArtifactPathFor(mp)
		if !ok {
			return nil, newUsageError("%s is not a %s file", mp, paths.MetadataSuffix)
		}
		if !helpers.FileExists(artifact) {
			return nil, fmt.Errorf("artifact for %s not found at %s", mp, artifact)
		}
		add(artifact)
	}

	if all {
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("error opening database: %w", err)
		}
		defer db.Close()
		entries, err := db.ListFetches("")
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if e.Status == models.StatusError || !helpers.FileExists(e.ArtifactPath) {
				log.WithField("artifact", e.ArtifactPath).Debug("Skipping history entry without a usable artifact")
				continue
			}
			add(e.ArtifactPath)
		}
	}
	return sources, nil
}

// indexTorrents records torrent paths and magnet links on the artifacts' index entries.
func indexTorrents(generated []torrentResult) {
	if len(generated) == 0 || globalConfig.DisableHistory {
		return
	}
	db, err := database.Open(globalConfig.DatabasePath)
	if err != nil {
		log.WithError(err).Warn("Search index not updated with torrents")
		return
	}
	defer db.Close()
	idx, err := index.OpenOrCreateIndex(globalConfig.IndexPath)
	if err != nil {
		log.WithError(err).Warn("Search index not updated with torrents")
		return
	}
	defer idx.Close()

	for _, res := range generated {
		entry, err := db.GetFetch(res.SourcePath)
		if err != nil {
			log.WithError(err).Debugf("No history for %s, not indexing its torrent", res.SourcePath)
			continue
		}
		item := index.ItemFromHistory(entry)
		item.TorrentPath = res.TorrentPath
		item.MagnetLink = res.MagnetURI
		if err := index.IndexItem(idx, item); err != nil {
			log.WithError(err).Warnf("Failed to index torrent for %s", res.SourcePath)
		}
	}
}

// generateTorrentFile creates a .torrent file for the file at sourcePath.
// It can optionally also create a text file containing the magnet link.
func generateTorrentFile(sourcePath string, trackers []string, outputDir string, overwrite bool, generateMagnetLinks bool) (torrentResult, error) {
	res := torrentResult{SourcePath: sourcePath}

	stat, err := os.Stat(sourcePath)
	if os.IsNotExist(err) {
		return res, fmt.Errorf("source path does not exist: %s", sourcePath)
	} else if err != nil {
		return res, fmt.Errorf("error stating source path %s: %w", sourcePath, err)
	} else if stat.IsDir() {
		return res, fmt.Errorf("source path is a directory: %s", sourcePath)
	}

	torrentFileName := stat.Name() + ".torrent"
	if outputDir != "" {
		if err := os.MkdirAll(outputDir, 0755); err != nil {
			return res, fmt.Errorf("error creating output directory %s: %w", outputDir, err)
		}
		res.TorrentPath = filepath.Join(outputDir, torrentFileName)
	} else {
		res.TorrentPath = filepath.Join(filepath.Dir(sourcePath), torrentFileName)
	}
	outPath := res.TorrentPath

	if _, err := os.Stat(outPath); err == nil {
		if !overwrite {
			log.WithField("path", outPath).Info("Skipping existing torrent file (use --overwrite to replace)")
			return res, nil
		}
		log.WithField("path", outPath).Warn("Overwriting existing torrent file")
	}

	mi := metainfo.MetaInfo{
		AnnounceList: make([][]string, len(trackers)),
	}
	for i, tracker := range trackers {
		mi.AnnounceList[i] = []string{tracker}
	}
	if len(trackers) > 0 {
		mi.Announce = trackers[0]
	}
	mi.CreatedBy = "go-air-download"

	const pieceLength = 512 * 1024
	info := metainfo.Info{PieceLength: pieceLength}

	log.WithField("file", sourcePath).Debug("Building torrent info...")
	if err := info.BuildFromFilePath(sourcePath); err != nil {
		return res, fmt.Errorf("error building torrent info from path %s: %w", sourcePath, err)
	}
	mi.InfoBytes, err = bencode.Marshal(info)
	if err != nil {
		return res, fmt.Errorf("error marshaling torrent info: %w", err)
	}

	f, err := os.Create(outPath)
	if err != nil {
		return res, fmt.Errorf("error creating torrent file %s: %w", outPath, err)
	}
	writeErr := mi.Write(f)
	closeErr := f.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		return res, fmt.Errorf("error writing torrent file %s: %w", outPath, err)
	}
	log.WithField("path", outPath).Info("Generated torrent file")

	if generateMagnetLinks {
		infoHash := mi.HashInfoBytes()
		magnetParts := []string{
			fmt.Sprintf("magnet:?xt=urn:btih:%s", infoHash.HexString()),
			fmt.Sprintf("dn=%s", url.QueryEscape(stat.Name())),
		}
		for _, tracker := range trackers {
			magnetParts = append(magnetParts, fmt.Sprintf("tr=%s", url.QueryEscape(tracker)))
		}
		res.MagnetURI = strings.Join(magnetParts, "&")
		magnetOutPath := filepath.Join(filepath.Dir(outPath), strings.TrimSuffix(filepath.Base(outPath), ".torrent")+"-magnet.txt")

		// A missing magnet file does not fail the torrent.
		if err := writeMagnetFile(magnetOutPath, res.MagnetURI); err != nil {
			log.WithError(err).WithField("path", magnetOutPath).Error("Failed to write magnet link file")
		} else {
			log.WithField("path", magnetOutPath).Info("Generated magnet link file")
		}
	}
	return res, nil
}

// writeMagnetFile writes the magnet URI string to the specified file path.
func writeMagnetFile(filePath string, magnetURI string) error {
	f, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("error creating magnet file %s: %w", filePath, err)
	}
	defer f.Close()

	if _, err := f.WriteString(magnetURI); err != nil {
		return fmt.Errorf("error writing magnet file %s: %w", filePath, err)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(torrentCmd)

	torrentCmd.Flags().StringSliceVar(&torrentMetadataPaths, "metadata", []string{}, "Metadata (.metadata.json) file of an artifact (repeatable)")
	torrentCmd.Flags().BoolVar(&torrentAll, "all", false, "Generate torrents for every artifact in the history database")
	torrentCmd.Flags().StringSliceVar(&announceURLs, "announce", []string{}, "Tracker announce URL (repeatable)")
	torrentCmd.Flags().StringVarP(&torrentOutputDir, "output-dir", "o", "", "Directory to save generated .torrent files (default: next to the model file)")
	torrentCmd.Flags().BoolVarP(&overwriteTorrents, "overwrite", "f", false, "Overwrite existing .torrent files")
	torrentCmd.Flags().BoolVar(&generateMagnetLinks, "magnet-links", false, "Generate a .txt file containing the magnet link alongside each .torrent file")
	torrentCmd.Flags().IntVarP(&torrentConcurrency, "concurrency", "c", 4, "Number of concurrent torrent generation workers")
}
