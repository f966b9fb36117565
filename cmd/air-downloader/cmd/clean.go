package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().BoolP("torrents", "t", false, "Also remove *.torrent files")
	cleanCmd.Flags().BoolP("magnets", "m", false, "Also remove *-magnet.txt files")
}

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove temporary (.tmp) files from the base directory",
	Long: `Recursively scans the base directory and removes files ending in .tmp,
which interrupted transfers can leave behind. Optionally removes *.torrent
and *-magnet.txt files as well. The history database and search index are
never touched.`,
	Args: noArgs,
	RunE: runClean,
}

// cleanSummary counts what a clean pass removed.
type cleanSummary struct {
	Tmp, Torrents, Magnets, Failed int
}

func (s cleanSummary) String() string {
	var parts []string
	if s.Tmp > 0 {
		parts = append(parts, fmt.Sprintf("%d .tmp file(s)", s.Tmp))
	}
	if s.Torrents > 0 {
		parts = append(parts, fmt.Sprintf("%d .torrent file(s)", s.Torrents))
	}
	if s.Magnets > 0 {
		parts = append(parts, fmt.Sprintf("%d -magnet.txt file(s)", s.Magnets))
	}

	summary := "Clean complete. Removed: "
	if len(parts) > 0 {
		summary += strings.Join(parts, ", ")
	} else {
		summary += "0 files"
	}
	if s.Failed > 0 {
		summary += fmt.Sprintf(". Failed to remove %d file(s).", s.Failed)
	}
	return summary
}

func runClean(cmd *cobra.Command, args []string) error {
	cleanTorrents, _ := cmd.Flags().GetBool("torrents")
	cleanMagnets, _ := cmd.Flags().GetBool("magnets")

	baseDir := globalConfig.BaseDir
	info, err := os.Stat(baseDir)
	if os.IsNotExist(err) {
		return fmt.Errorf("base directory does not exist: %s", baseDir)
	}
	if err != nil {
		return fmt.Errorf("error accessing base directory %q: %w", baseDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("base directory is not a directory: %s", baseDir)
	}

	summary, err := cleanDir(baseDir, cleanTorrents, cleanMagnets, globalConfig.DatabasePath, globalConfig.IndexPath)
	log.Info(summary.String())
	fmt.Fprintln(cmd.OutOrStdout(), summary.String())
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		return fmt.Errorf("failed to remove %d file(s)", summary.Failed)
	}
	return nil
}

// cleanDir removes leftover transfer files under root, skipping the directories in skip.
func cleanDir(root string, cleanTorrents, cleanMagnets bool, skip ...string) (cleanSummary, error) {
	var summary cleanSummary

	skipped := make(map[string]bool, len(skip))
	for _, s := range skip {
		if s != "" {
			skipped[filepath.Clean(s)] = true
		}
	}

	logLine := fmt.Sprintf("Scanning for .tmp files in %s", root)
	if cleanTorrents {
		logLine += " (and *.torrent files)"
	}
	if cleanMagnets {
		logLine += " (and *-magnet.txt files)"
	}
	log.Info(logLine + "...")

	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			log.Warnf("Error accessing path %q during scan: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if skipped[filepath.Clean(path)] {
				return filepath.SkipDir
			}
			return nil
		}

		lowerName := strings.ToLower(d.Name())
		fileType := ""
		switch {
		case strings.HasSuffix(lowerName, ".tmp"):
			fileType = ".tmp"
		case cleanTorrents && strings.HasSuffix(lowerName, ".torrent"):
			fileType = ".torrent"
		case cleanMagnets && strings.HasSuffix(lowerName, "-magnet.txt"):
			fileType = "-magnet.txt"
		default:
			return nil
		}

		log.Debugf("Found %s file: %s", fileType, path)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				log.Warnf("Attempted to remove %s file %q, but it was already gone.", fileType, path)
			} else {
				log.Errorf("Failed to remove %s file %q: %v", fileType, path, err)
				summary.Failed++
			}
			return nil
		}
		log.Infof("Removed %s file: %s", fileType, path)
		switch fileType {
		case ".tmp":
			summary.Tmp++
		case ".torrent":
			summary.Torrents++
		case "-magnet.txt":
			summary.Magnets++
		}
		return nil
	})
	if walkErr != nil {
		return summary, fmt.Errorf("error during directory walk of %q: %w", root, walkErr)
	}
	return summary, nil
}
