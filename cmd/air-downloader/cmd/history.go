package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-air-download/internal/database"
	"go-air-download/internal/helpers"
	"go-air-download/internal/models"
	"go-air-download/internal/urn"
)

var (
	historyURN  string
	historyJSON bool

	verifyCheckHash bool
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List models fetched or checked by this tool",
	Long: `Lists the fetch history recorded in the history database: every download,
update and up-to-date check, most recent first. Use --urn to show a single model.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := historyFilter()
		if err != nil {
			return err
		}

		if _, err := os.Stat(globalConfig.DatabasePath); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No history recorded yet.")
			return nil
		}
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer db.Close()

		entries, err := db.ListFetches(filter)
		if err != nil {
			return err
		}
		log.Debugf("Found %d history entries", len(entries))
		return printHistory(cmd.OutOrStdout(), entries, historyJSON)
	},
}

// historyFilter canonicalizes the --urn filter so it matches recorded URNs.
func historyFilter() (string, error) {
	if historyURN == "" {
		return "", nil
	}
	u, err := urn.Parse(historyURN)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

func printHistory(out io.Writer, entries []models.HistoryEntry, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Fprintln(out, "No matching history entries.")
		return nil
	}
	for i, e := range entries {
		fmt.Fprintf(out, "[%d] %s\n", i+1, e.URN)
		fmt.Fprintf(out, "  Status:   %s (checked %s)\n", e.Status, e.CheckedAt.Local().Format(time.DateTime))
		if e.ModelName != "" {
			fmt.Fprintf(out, "  Model:    %s / %s\n", e.ModelName, e.VersionName)
		}
		fmt.Fprintf(out, "  Artifact: %s\n", e.ArtifactPath)
		if e.SizeBytes > 0 {
			fmt.Fprintf(out, "  Size:     %s\n", helpers.BytesToSize(uint64(e.SizeBytes)))
		}
		if e.ContentHash != "" {
			fmt.Fprintf(out, "  SHA256:   %s\n", e.ContentHash)
		}
		if !e.FetchedAt.IsZero() {
			fmt.Fprintf(out, "  Fetched:  %s\n", e.FetchedAt.Local().Format(time.DateTime))
		}
		if e.ErrorDetails != "" {
			fmt.Fprintf(out, "  Error:    %s\n", e.ErrorDetails)
		}
	}
	return nil
}

var historyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that recorded artifacts are still on disk",
	Long: `Checks every artifact in the history database against the filesystem and,
with --check-hash, against its recorded SHA-256. Missing or changed artifacts
are reported; run with --update on their metadata file to fetch them again.`,
	Args: noArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		filter, err := historyFilter()
		if err != nil {
			return err
		}
		if _, err := os.Stat(globalConfig.DatabasePath); os.IsNotExist(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "No history recorded yet.")
			return nil
		}
		db, err := database.Open(globalConfig.DatabasePath)
		if err != nil {
			return fmt.Errorf("error opening database: %w", err)
		}
		defer db.Close()

		entries, err := db.ListFetches(filter)
		if err != nil {
			return err
		}
		report := verifyHistory(entries, verifyCheckHash)
		report.print(cmd.OutOrStdout())
		if len(report.Problems) > 0 {
			return fmt.Errorf("%d of %d recorded artifacts need attention", len(report.Problems), report.Total)
		}
		return nil
	},
}

// verificationProblem is a recorded artifact that no longer matches the history.
type verificationProblem struct {
	Entry  models.HistoryEntry
	Reason string
}

type verifyReport struct {
	Total, OK int
	Problems  []verificationProblem
}

// verifyHistory checks entries against the filesystem. Failed fetches are skipped.
func verifyHistory(entries []models.HistoryEntry, checkHash bool) verifyReport {
	var report verifyReport
	for _, e := range entries {
		if e.Status == models.StatusError {
			continue
		}
		report.Total++
		fields := log.Fields{"path": e.ArtifactPath, "urn": e.URN}

		reason := ""
		switch {
		case !helpers.FileExists(e.ArtifactPath):
			reason = "Missing"
			log.WithFields(fields).Error("[MISSING] File not found.")
		case checkHash && e.ContentHash == "":
			log.WithFields(fields).Warn("[FOUND] No recorded hash to check against.")
		case checkHash && !helpers.CheckHash(e.ArtifactPath, models.Hashes{SHA256: e.ContentHash}):
			reason = "Hash Mismatch"
			log.WithFields(fields).Warn("[MISMATCH] File exists but hash mismatch.")
		default:
			log.WithFields(fields).Info("[OK] File exists.")
		}

		if reason != "" {
			report.Problems = append(report.Problems, verificationProblem{Entry: e, Reason: reason})
			continue
		}
		report.OK++
	}
	return report
}

func (r verifyReport) print(out io.Writer) {
	fmt.Fprintf(out, "Verified %d artifact(s): %d OK, %d need attention\n", r.Total, r.OK, len(r.Problems))
	for _, p := range r.Problems {
		fmt.Fprintf(out, "  [%s] %s\n    %s\n", p.Reason, p.Entry.URN, p.Entry.ArtifactPath)
	}
}

// noArgs rejects positional arguments as a usage error.
func noArgs(cmd *cobra.Command, args []string) error {
	if len(args) > 0 {
		return newUsageError("%s takes no arguments, got %q", cmd.CommandPath(), args[0])
	}
	return nil
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.AddCommand(historyVerifyCmd)

	historyCmd.PersistentFlags().StringVarP(&historyURN, "urn", "u", "", "Only show entries for this AIR URN")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print entries as JSON")
	historyVerifyCmd.Flags().BoolVar(&verifyCheckHash, "check-hash", false, "Also compare each artifact's SHA-256 with the recorded hash")
}
