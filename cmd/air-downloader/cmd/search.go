package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/blevesearch/bleve/v2"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-air-download/index"
)

var searchLimit int

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search locally fetched models",
	Long: `Runs a Bleve query string against the local index of fetched models.
Fields: urn, ecosystem, modelType, source, modelId, versionId, name, modelName,
versionName, remoteName, filePath, contentHash, torrentPath, magnetLink.
Examples: 'flux', '+ecosystem:flux1 +modelType:lora', 'modelName:pixel*'.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 || strings.TrimSpace(strings.Join(args, " ")) == "" {
			return newUsageError("a search query is required")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSearch(cmd.OutOrStdout(), globalConfig.IndexPath, strings.Join(args, " "), searchLimit)
	},
}

// runSearch executes the search against the index at indexPath and prints the hits.
func runSearch(out io.Writer, indexPath string, query string, limit int) error {
	log.Debugf("Searching %s for %q", indexPath, query)

	// Open, not OpenOrCreateIndex: searching must not create an index.
	bleveIndex, err := bleve.Open(indexPath)
	if err != nil {
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			fmt.Fprintln(out, "No models have been indexed yet.")
			return nil
		}
		return fmt.Errorf("failed to open index at %s: %w", indexPath, err)
	}
	defer func() {
		if err := bleveIndex.Close(); err != nil {
			log.WithError(err).Error("Error closing index")
		}
	}()

	results, err := index.SearchIndex(bleveIndex, query, limit)
	if err != nil {
		return fmt.Errorf("error performing search: %w", err)
	}
	log.Debugf("Search finished. Hits: %d, Total: %d, Took: %s", len(results.Hits), results.Total, results.Took)

	if results.Total == 0 {
		fmt.Fprintln(out, "No results found matching your query.")
		return nil
	}
	fmt.Fprintf(out, "%d result(s)\n", results.Total)
	for i, hit := range results.Hits {
		fmt.Fprintf(out, "[%d] %v (Score: %.2f)\n", i+1, hit.Fields["urn"], hit.Score)
		keys := make([]string, 0, len(hit.Fields))
		for field := range hit.Fields {
			if field != "urn" && field != "id" {
				keys = append(keys, field)
			}
		}
		sort.Strings(keys)
		for _, field := range keys {
			fmt.Fprintf(out, "  %s: %v\n", field, hit.Fields[field])
		}
	}
	return nil
}

func init() {
	rootCmd.AddCommand(searchCmd)

	searchCmd.Flags().IntVarP(&searchLimit, "limit", "l", 20, "Maximum number of results to show")
}
