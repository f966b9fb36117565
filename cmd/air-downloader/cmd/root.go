package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"go-air-download/internal/api"
	"go-air-download/internal/config"
	"go-air-download/internal/models"
)

// cfgFile holds the path to the config file specified by the user
var cfgFile string

// logApiFlag holds the value of the --log-api flag
var logApiFlag bool

// apiTimeoutFlag holds the value of the --api-timeout flag
var apiTimeoutFlag int

// Root command mode flags
var (
	urnFlag       string
	updateFlag    string
	verifyFlag    bool
	noHistoryFlag bool
)

// globalConfig holds the loaded configuration
var globalConfig models.Config

// globalHttpTransport holds the globally configured HTTP transport (base or logging-wrapped)
var globalHttpTransport http.RoundTripper

// rootCmd downloads (--urn) or updates (--update) a single model.
var rootCmd = &cobra.Command{
	Use:   "air-downloader",
	Short: "Download and update AI models addressed by AIR identifiers",
	Long: `air-downloader fetches a model identified by an AIR URN
(urn:air:{ecosystem}:{type}:{source}:{id}[@{version}][:{layer}][.{format}])
into a front-end friendly folder layout, recording provenance in a
.metadata.json file next to it. --update re-checks that file against
the remote and only downloads again when the content changed.`,
	Example: `  air-downloader --urn urn:air:flux1:lora:civitai:1075055@1206817 --token $CIVITAI_TOKEN
  air-downloader --update models/loras/flux1/civitai_1075055_v1206817.safetensors.metadata.json`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return newUsageError("unexpected argument %q", args[0])
		}
		return nil
	},
	PersistentPreRunE: loadGlobalConfig,
	RunE:              runRoot,
	SilenceErrors:     true,
	SilenceUsage:      true,
}

// Execute runs the root command and returns the process exit code.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() int {
	defer closeGlobalTransport()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	code := ExitCodeFor(err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if hint := hintFor(code); hint != "" {
		fmt.Fprintln(os.Stderr, hint)
	}
	return code
}

func init() {
	cobra.OnInitialize(initLogging)

	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	// Persistent flags apply to all commands
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultConfigFile, "Configuration file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Logging format (text, json)")
	rootCmd.PersistentFlags().BoolVar(&logApiFlag, "log-api", false, "Log API requests/responses to api.log (overrides config)")
	rootCmd.PersistentFlags().IntVar(&apiTimeoutFlag, "api-timeout", -1, "Timeout for API metadata calls in seconds (overrides config, -1 uses config default)")
	rootCmd.PersistentFlags().StringP("base-dir", "b", "", "Root directory for downloaded models (overrides config and AIR_BASE_DIR)")

	// Download / update mode
	rootCmd.Flags().StringVarP(&urnFlag, "urn", "u", "", "AIR URN of the model to download")
	rootCmd.Flags().StringVar(&updateFlag, "update", "", "Path of a .metadata.json file to check for updates")
	rootCmd.Flags().StringP("token", "t", "", "Bearer token for the remote API (overrides CIVITAI_TOKEN, AIR_TOKEN and config)")
	rootCmd.Flags().BoolVar(&verifyFlag, "verify", false, "On --update, hash the local file instead of trusting the stored hash")
	rootCmd.Flags().BoolVar(&noHistoryFlag, "no-history", false, "Do not record the fetch in the history database or search index")

	// Flag > environment > config file
	viper.BindPFlag("token", rootCmd.Flags().Lookup("token"))
	viper.BindEnv("token", "AIR_TOKEN", "CIVITAI_TOKEN")
	viper.BindPFlag("basedir", rootCmd.PersistentFlags().Lookup("base-dir"))
	viper.BindEnv("basedir", "AIR_BASE_DIR")
}

// runRoot dispatches to download or update mode. Exactly one of --urn and --update is required.
func runRoot(cmd *cobra.Command, args []string) error {
	if err := validateMode(urnFlag, updateFlag); err != nil {
		return err
	}

	token := globalConfig.Token
	if token == "" {
		log.Warn("No API token configured; requests are sent unauthenticated")
	}

	cfg := globalConfig
	if verifyFlag {
		cfg.VerifyLocal = true
	}
	if noHistoryFlag {
		cfg.DisableHistory = true
	}

	r := newRunner(cfg, globalHttpTransport, cmd.OutOrStdout())
	r.showProgress = true
	if urnFlag != "" {
		return r.download(cmd.Context(), urnFlag, token)
	}
	return r.update(cmd.Context(), updateFlag, token)
}

func validateMode(rawURN, metadataPath string) error {
	switch {
	case rawURN != "" && metadataPath != "":
		return newUsageError("--urn and --update are mutually exclusive")
	case rawURN == "" && metadataPath == "":
		return newUsageError("one of --urn or --update is required")
	}
	return nil
}

// loadGlobalConfig loads the configuration and applies flag and environment overrides.
// It also sets up the global HTTP transport based on logging settings.
func loadGlobalConfig(cmd *cobra.Command, args []string) error {
	var err error
	globalConfig, err = config.LoadConfig(cfgFile)
	if err != nil {
		if !errors.Is(err, config.ErrConfigNotFound) {
			return err
		}
		// Missing config is fine; defaults plus flags and environment still apply.
		log.WithError(err).Debug("Using built-in defaults")
	}

	if viper.IsSet("token") {
		globalConfig.Token = viper.GetString("token")
		log.Debug("Using API token from flag or environment")
	}
	if viper.IsSet("basedir") {
		if dir := viper.GetString("basedir"); dir != "" {
			globalConfig.BaseDir = dir
			log.Debugf("Overriding BaseDir from flag or environment: %s", dir)
		}
	}

	if cmd.Flags().Changed("log-api") {
		globalConfig.LogApiRequests = logApiFlag
		log.Debugf("Overriding LogApiRequests based on --log-api flag: %t", logApiFlag)
	}

	if cmd.Flags().Changed("api-timeout") {
		if apiTimeoutFlag > 0 {
			globalConfig.ApiClientTimeoutSec = apiTimeoutFlag
			log.Debugf("Overriding ApiClientTimeoutSec based on --api-timeout flag: %d sec", apiTimeoutFlag)
		} else {
			log.Warnf("--api-timeout flag provided with invalid value %d, using config value: %d sec", apiTimeoutFlag, globalConfig.ApiClientTimeoutSec)
		}
	}

	config.ResolvePaths(&globalConfig)

	// --- Setup Global HTTP Transport ---
	globalHttpTransport = http.DefaultTransport
	if globalConfig.LogApiRequests {
		logFilePath := "api.log"
		if _, statErr := os.Stat(globalConfig.BaseDir); statErr == nil {
			logFilePath = filepath.Join(globalConfig.BaseDir, logFilePath)
		} else {
			log.Warnf("BaseDir '%s' not found, saving api.log to current directory.", globalConfig.BaseDir)
		}
		log.Infof("API logging to file: %s", logFilePath)

		loggingTransport, err := api.NewLoggingTransport(http.DefaultTransport, logFilePath)
		if err != nil {
			log.WithError(err).Error("Failed to initialize API logging transport, logging disabled.")
		} else {
			globalHttpTransport = loggingTransport
		}
	}
	return nil
}

func closeGlobalTransport() {
	if loggingTransport, ok := globalHttpTransport.(*api.LoggingTransport); ok && loggingTransport != nil {
		log.Debug("Closing API logging transport file.")
		if err := loggingTransport.Close(); err != nil {
			log.WithError(err).Error("Error closing API log file")
		}
	}
}
