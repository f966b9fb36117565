package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go-air-download/internal/api"
	"go-air-download/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// DefaultConfigFile is read when no --config flag is given.
const DefaultConfigFile = "config.toml"

// ErrConfigNotFound is returned, alongside the defaults, when the config file does not exist.
var ErrConfigNotFound = errors.New("config file not found")

const (
	defaultBaseDir         = "models"
	defaultDatabaseName    = ".air-history.db"
	defaultIndexName       = ".air-index.bleve"
	defaultApiTimeoutSec   = 60
	defaultLockTimeoutSecs = 5
)

// Defaults returns the configuration used for anything the file and flags leave unset.
func Defaults() models.Config {
	return models.Config{
		ApiBaseURL:          api.CivitaiApiBaseUrl,
		ApiClientTimeoutSec: defaultApiTimeoutSec,
		BaseDir:             defaultBaseDir,
		LockTimeoutSec:      defaultLockTimeoutSecs,
	}
}

// LoadConfig reads the TOML file at configFilePath (DefaultConfigFile when empty) over the
// defaults. A missing file returns the defaults together with ErrConfigNotFound.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = DefaultConfigFile
	}
	cfg := Defaults()

	meta, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Defaults(), fmt.Errorf("%w: %s", ErrConfigNotFound, configFilePath)
		}
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}
	for _, key := range meta.Undecoded() {
		log.Warnf("Unknown key %q in %s ignored", key.String(), configFilePath)
	}

	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = defaultApiTimeoutSec
	}
	if cfg.LockTimeoutSec <= 0 {
		cfg.LockTimeoutSec = defaultLockTimeoutSecs
	}

	log.Debugf("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ResolvePaths fills in the history database and index locations, which default to hidden
// entries under BaseDir. Call it after flag and environment overrides are applied.
func ResolvePaths(cfg *models.Config) {
	if cfg.BaseDir == "" {
		cfg.BaseDir = defaultBaseDir
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.BaseDir, defaultDatabaseName)
	}
	if cfg.IndexPath == "" {
		cfg.IndexPath = filepath.Join(cfg.BaseDir, defaultIndexName)
	}
}
