// Package config loads settings for the binaries. Sources are applied in
// order, each overriding the last: built-in defaults, an optional YAML file
// named by EGI_CONFIG_FILE, EGI_* environment variables, then flags.
package config

import (
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"

	"github.com/APTlantis/Epic-Installer/internal/archive"
)

const envPrefix = "EGI"

// Install configures cmd/install-game.
type Install struct {
	GameID       string   `split_words:"true" yaml:"gameId"`
	ArchiveDir   string   `split_words:"true" yaml:"archiveDir"`
	ArchivePath  string   `split_words:"true" yaml:"archivePath"`
	RegistryPath string   `split_words:"true" yaml:"registry"`
	ManifestURL  string   `split_words:"true" yaml:"manifestURL"`
	ManifestFile string   `split_words:"true" yaml:"manifestFile"`
	CloudDir     string   `split_words:"true" yaml:"cloudDir"`
	Content      []string `split_words:"true" yaml:"content"`
	AutoUpdate   bool     `split_words:"true" yaml:"autoUpdate"`

	Workers      int           `split_words:"true" yaml:"workers"`
	Timeout      time.Duration `split_words:"true" yaml:"timeout"`
	Retries      int           `split_words:"true" yaml:"retries"`
	RetryBase    time.Duration `split_words:"true" yaml:"retryBase"`
	MaxRate      int64         `split_words:"true" yaml:"maxRate"`
	Storage      string        `split_words:"true" yaml:"storage"`
	StorageLevel int           `split_words:"true" yaml:"storageLevel"`

	Listen           string        `split_words:"true" yaml:"listen"`
	LogFormat        string        `split_words:"true" yaml:"logFormat"`
	LogLevel         string        `split_words:"true" yaml:"logLevel"`
	ProgressInterval time.Duration `split_words:"true" yaml:"progressInterval"`
}

// Export configures cmd/export-game.
type Export struct {
	ArchivePath  string `split_words:"true" yaml:"archivePath"`
	BundlesOut   string `split_words:"true" yaml:"bundlesOut"`
	BundleSizeGB int64  `split_words:"true" yaml:"bundleSizeGB"`
	ExtractDir   string `split_words:"true" yaml:"extractDir"`
	Records      string `split_words:"true" yaml:"records"`
	VerifyOnly   bool   `split_words:"true" yaml:"verifyOnly"`
	Workers      int    `split_words:"true" yaml:"workers"`

	Listen           string        `split_words:"true" yaml:"listen"`
	LogFormat        string        `split_words:"true" yaml:"logFormat"`
	LogLevel         string        `split_words:"true" yaml:"logLevel"`
	ProgressInterval time.Duration `split_words:"true" yaml:"progressInterval"`
}

// DefaultWorkers is the install pool size when none is configured.
func DefaultWorkers() int {
	return max(4, min(32, runtime.NumCPU()*2))
}

func defaultInstall() Install {
	return Install{
		ArchiveDir:       "games",
		RegistryPath:     "installed.json",
		Workers:          DefaultWorkers(),
		Timeout:          60 * time.Second,
		Retries:          5,
		RetryBase:        500 * time.Millisecond,
		Storage:          "raw",
		StorageLevel:     3,
		LogFormat:        "text",
		LogLevel:         "info",
		ProgressInterval: 5 * time.Second,
	}
}

func defaultExport() Export {
	return Export{
		BundlesOut:   "bundles",
		BundleSizeGB: 8,
		Workers:          runtime.NumCPU(),
		LogFormat:        "text",
		LogLevel:         "info",
		ProgressInterval: 5 * time.Second,
	}
}

// LoadInstall reads the install settings from every source.
func LoadInstall() (Install, error) {
	return parseInstallWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseInstallWithFlagSet is the testable core of LoadInstall.
func parseInstallWithFlagSet(fs *flag.FlagSet, args []string) (Install, error) {
	cfg := defaultInstall()
	if err := loadFileAndEnv(&cfg); err != nil {
		return cfg, err
	}

	fs.StringVar(&cfg.GameID, "game", cfg.GameID, "Game id (registry key and archive name)")
	fs.StringVar(&cfg.ArchiveDir, "archive-dir", cfg.ArchiveDir, "Directory for new archives")
	fs.StringVar(&cfg.ArchivePath, "archive", cfg.ArchivePath, "Archive path (overrides the registry and -archive-dir)")
	fs.StringVar(&cfg.RegistryPath, "registry", cfg.RegistryPath, "Installed-games registry file")
	fs.StringVar(&cfg.ManifestURL, "manifest-url", cfg.ManifestURL, "URL of the JSON manifest")
	fs.StringVar(&cfg.ManifestFile, "manifest", cfg.ManifestFile, "Local JSON manifest (alternative to -manifest-url)")
	fs.StringVar(&cfg.CloudDir, "cloud-dir", cfg.CloudDir, "CDN cloud directory (default: manifest URL directory)")
	fs.Var(&stringList{vals: &cfg.Content}, "content", "Optional content install tag to include (repeatable)")
	fs.BoolVar(&cfg.AutoUpdate, "auto-update", cfg.AutoUpdate, "Mark the game for automatic updates")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Number of concurrent install workers")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per-request timeout")
	fs.IntVar(&cfg.Retries, "retries", cfg.Retries, "Attempts per chunk before it is given up")
	fs.DurationVar(&cfg.RetryBase, "retry-base", cfg.RetryBase, "Base backoff for retries (exponential with jitter)")
	fs.Int64Var(&cfg.MaxRate, "max-rate", cfg.MaxRate, "Download bandwidth cap in bytes/s (0=unlimited)")
	fs.StringVar(&cfg.Storage, "storage", cfg.Storage, "Chunk storage in new archives: raw|zstd")
	fs.IntVar(&cfg.StorageLevel, "storage-level", cfg.StorageLevel, "Zstd level for -storage zstd")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Serve Prometheus metrics and pprof at this address (e.g., :9090)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Logging format: text|json")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Logging level: debug|info|warn|error")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Periodic progress logging interval (0=disabled)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.MaxRate < 0 {
		cfg.MaxRate = 0
	}
	return cfg, cfg.Validate()
}

// Validate reports settings the installer cannot run with.
func (c Install) Validate() error {
	if c.GameID == "" {
		return missing("game", "GAME_ID")
	}
	if c.ManifestURL == "" && c.ManifestFile == "" {
		return missing("manifest-url or manifest", "MANIFEST_URL")
	}
	if c.ManifestFile != "" && c.CloudDir == "" {
		return missing("cloud-dir", "CLOUD_DIR")
	}
	if _, err := archive.ParseStorageMethod(c.Storage); err != nil {
		return err
	}
	return nil
}

// StorageMethod is the parsed Storage setting.
func (c Install) StorageMethod() archive.StorageMethod {
	m, _ := archive.ParseStorageMethod(c.Storage)
	return m
}

// LoadExport reads the export settings from every source.
func LoadExport() (Export, error) {
	return parseExportWithFlagSet(flag.CommandLine, os.Args[1:])
}

// parseExportWithFlagSet is the testable core of LoadExport.
func parseExportWithFlagSet(fs *flag.FlagSet, args []string) (Export, error) {
	cfg := defaultExport()
	if err := loadFileAndEnv(&cfg); err != nil {
		return cfg, err
	}
	fs.StringVar(&cfg.ArchivePath, "archive", cfg.ArchivePath, "Archive to export")
	fs.StringVar(&cfg.BundlesOut, "bundles-out", cfg.BundlesOut, "Directory for .tar.zst bundles (empty disables bundling)")
	fs.Int64Var(&cfg.BundleSizeGB, "bundle-size-gb", cfg.BundleSizeGB, "Target bundle size in GB")
	fs.StringVar(&cfg.ExtractDir, "extract-dir", cfg.ExtractDir, "Also write the game files under this directory")
	fs.StringVar(&cfg.Records, "records", cfg.Records, "Where to write per-file records (JSONL)")
	fs.BoolVar(&cfg.VerifyOnly, "verify-only", cfg.VerifyOnly, "Only check file hashes; write nothing")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent verifiers for -verify-only")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "Serve Prometheus metrics and pprof at this address (e.g., :9090)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Logging format: text|json")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Logging level: debug|info|warn|error")
	fs.DurationVar(&cfg.ProgressInterval, "progress-interval", cfg.ProgressInterval, "Periodic progress logging interval (0=disabled)")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BundleSizeGB <= 0 {
		cfg.BundleSizeGB = 8
	}
	if cfg.ArchivePath == "" {
		return cfg, missing("archive", "ARCHIVE_PATH")
	}
	return cfg, nil
}

// loadFileAndEnv applies the YAML file, then the environment, onto the
// defaults already in cfg.
func loadFileAndEnv(cfg any) error {
	if path := os.Getenv(envPrefix + "_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.UnmarshalStrict(data, cfg); err != nil {
			return fmt.Errorf("unmarshaling config file: %w", err)
		}
	}
	if err := envconfig.Process(envPrefix, cfg); err != nil {
		return fmt.Errorf("parsing environment variables: %w", err)
	}
	return nil
}

func missing(flagName, env string) error {
	return fmt.Errorf("missing required configuration: -%s / %s_%s", flagName, envPrefix, env)
}

// stringList implements flag.Value for repeatable string flags. The first
// flag replaces values that came from the file or environment.
type stringList struct {
	vals *[]string
	set  bool
}

func (s *stringList) String() string {
	if s == nil || s.vals == nil {
		return ""
	}
	return strings.Join(*s.vals, ",")
}

func (s *stringList) Set(value string) error {
	if !s.set {
		*s.vals = nil
		s.set = true
	}
	*s.vals = append(*s.vals, value)
	return nil
}

var _ flag.Value = (*stringList)(nil)
