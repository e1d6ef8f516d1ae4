package config

import (
	"flag"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/APTlantis/Epic-Installer/internal/archive"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(new(strings.Builder))
	return fs
}

func TestParseInstall_Defaults(t *testing.T) {
	cfg, err := parseInstallWithFlagSet(newFlagSet(), []string{"-game", "fn", "-manifest-url", "http://cdn/m.json"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ArchiveDir != "games" || cfg.RegistryPath != "installed.json" {
		t.Errorf("paths = %q %q", cfg.ArchiveDir, cfg.RegistryPath)
	}
	if cfg.Workers != DefaultWorkers() {
		t.Errorf("Workers = %d, want %d", cfg.Workers, DefaultWorkers())
	}
	if cfg.Timeout != 60*time.Second || cfg.Retries != 5 {
		t.Errorf("Timeout = %v Retries = %d", cfg.Timeout, cfg.Retries)
	}
	if cfg.StorageMethod() != archive.StorageRaw {
		t.Errorf("StorageMethod = %v", cfg.StorageMethod())
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("log = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}
}

func TestParseInstall_EnvFallback(t *testing.T) {
	t.Setenv("EGI_GAME_ID", "fn")
	t.Setenv("EGI_MANIFEST_URL", "http://cdn/m.json")
	t.Setenv("EGI_WORKERS", "3")
	t.Setenv("EGI_TIMEOUT", "5s")
	t.Setenv("EGI_CONTENT", "hd,voice")
	t.Setenv("EGI_AUTO_UPDATE", "true")

	cfg, err := parseInstallWithFlagSet(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.GameID != "fn" || cfg.Workers != 3 || cfg.Timeout != 5*time.Second || !cfg.AutoUpdate {
		t.Errorf("cfg = %+v", cfg)
	}
	if !slices.Equal(cfg.Content, []string{"hd", "voice"}) {
		t.Errorf("Content = %v", cfg.Content)
	}
}

func TestParseInstall_FlagsOverrideEnv(t *testing.T) {
	t.Setenv("EGI_GAME_ID", "fn")
	t.Setenv("EGI_MANIFEST_URL", "http://cdn/m.json")
	t.Setenv("EGI_WORKERS", "3")
	t.Setenv("EGI_CONTENT", "hd,voice")

	cfg, err := parseInstallWithFlagSet(newFlagSet(), []string{"-workers", "12", "-content", "lang_de", "-content", "lang_fr"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workers != 12 {
		t.Errorf("Workers = %d, want 12 (from flag)", cfg.Workers)
	}
	if !slices.Equal(cfg.Content, []string{"lang_de", "lang_fr"}) {
		t.Errorf("Content = %v, want flag values only", cfg.Content)
	}
}

func TestParseInstall_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egi.yaml")
	yml := "gameId: fn\nmanifestFile: m.json\ncloudDir: /mirror/cloud\nstorage: zstd\nstorageLevel: 7\ntimeout: 90s\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EGI_CONFIG_FILE", path)
	t.Setenv("EGI_STORAGE_LEVEL", "9")

	cfg, err := parseInstallWithFlagSet(newFlagSet(), nil)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.GameID != "fn" || cfg.ManifestFile != "m.json" || cfg.CloudDir != "/mirror/cloud" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.StorageMethod() != archive.StorageZstd {
		t.Errorf("StorageMethod = %v", cfg.StorageMethod())
	}
	if cfg.StorageLevel != 9 {
		t.Errorf("StorageLevel = %d, want env to beat file", cfg.StorageLevel)
	}
	if cfg.Timeout != 90*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
}

func TestParseInstall_FileUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "egi.yaml")
	if err := os.WriteFile(path, []byte("gameId: fn\nwrokers: 3\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("EGI_CONFIG_FILE", path)
	if _, err := parseInstallWithFlagSet(newFlagSet(), nil); err == nil {
		t.Fatal("expected error for misspelled key")
	}
}

func TestParseInstall_Validation(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want string
	}{
		{"no game", []string{"-manifest-url", "u"}, "EGI_GAME_ID"},
		{"no manifest", []string{"-game", "fn"}, "EGI_MANIFEST_URL"},
		{"file without cloud dir", []string{"-game", "fn", "-manifest", "m.json"}, "EGI_CLOUD_DIR"},
		{"bad storage", []string{"-game", "fn", "-manifest-url", "u", "-storage", "lz4"}, "lz4"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := parseInstallWithFlagSet(newFlagSet(), tc.args)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestParseInstall_Clamps(t *testing.T) {
	cfg, err := parseInstallWithFlagSet(newFlagSet(), []string{
		"-game", "fn", "-manifest-url", "u", "-workers", "0", "-retries", "-2", "-max-rate", "-5",
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workers != DefaultWorkers() || cfg.Retries != 1 || cfg.MaxRate != 0 {
		t.Errorf("Workers=%d Retries=%d MaxRate=%d", cfg.Workers, cfg.Retries, cfg.MaxRate)
	}
}

func TestParseExport(t *testing.T) {
	t.Setenv("EGI_BUNDLES_OUT", "/tmp/out")
	cfg, err := parseExportWithFlagSet(newFlagSet(), []string{"-archive", "fn.egia", "-verify-only", "-workers", "2"})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.ArchivePath != "fn.egia" || !cfg.VerifyOnly || cfg.Workers != 2 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.BundlesOut != "/tmp/out" || cfg.BundleSizeGB != 8 {
		t.Errorf("bundles = %q %d", cfg.BundlesOut, cfg.BundleSizeGB)
	}

	if _, err := parseExportWithFlagSet(newFlagSet(), nil); err == nil || !strings.Contains(err.Error(), "EGI_ARCHIVE_PATH") {
		t.Errorf("missing archive: err = %v", err)
	}
}
