package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the transdesk home directory.
	DefaultDirName = ".transdesk"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DatabaseFileName is the SQLite database file name.
	DatabaseFileName = "transdesk.db"
)

// Dir represents the transdesk home directory structure. All file paths
// recorded on Material rows are relative to this directory.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.transdesk).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DatabasePath returns the path to the SQLite database.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// UploadsDir holds original uploaded images and rasterized PDF pages.
func (d *Dir) UploadsDir() string {
	return filepath.Join(d.path, "uploads")
}

// EditedDir holds user-edited intermediate renders.
func (d *Dir) EditedDir() string {
	return filepath.Join(d.path, "uploads", "edited")
}

// FinalDir holds browser-produced final composite images.
func (d *Dir) FinalDir() string {
	return filepath.Join(d.path, "uploads", "final")
}

// TranslatedSnapshotDir holds translated web-capture PDFs.
func (d *Dir) TranslatedSnapshotDir() string {
	return filepath.Join(d.path, "translated_snapshot")
}

// OriginalSnapshotDir holds original web-capture PDFs.
func (d *Dir) OriginalSnapshotDir() string {
	return filepath.Join(d.path, "original_snapshot")
}

// ExportsDir holds generated export archives.
func (d *Dir) ExportsDir() string {
	return filepath.Join(d.path, "exports")
}

// WebCacheDir holds cached web captures keyed by MD5(url).
func (d *Dir) WebCacheDir() string {
	return filepath.Join(d.path, "webcache")
}

// Resolve turns a filesystem-relative path stored on a Material row into an
// absolute path under the home directory. Absolute paths pass through.
func (d *Dir) Resolve(rel string) string {
	if rel == "" || filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(d.path, rel)
}

// Rel converts an absolute path under the home directory to the relative form
// stored on Material rows.
func (d *Dir) Rel(abs string) string {
	rel, err := filepath.Rel(d.path, abs)
	if err != nil {
		return abs
	}
	return rel
}

// EnsureExists creates the home directory and all well-known subdirectories.
func (d *Dir) EnsureExists() error {
	dirs := []string{
		d.UploadsDir(),
		d.EditedDir(),
		d.FinalDir(),
		d.TranslatedSnapshotDir(),
		d.OriginalSnapshotDir(),
		d.ExportsDir(),
		d.WebCacheDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}

// UploadPath returns the path for a stored upload with the given name.
func (d *Dir) UploadPath(name string) string {
	return filepath.Join(d.UploadsDir(), name)
}

// PageImagePath returns the path for a rasterized PDF page image.
// Page numbers are 1-indexed.
func (d *Dir) PageImagePath(sessionID string, pageNum int) string {
	return filepath.Join(d.UploadsDir(), fmt.Sprintf("%s_page_%03d.jpg", sessionID, pageNum))
}

// FinalImagePath returns the path for a material's final composite image.
func (d *Dir) FinalImagePath(materialID string) string {
	return filepath.Join(d.FinalDir(), fmt.Sprintf("%s_final.png", materialID))
}
