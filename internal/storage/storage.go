// Package storage keeps profiles and sealed secrets in sqlite under the
// per-user application directory.
package storage

import (
	"os"
	"path/filepath"
)

const appDir = "xenlink"

type AppStorage struct {
	configPath string
	dbPath     string
	cachePath  string
}

// NewAppStorage lays out config, db and cache directories under baseDir, or
// under the user config directory when baseDir is empty.
func NewAppStorage(baseDir string) (*AppStorage, error) {
	if baseDir == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		baseDir = filepath.Join(dir, appDir)
	}

	s := &AppStorage{
		configPath: filepath.Join(baseDir, "config"),
		dbPath:     filepath.Join(baseDir, "db"),
		cachePath:  filepath.Join(baseDir, "cache"),
	}
	for _, dir := range []string{s.configPath, s.dbPath, s.cachePath} {
		if err := s.EnsureDirPermissions(dir); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *AppStorage) ConfigPath() string {
	return s.configPath
}

func (s *AppStorage) DBPath() string {
	return s.dbPath
}

func (s *AppStorage) CachePath() string {
	return s.cachePath
}

// EnsureDirPermissions creates dirpath private to the user.
func (s *AppStorage) EnsureDirPermissions(dirpath string) error {
	if err := os.MkdirAll(dirpath, 0o700); err != nil {
		return err
	}
	return os.Chmod(dirpath, 0o700)
}

func (s *AppStorage) WriteFile(path string, data []byte) error {
	if err := s.EnsureDirPermissions(filepath.Dir(path)); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *AppStorage) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (s *AppStorage) FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (s *AppStorage) CopyFile(src, dst string) error {
	data, err := s.ReadFile(src)
	if err != nil {
		return err
	}
	return s.WriteFile(dst, data)
}
