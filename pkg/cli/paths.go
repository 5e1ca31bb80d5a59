package cli

import (
	"os"
	"path/filepath"
)

const (
	// DefaultBaseDir is the per-user directory name under the home dir.
	DefaultBaseDir = ".articulate"
	// DefaultConfigFile is the default configuration filename
	DefaultConfigFile = "config.yaml"
)

// Paths locates the per-user articulate directories.
type Paths struct {
	HomeDir string
}

// NewPaths returns the Paths of the current user.
func NewPaths() (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{HomeDir: home}, nil
}

// BaseDir returns ~/.articulate.
func (p *Paths) BaseDir() string {
	return filepath.Join(p.HomeDir, DefaultBaseDir)
}

// ConfigFile returns ~/.articulate/config.yaml.
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.BaseDir(), DefaultConfigFile)
}

// HistoryDir holds the badger conversation history.
func (p *Paths) HistoryDir() string {
	return filepath.Join(p.BaseDir(), "history")
}

// ArchiveDir holds archived command audio.
func (p *Paths) ArchiveDir() string {
	return filepath.Join(p.BaseDir(), "audio")
}

// ModelsDir holds provider configs.
func (p *Paths) ModelsDir() string {
	return filepath.Join(p.BaseDir(), "models")
}

// LogDir returns ~/.articulate/logs.
func (p *Paths) LogDir() string {
	return filepath.Join(p.BaseDir(), "logs")
}

// LogPath returns a path within the log directory
func (p *Paths) LogPath(name string) string {
	return filepath.Join(p.LogDir(), name)
}

// Ensure creates dir if it doesn't exist and returns it.
func Ensure(dir string) (string, error) {
	return dir, os.MkdirAll(dir, 0o755)
}
