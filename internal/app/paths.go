package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths stores resolved runtime file locations for config, logs, database and recordings.
type Paths struct {
	RootDir       string
	ConfigFile    string
	DBFile        string
	LogFile       string
	DataDir       string
	RecordingsDir string
}

// ResolvePaths keeps config, database and log under the user config dir. Recordings grow
// without bound, so they go to XDG_DATA_HOME when it is set.
func ResolvePaths() (Paths, error) {
	cfgRoot, err := os.UserConfigDir()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve config dir: %w", err)
	}

	root := filepath.Join(cfgRoot, Name)
	data := root
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" && filepath.IsAbs(xdg) {
		data = filepath.Join(xdg, Name)
	}

	return PathsIn(root, data)
}

// PathsIn lays the runtime files out under explicit root and data directories, creating them.
func PathsIn(root, data string) (Paths, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create app config dir: %w", err)
	}
	recordings := filepath.Join(data, RecordingsDir)
	if err := os.MkdirAll(recordings, 0o750); err != nil {
		return Paths{}, fmt.Errorf("create recordings dir: %w", err)
	}

	return Paths{
		RootDir:       root,
		ConfigFile:    filepath.Join(root, ConfigFilename),
		DBFile:        filepath.Join(root, DBFilename),
		LogFile:       filepath.Join(root, LogFilename),
		DataDir:       data,
		RecordingsDir: recordings,
	}, nil
}
