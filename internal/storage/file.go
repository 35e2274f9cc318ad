package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
	"github.com/goccy/go-json"
	"github.com/spf13/afero"
)

const (
	stateFileName = "state.json"
	appDirName    = "pulse"
)

// File is a durable Store backed by a single JSON object on disk. The whole
// file is rewritten on every change using a temp-file-then-rename pattern,
// so a crash mid-write leaves the previous contents intact.
type File struct {
	fs  afero.Fs
	dir string

	mu     sync.Mutex
	data   map[string]string
	loaded bool
}

// NewFile creates a File store in dir on the given filesystem. The directory
// is created on the first write. Pass an empty dir to use the default XDG
// state path and a nil fs to use the OS filesystem.
func NewFile(fs afero.Fs, dir string) *File {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if dir == "" {
		dir = DefaultDir()
	}
	return &File{fs: fs, dir: dir}
}

// Path returns the full path to the state file.
func (f *File) Path() string {
	return filepath.Join(f.dir, stateFileName)
}

func (f *File) Get(key string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return "", false, err
	}
	v, ok := f.data[key]
	return v, ok, nil
}

func (f *File) Set(key, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	prev, had := f.data[key]
	f.data[key] = value
	if err := f.saveLocked(); err != nil {
		if had {
			f.data[key] = prev
		} else {
			delete(f.data, key)
		}
		return err
	}
	return nil
}

func (f *File) Remove(key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.loadLocked(); err != nil {
		return err
	}
	prev, had := f.data[key]
	if !had {
		return nil
	}
	delete(f.data, key)
	if err := f.saveLocked(); err != nil {
		f.data[key] = prev
		return err
	}
	return nil
}

// loadLocked reads the state file once. A missing file is an empty store.
// A file that does not parse is treated as empty too; it is overwritten by
// the next successful write. Caller must hold f.mu.
func (f *File) loadLocked() error {
	if f.loaded {
		return nil
	}
	data, err := afero.ReadFile(f.fs, f.Path())
	if err != nil {
		if os.IsNotExist(err) {
			f.data = make(map[string]string)
			f.loaded = true
			return nil
		}
		return fmt.Errorf("reading state: %w", err)
	}

	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		m = make(map[string]string)
	}
	f.data = m
	f.loaded = true
	return nil
}

// saveLocked writes the state atomically. Caller must hold f.mu.
func (f *File) saveLocked() error {
	if err := f.fs.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}
	data = append(data, '\n')

	tmp, err := afero.TempFile(f.fs, f.dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			f.fs.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := f.fs.Rename(tmpPath, f.Path()); err != nil {
		return fmt.Errorf("renaming state file: %w", err)
	}
	committed = true

	return nil
}

// DefaultDir returns $XDG_STATE_HOME/pulse.
func DefaultDir() string {
	return filepath.Join(xdg.StateHome, appDirName)
}
