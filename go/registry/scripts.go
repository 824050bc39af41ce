package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// DefaultScriptDir holds materialized UDF scripts when [system.udf] does
// not configure script_dir.
const DefaultScriptDir = "udf-scripts"

// ScriptStore owns the directory of Lua transform scripts. Inline scripts
// from service definitions are materialized here, and edits to any script
// file are reported through the onChange callback so cached transforms can
// be rebuilt.
type ScriptStore struct {
	dir      string
	watcher  *fsnotify.Watcher
	onChange func(file string)
}

func NewScriptStore(dir string, onChange func(file string)) (*ScriptStore, error) {
	var abs, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving script dir: %w", err)
	}
	if err = os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating script dir %s: %w", abs, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting script watcher: %w", err)
	}
	if err = watcher.Add(abs); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watching script dir %s: %w", abs, err)
	}

	var store = &ScriptStore{dir: abs, watcher: watcher, onChange: onChange}
	go store.watch()
	return store, nil
}

// Dir is the absolute path scripts live under.
func (s *ScriptStore) Dir() string { return s.dir }

func (s *ScriptStore) Close() error { return s.watcher.Close() }

func (s *ScriptStore) watch() {
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			if filepath.Ext(ev.Name) != ".lua" {
				continue
			}
			log.WithField("script", filepath.Base(ev.Name)).Debug("udf script changed on disk")
			if s.onChange != nil {
				s.onChange(filepath.Base(ev.Name))
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("err", err).Warn("udf script watcher error")
		}
	}
}

// Write materializes source as <name>.lua inside the store and returns the
// file name to reference it by.
func (s *ScriptStore) Write(name, source string) (string, error) {
	var file = name + ".lua"
	var path, err = s.resolve(file)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(source), 0o644); err != nil {
		return "", fmt.Errorf("writing script %s: %w", file, err)
	}
	return file, nil
}

// Read loads a script by its file name within the store.
func (s *ScriptStore) Read(file string) (string, error) {
	var path, err = s.resolve(file)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading script %s: %w", file, err)
	}
	return string(b), nil
}

// resolve maps a script file name to its path, rejecting anything that
// could escape the store directory.
func (s *ScriptStore) resolve(file string) (string, error) {
	if file == "" || strings.Contains(file, "..") || strings.ContainsAny(file, `/\`) {
		return "", fmt.Errorf("invalid script file name %q", file)
	}
	return filepath.Join(s.dir, file), nil
}
