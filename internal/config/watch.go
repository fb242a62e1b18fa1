package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the layered configuration when either config file changes.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
	once    sync.Once
}

// Watch starts watching the directories holding globalPath and projectPath.
// On every write, create or rename of one of the two files the configuration
// is reloaded with Load and handed to onChange. Reload failures are logged
// and the previous configuration stays in effect. Directories that do not
// exist yet are skipped.
func Watch(globalPath, projectPath string, onChange func(*TaskpilotConfig)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating watcher: %w", err)
	}

	targets := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			fw.Close()
			return nil, fmt.Errorf("resolving %s: %w", path, err)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			continue
		}
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watching %s: %w", dir, err)
		}
	}

	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go w.loop(globalPath, projectPath, targets, onChange)
	return w, nil
}

func (w *Watcher) loop(globalPath, projectPath string, targets map[string]bool, onChange func(*TaskpilotConfig)) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !targets[filepath.Clean(event.Name)] {
				continue
			}
			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				log.Printf("WARNING: config reload failed: %v", err)
				continue
			}
			if onChange != nil {
				onChange(cfg)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("WARNING: config watcher error: %v", err)
		}
	}
}

// Close stops watching. Safe to call multiple times.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
