package artifact

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// excludedDirs are never watched or recorded.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
}

// Recorder watches a directory tree during a build and records which files
// were created or modified. Used to populate the bundle manifest.
type Recorder struct {
	root    string
	watcher *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	files map[string]bool
}

// WatchDir starts recording changes under root. Newly created directories
// are watched as they appear.
func WatchDir(root string) (*Recorder, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	r := &Recorder{
		root:    root,
		watcher: w,
		done:    make(chan struct{}),
		files:   make(map[string]bool),
	}

	if err := addDirsRecursive(w, root); err != nil {
		w.Close()
		return nil, err
	}

	go r.loop()
	return r, nil
}

func (r *Recorder) loop() {
	for {
		select {
		case <-r.done:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					base := filepath.Base(event.Name)
					if !excludedDirs[base] && !isHidden(base) {
						r.addTree(event.Name)
					}
					continue
				}
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				r.record(event.Name)
			}
		case _, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// addTree watches a newly created directory and records files already inside
// it, which may have landed before the watch took effect.
func (r *Recorder) addTree(dir string) {
	_ = addDirsRecursive(r.watcher, dir)
	_ = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path != dir && (excludedDirs[name] || isHidden(name)) {
				return filepath.SkipDir
			}
			return nil
		}
		r.record(path)
		return nil
	})
}

func (r *Recorder) record(path string) {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		return
	}
	base := filepath.Base(path)
	if isHidden(base) || excludedDirs[base] {
		return
	}
	r.mu.Lock()
	r.files[rel] = true
	r.mu.Unlock()
}

// Files returns the recorded paths, relative to the watched root, sorted.
func (r *Recorder) Files() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.files))
	for f := range r.files {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Close stops watching. Safe to call once.
func (r *Recorder) Close() {
	close(r.done)
	r.watcher.Close()
}

func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if path != dir && (excludedDirs[name] || isHidden(name)) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
