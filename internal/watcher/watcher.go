// Package watcher tracks file counts in session working directories.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/SchlenkR/ronboard/internal/protocol"
	"github.com/SchlenkR/ronboard/internal/session"
)

const (
	defaultDebounce = 500 * time.Millisecond
	agentConfigDir  = ".claude"
)

// excludedDirs are skipped when counting files and building trees.
var excludedDirs = map[string]bool{
	"node_modules": true,
	".git":         true,
	"vendor":       true,
	"bin":          true,
	"obj":          true,
}

// UpdateCallback is called when the file count of a watched directory changes.
type UpdateCallback func(sessionID string, fileCount int)

// Watcher monitors working directories for file changes.
type Watcher struct {
	mu       sync.Mutex
	watchers map[string]*sessionWatcher
	// gen is bumped on every Watch and Unwatch so a late asynchronous
	// Watch does not resurrect a session that was unwatched meanwhile.
	gen      map[string]uint64
	debounce time.Duration
	callback UpdateCallback
}

type sessionWatcher struct {
	sessionID string
	workDir   string
	fsWatcher *fsnotify.Watcher
	cancel    chan struct{}

	mu        sync.Mutex
	lastCount int
}

// New creates a watcher. A zero debounce uses 500ms.
func New(debounce time.Duration, callback UpdateCallback) *Watcher {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Watcher{
		watchers: make(map[string]*sessionWatcher),
		gen:      make(map[string]uint64),
		debounce: debounce,
		callback: callback,
	}
}

// Follow watches the directories of running sessions as the manager
// reports them. The returned function stops following.
func (w *Watcher) Follow(m *session.Manager) (stop func()) {
	return m.Subscribe(func(e session.Event) {
		switch e.Type {
		case session.EventSessionCreated, session.EventSessionResumed:
			if e.Session == nil || e.Session.Status != session.StatusRunning {
				return
			}
			gen := w.reserve(e.SessionID)
			dir := e.Session.WorkingDirectory
			go func() {
				if err := w.watch(e.SessionID, dir, gen); err != nil {
					log.Warn().Err(err).Str("sessionId", e.SessionID).Msg("failed to watch working directory")
				}
			}()
		case session.EventSessionStopped, session.EventSessionRemoved, session.EventSessionEnded:
			w.Unwatch(e.SessionID)
		case session.EventSessionStatus:
			if e.Session != nil && e.Session.Status != session.StatusRunning {
				w.Unwatch(e.SessionID)
			}
		}
	})
}

// Watch starts watching dir for sessionID, replacing any earlier watch.
func (w *Watcher) Watch(sessionID, dir string) error {
	return w.watch(sessionID, dir, w.reserve(sessionID))
}

// Watching reports whether sessionID is currently watched.
func (w *Watcher) Watching(sessionID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.watchers[sessionID]
	return ok
}

func (w *Watcher) reserve(sessionID string) uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.gen[sessionID]++
	return w.gen[sessionID]
}

func (w *Watcher) watch(sessionID, dir string, gen uint64) error {
	resolved, err := session.ResolveDirectory(dir)
	if err != nil {
		return err
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := addDirsRecursive(fsW, resolved); err != nil {
		fsW.Close()
		return err
	}

	sw := &sessionWatcher{
		sessionID: sessionID,
		workDir:   resolved,
		fsWatcher: fsW,
		cancel:    make(chan struct{}),
		lastCount: -1,
	}

	w.mu.Lock()
	if w.gen[sessionID] != gen {
		w.mu.Unlock()
		fsW.Close()
		return nil
	}
	old := w.watchers[sessionID]
	w.watchers[sessionID] = sw
	w.mu.Unlock()

	if old != nil {
		old.stop()
	}

	go w.watchLoop(sw)
	go w.recount(sw)

	log.Debug().Str("sessionId", sessionID).Str("dir", resolved).Msg("watching working directory")
	return nil
}

// Unwatch stops watching a session's directory.
func (w *Watcher) Unwatch(sessionID string) {
	w.mu.Lock()
	w.gen[sessionID]++
	sw, ok := w.watchers[sessionID]
	delete(w.watchers, sessionID)
	w.mu.Unlock()

	if ok {
		sw.stop()
	}
}

// Shutdown stops all watchers.
func (w *Watcher) Shutdown() {
	w.mu.Lock()
	ids := make([]string, 0, len(w.watchers))
	for id := range w.watchers {
		ids = append(ids, id)
	}
	w.mu.Unlock()

	for _, id := range ids {
		w.Unwatch(id)
	}
}

func (sw *sessionWatcher) stop() {
	close(sw.cancel)
	sw.fsWatcher.Close()
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop(sw *sessionWatcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-sw.cancel:
			return

		case event, ok := <-sw.fsWatcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() && !skipDir(filepath.Base(event.Name)) {
					if err := sw.fsWatcher.Add(event.Name); err != nil {
						log.Debug().Err(err).Str("path", event.Name).Msg("failed to watch new directory")
					}
				}
			}

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, func() {
				w.recount(sw)
			})

		case err, ok := <-sw.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Str("sessionId", sw.sessionID).Msg("watcher error")
		}
	}
}

// recount recalculates the file count and notifies if it changed.
func (w *Watcher) recount(sw *sessionWatcher) {
	select {
	case <-sw.cancel:
		return
	default:
	}

	count := CountFiles(sw.workDir)

	sw.mu.Lock()
	changed := count != sw.lastCount
	sw.lastCount = count
	sw.mu.Unlock()

	if changed && w.callback != nil {
		w.callback(sw.sessionID, count)
	}
}

// CountFiles counts the non-excluded files below dir.
func CountFiles(dir string) int {
	count := 0
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}

		name := d.Name()
		if d.IsDir() {
			if path != dir && skipDir(name) {
				return filepath.SkipDir
			}
			return nil
		}

		rel, _ := filepath.Rel(dir, path)
		if isHidden(name) && !strings.HasPrefix(rel, agentConfigDir) {
			return nil
		}

		count++
		return nil
	})
	return count
}

// BuildFileTree lists dir up to maxDepth levels, directories first.
func BuildFileTree(dir string, maxDepth int) []protocol.FileNode {
	return buildTree(dir, dir, 0, maxDepth)
}

func buildTree(rootDir, currentDir string, depth, maxDepth int) []protocol.FileNode {
	if depth >= maxDepth {
		return nil
	}

	entries, err := os.ReadDir(currentDir)
	if err != nil {
		return nil
	}

	var dirs, files []protocol.FileNode
	for _, entry := range entries {
		name := entry.Name()
		fullPath := filepath.Join(currentDir, name)
		relPath, _ := filepath.Rel(rootDir, fullPath)

		if entry.IsDir() {
			if skipDir(name) {
				continue
			}
			dirs = append(dirs, protocol.FileNode{
				Name:     name,
				Path:     filepath.ToSlash(relPath),
				IsDir:    true,
				Children: buildTree(rootDir, fullPath, depth+1, maxDepth),
			})
			continue
		}

		if isHidden(name) {
			continue
		}
		var size int64
		if info, err := entry.Info(); err == nil {
			size = info.Size()
		}
		files = append(files, protocol.FileNode{
			Name: name,
			Path: filepath.ToSlash(relPath),
			Size: size,
		})
	}

	return append(dirs, files...)
}

// ReadAgentConfig returns the markdown files of the agent's configuration
// directory inside workDir.
func ReadAgentConfig(workDir string) []protocol.ConfigFile {
	root := filepath.Join(workDir, agentConfigDir)
	var configs []protocol.ConfigFile
	filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		configs = append(configs, protocol.ConfigFile{
			Name:    filepath.ToSlash(rel),
			Content: string(data),
		})
		return nil
	})
	return configs
}

// addDirsRecursive adds dir and its subdirectories to an fsnotify watcher.
func addDirsRecursive(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != dir && skipDir(d.Name()) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}

func skipDir(name string) bool {
	return excludedDirs[name] || (isHidden(name) && name != agentConfigDir)
}

func isHidden(name string) bool {
	return len(name) > 0 && name[0] == '.'
}
