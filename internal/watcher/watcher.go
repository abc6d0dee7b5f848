// Package watcher reports changes to a small set of files. Events come from
// fsnotify on the parent directories and are debounced per file; a content
// fingerprint drops writes that leave the file unchanged.
package watcher

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/unkn0wn-root/sockterm/internal/errdef"
)

type EventKind int

const (
	EventChanged EventKind = iota
	EventMissing
)

func (k EventKind) String() string {
	if k == EventMissing {
		return "missing"
	}
	return "changed"
}

type Fingerprint struct {
	Mod  time.Time
	Size int64
	Hash string
}

type Event struct {
	Path string
	Kind EventKind
	Prev Fingerprint
	Curr Fingerprint
}

type Options struct {
	// Debounce folds bursts of writes (editors often truncate then write).
	Debounce time.Duration
	Buffer   int
}

type entry struct {
	path    string
	fp      Fingerprint
	missing bool
	timer   *time.Timer
}

type Watcher struct {
	mu       sync.Mutex
	fs       *fsnotify.Watcher
	entries  map[string]*entry
	dirs     map[string]int
	out      chan Event
	errs     chan error
	debounce time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

const (
	defaultDebounce = 100 * time.Millisecond
	defaultBuffer   = 16
	hashPrefix      = "sha256:"
)

func New(opts Options) (*Watcher, error) {
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	buf := opts.Buffer
	if buf <= 0 {
		buf = defaultBuffer
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errdef.Wrap(errdef.CodeFilesystem, err, "create file watcher")
	}
	w := &Watcher{
		fs:       fw,
		entries:  make(map[string]*entry),
		dirs:     make(map[string]int),
		out:      make(chan Event, buf),
		errs:     make(chan error, 1),
		debounce: debounce,
		stop:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) Events() <-chan Event {
	return w.out
}

// Errors carries watcher failures; only the latest unread one is kept.
func (w *Watcher) Errors() <-chan error {
	return w.errs
}

// Track starts reporting changes to path. The current content becomes the
// baseline so only later modifications produce events.
func (w *Watcher) Track(path string) error {
	clean, ok := cleanPath(path)
	if !ok {
		return errdef.New(errdef.CodeFilesystem, "watch: empty path")
	}
	abs, err := filepath.Abs(clean)
	if err == nil {
		clean = abs
	}
	fp, missing := readFingerprint(clean)
	dir := filepath.Dir(clean)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errdef.New(errdef.CodeFilesystem, "watch: watcher closed")
	}
	if _, ok := w.entries[clean]; ok {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.fs.Add(dir); err != nil {
			return errdef.Wrap(errdef.CodeFilesystem, err, "watch %q", dir)
		}
	}
	w.dirs[dir]++
	w.entries[clean] = &entry{path: clean, fp: fp, missing: missing}
	return nil
}

func (w *Watcher) Forget(path string) {
	clean, ok := cleanPath(path)
	if !ok {
		return
	}
	if abs, err := filepath.Abs(clean); err == nil {
		clean = abs
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[clean]
	if !ok {
		return
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(w.entries, clean)
	dir := filepath.Dir(clean)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		_ = w.fs.Remove(dir)
	}
}

func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	for _, e := range w.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	close(w.stop)
	w.mu.Unlock()

	_ = w.fs.Close()
	w.wg.Wait()

	w.mu.Lock()
	close(w.out)
	w.mu.Unlock()
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.schedule(filepath.Clean(ev.Name))
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			select {
			case w.errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) schedule(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[path]
	if !ok || w.closed {
		return
	}
	if e.timer != nil {
		e.timer.Reset(w.debounce)
		return
	}
	e.timer = time.AfterFunc(w.debounce, func() { w.check(path) })
}

func (w *Watcher) check(path string) {
	fp, missing := readFingerprint(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entries[path]
	if !ok || w.closed {
		return
	}
	e.timer = nil

	var evt Event
	switch {
	case missing && e.missing:
		return
	case missing:
		evt = Event{Path: path, Kind: EventMissing, Prev: e.fp}
	case !e.missing && fp.Hash == e.fp.Hash:
		e.fp = fp
		return
	default:
		evt = Event{Path: path, Kind: EventChanged, Prev: e.fp, Curr: fp}
		e.fp = fp
	}
	e.missing = missing

	select {
	case w.out <- evt:
	default:
	}
}

func readFingerprint(path string) (Fingerprint, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint{}, true
	}
	data, err := os.ReadFile(path)
	if err != nil {
		// treat read failure as missing to avoid silence
		return Fingerprint{}, true
	}
	return Fingerprint{
		Mod:  info.ModTime(),
		Size: int64(len(data)),
		Hash: hashBytes(data),
	}, false
}

func cleanPath(path string) (string, bool) {
	if path == "" {
		return "", false
	}
	clean := filepath.Clean(path)
	if clean == "" || clean == "." {
		return "", false
	}
	return clean, true
}

func hashBytes(data []byte) string {
	if len(data) == 0 {
		return hashPrefix + "0"
	}
	sum := sha256.Sum256(data)
	return hashPrefix + hex.EncodeToString(sum[:])
}
