package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// settleDelay coalesces the burst of events editors produce on save.
const settleDelay = 150 * time.Millisecond

// Watcher reloads a config file when it changes on disk and hands the
// previous and new config to onChange. Invalid edits are logged and skipped;
// the last good config stays current.
type Watcher struct {
	path     string
	envFile  string
	onChange func(prev, next Config)
	fsw      *fsnotify.Watcher
	closed   chan struct{}
	wg       sync.WaitGroup

	mu      sync.Mutex
	current Config
	timer   *time.Timer
}

// Watch starts watching path. The directory is watched rather than the file
// so that editors which replace the file on save are still seen.
func Watch(path, envFile string, current Config, onChange func(prev, next Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}
	w := &Watcher{
		path:     filepath.Clean(path),
		envFile:  envFile,
		onChange: onChange,
		fsw:      fsw,
		closed:   make(chan struct{}),
		current:  current,
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.closed:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) != 0 {
				w.schedule()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warnw("config watcher error", "err", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(settleDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.closed:
		return
	default:
	}
	next, err := LoadPartial(w.path)
	if err == nil {
		err = ApplyEnv(&next, w.envFile)
	}
	if err != nil {
		log.Warnw("ignoring config change", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.current
	w.current = next
	w.mu.Unlock()

	log.Infow("config reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(prev, next)
	}
}

// Current returns the last config that loaded cleanly.
func (w *Watcher) Current() Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	close(w.closed)
	err := w.fsw.Close()
	w.wg.Wait()
	return err
}
