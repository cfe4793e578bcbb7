// Package watcher turns external writes to the sqlite store file into
// full-refresh bus events. It is the single-process stand-in for the
// bridge: a second process writing the same file has no connection to
// publish on, so the file itself is the signal.
package watcher

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/relay/internal/bus"
	"github.com/zjrosen/relay/internal/log"
)

// DefaultDebounce is how long after the last file event the watcher
// waits before publishing. Sqlite commits touch the file several times
// in quick succession; one refresh per burst is enough.
const DefaultDebounce = 1 * time.Second

const probeTimeout = 2 * time.Second

// refreshEvents carry no ids, so every channel binding rebuilds the
// windows it serves instead of chasing deltas the watcher cannot know.
var refreshEvents = []bus.Event{
	{Type: bus.AgentEventsChanged},
	{Type: bus.AgentsChanged},
	{Type: bus.ProjectsChanged},
}

// Config holds the watch target and debounce window.
type Config struct {
	// Path is the sqlite database file. The watcher monitors its
	// directory and reacts to the file and its -wal sibling.
	Path string

	// Debounce collapses bursts of file events into one refresh.
	// Zero means DefaultDebounce.
	Debounce time.Duration
}

// DefaultConfig returns the standard watcher settings for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, Debounce: DefaultDebounce}
}

// Watcher monitors the store file and publishes refresh events when its
// contents change. One Watcher runs per serve process in sqlite mode.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	baseName  string
	debounce  time.Duration
	pub       bus.Publisher

	// probeConn is a dedicated connection for the data_version probe.
	// The pragma is per-connection, so pooled queries would compare
	// counters from different connections.
	db          *sql.DB
	probeConn   *sql.Conn
	lastVersion int64

	done chan struct{}
}

// New creates a watcher that publishes on pub when the file at cfg.Path
// changes. db is the open handle to the same file and powers the
// freshness probe; pass nil to treat every file event as a change.
func New(cfg Config, pub bus.Publisher, db *sql.DB) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Watcher{
		fsWatcher: fsw,
		path:      cfg.Path,
		baseName:  filepath.Base(cfg.Path),
		debounce:  cfg.Debounce,
		pub:       pub,
		db:        db,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the store file's directory. Sqlite replaces and
// truncates its files, so the directory is the stable watch target.
func (w *Watcher) Start() error {
	if w.db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()

		conn, err := w.db.Conn(ctx)
		if err != nil {
			return fmt.Errorf("acquiring probe connection: %w", err)
		}
		if err := conn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&w.lastVersion); err != nil {
			_ = conn.Close()
			return fmt.Errorf("seeding freshness probe: %w", err)
		}
		w.probeConn = conn
	}

	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("watching directory %s: %w", dir, err)
	}

	log.Info(log.CatWatcher, "watching store file", "path", w.path, "debounce", w.debounce)
	go w.loop()
	return nil
}

// Stop terminates the watcher and releases its probe connection.
func (w *Watcher) Stop() error {
	close(w.done)
	if w.probeConn != nil {
		_ = w.probeConn.Close()
	}
	return w.fsWatcher.Close()
}

func (w *Watcher) loop() {
	var (
		timer   *time.Timer
		pending bool
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isRelevantEvent(event) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			pending = true

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			if pending {
				w.publishRefresh()
				pending = false
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "file watch error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// publishRefresh pushes the id-less refresh events through the bus,
// unless the probe says the file activity carried no new data.
func (w *Watcher) publishRefresh() {
	select {
	case <-w.done:
		// Stop may have closed the probe connection already.
		return
	default:
	}

	if !w.dataChanged() {
		log.Debug(log.CatWatcher, "file touched without a commit, skipping refresh", "path", w.path)
		return
	}

	log.Debug(log.CatWatcher, "store file changed, publishing refresh", "path", w.path)
	for _, e := range refreshEvents {
		w.pub.Publish(e)
	}
}

// dataChanged reports whether a transaction has committed since the
// last probe. Sqlite's data_version advances only when some other
// connection commits; checkpoints truncating the WAL wake fsnotify
// without advancing it. A failing probe counts as changed, because a
// missed external write is the one thing the watcher must not allow.
func (w *Watcher) dataChanged() bool {
	if w.probeConn == nil {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	var version int64
	if err := w.probeConn.QueryRowContext(ctx, "PRAGMA data_version").Scan(&version); err != nil {
		log.Warn(log.CatWatcher, "freshness probe failed, refreshing anyway", "error", err)
		return true
	}
	if version == w.lastVersion {
		return false
	}
	w.lastVersion = version
	return true
}

// isRelevantEvent filters the directory stream down to writes on the
// store file and its WAL sibling. The WAL is where committed data lands
// first; the main file may not change until a checkpoint.
func (w *Watcher) isRelevantEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return false
	}

	base := filepath.Base(event.Name)
	return base == w.baseName || base == w.baseName+"-wal"
}
