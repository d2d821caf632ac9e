package watch

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of filesystem change that was observed.
type Op uint8

// Observed operations.
const (
	OpWrite Op = iota + 1
	OpCreate
	OpRemove
	OpRename
	OpChmod
)

func (o Op) String() string {
	switch o {
	case OpWrite:
		return "write"
	case OpCreate:
		return "create"
	case OpRemove:
		return "remove"
	case OpRename:
		return "rename"
	case OpChmod:
		return "chmod"
	default:
		return "unknown"
	}
}

// Notification is a raw, undebounced filesystem signal.
type Notification struct {
	Path string
	Op   Op
}

// Source delivers raw notifications for watched paths.
type Source interface {
	Events() <-chan Notification
	Errors() <-chan error
	Add(path string) error
	Remove(path string) error
	Close() error
}

// FSSource is a Source backed by fsnotify. Files are watched through their
// parent directory so that editors saving by rename are still seen.
type FSSource struct {
	w      *fsnotify.Watcher
	events chan Notification
	errors chan error
	stop   chan struct{}
	done   chan struct{}

	mu   sync.Mutex
	dirs map[string]int // watched directory -> number of Add calls
}

// NewFSSource starts an fsnotify watcher.
func NewFSSource() (*FSSource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	s := &FSSource{
		w:      w,
		events: make(chan Notification, 64),
		errors: make(chan error, 8),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		dirs:   make(map[string]int),
	}
	go s.loop()
	return s, nil
}

// Events returns the notification channel. It is closed by Close.
func (s *FSSource) Events() <-chan Notification { return s.events }

// Errors returns watcher errors.
func (s *FSSource) Errors() <-chan error { return s.errors }

// Add watches path, a file or a directory.
func (s *FSSource) Add(path string) error {
	dir, err := watchDir(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dirs[dir] == 0 {
		if err := s.w.Add(dir); err != nil {
			return fmt.Errorf("watching %s: %w", dir, err)
		}
	}
	s.dirs[dir]++
	return nil
}

// Remove undoes one Add for path.
func (s *FSSource) Remove(path string) error {
	dir, err := watchDir(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.dirs[dir] {
	case 0:
		return nil
	case 1:
		delete(s.dirs, dir)
		return s.w.Remove(dir)
	default:
		s.dirs[dir]--
		return nil
	}
}

// Close stops the watcher.
func (s *FSSource) Close() error {
	close(s.stop)
	err := s.w.Close()
	<-s.done
	return err
}

func (s *FSSource) loop() {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			if op := translateOp(ev.Op); op != 0 {
				select {
				case s.events <- Notification{Path: filepath.Clean(ev.Name), Op: op}:
				case <-s.stop:
					return
				}
			}
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default: // slow consumer; errors are advisory
			}
		}
	}
}

func translateOp(op fsnotify.Op) Op {
	switch {
	case op.Has(fsnotify.Create):
		return OpCreate
	case op.Has(fsnotify.Write):
		return OpWrite
	case op.Has(fsnotify.Rename):
		return OpRename
	case op.Has(fsnotify.Remove):
		return OpRemove
	case op.Has(fsnotify.Chmod):
		return OpChmod
	}
	return 0
}

func watchDir(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err == nil && info.IsDir() {
		return abs, nil
	}
	return filepath.Dir(abs), nil
}

// ChanSource is a Source fed by hand. It is used by tests and by callers that
// already receive change signals from elsewhere (an editor plugin, say).
type ChanSource struct {
	events chan Notification
	errors chan error

	mu    sync.Mutex
	paths map[string]bool
}

// NewChanSource creates a ChanSource with the given buffer size.
func NewChanSource(buffer int) *ChanSource {
	return &ChanSource{
		events: make(chan Notification, buffer),
		errors: make(chan error, buffer),
		paths:  make(map[string]bool),
	}
}

// Notify injects a notification.
func (s *ChanSource) Notify(path string, op Op) {
	s.events <- Notification{Path: path, Op: op}
}

// Fail injects a watcher error.
func (s *ChanSource) Fail(err error) { s.errors <- err }

func (s *ChanSource) Events() <-chan Notification { return s.events }
func (s *ChanSource) Errors() <-chan error        { return s.errors }

func (s *ChanSource) Add(path string) error {
	s.mu.Lock()
	s.paths[path] = true
	s.mu.Unlock()
	return nil
}

func (s *ChanSource) Remove(path string) error {
	s.mu.Lock()
	delete(s.paths, path)
	s.mu.Unlock()
	return nil
}

// Watching reports whether path was added.
func (s *ChanSource) Watching(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[path]
}

func (s *ChanSource) Close() error {
	close(s.events)
	return nil
}
