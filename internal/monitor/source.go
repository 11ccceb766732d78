package monitor

import (
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/eliteGoblin/clamsentry/internal/domain"
)

// EventSource delivers change notifications for one monitored root.
// Both channels are closed after Close returns.
type EventSource interface {
	Events() <-chan domain.FileChangeEvent
	Errors() <-chan error
	Close() error
}

// SourceFactory opens an EventSource for a root directory.
type SourceFactory func(root string) (EventSource, error)

// FSNotifySource watches a directory tree with fsnotify.
// fsnotify is not recursive, so every subdirectory is added, including ones created later.
type FSNotifySource struct {
	watcher *fsnotify.Watcher
	events  chan domain.FileChangeEvent
	errors  chan error
	done    chan struct{}
	logger  *zap.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup

	// owned by run
	renamedFrom string
	renamedAt   time.Time
}

// A rename arrives as Rename(old) immediately followed by Create(new) when both names are watched.
const renamePairWindow = 100 * time.Millisecond

// NewFSNotifySourceFactory returns a SourceFactory with the given channel buffer size.
func NewFSNotifySourceFactory(buffer int, logger *zap.Logger) SourceFactory {
	return func(root string) (EventSource, error) {
		return NewFSNotifySource(root, buffer, logger)
	}
}

// NewFSNotifySource starts watching root and its subdirectories.
func NewFSNotifySource(root string, buffer int, logger *zap.Logger) (*FSNotifySource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	s := &FSNotifySource{
		watcher: w,
		events:  make(chan domain.FileChangeEvent, buffer),
		errors:  make(chan error, 16),
		done:    make(chan struct{}),
		logger:  logger,
	}
	if err := s.addTree(root); err != nil {
		_ = w.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.run()
	return s, nil
}

func (s *FSNotifySource) Events() <-chan domain.FileChangeEvent { return s.events }

func (s *FSNotifySource) Errors() <-chan error { return s.errors }

// Close stops the watcher. It is safe to call more than once.
func (s *FSNotifySource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.watcher.Close()
		s.wg.Wait()
		close(s.events)
		close(s.errors)
	})
	return err
}

func (s *FSNotifySource) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Debug("skipping unreadable directory", zap.String("path", path), zap.Error(err))
			return filepath.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if err := s.watcher.Add(path); err != nil {
			if path == root {
				return err
			}
			s.logger.Debug("failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

func (s *FSNotifySource) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			s.translate(ev)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			case <-s.done:
				return
			}
		}
	}
}

func (s *FSNotifySource) translate(ev fsnotify.Event) {
	out := domain.FileChangeEvent{Path: ev.Name}
	switch {
	case ev.Has(fsnotify.Create):
		out.Kind = domain.ChangeCreate
		if s.renamedFrom != "" && time.Since(s.renamedAt) < renamePairWindow {
			out.Kind = domain.ChangeRenameTo
			out.OldPath = s.renamedFrom
		}
		s.renamedFrom = ""
		if isDirectory(ev.Name) {
			if err := s.addTree(ev.Name); err != nil {
				s.logger.Debug("failed to watch new directory", zap.String("path", ev.Name), zap.Error(err))
			}
		}
	case ev.Has(fsnotify.Write):
		out.Kind = domain.ChangeWrite
	case ev.Has(fsnotify.Remove):
		out.Kind = domain.ChangeRemove
	case ev.Has(fsnotify.Rename):
		out.Kind = domain.ChangeRenameFrom
		s.renamedFrom = ev.Name
		s.renamedAt = time.Now()
	default:
		return
	}
	select {
	case s.events <- out:
	case <-s.done:
	}
}
