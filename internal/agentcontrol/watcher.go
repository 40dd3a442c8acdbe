package agentcontrol

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/newrelic/newrelic-agent-control/pkg/event"
)

// AppEventKind discriminates application events.
type AppEventKind int

const (
	// AppStopRequested asks the event loop to shut down.
	AppStopRequested AppEventKind = iota
	// AppLocalConfigChanged reports an edit of the local config file.
	AppLocalConfigChanged
)

// AppEvent is one application-level occurrence.
type AppEvent struct {
	Kind AppEventKind
}

// configWatcher publishes AppLocalConfigChanged when the local config file
// is written. Editors replace files, so the parent directory is watched and
// events are filtered by name.
type configWatcher struct {
	watcher *fsnotify.Watcher
	path    string
	events  *event.Publisher[AppEvent]
	log     *logrus.Entry
	done    chan struct{}
}

func newConfigWatcher(path string, events *event.Publisher[AppEvent], log *logrus.Entry) (*configWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &configWatcher{watcher: watcher, path: path, events: events, log: log, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *configWatcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.log.WithField("file", ev.Name).Debug("Local config changed")
			if err := w.events.Publish(AppEvent{Kind: AppLocalConfigChanged}); err != nil {
				return
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Warn("Config watcher error")
		}
	}
}

func (w *configWatcher) stop() {
	_ = w.watcher.Close()
	<-w.done
}
