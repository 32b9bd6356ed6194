package replication

import (
	"io"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/inconshreveable/log15"
)

// fileWatcher tails an append-only change file, delivering the text
// accumulated since the previous flush.
type fileWatcher struct {
	path     string
	onChange func(text string)
	w        *fsnotify.Watcher
	offset   int64 // only touched by run()

	closeOnce sync.Once
	done      chan struct{}

	log.Logger
}

func watchFile(path string, onChange func(text string), logger log.Logger) (*fileWatcher, error) {
	// the engine creates the file on subscribe, but the watch needs it
	// to exist already
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, 0o644)
	if err != nil {
		return nil, err
	}
	f.Close()

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, err
	}
	fw := &fileWatcher{
		path:     path,
		onChange: onChange,
		w:        w,
		done:     make(chan struct{}),
		Logger:   logger.New("obj", "watch", "path", path),
	}
	go fw.run()
	return fw, nil
}

func (fw *fileWatcher) run() {
	for {
		select {
		case ev, ok := <-fw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				fw.flush()
			}
		case err, ok := <-fw.w.Errors:
			if !ok {
				return
			}
			fw.Warn("change file watch error", "err", err)
		case <-fw.done:
			return
		}
	}
}

func (fw *fileWatcher) flush() {
	f, err := os.Open(fw.path)
	if err != nil {
		fw.Warn("change file open failed", "err", err)
		return
	}
	defer f.Close()
	if _, err := f.Seek(fw.offset, io.SeekStart); err != nil {
		fw.Warn("change file seek failed", "err", err)
		return
	}
	b, err := io.ReadAll(f)
	if err != nil {
		fw.Warn("change file read failed", "err", err)
		return
	}
	fw.offset += int64(len(b))
	if len(b) > 0 {
		fw.onChange(string(b))
	}
}

func (fw *fileWatcher) Close() error {
	fw.closeOnce.Do(func() { close(fw.done) })
	return fw.w.Close()
}
