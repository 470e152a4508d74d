package hostdisk

import (
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/kestrel-os/kestrel/internal/runtime/kernel"
)

// MediaEventKind classifies a removable-media change detected in the
// watched directory.
type MediaEventKind uint8

const (
	MediaInserted MediaEventKind = iota
	MediaRemoved
)

// MediaEvent reports a media change for the image file at Path.
type MediaEvent struct {
	Path string
	Kind MediaEventKind
}

// MediaWatcher watches a directory of disk-image files and reports
// create/remove events as media insert/eject, the host-side stand-in for
// an ATAPI drive's door-open interrupt. It is a thin adaptation of the
// same fsnotify event-loop shape used elsewhere in the example pack for
// generic filesystem watching, narrowed here to just the two event kinds
// a removable drive cares about.
type MediaWatcher struct {
	w    *fsnotify.Watcher
	evCh chan MediaEvent
	erCh chan error
}

// NewMediaWatcher watches dir for image-file create/remove events.
func NewMediaWatcher(dir string) (*MediaWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, err
	}

	mw := &MediaWatcher{w: w, evCh: make(chan MediaEvent, 16), erCh: make(chan error, 1)}
	go mw.loop()
	return mw, nil
}

func (mw *MediaWatcher) loop() {
	defer close(mw.evCh)
	defer close(mw.erCh)
	for {
		select {
		case ev, ok := <-mw.w.Events:
			if !ok {
				return
			}
			switch {
			case ev.Op&fsnotify.Create != 0:
				mw.evCh <- MediaEvent{Path: ev.Name, Kind: MediaInserted}
			case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				mw.evCh <- MediaEvent{Path: ev.Name, Kind: MediaRemoved}
			}
		case err, ok := <-mw.w.Errors:
			if !ok {
				return
			}
			mw.erCh <- err
		}
	}
}

// Events returns the channel of media insert/eject notifications.
func (mw *MediaWatcher) Events() <-chan MediaEvent { return mw.evCh }

// Errors returns the channel of underlying watch errors.
func (mw *MediaWatcher) Errors() <-chan error { return mw.erCh }

// Close stops watching and releases the underlying OS watch handle.
func (mw *MediaWatcher) Close() error {
	return mw.w.Close()
}

// WireATAPIMedia starts a goroutine that applies mw's events to disk: a
// MediaInserted event loads media sized to the new image file's length
// (rounded down to whole sectors), and a MediaRemoved event ejects it --
// the concrete translation spec.md 4.5's test_unit_ready/eject/load
// describes from an ATAPI drive's own door-open interrupt. The goroutine
// exits once mw is closed and its event channel drains.
func WireATAPIMedia(mw *MediaWatcher, disk *kernel.ATAPIDisk) {
	go func() {
		for ev := range mw.Events() {
			switch ev.Kind {
			case MediaInserted:
				fi, err := os.Stat(ev.Path)
				if err != nil {
					continue
				}
				disk.LoadMedia(uint64(fi.Size()) / kernel.SectorSize)
			case MediaRemoved:
				if err := disk.Eject(); err != nil {
					kernel.Log.Warn("hostdisk: media removal ignored", "path", ev.Path, "err", err)
				}
			}
		}
	}()
}
