// Package watch reruns the patch pipeline whenever the manifest or a patch file changes.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for a burst of events to settle.
const DefaultDebounce = 300 * time.Millisecond

// Options configures Watch.
type Options struct {
	// Inputs lists the files to watch. It is called again before every run so added patch
	// files are picked up.
	Inputs func() ([]string, error)
	// Run is invoked once at start and after every settled change. Its errors are logged
	// and watching continues.
	Run      func(ctx context.Context) error
	Debounce time.Duration
	Logger   zerolog.Logger
}

type watcher struct {
	opts   Options
	fs     *fsnotify.Watcher
	inputs map[string]bool
	dirs   map[string]bool
}

// Watch runs opts.Run, then reruns it on every change to the inputs until ctx is done.
func Watch(ctx context.Context, opts Options) error {
	if opts.Inputs == nil || opts.Run == nil {
		return errors.New("watch: Inputs and Run are required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fsw.Close()

	w := &watcher{opts: opts, fs: fsw, inputs: map[string]bool{}, dirs: map[string]bool{}}
	w.run(ctx)

	timer := time.NewTimer(opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			opts.Logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("input changed")
			timer.Reset(opts.Debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Error().Err(err).Msg("watcher error")
		case <-timer.C:
			w.run(ctx)
		}
	}
}

func (w *watcher) run(ctx context.Context) {
	if err := w.refresh(); err != nil {
		w.opts.Logger.Error().Err(err).Msg("cannot update watched inputs")
	}
	if err := w.opts.Run(ctx); err != nil && ctx.Err() == nil {
		w.opts.Logger.Error().Err(err).Msg("patch run failed")
	}
}

// refresh watches the directories holding the inputs. Editors often replace files through a
// rename, so directories are watched rather than the files themselves.
func (w *watcher) refresh() error {
	inputs, err := w.opts.Inputs()
	if err != nil {
		return err
	}
	w.inputs = make(map[string]bool, len(inputs))
	dirs := map[string]bool{}
	for _, in := range inputs {
		abs, err := filepath.Abs(in)
		if err != nil {
			return err
		}
		w.inputs[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range w.dirs {
		if !dirs[dir] {
			_ = w.fs.Remove(dir)
		}
	}
	var errs []error
	for dir := range dirs {
		if w.dirs[dir] {
			continue
		}
		if err := w.fs.Add(dir); err != nil {
			errs = append(errs, fmt.Errorf("watch %s: %w", dir, err))
			delete(dirs, dir)
		}
	}
	w.dirs = dirs
	return errors.Join(errs...)
}

func (w *watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return w.inputs[abs]
}
