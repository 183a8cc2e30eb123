// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package options

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Watch reloads the options file at path whenever it changes, and calls fn with the new options, or with
// the error if it failed to load.
//
// It watches the directory of the file, so editors that replace the file (write to a temporary and rename)
// are handled. It blocks until ctx is done, and returns nil then.
//
// fn is called from the goroutine running Watch: applying the new options (e.g. with Registry.Reconcile)
// is up to the caller, and should be synchronized with the training loop.
func Watch(ctx context.Context, path string, fn func(opts *Options, err error)) error {
	return watch(ctx, path, nil, fn)
}

// watch implements Watch. If ready is not nil, it's closed once the watcher is installed.
func watch(ctx context.Context, path string, ready chan<- struct{}, fn func(opts *Options, err error)) error {
	if _, err := FormatFor(path); err != nil {
		return err
	}
	path, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "options.Watch(%q)", path)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create options file watcher")
	}
	defer func() { _ = watcher.Close() }()
	if err = watcher.Add(filepath.Dir(path)); err != nil {
		return errors.Wrapf(err, "failed to watch directory of %q", path)
	}
	if ready != nil {
		close(ready)
	}
	klog.V(1).Infof("watching options file %q", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			opts, err := Load(path)
			if err == nil {
				err = opts.Validate()
			}
			if err != nil {
				klog.Warningf("failed to reload options from %q: %+v", path, err)
				fn(nil, err)
				continue
			}
			klog.V(1).Infof("reloaded options from %q", path)
			fn(opts, nil)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Warningf("options file watcher: %v", err)
		}
	}
}
