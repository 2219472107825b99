package main

import (
	"errors"
	"log/slog"
	"sync"

	"lanshare/internal/files"
	"lanshare/internal/instance"
)

var errFileMissing = errors.New("the file is no longer available at its owner")

// events logs session callbacks and reports the outcome of watched
// downloads.
type events struct {
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[*files.OfferedFile]chan error
}

func newEvents(logger *slog.Logger) *events {
	return &events{logger: logger, waiters: make(map[*files.OfferedFile]chan error)}
}

// watch returns a channel receiving nil on success or the failure of f's
// download.
func (e *events) watch(f *files.OfferedFile) <-chan error {
	ch := make(chan error, 1)
	e.mu.Lock()
	e.waiters[f] = ch
	e.mu.Unlock()
	return ch
}

func (e *events) resolve(f *files.OfferedFile, err error) {
	e.mu.Lock()
	ch, ok := e.waiters[f]
	delete(e.waiters, f)
	e.mu.Unlock()
	if ok {
		ch <- err
	}
}

func (e *events) RefreshGUI() {}

func (e *events) JobAdded(f *files.OfferedFile, index int) {
	e.logger.Debug("job added", "file", f.Name, "index", index)
}

func (e *events) JobRemoved(f *files.OfferedFile, index int) {
	e.logger.Debug("job removed", "file", f.Name, "index", index)
}

func (e *events) DownloadComplete(f *files.OfferedFile, folder string) {
	e.logger.Info("received", "file", f.Name, "dir", folder)
	e.resolve(f, nil)
}

func (e *events) DownloadFailed(f *files.OfferedFile, err error) {
	e.logger.Warn("download failed", "file", f.Name, slog.Any("error", err))
	e.resolve(f, err)
}

func (e *events) UploadFailedFileMissing(f *files.OfferedFile) {
	e.logger.Warn("shared file vanished during upload", "file", f.Name)
}

func (e *events) DownloadFailedFileMissing(f *files.OfferedFile) {
	e.logger.Warn("remote file vanished during download", "file", f.Name)
	e.resolve(f, errFileMissing)
}

func (e *events) InstanceRemoved(inst *instance.Instance) {
	e.logger.Info("instance left", "instance", inst.String())
}
