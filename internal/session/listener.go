package session

import (
	"lanshare/internal/files"
	"lanshare/internal/instance"
)

// Listener is the presentation side of a session. Calls may arrive on any
// goroutine.
type Listener interface {
	RefreshGUI()
	JobAdded(f *files.OfferedFile, index int)
	JobRemoved(f *files.OfferedFile, index int)
	DownloadComplete(f *files.OfferedFile, folder string)
	DownloadFailed(f *files.OfferedFile, err error)
	UploadFailedFileMissing(f *files.OfferedFile)
	DownloadFailedFileMissing(f *files.OfferedFile)
	InstanceRemoved(inst *instance.Instance)
}

// NopListener ignores every event.
type NopListener struct{}

func (NopListener) RefreshGUI() {}
func (NopListener) JobAdded(*files.OfferedFile, int) {}
func (NopListener) JobRemoved(*files.OfferedFile, int) {}
func (NopListener) DownloadComplete(*files.OfferedFile, string) {}
func (NopListener) DownloadFailed(*files.OfferedFile, error) {}
func (NopListener) UploadFailedFileMissing(*files.OfferedFile) {}
func (NopListener) DownloadFailedFileMissing(*files.OfferedFile) {}
func (NopListener) InstanceRemoved(*instance.Instance) {}
