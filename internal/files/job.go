package files

import (
	"sync/atomic"

	"github.com/google/uuid"

	"lanshare/internal/instance"
	"lanshare/internal/transfer"
)

// Direction of a job seen from the local instance.
type Direction int

const (
	Seeding Direction = iota
	Leeching
)

func (d Direction) String() string {
	if d == Seeding {
		return "upload"
	}
	return "download"
}

// Job is a running transfer of one file to or from one remote instance.
type Job struct {
	ID uuid.UUID

	file     *OfferedFile
	remote   *instance.Instance
	dir      Direction
	trans    transfer.Transceiver
	progress atomic.Int32
}

// NewJob creates a job and attaches it to f. It returns the job and its index
// in the file's job list.
func NewJob(f *OfferedFile, remote *instance.Instance, dir Direction, trans transfer.Transceiver) (*Job, int) {
	j := &Job{
		ID:     uuid.New(),
		file:   f,
		remote: remote,
		dir:    dir,
		trans:  trans,
	}
	trans.SetProgressFunc(func(p int) { j.progress.Store(int32(p)) })
	return j, f.addJob(j)
}

func (j *Job) File() *OfferedFile { return j.file }
func (j *Job) Remote() *instance.Instance { return j.remote }
func (j *Job) Direction() Direction { return j.dir }
func (j *Job) Transceiver() transfer.Transceiver { return j.trans }

// Progress is the last reported completion percentage.
func (j *Job) Progress() int { return int(j.progress.Load()) }

func (j *Job) Abort() { j.trans.Abort() }
