package files

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"lanshare/internal/instance"
	"lanshare/internal/transfer"
)

// Kind says what an offered file consists of.
type Kind int32

const (
	KindFile Kind = iota
	KindFolder
	KindMulti
)

// Descriptor is the metadata of an offered file as it travels on the wire.
type Descriptor struct {
	Name string `bson:"name"`
	Size int64  `bson:"size"`
	Kind Kind   `bson:"kind"`
	// Content lists every entry relative to the parent of the selected
	// paths; directories end in '/'.
	Content      []string `bson:"content"`
	TransVersion int32    `bson:"transVersion"`
}

// Equal compares name, size and content listing. Owner and version do not
// take part.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Name == o.Name && d.Size == o.Size && slices.Equal(d.Content, o.Content)
}

// OfferedFile is a file visible in the global set, owned by the local
// instance or a remote one.
type OfferedFile struct {
	Descriptor

	owner *instance.Instance
	paths []string

	mu         sync.Mutex
	available  bool
	locked     bool
	jobs       []*Job
	downloaded []string
}

// NewRemote wraps a descriptor received from owner.
func NewRemote(d Descriptor, owner *instance.Instance) *OfferedFile {
	if d.TransVersion > transfer.Version {
		d.TransVersion = transfer.Version
	}
	return &OfferedFile{Descriptor: d, owner: owner}
}

// NewLocal builds an offer from filesystem paths. More than one path makes a
// multi-selection named after the first path.
func NewLocal(paths []string, owner *instance.Instance) (*OfferedFile, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no paths to offer")
	}
	d := Descriptor{TransVersion: transfer.Version}
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(a)
		if err != nil {
			return nil, fmt.Errorf("offer %s: %w", p, err)
		}
		if len(paths) == 1 {
			d.Kind = KindFile
			if info.IsDir() {
				d.Kind = KindFolder
			}
		}
		size, content, err := scan(a)
		if err != nil {
			return nil, fmt.Errorf("offer %s: %w", p, err)
		}
		d.Size += size
		d.Content = append(d.Content, content...)
		abs = append(abs, a)
	}
	d.Name = filepath.Base(abs[0])
	if len(abs) > 1 {
		d.Kind = KindMulti
		d.Name = fmt.Sprintf("%s + %d", d.Name, len(abs)-1)
	}
	return &OfferedFile{Descriptor: d, owner: owner, paths: abs}, nil
}

func scan(root string) (int64, []string, error) {
	var size int64
	var content []string
	parent := filepath.Dir(root)
	err := filepath.WalkDir(root, func(p string, e fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(parent, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if e.IsDir() {
			content = append(content, rel+"/")
			return nil
		}
		info, err := e.Info()
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			size += info.Size()
			content = append(content, rel)
		}
		return nil
	})
	return size, content, err
}

func (f *OfferedFile) Owner() *instance.Instance { return f.owner }

func (f *OfferedFile) IsLocal() bool { return f.owner != nil && f.owner.IsLocal() }

// Paths returns the real filesystem paths; empty for remote files.
func (f *OfferedFile) Paths() []string { return slices.Clone(f.paths) }

func (f *OfferedFile) Available() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.available
}

func (f *OfferedFile) Locked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked
}

// TryLock marks a remote, not yet downloaded file as being downloaded. It
// fails if the file is local, available or already locked.
func (f *OfferedFile) TryLock() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.IsLocal() || f.available || f.locked {
		return false
	}
	f.locked = true
	return true
}

func (f *OfferedFile) Unlock() {
	f.mu.Lock()
	f.locked = false
	f.mu.Unlock()
}

// MarkDownloaded unlocks the file and marks it available, remembering where
// its top level entries were written.
func (f *OfferedFile) MarkDownloaded(written []string) {
	f.mu.Lock()
	f.locked = false
	f.available = true
	f.downloaded = slices.Clone(written)
	f.mu.Unlock()
}

// DownloadedPaths returns where a downloaded remote file was written.
func (f *OfferedFile) DownloadedPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.downloaded)
}

func (f *OfferedFile) Jobs() []*Job {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.jobs)
}

func (f *OfferedFile) HasJobs() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs) > 0
}

func (f *OfferedFile) addJob(j *Job) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, j)
	return len(f.jobs) - 1
}

// RemoveJob detaches j and returns the index it had, or -1.
func (f *OfferedFile) RemoveJob(j *Job) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := slices.Index(f.jobs, j)
	if i >= 0 {
		f.jobs = slices.Delete(f.jobs, i, i+1)
	}
	return i
}

// preserved reports whether the file must survive its owner dropping it.
func (f *OfferedFile) preserved() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs) > 0 || f.available
}

func (f *OfferedFile) String() string { return f.Name }
