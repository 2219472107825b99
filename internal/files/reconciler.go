package files

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"lanshare/internal/instance"
)

// Manifest is everything one instance currently offers.
type Manifest struct {
	Origin int32
	Files  []Descriptor
}

// Reconciler keeps the globally visible file set in line with what every
// known instance advertises.
type Reconciler struct {
	local  *instance.Instance
	logger *slog.Logger

	mu     sync.Mutex
	files  []*OfferedFile
	recent map[int32][]Descriptor
}

func NewReconciler(local *instance.Instance, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		local:  local,
		logger: logger.With("component", "reconciler"),
		recent: make(map[int32][]Descriptor),
	}
}

// Files returns the visible set in insertion order.
func (r *Reconciler) Files() []*OfferedFile {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.files)
}

// AddLocal adds a file offered by the local instance. Adding a file equal to
// an existing local one does nothing and reports false.
func (r *Reconciler) AddLocal(f *OfferedFile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.files {
		if existing.IsLocal() && existing.Equal(f.Descriptor) {
			return false
		}
	}
	r.files = append(r.files, f)
	return true
}

// Remove drops f from the visible set.
func (r *Reconciler) Remove(f *OfferedFile) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(f)
}

func (r *Reconciler) removeLocked(f *OfferedFile) bool {
	i := slices.Index(r.files, f)
	if i < 0 {
		return false
	}
	r.files = slices.Delete(r.files, i, i+1)
	return true
}

// MergeIncoming reconciles the visible set with sender's manifest. Files the
// sender no longer offers go away unless they are being transferred or were
// already downloaded; files it still offers are left alone; new ones are
// appended.
func (r *Reconciler) MergeIncoming(m Manifest, sender *instance.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.recent[sender.ID()] = slices.Clone(m.Files)

	kept := r.files[:0:0]
	for _, f := range r.files {
		if f.Owner().Equal(sender) && !containsDescriptor(m.Files, f.Descriptor) && !f.preserved() {
			r.logger.Debug("file withdrawn", "file", f.Name, "owner", sender.ID())
			continue
		}
		kept = append(kept, f)
	}
	r.files = kept

	for _, d := range m.Files {
		if r.indexLocked(d) >= 0 {
			continue
		}
		r.files = append(r.files, NewRemote(d, sender))
	}
}

// BuildOutgoingManifest collects every local file.
func (r *Reconciler) BuildOutgoingManifest() Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := Manifest{Origin: r.local.ID(), Files: []Descriptor{}}
	for _, f := range r.files {
		if f.IsLocal() {
			m.Files = append(m.Files, f.Descriptor)
		}
	}
	return m
}

// EvictInstance forgets inst's manifest and drops its files, except the ones
// being transferred or already downloaded.
func (r *Reconciler) EvictInstance(inst *instance.Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.recent, inst.ID())
	kept := r.files[:0:0]
	for _, f := range r.files {
		if f.Owner().Equal(inst) && !f.preserved() {
			continue
		}
		kept = append(kept, f)
	}
	r.files = kept
}

// ResetDownloaded makes a downloaded remote file downloadable again, or drops
// it when its owner no longer offers it. f must be remote, available and
// unlocked.
func (r *Reconciler) ResetDownloaded(f *OfferedFile) {
	f.mu.Lock()
	if f.IsLocal() || !f.available || f.locked {
		f.mu.Unlock()
		panic(fmt.Sprintf("files: reset of %q which is not a downloaded remote file", f.Name))
	}
	f.available = false
	f.downloaded = nil
	f.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !containsDescriptor(r.recent[f.Owner().ID()], f.Descriptor) {
		r.removeLocked(f)
	}
}

// LocalRepresentation finds the local file equal to d. Only local files can
// be served.
func (r *Reconciler) LocalRepresentation(d Descriptor) (*OfferedFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.IsLocal() && f.Equal(d) {
			return f, true
		}
	}
	return nil, false
}

// Lookup finds a visible file equal to d, local or remote.
func (r *Reconciler) Lookup(d Descriptor) (*OfferedFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexLocked(d); i >= 0 {
		return r.files[i], true
	}
	return nil, false
}

// TransferRunning reports whether any visible file has a job.
func (r *Reconciler) TransferRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.HasJobs() {
			return true
		}
	}
	return false
}

func (r *Reconciler) indexLocked(d Descriptor) int {
	return slices.IndexFunc(r.files, func(f *OfferedFile) bool { return f.Equal(d) })
}

func containsDescriptor(ds []Descriptor, d Descriptor) bool {
	return slices.ContainsFunc(ds, d.Equal)
}
