package transfer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"

	"lanshare/internal/metrics"
)

// Seeder streams local paths to a leecher.
type Seeder struct {
	base
	paths []string
}

// NewSeeder creates a seeder sending paths over conn. total is the expected
// payload size used for progress.
func NewSeeder(conn net.Conn, paths []string, total int64, version int, logger *slog.Logger) *Seeder {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Seeder{
		base: base{
			conn:    conn,
			total:   total,
			version: min(version, Version),
			logger:  logger.With("component", "seeder"),
			onBytes: func(n int) { metrics.TransferredBytes.WithLabelValues("upload").Add(float64(n)) },
		},
		paths: paths,
	}
	return s
}

func (s *Seeder) Start() { s.launch(s.run) }

type entry struct {
	real string
	rel  string
	top  bool
}

func (s *Seeder) run() Result {
	w := bufio.NewWriterSize(s.conn, 64<<10)
	queue := make([]entry, 0, len(s.paths))
	for _, p := range s.paths {
		queue = append(queue, entry{real: p, rel: filepath.Base(p), top: true})
	}

	for i := 0; i < len(queue); i++ {
		e := queue[i]
		info, err := s.stat(e)
		if err != nil {
			return s.vanished(w, e, err)
		}
		if info.IsDir() {
			children, err := os.ReadDir(e.real)
			if err != nil {
				return s.vanished(w, e, err)
			}
			for _, c := range children {
				queue = append(queue, entry{real: filepath.Join(e.real, c.Name()), rel: path.Join(e.rel, c.Name())})
			}
			cmd := cmdDir
			if e.top {
				cmd = cmdTopDir
			}
			if err := w.WriteByte(cmd); err != nil {
				return Result{Err: err}
			}
			if err := writePath(w, e.rel); err != nil {
				return Result{Err: err}
			}
			continue
		}
		if !info.Mode().IsRegular() {
			s.logger.Debug("skipping irregular file", "path", e.real)
			continue
		}
		if res, ok := s.sendFile(w, e); !ok {
			return res
		}
	}

	if err := w.WriteByte(cmdEnd); err != nil {
		return Result{Err: err}
	}
	if err := w.Flush(); err != nil {
		return Result{Err: err}
	}
	s.logger.Info("done seeding", "bytes", s.Transferred())
	return Result{Success: true}
}

// stat follows a symlink only when it was offered directly. Links found
// inside a directory are not followed, matching how the offered size was
// counted, so a link back to an ancestor cannot loop.
func (s *Seeder) stat(e entry) (fs.FileInfo, error) {
	if e.top {
		return os.Stat(e.real)
	}
	return os.Lstat(e.real)
}

func (s *Seeder) sendFile(w *bufio.Writer, e entry) (Result, bool) {
	f, err := os.Open(e.real)
	if err != nil {
		return s.vanished(w, e, err), false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return s.vanished(w, e, err), false
	}

	cmd := cmdFile
	if e.top {
		cmd = cmdTopFile
	}
	err = w.WriteByte(cmd)
	if err == nil && s.version >= 1 {
		err = writeInt64(w, info.ModTime().UnixMilli())
	}
	if err == nil {
		err = writeInt64(w, info.Size())
	}
	if err == nil {
		err = writePath(w, e.rel)
	}
	if err != nil {
		return Result{Err: err}, false
	}
	if _, err := io.CopyN(countingWriter{w: w, b: &s.base}, f, info.Size()); err != nil {
		return Result{Err: fmt.Errorf("send %s: %w", e.rel, err)}, false
	}
	return Result{}, true
}

// vanished tells the leecher the source is gone when the path no longer
// exists; other errors just fail the transfer.
func (s *Seeder) vanished(w *bufio.Writer, e entry, err error) Result {
	if !errors.Is(err, fs.ErrNotExist) {
		return Result{Err: err}
	}
	s.logger.Warn("source vanished, aborting upload", "path", e.real)
	if werr := w.WriteByte(cmdVanished); werr == nil {
		w.Flush()
	}
	return Result{SourceVanished: true, Err: err}
}
