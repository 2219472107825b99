package transfer

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lanshare/internal/metrics"
)

// Leecher receives a stream into a target folder.
type Leecher struct {
	base
	folder string
}

// NewLeecher creates a leecher writing into folder. total is the expected
// payload size used for progress.
func NewLeecher(conn net.Conn, folder string, total int64, version int, logger *slog.Logger) *Leecher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leecher{
		base: base{
			conn:    conn,
			total:   total,
			version: min(version, Version),
			logger:  logger.With("component", "leecher"),
			onBytes: func(n int) { metrics.TransferredBytes.WithLabelValues("download").Add(float64(n)) },
		},
		folder: folder,
	}
}

func (l *Leecher) Start() { l.launch(l.run) }

func (l *Leecher) run() Result {
	r := bufio.NewReaderSize(l.conn, 64<<10)
	var baseFiles []string
	for {
		cmd, err := r.ReadByte()
		if err != nil {
			return Result{Err: err}
		}
		switch cmd {
		case cmdTopFile, cmdFile:
			target, err := l.receiveFile(r)
			if err != nil {
				return Result{Err: err}
			}
			if cmd == cmdTopFile {
				baseFiles = append(baseFiles, target)
			}
		case cmdTopDir, cmdDir:
			p, err := readPath(r)
			if err != nil {
				return Result{Err: err}
			}
			target, err := l.resolve(p)
			if err != nil {
				return Result{Err: err}
			}
			if err := os.MkdirAll(target, 0o755); err != nil {
				return Result{Err: err}
			}
			if cmd == cmdTopDir {
				baseFiles = append(baseFiles, target)
			}
		case cmdEnd:
			l.logger.Info("done receiving", "bytes", l.Transferred())
			return Result{Success: true, BaseFiles: baseFiles}
		case cmdVanished:
			l.logger.Warn("remote reports missing file, aborting transfer")
			return Result{SourceVanished: true}
		default:
			return Result{Err: fmt.Errorf("unknown transfer command %#x", cmd)}
		}
	}
}

func (l *Leecher) receiveFile(r *bufio.Reader) (string, error) {
	mtime := time.Now()
	if l.version >= 1 {
		ms, err := readInt64(r)
		if err != nil {
			return "", err
		}
		mtime = time.UnixMilli(ms)
	}
	size, err := readInt64(r)
	if err != nil {
		return "", err
	}
	if size < 0 {
		return "", fmt.Errorf("negative file size %d", size)
	}
	p, err := readPath(r)
	if err != nil {
		return "", err
	}
	target, err := l.resolve(p)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", err
	}
	f, err := os.Create(target)
	if err != nil {
		return "", fmt.Errorf("cannot create %s: %w", target, err)
	}
	if _, err := io.CopyN(countingWriter{w: f, b: &l.base}, r, size); err != nil {
		f.Close()
		return "", fmt.Errorf("receive %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	os.Chtimes(target, mtime, mtime)
	return target, nil
}

// resolve maps a transfer path into the target folder, refusing paths that
// would escape it.
func (l *Leecher) resolve(p string) (string, error) {
	local := filepath.FromSlash(strings.ReplaceAll(p, `\`, "/"))
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("refusing path %q outside target folder", p)
	}
	return filepath.Join(l.folder, local), nil
}
