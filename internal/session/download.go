package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"lanshare/internal/common"
	"lanshare/internal/files"
	"lanshare/internal/instance"
	"lanshare/internal/metrics"
	"lanshare/internal/transfer"
	"lanshare/internal/wire"
)

const fileDialTimeout = 5 * time.Second

// Download runs RequestDownload in the background and reports a failure to
// the listener.
func (s *Session) Download(f *files.OfferedFile, folder string) {
	ctx := s.runCtx()
	go func() {
		if err := s.RequestDownload(ctx, f, folder); err != nil {
			s.listener.DownloadFailed(f, err)
		}
	}()
}

// RequestDownload asks the owner of f to send it into folder. The caller must
// have locked f with TryLock. Every address of the owner is tried in the
// order it was seen. On any failure f is unlocked again and the error
// returned; once the owner accepts, the transfer runs in the background as a
// job and its outcome goes to the listener.
func (s *Session) RequestDownload(ctx context.Context, f *files.OfferedFile, folder string) error {
	if !f.Locked() {
		return ErrNotLocked
	}
	owner := f.Owner()

	conn, err := s.dialOwner(ctx, owner)
	if err != nil {
		f.Unlock()
		s.listener.RefreshGUI()
		return err
	}

	reply, err := s.handshake(conn, f)
	if err != nil {
		conn.Close()
		f.Unlock()
		s.listener.RefreshGUI()
		return fmt.Errorf("request %s from %s: %w", f.Name, owner, err)
	}
	if reply != common.ReplyAccept {
		conn.Close()
		f.Unlock()
		s.listener.RefreshGUI()
		return fmt.Errorf("%w by %s", ErrDeclined, owner)
	}

	leecher := transfer.NewLeecher(conn, folder, f.Size, int(f.TransVersion), s.logger)
	_, err = s.addJob(f, owner, files.Leeching, leecher, func(job *files.Job, res transfer.Result) {
		if res.Success {
			f.MarkDownloaded(res.BaseFiles)
		} else {
			f.Unlock()
		}
		s.removeJob(job)
		switch {
		case res.Success:
			s.logger.Info("download complete", "file", f.Name, "folder", folder)
			s.listener.DownloadComplete(f, folder)
		case res.SourceVanished:
			s.logger.Warn("download failed, file missing at source", "file", f.Name)
			s.listener.DownloadFailedFileMissing(f)
		default:
			s.logger.Info("download failed", "file", f.Name, slog.Any("error", res.Err))
			s.listener.DownloadFailed(f, res.Err)
		}
		s.listener.RefreshGUI()
	})
	if err != nil {
		conn.Close()
		f.Unlock()
		s.listener.RefreshGUI()
		return err
	}
	leecher.Start()
	return nil
}

func (s *Session) dialOwner(ctx context.Context, owner *instance.Instance) (net.Conn, error) {
	d := net.Dialer{Timeout: fileDialTimeout}
	for _, addr := range owner.Addresses() {
		dest := netip.AddrPortFrom(addr, uint16(s.ports.peerFile))
		conn, err := d.DialContext(ctx, "tcp", dest.String())
		if err != nil {
			s.logger.Info("cannot reach instance", "instance", owner.ID(), "addr", dest, slog.Any("error", err))
			continue
		}
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnreachable, owner)
}

func (s *Session) handshake(conn net.Conn, f *files.OfferedFile) (byte, error) {
	req := wire.FileRequest{File: f.Descriptor, Origin: s.local.ID()}
	if err := wire.WriteFileRequest(conn, req); err != nil {
		return 0, err
	}
	var reply [1]byte
	if _, err := io.ReadFull(conn, reply[:]); err != nil {
		return 0, err
	}
	return reply[0], nil
}

func (s *Session) handleFileRequest(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(inboundReadTimeout))
	req, err := wire.ReadFileRequest(conn)
	if err != nil {
		s.logInbound("file", conn, err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	f, ok := s.files.LocalRepresentation(req.File)
	remote := s.requester(conn, req.Origin)
	if !ok || remote == nil || !s.isRunning() {
		s.logger.Info("declining file request", "file", req.File.Name, "from", conn.RemoteAddr(), "known_file", ok)
		conn.Write([]byte{common.ReplyDecline})
		conn.Close()
		return
	}
	if _, err := conn.Write([]byte{common.ReplyAccept}); err != nil {
		conn.Close()
		return
	}
	s.AcceptDownloadRequest(conn, f, remote, int(req.File.TransVersion))
}

func (s *Session) requester(conn net.Conn, origin int32) *instance.Instance {
	addr := remoteAddr(conn)
	if origin != 0 && origin != s.local.ID() {
		return s.registry.GetOrCreate(addr, origin, instance.SourceList)
	}
	inst, _ := s.registry.ByAddress(addr)
	return inst
}

// AcceptDownloadRequest starts seeding f to remote over conn right away. If
// the file turns out to be gone from disk it is withdrawn and the smaller
// list is broadcast. After Stop no job is created, conn is closed and nil is
// returned.
func (s *Session) AcceptDownloadRequest(conn net.Conn, f *files.OfferedFile, remote *instance.Instance, version int) *files.Job {
	seeder := transfer.NewSeeder(conn, f.Paths(), f.Size, version, s.logger)
	job, err := s.addJob(f, remote, files.Seeding, seeder, func(job *files.Job, res transfer.Result) {
		s.removeJob(job)
		if res.SourceVanished {
			s.logger.Warn("upload failed, file missing", "file", f.Name)
			s.listener.UploadFailedFileMissing(f)
			s.files.Remove(f)
			s.BroadcastManifest()
		}
		s.listener.RefreshGUI()
	})
	if err != nil {
		conn.Close()
		return nil
	}
	s.logger.Info("seeding", "file", f.Name, "to", remote.ID())
	seeder.Start()
	return job
}

// addJob wires onDone to tr and registers the job. The callback is in place
// before the job can be aborted through the job table.
func (s *Session) addJob(f *files.OfferedFile, remote *instance.Instance, dir files.Direction, tr transfer.Transceiver, onDone func(*files.Job, transfer.Result)) (*files.Job, error) {
	job, idx := files.NewJob(f, remote, dir, tr)
	tr.SetDoneFunc(func(res transfer.Result) { onDone(job, res) })

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		f.RemoveJob(job)
		return nil, ErrStopped
	}
	s.jobs[job.ID] = job
	s.mu.Unlock()
	metrics.ActiveJobs.WithLabelValues(dir.String()).Inc()
	s.listener.JobAdded(f, idx)
	return job, nil
}

func (s *Session) removeJob(job *files.Job) {
	idx := job.File().RemoveJob(job)
	s.mu.Lock()
	_, ok := s.jobs[job.ID]
	delete(s.jobs, job.ID)
	s.mu.Unlock()
	if !ok {
		return
	}
	metrics.ActiveJobs.WithLabelValues(job.Direction().String()).Dec()
	s.listener.JobRemoved(job.File(), idx)
}
