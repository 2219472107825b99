package session

import (
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"lanshare/internal/common"
	"lanshare/internal/files"
	"lanshare/internal/instance"
	"lanshare/internal/netif"
	"lanshare/internal/transfer"
	"lanshare/internal/wire"
)

var (
	loopback = netip.MustParseAddr("127.0.0.1")
	movie    = files.Descriptor{Name: "movie.mkv", Size: 11, Kind: files.KindFile, Content: []string{"movie.mkv"}, TransVersion: 1}
)

type recordingListener struct {
	NopListener

	mu         sync.Mutex
	added      int
	removed    int
	refreshes  int
	gone       []*instance.Instance
	uploadMiss []*files.OfferedFile
	complete   chan *files.OfferedFile
	missing    chan *files.OfferedFile
}

func newRecordingListener() *recordingListener {
	return &recordingListener{
		complete: make(chan *files.OfferedFile, 4),
		missing:  make(chan *files.OfferedFile, 4),
	}
}

func (l *recordingListener) RefreshGUI() {
	l.mu.Lock()
	l.refreshes++
	l.mu.Unlock()
}

func (l *recordingListener) JobAdded(*files.OfferedFile, int) {
	l.mu.Lock()
	l.added++
	l.mu.Unlock()
}

func (l *recordingListener) JobRemoved(*files.OfferedFile, int) {
	l.mu.Lock()
	l.removed++
	l.mu.Unlock()
}

func (l *recordingListener) DownloadComplete(f *files.OfferedFile, _ string) { l.complete <- f }

func (l *recordingListener) DownloadFailedFileMissing(f *files.OfferedFile) { l.missing <- f }

func (l *recordingListener) UploadFailedFileMissing(f *files.OfferedFile) {
	l.mu.Lock()
	l.uploadMiss = append(l.uploadMiss, f)
	l.mu.Unlock()
}

func (l *recordingListener) InstanceRemoved(inst *instance.Instance) {
	l.mu.Lock()
	l.gone = append(l.gone, inst)
	l.mu.Unlock()
}

func (l *recordingListener) jobCounts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.added, l.removed
}

func noInterfaces() ([]netif.Interface, error) { return nil, nil }

// unusedPort returns a loopback port nothing listens on.
func unusedPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func newSession(t *testing.T, id int32, l Listener) *Session {
	t.Helper()
	s := New(Options{Local: instance.NewLocalWithID(id), Listener: l, Interfaces: noInterfaces})
	s.ports = ports{peerList: unusedPort(t), peerFile: unusedPort(t), peerPing: unusedPort(t)}
	return s
}

func start(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
}

func (s *Session) listAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLn.Addr().String()
}

func (s *Session) fileAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileLn.Addr().String()
}

func sendManifest(t *testing.T, addr string, m *files.Manifest) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteManifest(conn, m))
}

// manifestSink is a fake list server collecting every manifest pushed to it.
type manifestSink struct {
	ln net.Listener

	mu        sync.Mutex
	manifests []*files.Manifest
}

func newManifestSink(t *testing.T) *manifestSink {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	k := &manifestSink{ln: ln}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			m, err := wire.ReadManifest(conn)
			conn.Close()
			if err == nil && m != nil {
				k.mu.Lock()
				k.manifests = append(k.manifests, m)
				k.mu.Unlock()
			}
		}
	}()
	return k
}

func (k *manifestSink) port() int { return k.ln.Addr().(*net.TCPAddr).Port }

func (k *manifestSink) received() []*files.Manifest {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]*files.Manifest(nil), k.manifests...)
}

func TestStart_AlreadyRunning(t *testing.T) {
	first := newSession(t, 1, nil)
	first.ports.list = 0
	start(t, first)

	second := newSession(t, 2, nil)
	second.ports.list = first.listLn.Addr().(*net.TCPAddr).Port
	err := second.Start(context.Background())

	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestInboundManifestCreatesInstanceAndFiles(t *testing.T) {
	l := newRecordingListener()
	s := newSession(t, 1, l)
	start(t, s)

	s.registry.RecordHeartbeat(loopback, 5, true)
	sendManifest(t, s.listAddr(), &files.Manifest{Origin: 5, Files: []files.Descriptor{movie}})

	require.Eventually(t, func() bool { return len(s.Files()) == 1 }, 2*time.Second, 10*time.Millisecond)
	remotes := s.Remotes()
	require.Len(t, remotes, 1)
	assert.Equal(t, int32(5), remotes[0].ID())
	assert.Equal(t, []netip.Addr{loopback}, remotes[0].Addresses())
	assert.Same(t, remotes[0], s.Files()[0].Owner())
}

func TestInboundManifestFromSelfIsIgnored(t *testing.T) {
	s := newSession(t, 1, nil)
	start(t, s)

	sendManifest(t, s.listAddr(), &files.Manifest{Origin: 1, Files: []files.Descriptor{movie}})
	time.Sleep(50 * time.Millisecond)

	assert.Empty(t, s.Files())
	assert.Empty(t, s.Remotes())
}

func TestInboundDisallowedObjectIsDropped(t *testing.T) {
	s := newSession(t, 1, nil)
	start(t, s)

	raw, err := bson.Marshal(bson.D{{Key: "_t", Value: "gadget"}, {Key: "origin", Value: int32(5)}})
	require.NoError(t, err)
	conn, err := net.Dial("tcp", s.listAddr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, wire.WriteFrame(conn, raw))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.Error(t, err, "connection is closed by the server")
	assert.Empty(t, s.Remotes())
	assert.Empty(t, s.Files())
}

func TestRequestDownload_RequiresLock(t *testing.T) {
	s := newSession(t, 1, nil)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	f := files.NewRemote(movie, owner)

	assert.ErrorIs(t, s.RequestDownload(context.Background(), f, t.TempDir()), ErrNotLocked)
}

func TestRequestDownload_AllAddressesRefuse(t *testing.T) {
	s := newSession(t, 1, nil)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	s.registry.GetOrCreate(netip.MustParseAddr("127.0.0.2"), 5, instance.SourceUnicast)
	s.files.MergeIncoming(files.Manifest{Origin: 5, Files: []files.Descriptor{movie}}, owner)
	f := s.Files()[0]
	require.True(t, f.TryLock())

	err := s.RequestDownload(context.Background(), f, t.TempDir())

	assert.ErrorIs(t, err, ErrUnreachable)
	assert.False(t, f.Locked())
	assert.Empty(t, s.Jobs())
}

// serveOneFile runs a fake file server answering one request with reply and,
// when accepting, seeding path.
func serveOneFile(t *testing.T, reply byte, path string, requests chan<- wire.FileRequest) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		req, err := wire.ReadFileRequest(conn)
		if err != nil {
			conn.Close()
			return
		}
		if requests != nil {
			requests <- req
		}
		conn.Write([]byte{reply})
		if reply != common.ReplyAccept {
			conn.Close()
			return
		}
		if path == "" {
			io.Copy(io.Discard, conn)
			conn.Close()
			return
		}
		info, _ := os.Stat(path)
		transfer.NewSeeder(conn, []string{path}, info.Size(), int(req.File.TransVersion), nil).Start()
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRequestDownload_Completes(t *testing.T) {
	src := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))
	requests := make(chan wire.FileRequest, 1)

	l := newRecordingListener()
	s := newSession(t, 1, l)
	s.ports.peerFile = serveOneFile(t, common.ReplyAccept, src, requests)
	start(t, s)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	s.files.MergeIncoming(files.Manifest{Origin: 5, Files: []files.Descriptor{movie}}, owner)
	f := s.Files()[0]
	require.True(t, f.TryLock())
	folder := t.TempDir()

	require.NoError(t, s.RequestDownload(context.Background(), f, folder))

	req := <-requests
	assert.Equal(t, int32(1), req.Origin)
	assert.True(t, req.File.Equal(movie))
	select {
	case got := <-l.complete:
		assert.Same(t, f, got)
	case <-time.After(5 * time.Second):
		t.Fatal("download did not complete")
	}
	assert.True(t, f.Available())
	assert.False(t, f.Locked())
	assert.Empty(t, f.Jobs())
	assert.Empty(t, s.Jobs())
	assert.Equal(t, []string{filepath.Join(folder, "movie.mkv")}, f.DownloadedPaths())
	data, err := os.ReadFile(filepath.Join(folder, "movie.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	added, removed := l.jobCounts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestRequestDownload_Declined(t *testing.T) {
	s := newSession(t, 1, nil)
	s.ports.peerFile = serveOneFile(t, common.ReplyDecline, "", nil)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	f := files.NewRemote(movie, owner)
	require.True(t, f.TryLock())

	err := s.RequestDownload(context.Background(), f, t.TempDir())

	assert.ErrorIs(t, err, ErrDeclined)
	assert.False(t, f.Locked())
	assert.False(t, f.Available())
}

func TestStopAbortsRunningJobs(t *testing.T) {
	s := newSession(t, 1, nil)
	s.ports.peerFile = serveOneFile(t, common.ReplyAccept, "", nil)
	start(t, s)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	f := files.NewRemote(movie, owner)
	require.True(t, f.TryLock())

	require.NoError(t, s.RequestDownload(context.Background(), f, t.TempDir()))
	require.Len(t, s.Jobs(), 1)

	s.Stop()

	require.Eventually(t, func() bool { return len(s.Jobs()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.Locked())
	assert.False(t, f.Available())
}

func TestRequestDownload_NotRunningUnlocks(t *testing.T) {
	l := newRecordingListener()
	s := newSession(t, 1, l)
	s.ports.peerFile = serveOneFile(t, common.ReplyAccept, "", nil)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	f := files.NewRemote(movie, owner)
	require.True(t, f.TryLock())

	err := s.RequestDownload(context.Background(), f, t.TempDir())

	assert.ErrorIs(t, err, ErrStopped)
	assert.False(t, f.Locked())
	assert.False(t, f.HasJobs())
	assert.Empty(t, s.Jobs())
	added, _ := l.jobCounts()
	assert.Zero(t, added)
}

func TestAcceptDownloadRequest_AfterStopCreatesNoJob(t *testing.T) {
	src := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))
	l := newRecordingListener()
	s := newSession(t, 1, l)
	start(t, s)
	f, err := s.Offer(src)
	require.NoError(t, err)
	s.Stop()

	a, b := net.Pipe()
	defer b.Close()
	remote := s.registry.GetOrCreate(loopback, 9, instance.SourceList)
	job := s.AcceptDownloadRequest(a, f, remote, transfer.Version)

	assert.Nil(t, job)
	assert.Empty(t, s.Jobs())
	assert.False(t, f.HasJobs())
	added, _ := l.jobCounts()
	assert.Zero(t, added)
	_, err = b.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func requestFile(t *testing.T, addr string, d files.Descriptor, origin int32) (net.Conn, byte) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFileRequest(conn, wire.FileRequest{File: d, Origin: origin}))
	var reply [1]byte
	_, err = conn.Read(reply[:])
	require.NoError(t, err)
	return conn, reply[0]
}

func TestInboundFileRequestSeeds(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "movie.mkv")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))
	l := newRecordingListener()
	s := newSession(t, 1, l)
	start(t, s)
	f, err := s.Offer(src)
	require.NoError(t, err)

	conn, reply := requestFile(t, s.fileAddr(), f.Descriptor, 9)
	require.Equal(t, common.ReplyAccept, reply)

	done := make(chan transfer.Result, 1)
	target := t.TempDir()
	leecher := transfer.NewLeecher(conn, target, f.Size, transfer.Version, nil)
	leecher.SetDoneFunc(func(r transfer.Result) { done <- r })
	leecher.Start()

	res := <-done
	require.True(t, res.Success, "%v", res.Err)
	data, err := os.ReadFile(filepath.Join(target, "movie.mkv"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	require.Eventually(t, func() bool { return len(s.Jobs()) == 0 }, 2*time.Second, 10*time.Millisecond)
	inst, ok := s.registry.Lookup(9)
	require.True(t, ok, "requester is registered by its id")
	assert.Equal(t, []netip.Addr{loopback}, inst.Addresses())
	added, removed := l.jobCounts()
	assert.Equal(t, 1, added)
	assert.Equal(t, 1, removed)
}

func TestInboundFileRequestForUnknownFileIsDeclined(t *testing.T) {
	s := newSession(t, 1, nil)
	start(t, s)

	conn, reply := requestFile(t, s.fileAddr(), movie, 9)
	defer conn.Close()

	assert.Equal(t, common.ReplyDecline, reply)
	assert.Empty(t, s.Jobs())
}

func TestInboundFileRequestForVanishedSource(t *testing.T) {
	src := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))
	l := newRecordingListener()
	s := newSession(t, 1, l)
	start(t, s)
	f, err := s.Offer(src)
	require.NoError(t, err)
	require.NoError(t, os.Remove(src))

	conn, reply := requestFile(t, s.fileAddr(), f.Descriptor, 9)
	require.Equal(t, common.ReplyAccept, reply)
	done := make(chan transfer.Result, 1)
	leecher := transfer.NewLeecher(conn, t.TempDir(), f.Size, transfer.Version, nil)
	leecher.SetDoneFunc(func(r transfer.Result) { done <- r })
	leecher.Start()

	res := <-done
	assert.True(t, res.SourceVanished)
	require.Eventually(t, func() bool { return len(s.Files()) == 0 }, 2*time.Second, 10*time.Millisecond)
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []*files.OfferedFile{f}, l.uploadMiss)
}

func TestOfferBroadcastsToKnownInstances(t *testing.T) {
	sink := newManifestSink(t)
	s := newSession(t, 1, nil)
	s.ports.peerList = sink.port()
	start(t, s)
	s.registry.RecordHeartbeat(loopback, 5, true)

	src := filepath.Join(t.TempDir(), "movie.mkv")
	require.NoError(t, os.WriteFile(src, []byte("hello world"), 0o644))
	f, err := s.Offer(src)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, m := range sink.received() {
			if len(m.Files) == 1 && m.Files[0].Equal(f.Descriptor) {
				return m.Origin == 1
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	again, err := s.Offer(src)
	require.NoError(t, err)
	assert.Same(t, f, again, "offering the same path twice keeps one file")
	assert.Len(t, s.Files(), 1)
}

func TestListRequestTriggersBroadcast(t *testing.T) {
	sink := newManifestSink(t)
	s := newSession(t, 1, nil)
	s.ports.peerList = sink.port()
	start(t, s)
	s.registry.RecordHeartbeat(loopback, 5, true)
	require.Eventually(t, func() bool { return len(sink.received()) == 1 }, 2*time.Second, 10*time.Millisecond)

	sendManifest(t, s.listAddr(), nil)

	require.Eventually(t, func() bool { return len(sink.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestBroadcastRetriesWhenRemotesChange(t *testing.T) {
	s := newSession(t, 1, nil)
	s.registry.GetOrCreate(loopback, 5, instance.SourceList)

	var mu sync.Mutex
	var pushed []int32
	s.push = func(_ context.Context, _ *files.Manifest, inst *instance.Instance) bool {
		mu.Lock()
		first := len(pushed) == 0
		pushed = append(pushed, inst.ID())
		mu.Unlock()
		if first {
			s.registry.GetOrCreate(netip.MustParseAddr("127.0.0.3"), 6, instance.SourceMulticast)
		}
		return true
	}
	m := s.files.BuildOutgoingManifest()

	require.NoError(t, s.broadcast(context.Background(), &m))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int32{5, 5, 6}, pushed)
}

func TestInstanceRemovalEvictsFiles(t *testing.T) {
	l := newRecordingListener()
	s := newSession(t, 1, l)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	s.files.MergeIncoming(files.Manifest{Origin: 5, Files: []files.Descriptor{movie}}, owner)

	s.registry.RecordOffline(5)

	assert.Empty(t, s.Files())
	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, []*instance.Instance{owner}, l.gone)
}

func TestResetDownloadedPassesThrough(t *testing.T) {
	s := newSession(t, 1, nil)
	owner := s.registry.GetOrCreate(loopback, 5, instance.SourceList)
	s.files.MergeIncoming(files.Manifest{Origin: 5, Files: []files.Descriptor{movie}}, owner)
	f := s.Files()[0]
	require.True(t, f.TryLock())
	f.MarkDownloaded(nil)

	s.ResetDownloaded(f)

	assert.False(t, f.Available())
	assert.Len(t, s.Files(), 1)
}
