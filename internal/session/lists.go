package session

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v5"

	"lanshare/internal/common"
	"lanshare/internal/files"
	"lanshare/internal/instance"
	"lanshare/internal/metrics"
	"lanshare/internal/wire"
)

const broadcastAttempts = 3

var errRemotesChanged = errors.New("remote instances changed during broadcast")

// BroadcastManifest pushes the current local list to every known instance in
// the background. If the set of instances changes while pushing, the whole
// broadcast starts over.
func (s *Session) BroadcastManifest() {
	ctx := s.runCtx()
	m := s.files.BuildOutgoingManifest()
	go func() {
		if err := s.broadcast(ctx, &m); err != nil {
			s.logger.Info("manifest broadcast incomplete", slog.Any("error", err))
		}
	}()
}

func (s *Session) broadcast(ctx context.Context, m *files.Manifest) error {
	op := func() (int, error) {
		gen := s.registry.Generation()
		remotes := s.registry.Remotes()
		for _, inst := range remotes {
			if ctx.Err() != nil {
				return 0, backoff.Permanent(ctx.Err())
			}
			s.push(ctx, m, inst)
		}
		if s.registry.Generation() != gen {
			return 0, errRemotesChanged
		}
		return len(remotes), nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	n, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(broadcastAttempts),
	)
	if err == nil {
		s.logger.Debug("manifest broadcast", "instances", n, "files", len(m.Files))
	}
	return err
}

// RequestLists asks every known instance to send its list.
func (s *Session) RequestLists() {
	ctx := s.runCtx()
	for _, inst := range s.registry.Remotes() {
		go s.push(ctx, nil, inst)
	}
}

// pushTo tries inst's addresses in order until one accepts the push.
func (s *Session) pushTo(ctx context.Context, m *files.Manifest, inst *instance.Instance) bool {
	for _, addr := range inst.Addresses() {
		err := s.PushOrPullList(ctx, m, netip.AddrPortFrom(addr, uint16(s.ports.peerList)))
		if err == nil {
			return true
		}
		s.logger.Debug("list push failed", "instance", inst.ID(), "addr", addr, slog.Any("error", err))
	}
	return false
}

// PushOrPullList connects to dest and sends m. A nil m asks dest for its
// list instead.
func (s *Session) PushOrPullList(ctx context.Context, m *files.Manifest, dest netip.AddrPort) error {
	d := net.Dialer{Timeout: common.ListTimeout}
	conn, err := d.DialContext(ctx, "tcp", dest.String())
	if err != nil {
		metrics.ManifestPushes.WithLabelValues("unreachable").Inc()
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(common.ListTimeout))
	if err := wire.WriteManifest(conn, m); err != nil {
		metrics.ManifestPushes.WithLabelValues("failed").Inc()
		return err
	}
	metrics.ManifestPushes.WithLabelValues("ok").Inc()
	return nil
}

func (s *Session) handleList(conn net.Conn) {
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(inboundReadTimeout))
	m, err := wire.ReadManifest(conn)
	if err != nil {
		s.logInbound("list", conn, err)
		return
	}
	if m == nil {
		if !s.pulls.Allow() {
			s.logger.Debug("list request throttled", "from", conn.RemoteAddr())
			return
		}
		s.BroadcastManifest()
		return
	}
	if m.Origin == s.local.ID() {
		return
	}
	sender := s.registry.GetOrCreate(remoteAddr(conn), m.Origin, instance.SourceList)
	s.files.MergeIncoming(*m, sender)
	metrics.ManifestsReceived.Inc()
	s.logger.Debug("manifest merged", "from", m.Origin, "files", len(m.Files))
	s.listener.RefreshGUI()
}
