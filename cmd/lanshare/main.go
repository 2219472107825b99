package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lanshare/internal/common"
	"lanshare/internal/config"
	"lanshare/internal/discovery"
	"lanshare/internal/files"
	"lanshare/internal/instance"
	"lanshare/internal/metrics"
	"lanshare/internal/session"
	"lanshare/internal/update"
)

// internalVersion is compared against the update server's descriptor.
const internalVersion = 1

const usage = "Usage: lanshare <share|list|get|update> [options]"

func main() {
	if len(os.Args) < 2 {
		fmt.Println(usage)
		os.Exit(2)
	}
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "share":
		err = runShare(ctx, cfg, logger, os.Args[2:])
	case "list":
		err = runList(ctx, cfg, logger, os.Args[2:])
	case "get":
		err = runGet(ctx, cfg, logger, os.Args[2:])
	case "update":
		err = runUpdate(ctx, cfg, logger, os.Args[2:])
	default:
		fmt.Println(usage)
		os.Exit(2)
	}
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "lanshare is already running on this machine")
		} else {
			logger.Error("command failed", slog.String("command", os.Args[1]), slog.Any("error", err))
		}
		os.Exit(1)
	}
}

func runShare(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	cmd := flag.NewFlagSet("share", flag.ExitOnError)
	cmd.Parse(args)
	if cmd.NArg() == 0 {
		return errors.New("share requires at least one path")
	}

	s, err := startSession(ctx, cfg, logger, newEvents(logger))
	if err != nil {
		return err
	}
	defer s.Stop()

	f, err := s.Offer(cmd.Args()...)
	if err != nil {
		return fmt.Errorf("could not offer %s: %w", strings.Join(cmd.Args(), ", "), err)
	}
	logger.Info("sharing", slog.String("file", f.Name), slog.Int64("size", f.Size))
	logger.Info("press Ctrl+C to stop sharing")
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func runList(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	cmd := flag.NewFlagSet("list", flag.ExitOnError)
	wait := cmd.Duration("wait", 3*time.Second, "How long to collect file lists")
	cmd.Parse(args)

	s, err := startSession(ctx, cfg, logger, newEvents(logger))
	if err != nil {
		return err
	}
	defer s.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(*wait):
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSIZE\tOWNER")
	for _, f := range s.Files() {
		if f.IsLocal() {
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%s\n", f.Name, f.Size, f.Owner())
	}
	return w.Flush()
}

func runGet(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	cmd := flag.NewFlagSet("get", flag.ExitOnError)
	wait := cmd.Duration("wait", 10*time.Second, "How long to wait for the file to show up")
	output := cmd.String("o", cfg.DownloadDir, "Target directory")
	cmd.Parse(args)
	name := cmd.Arg(0)
	if name == "" {
		return errors.New("get requires a file name")
	}
	if err := os.MkdirAll(*output, 0o755); err != nil {
		return err
	}

	events := newEvents(logger)
	s, err := startSession(ctx, cfg, logger, events)
	if err != nil {
		return err
	}
	defer s.Stop()

	f, err := awaitFile(ctx, s, name, *wait)
	if err != nil {
		return err
	}
	if !f.TryLock() {
		return fmt.Errorf("%s is already being downloaded", name)
	}
	done := events.watch(f)
	if err := s.RequestDownload(ctx, f, *output); err != nil {
		return err
	}
	logger.Info("downloading", slog.String("file", f.Name), slog.String("from", f.Owner().String()))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		if err != nil {
			return err
		}
	}
	logger.Info("download complete", slog.String("file", f.Name), slog.String("dir", *output))
	return nil
}

func runUpdate(ctx context.Context, cfg config.Config, logger *slog.Logger, args []string) error {
	cmd := flag.NewFlagSet("update", flag.ExitOnError)
	force := cmd.Bool("force", false, "Reinstall the running version")
	url := cmd.String("url", cfg.UpdateURL, "Update server base URL")
	keyPath := cmd.String("key", cfg.UpdateKey, "Update signing public key")
	cmd.Parse(args)
	if *url == "" || *keyPath == "" {
		return errors.New("update needs a server URL and a public key")
	}

	key, err := update.LoadPublicKey(*keyPath)
	if err != nil {
		return err
	}
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	u, err := update.New(update.Options{
		BaseURL:    *url,
		Key:        key,
		Current:    internalVersion,
		Force:      *force,
		InstallDir: filepath.Dir(exe),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	rel, ok, err := u.Check(ctx)
	if err != nil {
		return err
	}
	if !ok {
		logger.Info("already up to date", slog.Int("version", internalVersion))
		return nil
	}
	logger.Info("installing update", slog.Int("version", rel.Version), slog.String("title", rel.Title))
	return u.Apply(ctx, rel.Version)
}

func startSession(ctx context.Context, cfg config.Config, logger *slog.Logger, events *events) (*session.Session, error) {
	local := instance.NewLocal()
	opts := session.Options{
		Local:       local,
		Listener:    events,
		Logger:      logger,
		Resolver:    instance.NewDNSResolver("/etc/resolv.conf"),
		SubnetSweep: cfg.SubnetSweep,
	}
	if cfg.MDNS {
		opts.Advertiser = discovery.NewService(local.ID(), common.ListPort, logger)
	}
	s := session.New(opts)
	if err := s.Start(ctx); err != nil {
		return nil, err
	}
	if cfg.MetricsAddr != "" {
		serveMetrics(ctx, cfg.MetricsAddr, logger)
	}
	logger.Info("instance ready", slog.Int("id", int(local.ID())))
	return s, nil
}

func serveMetrics(ctx context.Context, addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server failed", slog.Any("error", err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
}

// awaitFile polls the file list until a downloadable remote file called
// name appears.
func awaitFile(ctx context.Context, s *session.Session, name string, wait time.Duration) (*files.OfferedFile, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if f := findFile(s.Files(), name); f != nil {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("no instance offers %q", name)
		case <-ticker.C:
		}
	}
}

func findFile(list []*files.OfferedFile, name string) *files.OfferedFile {
	for _, f := range list {
		if f.Name == name && !f.IsLocal() && !f.Available() && !f.Locked() {
			return f
		}
	}
	return nil
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, options))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
