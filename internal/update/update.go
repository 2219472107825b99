// Package update downloads, verifies and installs signed releases.
//
// A release server exposes two resources: a short version descriptor at
// /v ("<version>\n<title>\n") and a master archive at /update_master.zip
// holding lxc.zip (the installation) and lxc.sign (an RSA SHA-256
// signature over lxc.zip). Nothing but those two entries is read before
// the signature verifies.
package update

import (
	"bufio"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/zip"
)

const (
	maxVersionBytes   = 32
	maxArchiveBytes   = 512 << 20
	maxSignatureBytes = 1 << 20

	installEntry   = "lxc.zip"
	signatureEntry = "lxc.sign"
	versionEntry   = "v"
)

var (
	ErrBadSignature      = errors.New("update signature does not verify")
	ErrDowngrade         = errors.New("update would not advance the installed version")
	ErrVersionDescriptor = errors.New("malformed version descriptor")
	ErrTooLarge          = errors.New("update content exceeds size limit")
)

// Release is what the server claims to distribute.
type Release struct {
	Version int
	Title   string
}

// ParseVersion reads a version descriptor. At most 32 bytes are consumed
// and only printable ASCII is accepted.
func ParseVersion(r io.Reader) (Release, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxVersionBytes))
	if err != nil {
		return Release{}, err
	}
	for _, c := range b {
		if c != '\n' && c != '\r' && (c < 0x20 || c > 0x7e) {
			return Release{}, fmt.Errorf("%w: non-ASCII byte 0x%02x", ErrVersionDescriptor, c)
		}
	}
	lines := strings.Split(strings.ReplaceAll(string(b), "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return Release{}, fmt.Errorf("%w: missing title line", ErrVersionDescriptor)
	}
	v, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return Release{}, fmt.Errorf("%w: %v", ErrVersionDescriptor, err)
	}
	return Release{Version: v, Title: strings.TrimSpace(lines[1])}, nil
}

type Options struct {
	BaseURL    string
	Key        *rsa.PublicKey
	Current    int
	Force      bool // accept reinstalling the running version
	InstallDir string
	Client     *http.Client
	Logger     *slog.Logger
}

type Updater struct {
	opts   Options
	logger *slog.Logger
}

func New(opts Options) (*Updater, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("update: no base URL")
	}
	if opts.Key == nil {
		return nil, errors.New("update: no public key")
	}
	if opts.InstallDir == "" {
		opts.InstallDir = "."
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 10 * time.Minute}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Updater{opts: opts, logger: opts.Logger.With("component", "update")}, nil
}

// LoadPublicKey reads a PKIX RSA public key, PEM armored or raw DER.
func LoadPublicKey(path string) (*rsa.PublicKey, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if block, _ := pem.Decode(b); block != nil {
		b = block.Bytes
	}
	key, err := x509.ParsePKIXPublicKey(b)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, not RSA", key)
	}
	return rsaKey, nil
}

// Check fetches the descriptor and reports whether it offers an update.
func (u *Updater) Check(ctx context.Context) (Release, bool, error) {
	body, err := u.get(ctx, "/v")
	if err != nil {
		return Release{}, false, err
	}
	defer body.Close()
	rel, err := ParseVersion(body)
	if err != nil {
		return Release{}, false, err
	}
	available := rel.Version > u.opts.Current || u.opts.Force
	u.logger.Info("update check", "offered", rel.Version, "current", u.opts.Current, "available", available)
	return rel, available, nil
}

// Apply downloads the master archive, verifies it and installs it.
func (u *Updater) Apply(ctx context.Context, claimed int) error {
	tmp, err := os.MkdirTemp("", "lanshare-update-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	master := filepath.Join(tmp, "update_dl.zip")
	if err := u.download(ctx, master); err != nil {
		return err
	}
	install := filepath.Join(tmp, "temp_update.zip")
	sig, err := unpackMaster(master, install)
	if err != nil {
		return err
	}
	if err := Verify(u.opts.Key, install, sig); err != nil {
		return err
	}
	if err := checkVersion(install, claimed, u.opts.Current, u.opts.Force); err != nil {
		return err
	}
	if err := Extract(install, u.opts.InstallDir, u.logger); err != nil {
		return err
	}
	u.logger.Info("update installed", "version", claimed)
	return nil
}

func (u *Updater) get(ctx context.Context, path string) (io.ReadCloser, error) {
	op := func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.BaseURL+path, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		req.Header.Set("User-Agent", "")
		resp, err := u.opts.Client.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			err := fmt.Errorf("GET %s: %s", path, resp.Status)
			if resp.StatusCode < 500 {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp.Body, nil
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(3))
}

func (u *Updater) download(ctx context.Context, dst string) error {
	body, err := u.get(ctx, "/update_master.zip")
	if err != nil {
		return err
	}
	defer body.Close()
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if err := copyLimited(f, body, maxArchiveBytes); err != nil {
		f.Close()
		return fmt.Errorf("download update: %w", err)
	}
	return f.Close()
}

// unpackMaster writes the inner installation archive to dst and returns the
// signature bytes.
func unpackMaster(master, dst string) ([]byte, error) {
	zr, err := zip.OpenReader(master)
	if err != nil {
		return nil, fmt.Errorf("open update archive: %w", err)
	}
	defer zr.Close()

	var inner, sign *zip.File
	for _, f := range zr.File {
		switch f.Name {
		case installEntry:
			inner = f
		case signatureEntry:
			sign = f
		}
	}
	if inner == nil || sign == nil {
		return nil, fmt.Errorf("update archive lacks %s or %s", installEntry, signatureEntry)
	}

	rc, err := inner.Open()
	if err != nil {
		return nil, err
	}
	out, err := os.Create(dst)
	if err != nil {
		rc.Close()
		return nil, err
	}
	err = copyLimited(out, rc, maxArchiveBytes)
	rc.Close()
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	rc, err = sign.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	sig, err := io.ReadAll(io.LimitReader(rc, maxSignatureBytes+1))
	if err != nil {
		return nil, err
	}
	if len(sig) > maxSignatureBytes {
		return nil, ErrTooLarge
	}
	return sig, nil
}

// Verify checks an RSA PKCS#1 v1.5 SHA-256 signature over the file at path.
func Verify(key *rsa.PublicKey, path string, sig []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, h.Sum(nil), sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}

// checkVersion requires the embedded version to equal the claimed one and
// to exceed current (or equal it when force is set).
func checkVersion(archive string, claimed, current int, force bool) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()
	var entry *zip.File
	for _, f := range zr.File {
		if f.Name == versionEntry {
			entry = f
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("%w: no embedded version", ErrDowngrade)
	}
	f, err := entry.Open()
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := bufio.NewReader(io.LimitReader(f, maxVersionBytes)).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	embedded, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return fmt.Errorf("%w: embedded version: %v", ErrDowngrade, err)
	}
	if embedded != claimed {
		return fmt.Errorf("%w: server claimed %d, archive holds %d", ErrDowngrade, claimed, embedded)
	}
	if embedded < current || (embedded == current && !force) {
		return fmt.Errorf("%w: running %d, archive holds %d", ErrDowngrade, current, embedded)
	}
	return nil
}

// Extract unpacks archive into dir. Entries that would land outside dir
// are skipped. The first entry that cannot be written fails the extraction.
func Extract(archive, dir string, logger *slog.Logger) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer zr.Close()
	for _, f := range zr.File {
		name := filepath.FromSlash(strings.ReplaceAll(f.Name, `\`, "/"))
		if !filepath.IsLocal(name) {
			logger.Warn("skipped update entry outside install dir", "entry", f.Name)
			continue
		}
		target := filepath.Join(dir, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, target); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode().Perm()|0o600)
	if err != nil {
		return err
	}
	if err := copyLimited(out, rc, maxArchiveBytes); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyLimited(dst io.Writer, src io.Reader, limit int64) error {
	n, err := io.Copy(dst, io.LimitReader(src, limit+1))
	if err != nil {
		return err
	}
	if n > limit {
		return ErrTooLarge
	}
	return nil
}
