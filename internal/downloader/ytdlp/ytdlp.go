// Package ytdlp implements the Download Step on top of the yt-dlp command.
package ytdlp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/clipbrief/internal/clip"
	"github.com/JakeFAU/clipbrief/internal/metrics"
	"github.com/JakeFAU/clipbrief/internal/telemetry"
)

const stderrTailBytes = 512

// Runner executes a command and returns its captured stdout and stderr.
type Runner func(ctx context.Context, binary string, args []string) (stdout, stderr []byte, err error)

// HostLimiter paces downloads per source host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the yt-dlp invocation.
type Config struct {
	Binary               string
	Dir                  string
	Format               string
	MergeFormat          string
	SocketTimeoutSeconds int
	ExtraArgs            []string
}

// Downloader implements clip.Downloader.
type Downloader struct {
	cfg     Config
	run     Runner
	limiter HostLimiter
	logger  *zap.Logger
}

// Option customises a Downloader.
type Option func(*Downloader)

// WithRunner replaces the subprocess runner.
func WithRunner(r Runner) Option {
	return func(d *Downloader) {
		if r != nil {
			d.run = r
		}
	}
}

// WithHostLimiter paces downloads per host.
func WithHostLimiter(l HostLimiter) Option {
	return func(d *Downloader) {
		d.limiter = l
	}
}

// New constructs a Downloader and ensures the output directory exists.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Downloader, error) {
	if cfg.Dir == "" {
		return nil, errors.New("download dir is required")
	}
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.Format == "" {
		cfg.Format = "bestvideo+bestaudio/best"
	}
	if cfg.MergeFormat == "" {
		cfg.MergeFormat = "mp4"
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Downloader{cfg: cfg, run: execRunner, logger: logger.Named("ytdlp")}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Args returns the yt-dlp arguments used to fetch url into name.
func (d *Downloader) Args(url, name string) []string {
	args := []string{
		"-f", d.cfg.Format,
		"--merge-output-format", d.cfg.MergeFormat,
		"--no-playlist",
		"--no-progress",
		"--write-info-json",
	}
	if d.cfg.SocketTimeoutSeconds > 0 {
		args = append(args, "--socket-timeout", strconv.Itoa(d.cfg.SocketTimeoutSeconds))
	}
	args = append(args, d.cfg.ExtraArgs...)
	args = append(args, "-o", filepath.Join(d.cfg.Dir, name+".%(ext)s"), url)
	return args
}

// Download fetches url into <dir>/<name>.<ext>. Any tool failure is reported as
// clip.ErrDownloadFailed.
func (d *Downloader) Download(ctx context.Context, url, name string) (res clip.Download, err error) {
	ctx, span := telemetry.StartSpan(ctx, "download", attribute.String("url", url))
	defer func() { telemetry.EndSpan(span, err) }()

	if url == "" || name == "" || strings.ContainsAny(name, `/\`) {
		return clip.Download{}, fmt.Errorf("%w: invalid url or name", clip.ErrDownloadFailed)
	}
	if d.limiter != nil {
		if err := d.limiter.Wait(ctx, url); err != nil {
			return clip.Download{}, fmt.Errorf("%w: %v", clip.ErrDownloadFailed, err)
		}
	}

	args := d.Args(url, name)
	d.logger.Debug("running downloader", zap.String("url", url), zap.Strings("args", args))
	_, stderr, runErr := d.run(ctx, d.cfg.Binary, args)
	if runErr != nil {
		metrics.ObserveDownload(url, "error", 0)
		return clip.Download{}, fmt.Errorf("%w: %v: %s", clip.ErrDownloadFailed, runErr, tail(stderr))
	}

	path, err := d.findOutput(name)
	if err != nil {
		metrics.ObserveDownload(url, "error", 0)
		return clip.Download{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		metrics.ObserveDownload(url, "error", 0)
		return clip.Download{}, fmt.Errorf("%w: stat output: %v", clip.ErrDownloadFailed, err)
	}

	res = clip.Download{Path: path, SourceURL: url, SizeBytes: info.Size()}
	d.readInfo(name, &res)
	metrics.ObserveDownload(url, "ok", res.SizeBytes)
	span.SetAttributes(attribute.Int64("bytes", res.SizeBytes))
	return res, nil
}

func (d *Downloader) findOutput(name string) (string, error) {
	preferred := filepath.Join(d.cfg.Dir, name+"."+d.cfg.MergeFormat)
	if _, err := os.Stat(preferred); err == nil {
		return preferred, nil
	}
	matches, err := filepath.Glob(filepath.Join(d.cfg.Dir, name+".*"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", clip.ErrDownloadFailed, err)
	}
	for _, m := range matches {
		if strings.HasSuffix(m, ".info.json") || strings.HasSuffix(m, ".part") || strings.HasSuffix(m, ".ytdl") {
			continue
		}
		return m, nil
	}
	return "", fmt.Errorf("%w: no output file for %s", clip.ErrDownloadFailed, name)
}

// Cleanup removes every file written for name, including partial downloads.
// A name with nothing on disk is not an error.
func (d *Downloader) Cleanup(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid name %q", name)
	}
	matches, err := filepath.Glob(filepath.Join(d.cfg.Dir, name+".*"))
	if err != nil {
		return err
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type infoJSON struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	WebpageURL  string `json:"webpage_url"`
}

// readInfo copies title and description from the info sidecar and removes it.
// A missing or malformed sidecar is not an error.
func (d *Downloader) readInfo(name string, res *clip.Download) {
	path := filepath.Join(d.cfg.Dir, name+".info.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil {
			d.logger.Warn("remove info json failed", zap.String("path", path), zap.Error(err))
		}
	}()
	var info infoJSON
	if err := json.Unmarshal(raw, &info); err != nil {
		d.logger.Warn("malformed info json", zap.String("path", path), zap.Error(err))
		return
	}
	res.Title = strings.TrimSpace(info.Title)
	res.Description = strings.TrimSpace(info.Description)
	if info.WebpageURL != "" {
		res.SourceURL = info.WebpageURL
	}
}

func execRunner(ctx context.Context, binary string, args []string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// tail keeps at most stderrTailBytes of trimmed output, starting on a rune
// boundary.
func tail(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= stderrTailBytes {
		return s
	}
	cut := len(s) - stderrTailBytes
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return s[cut:]
}
