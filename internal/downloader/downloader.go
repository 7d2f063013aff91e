// Package downloader fetches release packages to local disk with retries,
// progress reporting and post-download integrity validation.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/breeze-rmm/updater/internal/httputil"
	"github.com/breeze-rmm/updater/internal/integrity"
	"github.com/breeze-rmm/updater/internal/logging"
	"github.com/breeze-rmm/updater/internal/release"
)

var log = logging.L("downloader")

const (
	DefaultChunkSize        = 32 * 1024
	DefaultProgressInterval = 5 * time.Second
	DefaultAttemptTimeout   = 30 * time.Minute
	DefaultMaxAttempts      = 3
)

var (
	// ErrLocalIO marks failures writing to the local filesystem. They are not
	// retried.
	ErrLocalIO = errors.New("local file error")
	// ErrMissingChecksum is returned for packages announced without a digest.
	ErrMissingChecksum = errors.New("package has no checksum")
)

// Config tunes a Downloader. Zero fields take the package defaults.
type Config struct {
	MaxAttempts      int
	BackoffUnit      time.Duration
	BackoffBase      float64
	AttemptTimeout   time.Duration
	ProgressInterval time.Duration
	ChunkSize        int
	UserAgent        string
	// AuthToken is sent as a bearer token only to URLs whose host equals
	// AuthHost, so credentials never reach a third-party CDN.
	AuthToken string
	AuthHost  string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BackoffUnit <= 0 {
		c.BackoffUnit = time.Second
	}
	if c.BackoffBase < 1 {
		c.BackoffBase = 2
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = DefaultProgressInterval
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.UserAgent == "" {
		c.UserAgent = "breeze-updater"
	}
	return c
}

// Progress is a snapshot of an in-flight download.
type Progress struct {
	Attempt         int
	BytesDownloaded int64
	TotalBytes      int64
	Elapsed         time.Duration
}

// Percent returns completion in [0,100], or -1 when the total is unknown.
func (p Progress) Percent() float64 {
	if p.TotalBytes <= 0 {
		return -1
	}
	return float64(p.BytesDownloaded) * 100 / float64(p.TotalBytes)
}

// Result describes the outcome of Download. Err is nil on success.
type Result struct {
	Success       bool
	FilePath      string
	FileSizeBytes int64
	Checksum      string
	Duration      time.Duration
	Attempts      int
	Err           error
	ErrorMessage  string
}

// Downloader fetches packages over HTTP.
type Downloader struct {
	cfg       Config
	client    *http.Client
	freeSpace func(dir string) (uint64, error)

	// OnRetry observes each failed attempt and the delay before the next.
	OnRetry httputil.NotifyFunc
	// OnProgress receives periodic progress from a reporter goroutine.
	OnProgress func(Progress)
}

// New creates a Downloader. A nil client gets a client without an overall
// timeout; per-attempt deadlines come from Config.AttemptTimeout.
func New(cfg Config, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	return &Downloader{
		cfg:       cfg.withDefaults(),
		client:    client,
		freeSpace: freeBytes,
	}
}

// Download fetches pkg into destDir and validates its checksum. Network
// failures are retried with exponential backoff; disk-space, local I/O and
// integrity failures end the download immediately. No partial file is left
// behind on failure.
func (d *Downloader) Download(ctx context.Context, pkg release.Package, destDir string) Result {
	start := time.Now()
	res := Result{FilePath: filepath.Join(destDir, pkg.FileName())}

	fail := func(err error) Result {
		res.Duration = time.Since(start)
		res.Err = err
		res.ErrorMessage = err.Error()
		log.Warn("download failed",
			"version", pkg.Version.String(),
			"attempts", res.Attempts,
			logging.KeyError, err,
			logging.KeyDurationMs, res.Duration.Milliseconds(),
		)
		return res
	}

	alg, err := integrity.ParseAlgorithm(string(pkg.ChecksumAlgorithm))
	if err != nil {
		return fail(err)
	}
	if pkg.Checksum == "" {
		return fail(ErrMissingChecksum)
	}
	if pkg.DownloadURL == "" {
		return fail(fmt.Errorf("package %s has no download URL", pkg.Version))
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fail(fmt.Errorf("%w: create %s: %w", ErrLocalIO, destDir, err))
	}

	ok, err := d.HasSufficientDiskSpace(destDir, pkg.SizeBytes)
	if err != nil {
		return fail(fmt.Errorf("%w: %w", ErrInsufficientDiskSpace, err))
	}
	if !ok {
		return fail(fmt.Errorf("%w: %s needs %s plus %s headroom", ErrInsufficientDiskSpace,
			destDir, humanize.IBytes(uint64(max(pkg.SizeBytes, 0))), humanize.IBytes(DiskSpaceBuffer)))
	}

	if err := removeIfExists(res.FilePath); err != nil {
		return fail(fmt.Errorf("%w: remove stale %s: %w", ErrLocalIO, res.FilePath, err))
	}

	retryCfg := httputil.ExponentialConfig(d.cfg.MaxAttempts, d.cfg.BackoffUnit, d.cfg.BackoffBase)
	log.Info("starting download",
		"version", pkg.Version.String(),
		"url", pkg.DownloadURL,
		"dest", res.FilePath,
		"size", humanize.IBytes(uint64(max(pkg.SizeBytes, 0))),
	)

	err = httputil.Retry(ctx, retryCfg, func(attempt int) error {
		res.Attempts = attempt
		n, err := d.attempt(ctx, pkg, res.FilePath, attempt)
		if err != nil {
			if rmErr := removeIfExists(res.FilePath); rmErr != nil {
				log.Warn("failed to remove partial download", "path", res.FilePath, logging.KeyError, rmErr)
			}
			if ctx.Err() != nil {
				return httputil.Permanent(ctx.Err())
			}
			if errors.Is(err, ErrLocalIO) {
				return httputil.Permanent(err)
			}
			return err
		}

		sum, err := integrity.VerifyFile(res.FilePath, pkg.Checksum, alg)
		if err != nil {
			if rmErr := removeIfExists(res.FilePath); rmErr != nil {
				log.Warn("failed to remove corrupt download", "path", res.FilePath, logging.KeyError, rmErr)
			}
			return httputil.Permanent(err)
		}
		res.FileSizeBytes = n
		res.Checksum = sum
		return nil
	}, func(attempt int, delay time.Duration, err error) {
		log.Warn("download attempt failed, retrying",
			"attempt", attempt,
			"maxAttempts", d.cfg.MaxAttempts,
			"delay", delay,
			logging.KeyError, err,
		)
		if d.OnRetry != nil {
			d.OnRetry(attempt, delay, err)
		}
	})
	if err != nil {
		return fail(err)
	}

	res.Success = true
	res.Duration = time.Since(start)
	log.Info("download complete",
		"version", pkg.Version.String(),
		"path", res.FilePath,
		"size", humanize.IBytes(uint64(res.FileSizeBytes)),
		"attempts", res.Attempts,
		logging.KeyDurationMs, res.Duration.Milliseconds(),
	)
	return res
}

// attempt performs a single GET, streaming the body to dest.
func (d *Downloader) attempt(parent context.Context, pkg release.Package, dest string, attempt int) (int64, error) {
	ctx, cancel := context.WithTimeout(parent, d.cfg.AttemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pkg.DownloadURL, nil)
	if err != nil {
		return 0, httputil.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	if d.shouldSendAuth(req.URL) {
		req.Header.Set("Authorization", "Bearer "+d.cfg.AuthToken)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", pkg.DownloadURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, &httputil.StatusError{StatusCode: resp.StatusCode, URL: pkg.DownloadURL}
	}

	total := resp.ContentLength
	if total <= 0 {
		total = pkg.SizeBytes
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("%w: create %s: %w", ErrLocalIO, dest, err)
	}

	var written atomic.Int64
	stop := d.startProgress(attempt, total, &written)
	n, copyErr := d.copyChunks(ctx, out, resp.Body, &written)
	stop()

	closeErr := out.Close()
	if copyErr != nil {
		return n, copyErr
	}
	if closeErr != nil {
		return n, fmt.Errorf("%w: close %s: %w", ErrLocalIO, dest, closeErr)
	}
	if resp.ContentLength > 0 && n != resp.ContentLength {
		return n, fmt.Errorf("truncated body: got %d of %d bytes: %w", n, resp.ContentLength, io.ErrUnexpectedEOF)
	}
	return n, nil
}

// copyChunks streams src to dst in fixed-size chunks, checking ctx between
// chunks. Write failures are local; read failures are network failures.
func (d *Downloader) copyChunks(ctx context.Context, dst io.Writer, src io.Reader, written *atomic.Int64) (int64, error) {
	buf := make([]byte, d.cfg.ChunkSize)
	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		nr, readErr := src.Read(buf)
		if nr > 0 {
			nw, writeErr := dst.Write(buf[:nr])
			n += int64(nw)
			written.Store(n)
			if writeErr != nil {
				return n, fmt.Errorf("%w: write: %w", ErrLocalIO, writeErr)
			}
			if nw != nr {
				return n, fmt.Errorf("%w: %w", ErrLocalIO, io.ErrShortWrite)
			}
		}
		if readErr == io.EOF {
			return n, nil
		}
		if readErr != nil {
			return n, fmt.Errorf("read body: %w", readErr)
		}
	}
}

// startProgress reports progress from its own goroutine so a slow callback
// never stalls the write loop. The returned func stops the reporter and
// emits a final snapshot.
func (d *Downloader) startProgress(attempt int, total int64, written *atomic.Int64) func() {
	began := time.Now()
	snapshot := func() Progress {
		return Progress{Attempt: attempt, BytesDownloaded: written.Load(), TotalBytes: total, Elapsed: time.Since(began)}
	}
	report := func(p Progress) {
		log.Debug("download progress",
			"attempt", p.Attempt,
			"downloaded", humanize.IBytes(uint64(p.BytesDownloaded)),
			"percent", fmt.Sprintf("%.1f", p.Percent()),
		)
		if d.OnProgress != nil {
			d.OnProgress(p)
		}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(d.cfg.ProgressInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				report(snapshot())
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		report(snapshot())
	}
}

func (d *Downloader) shouldSendAuth(u *url.URL) bool {
	if d.cfg.AuthToken == "" || d.cfg.AuthHost == "" {
		return false
	}
	return u.Host == d.cfg.AuthHost
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
