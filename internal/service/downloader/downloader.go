package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oshokin/ota-agent/internal/domain/ota"
	"github.com/oshokin/ota-agent/internal/fsutil"
	"github.com/oshokin/ota-agent/internal/integrity"
	"github.com/oshokin/ota-agent/internal/logger"
	"github.com/oshokin/ota-agent/internal/version"
)

const (
	// TempSuffix is appended to the destination while a download is in flight.
	TempSuffix = ".tmp"

	defaultAttemptTimeout = 5 * time.Minute
	defaultInitialBackoff = 2 * time.Second
	defaultMaxBackoff     = time.Minute
)

var (
	// errBadHTTPStatus is returned for unexpected HTTP responses.
	errBadHTTPStatus = errors.New("unexpected http status")
	// errRangeMismatch is returned when a partial response does not continue the temporary file.
	errRangeMismatch = errors.New("partial response does not match resume offset")
)

// Options configure a Downloader.
type Options struct {
	// Client performs requests; nil uses a dedicated client without a global timeout.
	Client *http.Client
	// AttemptTimeout bounds one HTTP attempt.
	AttemptTimeout time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries uint64
	// InitialBackoff is the first retry delay.
	InitialBackoff time.Duration
	// MaxBackoff caps the retry delay.
	MaxBackoff time.Duration
}

// Request describes one file to fetch.
type Request struct {
	// URL is the artifact location.
	URL string
	// Dest is the final path of the verified file.
	Dest string
	// Checksum is the expected checksum; empty skips verification.
	Checksum string
	// Resume continues an existing temporary file when set.
	Resume bool
}

// Result describes a completed fetch.
type Result struct {
	// Path is the verified file.
	Path string
	// Size is the file size in bytes.
	Size int64
	// Resumed is set when the final attempt continued a partial file.
	Resumed bool
	// Attempts is the number of HTTP attempts made.
	Attempts int
}

// Downloader fetches files with resume, retries and verification.
type Downloader struct {
	client *http.Client
	opts   Options
}

// New creates a Downloader, filling unset options with defaults.
func New(opts Options) *Downloader {
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}

	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}

	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = max(defaultMaxBackoff, opts.InitialBackoff)
	}

	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	return &Downloader{
		client: client,
		opts:   opts,
	}
}

// Fetch downloads req.URL to req.Dest. The caller's context bounds the whole
// call including retries. A checksum mismatch removes the temporary file and
// returns an integrity error; a file that was resumed gets one clean refetch
// before the mismatch is reported.
func (d *Downloader) Fetch(ctx context.Context, req Request) (*Result, error) {
	ctx = logger.WithKV(logger.WithName(ctx, "downloader"), "file", filepath.Base(req.Dest))

	if err := os.MkdirAll(filepath.Dir(req.Dest), fsutil.DirPermissions); err != nil {
		return nil, fmt.Errorf("create download dir: %w", err)
	}

	tmp := req.Dest + TempSuffix
	if !req.Resume {
		_ = os.Remove(tmp)
	}

	var (
		result    = &Result{Path: req.Dest}
		refetched bool
	)

	operation := func() error {
		result.Attempts++

		resumed, err := d.attempt(ctx, req.URL, tmp)
		if err != nil {
			return err
		}

		result.Resumed = resumed

		verifyErr := verify(tmp, req.Checksum)
		if verifyErr == nil {
			return nil
		}

		if !resumed || refetched || !errors.Is(verifyErr, integrity.ErrMismatch) {
			return backoff.Permanent(ota.Integrity(verifyErr))
		}

		// The clean refetch belongs to this attempt and does not spend the retry budget.
		refetched = true

		logger.WarnKV(ctx, "Resumed file failed verification, refetching from scratch", "error", verifyErr)

		if _, err = d.attempt(ctx, req.URL, tmp); err != nil {
			return err
		}

		result.Resumed = false

		if verifyErr = verify(tmp, req.Checksum); verifyErr != nil {
			return backoff.Permanent(ota.Integrity(verifyErr))
		}

		return nil
	}

	notify := func(err error, wait time.Duration) {
		logger.WarnKV(ctx, "Download attempt failed, retrying", "attempt", result.Attempts, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(operation, d.policy(ctx), notify); err != nil {
		if ota.KindOf(err) == ota.KindIntegrity {
			return nil, err
		}

		if errors.Is(err, integrity.ErrMismatch) {
			return nil, ota.Integrity(err)
		}

		return nil, ota.Transient(fmt.Errorf("download %s after %d attempts: %w", req.URL, result.Attempts, err))
	}

	info, err := os.Stat(tmp)
	if err != nil {
		return nil, fmt.Errorf("stat download: %w", err)
	}

	if err := os.Rename(tmp, req.Dest); err != nil {
		return nil, fmt.Errorf("move download into place: %w", err)
	}

	result.Size = info.Size()

	logger.InfoKV(ctx, "Download completed", "size", result.Size, "attempts", result.Attempts, "resumed", result.Resumed)

	return result, nil
}

// verify checks tmp against checksum and removes it on failure.
// An empty checksum accepts any content.
func verify(tmp, checksum string) error {
	if checksum == "" {
		return nil
	}

	if err := integrity.Verify(tmp, checksum); err != nil {
		_ = os.Remove(tmp)

		return err
	}

	return nil
}

func (d *Downloader) policy(ctx context.Context) backoff.BackOffContext {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.opts.InitialBackoff
	policy.MaxInterval = d.opts.MaxBackoff
	policy.MaxElapsedTime = 0

	return backoff.WithContext(backoff.WithMaxRetries(policy, d.opts.MaxRetries), ctx)
}

// attempt performs one HTTP request, appending to tmp when it already holds bytes.
// It reports whether the response continued an existing partial file.
func (d *Downloader) attempt(ctx context.Context, url, tmp string) (bool, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, d.opts.AttemptTimeout)
	defer cancel()

	var offset int64
	if info, err := os.Stat(tmp); err == nil {
		offset = info.Size()
	}

	request, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return false, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}

	request.Header.Set("User-Agent", version.UserAgent())

	if offset > 0 {
		request.Header.Set("Range", "bytes="+strconv.FormatInt(offset, 10)+"-")
	}

	response, err := d.client.Do(request)
	if err != nil {
		return false, fmt.Errorf("perform request: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, io.LimitReader(response.Body, 4096))
		_ = response.Body.Close()
	}()

	var (
		flags   int
		resumed bool
	)

	switch response.StatusCode {
	case http.StatusPartialContent:
		start, err := contentRangeStart(response.Header.Get("Content-Range"))
		if err != nil || start != offset {
			_ = os.Remove(tmp)

			return false, fmt.Errorf("%w: have %d, got %q", errRangeMismatch, offset, response.Header.Get("Content-Range"))
		}

		flags = os.O_WRONLY | os.O_APPEND
		resumed = true
	case http.StatusOK:
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		if offset > 0 {
			// The temporary file already holds every byte.
			return true, nil
		}

		return false, backoff.Permanent(fmt.Errorf("%s: %w", response.Status, errBadHTTPStatus))
	default:
		statusErr := fmt.Errorf("%s: %w", response.Status, errBadHTTPStatus)
		if retryableStatus(response.StatusCode) {
			return false, statusErr
		}

		return false, backoff.Permanent(statusErr)
	}

	out, err := os.OpenFile(filepath.Clean(tmp), flags, fsutil.FilePermissions)
	if err != nil {
		return false, backoff.Permanent(fmt.Errorf("open temp file: %w", err))
	}

	written, copyErr := io.Copy(out, response.Body)

	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}

	logger.DebugKV(ctx, "Download attempt finished", "offset", offset, "written", written, "resumed", resumed)

	if copyErr != nil {
		// The bytes already written stay in place for the next attempt to resume.
		return false, fmt.Errorf("read body: %w", copyErr)
	}

	if response.ContentLength >= 0 && written != response.ContentLength {
		return false, fmt.Errorf("read body: %w", io.ErrUnexpectedEOF)
	}

	return resumed, nil
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError ||
		code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests
}

// contentRangeStart parses the first byte position of "bytes start-end/total".
func contentRangeStart(header string) (int64, error) {
	spec, found := strings.CutPrefix(strings.TrimSpace(header), "bytes ")
	if !found {
		return 0, fmt.Errorf("malformed content range %q", header)
	}

	first, _, found := strings.Cut(spec, "-")
	if !found {
		return 0, fmt.Errorf("malformed content range %q", header)
	}

	return strconv.ParseInt(first, 10, 64)
}
