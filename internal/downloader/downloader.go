// Package downloader performs concurrent, deduped, cancellable file
// downloads to the file cache's assigned path. It deliberately does not
// retry: the spec assigns retry policy to the scheduler (§4.3, §4.8),
// since only the scheduler knows whether a spin's airtime still justifies
// another attempt.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/playola-fm/spin-engine/internal/filecache"
	"github.com/playola-fm/spin-engine/pkg/types"
)

const (
	perRequestTimeout = 30 * time.Second
	overallTimeout    = 300 * time.Second
)

// Config configures a Downloader.
type Config struct {
	MaxConcurrent int
	ChunkBytes    int
	TempDir       string
	UserAgent     string
	Debug         bool
}

// Downloader fetches URLs into the FileCache it was built with.
type Downloader struct {
	cfg    Config
	cache  *filecache.FileCache
	client *http.Client
	sem    chan struct{}
	subSeq uint64

	mu    sync.Mutex
	tasks map[string]*task
}

// New builds a Downloader that places completed files into cache.
func New(cfg Config, cache *filecache.FileCache) *Downloader {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 256 * 1024
	}

	return &Downloader{
		cfg:   cfg,
		cache: cache,
		client: &http.Client{
			Timeout: overallTimeout,
			Transport: &http.Transport{
				ResponseHeaderTimeout: perRequestTimeout,
			},
		},
		sem:   make(chan struct{}, cfg.MaxConcurrent),
		tasks: make(map[string]*task),
	}
}

// Download fetches url, deduping against any in-flight transfer for the
// same url, and returns this caller's DownloadID alongside a channel of
// progress updates ending in a terminal Completed/Failed/Cancelled
// DownloadProgress. If the file is already cached, the channel carries
// Progress(1.0) then Completed synchronously (spec §4.3 cache-hit
// short-circuit).
func (d *Downloader) Download(ctx context.Context, rawURL string) (DownloadID, <-chan types.DownloadProgress) {
	id := d.newSubID(rawURL)

	if d.cache.Exists(rawURL) {
		ch := make(chan types.DownloadProgress, 2)
		path := d.cache.LocalPathFor(rawURL)
		now := time.Now()
		ch <- types.DownloadProgress{URL: rawURL, Fraction: 1.0, Status: types.DownloadStatusDownloading, UpdatedAt: now}
		ch <- types.DownloadProgress{URL: rawURL, LocalPath: path, Fraction: 1.0, Status: types.DownloadStatusCompleted, UpdatedAt: now}
		close(ch)
		return id, ch
	}

	d.mu.Lock()
	if t, ok := d.tasks[rawURL]; ok {
		d.mu.Unlock()
		return id, t.subscribe(id)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	t := newTask(rawURL, cancel)
	d.tasks[rawURL] = t
	d.mu.Unlock()

	sub := t.subscribe(id)
	go d.run(taskCtx, t)

	// The caller's context does not cancel the shared transfer: this
	// goroutine only waits for either context to finish and takes no action.
	// Cancel, CancelFor and CancelAll are the ways to stop a transfer.
	go func() {
		select {
		case <-ctx.Done():
		case <-taskCtx.Done():
		}
	}()

	return id, sub
}

func (d *Downloader) newSubID(url string) DownloadID {
	n := atomic.AddUint64(&d.subSeq, 1)
	return DownloadID(url + subIDSeparator + strconv.FormatUint(n, 10))
}

// Cancel detaches id's subscription from its download. If id was the last
// subscriber attached to an in-flight transfer, the transfer itself is
// cancelled; otherwise the transfer continues for its remaining
// subscribers (spec §4.3 cancel(download_id)).
func (d *Downloader) Cancel(id DownloadID) {
	url, ok := splitDownloadID(id)
	if !ok {
		return
	}
	d.mu.Lock()
	t, ok := d.tasks[url]
	d.mu.Unlock()
	if !ok {
		return
	}
	if remaining := t.unsubscribe(id); remaining == 0 {
		t.cancel()
	}
}

func splitDownloadID(id DownloadID) (url string, ok bool) {
	s := string(id)
	i := strings.LastIndex(s, subIDSeparator)
	if i < 0 {
		return "", false
	}
	return s[:i], true
}

// CancelFor cancels the in-flight download for url, if any, regardless of
// how many subscribers are attached (spec §4.3 cancel_for(url)).
func (d *Downloader) CancelFor(url string) {
	d.mu.Lock()
	t, ok := d.tasks[url]
	d.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// CancelAll cancels every in-flight download.
func (d *Downloader) CancelAll() {
	d.mu.Lock()
	tasks := make([]*task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
}

func (d *Downloader) run(ctx context.Context, t *task) {
	defer func() {
		d.mu.Lock()
		delete(d.tasks, t.url)
		d.mu.Unlock()
	}()

	select {
	case d.sem <- struct{}{}:
		defer func() { <-d.sem }()
	case <-ctx.Done():
		t.finish(types.DownloadProgress{URL: t.url, Status: types.DownloadStatusCancelled, Err: &DownloadError{Kind: ErrCancelled, URL: t.url, Cause: ctx.Err()}, UpdatedAt: time.Now()})
		return
	}

	t.publish(types.DownloadProgress{URL: t.url, Status: types.DownloadStatusDownloading, UpdatedAt: time.Now()})

	path, err := d.perform(ctx, t)
	if err != nil {
		var derr *DownloadError
		if !errors.As(err, &derr) {
			derr = &DownloadError{Kind: ErrUnknown, URL: t.url, Cause: err}
		}
		status := types.DownloadStatusFailed
		if derr.Kind == ErrCancelled {
			status = types.DownloadStatusCancelled
		}
		t.finish(types.DownloadProgress{URL: t.url, Status: status, Err: derr, UpdatedAt: time.Now()})
		return
	}

	t.finish(types.DownloadProgress{URL: t.url, LocalPath: path, Fraction: 1.0, Status: types.DownloadStatusCompleted, UpdatedAt: time.Now()})
}

func (d *Downloader) perform(ctx context.Context, t *task) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return "", &DownloadError{Kind: ErrUnknown, URL: t.url, Cause: err}
	}
	req.Header.Set("User-Agent", d.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")

	resp, err := d.client.Do(req)
	if err != nil {
		return "", classifyError(t.url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[DOWNLOADER] failed to close response body: %v", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return "", &DownloadError{Kind: ErrHTTPStatus, StatusCode: resp.StatusCode, URL: t.url, Cause: fmt.Errorf("%s", resp.Status)}
	}

	destination := d.cache.LocalPathFor(t.url)
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return "", &DownloadError{Kind: ErrDirectoryMissing, URL: t.url, Cause: err}
	}
	if err := os.MkdirAll(d.cfg.TempDir, 0o755); err != nil {
		return "", &DownloadError{Kind: ErrDirectoryMissing, URL: t.url, Cause: err}
	}

	tempFile := filepath.Join(d.cfg.TempDir, filepath.Base(destination)+".tmp")
	f, err := os.Create(tempFile)
	if err != nil {
		return "", &DownloadError{Kind: ErrUnknown, URL: t.url, Cause: err}
	}

	total := resp.ContentLength
	downloaded := int64(0)
	buf := make([]byte, d.cfg.ChunkBytes)
	lastTick := time.Now()

	for {
		select {
		case <-ctx.Done():
			_ = f.Close()
			_ = os.Remove(tempFile)
			return "", &DownloadError{Kind: ErrCancelled, URL: t.url, Cause: ctx.Err()}
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				_ = f.Close()
				_ = os.Remove(tempFile)
				return "", &DownloadError{Kind: ErrUnknown, URL: t.url, Cause: writeErr}
			}
			downloaded += int64(n)

			if now := time.Now(); now.Sub(lastTick) >= 100*time.Millisecond {
				fraction := 0.0
				if total > 0 {
					fraction = float64(downloaded) / float64(total)
				}
				t.publish(types.DownloadProgress{
					URL: t.url, Total: total, Downloaded: downloaded,
					Fraction: fraction, Status: types.DownloadStatusDownloading, UpdatedAt: now,
				})
				lastTick = now
			}
		}

		if readErr != nil {
			if readErr == io.EOF {
				break
			}
			_ = f.Close()
			_ = os.Remove(tempFile)
			return "", classifyError(t.url, readErr)
		}
	}

	if err := f.Close(); err != nil {
		_ = os.Remove(tempFile)
		return "", &DownloadError{Kind: ErrUnknown, URL: t.url, Cause: err}
	}

	if err := os.Rename(tempFile, destination); err != nil {
		_ = os.Remove(tempFile)
		return "", &DownloadError{Kind: ErrMoveFailed, URL: t.url, Cause: err}
	}

	d.cache.EnsureRoom(downloaded, map[string]struct{}{destination: {}})

	if _, err := d.cache.Put(t.url); err != nil {
		return "", &DownloadError{Kind: ErrUnknown, URL: t.url, Cause: err}
	}

	return destination, nil
}

func classifyError(rawURL string, err error) *DownloadError {
	if errors.Is(err, context.Canceled) {
		return &DownloadError{Kind: ErrCancelled, URL: rawURL, Cause: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &DownloadError{Kind: ErrTimeout, URL: rawURL, Cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &DownloadError{Kind: ErrTimeout, URL: rawURL, Cause: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &DownloadError{Kind: ErrHostUnreachable, URL: rawURL, Cause: err}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return &DownloadError{Kind: ErrNoConnectivity, URL: rawURL, Cause: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		msg := strings.ToLower(urlErr.Err.Error())
		if strings.Contains(msg, "refused") || strings.Contains(msg, "unreachable") {
			return &DownloadError{Kind: ErrNoConnectivity, URL: rawURL, Cause: err}
		}
	}

	return &DownloadError{Kind: ErrUnknown, URL: rawURL, Cause: err}
}
