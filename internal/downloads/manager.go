// Package downloads tracks file downloads started by the relay and by the
// browser itself.
package downloads

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/host"
	"github.com/dgnsrekt/tabrelay/internal/types"
)

const fallbackName = "download"

// CookieSource returns the browser cookies that apply to a URL.
type CookieSource func(ctx context.Context, rawURL string) ([]host.Cookie, error)

// Opener opens a finished file with the desktop's default handler.
type Opener func(ctx context.Context, path string) error

type Options struct {
	// Dir reports the destination directory at the time a download starts.
	Dir     func() string
	Client  *http.Client
	Cookies CookieSource
	Opener  Opener
}

type entry struct {
	item     host.DownloadItem
	cancel   func(context.Context) error
	finished chan struct{}
}

// Manager runs HTTP downloads and records browser-initiated ones under a
// single id space.
type Manager struct {
	opts Options

	mu      sync.Mutex
	entries map[int]*entry
	nextID  int
}

func NewManager(opts Options) *Manager {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Opener == nil {
		opts.Opener = SystemOpener
	}
	if opts.Dir == nil {
		opts.Dir = func() string { return "." }
	}
	return &Manager{opts: opts, entries: make(map[int]*entry), nextID: 1}
}

// Download starts fetching opts.URL in the background and returns its id.
func (m *Manager) Download(ctx context.Context, opts host.DownloadOptions) (int, error) {
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return 0, types.Errorf(types.CodeValidation, "Download.start requires an http(s) url, got %q", opts.URL)
	}
	name := ""
	if opts.Filename != "" {
		name, err = cleanRelative(opts.Filename)
		if err != nil {
			return 0, err
		}
	}
	if opts.SaveAs {
		slog.Debug("download saveAs ignored", "url", opts.URL)
	}

	dlCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e := &entry{
		item: host.DownloadItem{
			URL:       opts.URL,
			State:     host.DownloadInProgress,
			StartTime: now(),
		},
		cancel: func(context.Context) error {
			cancel()
			return nil
		},
		finished: make(chan struct{}),
	}
	id := m.add(e)
	go m.fetch(dlCtx, id, e, name, cancel)
	return id, nil
}

// Track registers a browser-initiated download. cancel is called by Cancel
// while the download is in progress.
func (m *Manager) Track(rawURL, filename string, cancel func(context.Context) error) int {
	e := &entry{
		item: host.DownloadItem{
			URL:       rawURL,
			Filename:  filename,
			State:     host.DownloadInProgress,
			StartTime: now(),
		},
		cancel:   cancel,
		finished: make(chan struct{}),
	}
	return m.add(e)
}

// Progress updates a tracked download. A terminal state records the end time.
func (m *Manager) Progress(id int, received, total int64, state, filename string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok || e.item.State != host.DownloadInProgress {
		return
	}
	e.item.BytesReceived = received
	if total > 0 {
		e.item.TotalBytes = total
	}
	if filename != "" {
		e.item.Filename = filename
	}
	if state != "" && state != host.DownloadInProgress {
		m.finishLocked(e, state, "")
	}
}

func (m *Manager) add(e *entry) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	e.item.ID = id
	m.entries[id] = e
	return id
}

func (m *Manager) finishLocked(e *entry, state, reason string) {
	if e.item.State != host.DownloadInProgress {
		return
	}
	e.item.State = state
	e.item.Error = reason
	e.item.EndTime = now()
	close(e.finished)
}

func (m *Manager) finish(id int, state, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		m.finishLocked(e, state, reason)
	}
}

func (m *Manager) fetch(ctx context.Context, id int, e *entry, name string, cancel context.CancelFunc) {
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.item.URL, nil)
	if err != nil {
		m.finish(id, host.DownloadInterrupted, "NETWORK_INVALID_REQUEST")
		return
	}
	if m.opts.Cookies != nil {
		if cookies, err := m.opts.Cookies(ctx, e.item.URL); err == nil {
			for _, c := range cookies {
				req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
			}
		} else {
			slog.Debug("download cookies unavailable", "url", e.item.URL, "error", err)
		}
	}

	resp, err := m.opts.Client.Do(req)
	if err != nil {
		m.finish(id, host.DownloadInterrupted, interruptReason(ctx, "NETWORK_FAILED"))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.finish(id, host.DownloadInterrupted, "SERVER_BAD_CONTENT")
		slog.Warn("download rejected by server", "id", id, "status", resp.StatusCode)
		return
	}

	if name == "" {
		name = suggestName(resp, e.item.URL)
	}
	dir := m.opts.Dir()
	target := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		m.finish(id, host.DownloadInterrupted, "FILE_FAILED")
		return
	}
	f, dest, err := createUnique(target)
	if err != nil {
		m.finish(id, host.DownloadInterrupted, "FILE_FAILED")
		slog.Warn("download file create failed", "id", id, "error", err)
		return
	}

	m.mu.Lock()
	e.item.Filename = dest
	e.item.TotalBytes = resp.ContentLength
	if e.item.TotalBytes < 0 {
		e.item.TotalBytes = 0
	}
	m.mu.Unlock()

	_, copyErr := io.Copy(f, &progressReader{r: resp.Body, m: m, e: e})
	closeErr := f.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(dest)
		m.finish(id, host.DownloadInterrupted, interruptReason(ctx, "NETWORK_FAILED"))
		slog.Info("download interrupted", "id", id, "error", copyErr)
	case closeErr != nil:
		m.finish(id, host.DownloadInterrupted, "FILE_FAILED")
	default:
		m.mu.Lock()
		if e.item.TotalBytes == 0 {
			e.item.TotalBytes = e.item.BytesReceived
		}
		m.mu.Unlock()
		m.finish(id, host.DownloadComplete, "")
		slog.Info("download complete", "id", id, "file", dest)
	}
}

func interruptReason(ctx context.Context, fallback string) string {
	if errors.Is(ctx.Err(), context.Canceled) {
		return "USER_CANCELED"
	}
	return fallback
}

type progressReader struct {
	r io.Reader
	m *Manager
	e *entry
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.m.mu.Lock()
		p.e.item.BytesReceived += int64(n)
		p.m.mu.Unlock()
	}
	return n, err
}

// Search lists downloads, newest first.
func (m *Manager) Search(_ context.Context, q host.DownloadQuery) ([]host.DownloadItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]host.DownloadItem, 0, len(m.entries))
	for id, e := range m.entries {
		if q.ID != 0 && id != q.ID {
			continue
		}
		out = append(out, e.item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Cancel stops an in-progress download. Canceling a finished download is a
// no-op.
func (m *Manager) Cancel(ctx context.Context, id int) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return types.Errorf(types.CodeNotFound, "Download not found: %d", id)
	}
	active := e.item.State == host.DownloadInProgress
	cancel := e.cancel
	m.mu.Unlock()
	if !active || cancel == nil {
		return nil
	}
	if err := cancel(ctx); err != nil {
		return fmt.Errorf("cancel download %d: %w", id, err)
	}
	m.finish(id, host.DownloadInterrupted, "USER_CANCELED")
	return nil
}

// Open hands a completed download to the desktop opener.
func (m *Manager) Open(ctx context.Context, id int) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	var item host.DownloadItem
	if ok {
		item = e.item
	}
	m.mu.Unlock()
	if !ok {
		return types.Errorf(types.CodeNotFound, "Download not found: %d", id)
	}
	if item.State != host.DownloadComplete {
		return types.Errorf(types.CodeValidation, "Download %d is not complete", id)
	}
	return m.opts.Opener(ctx, item.Filename)
}

// Wait blocks until the download leaves the in-progress state.
func (m *Manager) Wait(ctx context.Context, id int) (host.DownloadItem, error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return host.DownloadItem{}, types.Errorf(types.CodeNotFound, "Download not found: %d", id)
	}
	select {
	case <-e.finished:
	case <-ctx.Done():
		return host.DownloadItem{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return e.item, nil
}

// SystemOpener launches the platform's default file handler.
func SystemOpener(ctx context.Context, path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", path)
	case "windows":
		cmd = exec.CommandContext(ctx, "rundll32", "url.dll,FileProtocolHandler", path)
	default:
		cmd = exec.CommandContext(ctx, "xdg-open", path)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

func cleanRelative(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || clean == "." {
		return "", types.Errorf(types.CodeValidation, "invalid download filename %q", name)
	}
	return clean, nil
}

func suggestName(resp *http.Response, rawURL string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if fn := sanitize(params["filename"]); fn != "" {
				return fn
			}
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		if fn := sanitize(path.Base(u.Path)); fn != "" && fn != "/" && fn != "." {
			return fn
		}
	}
	return fallbackName
}

func sanitize(name string) string {
	name = strings.TrimSpace(filepath.Base(filepath.FromSlash(name)))
	if name == "." || name == string(filepath.Separator) || name == ".." {
		return ""
	}
	return name
}

// createUnique opens target exclusively, appending " (n)" before the
// extension until the name is free.
func createUnique(target string) (*os.File, string, error) {
	ext := filepath.Ext(target)
	stem := strings.TrimSuffix(target, ext)
	candidate := target
	for n := 1; n < 10000; n++ {
		f, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return f, candidate, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, "", err
		}
		candidate = stem + " (" + strconv.Itoa(n) + ")" + ext
	}
	return nil, "", fmt.Errorf("no free filename for %s", target)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

var _ host.Downloads = (*Manager)(nil)
