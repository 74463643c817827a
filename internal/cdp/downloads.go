package cdp

import (
	"context"
	"encoding/json"
	"log/slog"

	jsonv2 "github.com/go-json-experiment/json"

	"github.com/chromedp/cdproto/browser"
	"github.com/dgnsrekt/tabrelay/internal/host"
)

// onDownloadWillBegin records a download the browser started so it shares the
// relay's download id space.
func (b *Browser) onDownloadWillBegin(_ string, params json.RawMessage) {
	var ev browser.EventDownloadWillBegin
	if jsonv2.Unmarshal(params, &ev) != nil || ev.GUID == "" {
		return
	}
	guid := ev.GUID
	id := b.dl.Track(ev.URL, ev.SuggestedFilename, func(ctx context.Context) error {
		return b.conn.call(ctx, "Browser.cancelDownload", &browser.CancelDownloadParams{GUID: guid}, nil)
	})
	b.mu.Lock()
	b.guids[guid] = id
	b.mu.Unlock()
	slog.Debug("browser download started", "download_id", id, "url", ev.URL)
}

func (b *Browser) onDownloadProgress(_ string, params json.RawMessage) {
	var ev browser.EventDownloadProgress
	if jsonv2.Unmarshal(params, &ev) != nil {
		return
	}
	state := downloadState(ev.State)
	b.mu.Lock()
	id, ok := b.guids[ev.GUID]
	if ok && state != host.DownloadInProgress {
		delete(b.guids, ev.GUID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	b.dl.Progress(id, int64(ev.ReceivedBytes), int64(ev.TotalBytes), state, "")
}

func downloadState(s browser.DownloadProgressState) string {
	switch s {
	case browser.DownloadProgressStateCompleted:
		return host.DownloadComplete
	case browser.DownloadProgressStateCanceled:
		return host.DownloadInterrupted
	default:
		return host.DownloadInProgress
	}
}
