package cdp

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dgnsrekt/tabrelay/internal/host"
)

type cdpRequest struct {
	ID        int64           `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId"`
	Params    json.RawMessage `json:"params"`
}

// fakeBrowser answers browser-level CDP commands over a real WebSocket.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     net.Conn
	writeMu  sync.Mutex
	requests []cdpRequest
	targets  []map[string]any
	cookies  []map[string]any
	// reply overrides the default result for a method.
	reply func(req cdpRequest) (any, bool)
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	f := &fakeBrowser{t: t}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"Browser":              "Chrome/126.0",
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/test",
		})
	})
	mux.HandleFunc("/devtools/browser/test", f.serveWS)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		f.mu.Lock()
		if f.conn != nil {
			_ = f.conn.Close()
		}
		f.mu.Unlock()
		f.srv.Close()
	})
	return f
}

func (f *fakeBrowser) addTarget(id, kind, url string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, map[string]any{"targetId": id, "type": kind, "title": id, "url": url, "attached": false, "canAccessOpener": false})
}

func (f *fakeBrowser) setReply(fn func(req cdpRequest) (any, bool)) {
	f.mu.Lock()
	f.reply = fn
	f.mu.Unlock()
}

func (f *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	reader := struct {
		io.Reader
		io.Writer
	}{rw.Reader, conn}
	for {
		data, err := wsutil.ReadClientText(reader)
		if err != nil {
			return
		}
		var req cdpRequest
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		reply := f.reply
		f.mu.Unlock()

		if reply != nil {
			if res, ok := reply(req); ok {
				f.write(res)
				continue
			}
		}
		f.write(map[string]any{"id": req.ID, "result": f.result(req)})
	}
}

func (f *fakeBrowser) result(req cdpRequest) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch req.Method {
	case "Target.getTargets":
		return map[string]any{"targetInfos": f.targets}
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(req.Params, &p)
		return map[string]any{"sessionId": "S-" + p.TargetID}
	case "Target.createTarget":
		return map[string]any{"targetId": "NEW"}
	case "Storage.getCookies":
		return map[string]any{"cookies": f.cookies}
	default:
		return map[string]any{}
	}
}

func (f *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		f.t.Errorf("marshal frame: %v", err)
		return
	}
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	f.writeMu.Lock()
	_ = wsutil.WriteServerText(conn, data)
	f.writeMu.Unlock()
}

func (f *fakeBrowser) event(sessionID, method string, params any) {
	msg := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	f.write(msg)
}

func (f *fakeBrowser) requestsFor(method string) []cdpRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cdpRequest
	for _, r := range f.requests {
		if r.Method == method {
			out = append(out, r)
		}
	}
	return out
}

func startBrowser(t *testing.T, f *fakeBrowser) *Browser {
	t.Helper()
	b := New(Options{Endpoint: f.srv.URL, DownloadDir: t.TempDir})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { _ = b.Shutdown() })
	return b
}

func nextEvent(t *testing.T, b *Browser) host.Event {
	t.Helper()
	select {
	case ev := <-b.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host event")
		return nil
	}
}

func expectNoEvent(t *testing.T, b *Browser) {
	t.Helper()
	select {
	case ev := <-b.Events():
		t.Fatalf("unexpected event %#v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStartRegistersExistingPages(t *testing.T) {
	f := newFakeBrowser(t)
	f.addTarget("A", "page", "https://a.example/")
	f.addTarget("W", "service_worker", "https://a.example/sw.js")
	f.addTarget("B", "page", "https://b.example/")
	b := startBrowser(t, f)

	tabs, err := b.Query(testCtx(t))
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("Query() = %d tabs; want 2", len(tabs))
	}
	if tabs[0].ID != 1 || tabs[0].TargetID != "A" || tabs[1].ID != 2 || tabs[1].TargetID != "B" {
		t.Fatalf("Query() = %+v; want A as 1 and B as 2", tabs)
	}
	if got := f.requestsFor("Target.setDiscoverTargets"); len(got) != 1 {
		t.Fatalf("setDiscoverTargets sent %d times; want 1", len(got))
	}
	if got := f.requestsFor("Browser.setDownloadBehavior"); len(got) != 1 || !strings.Contains(string(got[0].Params), `"eventsEnabled":true`) {
		t.Fatalf("setDownloadBehavior = %+v; want events enabled", got)
	}
}

func TestTargetLifecycleEvents(t *testing.T) {
	f := newFakeBrowser(t)
	b := startBrowser(t, f)

	f.event("", "Target.targetCreated", map[string]any{"targetInfo": map[string]any{"targetId": "C", "type": "page", "title": "", "url": "https://c.example/", "attached": false, "canAccessOpener": false}})
	created, ok := nextEvent(t, b).(host.TabCreated)
	if !ok || created.Tab.TargetID != "C" || created.Tab.ID != 1 {
		t.Fatalf("first event = %#v; want TabCreated for C", created)
	}

	f.event("", "Target.targetInfoChanged", map[string]any{"targetInfo": map[string]any{"targetId": "C", "type": "page", "title": "C", "url": "https://c.example/next", "attached": false, "canAccessOpener": false}})
	updated, ok := nextEvent(t, b).(host.TabUpdated)
	if !ok || updated.TabID != 1 || updated.Status != "loading" || updated.URL != "https://c.example/next" {
		t.Fatalf("second event = %#v; want loading TabUpdated", updated)
	}

	f.event("", "Target.targetCreated", map[string]any{"targetInfo": map[string]any{"targetId": "I", "type": "iframe", "title": "", "url": "https://ads.example/", "attached": false, "canAccessOpener": false}})
	f.event("", "Target.targetDestroyed", map[string]any{"targetId": "C"})
	removed, ok := nextEvent(t, b).(host.TabRemoved)
	if !ok || removed.TabID != 1 {
		t.Fatalf("third event = %#v; want TabRemoved 1", removed)
	}
	if _, err := b.Get(testCtx(t), 1); err == nil {
		t.Fatal("Get(1) after destroy error = nil; want error")
	}
}

func TestAttachAndSessionEvents(t *testing.T) {
	f := newFakeBrowser(t)
	f.addTarget("A", "page", "https://a.example/")
	b := startBrowser(t, f)
	ctx := testCtx(t)

	if err := b.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	att := f.requestsFor("Target.attachToTarget")
	if len(att) != 1 || !strings.Contains(string(att[0].Params), `"flatten":true`) {
		t.Fatalf("attachToTarget = %+v; want flatten", att)
	}
	if err := b.Attach(ctx, 1); err == nil {
		t.Fatal("second Attach() error = nil; want already attached")
	}

	if _, err := b.SendCommand(ctx, host.Debuggee{TabID: 1}, "Runtime.evaluate", json.RawMessage(`{"expression":"1"}`)); err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	eval := f.requestsFor("Runtime.evaluate")
	if len(eval) != 1 || eval[0].SessionID != "S-A" {
		t.Fatalf("Runtime.evaluate = %+v; want session S-A", eval)
	}

	f.event("S-A", "Target.attachedToTarget", map[string]any{
		"sessionId":          "CHILD",
		"targetInfo":         map[string]any{"targetId": "IF", "type": "iframe", "title": "", "url": "https://a.example/frame", "attached": true, "canAccessOpener": false},
		"waitingForDebugger": false,
	})
	first, ok := nextEvent(t, b).(host.DebuggerEvent)
	if !ok || first.Method != "Target.attachedToTarget" || first.Source.TabID != 1 || first.Source.SessionID != "" {
		t.Fatalf("event = %#v; want attachedToTarget from root", first)
	}

	f.event("CHILD", "Network.requestWillBeSent", map[string]any{"requestId": "1"})
	child, ok := nextEvent(t, b).(host.DebuggerEvent)
	if !ok || child.Source.SessionID != "CHILD" || child.Source.TabID != 1 {
		t.Fatalf("event = %#v; want child session event", child)
	}

	f.event("S-A", "Page.frameNavigated", map[string]any{
		"frame": map[string]any{"id": "F1", "loaderId": "L1", "url": "https://a.example/2", "domainAndRegistry": "example", "securityOrigin": "https://a.example", "mimeType": "text/html", "secureContextType": "Secure", "crossOriginIsolatedContextType": "NotIsolated", "gatedAPIFeatures": []string{}},
		"type":  "Navigation",
	})
	if ev, ok := nextEvent(t, b).(host.DebuggerEvent); !ok || ev.Method != "Page.frameNavigated" {
		t.Fatalf("event = %#v; want frameNavigated", ev)
	}
	if nav, ok := nextEvent(t, b).(host.NavigationCompleted); !ok || nav.TabID != 1 || !nav.MainFrame {
		t.Fatalf("event = %#v; want NavigationCompleted", nav)
	}

	f.event("UNKNOWN", "Runtime.consoleAPICalled", map[string]any{})
	expectNoEvent(t, b)
}

func TestForcedDetachReportsReason(t *testing.T) {
	f := newFakeBrowser(t)
	f.addTarget("A", "page", "https://a.example/")
	b := startBrowser(t, f)
	ctx := testCtx(t)
	if err := b.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	f.event("S-A", "Inspector.detached", map[string]any{"reason": "canceled_by_user"})
	_ = nextEvent(t, b)
	f.event("", "Target.detachedFromTarget", map[string]any{"sessionId": "S-A", "targetId": "A"})
	det, ok := nextEvent(t, b).(host.DebuggerDetached)
	if !ok || det.TabID != 1 || det.Reason != host.ReasonCanceledByUser {
		t.Fatalf("event = %#v; want DebuggerDetached canceled_by_user", det)
	}

	if err := b.Attach(ctx, 1); err != nil {
		t.Fatalf("reattach error = %v", err)
	}
	f.event("", "Target.detachedFromTarget", map[string]any{"sessionId": "S-A", "targetId": "A"})
	det, ok = nextEvent(t, b).(host.DebuggerDetached)
	if !ok || det.Reason != host.ReasonTargetClosed {
		t.Fatalf("event = %#v; want target_closed default", det)
	}
}

func TestRequestedDetachIsSilent(t *testing.T) {
	f := newFakeBrowser(t)
	f.addTarget("A", "page", "https://a.example/")
	b := startBrowser(t, f)
	ctx := testCtx(t)
	if err := b.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	f.setReply(func(req cdpRequest) (any, bool) {
		if req.Method != "Target.detachFromTarget" {
			return nil, false
		}
		f.event("", "Target.detachedFromTarget", map[string]any{"sessionId": "S-A", "targetId": "A"})
		return map[string]any{"id": req.ID, "result": map[string]any{}}, true
	})
	if err := b.Detach(ctx, 1); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	expectNoEvent(t, b)
	if _, err := b.SendCommand(ctx, host.Debuggee{TabID: 1}, "Runtime.enable", nil); err == nil {
		t.Fatal("SendCommand() after detach error = nil; want not attached")
	}
}

func TestProtocolErrorsSurface(t *testing.T) {
	f := newFakeBrowser(t)
	f.addTarget("A", "page", "https://a.example/")
	b := startBrowser(t, f)
	ctx := testCtx(t)
	if err := b.Attach(ctx, 1); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	f.setReply(func(req cdpRequest) (any, bool) {
		if req.Method != "Bogus.method" {
			return nil, false
		}
		return map[string]any{"id": req.ID, "error": map[string]any{"code": -32601, "message": "'Bogus.method' wasn't found"}}, true
	})
	_, err := b.SendCommand(ctx, host.Debuggee{TabID: 1}, "Bogus.method", nil)
	if err == nil || err.Error() != "'Bogus.method' wasn't found" {
		t.Fatalf("SendCommand() error = %v; want protocol message", err)
	}
}

func TestCreateEmitsTabCreatedOnce(t *testing.T) {
	f := newFakeBrowser(t)
	b := startBrowser(t, f)
	ctx := testCtx(t)

	tab, err := b.Create(ctx, "https://new.example/", false)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if tab.TargetID != "NEW" || tab.ID != 1 {
		t.Fatalf("Create() = %+v; want NEW as 1", tab)
	}
	req := f.requestsFor("Target.createTarget")
	if len(req) != 1 || !strings.Contains(string(req[0].Params), `"background":true`) {
		t.Fatalf("createTarget = %+v; want background", req)
	}
	if ev, ok := nextEvent(t, b).(host.TabCreated); !ok || ev.Tab.ID != 1 {
		t.Fatalf("event = %#v; want TabCreated", ev)
	}
	f.event("", "Target.targetCreated", map[string]any{"targetInfo": map[string]any{"targetId": "NEW", "type": "page", "title": "", "url": "https://new.example/", "attached": false, "canAccessOpener": false}})
	expectNoEvent(t, b)

	if err := b.Activate(ctx, 1); err != nil {
		t.Fatalf("Activate() error = %v", err)
	}
	if ev, ok := nextEvent(t, b).(host.TabActivated); !ok || ev.TabID != 1 {
		t.Fatalf("event = %#v; want TabActivated", ev)
	}
	if got, _ := b.Get(ctx, 1); !got.Active {
		t.Fatal("Get(1).Active = false; want true")
	}
}

func TestCookieFiltersAndRemoval(t *testing.T) {
	f := newFakeBrowser(t)
	f.cookies = []map[string]any{
		{"name": "sid", "value": "1", "domain": ".example.com", "path": "/", "expires": 1900000000.0, "size": 4, "httpOnly": true, "secure": true, "session": false, "sameSite": "Lax", "priority": "Medium", "sourceScheme": "Secure", "sourcePort": 443},
		{"name": "pref", "value": "dark", "domain": "app.example.com", "path": "/settings", "expires": -1.0, "size": 8, "httpOnly": false, "secure": false, "session": true, "priority": "Medium", "sourceScheme": "Secure", "sourcePort": 443},
		{"name": "sid", "value": "2", "domain": "other.org", "path": "/", "expires": -1.0, "size": 4, "httpOnly": false, "secure": false, "session": true, "priority": "Medium", "sourceScheme": "Secure", "sourcePort": 443},
	}
	b := startBrowser(t, f)
	ctx := testCtx(t)

	got, err := b.GetAll(ctx, host.CookieFilter{Domain: "example.com"})
	if err != nil {
		t.Fatalf("GetAll() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("GetAll(domain) = %d cookies; want 2", len(got))
	}
	if got[0].HostOnly || got[0].SameSite != host.SameSiteLax || got[0].ExpirationDate == nil || *got[0].ExpirationDate != 1900000000 {
		t.Fatalf("GetAll()[0] = %+v; want domain cookie with expiry", got[0])
	}
	if !got[1].HostOnly || !got[1].Session || got[1].ExpirationDate != nil || got[1].SameSite != host.SameSiteUnspecified {
		t.Fatalf("GetAll()[1] = %+v; want host-only session cookie", got[1])
	}

	byURL, _ := b.GetAll(ctx, host.CookieFilter{URL: "http://app.example.com/settings/theme"})
	if len(byURL) != 1 || byURL[0].Name != "pref" {
		t.Fatalf("GetAll(url) = %+v; want only pref (sid is secure)", byURL)
	}

	ref, err := b.Remove(ctx, "https://www.example.com/", "sid")
	if err != nil || ref == nil || ref.Name != "sid" {
		t.Fatalf("Remove() = %+v, %v; want ref to sid", ref, err)
	}
	set := f.requestsFor("Storage.setCookies")
	if len(set) != 1 || !strings.Contains(string(set[0].Params), `"domain":".example.com"`) {
		t.Fatalf("setCookies = %+v; want expiring .example.com cookie", set)
	}

	if ref, err := b.Remove(ctx, "https://nowhere.test/", "sid"); err != nil || ref != nil {
		t.Fatalf("Remove(missing) = %+v, %v; want nil, nil", ref, err)
	}
}

func TestCookieSetSendsOnlyGivenFields(t *testing.T) {
	f := newFakeBrowser(t)
	b := startBrowser(t, f)
	name, value := "k", "v"
	secure := true
	if _, err := b.Set(testCtx(t), host.CookieDetails{URL: "https://example.com/", Name: &name, Value: &value, Secure: &secure}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	set := f.requestsFor("Storage.setCookies")
	if len(set) != 1 {
		t.Fatalf("setCookies sent %d times; want 1", len(set))
	}
	var p struct {
		Cookies []map[string]any `json:"cookies"`
	}
	if err := json.Unmarshal(set[0].Params, &p); err != nil || len(p.Cookies) != 1 {
		t.Fatalf("setCookies params = %s", set[0].Params)
	}
	c := p.Cookies[0]
	if c["url"] != "https://example.com/" || c["name"] != "k" || c["value"] != "v" || c["secure"] != true {
		t.Fatalf("cookie param = %v", c)
	}
	if _, ok := c["expires"]; ok {
		t.Fatalf("cookie param = %v; want no expires", c)
	}
}

func TestBrowserDownloadsAreTracked(t *testing.T) {
	f := newFakeBrowser(t)
	b := startBrowser(t, f)
	ctx := testCtx(t)

	f.event("", "Browser.downloadWillBegin", map[string]any{"frameId": "F", "guid": "g1", "url": "https://example.com/a.zip", "suggestedFilename": "a.zip"})
	f.event("", "Browser.downloadProgress", map[string]any{"guid": "g1", "totalBytes": 10.0, "receivedBytes": 10.0, "state": "completed"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		items, err := b.Search(ctx, host.DownloadQuery{})
		if err != nil {
			t.Fatalf("Search() error = %v", err)
		}
		if len(items) == 1 && items[0].State == host.DownloadComplete {
			if items[0].Filename != "a.zip" || items[0].TotalBytes != 10 {
				t.Fatalf("Search() = %+v; want a.zip with 10 bytes", items[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Search() = %+v; want one complete download", items)
		}
		time.Sleep(10 * time.Millisecond)
	}

	f.event("", "Browser.downloadWillBegin", map[string]any{"frameId": "F", "guid": "g2", "url": "https://example.com/b.zip", "suggestedFilename": "b.zip"})
	deadline = time.Now().Add(2 * time.Second)
	for {
		items, _ := b.Search(ctx, host.DownloadQuery{ID: 2})
		if len(items) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second download never tracked")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err := b.Cancel(ctx, 2); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	cancel := f.requestsFor("Browser.cancelDownload")
	if len(cancel) != 1 || !strings.Contains(string(cancel[0].Params), `"guid":"g2"`) {
		t.Fatalf("cancelDownload = %+v; want guid g2", cancel)
	}
}

func TestConnectionLossClosesDone(t *testing.T) {
	f := newFakeBrowser(t)
	b := startBrowser(t, f)
	f.mu.Lock()
	_ = f.conn.Close()
	f.mu.Unlock()
	select {
	case <-b.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done() not closed after connection loss")
	}
	if b.Err() == nil {
		t.Fatal("Err() = nil; want read error")
	}
	if _, err := b.Query(testCtx(t)); err != nil {
		t.Fatalf("Query() error = %v", err)
	}
}
